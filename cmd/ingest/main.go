// Command ingest keeps tenant indexes current: it watches the corpus root
// for changed source files and consumes rebuild requests from NATS.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/shopbot/engine/app"
	"github.com/WessleyAI/shopbot/engine/corpus"
	"github.com/WessleyAI/shopbot/engine/ingest"
	"github.com/WessleyAI/shopbot/pkg/config"
)

func main() {
	var (
		cfgPath     = flag.String("config", "shopbot.yaml", "path to the YAML config")
		standalone  = flag.Bool("standalone", false, "build in-process without NATS")
		once        = flag.Bool("once", false, "bring every tenant up to date, then exit")
		metricsPort = flag.Int("metrics-port", 9091, "port for /metrics, 0 disables it")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	log := app.NewLogger(os.Stdout, cfg.Log.Level)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, app.Parts{NATS: !*standalone, Records: true, Name: "shopbot-ingest"})
	if err != nil {
		log.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()
	if *metricsPort > 0 {
		a.Registry.ServeAsync(*metricsPort, log)
	}

	worker := ingest.NewWorker(a.NATS, ingest.Deps{Builder: a.Corpus, CorpusRoot: cfg.Corpus.Root, Records: a.Store, Logger: log})
	t := &trigger{worker: worker, nc: a.NATS, log: log}

	if *once {
		if n := t.all(ctx, cfg.Corpus.Root); n > 0 {
			log.Error("some tenants failed to build", "failed", n)
			os.Exit(1)
		}
		return
	}

	if a.NATS != nil {
		sub, err := worker.Start()
		if err != nil {
			log.Error("subscribe failed", "subject", ingest.RebuildSubject, "err", err)
			os.Exit(1)
		}
		defer sub.Drain()
		log.Info("worker listening", "subject", ingest.RebuildSubject, "queue", ingest.QueueGroup)
	}

	w, err := corpus.NewWatcher(corpus.WatcherOpts{
		Root:     cfg.Corpus.Root,
		Debounce: cfg.Corpus.Debounce,
		Interval: cfg.Corpus.WatchInterval,
		OnChange: t.tenant,
		Logger:   log,
	})
	if err != nil {
		log.Error("watcher", "err", err)
		os.Exit(1)
	}
	log.Info("watching corpus", "root", cfg.Corpus.Root, "interval", cfg.Corpus.WatchInterval)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("watcher stopped", "err", err)
		os.Exit(1)
	}
}

// trigger turns a changed tenant into a rebuild: a NATS request when
// connected, an in-process build otherwise.
type trigger struct {
	worker *ingest.Worker
	nc     *nats.Conn
	log    *slog.Logger
}

func (t *trigger) tenant(ctx context.Context, tenant string) {
	t.run(ctx, tenant)
}

func (t *trigger) run(ctx context.Context, tenant string) error {
	req := ingest.RebuildRequest{TenantID: tenant}
	if t.nc != nil {
		if err := ingest.RequestRebuild(ctx, t.nc, req); err != nil {
			t.log.Error("rebuild request failed", "tenant", tenant, "err", err)
			return err
		}
		t.log.Debug("rebuild requested", "tenant", tenant)
		return nil
	}
	ev, err := t.worker.Rebuild(ctx, req)
	if err != nil {
		t.log.Error("rebuild failed", "tenant", tenant, "err", err)
		return err
	}
	if !ev.Skipped {
		t.log.Info("rebuilt", "tenant", tenant, "chunks", ev.Chunks, "generation", ev.Generation)
	}
	return nil
}

// all triggers every tenant directory under root and returns the number
// that failed.
func (t *trigger) all(ctx context.Context, root string) int {
	dirs, err := corpus.TenantDirs(root)
	if err != nil {
		t.log.Error("list tenants failed", "root", root, "err", err)
		return 1
	}
	failed := 0
	for tenant := range dirs {
		if t.run(ctx, tenant) != nil {
			failed++
		}
	}
	return failed
}
