// Command api serves the shopbot query surface over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/shopbot/engine/app"
	"github.com/WessleyAI/shopbot/engine/ingest"
	"github.com/WessleyAI/shopbot/pkg/config"
	"github.com/WessleyAI/shopbot/pkg/mid"
)

// maxBody bounds request bodies; a query plus a full history fits easily.
const maxBody = 1 << 20

func main() {
	cfgPath := flag.String("config", "shopbot.yaml", "path to the YAML config")
	useNATS := flag.Bool("nats", false, "queue rebuilds on NATS instead of building inline")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(os.Stdout, cfg.Log.Level)
	slog.SetDefault(logger)

	if err := run(cfg, *useNATS, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, useNATS bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Parts{Query: true, NATS: useNATS, Name: "shopbot-api"})
	if err != nil {
		return err
	}
	defer a.Close()

	s := &server{
		queries:  a.Service,
		index:    a.Corpus,
		bots:     a.Store,
		convs:    a.Store,
		rebuild:  inlineRebuild(ingest.NewWorker(nil, ingest.Deps{Builder: a.Corpus, CorpusRoot: cfg.Corpus.Root, Records: a.Store, Logger: logger})),
		root:     cfg.Corpus.Root,
		log:      logger,
		metrics:  a.Registry.Handler(),
		backend:  a.Corpus.Backend(),
		provider: a.Chain.Providers(),
	}
	if a.NATS != nil {
		s.rebuild = queuedRebuild(a.NATS)
	}

	handler := mid.Chain(s.routes(),
		mid.OTel("shopbot-api"),
		mid.RequestID(),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.Metrics(a.Registry),
		mid.CORS(cfg.Server.CORSOrigin),
		mid.BodyLimit(maxBody),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Server.Port, "backend", s.backend, "providers", s.provider)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
