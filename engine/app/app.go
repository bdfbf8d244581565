// Package app assembles the shopbot engine from configuration. The API
// server, the ingest worker and the admin CLI all build their components
// through it.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/shopbot/engine/chunker"
	"github.com/WessleyAI/shopbot/engine/corpus"
	"github.com/WessleyAI/shopbot/engine/query"
	"github.com/WessleyAI/shopbot/engine/rag"
	"github.com/WessleyAI/shopbot/engine/retrieve"
	"github.com/WessleyAI/shopbot/engine/semantic"
	"github.com/WessleyAI/shopbot/engine/session"
	"github.com/WessleyAI/shopbot/engine/store"
	"github.com/WessleyAI/shopbot/pkg/config"
	"github.com/WessleyAI/shopbot/pkg/llm"
	"github.com/WessleyAI/shopbot/pkg/metrics"
	"github.com/WessleyAI/shopbot/pkg/natsutil"
)

// Namespace prefixes every exported metric.
const Namespace = "shopbot"

// App holds the wired components. Fields a binary did not ask for are nil.
type App struct {
	Config   *config.Config
	Log      *slog.Logger
	Registry *metrics.Registry
	Metrics  *metrics.Pipeline

	Corpus  *corpus.Manager
	Store   store.Store
	Keeper  *session.Keeper
	Chain   *llm.Chain
	Service *rag.Service
	NATS    *nats.Conn

	closers []func() error
}

// Parts selects what New wires beyond the corpus manager.
type Parts struct {
	// Query wires the record store, conversation keeper, provider chain
	// and query service.
	Query bool
	// Records wires only the record store.
	Records bool
	// NATS connects to cfg.NATS.URL. A failed connection is an error.
	NATS bool
	// Name identifies the NATS client.
	Name string
}

// NewLogger returns a JSON slog logger at the named level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}

// New wires the components selected by parts. On error everything opened so
// far is closed.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, parts Parts) (_ *App, err error) {
	if log == nil {
		log = slog.Default()
	}
	reg := metrics.New(Namespace)
	a := &App{Config: cfg, Log: log, Registry: reg, Metrics: metrics.NewPipeline(reg)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.Corpus, err = a.corpus(); err != nil {
		return nil, err
	}
	if parts.NATS {
		nc, err := natsutil.Connect(cfg.NATS.URL, parts.Name, log)
		if err != nil {
			return nil, fmt.Errorf("app: nats: %w", err)
		}
		a.NATS = nc
		a.onClose(func() error { nc.Close(); return nil })
	}
	if parts.Query || parts.Records {
		if a.Store, err = a.records(ctx); err != nil {
			return nil, err
		}
	}
	if parts.Query {
		if err := a.query(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *App) onClose(f func() error) { a.closers = append(a.closers, f) }

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("app: close failed", "err", err)
		}
	}
	a.closers = nil
}

func (a *App) corpus() (*corpus.Manager, error) {
	cc := a.Config.Corpus
	embedder, err := llm.EmbedderFromConfig(a.Config.Embedding)
	if err != nil {
		return nil, err
	}

	var backend corpus.Backend
	switch cc.Backend {
	case "", "flat":
		backend = corpus.NewFlatBackend()
	case "qdrant":
		vs, err := semantic.New(a.Config.Qdrant.Addr, a.Config.Qdrant.CollectionPrefix)
		if err != nil {
			return nil, fmt.Errorf("app: qdrant: %w", err)
		}
		a.onClose(vs.Close)
		backend = vs
	default:
		return nil, fmt.Errorf("app: unknown index backend %q", cc.Backend)
	}

	return corpus.NewManager(corpus.Options{
		Root:      cc.IndexDir,
		Backend:   backend,
		Embedder:  embedder,
		Chunker:   chunker.New(chunker.Options{SoftCap: cc.SoftCap, Logger: a.Log}),
		BatchSize: cc.EmbedBatch,
		Logger:    a.Log,
		Metrics:   a.Metrics,
	}), nil
}

func (a *App) records(ctx context.Context) (store.Store, error) {
	cfg := a.Config
	switch cfg.Records.Backend {
	case "", "memory":
		return store.NewMemory(), nil
	case "neo4j":
		driver, err := store.Connect(ctx, cfg.Neo4j.URL, cfg.Neo4j.User, cfg.Neo4j.Pass)
		if err != nil {
			return nil, err
		}
		a.onClose(func() error { return driver.Close(context.Background()) })
		return store.NewNeo4j(driver), nil
	default:
		return nil, fmt.Errorf("app: unknown record backend %q", cfg.Records.Backend)
	}
}

func (a *App) query() error {
	cfg := a.Config

	keeperOpts := session.Options{Window: cfg.History.Window, Logger: a.Log}
	if cfg.Redis.Addr != "" {
		mirror, err := session.NewRedisMirror(session.RedisOpts{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
			Prefix:   Namespace,
		})
		if err != nil {
			return err
		}
		a.onClose(mirror.Close)
		keeperOpts.Mirror = mirror
	}
	a.Keeper = session.New(keeperOpts)

	chain, err := llm.ChainFromConfig(cfg.Providers, a.Log, a.Metrics)
	if err != nil {
		return err
	}
	a.Chain = chain

	opts := rag.DefaultOptions()
	opts.PromptExchanges = cfg.History.PromptExchanges
	opts.SummaryChars = cfg.History.SummaryChars
	opts.Logger = a.Log

	a.Service = rag.NewService(rag.Deps{
		Store:        a.Store,
		Keeper:       a.Keeper,
		Analyzer:     query.New(query.Options{Classifier: chain, Logger: a.Log}),
		Retriever:    retrieve.New(a.Corpus, retrieve.Options{K: cfg.Retrieval.K, Logger: a.Log}),
		Orchestrator: rag.NewOrchestrator(chain, opts),
		Metrics:      a.Metrics,
		Logger:       a.Log,
	})
	return nil
}
