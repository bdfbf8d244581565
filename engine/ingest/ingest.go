// Package ingest runs corpus rebuilds requested over NATS: it validates the
// request, builds the tenant's index, announces the result and routes
// repeated failures to a dead letter subject.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/shopbot/engine/corpus"
	"github.com/WessleyAI/shopbot/engine/domain"
	"github.com/WessleyAI/shopbot/engine/store"
	"github.com/WessleyAI/shopbot/pkg/fn"
	"github.com/WessleyAI/shopbot/pkg/natsutil"
)

const (
	// RebuildSubject carries RebuildRequests.
	RebuildSubject = "corpus.rebuild"
	// DLQSubject is the dead letter queue subject for failed requests.
	DLQSubject = "corpus.rebuild.dlq"
	// RebuiltSubject carries RebuiltEvents.
	RebuiltSubject = "corpus.rebuilt"
	// QueueGroup load-balances requests across workers.
	QueueGroup = "shopbot-ingest"
	// MaxRetries before sending to DLQ.
	MaxRetries = 3
)

// Builder builds a tenant index from a source directory. *corpus.Manager
// satisfies it.
type Builder interface {
	BuildDir(ctx context.Context, tenant, dir string, force bool) (corpus.BuildResult, error)
}

// Deps holds the external dependencies of a Worker.
type Deps struct {
	Builder Builder
	// CorpusRoot holds one source directory per tenant.
	CorpusRoot string
	// Records, when set, receives the metadata of every new index.
	Records store.Indexes
	// Timeout bounds one build. Zero means no bound.
	Timeout time.Duration
	Logger  *slog.Logger
}

// errPermanent marks failures a retry cannot fix.
var errPermanent = errors.New("permanent failure")

// --- Pipeline Stages ---

// NewValidate creates the stage that checks the tenant id and resolves the
// source directory.
func NewValidate(root string) fn.Stage[RebuildRequest, RebuildRequest] {
	return func(_ context.Context, req RebuildRequest) fn.Result[RebuildRequest] {
		if err := domain.ValidateTenantID(req.TenantID); err != nil {
			return fn.Err[RebuildRequest](fmt.Errorf("%w: %w", errPermanent, err))
		}
		if root == "" {
			if req.SourceDir == "" {
				return fn.Errf[RebuildRequest]("%w: no source dir for %s", errPermanent, req.TenantID)
			}
			return fn.Ok(req)
		}
		dir, err := ResolveSourceDir(root, req.TenantID, req.SourceDir)
		if err != nil {
			return fn.Err[RebuildRequest](fmt.Errorf("%w: %w", errPermanent, err))
		}
		req.SourceDir = dir
		return fn.Ok(req)
	}
}

// ResolveSourceDir returns the directory tenant's corpus is read from. An
// empty dir means the tenant's own directory under root; a relative dir is
// taken from root. The result must lie inside root/tenant.
func ResolveSourceDir(root, tenant, dir string) (string, error) {
	base, err := filepath.Abs(filepath.Join(root, tenant))
	if err != nil {
		return "", fmt.Errorf("ingest: resolve %s: %w", tenant, err)
	}
	if dir == "" {
		return base, nil
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("ingest: resolve %s: %w", dir, err)
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", domain.NewValidationError("corpus_dir", dir, domain.ErrOutsideCorpus)
	}
	return abs, nil
}

// NewBuild creates the stage that runs the build.
func NewBuild(b Builder, timeout time.Duration) fn.Stage[RebuildRequest, corpus.BuildResult] {
	return func(ctx context.Context, req RebuildRequest) fn.Result[corpus.BuildResult] {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		res, err := b.BuildDir(ctx, req.TenantID, req.SourceDir, req.Force)
		if errors.Is(err, domain.ErrEmptyCorpus) {
			err = fmt.Errorf("%w: %w", errPermanent, err)
		}
		return fn.FromPair(res, err)
	}
}

// NewRecord creates the stage that stores a new index's metadata and
// describes the result. The index is already live, so a failed write is
// logged rather than failing the rebuild.
func NewRecord(records store.Indexes, log *slog.Logger) fn.Stage[corpus.BuildResult, RebuiltEvent] {
	return func(ctx context.Context, res corpus.BuildResult) fn.Result[RebuiltEvent] {
		meta := res.Metadata
		if records != nil && !res.Skipped {
			if err := records.SaveIndexRecord(ctx, meta); err != nil {
				log.Warn("ingest: index record not saved", "tenant", meta.TenantID, "generation", meta.Generation, "err", err)
			}
		}
		return fn.Ok(RebuiltEvent{
			TenantID:   meta.TenantID,
			Chunks:     meta.Chunks,
			Generation: meta.Generation,
			Skipped:    res.Skipped,
			BuiltAt:    meta.BuiltAt,
		})
	}
}

// LoggedTap returns a stage that logs entry/exit with duration.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(ctx context.Context, t T) fn.Result[T] {
		log.Debug("stage.enter", "stage", name)
		start := time.Now()
		defer func() {
			log.Debug("stage.exit", "stage", name, "duration", time.Since(start))
		}()
		return fn.Ok(t)
	}
}

// NewPipeline constructs the rebuild pipeline: Validate → Build → Record.
func NewPipeline(deps Deps) fn.Stage[RebuildRequest, RebuiltEvent] {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	validated := fn.Then(LoggedTap[RebuildRequest]("validate", log), NewValidate(deps.CorpusRoot))
	built := fn.Then(validated, fn.Then(LoggedTap[RebuildRequest]("build", log), NewBuild(deps.Builder, deps.Timeout)))
	recorded := fn.Then(built, NewRecord(deps.Records, log))
	return fn.TracedStage[RebuildRequest, RebuiltEvent]("ingest.rebuild", recorded)
}

// Worker consumes rebuild requests.
type Worker struct {
	nc       *nats.Conn
	pipeline fn.Stage[RebuildRequest, RebuiltEvent]
	log      *slog.Logger
}

// NewWorker creates a Worker publishing results on nc.
func NewWorker(nc *nats.Conn, deps Deps) *Worker {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Worker{nc: nc, pipeline: NewPipeline(deps), log: deps.Logger}
}

// Rebuild runs req through the pipeline without messaging.
func (w *Worker) Rebuild(ctx context.Context, req RebuildRequest) (RebuiltEvent, error) {
	return w.pipeline(ctx, req).Unwrap()
}

// Start subscribes the worker to RebuildSubject in QueueGroup.
func (w *Worker) Start() (*nats.Subscription, error) {
	return natsutil.Subscribe[RebuildRequest](w.nc, RebuildSubject, QueueGroup, w.log, w.handle)
}

func (w *Worker) handle(ctx context.Context, req RebuildRequest, msg *nats.Msg) {
	ev, err := w.Rebuild(ctx, req)
	if err == nil {
		w.log.Info("ingest: rebuild done", "tenant", ev.TenantID, "chunks", ev.Chunks, "generation", ev.Generation, "skipped", ev.Skipped)
		if err := natsutil.Publish(ctx, w.nc, RebuiltSubject, ev); err != nil {
			w.log.Error("ingest: rebuilt event publish failed", "tenant", ev.TenantID, "err", err)
		}
		return
	}

	retries := natsutil.Retries(msg) + 1
	w.log.Error("ingest: rebuild failed", "tenant", req.TenantID, "retry", retries, "err", err)
	if retries < MaxRetries && !errors.Is(err, errPermanent) {
		if err := natsutil.Republish(ctx, w.nc, msg.Subject, msg.Data, retries); err != nil {
			w.log.Error("ingest: retry publish failed", "tenant", req.TenantID, "err", err)
		}
		return
	}
	dl := DeadLetter{Request: req, Error: err.Error(), Retries: retries}
	if err := natsutil.Publish(ctx, w.nc, DLQSubject, dl); err != nil {
		w.log.Error("ingest: DLQ publish failed", "tenant", req.TenantID, "err", err)
	}
}

// RequestRebuild publishes a rebuild request for any worker to pick up.
func RequestRebuild(ctx context.Context, nc *nats.Conn, req RebuildRequest) error {
	return natsutil.Publish(ctx, nc, RebuildSubject, req)
}
