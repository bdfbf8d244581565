// Package corpus owns per-tenant vector indexes: building them from source
// files, deciding when they are stale, swapping generations atomically and
// serving nearest-neighbour searches that resolve back to chunks.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/WessleyAI/shopbot/engine/chunker"
	"github.com/WessleyAI/shopbot/engine/domain"
	"github.com/WessleyAI/shopbot/pkg/fn"
	"github.com/WessleyAI/shopbot/pkg/llm"
	"github.com/WessleyAI/shopbot/pkg/metrics"
)

var tracer = otel.Tracer("shopbot/corpus")

// Options configures a Manager.
type Options struct {
	// Root is the directory holding every tenant's index artifacts.
	Root     string
	Backend  Backend
	Embedder llm.Embedder
	Chunker  *chunker.Chunker
	// BatchSize bounds the texts sent per embedding call.
	BatchSize int
	Retry     fn.RetryOpts
	Logger    *slog.Logger
	Metrics   *metrics.Pipeline
	Now       func() time.Time
}

// BuildResult describes a build call. Skipped is set when the index was
// already current and nothing was embedded.
type BuildResult struct {
	Metadata domain.IndexMetadata
	Skipped  bool
}

// Result is one search hit resolved to its chunk.
type Result struct {
	Chunk    domain.Chunk
	Position int
	Distance float32
}

type loadedIndex struct {
	gen      string
	meta     domain.IndexMetadata
	chunks   []domain.Chunk
	searcher Searcher
}

// Manager builds and serves tenant indexes. Builds of one tenant are
// serialized; searches never wait on a build.
type Manager struct {
	root     string
	backend  Backend
	embedder llm.Embedder
	chunker  *chunker.Chunker
	batch    int
	retry    fn.RetryOpts
	log      *slog.Logger
	metrics  *metrics.Pipeline
	now      func() time.Time

	locks  sync.Map // tenant -> *sync.Mutex
	mu     sync.RWMutex
	loaded map[string]*loadedIndex
}

// NewManager creates a Manager. Backend defaults to the flat file index.
func NewManager(opts Options) *Manager {
	if opts.Backend == nil {
		opts.Backend = NewFlatBackend()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.Chunker == nil {
		opts.Chunker = chunker.New(chunker.Options{Logger: opts.Logger})
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fn.DefaultRetry
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		root:     opts.Root,
		backend:  opts.Backend,
		embedder: opts.Embedder,
		chunker:  opts.Chunker,
		batch:    opts.BatchSize,
		retry:    opts.Retry,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
		loaded:   make(map[string]*loadedIndex),
	}
}

// Backend returns the name of the vector backend.
func (m *Manager) Backend() string { return m.backend.Name() }

func (m *Manager) tenantDir(tenant string) string {
	return filepath.Join(m.root, tenant)
}

func (m *Manager) lock(tenant string) *sync.Mutex {
	l, _ := m.locks.LoadOrStore(tenant, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// IsStale reports whether tenant's index must be rebuilt for files: there is
// no index, the file set changed, or a file was modified after it was indexed.
func (m *Manager) IsStale(tenant string, files []string) (bool, error) {
	if err := domain.ValidateTenantID(tenant); err != nil {
		return false, err
	}
	current, _ := statSources(files)
	meta, _, err := m.currentMeta(tenant)
	if err != nil {
		m.log.Warn("corpus: unreadable index treated as stale", "tenant", tenant, "err", err)
		return true, nil
	}
	return isStale(meta, current), nil
}

// Build indexes files for tenant unless the existing index is current.
func (m *Manager) Build(ctx context.Context, tenant string, files []string) (BuildResult, error) {
	return m.build(ctx, tenant, files, false)
}

// Rebuild indexes files for tenant unconditionally.
func (m *Manager) Rebuild(ctx context.Context, tenant string, files []string) (BuildResult, error) {
	return m.build(ctx, tenant, files, true)
}

// BuildDir lists the sources under dir and builds them.
func (m *Manager) BuildDir(ctx context.Context, tenant, dir string, force bool) (BuildResult, error) {
	files, err := ListSources(dir)
	if err != nil {
		return BuildResult{}, fmt.Errorf("corpus: list %s: %w", dir, err)
	}
	return m.build(ctx, tenant, files, force)
}

func (m *Manager) build(ctx context.Context, tenant string, files []string, force bool) (BuildResult, error) {
	if err := domain.ValidateTenantID(tenant); err != nil {
		return BuildResult{}, err
	}
	ctx, span := tracer.Start(ctx, "corpus.build", trace.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.Int("files", len(files)),
	))
	defer span.End()

	l := m.lock(tenant)
	l.Lock()
	defer l.Unlock()

	current, missing := statSources(files)
	for _, p := range missing {
		m.log.Warn("corpus: source not readable", "tenant", tenant, "path", p)
		m.metrics.IngestSkipped.WithLabelValues("missing").Inc()
	}

	meta, prev, err := m.currentMeta(tenant)
	if err != nil {
		m.log.Warn("corpus: current index unreadable, rebuilding", "tenant", tenant, "err", err)
		meta = nil
	}
	if !force && !isStale(meta, current) {
		m.metrics.IndexBuilds.WithLabelValues("skipped").Inc()
		m.log.Debug("corpus: index current", "tenant", tenant, "generation", meta.Generation)
		span.SetAttributes(attribute.Bool("skipped", true))
		return BuildResult{Metadata: *meta, Skipped: true}, nil
	}

	res, err := m.write(ctx, tenant, current, prev)
	if err != nil {
		m.metrics.IndexBuilds.WithLabelValues("failed").Inc()
		m.log.Error("corpus: build failed, previous index kept", "tenant", tenant, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return BuildResult{}, err
	}
	m.metrics.IndexBuilds.WithLabelValues("built").Inc()
	m.metrics.ChunksIndexed.WithLabelValues(tenant).Add(float64(res.Metadata.Chunks))
	m.log.Info("corpus: index built",
		"tenant", tenant,
		"generation", res.Metadata.Generation,
		"documents", res.Metadata.Documents,
		"chunks", res.Metadata.Chunks,
	)
	return res, nil
}

// write produces a new generation and makes it live. Nothing is visible to
// readers until CURRENT is swapped; on failure the partial generation is
// removed and the previous one stays live.
func (m *Manager) write(ctx context.Context, tenant string, current map[string]time.Time, prev string) (BuildResult, error) {
	docs := m.loadDocuments(tenant, current)
	chunks := m.chunker.ChunkAll(docs)
	if len(chunks) == 0 {
		return BuildResult{}, fmt.Errorf("corpus: build %s: %w", tenant, domain.ErrEmptyCorpus)
	}

	vectors, err := m.embed(ctx, chunks)
	if err != nil {
		return BuildResult{}, fmt.Errorf("corpus: build %s: %w", tenant, err)
	}

	now := m.now().UTC()
	genID := fmt.Sprintf("%s%d-%s", genPrefix, now.UnixNano(), uuid.NewString()[:8])
	tenantDir := m.tenantDir(tenant)
	tmp := filepath.Join(tenantDir, tmpPrefix+strings.TrimPrefix(genID, genPrefix))
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return BuildResult{}, fmt.Errorf("corpus: build %s: %w", tenant, err)
	}

	g := Generation{Tenant: tenant, ID: genID, Dir: tmp, Count: len(chunks), Dim: len(vectors[0])}
	cleanup := tmp
	committed := false
	defer func() {
		if committed {
			return
		}
		os.RemoveAll(cleanup)
		if err := m.backend.Drop(context.WithoutCancel(ctx), g); err != nil {
			m.log.Warn("corpus: drop failed generation", "tenant", tenant, "generation", genID, "err", err)
		}
	}()

	if err := m.backend.Write(ctx, g, vectors); err != nil {
		return BuildResult{}, fmt.Errorf("corpus: build %s: write vectors: %w", tenant, err)
	}
	meta := domain.IndexMetadata{
		TenantID:   tenant,
		Files:      current,
		Documents:  len(docs),
		Chunks:     len(chunks),
		Dimension:  g.Dim,
		Backend:    m.backend.Name(),
		Generation: genID,
		BuiltAt:    now,
	}
	if err := writeJSONFile(filepath.Join(tmp, chunksFile), chunks); err != nil {
		return BuildResult{}, fmt.Errorf("corpus: build %s: write chunks: %w", tenant, err)
	}
	if err := writeJSONFile(filepath.Join(tmp, metaFile), meta); err != nil {
		return BuildResult{}, fmt.Errorf("corpus: build %s: write metadata: %w", tenant, err)
	}

	final := filepath.Join(tenantDir, genID)
	if err := os.Rename(tmp, final); err != nil {
		return BuildResult{}, fmt.Errorf("corpus: build %s: %w", tenant, err)
	}
	cleanup = final
	if err := swapCurrent(tenantDir, genID); err != nil {
		return BuildResult{}, fmt.Errorf("corpus: build %s: swap: %w", tenant, err)
	}
	committed = true

	g.Dir = final
	if s, err := m.backend.Open(ctx, g); err == nil {
		m.mu.Lock()
		m.loaded[tenant] = &loadedIndex{gen: genID, meta: meta, chunks: chunks, searcher: s}
		m.mu.Unlock()
	} else {
		m.log.Warn("corpus: open new generation", "tenant", tenant, "err", err)
	}

	m.prune(ctx, tenant, genID, prev)
	return BuildResult{Metadata: meta}, nil
}

func (m *Manager) loadDocuments(tenant string, current map[string]time.Time) []domain.SourceDocument {
	docs := make([]domain.SourceDocument, 0, len(current))
	for _, p := range sortedPaths(current) {
		b, err := os.ReadFile(p)
		if err != nil {
			m.log.Warn("corpus: read source", "tenant", tenant, "path", p, "err", err)
			m.metrics.IngestSkipped.WithLabelValues("unreadable").Inc()
			continue
		}
		docs = append(docs, domain.SourceDocument{
			Path:        p,
			ContentType: domain.ContentTypeFor(p),
			ModTime:     current[p],
			Content:     b,
		})
	}
	return docs
}

// embed computes one vector per chunk, in chunk order, retrying each batch.
func (m *Manager) embed(ctx context.Context, chunks []domain.Chunk) ([][]float32, error) {
	if m.embedder == nil {
		return nil, errors.New("corpus: no embedder configured")
	}
	texts := fn.Map(chunks, func(c domain.Chunk) string { return c.Text })
	out := make([][]float32, 0, len(texts))
	for i, batch := range fn.Chunk(texts, m.batch) {
		r := fn.Retry(ctx, m.retry, func(ctx context.Context) fn.Result[[][]float32] {
			vecs, err := m.embedder.Embed(ctx, batch)
			if err == nil && len(vecs) != len(batch) {
				err = fmt.Errorf("got %d vectors for %d texts", len(vecs), len(batch))
			}
			if err != nil {
				m.metrics.EmbedCalls.WithLabelValues("error").Inc()
				return fn.Err[[][]float32](err)
			}
			m.metrics.EmbedCalls.WithLabelValues("ok").Inc()
			return fn.Ok(vecs)
		})
		vecs, err := r.Unwrap()
		if err != nil {
			return nil, fmt.Errorf("embed batch %d: %w", i, err)
		}
		out = append(out, vecs...)
	}
	dim := len(out[0])
	for i, v := range out {
		if len(v) == 0 || len(v) != dim {
			return nil, fmt.Errorf("embed: vector %d has %d dims, want %d: %w", i, len(v), dim, ErrDimensionMismatch)
		}
	}
	return out, nil
}

// prune removes generations other than keep and prev, plus abandoned
// temporary directories. Caller holds the tenant lock.
func (m *Manager) prune(ctx context.Context, tenant, keep, prev string) {
	dir := m.tenantDir(tenant)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || name == keep || name == prev {
			continue
		}
		switch {
		case strings.HasPrefix(name, genPrefix):
			if err := m.backend.Drop(ctx, Generation{Tenant: tenant, ID: name, Dir: filepath.Join(dir, name)}); err != nil {
				m.log.Warn("corpus: drop old generation", "tenant", tenant, "generation", name, "err", err)
				continue
			}
		case strings.HasPrefix(name, tmpPrefix):
		default:
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			m.log.Warn("corpus: remove old generation", "tenant", tenant, "dir", name, "err", err)
		}
	}
}

// currentMeta returns the live metadata and generation name; nil when the
// tenant has no index.
func (m *Manager) currentMeta(tenant string) (*domain.IndexMetadata, string, error) {
	dir := m.tenantDir(tenant)
	gen, err := readCurrent(dir)
	if err != nil || gen == "" {
		return nil, "", err
	}
	m.mu.RLock()
	li := m.loaded[tenant]
	m.mu.RUnlock()
	if li != nil && li.gen == gen {
		meta := li.meta
		return &meta, gen, nil
	}
	var meta domain.IndexMetadata
	if err := readJSONFile(filepath.Join(dir, gen, metaFile), &meta); err != nil {
		return nil, gen, fmt.Errorf("corpus: read metadata: %w", err)
	}
	return &meta, gen, nil
}

// index returns the live generation, loading it on first use. It returns
// nil when the tenant has no index.
func (m *Manager) index(ctx context.Context, tenant string) (*loadedIndex, error) {
	dir := m.tenantDir(tenant)
	var lastErr error
	// A concurrent build may prune the generation between reading CURRENT
	// and loading it; one re-read covers that.
	for range 2 {
		gen, err := readCurrent(dir)
		if err != nil {
			return nil, err
		}
		if gen == "" {
			return nil, nil
		}
		m.mu.RLock()
		li := m.loaded[tenant]
		m.mu.RUnlock()
		if li != nil && li.gen == gen {
			return li, nil
		}
		li, err = m.load(ctx, tenant, gen)
		if err != nil {
			lastErr = err
			continue
		}
		m.mu.Lock()
		m.loaded[tenant] = li
		m.mu.Unlock()
		return li, nil
	}
	return nil, lastErr
}

func (m *Manager) load(ctx context.Context, tenant, gen string) (*loadedIndex, error) {
	dir := filepath.Join(m.tenantDir(tenant), gen)
	meta, chunks, err := readGeneration(dir)
	if err != nil {
		return nil, err
	}
	s, err := m.backend.Open(ctx, Generation{Tenant: tenant, ID: gen, Dir: dir, Count: meta.Chunks, Dim: meta.Dimension})
	if err != nil {
		return nil, err
	}
	if s.Len() != len(chunks) {
		return nil, fmt.Errorf("corpus: %s/%s holds %d vectors for %d chunks", tenant, gen, s.Len(), len(chunks))
	}
	return &loadedIndex{gen: gen, meta: meta, chunks: chunks, searcher: s}, nil
}

// Search embeds query and returns up to k chunks, nearest first. A tenant
// without an index yields no results and no error.
func (m *Manager) Search(ctx context.Context, tenant, query string, k int) ([]Result, error) {
	if err := domain.ValidateTenantID(tenant); err != nil {
		return nil, err
	}
	li, err := m.index(ctx, tenant)
	if err != nil || li == nil {
		return nil, err
	}
	if m.embedder == nil {
		return nil, errors.New("corpus: no embedder configured")
	}
	vecs, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		m.metrics.EmbedCalls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("corpus: embed query: %w", err)
	}
	m.metrics.EmbedCalls.WithLabelValues("ok").Inc()
	if len(vecs) != 1 {
		return nil, fmt.Errorf("corpus: embed query: got %d vectors", len(vecs))
	}
	return m.search(ctx, tenant, li, vecs[0], k)
}

func (m *Manager) search(ctx context.Context, tenant string, li *loadedIndex, vec []float32, k int) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "corpus.search", trace.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.Int("k", k),
	))
	defer span.End()

	start := time.Now()
	hits, err := li.searcher.Search(ctx, vec, min(k, len(li.chunks)))
	m.metrics.SearchLatency.WithLabelValues(m.backend.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("corpus: search %s: %w", tenant, err)
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		if h.Position < 0 || h.Position >= len(li.chunks) {
			return nil, fmt.Errorf("corpus: search %s: position %d outside %d chunks", tenant, h.Position, len(li.chunks))
		}
		out = append(out, Result{Chunk: li.chunks[h.Position], Position: h.Position, Distance: h.Distance})
	}
	return out, nil
}

// Metadata returns the live index metadata, or ErrIndexMissing.
func (m *Manager) Metadata(ctx context.Context, tenant string) (domain.IndexMetadata, error) {
	if err := domain.ValidateTenantID(tenant); err != nil {
		return domain.IndexMetadata{}, err
	}
	li, err := m.index(ctx, tenant)
	if err != nil {
		return domain.IndexMetadata{}, err
	}
	if li == nil {
		return domain.IndexMetadata{}, fmt.Errorf("corpus: %s: %w", tenant, domain.ErrIndexMissing)
	}
	return li.meta, nil
}

// Chunks returns the live chunk sequence.
func (m *Manager) Chunks(ctx context.Context, tenant string) ([]domain.Chunk, error) {
	li, err := m.index(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if li == nil {
		return nil, fmt.Errorf("corpus: %s: %w", tenant, domain.ErrIndexMissing)
	}
	return li.chunks, nil
}

// Clear removes every generation of tenant's index.
func (m *Manager) Clear(ctx context.Context, tenant string) error {
	if err := domain.ValidateTenantID(tenant); err != nil {
		return err
	}
	l := m.lock(tenant)
	l.Lock()
	defer l.Unlock()

	dir := m.tenantDir(tenant)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("corpus: clear %s: %w", tenant, err)
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), genPrefix) {
			if err := m.backend.Drop(ctx, Generation{Tenant: tenant, ID: e.Name(), Dir: filepath.Join(dir, e.Name())}); err != nil {
				return fmt.Errorf("corpus: clear %s: %w", tenant, err)
			}
		}
	}
	m.mu.Lock()
	delete(m.loaded, tenant)
	m.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("corpus: clear %s: %w", tenant, err)
	}
	m.log.Info("corpus: index cleared", "tenant", tenant)
	return nil
}

// Tenants lists tenants that have a live index.
func (m *Manager) Tenants() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if gen, err := readCurrent(m.tenantDir(e.Name())); err == nil && gen != "" {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
