// Package retrieve runs the similarity search for an analysed query and
// re-ranks the candidates when the user asked for a price ordering.
package retrieve

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/WessleyAI/shopbot/engine/corpus"
	"github.com/WessleyAI/shopbot/engine/domain"
	"github.com/WessleyAI/shopbot/pkg/fn"
)

// DefaultK is the result budget for a query without sort intent.
const DefaultK = 5

var tracer = otel.Tracer("shopbot/retrieve")

// Searcher is the index search the retriever drives. *corpus.Manager
// satisfies it.
type Searcher interface {
	Search(ctx context.Context, tenant, query string, k int) ([]corpus.Result, error)
}

// Options configures a Retriever.
type Options struct {
	K      int
	Logger *slog.Logger
}

// Retriever selects the chunks a response is grounded on.
type Retriever struct {
	search Searcher
	k      int
	log    *slog.Logger
}

// New creates a Retriever over s.
func New(s Searcher, opts Options) *Retriever {
	if opts.K <= 0 {
		opts.K = DefaultK
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Retriever{search: s, k: opts.K, log: opts.Logger}
}

// Budget is the number of candidates fetched for a. Sorting needs a wider
// pool, so a sort intent doubles it.
func (r *Retriever) Budget(a domain.QueryAnalysis) int {
	if a.SortIntent {
		return 2 * r.k
	}
	return r.k
}

// Retrieve searches tenant's index with the enhanced query. With a price
// sort the result holds only chunks carrying a parsable price, ordered in
// the requested direction; otherwise it is nearest first.
func (r *Retriever) Retrieve(ctx context.Context, tenant string, a domain.QueryAnalysis) ([]corpus.Result, error) {
	q := a.Enhanced
	if q == "" {
		q = a.Original
	}
	k := r.Budget(a)
	ctx, span := tracer.Start(ctx, "retrieve", trace.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.Int("k", k),
	))
	defer span.End()

	results, err := r.search.Search(ctx, tenant, q, k)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("retrieve: %s: %w", tenant, err)
	}
	if a.SortIntent && a.SortBy == domain.SortPrice {
		sorted := SortByPrice(results, a.SortDir)
		if dropped := len(results) - len(sorted); dropped > 0 {
			r.log.Debug("retrieve: chunks without a price left out of sort", "tenant", tenant, "dropped", dropped)
		}
		results = sorted
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

// Texts returns the chunk texts of rs in order.
func Texts(rs []corpus.Result) []string {
	return fn.Map(rs, func(r corpus.Result) string { return r.Chunk.Text })
}
