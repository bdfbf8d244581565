package corpus

import (
	"context"
	"errors"
)

// ErrDimensionMismatch is returned when a query vector does not match the
// index dimension.
var ErrDimensionMismatch = errors.New("corpus: vector dimension mismatch")

// Generation identifies one immutable build of a tenant index.
type Generation struct {
	Tenant string
	ID     string
	// Dir holds the generation's local artifacts. Backends that keep
	// vectors elsewhere ignore it.
	Dir   string
	Count int
	Dim   int
}

// Hit is one nearest-neighbour result. Position indexes the generation's
// chunk sequence; Distance is squared L2.
type Hit struct {
	Position int
	Distance float32
}

// Searcher answers k-nearest-neighbour queries against one generation.
type Searcher interface {
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)
	Len() int
}

// Backend stores and serves the vectors of index generations. Vector i of
// a written generation must be returned as Position i.
type Backend interface {
	Name() string
	Write(ctx context.Context, g Generation, vectors [][]float32) error
	Open(ctx context.Context, g Generation) (Searcher, error)
	Drop(ctx context.Context, g Generation) error
}
