// Package repo defines the generic Repository interface with Neo4j and
// in-memory implementations.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get and Update when no entity has the id.
var ErrNotFound = errors.New("repo: not found")

// Repository is a generic CRUD interface.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Create(ctx context.Context, entity T) (T, error)
	Update(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id ID) error
}

// ListOpts controls pagination and filtering for List operations. Filter
// matches property equality.
type ListOpts struct {
	Offset int
	Limit  int
	Filter map[string]any
}

// DefaultLimit applies when ListOpts.Limit is not positive.
const DefaultLimit = 100

// Save updates entity, creating it when it does not exist yet.
func Save[T any, ID comparable](ctx context.Context, r Repository[T, ID], entity T) (T, error) {
	out, err := r.Update(ctx, entity)
	if errors.Is(err, ErrNotFound) {
		return r.Create(ctx, entity)
	}
	return out, err
}
