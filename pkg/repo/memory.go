package repo

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryRepo is a Repository held in a map. Filters are applied through
// the match function given to NewMemoryRepo.
type MemoryRepo[T any, ID cmp.Ordered] struct {
	mu    sync.RWMutex
	items map[ID]T
	idOf  func(T) ID
	match func(T, map[string]any) bool
}

// NewMemoryRepo creates an empty repository. match may be nil, in which
// case filtered lists return every entity.
func NewMemoryRepo[T any, ID cmp.Ordered](idOf func(T) ID, match func(T, map[string]any) bool) *MemoryRepo[T, ID] {
	return &MemoryRepo[T, ID]{items: make(map[ID]T), idOf: idOf, match: match}
}

var _ Repository[struct{}, string] = (*MemoryRepo[struct{}, string])(nil)

func (r *MemoryRepo[T, ID]) Get(_ context.Context, id ID) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("repo: %v: %w", id, ErrNotFound)
	}
	return v, nil
}

// List returns entities ordered by id.
func (r *MemoryRepo[T, ID]) List(_ context.Context, opts ListOpts) ([]T, error) {
	r.mu.RLock()
	ids := make([]ID, 0, len(r.items))
	for id, v := range r.items {
		if len(opts.Filter) == 0 || r.match == nil || r.match(v, opts.Filter) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	var out []T
	for i := opts.Offset; i < len(ids) && len(out) < limit; i++ {
		out = append(out, r.items[ids[i]])
	}
	r.mu.RUnlock()
	return out, nil
}

func (r *MemoryRepo[T, ID]) Create(_ context.Context, entity T) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.idOf(entity)
	if _, ok := r.items[id]; ok {
		var zero T
		return zero, fmt.Errorf("repo: %v already exists", id)
	}
	r.items[id] = entity
	return entity, nil
}

func (r *MemoryRepo[T, ID]) Update(_ context.Context, entity T) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.idOf(entity)
	if _, ok := r.items[id]; !ok {
		var zero T
		return zero, fmt.Errorf("repo: %v: %w", id, ErrNotFound)
	}
	r.items[id] = entity
	return entity, nil
}

func (r *MemoryRepo[T, ID]) Delete(_ context.Context, id ID) error {
	r.mu.Lock()
	delete(r.items, id)
	r.mu.Unlock()
	return nil
}
