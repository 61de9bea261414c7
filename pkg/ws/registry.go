package ws

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is a concurrency-safe map from id to handle. Every operation is
// atomic with respect to the others; Snapshot copies the entries so callers
// can iterate without holding the lock.
type Registry[V comparable] struct {
	mu      sync.RWMutex
	entries map[string]V
}

func NewRegistry[V comparable]() *Registry[V] {
	return &Registry[V]{entries: make(map[string]V)}
}

// Add stores v under id, failing with ErrConflict when id is taken.
func (r *Registry[V]) Add(id string, v V) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: id %q already registered", ErrConflict, id)
	}

	r.entries[id] = v

	return nil
}

// Swap stores v under id and returns the handle it replaced, if any.
func (r *Registry[V]) Swap(id string, v V) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.entries[id]
	r.entries[id] = v

	return prev, ok
}

func (r *Registry[V]) Get(id string) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.entries[id]

	return v, ok
}

func (r *Registry[V]) Remove(id string) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}

	return v, ok
}

// CompareAndRemove deletes id only while it still maps to v, so a handle
// that was replaced never evicts its successor.
func (r *Registry[V]) CompareAndRemove(id string, v V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.entries[id]
	if !ok || cur != v {
		return false
	}

	delete(r.entries, id)

	return true
}

// Resolve maps every id to its handle. It succeeds only if all ids are
// present, in which case the result holds one handle per distinct id.
func (r *Registry[V]) Resolve(ids []string) ([]V, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(ids))
	out := make([]V, 0, len(ids))

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}

		v, ok := r.entries[id]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
		}

		seen[id] = struct{}{}
		out = append(out, v)
	}

	return out, nil
}

func (r *Registry[V]) Snapshot() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]V, 0, len(r.entries))
	for _, v := range r.entries {
		out = append(out, v)
	}

	return out
}

// IDs returns the registered ids in sorted order.
func (r *Registry[V]) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)

	return ids
}

func (r *Registry[V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
