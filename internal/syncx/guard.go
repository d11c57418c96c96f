// Package syncx provides extended synchronization primitives
package syncx

import "sync"

// Guard protects a value type behind an RWMutex and hands out copies.
type Guard[T any] struct {
	mu    sync.RWMutex
	value T
}

// NewGuard creates a guarded value.
func NewGuard[T any](initial T) *Guard[T] {
	return &Guard[T]{value: initial}
}

// Get returns a copy of the value (T should be a value type).
func (g *Guard[T]) Get() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

// Mutate runs fn under the write lock. fn reports whether it changed the
// value; Mutate returns the resulting copy along with that report, so callers
// can publish exactly the snapshot they produced.
func (g *Guard[T]) Mutate(fn func(*T) bool) (T, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	changed := fn(&g.value)
	return g.value, changed
}
