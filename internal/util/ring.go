// Package util holds small shared helpers.
package util

import "sync"

// Ring keeps the most recent values written to it, up to a fixed capacity.
// Older values fall off as new ones arrive. Safe for concurrent use.
type Ring[T any] struct {
	mu   sync.Mutex
	vals []T
	next int
	full bool
}

// NewRing makes an empty ring holding at most capacity values.
func NewRing[T any](capacity int) *Ring[T] {
	return &Ring[T]{vals: make([]T, capacity)}
}

// Push records v, evicting the oldest value once the ring is full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	r.vals[r.next] = v
	r.next++
	if r.next == len(r.vals) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot copies the retained values, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]T(nil), r.vals[:r.next]...)
	}
	out := make([]T, 0, len(r.vals))
	out = append(out, r.vals[r.next:]...)
	return append(out, r.vals[:r.next]...)
}

// Len reports how many values the ring currently retains.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.vals)
	}
	return r.next
}

// Clear forgets everything while keeping the backing storage.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	var zero T
	for i := range r.vals {
		r.vals[i] = zero
	}
	r.next = 0
	r.full = false
	r.mu.Unlock()
}
