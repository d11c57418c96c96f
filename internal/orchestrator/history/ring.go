// Package history keeps the most recent classification results.
package history

import (
	"sync"

	"github.com/GriffinCanCode/vorify-live/internal/classifier"
)

// Ring is a bounded, concurrency-safe log of results, oldest first.
type Ring struct {
	mu      sync.RWMutex
	entries []classifier.Result
	maxSize int
}

// New creates a ring holding at most maxEntries results.
func New(maxEntries int) *Ring {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &Ring{
		entries: make([]classifier.Result, 0, maxEntries),
		maxSize: maxEntries,
	}
}

// Add stores a result, evicting the oldest when full.
func (r *Ring) Add(res classifier.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, res)
	if len(r.entries) > r.maxSize {
		r.entries = r.entries[len(r.entries)-r.maxSize:]
	}
}

// Recent returns up to n results, oldest first. n <= 0 returns all of them.
func (r *Ring) Recent(n int) []classifier.Result {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.entries
	if n > 0 && n < len(src) {
		src = src[len(src)-n:]
	}
	out := make([]classifier.Result, len(src))
	copy(out, src)
	return out
}

// Session returns the stored results of one recording session.
func (r *Ring) Session(id string) []classifier.Result {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []classifier.Result
	for _, e := range r.entries {
		if e.SessionID == id {
			out = append(out, e)
		}
	}
	return out
}

// Counts tallies stored results per label.
func (r *Ring) Counts() map[classifier.Label]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[classifier.Label]int, 3)
	for _, e := range r.entries {
		counts[e.Label]++
	}
	return counts
}

// Len returns the number of stored results.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
