// Package sample provides a fixed-capacity reservoir for percentile KPIs.
// Bounded memory is traded for exactness: once full, each new observation
// replaces a uniformly random slot (Vitter's algorithm R).
package sample

import (
	"math/rand"
	"sort"
	"sync"
)

type Reservoir struct {
	mu       sync.Mutex
	values   []float64
	seen     int64
	capacity int
}

func NewReservoir(capacity int) *Reservoir {
	if capacity <= 0 {
		capacity = 2048
	}
	return &Reservoir{
		values:   make([]float64, 0, capacity),
		capacity: capacity,
	}
}

// Observe records one sample.
func (r *Reservoir) Observe(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seen++
	if len(r.values) < r.capacity {
		r.values = append(r.values, v)
		return
	}
	if slot := rand.Int63n(r.seen); slot < int64(r.capacity) {
		r.values[slot] = v
	}
}

// Quantile returns the q-th quantile (0 < q < 1) of the retained samples
// using nearest-rank on a sorted copy. ok is false when no samples exist.
func (r *Reservoir) Quantile(q float64) (value float64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.values) == 0 {
		return 0, false
	}
	sorted := make([]float64, len(r.values))
	copy(sorted, r.values)
	sort.Float64s(sorted)

	rank := int(q*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank], true
}

// Len returns the number of retained samples.
func (r *Reservoir) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

// Seen returns the total number of observations, retained or not.
func (r *Reservoir) Seen() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen
}
