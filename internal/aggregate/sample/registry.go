package sample

import "sync"

// Registry hands out one reservoir per percentile KPI, shared between the
// consumer that feeds samples and the service that reads quantiles.
// Reservoirs live in memory only; after a restart they refill as new events
// flow, which is the documented trade-off for bounded-memory percentiles.
type Registry struct {
	mu         sync.Mutex
	reservoirs map[string]*Reservoir
	capacity   int
}

func NewRegistry(capacity int) *Registry {
	return &Registry{
		reservoirs: make(map[string]*Reservoir),
		capacity:   capacity,
	}
}

// Get returns the reservoir for the named KPI, creating it on first use.
func (g *Registry) Get(name string) *Reservoir {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.reservoirs[name]
	if !ok {
		r = NewReservoir(g.capacity)
		g.reservoirs[name] = r
	}
	return r
}
