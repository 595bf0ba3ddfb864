// Package breaker guards worker calls to external delivery dependencies.
package breaker

import (
	"sync"
	"time"

	"github.com/beaconhq/beacon/internal/clock"
	"github.com/beaconhq/beacon/internal/config"
	deliverydomain "github.com/beaconhq/beacon/internal/delivery/domain"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker is the per-dependency state machine. Closed passes calls through
// and counts consecutive failures; Open fails fast for a cool-down that
// escalates on repeated trips; HalfOpen admits a bounded number of trial
// calls and closes again after a success streak.
type Breaker struct {
	mu    sync.Mutex
	clock clock.Clock
	cfg   config.BreakerConfig

	state     State
	failures  int
	successes int
	trials    int
	openedAt  time.Time
	coolDown  time.Duration
}

func New(cfg config.BreakerConfig, clk clock.Clock) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.CoolDownFactor < 1 {
		cfg.CoolDownFactor = 1
	}
	if cfg.CoolDownMax < cfg.CoolDown {
		cfg.CoolDownMax = cfg.CoolDown
	}
	if cfg.HalfOpenTrials <= 0 {
		cfg.HalfOpenTrials = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{
		clock:    clk,
		cfg:      cfg,
		state:    StateClosed,
		coolDown: cfg.CoolDown,
	}
}

// Allow reports whether a call may proceed. Returns ErrCircuitOpen without
// consuming external call quota when the breaker is Open or the HalfOpen
// trial budget is spent.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.coolDown {
			return deliverydomain.ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.trials = 1
		return nil
	case StateHalfOpen:
		if b.trials < b.cfg.HalfOpenTrials {
			b.trials++
			return nil
		}
		return deliverydomain.ErrCircuitOpen
	default:
		return deliverydomain.ErrCircuitOpen
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		b.trials = 0
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.coolDown = b.cfg.CoolDown
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip(b.cfg.CoolDown)
		}
	case StateHalfOpen:
		// A failed trial re-opens with an escalated cool-down.
		next := time.Duration(float64(b.coolDown) * b.cfg.CoolDownFactor)
		if next > b.cfg.CoolDownMax {
			next = b.cfg.CoolDownMax
		}
		b.trip(next)
	}
}

func (b *Breaker) trip(coolDown time.Duration) {
	b.state = StateOpen
	b.openedAt = b.clock.Now()
	b.coolDown = coolDown
	b.failures = 0
	b.successes = 0
	b.trials = 0
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
