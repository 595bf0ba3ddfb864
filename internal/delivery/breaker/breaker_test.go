package breaker

import (
	"testing"
	"time"

	"github.com/beaconhq/beacon/internal/clock"
	"github.com/beaconhq/beacon/internal/config"
	deliverydomain "github.com/beaconhq/beacon/internal/delivery/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T) (*Breaker, *clock.FakeClock) {
	t.Helper()
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	b := New(config.BreakerConfig{
		FailureThreshold: 3,
		CoolDown:         30 * time.Second,
		CoolDownFactor:   2,
		CoolDownMax:      2 * time.Minute,
		HalfOpenTrials:   1,
		SuccessThreshold: 1,
	}, fake)
	return b, fake
}

func tripBreaker(b *Breaker, failures int) {
	for i := 0; i < failures; i++ {
		b.RecordFailure()
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), deliverydomain.ErrCircuitOpen)
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenAdmitsOneTrial(t *testing.T) {
	b, fake := newTestBreaker(t)
	tripBreaker(b, 3)

	assert.ErrorIs(t, b.Allow(), deliverydomain.ErrCircuitOpen)

	fake.Advance(30 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	// The trial budget is spent until the outcome is recorded.
	assert.ErrorIs(t, b.Allow(), deliverydomain.ErrCircuitOpen)
}

func TestBreaker_TrialSuccessCloses(t *testing.T) {
	b, fake := newTestBreaker(t)
	tripBreaker(b, 3)

	fake.Advance(30 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())
}

func TestBreaker_TrialFailureEscalatesCoolDown(t *testing.T) {
	b, fake := newTestBreaker(t)
	tripBreaker(b, 3)

	// First trial fails; the cool-down doubles to 60s.
	fake.Advance(30 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	fake.Advance(30 * time.Second)
	assert.ErrorIs(t, b.Allow(), deliverydomain.ErrCircuitOpen)
	fake.Advance(30 * time.Second)
	require.NoError(t, b.Allow())

	// Second trial fails; 120s hits the cap and stays there.
	b.RecordFailure()
	fake.Advance(2 * time.Minute)
	require.NoError(t, b.Allow())
	b.RecordFailure()
	fake.Advance(2 * time.Minute)
	require.NoError(t, b.Allow())

	// A success after a successful trial restores the base cool-down.
	b.RecordSuccess()
	tripBreaker(b, 3)
	fake.Advance(30 * time.Second)
	require.NoError(t, b.Allow())
}

func TestBreaker_DefaultsApplied(t *testing.T) {
	fake := clock.NewFakeClock(time.Now())
	b := New(config.BreakerConfig{}, fake)

	tripBreaker(b, 5)
	assert.Equal(t, StateOpen, b.State())
	fake.Advance(30 * time.Second)
	assert.NoError(t, b.Allow())
}
