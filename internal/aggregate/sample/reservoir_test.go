package sample

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservoir_QuantileBelowCapacity(t *testing.T) {
	r := NewReservoir(100)
	for i := 1; i <= 10; i++ {
		r.Observe(float64(i))
	}

	assert.Equal(t, 10, r.Len())
	assert.EqualValues(t, 10, r.Seen())

	median, ok := r.Quantile(0.5)
	require.True(t, ok)
	assert.Equal(t, float64(5), median)

	p90, ok := r.Quantile(0.9)
	require.True(t, ok)
	assert.Equal(t, float64(9), p90)

	low, ok := r.Quantile(0.01)
	require.True(t, ok)
	assert.Equal(t, float64(1), low)

	high, ok := r.Quantile(0.99)
	require.True(t, ok)
	assert.Equal(t, float64(10), high)
}

func TestReservoir_Empty(t *testing.T) {
	r := NewReservoir(16)
	_, ok := r.Quantile(0.5)
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestReservoir_BoundedAtCapacity(t *testing.T) {
	r := NewReservoir(32)
	for i := 0; i < 10_000; i++ {
		r.Observe(float64(i))
	}

	assert.Equal(t, 32, r.Len())
	assert.EqualValues(t, 10_000, r.Seen())

	// Whatever survives sampling is still a real observation.
	v, ok := r.Quantile(0.5)
	require.True(t, ok)
	assert.GreaterOrEqual(t, v, float64(0))
	assert.Less(t, v, float64(10_000))
}

func TestReservoir_DefaultCapacity(t *testing.T) {
	r := NewReservoir(0)
	for i := 0; i < 3000; i++ {
		r.Observe(1)
	}
	assert.Equal(t, 2048, r.Len())
}

func TestRegistry_SharesReservoirsByName(t *testing.T) {
	reg := NewRegistry(64)

	a := reg.Get("p95_latency")
	b := reg.Get("p95_latency")
	assert.Same(t, a, b)

	other := reg.Get("p50_latency")
	assert.NotSame(t, a, other)

	a.Observe(42)
	v, ok := b.Quantile(0.5)
	require.True(t, ok)
	assert.Equal(t, float64(42), v)
}
