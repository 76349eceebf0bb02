package circuit

import (
	"testing"
	"time"

	"github.com/rchdaemon/rchd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClosedStaysClosedBelowThreshold(t *testing.T) {
	b := New(3, 2, 1, time.Second)
	now := time.Now()

	for i := 0; i < 2; i++ {
		transitioned, before, after := b.Report(false, now)
		assert.False(t, transitioned)
		assert.Equal(t, types.CircuitClosed, before)
		assert.Equal(t, types.CircuitClosed, after)
	}
	assert.Equal(t, types.CircuitClosed, b.State())
}

func TestOpensOnExactFailureThreshold(t *testing.T) {
	b := New(3, 2, 1, time.Second)
	now := time.Now()

	b.Report(false, now)
	b.Report(false, now)
	transitioned, before, after := b.Report(false, now)

	require.True(t, transitioned)
	assert.Equal(t, types.CircuitClosed, before)
	assert.Equal(t, types.CircuitOpen, after)
	assert.Equal(t, types.CircuitOpen, b.State())
}

func TestSuccessResetsFailureCounterInClosed(t *testing.T) {
	b := New(3, 2, 1, time.Second)
	now := time.Now()

	b.Report(false, now)
	b.Report(false, now)
	b.Report(true, now) // resets
	b.Report(false, now)
	b.Report(false, now)

	assert.Equal(t, types.CircuitClosed, b.State())
}

func TestOpenStaysOpenBeforeCooldown(t *testing.T) {
	b := New(1, 1, 1, time.Minute)
	now := time.Now()
	b.Report(false, now)
	require.Equal(t, types.CircuitOpen, b.State())

	allowed, transitioned, _, after := b.TryAcquireProbe(now.Add(time.Second))
	assert.False(t, allowed)
	assert.False(t, transitioned)
	assert.Equal(t, types.CircuitOpen, after)
}

func TestOpenPromotesToHalfOpenAfterCooldown(t *testing.T) {
	b := New(1, 2, 1, time.Minute)
	now := time.Now()
	b.Report(false, now)
	require.Equal(t, types.CircuitOpen, b.State())

	allowed, transitioned, before, after := b.TryAcquireProbe(now.Add(2 * time.Minute))
	assert.True(t, allowed)
	assert.True(t, transitioned)
	assert.Equal(t, types.CircuitOpen, before)
	assert.Equal(t, types.CircuitHalfOpen, after)
}

func TestHalfOpenBudgetLimitsConcurrentProbes(t *testing.T) {
	b := New(1, 2, 1, time.Minute)
	now := time.Now()
	b.Report(false, now)
	b.TryAcquireProbe(now.Add(2 * time.Minute)) // promotes + acquires the one slot

	allowed, _, _, _ := b.TryAcquireProbe(now.Add(2 * time.Minute))
	assert.False(t, allowed, "budget of 1 should not admit a second concurrent probe")
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b := New(1, 2, 1, time.Minute)
	now := time.Now()
	b.Report(false, now) // opens
	b.TryAcquireProbe(now.Add(2 * time.Minute))

	transitioned, before, after := b.Report(true, now)
	assert.False(t, transitioned)
	assert.Equal(t, types.CircuitHalfOpen, before)
	assert.Equal(t, types.CircuitHalfOpen, after)

	b.TryAcquireProbe(now.Add(2 * time.Minute))
	transitioned, before, after = b.Report(true, now)
	assert.True(t, transitioned)
	assert.Equal(t, types.CircuitHalfOpen, before)
	assert.Equal(t, types.CircuitClosed, after)
}

func TestHalfOpenFailureReopensAlways(t *testing.T) {
	b := New(1, 5, 2, time.Minute)
	now := time.Now()
	b.Report(false, now) // opens
	b.TryAcquireProbe(now.Add(2 * time.Minute))
	b.Report(true, now) // one success, still half-open

	b.TryAcquireProbe(now.Add(2 * time.Minute))
	transitioned, before, after := b.Report(false, now)
	assert.True(t, transitioned)
	assert.Equal(t, types.CircuitHalfOpen, before)
	assert.Equal(t, types.CircuitOpen, after)

	stats := b.Stats()
	assert.Equal(t, 0, stats.HalfOpenProbesInFlight)
}

func TestVisibleStatusMapping(t *testing.T) {
	assert.Equal(t, types.WorkerStatusUnreachable, VisibleStatus(types.CircuitOpen, false))
	assert.Equal(t, types.WorkerStatusDegraded, VisibleStatus(types.CircuitHalfOpen, false))
	assert.Equal(t, types.WorkerStatusHealthy, VisibleStatus(types.CircuitClosed, false))
	assert.Equal(t, types.WorkerStatusDegraded, VisibleStatus(types.CircuitClosed, true))
}
