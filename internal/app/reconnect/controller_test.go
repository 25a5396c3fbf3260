package reconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	c := New(Config{BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond, MaxAttempts: 6})

	want := []time.Duration{100, 200, 400, 500, 500, 500}
	for i, w := range want {
		d := c.Failure()
		assert.True(t, d.Retry)
		assert.Equal(t, i+1, d.Attempt)
		assert.Equal(t, w*time.Millisecond, d.Delay, "attempt %d", i+1)
	}
	assert.Equal(t, StateRetrying, c.Snapshot().State)
}

func TestExhaustsAtCap(t *testing.T) {
	c := New(DefaultConfig())
	for range DefaultMaxAttempts {
		assert.True(t, c.Failure().Retry)
	}
	for range 10 {
		d := c.Failure()
		assert.False(t, d.Retry)
		snap := c.Snapshot()
		assert.Equal(t, StateExhausted, snap.State)
		assert.LessOrEqual(t, snap.Attempts, DefaultMaxAttempts)
	}
}

func TestSuccessResets(t *testing.T) {
	c := New(DefaultConfig())
	assert.False(t, c.Success(), "success from idle is not a recovery")

	c.Failure()
	c.Failure()
	assert.True(t, c.Success())
	snap := c.Snapshot()
	assert.Equal(t, StateRecovered, snap.State)
	assert.Equal(t, 0, snap.Attempts)
	assert.Equal(t, DefaultBaseDelay, snap.NextDelay)

	d := c.Failure()
	assert.Equal(t, DefaultBaseDelay, d.Delay)
	assert.Equal(t, 1, d.Attempt)
}

func TestSuccessLeavesExhausted(t *testing.T) {
	c := New(Config{MaxAttempts: 1})
	c.Failure()
	c.Failure()
	assert.Equal(t, StateExhausted, c.Snapshot().State)
	assert.True(t, c.Success())
	assert.Equal(t, StateRecovered, c.Snapshot().State)
	assert.True(t, c.Failure().Retry)
}

func TestSingleFailureRecoversWithinBound(t *testing.T) {
	c := New(DefaultConfig())
	d := c.Failure()
	assert.Less(t, d.Delay, 10*time.Second)
}

func TestDefaultsApplied(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, DefaultConfig(), c.Config())

	c = New(Config{BaseDelay: 10 * time.Second})
	assert.Equal(t, 10*time.Second, c.Config().MaxDelay)
}

func TestReset(t *testing.T) {
	c := New(DefaultConfig())
	c.Failure()
	c.Reset()
	assert.Equal(t, Snapshot{State: StateIdle, NextDelay: DefaultBaseDelay, MaxAttempts: DefaultMaxAttempts}, c.Snapshot())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "exhausted", StateExhausted.String())
	assert.Equal(t, "unknown", State(42).String())
}
