package notifier

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateCooldownBoundary(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"just after", t0.Add(time.Second), false},
		{"inside window", t0.Add(14 * time.Minute), false},
		{"exactly at boundary", t0.Add(15 * time.Minute), false},
		{"just past boundary", t0.Add(15*time.Minute + time.Nanosecond), true},
		{"long after", t0.Add(2 * time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := NewGate(&State{})
			g.RecordNotifyAttempt(t0)
			assert.Equal(t, tt.want, g.ShouldNotify(tt.at))
		})
	}
}

func TestGateFirstAttemptAllowed(t *testing.T) {
	t.Parallel()

	state := &State{}
	g := NewGate(state)
	_, ok := state.LastNotifyAt()
	require.False(t, ok)
	assert.True(t, g.ShouldNotify(time.Now()))
}

func TestTryAcquireRecordsOnSuccessOnly(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	state := &State{}
	g := NewGate(state, WithClock(clock), WithCooldown(time.Minute))

	first := clock.Now()
	require.True(t, g.TryAcquire(first))

	clock.Advance(30 * time.Second)
	assert.False(t, g.TryAcquire(g.Now()))
	last, ok := state.LastNotifyAt()
	require.True(t, ok)
	assert.Equal(t, first, last, "suppressed attempt must not move the window")

	clock.Advance(31 * time.Second)
	assert.True(t, g.TryAcquire(g.Now()))
}

func TestTryAcquireConcurrentSinglePass(t *testing.T) {
	t.Parallel()

	g := NewGate(nil)
	now := time.Now()

	var passed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryAcquire(now) {
				passed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), passed.Load())
}

func TestSetCooldown(t *testing.T) {
	t.Parallel()

	g := NewGate(nil)
	assert.Equal(t, DefaultCooldown, g.Cooldown())
	g.SetCooldown(0)
	assert.Equal(t, DefaultCooldown, g.Cooldown())
	g.SetCooldown(time.Minute)
	assert.Equal(t, time.Minute, g.Cooldown())

	t0 := time.Now()
	g.RecordNotifyAttempt(t0)
	assert.True(t, g.ShouldNotify(t0.Add(time.Minute+time.Millisecond)))
}
