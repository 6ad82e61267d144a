package notifier

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// State remembers when an alert was last initiated. The zero value means
// "never".
type State struct {
	mu   sync.Mutex
	last time.Time
	set  bool
}

// LastNotifyAt returns the last recorded attempt and whether one exists.
func (s *State) LastNotifyAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.set
}

// Gate suppresses alerts inside a cooldown window. It is not a token bucket:
// exactly one alert passes per window.
type Gate struct {
	state *State
	clock clockwork.Clock

	mu       sync.Mutex
	cooldown time.Duration
}

type GateOption func(*Gate)

func WithClock(c clockwork.Clock) GateOption {
	return func(g *Gate) {
		if c != nil {
			g.clock = c
		}
	}
}

func WithCooldown(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.cooldown = d
		}
	}
}

// NewGate guards state. A nil state gets a fresh one.
func NewGate(state *State, opts ...GateOption) *Gate {
	if state == nil {
		state = &State{}
	}
	g := &Gate{
		state:    state,
		clock:    clockwork.NewRealClock(),
		cooldown: DefaultCooldown,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gate) Now() time.Time { return g.clock.Now() }

func (g *Gate) Cooldown() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cooldown
}

// SetCooldown changes the window on config reload. Non-positive values are
// ignored.
func (g *Gate) SetCooldown(d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	g.cooldown = d
	g.mu.Unlock()
}

// ShouldNotify is true when nothing was recorded yet or now is strictly after
// last+cooldown.
func (g *Gate) ShouldNotify(now time.Time) bool {
	cd := g.Cooldown()
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	return g.allowLocked(now, cd)
}

// RecordNotifyAttempt marks now as the latest attempt, whatever its outcome.
func (g *Gate) RecordNotifyAttempt(now time.Time) {
	g.state.mu.Lock()
	g.state.last = now
	g.state.set = true
	g.state.mu.Unlock()
}

// TryAcquire checks and records atomically. Only the caller that gets true
// may deliver.
func (g *Gate) TryAcquire(now time.Time) bool {
	cd := g.Cooldown()
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	if !g.allowLocked(now, cd) {
		return false
	}
	g.state.last = now
	g.state.set = true
	return true
}

func (g *Gate) allowLocked(now time.Time, cd time.Duration) bool {
	if !g.state.set {
		return true
	}
	return now.After(g.state.last.Add(cd))
}
