// Package alarm runs a callback at an absolute wall-clock time, however far
// away it is.
//
// Platform timers are bounded to MaxTimerDelay. A longer delay is split into
// chained waits: each wait covers at most the bound and re-arms for the
// remainder until the last one fires the callback. Every chained wait is a
// cancellation point.
package alarm

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// MaxTimerDelay is the longest single wait, 2^31-1 milliseconds (~24.8 days).
const MaxTimerDelay = time.Duration(math.MaxInt32) * time.Millisecond

// ErrAlreadyPast is returned by Schedule when fireAt is before now.
var ErrAlreadyPast = errors.New("alarm: fire time is in the past")

type Scheduler struct {
	clock    clockwork.Clock
	maxDelay time.Duration

	mu      sync.Mutex
	pending map[string]*Handle
}

type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithMaxDelay lowers the per-wait bound. Values outside (0, MaxTimerDelay]
// are ignored.
func WithMaxDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 && d <= MaxTimerDelay {
			s.maxDelay = d
		}
	}
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:    clockwork.NewRealClock(),
		maxDelay: MaxTimerDelay,
		pending:  map[string]*Handle{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle is a pending alarm. It is done once fired or cancelled.
type Handle struct {
	id     string
	fireAt time.Time
	fn     func()
	s      *Scheduler

	mu       sync.Mutex
	timer    clockwork.Timer
	done     bool
	fired    bool
	segments int
}

func (h *Handle) ID() string        { return h.id }
func (h *Handle) FireAt() time.Time { return h.fireAt }

// Segments reports how many waits have been armed so far.
func (h *Handle) Segments() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.segments
}

func (h *Handle) Fired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fired
}

// Cancel stops the alarm. It reports false when the alarm already fired or
// was cancelled before.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return false
	}
	h.done = true
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.mu.Unlock()
	h.s.forget(h.id)
	return true
}

// Schedule arms fn to run at fireAt. fireAt equal to now runs fn before
// Schedule returns; fireAt before now fails with ErrAlreadyPast and fn never
// runs.
func (s *Scheduler) Schedule(fireAt time.Time, fn func()) (*Handle, error) {
	if fn == nil {
		return nil, errors.New("alarm: nil callback")
	}
	now := s.clock.Now()
	if fireAt.Before(now) {
		return nil, ErrAlreadyPast
	}

	h := &Handle{id: uuid.NewString(), fireAt: fireAt, fn: fn, s: s}
	if !fireAt.After(now) {
		h.done = true
		h.fired = true
		fn()
		return h, nil
	}

	s.mu.Lock()
	s.pending[h.id] = h
	s.mu.Unlock()

	h.mu.Lock()
	h.armLocked(fireAt.Sub(now))
	h.mu.Unlock()
	return h, nil
}

// armLocked starts the next wait. Remaining time above the bound gets a
// full-bound wait that re-arms; otherwise the wait fires the callback.
func (h *Handle) armLocked(remaining time.Duration) {
	h.segments++
	max := h.s.maxDelay
	if remaining > max {
		h.timer = h.s.clock.AfterFunc(max, func() { h.rearm(remaining - max) })
		return
	}
	h.timer = h.s.clock.AfterFunc(remaining, h.fire)
}

func (h *Handle) rearm(remaining time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return
	}
	h.armLocked(remaining)
}

func (h *Handle) fire() {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	h.fired = true
	h.timer = nil
	h.mu.Unlock()

	h.s.forget(h.id)
	h.fn()
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Pending returns the number of armed alarms.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CancelAll cancels every pending alarm.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	hs := make([]*Handle, 0, len(s.pending))
	for _, h := range s.pending {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	for _, h := range hs {
		h.Cancel()
	}
}
