// Package announce sends scheduled chat messages: one-shot entries armed on
// an alarm.Scheduler and recurring entries driven by cron.
package announce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"streamalert/internal/alarm"
	"streamalert/internal/eventbus"
	"streamalert/internal/metrics"
	"streamalert/internal/storage"
	kit "streamalert/internal/transport"
	logx "streamalert/pkg/logx"
)

const (
	KindAt   = "at"
	KindCron = "cron"

	sendTimeout = 15 * time.Second
)

// Entry is one scheduled message. Exactly one of At or Cron is set.
type Entry struct {
	Name      string
	At        time.Time
	Cron      string
	Text      string
	ParseMode string
	// SendTo defaults to the alert recipients.
	SendTo []int64
}

func (e Entry) kind() string {
	if e.Cron != "" {
		return KindCron
	}
	return KindAt
}

func (e Entry) label(i int) string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("%s#%d", e.kind(), i)
}

type Service struct {
	sender     kit.Sender
	alarms     *alarm.Scheduler
	recipients func() []int64

	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics
	clock   clockwork.Clock
	loc     *time.Location

	// ctxMu is separate from mu: an entry due right now fires while Apply
	// still holds mu.
	ctxMu sync.Mutex
	ctx   context.Context

	mu      sync.Mutex
	cron    *cron.Cron
	handles []*alarm.Handle
}

type Option func(*Service)

func WithBus(b eventbus.Bus) Option {
	return func(s *Service) {
		if b != nil {
			s.bus = b
		}
	}
}

func WithStore(st storage.Store) Option     { return func(s *Service) { s.store = st } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLocation sets the cron time zone (default time.Local).
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func New(sender kit.Sender, alarms *alarm.Scheduler, recipients func() []int64, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender:     sender,
		alarms:     alarms,
		recipients: recipients,
		log:        log.With(logx.String("comp", "announce")),
		bus:        eventbus.Nop{},
		clock:      clockwork.NewRealClock(),
		loc:        time.Local,
		ctx:        context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.alarms == nil {
		s.alarms = alarm.New(alarm.WithClock(s.clock))
	}
	return s
}

// Start binds sends to ctx and arms entries.
func (s *Service) Start(ctx context.Context, entries []Entry) error {
	s.ctxMu.Lock()
	s.ctx = ctx
	s.ctxMu.Unlock()
	return s.Apply(entries)
}

// Apply replaces the whole schedule. Entries whose time has passed are
// logged and skipped; a bad cron spec fails the call after the valid
// entries are armed.
func (s *Service) Apply(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	c := cron.New(cron.WithLocation(s.loc), cron.WithChain(cron.Recover(cronLogger{s.log})))
	var (
		errs    []error
		armed   int
		skipped int
	)
	for i, e := range entries {
		name := e.label(i)
		log := s.log.With(logx.String("announcement", name), logx.String("kind", e.kind()))
		if strings.TrimSpace(e.Text) == "" {
			errs = append(errs, fmt.Errorf("%s: empty text", name))
			continue
		}
		if e.Cron != "" {
			if _, err := c.AddFunc(e.Cron, func() { s.send(name, e) }); err != nil {
				errs = append(errs, fmt.Errorf("%s: cron %q: %w", name, e.Cron, err))
				continue
			}
			armed++
			continue
		}

		h, err := s.alarms.Schedule(e.At, func() { s.send(name, e) })
		if errors.Is(err, alarm.ErrAlreadyPast) {
			log.Info("announcement time already passed; skipped", logx.Time("at", e.At))
			skipped++
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		s.metrics.AlarmArmed()
		s.handles = append(s.handles, h)
		armed++
	}
	c.Start()
	s.cron = c

	s.log.Info("announcements scheduled",
		logx.Int("armed", armed),
		logx.Int("skipped", skipped),
		logx.Int("invalid", len(errs)),
		logx.String("tz", s.loc.String()),
	)
	return errors.Join(errs...)
}

// Pending returns the number of one-shot entries still waiting.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.handles {
		if !h.Fired() {
			n++
		}
	}
	return n
}

// Stop cancels all entries and waits for running cron sends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.cancelAlarmsLocked()
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("announce stop timed out")
	}
}

func (s *Service) stopLocked() {
	s.cancelAlarmsLocked()
	if s.cron != nil {
		// running jobs finish on their own
		s.cron.Stop()
		s.cron = nil
	}
}

func (s *Service) cancelAlarmsLocked() {
	for _, h := range s.handles {
		if h.Cancel() {
			s.metrics.AlarmDone()
		}
	}
	s.handles = nil
}

func (s *Service) send(name string, e Entry) {
	s.ctxMu.Lock()
	ctx := s.ctx
	s.ctxMu.Unlock()
	if e.kind() == KindAt {
		s.metrics.AlarmDone()
	}
	if ctx.Err() != nil {
		return
	}

	targets := e.SendTo
	if len(targets) == 0 && s.recipients != nil {
		targets = s.recipients()
	}
	start := s.clock.Now()
	log := s.log.With(logx.String("announcement", name))

	var (
		ok, fail int
		errs     []error
	)
	for _, chatID := range targets {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err := s.sender.SendText(sctx, kit.ChatTarget{ChatID: chatID}, e.Text, &kit.SendOptions{ParseMode: e.ParseMode})
		cancel()
		if err != nil {
			fail++
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
			log.Warn("announcement send failed", logx.Int64("chat_id", chatID), logx.Err(err))
			continue
		}
		ok++
	}
	err := errors.Join(errs...)
	if len(targets) == 0 {
		err = errors.New("no recipients")
	}

	s.metrics.ObserveAnnouncement(e.kind(), err == nil)
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeAnnouncementSent,
		Time: s.clock.Now(),
		Data: eventbus.AlertData{Channel: name, Recipients: len(targets), Delivered: ok},
	})
	if err == nil {
		log.Info("announcement sent", logx.Int("recipients", ok))
	}

	if s.store == nil {
		return
	}
	entry := storage.AuditEntry{
		At:      start,
		Action:  storage.ActionAnnouncement,
		Channel: name,
		OK:      ok,
		Fail:    fail,
		TookMS:  s.clock.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.store.AppendAudit(actx, entry); err != nil {
		log.Debug("audit append failed", logx.Err(err))
	}
}

// cronLogger routes cron's panic reports into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
