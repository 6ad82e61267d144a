package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"streamalert/internal/eventbus"
	"streamalert/internal/metrics"
	"streamalert/internal/storage"
	kit "streamalert/internal/transport"
	"streamalert/internal/twitch"
	logx "streamalert/pkg/logx"
)

// StreamSource looks up the live stream of a channel. *twitch.Client
// satisfies it.
type StreamSource interface {
	GetStream(ctx context.Context, login string) (twitch.Stream, error)
}

// Alert is a composed, ready to send stream alert.
type Alert struct {
	Photo   kit.Photo
	Options kit.SendOptions
	Stream  twitch.Stream
}

// Alerter delivers stream alerts to chat recipients.
//
// It is safe for concurrent use.
type Alerter struct {
	streams StreamSource
	sender  kit.Sender
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics
	clock   clockwork.Clock

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

type AlerterOption func(*Alerter)

func WithBus(b eventbus.Bus) AlerterOption {
	return func(a *Alerter) {
		if b != nil {
			a.bus = b
		}
	}
}

func WithStore(s storage.Store) AlerterOption { return func(a *Alerter) { a.store = s } }

func WithMetrics(m *metrics.Metrics) AlerterOption { return func(a *Alerter) { a.metrics = m } }

// WithAlerterClock is used by tests to pin thumbnail cache busters.
func WithAlerterClock(c clockwork.Clock) AlerterOption {
	return func(a *Alerter) {
		if c != nil {
			a.clock = c
		}
	}
}

func NewAlerter(cfg Config, streams StreamSource, sender kit.Sender, log logx.Logger, opts ...AlerterOption) *Alerter {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Alerter{
		streams: streams,
		sender:  sender,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     eventbus.Nop{},
		clock:   clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(a)
	}
	a.Apply(cfg)
	return a
}

// Apply swaps delivery settings at runtime.
func (a *Alerter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	a.mu.Lock()
	a.cfg = cfg
	// burst = rate, so a handful of recipients go out at once
	a.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	a.mu.Unlock()
}

func (a *Alerter) snapshot() (Config, *rate.Limiter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg, a.limiter
}

// Compose fetches the live stream and builds the alert message.
func (a *Alerter) Compose(ctx context.Context, channel string) (Alert, error) {
	if a.streams == nil {
		return Alert{}, errors.New("notifier: no stream source")
	}
	s, err := a.streams.GetStream(ctx, channel)
	if err != nil {
		return Alert{}, err
	}
	cfg, _ := a.snapshot()
	return ComposeAlert(s, cfg.ThumbWidth, cfg.ThumbHeight, a.clock.Now()), nil
}

// ComposeAlert renders s as a photo with caption "<title> - <game>" and a
// button linking to the channel.
func ComposeAlert(s twitch.Stream, width, height int, now time.Time) Alert {
	caption := html.EscapeString(s.Title)
	if s.GameName != "" {
		caption += " - " + html.EscapeString(s.GameName)
	}
	name := s.UserName
	if name == "" {
		name = s.UserLogin
	}
	return Alert{
		Stream: s,
		Photo: kit.Photo{
			URL:     s.ThumbnailURLAt(width, height, now),
			Caption: caption,
		},
		Options: kit.SendOptions{
			ParseMode: "HTML",
			Buttons:   []kit.URLButton{{Text: "Twitch di " + name, URL: s.ChannelURL()}},
		},
	}
}

// DeliverAlert sends the alert for channel to every recipient. It returns
// true only when all recipients received it. Failures are logged, never
// raised.
func (a *Alerter) DeliverAlert(ctx context.Context, channel string, recipients []int64) bool {
	return a.deliver(ctx, storage.ActionAlert, channel, recipients, 0)
}

// DeliverManual is DeliverAlert triggered by an operator command.
func (a *Alerter) DeliverManual(ctx context.Context, channel string, recipients []int64, actorID int64) bool {
	return a.deliver(ctx, storage.ActionManualAlert, channel, recipients, actorID)
}

func (a *Alerter) deliver(ctx context.Context, action, channel string, recipients []int64, actorID int64) bool {
	start := a.clock.Now()
	log := a.log.With(logx.String("channel", channel), logx.Int("recipients", len(recipients)))

	if len(recipients) == 0 {
		log.Warn("alert has no recipients")
		a.finish(ctx, action, channel, actorID, 0, 0, errors.New("no recipients"), start)
		return false
	}

	alert, err := a.Compose(ctx, channel)
	if err != nil {
		log.Error("compose alert failed", logx.Err(err))
		a.finish(ctx, action, channel, actorID, 0, len(recipients), err, start)
		return false
	}

	var (
		ok, fail int
		errs     []error
	)
	for _, chatID := range recipients {
		if err := a.sendOne(ctx, chatID, alert); err != nil {
			fail++
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
			log.Warn("alert send failed", logx.Int64("chat_id", chatID), logx.Err(err))
			continue
		}
		ok++
	}

	err = errors.Join(errs...)
	a.finish(ctx, action, channel, actorID, ok, fail, err, start)
	if err != nil {
		return false
	}
	log.Info("alert delivered", logx.String("title", alert.Stream.Title), logx.Duration("took", a.clock.Since(start)))
	return true
}

func (a *Alerter) sendOne(ctx context.Context, chatID int64, alert Alert) error {
	if a.sender == nil {
		return errors.New("notifier: no sender")
	}
	cfg, lim := a.snapshot()
	attempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		opts := alert.Options
		_, err := a.sender.SendPhoto(callCtx, kit.ChatTarget{ChatID: chatID}, alert.Photo, &opts)
		cancel()
		a.metrics.ObserveSend(err == nil)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		t := a.clock.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.Chan():
		}
	}
	return lastErr
}

func (a *Alerter) finish(ctx context.Context, action, channel string, actorID int64, ok, fail int, err error, start time.Time) {
	took := a.clock.Since(start)
	a.metrics.ObserveAlert(err == nil)

	typ := eventbus.TypeAlertSent
	data := eventbus.AlertData{Channel: channel, Recipients: ok + fail, Delivered: ok}
	if err != nil {
		typ = eventbus.TypeAlertFailed
		data.Reason = err.Error()
	}
	a.bus.Publish(eventbus.Event{Type: typ, Time: a.clock.Now(), Data: data})

	if a.store == nil {
		return
	}
	entry := storage.AuditEntry{
		At:      start,
		Action:  action,
		Channel: channel,
		ActorID: actorID,
		OK:      ok,
		Fail:    fail,
		TookMS:  took.Milliseconds(),
	}
	if err != nil {
		entry.Error = truncate(err.Error(), 500)
	}
	if meta, merr := json.Marshal(map[string]any{"recipients": ok + fail}); merr == nil {
		entry.MetaJSON = string(meta)
	}
	// the request context may already be gone; the audit row should still land
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := a.store.AppendAudit(actx, entry); err != nil {
		a.log.Debug("audit append failed", logx.Err(err))
	}
}

// retryDelay is base*2^(attempt-1) capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}
