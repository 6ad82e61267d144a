package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamalert/internal/eventbus"
	"streamalert/internal/storage"
	kit "streamalert/internal/transport"
	"streamalert/internal/twitch"
	logx "streamalert/pkg/logx"
)

type stubStreams struct {
	stream twitch.Stream
	err    error
}

func (s stubStreams) GetStream(ctx context.Context, login string) (twitch.Stream, error) {
	if s.err != nil {
		return twitch.Stream{}, s.err
	}
	return s.stream, nil
}

type sentPhoto struct {
	to    kit.ChatTarget
	photo kit.Photo
	opt   kit.SendOptions
}

type recordingSender struct {
	mu      sync.Mutex
	sent    []sentPhoto
	failFor map[int64]int // chat -> remaining failures
}

func (r *recordingSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{}, errors.New("not used")
}

func (r *recordingSender) SendPhoto(ctx context.Context, to kit.ChatTarget, photo kit.Photo, opt *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[to.ChatID] > 0 {
		r.failFor[to.ChatID]--
		return kit.MessageRef{}, errors.New("telegram: chat not found")
	}
	r.sent = append(r.sent, sentPhoto{to: to, photo: photo, opt: *opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(r.sent)}, nil
}

func (r *recordingSender) photos() []sentPhoto {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentPhoto(nil), r.sent...)
}

type memStore struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (m *memStore) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

func (m *memStore) RecentAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error) {
	return nil, nil
}

func (m *memStore) Close() error { return nil }

var liveStream = twitch.Stream{
	UserLogin:    "foo",
	UserName:     "Foo",
	Type:         "live",
	Title:        "Any% <glitchless>",
	GameName:     "Celeste",
	ThumbnailURL: "https://cdn/live_user_foo-{width}x{height}.jpg",
}

func TestComposeAlert(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1700000000000)
	a := ComposeAlert(liveStream, 1280, 720, now)

	assert.Equal(t, "https://cdn/live_user_foo-1280x720.jpg?time=1700000000000", a.Photo.URL)
	assert.Equal(t, "Any% &lt;glitchless&gt; - Celeste", a.Photo.Caption)
	require.Len(t, a.Options.Buttons, 1)
	assert.Equal(t, "Twitch di Foo", a.Options.Buttons[0].Text)
	assert.Equal(t, "https://www.twitch.tv/foo", a.Options.Buttons[0].URL)
}

func TestDeliverAlertAllRecipients(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.UnixMilli(1700000000000))
	sender := &recordingSender{}
	store := &memStore{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	a := NewAlerter(Config{}, stubStreams{stream: liveStream}, sender, logx.Nop(),
		WithAlerterClock(clock), WithStore(store), WithBus(bus))

	require.True(t, a.DeliverAlert(context.Background(), "foo", []int64{-100, -200}))

	photos := sender.photos()
	require.Len(t, photos, 2)
	assert.Equal(t, int64(-100), photos[0].to.ChatID)
	assert.Equal(t, int64(-200), photos[1].to.ChatID)
	assert.Equal(t, "https://cdn/live_user_foo-1280x720.jpg?time=1700000000000", photos[0].photo.URL)
	assert.Equal(t, "HTML", photos[0].opt.ParseMode)

	ev := <-events
	assert.Equal(t, eventbus.TypeAlertSent, ev.Type)
	assert.Equal(t, eventbus.AlertData{Channel: "foo", Recipients: 2, Delivered: 2}, ev.Data)

	require.Len(t, store.entries, 1)
	assert.Equal(t, storage.ActionAlert, store.entries[0].Action)
	assert.Equal(t, 2, store.entries[0].OK)
}

func TestDeliverAlertPartialFailureIsFailure(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{failFor: map[int64]int{-200: 10}}
	store := &memStore{}
	a := NewAlerter(Config{}, stubStreams{stream: liveStream}, sender, logx.Nop(), WithStore(store))

	assert.False(t, a.DeliverAlert(context.Background(), "foo", []int64{-100, -200, -300}))
	assert.Len(t, sender.photos(), 2, "other recipients still get the alert")

	require.Len(t, store.entries, 1)
	assert.Equal(t, 2, store.entries[0].OK)
	assert.Equal(t, 1, store.entries[0].Fail)
	assert.Contains(t, store.entries[0].Error, "chat -200")
}

func TestDeliverAlertRetries(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{failFor: map[int64]int{-100: 1}}
	a := NewAlerter(Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, stubStreams{stream: liveStream}, sender, logx.Nop())

	assert.True(t, a.DeliverAlert(context.Background(), "foo", []int64{-100}))
	assert.Len(t, sender.photos(), 1)
}

func TestDeliverAlertOfflineOrEmpty(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	a := NewAlerter(Config{}, stubStreams{err: twitch.ErrOffline}, sender, logx.Nop(), WithBus(bus))
	assert.False(t, a.DeliverAlert(context.Background(), "foo", []int64{-100}))
	assert.Empty(t, sender.photos())
	ev := <-events
	assert.Equal(t, eventbus.TypeAlertFailed, ev.Type)

	a = NewAlerter(Config{}, stubStreams{stream: liveStream}, sender, logx.Nop())
	assert.False(t, a.DeliverAlert(context.Background(), "foo", nil))

	a = NewAlerter(Config{}, stubStreams{stream: liveStream}, nil, logx.Nop())
	assert.False(t, a.DeliverAlert(context.Background(), "foo", []int64{1}))
}

func TestDeliverManualAudit(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	a := NewAlerter(Config{}, stubStreams{stream: liveStream}, &recordingSender{}, logx.Nop(), WithStore(store))
	require.True(t, a.DeliverManual(context.Background(), "foo", []int64{1}, 99))
	require.Len(t, store.entries, 1)
	assert.Equal(t, storage.ActionManualAlert, store.entries[0].Action)
	assert.Equal(t, int64(99), store.entries[0].ActorID)
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults()
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}
