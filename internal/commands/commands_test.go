package commands

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"streamalert/internal/notifier"
	"streamalert/internal/storage"
	kit "streamalert/internal/transport"
	"streamalert/internal/twitch"
	logx "streamalert/pkg/logx"
)

type reply struct {
	to    kit.ChatTarget
	text  string
	photo *kit.Photo
	opt   *kit.SendOptions
}

type fakeSender struct {
	mu      sync.Mutex
	replies []reply
	menu    []kit.BotCommand
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, reply{to: to, text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) SendPhoto(_ context.Context, to kit.ChatTarget, p kit.Photo, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, reply{to: to, photo: &p, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) menuNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.menu))
	for _, c := range f.menu {
		names = append(names, c.Command)
	}
	return names
}

func (f *fakeSender) all() []reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reply(nil), f.replies...)
}

type fakeStreams struct{ live map[string]bool }

func (f fakeStreams) GetStream(_ context.Context, login string) (twitch.Stream, error) {
	if login == "broken" {
		return twitch.Stream{}, errors.New("helix: 503")
	}
	if !f.live[login] {
		return twitch.Stream{}, twitch.ErrOffline
	}
	return twitch.Stream{UserLogin: login, UserName: login, Type: "live", Title: "t", GameName: "g",
		ThumbnailURL: "https://cdn/{width}x{height}.jpg"}, nil
}

type fakeAlerts struct {
	streams fakeStreams

	mu     sync.Mutex
	manual []string
	actor  int64
	to     []int64
}

func (f *fakeAlerts) Compose(ctx context.Context, channel string) (notifier.Alert, error) {
	s, err := f.streams.GetStream(ctx, channel)
	if err != nil {
		return notifier.Alert{}, err
	}
	return notifier.ComposeAlert(s, 1280, 720, time.UnixMilli(1)), nil
}

func (f *fakeAlerts) last() ([]string, int64, []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.manual), f.actor, slices.Clone(f.to)
}

func (f *fakeAlerts) DeliverManual(ctx context.Context, channel string, recipients []int64, actorID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manual = append(f.manual, channel)
	f.actor = actorID
	f.to = recipients
	return f.streams.live[channel]
}

type auditStub struct{ entries []storage.AuditEntry }

func (a auditStub) AppendAudit(context.Context, storage.AuditEntry) error { return nil }
func (a auditStub) RecentAudit(_ context.Context, limit int) ([]storage.AuditEntry, error) {
	return a.entries[:min(limit, len(a.entries))], nil
}
func (a auditStub) Close() error { return nil }

const owner = int64(42)

func setup(t *testing.T) (*Manager, *fakeSender, *fakeAlerts) {
	t.Helper()
	sender := &fakeSender{}
	streams := fakeStreams{live: map[string]bool{"seffyra": true}}
	alerts := &fakeAlerts{streams: streams}
	m := NewManager(sender, []int64{owner}, logx.Nop())
	m.Register(Builtins(Deps{
		Streams:    streams,
		Alerts:     alerts,
		Audit:      auditStub{entries: []storage.AuditEntry{{At: time.Unix(0, 0).UTC(), Action: storage.ActionAlert, Channel: "seffyra", OK: 2}}},
		Channel:    func() string { return "Seffyra" },
		Recipients: func() []int64 { return []int64{-100} },
	})...)
	return m, sender, alerts
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 7, FromID: from, Text: text, ChatType: "group", ChatTitle: "Circo"}}
}

func handled(t *testing.T, m *Manager, u kit.Update) {
	t.Helper()
	if !m.Handle(context.Background(), u) {
		t.Fatalf("update %q not handled", u.Message.Text)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		word string
		args []string
		ok   bool
	}{
		{"/getStream", "getstream", []string{}, true},
		{"/status@StreamBot foo", "status", []string{"foo"}, true},
		{"!online  bar ", "online", []string{"bar"}, true},
		{"hello", "", nil, false},
		{"/", "", nil, false},
	}
	for _, tt := range tests {
		word, args, ok := parse(tt.in)
		if ok != tt.ok {
			t.Fatalf("parse(%q) ok = %v", tt.in, ok)
		}
		if tt.ok && (word != tt.word || !slices.Equal(args, tt.args)) {
			t.Fatalf("parse(%q) = %q %q, want %q %q", tt.in, word, args, tt.word, tt.args)
		}
	}
}

func TestGetStreamLiveAndOffline(t *testing.T) {
	t.Parallel()

	m, sender, _ := setup(t)

	handled(t, m, msg(1, "/getstream"))
	handled(t, m, msg(1, "/getStream nessuno"))

	r := sender.all()
	if len(r) != 2 {
		t.Fatalf("replies = %d, want 2", len(r))
	}
	if r[0].photo == nil || r[0].photo.URL != "https://cdn/1280x720.jpg?time=1" || r[0].to.ChatID != 7 {
		t.Fatalf("live reply = %+v", r[0])
	}
	if r[1].text != "nessuno al momento è offline" {
		t.Fatalf("offline reply = %q", r[1].text)
	}
}

func TestStatusAliases(t *testing.T) {
	t.Parallel()

	m, sender, _ := setup(t)
	for _, text := range []string{"/status", "/online pippo", "!isonline broken"} {
		handled(t, m, msg(1, text))
	}
	r := sender.all()
	if len(r) != 3 {
		t.Fatalf("replies = %d, want 3", len(r))
	}
	if r[0].text != "Seffyra al momento è <b>online</b> su twitch" {
		t.Fatalf("status = %q", r[0].text)
	}
	if r[1].text != "pippo al momento è <b>offline</b> su twitch" {
		t.Fatalf("online alias = %q", r[1].text)
	}
	if !strings.Contains(r[2].text, "Twitch non risponde") {
		t.Fatalf("lookup failure = %q", r[2].text)
	}
}

func TestOwnerOnlyCommands(t *testing.T) {
	t.Parallel()

	m, sender, alerts := setup(t)

	if m.Handle(context.Background(), msg(1, "/sendnotify")) || m.Handle(context.Background(), msg(1, "/getchatinfo")) {
		t.Fatal("non-owner command was handled")
	}
	if n := len(sender.all()); n != 0 {
		t.Fatalf("non-owner got %d replies", n)
	}

	handled(t, m, msg(owner, "/sendnotify"))
	channels, actor, to := alerts.last()
	if !slices.Equal(channels, []string{"seffyra"}) || actor != owner || !slices.Equal(to, []int64{-100}) {
		t.Fatalf("manual delivery: channels=%v actor=%d to=%v", channels, actor, to)
	}

	handled(t, m, msg(owner, "/getchatinfo"))
	r := sender.all()
	if len(r) != 2 {
		t.Fatalf("replies = %d, want 2", len(r))
	}
	if r[0].text != "Notifica inviata a 1 chat." {
		t.Fatalf("sendnotify reply = %q", r[0].text)
	}
	if !strings.Contains(r[1].text, "<b>Title</b>: Circo (group)") || !strings.Contains(r[1].text, "<code>42</code>") {
		t.Fatalf("chat info = %q", r[1].text)
	}

	m.SetOwners(nil)
	if m.Handle(context.Background(), msg(owner, "/sendnotify")) {
		t.Fatal("removed owner still allowed")
	}
}

func TestAuditCommand(t *testing.T) {
	t.Parallel()

	m, sender, _ := setup(t)
	handled(t, m, msg(owner, "/audit 5"))
	r := sender.all()
	if len(r) != 1 || !strings.Contains(r[0].text, "<b>alert</b> seffyra 2/2 ok") {
		t.Fatalf("audit replies = %+v", r)
	}
}

func TestUnknownAndInvalidInput(t *testing.T) {
	t.Parallel()

	m, sender, _ := setup(t)
	for _, u := range []kit.Update{msg(1, "/nope"), msg(1, "just chatting"), {Kind: kit.UpdateMessage}} {
		if m.Handle(context.Background(), u) {
			t.Fatalf("update %+v should not be handled", u)
		}
	}

	handled(t, m, msg(1, "/status <script>"))
	r := sender.all()
	if len(r) != 1 || r[0].text != "Uso: /status [canale]" {
		t.Fatalf("replies = %+v", r)
	}
}

func TestMenuHidesOwnerCommands(t *testing.T) {
	t.Parallel()

	m, sender, _ := setup(t)
	if err := m.SyncMenu(context.Background()); err != nil {
		t.Fatalf("SyncMenu: %v", err)
	}
	if got := sender.menuNames(); !slices.Equal(got, []string{"start", "getstream", "status"}) {
		t.Fatalf("menu = %v", got)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeSender{}, nil, logx.Nop())
	m.Register(Command{Name: "boom", Handle: func(context.Context, *Request) error { panic("boom") }})
	handled(t, m, msg(1, "/boom"))
}

func TestDispatchLoop(t *testing.T) {
	t.Parallel()

	m, sender, _ := setup(t)
	updates := make(chan kit.Update, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.DispatchLoop(ctx, updates) }()

	updates <- msg(1, "/start")
	updates <- msg(1, "not a command")

	deadline := time.Now().Add(2 * time.Second)
	for len(sender.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	r := sender.all()
	if len(r) != 1 || !strings.Contains(r[0].text, "Seffyra") {
		t.Fatalf("replies = %+v", r)
	}

	close(updates)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("DispatchLoop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
}
