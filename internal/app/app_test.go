package app

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"streamalert/internal/alarm"
	"streamalert/internal/announce"
	"streamalert/internal/commands"
	"streamalert/internal/config"
	"streamalert/internal/eventbus"
	"streamalert/internal/notifier"
	"streamalert/internal/runtime/supervisor"
	telegram "streamalert/internal/transport/telegram/adapter"
	logx "streamalert/pkg/logx"
)

func newReloadApp(t *testing.T, clock *clockwork.FakeClock) *App {
	t.Helper()
	logs, _ := logx.New(logx.Config{Level: "error"}, nil)
	t.Cleanup(func() { _ = logs.Close() })
	recipients := func() []int64 { return []int64{-1} }
	a := &App{
		log:      logx.Nop(),
		logs:     logs,
		bus:      eventbus.New(),
		gate:     notifier.NewGate(nil, notifier.WithClock(clock)),
		alerter:  notifier.NewAlerter(notifier.Config{}, nil, nil, logx.Nop()),
		announce: announce.New(nil, alarm.New(alarm.WithClock(clock)), recipients, logx.Nop(), announce.WithClock(clock)),
		cmdm:     commands.NewManager(nil, nil, logx.Nop()),
	}
	t.Cleanup(func() { a.announce.Stop(context.Background()) })
	return a
}

func TestApplyConfigUpdatesRunningComponents(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	a := newReloadApp(t, clock)
	events, unsub := a.bus.Subscribe(4)
	defer unsub()

	oldCfg := &config.Config{Alerts: config.AlertsConfig{Recipients: []int64{-1}}}
	newCfg := &config.Config{
		Telegram: config.TelegramConfig{OwnerUserIDs: []int64{7}},
		Alerts:   config.AlertsConfig{Recipients: []int64{-1, -2}, Cooldown: "30m"},
		Announcements: []config.AnnouncementConfig{
			{Name: "domani", At: clock.Now().Add(24 * time.Hour).Format(time.RFC3339), Text: "ci vediamo"},
		},
	}
	a.applyConfig(oldCfg, newCfg)

	if got := a.gate.Cooldown(); got != 30*time.Minute {
		t.Fatalf("cooldown = %v, want 30m", got)
	}
	if got := a.announce.Pending(); got != 1 {
		t.Fatalf("pending announcements = %d, want 1", got)
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeConfigReloaded {
			t.Fatalf("event type = %q", ev.Type)
		}
		sections, _ := ev.Data.([]string)
		if strings.Join(sections, ",") != "alerts,announcements,telegram" {
			t.Fatalf("changed sections = %v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("config.reloaded not published")
	}
}

func TestApplyConfigWithoutChanges(t *testing.T) {
	t.Parallel()

	a := newReloadApp(t, clockwork.NewFakeClock())
	events, unsub := a.bus.Subscribe(1)
	defer unsub()

	cfg := &config.Config{Alerts: config.AlertsConfig{Recipients: []int64{-1}}}
	a.applyConfig(cfg, cfg)

	if got := a.gate.Cooldown(); got != notifier.DefaultCooldown {
		t.Fatalf("cooldown = %v, want default", got)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}
}

func TestStopWaitsForSupervisedGoroutines(t *testing.T) {
	t.Parallel()

	a := newReloadApp(t, clockwork.NewFakeClock())
	a.adapter = &telegram.Adapter{}
	a.sup = supervisor.New(context.Background())

	var finished atomic.Bool
	a.sup.Go0("worker", func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !finished.Load() {
		t.Fatal("Stop returned before the worker exited")
	}
	if n := a.sup.Active(); n != 0 {
		t.Fatalf("active goroutines = %d", n)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("app context not canceled")
	}
}
