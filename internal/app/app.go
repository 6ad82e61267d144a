// Package app wires the relay: config, logging, Telegram, Twitch, the
// webhook server, announcements and chat commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"streamalert/internal/alarm"
	"streamalert/internal/announce"
	"streamalert/internal/commands"
	"streamalert/internal/config"
	"streamalert/internal/eventbus"
	"streamalert/internal/eventsub"
	"streamalert/internal/metrics"
	"streamalert/internal/notifier"
	"streamalert/internal/runtime/supervisor"
	"streamalert/internal/server"
	"streamalert/internal/storage"
	kit "streamalert/internal/transport"
	telegram "streamalert/internal/transport/telegram/adapter"
	"streamalert/internal/twitch"
	"streamalert/internal/webhook"
	logx "streamalert/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	adapter  *telegram.Adapter
	twitch   *twitch.Client
	gate     *notifier.Gate
	alerter  *notifier.Alerter
	server   *server.Server
	announce *announce.Service
	cmdm     *commands.Manager

	updates chan kit.Update
}

// New loads the config at cfgPath (empty means environment only) and builds
// every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		APIURL:      cfg.Telegram.APIURL,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Components derive their own "comp" field from base.
	logSvc, base := logx.New(mapLoggingConfig(cfg), ad)
	log := base.With(logx.String("comp", "app"))
	cfgm.SetLogger(base)

	bus := eventbus.New()
	m := metrics.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, base)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	tcfg, err := mapTwitchConfig(cfg)
	if err != nil {
		return nil, err
	}
	tw := twitch.New(tcfg, twitch.WithMetrics(m), twitch.WithLogger(base))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	gate := notifier.NewGate(nil, notifier.WithCooldown(ncfg.Cooldown))
	alerter := notifier.NewAlerter(ncfg, tw, ad, base,
		notifier.WithBus(bus),
		notifier.WithStore(store),
		notifier.WithMetrics(m),
	)

	recipients := func() []int64 { return cfgm.Get().Alerts.Recipients }
	hook := webhook.New(eventsub.NewVerifier(cfg.Twitch.EventSubSecret), gate, alerter, recipients,
		webhook.WithLogger(base),
		webhook.WithBus(bus),
		webhook.WithMetrics(m),
		webhook.WithClassifier(eventsub.NewClassifier(cfg.Alerts.EventTypes...)),
		webhook.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	)
	scfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	srv := server.New(scfg, hook, m, base)

	ann := announce.New(ad, alarm.New(), recipients, base,
		announce.WithBus(bus),
		announce.WithStore(store),
		announce.WithMetrics(m),
	)

	cmdm := commands.NewManager(ad, cfg.Telegram.OwnerUserIDs, base)
	cmdm.Register(commands.Builtins(commands.Deps{
		Streams:    tw,
		Alerts:     alerter,
		Audit:      store,
		Channel:    func() string { return cfgm.Get().Alerts.Channel },
		Recipients: recipients,
	})...)

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		metrics:  m,
		adapter:  ad,
		twitch:   tw,
		gate:     gate,
		alerter:  alerter,
		server:   srv,
		announce: ann,
		cmdm:     cmdm,
		updates:  make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Bind the listeners up front so a busy port fails Start.
	if err := a.server.Listen(); err != nil {
		return err
	}
	a.sup.Go("http.server", a.server.Serve)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.cmdm.SyncMenu(a.sup.Context()); err != nil {
		a.log.Warn("command menu sync failed", logx.Err(err))
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	cfg := a.cfgm.Get()
	if entries, err := mapAnnouncements(cfg); err != nil {
		a.log.Warn("announcements not scheduled", logx.Err(err))
	} else if err := a.announce.Start(a.sup.Context(), entries); err != nil {
		a.log.Warn("some announcements were rejected", logx.Err(err))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	if a.cfgm.Path() != "" {
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdogLoop(c, a.log) })
	sdNotify(a.log, daemon.SdNotifyReady)

	a.log.Info("app started",
		logx.String("channel", cfg.Alerts.Channel),
		logx.Int("recipients", len(cfg.Alerts.Recipients)),
		logx.Duration("cooldown", a.gate.Cooldown()),
		logx.Any("listen", a.server.Addrs()),
	)
	return nil
}

// applyConfig pushes a validated config into the running components.
// Server, storage and Twitch credentials need a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(newCfg))
	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.alerter.Apply(ncfg)
		a.gate.SetCooldown(ncfg.Cooldown)
	}

	for _, s := range sections {
		switch s {
		case "announcements":
			entries, err := mapAnnouncements(newCfg)
			if err == nil {
				err = a.announce.Apply(entries)
			}
			if err != nil {
				a.log.Warn("announcement reload incomplete", logx.Err(err))
			}
		case "server", "storage", "twitch":
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		case "telegram":
			if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.APIURL != newCfg.Telegram.APIURL {
				a.log.Warn("telegram token or api_url changed; restart required")
			}
		case "alerts":
			if strings.Join(oldCfg.Alerts.EventTypes, ",") != strings.Join(newCfg.Alerts.EventTypes, ",") {
				a.log.Warn("alerts.event_types changed; restart required")
			}
		}
	}

	a.bus.Publish(eventbus.Event{
		Type: eventbus.TypeConfigReloaded,
		Time: time.Now(),
		Data: sections,
	})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Cancel first so the server, dispatcher and watchers start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("announce", 2*time.Second, func(c context.Context) error { a.announce.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	// The server drains in-flight webhooks here; storage closes after.
	step("supervisor", 8*time.Second, a.sup.Stop)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
