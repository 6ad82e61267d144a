package app

import (
	"fmt"
	"strings"
	"time"

	"streamalert/internal/announce"
	"streamalert/internal/config"
	"streamalert/internal/notifier"
	"streamalert/internal/server"
	"streamalert/internal/storage"
	"streamalert/internal/twitch"
	logx "streamalert/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	defaultStorePath   = "./data/streamalert"
)

// mapStorageConfig maps the storage section. An absent section means the
// file store at defaultStorePath; driver "none" disables the audit log.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil {
		return storage.Config{}, false, nil
	}
	if cfg.Storage == nil {
		return storage.Config{Driver: "file", Path: defaultStorePath}, true, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "file":
		if path == "" {
			path = defaultStorePath
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapCooldown(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("alerts.cooldown", cfg.Alerts.Cooldown, notifier.DefaultCooldown)
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	cd, err := mapCooldown(cfg)
	if err != nil {
		return notifier.Config{}, err
	}
	out := notifier.Config{Cooldown: cd}
	if cfg.Notifier == nil {
		return out, nil
	}
	n := cfg.Notifier
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", n.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	out.RatePerSec = n.RatePerSec
	out.RetryMax = n.RetryMax
	out.ThumbWidth = n.ThumbWidth
	out.ThumbHeight = n.ThumbHeight
	return out, nil
}

func mapTwitchConfig(cfg *config.Config) (twitch.Config, error) {
	t := cfg.Twitch
	timeout, err := config.ParseDurationField("twitch.timeout", t.Timeout)
	if err != nil {
		return twitch.Config{}, err
	}
	return twitch.Config{
		ClientID:     t.ClientID,
		ClientSecret: t.ClientSecret,
		BaseURL:      t.BaseURL,
		TokenURL:     t.TokenURL,
		Timeout:      timeout,
	}, nil
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	s := cfg.Server
	out := server.Config{
		Host: s.Host,
		Port: s.Port,
		TLS: server.TLSConfig{
			CertFile:  s.TLS.CertFile,
			KeyFile:   s.TLS.KeyFile,
			ChainFile: s.TLS.ChainFile,
			Port:      s.TLS.Port,
		},
		Metrics: s.Metrics,
		Pprof:   s.Pprof,
	}
	var err error
	if out.ReadHeaderTimeout, err = config.ParseDurationField("server.read_header_timeout", s.ReadHeaderTimeout); err != nil {
		return server.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("server.write_timeout", s.WriteTimeout); err != nil {
		return server.Config{}, err
	}
	if out.ShutdownTimeout, err = config.ParseDurationField("server.shutdown_timeout", s.ShutdownTimeout); err != nil {
		return server.Config{}, err
	}
	return out, nil
}

// mapAnnouncements converts config entries. Validate has already checked
// the at/cron exclusivity and the RFC 3339 format.
func mapAnnouncements(cfg *config.Config) ([]announce.Entry, error) {
	out := make([]announce.Entry, 0, len(cfg.Announcements))
	for i, a := range cfg.Announcements {
		e := announce.Entry{
			Name:      a.Name,
			Cron:      strings.TrimSpace(a.Cron),
			Text:      a.Text,
			ParseMode: a.ParseMode,
			SendTo:    append([]int64(nil), a.SendTo...),
		}
		if at := strings.TrimSpace(a.At); at != "" {
			t, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return nil, fmt.Errorf("announcements[%d].at: %w", i, err)
			}
			e.At = t
		}
		out = append(out, e)
	}
	return out, nil
}
