package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg after the environment overlay.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config: nil")
	}
	if strings.TrimSpace(cfg.Twitch.EventSubSecret) == "" {
		return ErrMissingSecret
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	durations := map[string]string{
		"telegram.poll_timeout":      cfg.Telegram.PollTimeout,
		"twitch.timeout":             cfg.Twitch.Timeout,
		"server.read_header_timeout": cfg.Server.ReadHeaderTimeout,
		"server.write_timeout":       cfg.Server.WriteTimeout,
		"server.shutdown_timeout":    cfg.Server.ShutdownTimeout,
		"alerts.cooldown":            cfg.Alerts.Cooldown,
	}
	if n := cfg.Notifier; n != nil {
		durations["notifier.retry_base"] = n.RetryBase
		durations["notifier.retry_max_delay"] = n.RetryMaxDelay
		durations["notifier.send_timeout"] = n.SendTimeout
	}
	if s := cfg.Storage; s != nil {
		durations["storage.busy_timeout"] = s.BusyTimeout
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	for i, a := range cfg.Announcements {
		if err := validateAnnouncement(a); err != nil {
			return fmt.Errorf("announcements[%d]: %w", i, err)
		}
	}
	return nil
}

func validateAnnouncement(a AnnouncementConfig) error {
	at, spec := strings.TrimSpace(a.At), strings.TrimSpace(a.Cron)
	switch {
	case at == "" && spec == "":
		return errors.New("one of at or cron is required")
	case at != "" && spec != "":
		return errors.New("at and cron are mutually exclusive")
	case at != "":
		if _, err := time.Parse(time.RFC3339, at); err != nil {
			return fmt.Errorf("at: %w", err)
		}
	default:
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("cron %q: %w", spec, err)
		}
	}
	return nil
}
