package config

import (
	"reflect"
	"sort"
	"strings"

	logx "streamalert/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe fields for
// logging. Secrets are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		oldCfg.Telegram.APIURL != newCfg.Telegram.APIURL {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
		)
	}

	if oldCfg.Twitch != newCfg.Twitch {
		changed = append(changed, "twitch")
		attrs = append(attrs,
			logx.Bool("twitch.credentials_changed",
				oldCfg.Twitch.ClientID != newCfg.Twitch.ClientID || oldCfg.Twitch.ClientSecret != newCfg.Twitch.ClientSecret),
			logx.Bool("twitch.secret_changed", oldCfg.Twitch.EventSubSecret != newCfg.Twitch.EventSubSecret),
		)
	}

	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.Int("server.port", newCfg.Server.Port),
			logx.Bool("server.metrics", newCfg.Server.Metrics),
			logx.Bool("server.pprof", newCfg.Server.Pprof),
		)
	}

	if oldCfg.Alerts.Channel != newCfg.Alerts.Channel ||
		strings.TrimSpace(oldCfg.Alerts.Cooldown) != strings.TrimSpace(newCfg.Alerts.Cooldown) ||
		!reflect.DeepEqual(oldCfg.Alerts.Recipients, newCfg.Alerts.Recipients) ||
		!reflect.DeepEqual(oldCfg.Alerts.EventTypes, newCfg.Alerts.EventTypes) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.String("alerts.channel", newCfg.Alerts.Channel),
			logx.String("alerts.cooldown", strings.TrimSpace(newCfg.Alerts.Cooldown)),
			logx.Int("alerts.recipient_count", len(newCfg.Alerts.Recipients)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	oldN, newN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
		)
	}

	// Nil means the default file store.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Announcements, newCfg.Announcements) {
		changed = append(changed, "announcements")
		attrs = append(attrs, logx.Int("announcements.count", len(newCfg.Announcements)))
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}
