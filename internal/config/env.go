package config

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ErrMissingSecret means the EventSub shared secret is unset. The relay
// refuses to start without it.
var ErrMissingSecret = errors.New("config: twitch eventsub secret is required (TWITCH_EVENTSUB_SECRET)")

// envOverlay lists the variables that override the config file. Empty
// variables leave the file value alone.
type envOverlay struct {
	TelegramToken  string  `envconfig:"TG_TOKEN"`
	ClientID       string  `envconfig:"TWITCH_CLIENTID"`
	ClientSecret   string  `envconfig:"TWITCH_SECRET"`
	EventSubSecret string  `envconfig:"TWITCH_EVENTSUB_SECRET"`
	GroupIDs       []int64 `envconfig:"TG_GROUP_ID"`
	OwnerID        int64   `envconfig:"TG_ALPHA_ID"`
	Port           int     `envconfig:"PORT"`
}

// LoadDotEnv reads .env then .env.local from the working directory. Missing
// files are ignored and variables already in the environment win.
func LoadDotEnv() {
	for _, f := range []string{".env", ".env.local"} {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var e envOverlay
	// The empty prefix makes envconfig read the exact tag names.
	if err := envconfig.Process("", &e); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	if e.TelegramToken != "" {
		cfg.Telegram.Token = e.TelegramToken
	}
	if e.ClientID != "" {
		cfg.Twitch.ClientID = e.ClientID
	}
	if e.ClientSecret != "" {
		cfg.Twitch.ClientSecret = e.ClientSecret
	}
	if e.EventSubSecret != "" {
		cfg.Twitch.EventSubSecret = e.EventSubSecret
	}
	if len(e.GroupIDs) > 0 {
		cfg.Alerts.Recipients = e.GroupIDs
	}
	if e.OwnerID != 0 && !slices.Contains(cfg.Telegram.OwnerUserIDs, e.OwnerID) {
		cfg.Telegram.OwnerUserIDs = append(cfg.Telegram.OwnerUserIDs, e.OwnerID)
	}
	if e.Port != 0 {
		cfg.Server.Port = e.Port
	}
	return nil
}
