package notifier

import "time"

const DefaultCooldown = 15 * time.Minute

// Config controls alert delivery.
type Config struct {
	Cooldown      time.Duration
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration

	// Thumbnail size substituted into the Twitch template.
	ThumbWidth  int
	ThumbHeight int
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.ThumbWidth <= 0 {
		c.ThumbWidth = 1280
	}
	if c.ThumbHeight <= 0 {
		c.ThumbHeight = 720
	}
	return c
}
