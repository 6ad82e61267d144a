package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Twitch   TwitchConfig   `json:"twitch"`
	Server   ServerConfig   `json:"server"`
	Alerts   AlertsConfig   `json:"alerts"`
	Logging  LoggingConfig  `json:"logging"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`

	Announcements []AnnouncementConfig `json:"announcements,omitempty" validate:"dive"`
}

type TelegramConfig struct {
	Token        string  `json:"token" validate:"required"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// APIURL overrides the Bot API endpoint (local bot-api server, tests).
	APIURL string `json:"api_url,omitempty" validate:"omitempty,url"`
}

// TwitchConfig holds the Helix app credentials and the EventSub shared
// secret. All three secrets are normally supplied through the environment.
type TwitchConfig struct {
	ClientID       string `json:"client_id" validate:"required"`
	ClientSecret   string `json:"client_secret" validate:"required"`
	EventSubSecret string `json:"eventsub_secret"`

	BaseURL  string `json:"base_url,omitempty" validate:"omitempty,url"`
	TokenURL string `json:"token_url,omitempty" validate:"omitempty,url"`
	Timeout  string `json:"timeout,omitempty"`
}

type ServerConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port" validate:"gte=0,lte=65535"`

	TLS TLSConfig `json:"tls"`

	// MaxBodyBytes bounds webhook request bodies (default 1 MiB).
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty" validate:"gte=0"`

	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	WriteTimeout      string `json:"write_timeout,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`

	Metrics bool `json:"metrics"`
	Pprof   bool `json:"pprof"`
}

// TLSConfig enables the HTTPS listener when every file exists.
type TLSConfig struct {
	CertFile  string `json:"cert_file,omitempty"`
	KeyFile   string `json:"key_file,omitempty"`
	ChainFile string `json:"chain_file,omitempty"`
	// Port defaults to server.port + 443.
	Port int `json:"port,omitempty" validate:"gte=0,lte=65535"`
}

type AlertsConfig struct {
	// Channel is the default for chat commands.
	Channel    string  `json:"channel"`
	Recipients []int64 `json:"recipients" validate:"required,min=1"`
	// Cooldown is a Go duration string; default 15m.
	Cooldown   string   `json:"cooldown,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// NotifierConfig tunes alert delivery.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec" validate:"gte=0"`
	RetryMax      int    `json:"retry_max" validate:"gte=0,lte=10"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	SendTimeout   string `json:"send_timeout"`
	ThumbWidth    int    `json:"thumb_width,omitempty" validate:"gte=0"`
	ThumbHeight   int    `json:"thumb_height,omitempty" validate:"gte=0"`
}

// StorageConfig controls the delivery audit log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./streamalert.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=file sqlite none"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"omitempty,oneof=debug info warn error"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// AnnouncementConfig is a scheduled message. Exactly one of At (RFC 3339)
// or Cron must be set.
type AnnouncementConfig struct {
	Name      string  `json:"name,omitempty"`
	At        string  `json:"at,omitempty"`
	Cron      string  `json:"cron,omitempty"`
	Text      string  `json:"text" validate:"required"`
	ParseMode string  `json:"parse_mode,omitempty" validate:"omitempty,oneof=HTML Markdown MarkdownV2"`
	SendTo    []int64 `json:"send_to,omitempty"`
}
