// Package twitch is a small Twitch Helix client: app access token via the
// client credentials flow and live stream lookup.
package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"streamalert/internal/metrics"
	logx "streamalert/pkg/logx"
)

const (
	DefaultBaseURL  = "https://api.twitch.tv/helix"
	DefaultTokenURL = "https://id.twitch.tv/oauth2/token"
)

var (
	// ErrOffline is returned by GetStream when the channel is not live.
	ErrOffline = errors.New("twitch: channel offline")
	// ErrUnauthorized means Helix rejected the app credentials.
	ErrUnauthorized = errors.New("twitch: unauthorized")
)

type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	TokenURL     string
	Timeout      time.Duration
}

// Stream is one entry of GET /helix/streams.
type Stream struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	UserName     string    `json:"user_name"`
	GameID       string    `json:"game_id"`
	GameName     string    `json:"game_name"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	ViewerCount  int       `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	Language     string    `json:"language"`
	ThumbnailURL string    `json:"thumbnail_url"`
}

type Client struct {
	http     *http.Client
	baseURL  string
	clientID string
	breaker  *gobreaker.CircuitBreaker[[]Stream]
	metrics  *metrics.Metrics
	log      logx.Logger
}

type Option func(*Client)

func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }
func WithLogger(l logx.Logger) Option       { return func(c *Client) { c.log = l } }

// New builds a client whose HTTP transport attaches and refreshes an app
// access token.
func New(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	hc := cc.Client(context.Background())
	hc.Timeout = cfg.Timeout

	c := &Client{
		http:     hc,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		clientID: cfg.ClientID,
		log:      logx.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(logx.String("comp", "twitch"))
	c.breaker = gobreaker.NewCircuitBreaker[[]Stream](gobreaker.Settings{
		Name:        "twitch-helix",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state changed", logx.String("breaker", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	return c
}

// GetStream returns the live stream of login, or ErrOffline.
func (c *Client) GetStream(ctx context.Context, login string) (Stream, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" {
		return Stream{}, errors.New("twitch: empty channel")
	}
	streams, err := c.GetStreams(ctx, login)
	if err != nil {
		return Stream{}, err
	}
	for _, s := range streams {
		if strings.EqualFold(s.UserLogin, login) && s.Type == "live" {
			return s, nil
		}
	}
	return Stream{}, ErrOffline
}

// GetStreams looks up live streams for up to 100 logins.
func (c *Client) GetStreams(ctx context.Context, logins ...string) ([]Stream, error) {
	q := url.Values{}
	for _, l := range logins {
		if l = strings.TrimSpace(l); l != "" {
			q.Add("user_login", l)
		}
	}
	if len(q) == 0 {
		return nil, nil
	}

	start := time.Now()
	streams, err := c.breaker.Execute(func() ([]Stream, error) {
		return c.fetchStreams(ctx, q)
	})
	res := "ok"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		res = "open"
	case err != nil:
		res = "error"
	}
	c.metrics.ObserveTwitch(res, time.Since(start))
	if err != nil {
		c.log.Debug("get streams failed", logx.Any("logins", logins), logx.Err(err))
		return nil, err
	}
	return streams, nil
}

func (c *Client) fetchStreams(ctx context.Context, q url.Values) ([]Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/streams?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", c.clientID)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twitch: get streams: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("twitch: get streams: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Data []Stream `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("twitch: decode streams: %w", err)
	}
	return out.Data, nil
}

// ThumbnailURLAt fills the {width}x{height} template and appends a cache
// buster so chat clients fetch a fresh frame.
func (s Stream) ThumbnailURLAt(width, height int, now time.Time) string {
	u := strings.NewReplacer("{width}", fmt.Sprint(width), "{height}", fmt.Sprint(height)).Replace(s.ThumbnailURL)
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%stime=%d", u, sep, now.UnixMilli())
}

// ChannelURL is the public page of the broadcaster.
func (s Stream) ChannelURL() string {
	return "https://www.twitch.tv/" + s.UserLogin
}
