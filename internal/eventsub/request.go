// Package eventsub authenticates and classifies Twitch EventSub webhook
// deliveries.
package eventsub

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Header names, lowercase. Lookups through Request.Header are case-insensitive.
const (
	HeaderMessageID        = "twitch-eventsub-message-id"
	HeaderMessageTimestamp = "twitch-eventsub-message-timestamp"
	HeaderMessageSignature = "twitch-eventsub-message-signature"
	HeaderSubscriptionType = "twitch-eventsub-subscription-type"
	HeaderMessageRetry     = "twitch-eventsub-message-retry"
	HeaderMessageType      = "twitch-eventsub-message-type"
)

const SignaturePrefix = "sha256="

// Request is one inbound delivery. RawBody holds the exact bytes received;
// Body is parsed from it once and BodyErr records a parse failure.
type Request struct {
	Headers map[string]string
	RawBody []byte
	Body    *Payload
	BodyErr error
}

// Payload is the subset of the notification body the relay reads.
type Payload struct {
	Challenge    *string       `json:"challenge,omitempty"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Event        *StreamEvent  `json:"event,omitempty"`
}

type Subscription struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// StreamEvent carries the stream.online event fields.
type StreamEvent struct {
	ID                   string `json:"id"`
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	BroadcasterUserName  string `json:"broadcaster_user_name"`
	Type                 string `json:"type"`
	StartedAt            string `json:"started_at"`
}

// Channel returns the login of the broadcaster, falling back to the
// lowercased display name.
func (e *StreamEvent) Channel() string {
	if e == nil {
		return ""
	}
	if login := strings.TrimSpace(e.BroadcasterUserLogin); login != "" {
		return login
	}
	return strings.ToLower(strings.TrimSpace(e.BroadcasterUserName))
}

// NewRequest builds a Request from lowercased headers and the raw body.
func NewRequest(headers map[string]string, raw []byte) Request {
	req := Request{Headers: headers, RawBody: raw}
	if len(raw) > 0 {
		var p Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			req.BodyErr = err
		} else {
			req.Body = &p
		}
	}
	return req
}

// FromHTTP flattens h into a lowercase map, keeping the first value of each key.
func FromHTTP(h http.Header, raw []byte) Request {
	headers := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		headers[strings.ToLower(k)] = v[0]
	}
	return NewRequest(headers, raw)
}

// Header returns the value of name and whether it was present.
func (r Request) Header(name string) (string, bool) {
	if r.Headers == nil {
		return "", false
	}
	if v, ok := r.Headers[name]; ok {
		return v, true
	}
	v, ok := r.Headers[strings.ToLower(name)]
	return v, ok
}

// IsEventSubRequest reports whether all three signature headers are present.
func IsEventSubRequest(headers map[string]string) bool {
	r := Request{Headers: headers}
	for _, h := range []string{HeaderMessageID, HeaderMessageTimestamp, HeaderMessageSignature} {
		if _, ok := r.Header(h); !ok {
			return false
		}
	}
	return true
}
