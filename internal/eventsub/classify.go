package eventsub

import (
	"strconv"
	"strings"
)

type Kind int

const (
	KindUnrecognized Kind = iota
	KindHandshake
	KindRetry
	KindRecognized
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindRetry:
		return "retry"
	case KindRecognized:
		return "recognized"
	default:
		return "unrecognized"
	}
}

// Classification is the outcome of Classify. Challenge is set for
// handshakes, EventType and Payload for recognized events.
type Classification struct {
	Kind      Kind
	Challenge string
	EventType string
	Retry     int
	Payload   *Payload
}

const TypeStreamOnline = "stream.online"

// Classifier decides what an authenticated request is. The zero value
// recognizes stream.online only.
type Classifier struct {
	types map[string]struct{}
}

func NewClassifier(types ...string) *Classifier {
	c := &Classifier{types: make(map[string]struct{}, len(types))}
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t != "" {
			c.types[t] = struct{}{}
		}
	}
	return c
}

func (c *Classifier) recognized(t string) bool {
	if c == nil || len(c.types) == 0 {
		return t == TypeStreamOnline
	}
	_, ok := c.types[t]
	return ok
}

// Classify checks, in order: non-empty challenge, subscription type, retry count.
func (c *Classifier) Classify(req Request) Classification {
	if req.Body != nil && req.Body.Challenge != nil && *req.Body.Challenge != "" {
		return Classification{Kind: KindHandshake, Challenge: *req.Body.Challenge, Payload: req.Body}
	}

	typ, _ := req.Header(HeaderSubscriptionType)
	if req.Body == nil || !c.recognized(typ) {
		return Classification{Kind: KindUnrecognized, EventType: typ, Payload: req.Body}
	}

	if n := retryCount(req); n > 0 {
		return Classification{Kind: KindRetry, EventType: typ, Retry: n, Payload: req.Body}
	}
	return Classification{Kind: KindRecognized, EventType: typ, Payload: req.Body}
}

// retryCount returns 0 for an absent or non-numeric header.
func retryCount(req Request) int {
	v, ok := req.Header(HeaderMessageRetry)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}
