// Package webhook serves the EventSub callback endpoint.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"streamalert/internal/eventbus"
	"streamalert/internal/eventsub"
	"streamalert/internal/metrics"
	logx "streamalert/pkg/logx"
)

// DefaultMaxBodyBytes bounds the request body read by the handler.
const DefaultMaxBodyBytes int64 = 1 << 20

const deliveryTimeout = 2 * time.Minute

type Verifier interface {
	Verify(req eventsub.Request) bool
}

// Gate admits at most one alert per cooldown window.
type Gate interface {
	Now() time.Time
	TryAcquire(now time.Time) bool
}

// Deliverer sends an alert for channel and reports whether every recipient
// got it.
type Deliverer interface {
	DeliverAlert(ctx context.Context, channel string, recipients []int64) bool
}

// Recipients returns the current alert targets. It is called per delivery so
// config reloads take effect immediately.
type Recipients func() []int64

// Outcome labels, also used as the metrics label.
const (
	OutcomeMissingHeaders = "missing_headers"
	OutcomeBadBody        = "bad_body"
	OutcomeBadSignature   = "bad_signature"
	OutcomeHandshake      = "handshake"
	OutcomeUnrecognized   = "unrecognized"
	OutcomeRetry          = "retry"
	OutcomeIgnored        = "ignored"
	OutcomeSuppressed     = "suppressed"
	OutcomeDelivered      = "delivered"
	OutcomeDeliveryFailed = "delivery_failed"
)

type response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type Handler struct {
	verifier   Verifier
	classifier *eventsub.Classifier
	gate       Gate
	deliverer  Deliverer
	recipients Recipients

	log          logx.Logger
	bus          eventbus.Bus
	metrics      *metrics.Metrics
	maxBodyBytes int64
}

type Option func(*Handler)

func WithLogger(l logx.Logger) Option { return func(h *Handler) { h.log = l } }
func WithBus(b eventbus.Bus) Option   { return func(h *Handler) { h.bus = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(h *Handler) { h.metrics = m } }

func WithClassifier(c *eventsub.Classifier) Option {
	return func(h *Handler) {
		if c != nil {
			h.classifier = c
		}
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

func New(v Verifier, g Gate, d Deliverer, recipients Recipients, opts ...Option) *Handler {
	h := &Handler{
		verifier:     v,
		classifier:   eventsub.NewClassifier(eventsub.TypeStreamOnline),
		gate:         g,
		deliverer:    d,
		recipients:   recipients,
		log:          logx.Nop(),
		bus:          eventbus.Nop{},
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, o := range opts {
		o(h)
	}
	if h.bus == nil {
		h.bus = eventbus.Nop{}
	}
	h.log = h.log.With(logx.String("comp", "webhook"))
	return h
}

// ServeHTTP handles POST deliveries.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.log
	if id := r.Header.Get(eventsub.HeaderMessageID); id != "" {
		log = log.With(logx.String("message_id", id))
	}

	// Nothing is read or hashed unless all signature headers are present.
	hdr := eventsub.FromHTTP(r.Header, nil)
	if !eventsub.IsEventSubRequest(hdr.Headers) {
		h.observe(OutcomeMissingHeaders)
		writeStatus(w, http.StatusBadRequest)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		status := http.StatusBadRequest
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		log.Warn("read body failed", logx.Err(err))
		h.observe(OutcomeBadBody)
		writeStatus(w, status)
		return
	}

	req := eventsub.NewRequest(hdr.Headers, raw)
	if !h.verifier.Verify(req) {
		log.Warn("signature verification failed", logx.String("remote", r.RemoteAddr))
		h.observe(OutcomeBadSignature)
		h.bus.Publish(eventbus.Event{Type: eventbus.TypeWebhookRejected, Data: OutcomeBadSignature})
		writeStatus(w, http.StatusForbidden)
		return
	}

	c := h.classifier.Classify(req)
	switch c.Kind {
	case eventsub.KindHandshake:
		log.Info("subscription handshake", logx.String("subscription", subscriptionType(req)))
		h.observe(OutcomeHandshake)
		h.bus.Publish(eventbus.Event{Type: eventbus.TypeWebhookHandshake, Data: subscriptionType(req)})
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, c.Challenge)

	case eventsub.KindUnrecognized:
		log.Warn("event type not handled", logx.String("type", c.EventType), logx.Bool("body_ok", req.BodyErr == nil))
		h.observe(OutcomeUnrecognized)
		writeJSON(w, http.StatusBadRequest, response{Success: false, Error: "Type not found."})

	case eventsub.KindRetry:
		log.Debug("retried delivery ignored", logx.Int("retry", c.Retry))
		h.observe(OutcomeRetry)
		writeJSON(w, http.StatusOK, response{Success: true})

	case eventsub.KindRecognized:
		if c.EventType != eventsub.TypeStreamOnline {
			// Subscribed but not an alert trigger; acknowledge so Twitch stops retrying.
			log.Debug("event acknowledged without alert", logx.String("type", c.EventType))
			h.observe(OutcomeIgnored)
			writeJSON(w, http.StatusOK, response{Success: true})
			return
		}
		h.handleEvent(w, r, log, c)
	}
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request, log logx.Logger, c eventsub.Classification) {
	var channel string
	if c.Payload != nil {
		channel = c.Payload.Event.Channel()
	}
	log = log.With(logx.String("type", c.EventType), logx.String("channel", channel))

	if !h.gate.TryAcquire(h.gate.Now()) {
		log.Info("alert suppressed inside cooldown")
		h.observe(OutcomeSuppressed)
		h.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertSuppressed, Data: eventbus.AlertData{Channel: channel, Reason: "cooldown"}})
		writeJSON(w, http.StatusOK, response{Success: true})
		return
	}

	var recipients []int64
	if h.recipients != nil {
		recipients = h.recipients()
	}
	// Delivery outlives a caller that hangs up; the gate stays recorded
	// even if it fails.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), deliveryTimeout)
	defer cancel()
	if channel == "" || !h.deliverer.DeliverAlert(ctx, channel, recipients) {
		log.Error("alert delivery failed")
		h.observe(OutcomeDeliveryFailed)
		writeJSON(w, http.StatusInternalServerError, response{Success: false, Error: "Error."})
		return
	}
	h.observe(OutcomeDelivered)
	writeJSON(w, http.StatusOK, response{Success: true})
}

// Forbidden answers GET / and anything else that is not a delivery.
func Forbidden(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusForbidden)
}

func (h *Handler) observe(outcome string) {
	h.metrics.ObserveWebhook(outcome)
}

func subscriptionType(req eventsub.Request) string {
	if v, ok := req.Header(eventsub.HeaderSubscriptionType); ok {
		return v
	}
	if req.Body != nil && req.Body.Subscription != nil {
		return req.Body.Subscription.Type
	}
	return ""
}

func writeStatus(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, http.StatusText(status))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
