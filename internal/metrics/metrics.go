// Package metrics exposes Prometheus collectors for the relay.
//
// All methods are safe on a nil *Metrics, so components can be built
// without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamalert"

type Metrics struct {
	registry *prometheus.Registry

	WebhookRequestsTotal *prometheus.CounterVec
	AlertsTotal          *prometheus.CounterVec
	AlertSendsTotal      *prometheus.CounterVec
	TwitchRequestsTotal  *prometheus.CounterVec
	TwitchRequestSeconds prometheus.Histogram
	AlarmsPending        prometheus.Gauge
	AnnouncementsTotal   *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry, including
// the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		WebhookRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_requests_total",
				Help:      "Webhook requests by outcome",
			},
			[]string{"outcome"},
		),
		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Alert deliveries by result",
			},
			[]string{"result"},
		),
		AlertSendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alert_sends_total",
				Help:      "Per-recipient alert sends by result",
			},
			[]string{"result"},
		),
		TwitchRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "twitch_requests_total",
				Help:      "Twitch Helix requests by result",
			},
			[]string{"result"},
		),
		TwitchRequestSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "twitch_request_duration_seconds",
				Help:      "Twitch Helix request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		AlarmsPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "alarms_pending",
				Help:      "Scheduled one-shot announcements not yet fired",
			},
		),
		AnnouncementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "announcements_total",
				Help:      "Scheduled announcements by kind and result",
			},
			[]string{"kind", "result"},
		),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.WebhookRequestsTotal,
		m.AlertsTotal,
		m.AlertSendsTotal,
		m.TwitchRequestsTotal,
		m.TwitchRequestSeconds,
		m.AlarmsPending,
		m.AnnouncementsTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveWebhook(outcome string) {
	if m == nil {
		return
	}
	m.WebhookRequestsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAlert(ok bool) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) ObserveSend(ok bool) {
	if m == nil {
		return
	}
	m.AlertSendsTotal.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) ObserveTwitch(res string, d time.Duration) {
	if m == nil {
		return
	}
	m.TwitchRequestsTotal.WithLabelValues(res).Inc()
	m.TwitchRequestSeconds.Observe(d.Seconds())
}

func (m *Metrics) AlarmArmed() {
	if m == nil {
		return
	}
	m.AlarmsPending.Inc()
}

func (m *Metrics) AlarmDone() {
	if m == nil {
		return
	}
	m.AlarmsPending.Dec()
}

func (m *Metrics) ObserveAnnouncement(kind string, ok bool) {
	if m == nil {
		return
	}
	m.AnnouncementsTotal.WithLabelValues(kind, result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
