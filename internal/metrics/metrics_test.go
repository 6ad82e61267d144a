package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveWebhook("ok")
	m.ObserveAlert(true)
	m.ObserveSend(false)
	m.ObserveTwitch("ok", time.Second)
	m.AlarmArmed()
	m.AlarmDone()
	m.ObserveAnnouncement("cron", true)
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCountersAndHandler(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveWebhook("delivered")
	m.ObserveWebhook("delivered")
	m.ObserveAlert(false)
	m.AlarmArmed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.WebhookRequestsTotal.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlarmsPending))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `streamalert_webhook_requests_total{outcome="delivered"} 2`)
}
