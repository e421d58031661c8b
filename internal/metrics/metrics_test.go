// ABOUTME: Tests for the Prometheus collectors
// ABOUTME: Checks nil safety, counter updates and exposition output

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.StreamStarted()
		m.StreamFinished(OutcomeCompleted, time.Second)
		m.FrameWritten()
		m.DeltaDropped()
		m.ClientDisconnected()
		m.PersistFailed()
		m.SendConflict()
		m.RateLimited()
		m.ObserveHTTP("/x", 200, time.Millisecond)
		m.GaugeFunc("x", "y", func() float64 { return 1 })
	})
}

func TestStreamCounters(t *testing.T) {
	m := New()

	m.StreamStarted()
	m.StreamStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.streamsActive))

	m.StreamFinished(OutcomeCompleted, 100*time.Millisecond)
	m.StreamFinished(OutcomeTimeout, time.Second)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.streamsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues(OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues(OutcomeTimeout)))

	m.DeltaDropped()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.droppedDeltas))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.FrameWritten()
	m.ObserveHTTP("/api/conversations", http.StatusOK, 5*time.Millisecond)
	m.GaugeFunc("watch_subscribers", "Open watch streams.", func() float64 { return 3 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "coven_chat_frames_written_total 1")
	assert.Contains(t, body, `coven_chat_http_requests_total{code="200",route="/api/conversations"} 1`)
	assert.Contains(t, body, "coven_chat_watch_subscribers 3")
	assert.Contains(t, body, "go_goroutines")
}
