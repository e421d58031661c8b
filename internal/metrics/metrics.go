// ABOUTME: Prometheus collectors for streams, persistence and the HTTP surface
// ABOUTME: A nil *Metrics is valid and records nothing, so tests can skip wiring it

package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_chat"

// Run outcomes used as the "outcome" label.
const (
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "generation_failure"
	OutcomeTimeout     = "timeout"
	OutcomePersistFail = "persist_failure"
)

// Metrics owns a private registry so multiple servers in one process (tests)
// never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	streamsActive   prometheus.Gauge
	runs            *prometheus.CounterVec
	runDuration     prometheus.Histogram
	frames          prometheus.Counter
	droppedDeltas   prometheus.Counter
	disconnects     prometheus.Counter
	persistFailures prometheus.Counter
	sendConflicts   prometheus.Counter
	rateLimited     prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of reply streams currently running.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Send operations by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time from generation start to persistence of the reply.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_written_total",
			Help:      "Stream frames written to clients.",
		}),
		droppedDeltas: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_deltas_total",
			Help:      "Generator deltas that referenced no open message.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_disconnects_total",
			Help:      "Streams whose client went away before the sentinel.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Reply batches that could not be stored.",
		}),
		sendConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_conflicts_total",
			Help:      "Sends rejected because the conversation was busy or the sequence was taken.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-principal limiter.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route. Streaming routes include stream time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.streamsActive,
		m.runs,
		m.runDuration,
		m.frames,
		m.droppedDeltas,
		m.disconnects,
		m.persistFailures,
		m.sendConflicts,
		m.rateLimited,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heap_alloc_bytes",
			Help:      "Current heap allocation in bytes.",
		}, func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.HeapAlloc)
		}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// StreamStarted marks a reply stream as running.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.streamsActive.Inc()
}

// StreamFinished records how a run ended and how long it took.
func (m *Metrics) StreamFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.streamsActive.Dec()
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(d.Seconds())
}

// FrameWritten counts one frame delivered to a client.
func (m *Metrics) FrameWritten() {
	if m == nil {
		return
	}
	m.frames.Inc()
}

// DeltaDropped counts a generator delta with no open message.
func (m *Metrics) DeltaDropped() {
	if m == nil {
		return
	}
	m.droppedDeltas.Inc()
}

// ClientDisconnected counts a stream that lost its client.
func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.disconnects.Inc()
}

// PersistFailed counts a reply batch that could not be stored.
func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

// SendConflict counts a rejected concurrent or out-of-order send.
func (m *Metrics) SendConflict() {
	if m == nil {
		return
	}
	m.sendConflicts.Inc()
}

// RateLimited counts a request refused by the limiter.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// ObserveHTTP records one finished HTTP request.
func (m *Metrics) ObserveHTTP(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
