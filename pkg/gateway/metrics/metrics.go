// Package metrics holds the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	UpstreamConnects *prometheus.CounterVec
	EventsRelayed    *prometheus.CounterVec
	AudioBytesTotal  *prometheus.CounterVec

	DirectivesTotal *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	RateLimitHits   *prometheus.CounterVec
}

// New creates a Metrics instance with everything registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tutorgw"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active tutoring sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of tutoring sessions",
		},
		[]string{"status"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Tutoring session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	upstreamConnects := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connects_total",
			Help:      "Upstream connection attempts",
		},
		[]string{"kind", "status"}, // kind: initial|reconnect
	)

	eventsRelayed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_relayed_total",
			Help:      "Normalized upstream events handled",
		},
		[]string{"event"},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes relayed through the gateway",
		},
		[]string{"direction"}, // inbound|outbound
	)

	directivesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directives_total",
			Help:      "Model directives extracted and executed",
		},
		[]string{"kind", "status"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by component and type",
		},
		[]string{"component", "error_type"},
	)

	rateLimitHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Inbound audio rate limit hits",
		},
		[]string{"limit_type"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		upstreamConnects,
		eventsRelayed,
		audioBytesTotal,
		directivesTotal,
		errorsTotal,
		rateLimitHits,
	)

	return &Metrics{
		registry:         registry,
		SessionsActive:   sessionsActive,
		SessionsTotal:    sessionsTotal,
		SessionDuration:  sessionDuration,
		UpstreamConnects: upstreamConnects,
		EventsRelayed:    eventsRelayed,
		AudioBytesTotal:  audioBytesTotal,
		DirectivesTotal:  directivesTotal,
		ErrorsTotal:      errorsTotal,
		RateLimitHits:    rateLimitHits,
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) UpstreamConnect(kind string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.UpstreamConnects.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) EventRelayed(event string) {
	if m == nil {
		return
	}
	m.EventsRelayed.WithLabelValues(event).Inc()
}

func (m *Metrics) AudioBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) DirectiveExecuted(kind string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.DirectivesTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) Error(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

func (m *Metrics) RateLimited(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(limitType).Inc()
}
