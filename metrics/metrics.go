// Package metrics exposes Prometheus collectors for transcription jobs,
// progress delivery and WebSocket connections.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "whisperwire"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	jobs              *prometheus.CounterVec
	jobDuration       prometheus.Histogram
	progressForwarded prometheus.Counter
	progressDropped   prometheus.Counter
	connections       prometheus.Gauge
	evictions         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Transcription jobs by terminal state.",
		}, []string{"state"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time spent running the transcription engine.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		progressForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_forwarded_total",
			Help:      "Progress samples delivered to a sink.",
		}),
		progressDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_dropped_total",
			Help:      "Progress samples rejected by the rate limiter or conflated away.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Currently registered WebSocket connections.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_evictions_total",
			Help:      "Connections removed from the registry, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.jobs, m.jobDuration, m.progressForwarded, m.progressDropped, m.connections, m.evictions)
	return m
}

func (m *Metrics) JobFinished(state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(state).Inc()
	m.jobDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ProgressForwarded() {
	if m == nil {
		return
	}
	m.progressForwarded.Inc()
}

func (m *Metrics) ProgressDropped() {
	if m == nil {
		return
	}
	m.progressDropped.Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed records the removal of a connection and why it happened.
func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.connections.Dec()
	m.evictions.WithLabelValues(reason).Inc()
}
