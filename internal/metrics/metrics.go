// Package metrics exposes Prometheus instrumentation for analysis sessions.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "petri"

type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	activeSessions   prometheus.Gauge
	queuedSessions   prometheus.Gauge
	events           *prometheus.CounterVec
	droppedLines     *prometheus.CounterVec
	degradedSources  *prometheus.CounterVec
	evasionAttempts  *prometheus.CounterVec
	threatScore      prometheus.Histogram
	provisionRetries prometheus.Counter
	cleanupFailures  prometheus.Counter
	reservedMemoryMB prometheus.Gauge
	bulkheadWait     prometheus.Histogram
	rejectedSessions prometheus.Counter
}

// New registers all collectors on a fresh registry, so several instances can
// coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		sessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Analysis sessions admitted past the bulkhead.",
		}),
		sessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Analysis sessions by terminal state.",
		}, []string{"state"}),
		sessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall time from provisioning to release.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 900},
		}, []string{"state"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently holding a bulkhead slot.",
		}),
		queuedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_sessions",
			Help:      "Sessions waiting for a bulkhead slot.",
		}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Normalized behavioral events.",
		}, []string{"category", "severity"}),
		droppedLines: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_lines_dropped_total",
			Help:      "Tracer lines dropped because the flush deadline passed.",
		}, []string{"source"}),
		degradedSources: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitoring_degraded_total",
			Help:      "Trace sources that failed or produced nothing.",
		}, []string{"source"}),
		evasionAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evasion_attempts_total",
			Help:      "Detected anti-analysis attempts.",
		}, []string{"technique", "blocked"}),
		threatScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "threat_score",
			Help:      "Threat scores of finished sessions.",
			Buckets:   []float64{10, 30, 50, 70, 90, 100},
		}),
		provisionRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisioning_retries_total",
			Help:      "Retried container provisioning attempts.",
		}),
		cleanupFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_failures_total",
			Help:      "Container teardowns handed to the background reaper.",
		}),
		reservedMemoryMB: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reserved_memory_megabytes",
			Help:      "Memory reserved by running sessions.",
		}),
		bulkheadWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bulkhead_wait_seconds",
			Help:      "Time sessions spent queued for host capacity.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		rejectedSessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Sessions refused because the host was at capacity.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionQueued() {
	if m == nil {
		return
	}
	m.queuedSessions.Inc()
}

func (m *Metrics) SessionDequeued() {
	if m == nil {
		return
	}
	m.queuedSessions.Dec()
}

func (m *Metrics) SessionStarted(memoryMB int) {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
	m.activeSessions.Inc()
	m.reservedMemoryMB.Add(float64(memoryMB))
}

func (m *Metrics) SessionFinished(state string, memoryMB int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	m.reservedMemoryMB.Sub(float64(memoryMB))
	m.sessionsFinished.WithLabelValues(state).Inc()
	m.sessionDuration.WithLabelValues(state).Observe(elapsed.Seconds())
}

func (m *Metrics) Event(category, severity string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(category, severity).Inc()
}

func (m *Metrics) LineDropped(source string) {
	if m == nil {
		return
	}
	m.droppedLines.WithLabelValues(source).Inc()
}

func (m *Metrics) SourceDegraded(source string) {
	if m == nil {
		return
	}
	m.degradedSources.WithLabelValues(source).Inc()
}

func (m *Metrics) EvasionAttempt(technique string, blocked bool) {
	if m == nil {
		return
	}
	m.evasionAttempts.WithLabelValues(technique, strconv.FormatBool(blocked)).Inc()
}

func (m *Metrics) ThreatScore(score float64) {
	if m == nil {
		return
	}
	m.threatScore.Observe(score)
}

func (m *Metrics) ProvisioningRetry() {
	if m == nil {
		return
	}
	m.provisionRetries.Inc()
}

func (m *Metrics) CleanupFailure() {
	if m == nil {
		return
	}
	m.cleanupFailures.Inc()
}

func (m *Metrics) BulkheadWait(d time.Duration) {
	if m == nil {
		return
	}
	m.bulkheadWait.Observe(d.Seconds())
}

func (m *Metrics) SessionRejected() {
	if m == nil {
		return
	}
	m.rejectedSessions.Inc()
}
