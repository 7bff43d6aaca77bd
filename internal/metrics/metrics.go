// Package metrics holds the Prometheus instruments for the session,
// ingest and generation pipeline.
//
// Every recording method is safe to call on a nil *Metrics, so components
// can be built without instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cadence"

type Metrics struct {
	SessionsCreated *prometheus.CounterVec
	SessionsEnded   *prometheus.CounterVec
	AuthFailures    *prometheus.CounterVec

	KeystrokesIngested prometheus.Counter
	ActiveConnections  prometheus.Gauge
	Analyses           *prometheus.CounterVec
	AnalysisSeconds    prometheus.Histogram

	JobTransitions *prometheus.CounterVec
	JobSeconds     *prometheus.HistogramVec
	JobsCleaned    prometheus.Counter
}

// New registers all instruments with reg. Pass prometheus.NewRegistry() in
// tests to avoid duplicate registration against the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		SessionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Sessions admitted, labelled by whether an eviction was needed.",
		}, []string{"evicted"}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "ended_total",
			Help:      "Sessions leaving the active state, by reason.",
		}, []string{"reason"}),
		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "auth_failures_total",
			Help:      "Rejected session validations, by error code.",
		}, []string{"code"}),

		KeystrokesIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "keystrokes_total",
			Help:      "Keystroke events appended to session buffers.",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "connections_active",
			Help:      "Open keystroke WebSocket connections.",
		}),
		Analyses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "analyses_total",
			Help:      "Buffer finalizations, by outcome.",
		}, []string{"outcome"}),
		AnalysisSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "analysis_seconds",
			Help:      "Time spent analyzing a finalized buffer.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),

		JobTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "transitions_total",
			Help:      "Generation job state transitions, by target state.",
		}, []string{"state"}),
		JobSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "job_seconds",
			Help:      "Submit-to-terminal latency of generation jobs.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"state"}),
		JobsCleaned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "jobs_cleaned_total",
			Help:      "Terminal jobs removed by retention cleanup.",
		}),
	}
}

func (m *Metrics) SessionCreated(evicted bool) {
	if m == nil {
		return
	}
	label := "false"
	if evicted {
		label = "true"
	}
	m.SessionsCreated.WithLabelValues(label).Inc()
}

func (m *Metrics) SessionEnded(reason string) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(reason).Inc()
}

func (m *Metrics) AuthFailed(code string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(code).Inc()
}

func (m *Metrics) KeystrokeIngested() {
	if m == nil {
		return
	}
	m.KeystrokesIngested.Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) AnalysisDone(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Analyses.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.AnalysisSeconds.Observe(d.Seconds())
	}
}

func (m *Metrics) JobTransition(state string) {
	if m == nil {
		return
	}
	m.JobTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) JobFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobSeconds.WithLabelValues(state).Observe(d.Seconds())
}

func (m *Metrics) JobsRemoved(n int) {
	if m == nil {
		return
	}
	m.JobsCleaned.Add(float64(n))
}
