// Package metrics provides Prometheus metrics for the work manager.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Discard reasons.
const (
	ReasonProjectNotFound = "project_not_found"
	ReasonProjectInactive = "project_inactive"
)

// Metrics holds all Prometheus metrics for the scheduler.
type Metrics struct {
	TriggersTotal     *prometheus.CounterVec
	DiscardedTotal    *prometheus.CounterVec
	SessionsTotal     *prometheus.CounterVec
	SessionDuration   prometheus.Histogram
	QueueDepth        prometheus.Gauge
	ActiveSessions    prometheus.Gauge
	PollErrorsTotal   prometheus.Counter
	NotifyErrorsTotal prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TriggersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "awm_triggers_total",
				Help: "Total work triggers received by source.",
			},
			[]string{"source"},
		),
		DiscardedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "awm_triggers_discarded_total",
				Help: "Triggers dropped at admission by reason.",
			},
			[]string{"reason"},
		),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "awm_sessions_total",
				Help: "Work sessions that reached a terminal state, by status.",
			},
			[]string{"status"},
		),
		SessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "awm_session_duration_seconds",
				Help:    "Wall time from admission to terminal state.",
				Buckets: []float64{1, 5, 30, 60, 300, 600, 1800, 3600, 7200},
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "awm_queue_depth",
				Help: "Triggers waiting in the work queue.",
			},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "awm_active_sessions",
				Help: "Sessions currently counted against the concurrency cap.",
			},
		),
		PollErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "awm_executor_poll_errors_total",
				Help: "Failed executor history polls.",
			},
		),
		NotifyErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "awm_notify_errors_total",
				Help: "Failed outcome notifications.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.TriggersTotal)
	reg.MustRegister(m.DiscardedTotal)
	reg.MustRegister(m.SessionsTotal)
	reg.MustRegister(m.SessionDuration)
	reg.MustRegister(m.QueueDepth)
	reg.MustRegister(m.ActiveSessions)
	reg.MustRegister(m.PollErrorsTotal)
	reg.MustRegister(m.NotifyErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry (for testing).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordTrigger counts a received trigger.
func (m *Metrics) RecordTrigger(source string) {
	m.TriggersTotal.WithLabelValues(source).Inc()
}

// RecordDiscard counts a trigger dropped at admission.
func (m *Metrics) RecordDiscard(reason string) {
	m.DiscardedTotal.WithLabelValues(reason).Inc()
}

// RecordSession counts a terminal session and observes its duration.
func (m *Metrics) RecordSession(status string, seconds float64) {
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(seconds)
}

// SetQueueDepth sets the queue gauge.
func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

// RecordPollError counts a failed history poll.
func (m *Metrics) RecordPollError() {
	m.PollErrorsTotal.Inc()
}

// RecordNotifyError counts a failed notification.
func (m *Metrics) RecordNotifyError() {
	m.NotifyErrorsTotal.Inc()
}
