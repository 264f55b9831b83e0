// Package metrics provides Prometheus metrics for the workbench
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Turn metrics
	TurnsTotal     *prometheus.CounterVec
	TurnDuration   *prometheus.HistogramVec
	ActiveRequests prometheus.Gauge
	Conflicts      prometheus.Counter

	// Context metrics
	ContextTokens     prometheus.Histogram
	TruncatedMessages prometheus.Counter
	BudgetExceeded    prometheus.Counter

	// Command metrics
	CommandsTotal *prometheus.CounterVec

	// Sweeper metrics
	SweptMessages prometheus.Counter
}

// New creates all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{Registry: reg}

	m.TurnsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_turns_total",
			Help: "Total number of model turns by terminal status",
		},
		[]string{"status"},
	)

	m.TurnDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workbench_turn_duration_seconds",
			Help:    "Duration of model turns in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	m.ActiveRequests = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "workbench_active_requests",
			Help: "Number of in-flight model requests",
		},
	)

	m.Conflicts = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "workbench_request_conflicts_total",
			Help: "Turns rejected because the conversation already had an active request",
		},
	)

	m.ContextTokens = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "workbench_context_tokens",
			Help:    "Estimated tokens of each context window sent to the model",
			Buckets: prometheus.ExponentialBuckets(64, 2, 12),
		},
	)

	m.TruncatedMessages = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "workbench_context_truncated_messages_total",
			Help: "History messages dropped to fit the token budget",
		},
	)

	m.BudgetExceeded = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "workbench_context_budget_exceeded_total",
			Help: "Context windows still over budget after truncation",
		},
	)

	m.CommandsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_commands_total",
			Help: "Slash commands executed by name",
		},
		[]string{"command"},
	)

	m.SweptMessages = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "workbench_swept_messages_total",
			Help: "Orphaned pending messages finalized by the sweeper",
		},
	)

	return m
}

// RequestStarted marks a model request as in flight.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.ActiveRequests.Inc()
}

// TurnFinished records a terminal outcome and releases the in-flight gauge.
func (m *Metrics) TurnFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ActiveRequests.Dec()
	m.TurnsTotal.WithLabelValues(status).Inc()
	m.TurnDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// Conflict records a rejected acquire.
func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

// ContextBuilt records the shape of a context window.
func (m *Metrics) ContextBuilt(totalTokens, truncated int, exceeded bool) {
	if m == nil {
		return
	}
	m.ContextTokens.Observe(float64(totalTokens))
	m.TruncatedMessages.Add(float64(truncated))
	if exceeded {
		m.BudgetExceeded.Inc()
	}
}

// CommandExecuted counts one slash command.
func (m *Metrics) CommandExecuted(name string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(name).Inc()
}

// Swept counts finalized orphans.
func (m *Metrics) Swept(n int) {
	if m == nil {
		return
	}
	m.SweptMessages.Add(float64(n))
}
