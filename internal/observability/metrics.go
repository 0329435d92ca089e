// Package observability provides structured logging and Prometheus metrics
// for the commerce agent service.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects service-level metrics: turn outcomes, model and tool
// latency, pending-action lifecycle, and rate limiting. A nil *Metrics is
// valid and records nothing, so packages can take metrics optionally.
type Metrics struct {
	// TurnCounter counts completed turns.
	// Labels: stop_reason (stop|confirmation_required|round_budget_exhausted|tool_budget_exhausted|error)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures whole-turn latency in seconds.
	TurnDuration prometheus.Histogram

	// ModelRequestCounter counts model invocations.
	// Labels: provider, status (success|error)
	ModelRequestCounter *prometheus.CounterVec

	// ToolCallCounter counts remote tool invocations.
	// Labels: tool, status (success|error)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool call latency in seconds.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// PendingActionCounter counts pending-action transitions.
	// Labels: event (created|consumed|cancelled|replayed)
	PendingActionCounter *prometheus.CounterVec

	// RateLimitRejections counts requests rejected by the rate limiter.
	RateLimitRejections prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
// Pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shopagent_turns_total",
			Help: "Completed conversation turns by stop reason.",
		}, []string{"stop_reason"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "shopagent_turn_duration_seconds",
			Help:    "Whole-turn latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		ModelRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shopagent_model_requests_total",
			Help: "Language model invocations.",
		}, []string{"provider", "status"}),
		ToolCallCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shopagent_tool_calls_total",
			Help: "Remote tool invocations.",
		}, []string{"tool", "status"}),
		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shopagent_tool_call_duration_seconds",
			Help:    "Remote tool call latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),
		PendingActionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shopagent_pending_actions_total",
			Help: "Pending-action lifecycle events.",
		}, []string{"event"}),
		RateLimitRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "shopagent_rate_limit_rejections_total",
			Help: "Turns rejected by the rate limiter.",
		}),
	}
}

// ObserveTurn records a completed turn.
func (m *Metrics) ObserveTurn(stopReason string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(stopReason).Inc()
	m.TurnDuration.Observe(d.Seconds())
}

// ObserveModelRequest records one model invocation.
func (m *Metrics) ObserveModelRequest(provider string, err error) {
	if m == nil {
		return
	}
	m.ModelRequestCounter.WithLabelValues(provider, statusLabel(err)).Inc()
}

// ObserveToolCall records one remote tool invocation.
func (m *Metrics) ObserveToolCall(tool string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ToolCallCounter.WithLabelValues(tool, statusLabel(err)).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObservePendingAction records a pending-action lifecycle event.
func (m *Metrics) ObservePendingAction(event string) {
	if m == nil {
		return
	}
	m.PendingActionCounter.WithLabelValues(event).Inc()
}

// ObserveRateLimitRejection records one rejected turn.
func (m *Metrics) ObserveRateLimitRejection() {
	if m == nil {
		return
	}
	m.RateLimitRejections.Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
