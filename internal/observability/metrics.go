package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the Prometheus collectors exported by MARI4.
//
// A nil *Metrics is valid and records nothing, so components can take
// one optionally.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.MessageReceived("inbound")
//	metrics.RecordCompletion("gpt-5-mini", "success", time.Since(start).Seconds(), in, out)
type Metrics struct {
	// MessageCounter tracks chat messages by direction.
	// Labels: direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// CompletionDuration measures completion API latency in seconds.
	// Labels: model
	CompletionDuration *prometheus.HistogramVec

	// CompletionCounter counts completion calls.
	// Labels: model, status (success|error)
	CompletionCounter *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: model, type (prompt|completion)
	TokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|skipped)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// LoopLimitCounter counts completion cycles stopped by a ceiling.
	// Labels: limit (depth|tool_calls)
	LoopLimitCounter *prometheus.CounterVec

	// ScheduledTaskCounter counts scheduled task executions.
	// Labels: status (completed|failed)
	ScheduledTaskCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component.
	// Labels: component (agent|discord|scheduler|attachments), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions is the number of live channel sessions.
	ActiveSessions prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests to keep them isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mari4_messages_total",
				Help: "Total number of chat messages by direction",
			},
			[]string{"direction"},
		),

		CompletionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mari4_completion_duration_seconds",
				Help:    "Duration of completion API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),

		CompletionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mari4_completions_total",
				Help: "Total number of completion requests by model and status",
			},
			[]string{"model", "status"},
		),

		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mari4_tokens_total",
				Help: "Total number of tokens used by model and type",
			},
			[]string{"model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mari4_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mari4_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		LoopLimitCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mari4_loop_limits_total",
				Help: "Completion cycles stopped by a loop ceiling",
			},
			[]string{"limit"},
		),

		ScheduledTaskCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mari4_scheduled_tasks_total",
				Help: "Scheduled task executions by final status",
			},
			[]string{"status"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mari4_errors_total",
				Help: "Total number of errors by component and type",
			},
			[]string{"component", "error_type"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mari4_active_sessions",
				Help: "Number of live channel sessions",
			},
		),
	}
}

// MessageReceived increments the inbound message counter.
func (m *Metrics) MessageReceived(direction string) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues(direction).Inc()
}

// RecordCompletion records one completion request.
func (m *Metrics) RecordCompletion(model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.CompletionCounter.WithLabelValues(model, status).Inc()
	m.CompletionDuration.WithLabelValues(model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.TokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.TokensUsed.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// LoopLimitReached records a completion cycle stopped by a ceiling.
func (m *Metrics) LoopLimitReached(limit string) {
	if m == nil {
		return
	}
	m.LoopLimitCounter.WithLabelValues(limit).Inc()
}

// RecordScheduledTask records the outcome of a scheduled task.
func (m *Metrics) RecordScheduledTask(status string) {
	if m == nil {
		return
	}
	m.ScheduledTaskCounter.WithLabelValues(status).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SetActiveSessions sets the live session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}
