// Package observability provides logging, metrics and tracing for MARI4.
//
// # Logging
//
// NewLogger builds a log/slog logger whose handler redacts secrets
// (OpenAI keys, Discord bot tokens) and adds the correlation IDs stored
// in the context with AddRunID, AddChannelID, AddUserID, AddTaskID and
// AddToolCallID:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
//	ctx = observability.AddChannelID(ctx, "123456789")
//	logger.InfoContext(ctx, "completion finished", "tool_calls", 2)
//
// # Metrics
//
// Metrics are Prometheus collectors registered on an explicit registerer,
// exposed by the serve command on /metrics.
//
// # Tracing
//
// Tracer wraps OpenTelemetry with spans for completions, tool executions
// and scheduler ticks. Spans are exported over OTLP/gRPC when an endpoint
// is configured.
package observability
