package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	agentctx "github.com/GitAcrown/MARI4/internal/agent/context"
	"github.com/GitAcrown/MARI4/internal/observability"
)

// ToolExecConfig configures tool execution.
type ToolExecConfig struct {
	// PerToolTimeout is the timeout for individual tool executions.
	// Default: 60 seconds.
	PerToolTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// DefaultToolExecConfig returns the default tool execution settings.
func DefaultToolExecConfig() ToolExecConfig {
	return ToolExecConfig{
		PerToolTimeout: 60 * time.Second,
	}
}

// ToolExecutor runs tool calls against a registry, one at a time.
type ToolExecutor struct {
	registry *ToolRegistry
	config   ToolExecConfig
	logger   *slog.Logger
}

// NewToolExecutor creates a new tool executor with the given registry and configuration.
// Default values are applied if config fields are zero.
func NewToolExecutor(registry *ToolRegistry, config ToolExecConfig) *ToolExecutor {
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = 60 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "tools")
	}
	return &ToolExecutor{
		registry: registry,
		config:   config,
		logger:   logger,
	}
}

// Execute runs one tool call and returns its response record. It returns
// nil when the tool is unknown; the call is then skipped without a
// response. Tool failures never surface as errors: they become a
// response carrying {"error": "..."}.
func (e *ToolExecutor) Execute(ctx context.Context, call agentctx.ToolCall, tc *ToolContext, now time.Time) *agentctx.ToolResponseRecord {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		e.logger.WarnContext(ctx, "tool not found, skipping call", "tool", call.Name, "tool_call_id", call.ID)
		e.config.Metrics.RecordToolExecution(call.Name, "skipped", 0)
		return nil
	}

	ctx = observability.AddToolCallID(ctx, call.ID)
	ctx, span := e.config.Tracer.TraceToolExecution(ctx, call.Name)
	defer span.End()

	start := time.Now()
	result, err := e.run(ctx, tool, call, tc)
	duration := time.Since(start).Seconds()

	if err != nil {
		toolErr := NewToolError(call.Name, err).WithToolCallID(call.ID)
		e.logger.ErrorContext(ctx, "tool execution failed",
			"tool", call.Name,
			"type", toolErr.Type,
			"error", err,
		)
		e.config.Tracer.RecordError(span, toolErr)
		e.config.Metrics.RecordToolExecution(call.Name, "error", duration)
		return agentctx.NewToolResponseRecord(call.ID, map[string]any{"error": toolErr.Message}, now)
	}

	e.config.Metrics.RecordToolExecution(call.Name, "success", duration)
	return responseRecord(call.ID, result, now)
}

func (e *ToolExecutor) run(ctx context.Context, tool Tool, call agentctx.ToolCall, tc *ToolContext) (*ToolResult, error) {
	if err := e.registry.ValidateArguments(call.Name, call.Arguments); err != nil {
		return nil, err
	}

	toolCtx, cancel := context.WithTimeout(ctx, e.config.PerToolTimeout)
	defer cancel()
	return e.executeWithTimeout(toolCtx, tool, call, tc)
}

// executeWithTimeout executes a single tool call with timeout and panic handling.
func (e *ToolExecutor) executeWithTimeout(ctx context.Context, tool Tool, call agentctx.ToolCall, tc *ToolContext) (*ToolResult, error) {
	type execResult struct {
		result *ToolResult
		err    error
	}

	resultChan := make(chan execResult, 1)

	go func() {
		var res execResult
		defer func() {
			if r := recover(); r != nil {
				res = execResult{err: fmt.Errorf("%w: %v", ErrToolPanic, r)}
			}
			select {
			case resultChan <- res:
			default:
			}
		}()
		res.result, res.err = tool.Execute(ctx, call.Clone(), tc)
		if ctx.Err() != nil {
			e.logger.Warn("tool execution completed after timeout, result discarded",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"run_id", observability.GetRunID(ctx),
			)
		}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %v", ErrToolTimeout, e.config.PerToolTimeout)
		}
		return nil, ctx.Err()
	case res := <-resultChan:
		return res.result, res.err
	}
}

func responseRecord(callID string, result *ToolResult, now time.Time) *agentctx.ToolResponseRecord {
	data := map[string]any{}
	if result != nil && result.Data != nil {
		data = result.Data
	}
	rec := agentctx.NewToolResponseRecord(callID, data, now)
	if result == nil {
		return rec
	}
	for k, v := range result.Metadata {
		rec.Metadata[k] = v
	}
	if result.Header != "" {
		rec.Metadata["header"] = result.Header
	}
	return rec
}
