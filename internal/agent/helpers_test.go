package agent

import (
	"context"
	"sync"

	agentctx "github.com/GitAcrown/MARI4/internal/agent/context"
)

// scriptedCompleter returns its responses in order and records every
// request it receives. Once the script runs out it repeats the last step.
type scriptedCompleter struct {
	mu       sync.Mutex
	steps    []completerStep
	requests []*CompletionRequest
}

type completerStep struct {
	resp *CompletionResponse
	err  error
}

func (c *scriptedCompleter) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.steps) == 0 {
		return &CompletionResponse{Content: "ok", FinishReason: "stop"}, nil
	}
	step := c.steps[0]
	if len(c.steps) > 1 {
		c.steps = c.steps[1:]
	}
	return step.resp, step.err
}

func (c *scriptedCompleter) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func textStep(content string) completerStep {
	return completerStep{resp: &CompletionResponse{Content: content, FinishReason: "stop"}}
}

func toolStep(calls ...agentctx.ToolCall) completerStep {
	return completerStep{resp: &CompletionResponse{ToolCalls: calls, FinishReason: "tool_calls"}}
}

func errStep(err error) completerStep {
	return completerStep{err: err}
}

// echoTool returns its "text" argument.
func echoTool() *FuncTool {
	return NewFuncTool("echo", "Echoes text",
		map[string]any{"text": map[string]any{"type": "string"}},
		func(_ context.Context, call agentctx.ToolCall, _ *ToolContext) (*ToolResult, error) {
			return Result(map[string]any{"echo": call.Arguments["text"]}, ""), nil
		})
}

func newTestRegistry(t interface{ Fatalf(string, ...any) }, tools ...Tool) *ToolRegistry {
	r := NewToolRegistry()
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			t.Fatalf("Register(%s) error = %v", tool.Name(), err)
		}
	}
	return r
}
