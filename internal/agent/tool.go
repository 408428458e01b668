package agent

import (
	"context"

	agentctx "github.com/GitAcrown/MARI4/internal/agent/context"
	"github.com/GitAcrown/MARI4/pkg/models"
)

// Tool defines the interface for functions the model may call.
//
// Every property is required and no extra properties are accepted: the
// registry compiles Properties into a strict JSON Schema and validates
// arguments against it before Execute runs.
//
// Implementing a Tool:
//
//	func (t *Dice) Name() string        { return "roll_dice" }
//	func (t *Dice) Description() string { return "Rolls a die with the given number of sides" }
//	func (t *Dice) Properties() map[string]any {
//	    return map[string]any{
//	        "sides": map[string]any{"type": "integer", "minimum": 2},
//	    }
//	}
//	func (t *Dice) Execute(ctx context.Context, call agentctx.ToolCall, tc *ToolContext) (*ToolResult, error) {
//	    return &ToolResult{Data: map[string]any{"value": 4}}, nil
//	}
type Tool interface {
	// Name is the function name exposed to the model.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Properties is the JSON Schema property map of the arguments.
	Properties() map[string]any

	// Execute runs the tool. A returned error is reported back to the model
	// as {"error": "..."} and never aborts the completion cycle.
	Execute(ctx context.Context, call agentctx.ToolCall, tc *ToolContext) (*ToolResult, error)
}

// ToolContext gives a running tool access to its surroundings.
type ToolContext struct {
	// Session is the channel session running the tool.
	Session *Session

	// ChannelID is the channel the session belongs to.
	ChannelID string

	// Trigger is the chat message that started the completion cycle. It is
	// nil for autonomous runs.
	Trigger *models.Message
}

// ToolResult is what a tool hands back to the model.
type ToolResult struct {
	// Data is the JSON object the model receives.
	Data map[string]any

	// Header is an optional short line shown above the final reply.
	Header string

	// Metadata is attached to the resulting tool response record.
	Metadata map[string]any
}

// ToolHandler is the function signature wrapped by FuncTool.
type ToolHandler func(ctx context.Context, call agentctx.ToolCall, tc *ToolContext) (*ToolResult, error)

// FuncTool adapts a plain function into a Tool.
type FuncTool struct {
	name        string
	description string
	properties  map[string]any
	handler     ToolHandler

	// Extras carries free-form data for the owner of the tool.
	Extras map[string]any
}

// NewFuncTool creates a tool backed by handler.
func NewFuncTool(name, description string, properties map[string]any, handler ToolHandler) *FuncTool {
	if properties == nil {
		properties = map[string]any{}
	}
	return &FuncTool{
		name:        name,
		description: description,
		properties:  properties,
		handler:     handler,
		Extras:      map[string]any{},
	}
}

func (t *FuncTool) Name() string               { return t.name }
func (t *FuncTool) Description() string        { return t.description }
func (t *FuncTool) Properties() map[string]any { return t.properties }

// Execute implements Tool.
func (t *FuncTool) Execute(ctx context.Context, call agentctx.ToolCall, tc *ToolContext) (*ToolResult, error) {
	if t.handler == nil {
		return nil, ErrToolNotFound
	}
	return t.handler(ctx, call, tc)
}

// Result builds a ToolResult from data with an optional header.
func Result(data map[string]any, header string) *ToolResult {
	return &ToolResult{Data: data, Header: header}
}

// ErrorResult builds the structured error payload reported to the model.
func ErrorResult(msg string) *ToolResult {
	return &ToolResult{Data: map[string]any{"error": msg}}
}
