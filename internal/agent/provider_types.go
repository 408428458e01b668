package agent

import (
	"context"
	"io"

	agentctx "github.com/GitAcrown/MARI4/internal/agent/context"
)

// Completer is the chat completion backend driven by a Session.
//
// Implementations must be safe for concurrent use: sessions of different
// channels call Complete simultaneously.
//
// Errors should let callers tell a rejected request from a remote failure
// (see providers.ErrBadRequest and friends) and must satisfy
// errors.Is(err, ErrInvalidImage) when the request failed because of an
// unusable image URL.
type Completer interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// CompletionRequest contains all parameters for one completion call.
type CompletionRequest struct {
	// Model overrides the client's default model when set.
	Model string `json:"model,omitempty"`

	// Messages is the full payload, developer prompt first.
	Messages []agentctx.Message `json:"messages"`

	// Tools lists the functions the model may call.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// MaxTokens overrides the client's completion token limit when positive.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionResponse is the first choice of a completion.
type CompletionResponse struct {
	Content      string
	ToolCalls    []agentctx.ToolCall
	FinishReason string

	InputTokens  int
	OutputTokens int
}
