package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/GitAcrown/MARI4/internal/agent"
	agentctx "github.com/GitAcrown/MARI4/internal/agent/context"
)

const (
	// DefaultModel is the default completion model.
	DefaultModel = "gpt-5-mini"

	// DefaultTranscriptionModel is the default speech-to-text model.
	DefaultTranscriptionModel = "gpt-4o-transcribe"

	// DefaultMaxCompletionTokens caps each completion.
	DefaultMaxCompletionTokens = 1000

	// DefaultReasoningEffort keeps replies fast on reasoning models.
	DefaultReasoningEffort = "low"
)

// OpenAIConfig configures the OpenAI client.
type OpenAIConfig struct {
	// APIKey authenticates requests. Required.
	APIKey string

	// BaseURL overrides the API endpoint (tests, proxies).
	BaseURL string

	// Model is the completion model. Default: gpt-5-mini.
	Model string

	// TranscriptionModel is the audio model. Default: gpt-4o-transcribe.
	TranscriptionModel string

	// MaxCompletionTokens caps each completion. Default: 1000.
	MaxCompletionTokens int

	// ReasoningEffort is sent to reasoning models. Default: low.
	ReasoningEffort string

	// MaxRetries and RetryDelay drive the exponential backoff on rate limits
	// and server errors. Defaults: 3 and 1s.
	MaxRetries int
	RetryDelay time.Duration

	// HTTPClient overrides the transport.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// OpenAIClient issues chat completions and transcriptions. It is safe for
// concurrent use.
//
// Errors are *CompletionError values matching ErrBadRequest, ErrAPI or
// ErrUnexpected, and agent.ErrInvalidImage when an image URL was refused.
type OpenAIClient struct {
	retryPolicy
	client *openai.Client
	config OpenAIConfig
	logger *slog.Logger
}

var (
	_ agent.Completer   = (*OpenAIClient)(nil)
	_ agent.Transcriber = (*OpenAIClient)(nil)
)

// NewOpenAIClient creates a client from config.
func NewOpenAIClient(config OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.TranscriptionModel == "" {
		config.TranscriptionModel = DefaultTranscriptionModel
	}
	if config.MaxCompletionTokens <= 0 {
		config.MaxCompletionTokens = DefaultMaxCompletionTokens
	}
	if config.ReasoningEffort == "" {
		config.ReasoningEffort = DefaultReasoningEffort
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "openai")
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}
	if config.HTTPClient != nil {
		clientConfig.HTTPClient = config.HTTPClient
	}

	return &OpenAIClient{
		retryPolicy: newRetryPolicy(config.MaxRetries, config.RetryDelay),
		client:       openai.NewClientWithConfig(clientConfig),
		config:       config,
		logger:       logger,
	}, nil
}

// Model returns the default completion model.
func (c *OpenAIClient) Model() string { return c.config.Model }

// Complete sends one chat completion request and returns the first choice.
// Rate limits and server errors are retried with exponential backoff.
func (c *OpenAIClient) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.config.MaxCompletionTokens
	}

	chatReq := openai.ChatCompletionRequest{
		Model:               model,
		Messages:            convertMessages(req.Messages),
		MaxCompletionTokens: maxTokens,
		ReasoningEffort:     c.config.ReasoningEffort,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
		chatReq.ParallelToolCalls = true
	}

	var resp openai.ChatCompletionResponse
	err := c.Retry(ctx, IsRetryable, func() error {
		var callErr error
		resp, callErr = c.client.CreateChatCompletion(ctx, chatReq)
		if callErr != nil {
			wrapped := wrapError("completion", model, callErr)
			c.logger.WarnContext(ctx, "completion request failed",
				"model", model,
				"reason", wrapped.Reason,
				"status", wrapped.Status,
				"error", wrapped.Message,
			)
			return wrapped
		}
		return nil
	})
	if err != nil {
		return nil, wrapError("completion", model, err)
	}

	if len(resp.Choices) == 0 {
		return nil, &CompletionError{
			Kind:   ErrUnexpected,
			Reason: FailoverUnknown,
			Op:     "completion",
			Model:  model,
			Cause:  agent.ErrEmptyResponse,
		}
	}

	choice := resp.Choices[0]
	out := &agent.CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				c.logger.WarnContext(ctx, "tool call arguments are not a JSON object",
					"tool", tc.Function.Name,
					"tool_call_id", tc.ID,
					"error", err,
				)
				args = map[string]any{}
			}
		}
		out.ToolCalls = append(out.ToolCalls, agentctx.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

// Transcribe converts audio to text. The reader is consumed once, so
// transcriptions are not retried.
func (c *OpenAIClient) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.config.TranscriptionModel,
		FilePath: filename,
		Reader:   audio,
	})
	if err != nil {
		return "", wrapError("transcription", c.config.TranscriptionModel, err)
	}
	return resp.Text, nil
}

func convertMessages(messages []agentctx.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		oaiMsg := openai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Name:       sanitizeName(msg.Name),
			ToolCallID: msg.ToolCallID,
		}
		if msg.Role == agentctx.RoleTool {
			oaiMsg.Name = ""
		}

		switch content := msg.Content.(type) {
		case string:
			oaiMsg.Content = content
		case []agentctx.Part:
			if msg.Role == agentctx.RoleDeveloper {
				oaiMsg.Content = joinText(content)
				break
			}
			oaiMsg.MultiContent = convertParts(content)
		}

		for _, tc := range msg.ToolCalls {
			oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, oaiMsg)
	}
	return out
}

func convertParts(parts []agentctx.Part) []openai.ChatMessagePart {
	out := make([]openai.ChatMessagePart, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.ImageURL != nil:
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    p.ImageURL.URL,
					Detail: openai.ImageURLDetail(p.ImageURL.Detail),
				},
			})
		default:
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: p.Text,
			})
		}
	}
	return out
}

func joinText(parts []agentctx.Part) string {
	var texts []string
	for _, p := range parts {
		if p.ImageURL == nil {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func convertTools(tools []agent.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, def := range tools {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Strict:      def.Strict,
				Parameters:  def.Parameters,
			},
		}
	}
	return out
}

// sanitizeName maps a display name onto the characters the API accepts
// for message names: letters, digits, underscore and hyphen, at most 64.
func sanitizeName(name string) string {
	if name == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		if b.Len() >= 64 {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if strings.Trim(out, "_") == "" {
		return ""
	}
	return out
}

// String implements fmt.Stringer.
func (c *OpenAIClient) String() string {
	return fmt.Sprintf("OpenAIClient(%s)", c.config.Model)
}
