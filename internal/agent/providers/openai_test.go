package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/GitAcrown/MARI4/internal/agent"
	agentctx "github.com/GitAcrown/MARI4/internal/agent/context"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewOpenAIClient(OpenAIConfig{
		APIKey:     "sk-test",
		BaseURL:    server.URL + "/v1",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	return client
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestNewOpenAIClientDefaults(t *testing.T) {
	if _, err := NewOpenAIClient(OpenAIConfig{APIKey: "  "}); err == nil {
		t.Fatal("expected error for empty API key")
	}

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", MaxRetries: -5, RetryDelay: -time.Second})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	if client.Model() != DefaultModel {
		t.Errorf("Model() = %q, want %q", client.Model(), DefaultModel)
	}
	if client.config.TranscriptionModel != DefaultTranscriptionModel {
		t.Errorf("TranscriptionModel = %q", client.config.TranscriptionModel)
	}
	if client.config.MaxCompletionTokens != DefaultMaxCompletionTokens {
		t.Errorf("MaxCompletionTokens = %d", client.config.MaxCompletionTokens)
	}
	if client.config.ReasoningEffort != DefaultReasoningEffort {
		t.Errorf("ReasoningEffort = %q", client.config.ReasoningEffort)
	}
	if client.maxRetries <= 0 || client.retryDelay <= 0 {
		t.Errorf("expected positive retry defaults, got %d/%v", client.maxRetries, client.retryDelay)
	}
}

func TestCompleteSendsRequestAndParsesResponse(t *testing.T) {
	var captured openai.ChatCompletionRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-5-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "tool_calls",
				"message": map[string]any{
					"role":    "assistant",
					"content": "",
					"tool_calls": []map[string]any{
						{
							"id":   "call_1",
							"type": "function",
							"function": map[string]any{
								"name":      "get_time",
								"arguments": `{"zone":"Europe/Paris"}`,
							},
						},
						{
							"id":   "call_2",
							"type": "function",
							"function": map[string]any{
								"name":      "broken",
								"arguments": `not json`,
							},
						},
					},
				},
			}},
			"usage": map[string]any{"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49},
		})
	})

	req := &agent.CompletionRequest{
		Messages: []agentctx.Message{
			{Role: agentctx.RoleDeveloper, Content: "You are helpful."},
			{Role: agentctx.RoleUser, Name: "Jean Dupont!", Content: []agentctx.Part{
				{Type: "text", Text: "what time is it?"},
				{Type: "image_url", ImageURL: &agentctx.ImageURL{URL: "https://cdn.example.com/a.png", Detail: agentctx.DetailHigh}},
			}},
		},
		Tools: []agent.ToolDefinition{{
			Name:        "get_time",
			Description: "Current time",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		}},
	}

	resp, err := client.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if captured.Model != DefaultModel {
		t.Errorf("model = %q", captured.Model)
	}
	if captured.MaxCompletionTokens != DefaultMaxCompletionTokens {
		t.Errorf("max_completion_tokens = %d", captured.MaxCompletionTokens)
	}
	if captured.ReasoningEffort != DefaultReasoningEffort {
		t.Errorf("reasoning_effort = %q", captured.ReasoningEffort)
	}
	if len(captured.Tools) != 1 || captured.Tools[0].Function.Name != "get_time" {
		t.Errorf("tools = %+v", captured.Tools)
	}
	if len(captured.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(captured.Messages))
	}
	if captured.Messages[0].Role != "developer" || captured.Messages[0].Content != "You are helpful." {
		t.Errorf("developer message = %+v", captured.Messages[0])
	}
	user := captured.Messages[1]
	if user.Name != "Jean_Dupont_" {
		t.Errorf("name = %q, want sanitized", user.Name)
	}
	if len(user.MultiContent) != 2 || user.MultiContent[1].ImageURL == nil || user.MultiContent[1].ImageURL.Detail != openai.ImageURLDetailHigh {
		t.Errorf("multi content = %+v", user.MultiContent)
	}

	if resp.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 7 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Arguments["zone"] != "Europe/Paris" {
		t.Errorf("arguments = %v", resp.ToolCalls[0].Arguments)
	}
	if resp.ToolCalls[1].Arguments == nil || len(resp.ToolCalls[1].Arguments) != 0 {
		t.Errorf("invalid arguments should decode to an empty map, got %v", resp.ToolCalls[1].Arguments)
	}
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(t, w, http.StatusInternalServerError, map[string]any{
				"error": map[string]any{"message": "boom", "type": "server_error"},
			})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "hello"},
			}},
		})
	})

	resp, err := client.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agentctx.Message{{Role: agentctx.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q", resp.Content)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestCompleteBadRequestIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(t, w, http.StatusBadRequest, map[string]any{
			"error": map[string]any{
				"message": "Error while downloading https://cdn.example.com/gone.png.",
				"type":    "invalid_request_error",
				"code":    "invalid_image_url",
			},
		})
	})

	_, err := client.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agentctx.Message{{Role: agentctx.RoleUser, Content: "look"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrBadRequest) {
		t.Errorf("expected ErrBadRequest, got %v", err)
	}
	if !errors.Is(err, agent.ErrInvalidImage) {
		t.Errorf("expected ErrInvalidImage, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestCompleteEmptyChoices(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"choices": []any{}})
	})

	_, err := client.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agentctx.Message{{Role: agentctx.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, ErrUnexpected) {
		t.Errorf("expected ErrUnexpected, got %v", err)
	}
	if !errors.Is(err, agent.ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse in chain, got %v", err)
	}
}

func TestCompleteContextCancelled(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Complete(ctx, &agent.CompletionRequest{
		Messages: []agentctx.Message{{Role: agentctx.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, ErrUnexpected) {
		t.Errorf("expected ErrUnexpected, got %v", err)
	}
}

func TestTranscribe(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.FormValue("model"); got != DefaultTranscriptionModel {
			t.Errorf("model = %q", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			defer file.Close()
			data, _ := io.ReadAll(file)
			if string(data) != "OggS-data" || header.Filename != "voice.ogg" {
				t.Errorf("file = %q (%s)", data, header.Filename)
			}
		}
		writeJSON(t, w, http.StatusOK, map[string]any{"text": "bonjour"})
	})

	text, err := client.Transcribe(context.Background(), "voice.ogg", strings.NewReader("OggS-data"))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if text != "bonjour" {
		t.Errorf("text = %q", text)
	}
}

func TestConvertMessages(t *testing.T) {
	messages := []agentctx.Message{
		{Role: agentctx.RoleDeveloper, Content: []agentctx.Part{
			{Type: "text", Text: "line one"},
			{Type: "text", Text: "line two"},
		}},
		{Role: agentctx.RoleAssistant, ToolCalls: []agentctx.ToolCallPayload{{
			ID:       "call_1",
			Type:     "function",
			Function: agentctx.FunctionPayload{Name: "lookup", Arguments: `{"q":"go"}`},
		}}},
		{Role: agentctx.RoleTool, Name: "lookup", ToolCallID: "call_1", Content: `{"ok":true}`},
	}

	got := convertMessages(messages)
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].Content != "line one\nline two" || got[0].MultiContent != nil {
		t.Errorf("developer = %+v", got[0])
	}
	if got[1].Content != "" || len(got[1].ToolCalls) != 1 {
		t.Fatalf("assistant = %+v", got[1])
	}
	if tc := got[1].ToolCalls[0]; tc.ID != "call_1" || tc.Type != openai.ToolTypeFunction || tc.Function.Arguments != `{"q":"go"}` {
		t.Errorf("tool call = %+v", tc)
	}
	if got[2].ToolCallID != "call_1" || got[2].Name != "" || got[2].Content != `{"ok":true}` {
		t.Errorf("tool = %+v", got[2])
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"alice", "alice"},
		{"Jean Dupont", "Jean_Dupont"},
		{"bob-42_x", "bob-42_x"},
		{"🎉🎉", ""},
		{strings.Repeat("a", 80), strings.Repeat("a", 64)},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := sanitizeName(tt.in); got != tt.want {
				t.Errorf("sanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
