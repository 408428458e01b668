package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	agentctx "github.com/GitAcrown/MARI4/internal/agent/context"
	"github.com/GitAcrown/MARI4/internal/observability"
	"github.com/GitAcrown/MARI4/pkg/models"
)

const (
	// ScheduleTaskToolName is the tool whose calls are capped per cycle.
	ScheduleTaskToolName = "schedule_task"

	// NudgeText is appended when the model returns neither text nor tool calls.
	NudgeText = "[SYSTEM] Respond now to the last message."

	// DepthLimitText is returned when a cycle exceeds its depth ceiling.
	DepthLimitText = "Sorry, I hit the tool call limit. Could you rephrase your request more simply?"

	// ToolCallLimitText is returned when a cycle makes too many tool calls.
	ToolCallLimitText = "Sorry, I made too many tool calls. Could you rephrase your request more precisely?"

	// ScheduleLimitError is reported to the model past the schedule_task cap.
	ScheduleLimitError = "Limit reached: maximum %d scheduled tasks in the same run."

	// ScheduleLimitHeader is shown above the reply past the schedule_task cap.
	ScheduleLimitHeader = "Scheduling limit reached"

	// AutonomousFailureText is merged when an autonomous run produced nothing.
	AutonomousFailureText = "Autonomous task failed (empty response)."
)

// AttachmentProcessor turns non-image attachments into context components.
// It returns no components for attachments it does not handle.
type AttachmentProcessor interface {
	Process(ctx context.Context, att models.Attachment) ([]agentctx.Component, error)
}

// PromptInput describes the completion a developer prompt is rendered for.
type PromptInput struct {
	ChannelID string
	Now       time.Time

	// Trigger is the chat message being answered; nil for autonomous runs
	// and follow-up iterations.
	Trigger *models.Message

	// TaskOwnerID is set for autonomous runs.
	TaskOwnerID string
}

// PromptFunc renders the developer prompt for one completion call.
type PromptFunc func(ctx context.Context, in PromptInput) (string, error)

// SessionConfig configures a channel session.
type SessionConfig struct {
	// Context configures the conversation context.
	Context agentctx.Config

	// MaxDepth caps completion iterations per cycle. Default: 10.
	MaxDepth int

	// MaxToolCalls caps cumulative tool calls per cycle. Default: 20.
	MaxToolCalls int

	// MaxScheduledTasks caps schedule_task calls per cycle. Default: 5.
	MaxScheduledTasks int

	// Model and MaxTokens are forwarded with every completion request.
	Model     string
	MaxTokens int

	// Prompt renders the developer prompt. A nil Prompt sends an empty one.
	Prompt PromptFunc

	// Attachments processes the trigger's attachments. Optional.
	Attachments AttachmentProcessor

	// ToolExec configures tool execution.
	ToolExec ToolExecConfig

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// DefaultSessionConfig returns the default session limits.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Context:           agentctx.DefaultConfig(),
		MaxDepth:          10,
		MaxToolCalls:      20,
		MaxScheduledTasks: 5,
		ToolExec:          DefaultToolExecConfig(),
	}
}

func (c *SessionConfig) applyDefaults() {
	defaults := DefaultSessionConfig()
	if c.MaxDepth <= 0 {
		c.MaxDepth = defaults.MaxDepth
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = defaults.MaxToolCalls
	}
	if c.MaxScheduledTasks <= 0 {
		c.MaxScheduledTasks = defaults.MaxScheduledTasks
	}
	if c.ToolExec.Logger == nil {
		c.ToolExec.Logger = c.Logger
	}
	if c.ToolExec.Metrics == nil {
		c.ToolExec.Metrics = c.Metrics
	}
	if c.ToolExec.Tracer == nil {
		c.ToolExec.Tracer = c.Tracer
	}
}

// SessionStats summarizes a session.
type SessionStats struct {
	Completions      int            `json:"completions"`
	MessagesIngested int            `json:"messages_ingested"`
	LastCompletion   *time.Time     `json:"last_completion"`
	Context          agentctx.Stats `json:"context"`
}

// Response is the outcome of a completion cycle.
type Response struct {
	// Text is the reply shown to users.
	Text string

	// Assistant is the final assistant record.
	Assistant *agentctx.AssistantRecord

	// ToolResponses are the tool results immediately preceding Assistant.
	ToolResponses []*agentctx.ToolResponseRecord
}

// Headers returns the distinct tool headers in order.
func (r *Response) Headers() []string {
	if r == nil {
		return nil
	}
	seen := make(map[string]bool)
	var headers []string
	for _, tr := range r.ToolResponses {
		h := tr.Header()
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		headers = append(headers, h)
	}
	return headers
}

// Session is the conversation state of one channel. Ingest, RunCompletion,
// RunAutonomousTask and Forget are serialized; sessions of different
// channels run independently.
type Session struct {
	channelID string
	completer Completer
	registry  *ToolRegistry
	executor  *ToolExecutor
	config    SessionConfig
	logger    *slog.Logger

	mu      sync.Mutex
	context *agentctx.Context

	statsMu        sync.Mutex
	completions    int
	ingested       int
	lastCompletion time.Time
}

// NewSession creates the session of channelID.
func NewSession(channelID string, completer Completer, registry *ToolRegistry, config SessionConfig) *Session {
	config.applyDefaults()
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "session")
	}
	logger = logger.With("channel_id", channelID)
	if config.Context.Logger == nil {
		config.Context.Logger = logger
	}
	if registry == nil {
		registry = NewToolRegistry()
	}
	return &Session{
		channelID: channelID,
		completer: completer,
		registry:  registry,
		executor:  NewToolExecutor(registry, config.ToolExec),
		config:    config,
		logger:    logger,
		context:   agentctx.New(config.Context),
	}
}

// ChannelID returns the channel this session belongs to.
func (s *Session) ChannelID() string { return s.channelID }

// Context returns the shared conversation context.
func (s *Session) Context() *agentctx.Context { return s.context }

// Registry returns the tool registry used by the session.
func (s *Session) Registry() *ToolRegistry { return s.registry }

// Ingest appends msg to the context as a user record. It never calls the
// completion API.
func (s *Session) Ingest(ctx context.Context, msg *models.Message, contextOnly bool) *agentctx.UserRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := agentctx.NewUserRecord(MessageComponents(msg, contextOnly), msg.Author.Name, s.context.Now())
	rec.MessageID = msg.ID
	s.context.Add(rec)

	s.statsMu.Lock()
	s.ingested++
	s.statsMu.Unlock()

	s.logger.DebugContext(ctx, "message ingested", "message_id", msg.ID, "context_only", contextOnly)
	return rec
}

// RunCompletion runs one completion cycle on the shared context. trigger
// is the message being answered and may be nil. status receives progress
// lines while tools run and may be nil.
//
// Exceeding the depth or tool call ceilings is not an error: the cycle
// ends with a canned apology.
func (s *Session) RunCompletion(ctx context.Context, trigger *models.Message, status StatusFunc) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx = s.runContext(ctx)
	final, err := s.complete(ctx, s.context, trigger, status, "")
	if err != nil {
		s.config.Metrics.RecordError("agent", "completion")
		return nil, err
	}
	return buildResponse(s.context.Records(), final), nil
}

// RunAutonomousTask runs prompt on behalf of a user in a fresh context
// with the same limits, isolated from the channel's history. Only the
// assistant records it produces are copied into the shared context; its
// tool responses are dropped. The returned Response carries the isolated
// run's tool responses so their headers can still be shown.
func (s *Session) RunAutonomousTask(ctx context.Context, userName, userID, prompt string) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx = observability.AddUserID(s.runContext(ctx), userID)
	isolated := agentctx.New(s.context.Config())

	seed := agentctx.NewUserRecord([]agentctx.Component{agentctx.NewText(prompt)}, userName, isolated.Now())
	seed.Metadata["autonomous_task"] = true
	seed.Metadata["task_owner_id"] = userID
	isolated.Add(seed)

	final, err := s.complete(ctx, isolated, nil, nil, userID)
	if err != nil {
		s.config.Metrics.RecordError("agent", "autonomous")
		return nil, err
	}

	merged, err := s.mergeAutonomous(isolated, userID)
	if err != nil {
		merged = agentctx.NewAssistantRecord(
			[]agentctx.Component{agentctx.NewText(AutonomousFailureText)}, nil, "", s.context.Now())
		merged.Metadata["autonomous_task"] = true
		merged.Metadata["task_owner_id"] = userID
		merged.Metadata["error"] = true
		s.context.Add(merged)
		s.logger.WarnContext(ctx, "autonomous task merge failed", "error", err)
	}

	resp := buildResponse(isolated.Records(), final)
	resp.Assistant = merged
	resp.Text = assistantText(merged)
	return resp, nil
}

// mergeAutonomous copies the assistant records of an isolated run into
// the shared context, tagged with the task owner, and returns the last one.
func (s *Session) mergeAutonomous(isolated *agentctx.Context, userID string) (*agentctx.AssistantRecord, error) {
	var merged *agentctx.AssistantRecord
	for _, r := range isolated.Records() {
		src, ok := r.(*agentctx.AssistantRecord)
		if !ok {
			continue
		}
		components := make([]agentctx.Component, len(src.Components))
		for i, c := range src.Components {
			components[i] = agentctx.CloneComponent(c)
		}
		var calls []agentctx.ToolCall
		for _, call := range src.ToolCalls {
			calls = append(calls, call.Clone())
		}
		rec := agentctx.NewAssistantRecord(components, calls, src.FinishReason, s.context.Now())
		for k, v := range src.Metadata {
			rec.Metadata[k] = v
		}
		rec.Metadata["autonomous_task"] = true
		rec.Metadata["task_owner_id"] = userID
		s.context.Add(rec)
		merged = rec
	}
	if merged == nil {
		return nil, &LoopError{Phase: PhaseMerge, Message: "no assistant record produced"}
	}
	return merged, nil
}

// Forget clears the shared context.
func (s *Session) Forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.context.Clear()
}

// Stats returns the session counters and context statistics.
func (s *Session) Stats() SessionStats {
	s.statsMu.Lock()
	stats := SessionStats{
		Completions:      s.completions,
		MessagesIngested: s.ingested,
	}
	if !s.lastCompletion.IsZero() {
		last := s.lastCompletion
		stats.LastCompletion = &last
	}
	s.statsMu.Unlock()
	stats.Context = s.context.Stats()
	return stats
}

func (s *Session) runContext(ctx context.Context) context.Context {
	ctx = observability.AddRunID(ctx, uuid.NewString())
	return observability.AddChannelID(ctx, s.channelID)
}

// complete is the bounded completion loop. Each iteration is one API
// call; tool calls and empty replies start another iteration.
func (s *Session) complete(ctx context.Context, c *agentctx.Context, trigger *models.Message, status StatusFunc, taskOwner string) (*agentctx.AssistantRecord, error) {
	totalCalls := 0
	scheduled := 0

	for depth := 0; ; depth++ {
		if depth >= s.config.MaxDepth {
			s.logger.WarnContext(ctx, "completion depth limit reached", "max_depth", s.config.MaxDepth)
			s.config.Metrics.LoopLimitReached("depth")
			return c.AddAssistant([]agentctx.Component{agentctx.NewText(DepthLimitText)}, nil, ""), nil
		}
		if totalCalls >= s.config.MaxToolCalls {
			s.logger.WarnContext(ctx, "tool call limit reached", "max_tool_calls", s.config.MaxToolCalls)
			s.config.Metrics.LoopLimitReached("tool_calls")
			return c.AddAssistant([]agentctx.Component{agentctx.NewText(ToolCallLimitText)}, nil, ""), nil
		}

		if trigger != nil && s.config.Attachments != nil {
			if err := s.processAttachments(ctx, c, trigger, depth); err != nil {
				s.logger.WarnContext(ctx, "attachment processing failed", "error", err)
			}
		}

		prompt, err := s.renderPrompt(ctx, c, trigger, taskOwner)
		if err != nil {
			return nil, &LoopError{Phase: PhaseComplete, Iteration: depth, Message: "render developer prompt", Cause: err}
		}

		resp, err := s.callCompleter(ctx, c, prompt)
		if err != nil {
			return nil, &LoopError{Phase: PhaseComplete, Iteration: depth, Cause: err}
		}

		var components []agentctx.Component
		if resp.Content != "" {
			components = append(components, agentctx.NewText(resp.Content))
		} else {
			components = append(components, agentctx.NewMetadata("EMPTY"))
		}
		assistant := c.AddAssistant(components, resp.ToolCalls, resp.FinishReason)
		totalCalls += len(resp.ToolCalls)

		if len(resp.ToolCalls) > 0 {
			tc := &ToolContext{Session: s, ChannelID: s.channelID, Trigger: trigger}
			scheduled = s.executeTools(ctx, c, resp.ToolCalls, tc, status, scheduled)
			trigger = nil
			continue
		}

		if strings.TrimSpace(resp.Content) == "" {
			s.logger.WarnContext(ctx, "empty completion, nudging the model", "iteration", depth)
			c.RemoveLast(assistant)
			c.AddUser([]agentctx.Component{agentctx.NewText(NudgeText)}, "system")
			trigger = nil
			continue
		}

		s.statsMu.Lock()
		s.completions++
		s.lastCompletion = c.Now()
		s.statsMu.Unlock()
		return assistant, nil
	}
}

// processAttachments appends the trigger's processed attachments to the
// last user record. Failed attachments are skipped; their errors are
// returned joined so the cycle can go on without them.
func (s *Session) processAttachments(ctx context.Context, c *agentctx.Context, trigger *models.Message, depth int) error {
	var (
		components []agentctx.Component
		errs       []error
	)
	for _, att := range trigger.Attachments {
		if IsImageAttachment(att) {
			continue
		}
		processed, err := s.config.Attachments.Process(ctx, att)
		if err != nil {
			s.config.Metrics.RecordError("attachments", "process")
			errs = append(errs, &LoopError{Phase: PhaseAttachments, Iteration: depth, Message: att.Filename, Cause: err})
			continue
		}
		components = append(components, processed...)
	}
	if len(components) > 0 && !c.AppendToLastUser(components) {
		s.logger.DebugContext(ctx, "no user record to attach processed attachments to")
	}
	return errors.Join(errs...)
}

func (s *Session) renderPrompt(ctx context.Context, c *agentctx.Context, trigger *models.Message, taskOwner string) (string, error) {
	if s.config.Prompt == nil {
		return "", nil
	}
	return s.config.Prompt(ctx, PromptInput{
		ChannelID:   s.channelID,
		Now:         c.Now(),
		Trigger:     trigger,
		TaskOwnerID: taskOwner,
	})
}

// callCompleter sends the payload, retrying once without images when the
// API rejects an image URL.
func (s *Session) callCompleter(ctx context.Context, c *agentctx.Context, prompt string) (*CompletionResponse, error) {
	if s.completer == nil {
		return nil, ErrNoCompleter
	}
	req := &CompletionRequest{
		Model:     s.config.Model,
		Messages:  c.PreparePayload(prompt),
		Tools:     s.registry.Definitions(),
		MaxTokens: s.config.MaxTokens,
	}

	resp, err := s.timedComplete(ctx, req)
	if errors.Is(err, ErrInvalidImage) {
		s.logger.WarnContext(ctx, "invalid image url, retrying without images")
		c.FilterImages()
		req.Messages = c.PreparePayload(prompt)
		resp, err = s.timedComplete(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrEmptyResponse
	}
	return resp, nil
}

func (s *Session) timedComplete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = "default"
	}
	ctx, span := s.config.Tracer.TraceCompletion(ctx, model)
	defer span.End()

	start := time.Now()
	resp, err := s.completer.Complete(ctx, req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		s.config.Tracer.RecordError(span, err)
		s.config.Metrics.RecordCompletion(model, "error", elapsed, 0, 0)
		s.logger.ErrorContext(ctx, "completion failed", "model", model, "error", err)
		return nil, err
	}
	if resp != nil {
		s.config.Metrics.RecordCompletion(model, "success", elapsed, resp.InputTokens, resp.OutputTokens)
	}
	return resp, nil
}

// executeTools runs calls in order and appends their responses. It
// returns the updated schedule_task count.
func (s *Session) executeTools(ctx context.Context, c *agentctx.Context, calls []agentctx.ToolCall, tc *ToolContext, status StatusFunc, scheduled int) int {
	for _, call := range calls {
		if call.Name == ScheduleTaskToolName {
			scheduled++
			if scheduled > s.config.MaxScheduledTasks {
				s.logger.WarnContext(ctx, "schedule_task limit reached", "tool_call_id", call.ID)
				rec := agentctx.NewToolResponseRecord(call.ID, map[string]any{
					"error": fmt.Sprintf(ScheduleLimitError, s.config.MaxScheduledTasks),
				}, c.Now())
				rec.Metadata["header"] = ScheduleLimitHeader
				c.Add(rec)
				continue
			}
		}

		if _, ok := s.registry.Get(call.Name); !ok {
			s.logger.WarnContext(ctx, "tool not found", "tool", call.Name, "tool_call_id", call.ID)
			continue
		}

		if status != nil {
			if line := ToolStatus(call); line != "" {
				if err := status(line); err != nil {
					s.logger.WarnContext(ctx, "status callback failed", "tool", call.Name, "error", err)
				}
			}
		}

		if rec := s.executor.Execute(ctx, call, tc, c.Now()); rec != nil {
			c.Add(rec)
		}
	}
	return scheduled
}

// buildResponse collects the tool responses directly preceding final.
func buildResponse(records []agentctx.Record, final *agentctx.AssistantRecord) *Response {
	resp := &Response{Assistant: final, Text: assistantText(final)}
	idx := -1
	for i := len(records) - 1; i >= 0; i-- {
		if records[i] == agentctx.Record(final) {
			idx = i
			break
		}
	}
	for i := idx - 1; i >= 0; i-- {
		tr, ok := records[i].(*agentctx.ToolResponseRecord)
		if !ok {
			break
		}
		resp.ToolResponses = append([]*agentctx.ToolResponseRecord{tr}, resp.ToolResponses...)
	}
	return resp
}

// assistantText joins the text components of an assistant record.
func assistantText(rec *agentctx.AssistantRecord) string {
	if rec == nil {
		return ""
	}
	var parts []string
	for _, c := range rec.Components {
		if t, ok := c.(*agentctx.Text); ok {
			parts = append(parts, t.Text())
		}
	}
	return strings.Join(parts, "\n")
}

// String implements fmt.Stringer for logging.
func (s *Session) String() string {
	return fmt.Sprintf("Session(%s)", s.channelID)
}
