package context

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultWindow is the default token budget of a conversation.
	DefaultWindow = 24576

	// DefaultMaxAge is the default age after which records are dropped.
	DefaultMaxAge = 2 * time.Hour
)

// Config configures a Context.
type Config struct {
	// Window is the token budget. 0 means unlimited.
	Window int

	// MaxAge drops records at least this old on trim. 0 disables it.
	MaxAge time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time

	Logger *slog.Logger
}

// DefaultConfig returns the default window and age limits.
func DefaultConfig() Config {
	return Config{
		Window: DefaultWindow,
		MaxAge: DefaultMaxAge,
	}
}

// Stats summarizes a context.
type Stats struct {
	TotalMessages     int     `json:"total_messages"`
	TotalTokens       int     `json:"total_tokens"`
	UserMessages      int     `json:"user_messages"`
	AssistantMessages int     `json:"assistant_messages"`
	WindowUsagePct    float64 `json:"window_usage_pct"`
	ContextWindow     int     `json:"context_window"`
}

// Context is the ordered, bounded history of one channel.
type Context struct {
	mu      sync.RWMutex
	window  int
	maxAge  time.Duration
	now     func() time.Time
	logger  *slog.Logger
	records []Record
}

// New creates an empty context.
func New(cfg Config) *Context {
	if cfg.Window < 0 {
		cfg.Window = 0
	}
	if cfg.MaxAge < 0 {
		cfg.MaxAge = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "context")
	}
	return &Context{
		window: cfg.Window,
		maxAge: cfg.MaxAge,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
}

// Config returns the limits this context was built with.
func (c *Context) Config() Config {
	return Config{Window: c.window, MaxAge: c.maxAge, Now: c.now, Logger: c.logger}
}

// Now returns the context clock's current time in UTC.
func (c *Context) Now() time.Time {
	return c.now().UTC()
}

// Add appends a record.
func (c *Context) Add(r Record) {
	c.mu.Lock()
	c.records = append(c.records, r)
	c.mu.Unlock()
}

// AddUser appends a user record and returns it.
func (c *Context) AddUser(components []Component, name string) *UserRecord {
	r := NewUserRecord(components, name, c.Now())
	c.Add(r)
	return r
}

// AddAssistant appends an assistant record and returns it.
func (c *Context) AddAssistant(components []Component, calls []ToolCall, finishReason string) *AssistantRecord {
	r := NewAssistantRecord(components, calls, finishReason, c.Now())
	c.Add(r)
	return r
}

// AddToolResponse appends a tool response and returns it.
func (c *Context) AddToolResponse(toolCallID string, response map[string]any) *ToolResponseRecord {
	r := NewToolResponseRecord(toolCallID, response, c.Now())
	c.Add(r)
	return r
}

// RemoveLast removes r if it is the newest record.
func (c *Context) RemoveLast(r Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.records)
	if n == 0 || c.records[n-1] != r {
		return false
	}
	c.records[n-1] = nil
	c.records = c.records[:n-1]
	return true
}

// AppendToLastUser extends the newest record with components when it is
// a user record. It reports whether anything was appended.
func (c *Context) AppendToLastUser(components []Component) bool {
	if len(components) == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.records)
	if n == 0 {
		return false
	}
	user, ok := c.records[n-1].(*UserRecord)
	if !ok {
		return false
	}
	user.Components = append(user.Components, components...)
	return true
}

// Records returns a copy of the record list.
func (c *Context) Records() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Record(nil), c.records...)
}

// Len returns the number of records.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Recent returns up to the n newest records, oldest first.
func (c *Context) Recent(n int) []Record {
	if n <= 0 {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n > len(c.records) {
		n = len(c.records)
	}
	return append([]Record(nil), c.records[len(c.records)-n:]...)
}

// Clear forgets every record.
func (c *Context) Clear() {
	c.mu.Lock()
	c.records = nil
	c.mu.Unlock()
	c.logger.Info("context cleared")
}

// FilterImages strips every image component from every record.
func (c *Context) FilterImages() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.records {
		b := r.Base()
		kept := b.Components[:0:0]
		for _, comp := range b.Components {
			if comp.Kind() != KindImage {
				kept = append(kept, comp)
			}
		}
		b.Components = kept
	}
	c.logger.Info("images removed from context")
}

// Trim enforces the age limit, the token window and tool call pairing.
// It is idempotent.
func (c *Context) Trim() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trimLocked()
}

func (c *Context) trimLocked() {
	before := len(c.records)
	now := c.Now()

	fresh := c.records
	if c.maxAge > 0 {
		fresh = make([]Record, 0, len(c.records))
		for _, r := range c.records {
			if now.Sub(r.Base().CreatedAt) < c.maxAge {
				fresh = append(fresh, r)
			}
		}
	}

	kept := budget(fresh, c.window)
	c.records = pairToolCalls(kept)

	if removed := before - len(c.records); removed > 0 {
		c.logger.Debug("context trimmed", "removed", removed, "remaining", len(c.records))
	}
}

// budget keeps the newest records whose total cost fits in window,
// walking newest to oldest and stopping at the first record that does
// not fit. The newest record is always kept.
func budget(records []Record, window int) []Record {
	if window <= 0 || len(records) == 0 {
		return append([]Record(nil), records...)
	}
	total := 0
	start := len(records)
	for i := len(records) - 1; i >= 0; i-- {
		cost := records[i].TokenCount()
		if start == len(records) {
			start = i
			total = cost
			if cost >= window {
				break
			}
			continue
		}
		if total+cost > window {
			break
		}
		total += cost
		start = i
	}
	return append([]Record(nil), records[start:]...)
}

// pairToolCalls drops tool responses whose assistant is gone, then drops
// assistants whose calls are not all answered together with their
// responses.
func pairToolCalls(records []Record) []Record {
	owner := make(map[string]*AssistantRecord)
	cleaned := make([]Record, 0, len(records))
	resolved := make(map[string]bool)

	for _, r := range records {
		switch rec := r.(type) {
		case *AssistantRecord:
			for _, id := range rec.ToolCallIDs() {
				owner[id] = rec
			}
			cleaned = append(cleaned, rec)
		case *ToolResponseRecord:
			if _, ok := owner[rec.ToolCallID]; ok {
				cleaned = append(cleaned, rec)
				resolved[rec.ToolCallID] = true
			}
		default:
			cleaned = append(cleaned, r)
		}
	}
	if len(owner) == 0 {
		return cleaned
	}

	skip := make(map[string]bool)
	final := make([]Record, 0, len(cleaned))
	for _, r := range cleaned {
		switch rec := r.(type) {
		case *AssistantRecord:
			if len(rec.ToolCalls) > 0 {
				complete := true
				for _, id := range rec.ToolCallIDs() {
					if !resolved[id] {
						complete = false
						break
					}
				}
				if !complete {
					for _, id := range rec.ToolCallIDs() {
						skip[id] = true
					}
					continue
				}
			}
			final = append(final, rec)
		case *ToolResponseRecord:
			if skip[rec.ToolCallID] {
				continue
			}
			final = append(final, rec)
		default:
			final = append(final, r)
		}
	}
	return final
}

// PreparePayload trims the context and returns the wire messages with a
// freshly rendered developer prompt first.
func (c *Context) PreparePayload(developerPrompt string) []Message {
	c.mu.Lock()
	c.trimLocked()
	records := append([]Record(nil), c.records...)
	c.mu.Unlock()

	out := make([]Message, 0, len(records)+1)
	out = append(out, ToMessage(NewDeveloperRecord(developerPrompt, c.Now())))
	for _, r := range records {
		out = append(out, ToMessage(r))
	}
	c.checkToolOrder(out)
	return out
}

// checkToolOrder logs tool messages that have no preceding assistant call.
func (c *Context) checkToolOrder(msgs []Message) {
	seen := make(map[string]bool)
	for _, m := range msgs {
		switch m.Role {
		case RoleAssistant:
			for _, tc := range m.ToolCalls {
				seen[tc.ID] = true
			}
		case RoleTool:
			if !seen[m.ToolCallID] {
				c.logger.Warn("tool response without preceding tool call", "tool_call_id", m.ToolCallID)
			}
		}
	}
}

// Stats summarizes the current records.
func (c *Context) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{TotalMessages: len(c.records), ContextWindow: c.window}
	for _, r := range c.records {
		s.TotalTokens += r.TokenCount()
		switch r.Role() {
		case RoleUser:
			s.UserMessages++
		case RoleAssistant:
			s.AssistantMessages++
		}
	}
	if c.window > 0 {
		s.WindowUsagePct = float64(s.TotalTokens) / float64(c.window) * 100
	}
	return s
}
