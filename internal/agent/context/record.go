package context

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Role is the speaker of a record.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleDeveloper Role = "developer"
)

// Record is one turn in a conversation. The set of implementations is
// closed: *UserRecord, *AssistantRecord, *ToolResponseRecord and
// *DeveloperRecord.
type Record interface {
	Role() Role
	Base() *RecordBase
	TokenCount() int
	FullText() string
	ContainsImage() bool
}

// RecordBase carries the attributes shared by every record.
type RecordBase struct {
	Components []Component
	CreatedAt  time.Time
	// Name is the author name sent alongside the message, if any.
	Name     string
	Metadata map[string]any
	// MessageID weakly references the originating chat message.
	MessageID string
}

// Base returns the shared attributes.
func (b *RecordBase) Base() *RecordBase { return b }

// TokenCount sums the cost of every component.
func (b *RecordBase) TokenCount() int {
	total := 0
	for _, c := range b.Components {
		total += c.Tokens()
	}
	return total
}

// FullText concatenates text and metadata components.
func (b *RecordBase) FullText() string {
	var sb strings.Builder
	for _, c := range b.Components {
		sb.WriteString(c.Text())
	}
	return sb.String()
}

// ContainsImage reports whether any component is an image.
func (b *RecordBase) ContainsImage() bool {
	for _, c := range b.Components {
		if c.Kind() == KindImage {
			return true
		}
	}
	return false
}

// MetaString returns a metadata value as a string, or "".
func (b *RecordBase) MetaString(key string) string {
	if b.Metadata == nil {
		return ""
	}
	s, _ := b.Metadata[key].(string)
	return s
}

// UserRecord is a message from a chat participant, or a synthetic
// instruction injected on their behalf.
type UserRecord struct {
	RecordBase
}

func (r *UserRecord) Role() Role { return RoleUser }

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Clone deep-copies the call.
func (c ToolCall) Clone() ToolCall {
	out := ToolCall{ID: c.ID, Name: c.Name}
	if c.Arguments != nil {
		out.Arguments = deepCopyMap(c.Arguments)
	}
	return out
}

// AssistantRecord is a model turn, possibly requesting tool calls.
type AssistantRecord struct {
	RecordBase
	ToolCalls    []ToolCall
	FinishReason string
}

func (r *AssistantRecord) Role() Role { return RoleAssistant }

// ToolCallIDs returns the ids of every requested call.
func (r *AssistantRecord) ToolCallIDs() []string {
	ids := make([]string, 0, len(r.ToolCalls))
	for _, tc := range r.ToolCalls {
		ids = append(ids, tc.ID)
	}
	return ids
}

// ToolResponseRecord carries the result of one tool call.
type ToolResponseRecord struct {
	RecordBase
	ToolCallID string
	Response   map[string]any
}

func (r *ToolResponseRecord) Role() Role { return RoleTool }

// Header returns the short human-readable line a tool attached to its
// response, or "".
func (r *ToolResponseRecord) Header() string {
	return r.MetaString("header")
}

// DeveloperRecord holds the instructions prepended to every payload.
type DeveloperRecord struct {
	RecordBase
}

func (r *DeveloperRecord) Role() Role { return RoleDeveloper }

// NewUserRecord builds a user record created at now.
func NewUserRecord(components []Component, name string, now time.Time) *UserRecord {
	return &UserRecord{RecordBase: RecordBase{
		Components: components,
		CreatedAt:  now.UTC(),
		Name:       name,
		Metadata:   map[string]any{},
	}}
}

// NewAssistantRecord builds an assistant record created at now.
func NewAssistantRecord(components []Component, calls []ToolCall, finishReason string, now time.Time) *AssistantRecord {
	return &AssistantRecord{
		RecordBase: RecordBase{
			Components: components,
			CreatedAt:  now.UTC(),
			Metadata:   map[string]any{},
		},
		ToolCalls:    calls,
		FinishReason: finishReason,
	}
}

// NewToolResponseRecord builds a tool response. Its single text
// component is the JSON encoding of response, so the record costs what
// the model will actually read.
func NewToolResponseRecord(toolCallID string, response map[string]any, now time.Time) *ToolResponseRecord {
	if response == nil {
		response = map[string]any{}
	}
	return &ToolResponseRecord{
		RecordBase: RecordBase{
			Components: []Component{NewText(EncodeJSON(response))},
			CreatedAt:  now.UTC(),
			Metadata:   map[string]any{},
		},
		ToolCallID: toolCallID,
		Response:   response,
	}
}

// NewDeveloperRecord builds the developer prompt record.
func NewDeveloperRecord(prompt string, now time.Time) *DeveloperRecord {
	return &DeveloperRecord{RecordBase: RecordBase{
		Components: []Component{NewText(prompt)},
		CreatedAt:  now.UTC(),
	}}
}

// EncodeJSON encodes v without HTML escaping. Unencodable values yield "{}".
func EncodeJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "{}"
	}
	return strings.TrimRight(buf.String(), "\n")
}

func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}
