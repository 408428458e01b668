package context

// Message is one entry of a completion payload.
//
// Content is nil, a string or a []Part. nil marshals to JSON null, which
// is what assistant messages carrying tool calls must send.
type Message struct {
	Role       Role              `json:"role"`
	Content    any               `json:"content"`
	Name       string            `json:"name,omitempty"`
	ToolCalls  []ToolCallPayload `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// Part is one content part of a message.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL is the image reference of an image part.
type ImageURL struct {
	URL    string      `json:"url"`
	Detail ImageDetail `json:"detail"`
}

// ToolCallPayload is the wire form of a ToolCall.
type ToolCallPayload struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function FunctionPayload `json:"function"`
}

// FunctionPayload names the function and carries JSON-encoded arguments.
type FunctionPayload struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToMessage serializes a record into its wire form.
func ToMessage(r Record) Message {
	switch rec := r.(type) {
	case *AssistantRecord:
		if len(rec.ToolCalls) > 0 {
			calls := make([]ToolCallPayload, 0, len(rec.ToolCalls))
			for _, tc := range rec.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				calls = append(calls, ToolCallPayload{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionPayload{
						Name:      tc.Name,
						Arguments: EncodeJSON(args),
					},
				})
			}
			return Message{Role: RoleAssistant, Content: nil, ToolCalls: calls}
		}
		return Message{Role: RoleAssistant, Content: parts(rec.Components), Name: rec.Name}
	case *ToolResponseRecord:
		return Message{Role: RoleTool, Content: EncodeJSON(rec.Response), ToolCallID: rec.ToolCallID}
	case *UserRecord:
		return Message{Role: RoleUser, Content: parts(rec.Components), Name: rec.Name}
	case *DeveloperRecord:
		return Message{Role: RoleDeveloper, Content: parts(rec.Components), Name: rec.Name}
	default:
		b := r.Base()
		return Message{Role: r.Role(), Content: parts(b.Components), Name: b.Name}
	}
}

func parts(components []Component) []Part {
	out := make([]Part, 0, len(components))
	for _, c := range components {
		out = append(out, c.part())
	}
	return out
}
