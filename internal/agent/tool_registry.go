package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 64

	// MaxToolParamsSize is the maximum size of tool arguments JSON (1MB).
	MaxToolParamsSize = 1 << 20
)

// ToolDefinition is the compiled, model-facing description of a tool.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Strict      bool           `json:"strict"`
}

type registeredTool struct {
	tool       Tool
	definition ToolDefinition
	schema     *jsonschema.Schema
}

// ToolRegistry manages available tools with thread-safe registration and lookup.
// Tools are registered by name and shared by every channel session.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*registeredTool),
	}
}

// Register adds a tool to the registry by its name.
// It fails if a tool with the same name is already registered; use
// Unregister or Replace to swap implementations.
func (r *ToolRegistry) Register(tool Tool) error {
	entry, err := compileTool(tool)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Name())
	}
	r.tools[tool.Name()] = entry
	return nil
}

// Replace swaps the whole tool set atomically.
func (r *ToolRegistry) Replace(tools ...Tool) error {
	next := make(map[string]*registeredTool, len(tools))
	for _, tool := range tools {
		entry, err := compileTool(tool)
		if err != nil {
			return err
		}
		if _, exists := next[tool.Name()]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Name())
		}
		next[tool.Name()] = entry
	}
	r.mu.Lock()
	r.tools = next
	r.mu.Unlock()
	return nil
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return entry.tool, true
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Names returns the registered tool names in sorted order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Definitions returns the compiled definitions sorted by name.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, entry := range r.tools {
		defs = append(defs, entry.definition)
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ValidateArguments checks args against the tool's compiled schema.
func (r *ToolRegistry) ValidateArguments(name string, args map[string]any) error {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	// The validator only understands values shaped like decoded JSON.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if len(raw) > MaxToolParamsSize {
		return fmt.Errorf("%w: arguments exceed %d bytes", ErrInvalidArguments, MaxToolParamsSize)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := entry.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// ParametersSchema builds the strict object schema for a property map:
// every property is required and nothing else is allowed.
func ParametersSchema(properties map[string]any) map[string]any {
	required := make([]string, 0, len(properties))
	for key := range properties {
		required = append(required, key)
	}
	sort.Strings(required)
	if properties == nil {
		properties = map[string]any{}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

func compileTool(tool Tool) (*registeredTool, error) {
	if tool == nil {
		return nil, fmt.Errorf("register tool: nil tool")
	}
	name := tool.Name()
	if err := validateToolName(name); err != nil {
		return nil, err
	}

	params := ParametersSchema(tool.Properties())
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("register tool %s: encode schema: %w", name, err)
	}
	schema, err := jsonschema.CompileString("tool_"+name+".json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("register tool %s: compile schema: %w", name, err)
	}

	return &registeredTool{
		tool: tool,
		definition: ToolDefinition{
			Name:        name,
			Description: tool.Description(),
			Parameters:  params,
			Strict:      true,
		},
		schema: schema,
	}, nil
}

func validateToolName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("register tool: name exceeds maximum length of %d characters", MaxToolNameLength)
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return fmt.Errorf("register tool: invalid character %q in name %q", r, name)
		}
	}
	return nil
}
