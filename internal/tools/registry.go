// Package tools provides the deterministic functions exposed to triage
// agents during the tool-call loop, plus a thread-safe registry the invoker
// looks tools up in by name. Every tool is a pure function over structured
// claim data or an external lookup with deterministic fallbacks.
package tools

import (
	"context"
	"encoding/json"
	"sync"
)

// Tool is the interface all agent-callable tools implement.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// Registry manages registered tools. Thread-safe for concurrent access.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, exists := r.tools[name]
	return tool, exists
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	return result
}

// funcTool adapts a plain function into a Tool. All the claim tools are
// declared this way; none carry per-call state.
type funcTool struct {
	name        string
	description string
	schema      json.RawMessage
	fn          func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

func (t *funcTool) Name() string                 { return t.name }
func (t *funcTool) Description() string          { return t.description }
func (t *funcTool) InputSchema() json.RawMessage { return t.schema }
func (t *funcTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	return t.fn(ctx, params)
}
