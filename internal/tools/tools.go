// Package tools defines the callable tools offered to the model during a
// single decision step.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateTool is returned by [Registry.Register] when a tool with the
// same name is already present.
var ErrDuplicateTool = errors.New("tool already registered")

// Handler invokes a tool. The result may be any Go value; callers pass it
// through the sanitizer before it enters the conversation.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// Server names the provider the tool was discovered on. Empty for
	// tools registered in-process.
	Server string `json:"-"`

	Handler Handler `json:"-"`
}

// Registry holds the tools available for one step, keyed by name.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry. Names must be unique; a second
// registration under the same name fails with [ErrDuplicateTool].
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("register tool: missing name")
	}
	if t.Handler == nil {
		return fmt.Errorf("register tool %q: missing handler", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("register tool %q from %q (already provided by %q): %w",
			t.Name, t.Server, existing.Server, ErrDuplicateTool)
	}
	r.tools[t.Name] = t
	return nil
}

// Get retrieves a tool by name, or nil if it is not registered.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// AllToolNames returns the registered tool names in sorted order.
func (r *Registry) AllToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools returns the registered tools sorted by name.
func (r *Registry) Tools() []*Tool {
	names := r.AllToolNames()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			out = append(out, t)
		}
	}
	return out
}

// List returns all tools for the LLM in function-calling format, sorted
// by name so the capability list is stable between steps.
func (r *Registry) List() []map[string]any {
	tools := r.Tools()
	result := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// Execute runs a tool by name. A name that is not registered yields
// *[ErrToolUnavailable].
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	tool := r.Get(name)
	if tool == nil {
		return nil, &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	return tool.Handler(ctx, args)
}
