// Package tools is the tool-invocation capability used by the act-observe
// strategy. A Registry maps action names to handlers and records which tools
// an agent used.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownTool is returned when an action names no registered tool.
var ErrUnknownTool = errors.New("unknown tool")

// Invoker dispatches an action to a named tool.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
}

// Handler executes a tool with the given arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Schema describes a tool to the model.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type entry struct {
	handler Handler
	schema  Schema
}

// Registry manages tool registration and execution.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
	used  map[string]bool
}

var _ Invoker = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry), used: make(map[string]bool)}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(handler Handler, schema Schema) error {
	if schema.Name == "" || handler == nil {
		return fmt.Errorf("invalid tool")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[schema.Name]; ok {
		return fmt.Errorf("tool %s already registered", schema.Name)
	}
	r.tools[schema.Name] = entry{handler: handler, schema: schema}
	return nil
}

// Invoke runs the named tool.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.Lock()
	e, ok := r.tools[name]
	if ok {
		r.used[name] = true
	}
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	return e.handler(ctx, args)
}

// Schemas returns the registered tool schemas sorted by name.
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schema, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.schema)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Used returns the names of tools invoked so far, sorted.
func (r *Registry) Used() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.used))
	for name := range r.used {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// StringArg reads a required string argument.
func StringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}
