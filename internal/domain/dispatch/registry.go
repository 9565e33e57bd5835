// Package dispatch defines the tool registry (C11): the map from tool name
// to its schema, handler, timeout, required permission, and feature
// dependencies that the MCP dispatcher consults on every call_tool.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/honeypot-sentry/sentryd/internal/domain/feature"
)

// Handler executes one tool call. It must observe ctx's deadline/
// cancellation and propagate both to every outbound call it makes.
type Handler func(ctx context.Context, arguments map[string]any) (Result, error)

// Result is a tool handler's typed success payload before JSON-RPC
// envelope construction.
type Result struct {
	Content []Content
}

// Content is one block of a tool result, mirroring the MCP content union.
type Content struct {
	Type string // "text" or "json"
	Text string
	JSON any
}

// DefaultTimeout and MaxTimeout bound a tool's configured timeout (§4.6).
const (
	DefaultTimeout = 60 * time.Second
	MaxTimeout     = 300 * time.Second
)

// ToolDefinition is one entry in the registry, appended at startup (§9
// design note: "explicit tool-registry object populated at startup").
type ToolDefinition struct {
	Name               string
	Description        string
	InputSchema        []byte // JSON Schema document
	Handler            Handler
	Timeout            time.Duration
	RequiredPermission string // checked in addition to the tool-name grant; "" adds no check
	FeatureDeps        []feature.Dependency
}

// Registry holds every declared tool.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]ToolDefinition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]ToolDefinition)}
}

// Register appends a tool definition, applying the default/max timeout
// bounds. Adding a tool is exactly: implement Handler, call Register.
func (r *Registry) Register(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("dispatch: tool definition missing name")
	}
	if def.Handler == nil {
		return fmt.Errorf("dispatch: tool %s missing handler", def.Name)
	}
	if def.Timeout <= 0 {
		def.Timeout = DefaultTimeout
	}
	if def.Timeout > MaxTimeout {
		def.Timeout = MaxTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("dispatch: tool %s already registered", def.Name)
	}
	r.tools[def.Name] = def
	return nil
}

// Get returns the tool definition for name.
func (r *Registry) Get(name string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// All returns every registered tool, in no particular order.
func (r *Registry) All() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	return out
}
