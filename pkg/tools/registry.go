package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/butler-platform/butlerd/pkg/fault"
)

// Registry holds the tools a daemon exposes. Registration applies the
// channel-egress ownership filter; invocation maps unknown names to
// not-found. Safe for concurrent use: modules register during startup while
// the RPC server may already be serving health checks.
type Registry struct {
	butlerName string

	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry for the named daemon.
func NewRegistry(butlerName string) *Registry {
	return &Registry{
		butlerName: butlerName,
		tools:      make(map[string]Tool),
	}
}

// Register adds a tool. On non-messenger daemons, channel egress tools are
// silently suppressed (returns nil): the module keeps its other tools and
// the suppression is logged at INFO. Duplicate names fail.
func (r *Registry) Register(tool Tool) error {
	if tool == nil || tool.Name() == "" {
		return fmt.Errorf("register tool: %w", fault.NewValidationError("name", "tool name must not be empty"))
	}
	name := tool.Name()

	if r.butlerName != MessengerButler && IsChannelEgressTool(name) {
		slog.Info("Suppressing channel egress tool on non-messenger butler",
			"tool", name,
			"butler", r.butlerName)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("register tool %q: %w", name, fault.ErrAlreadyExists)
	}
	r.tools[name] = tool
	return nil
}

// RegisterAll registers each tool, stopping at the first failure.
func (r *Registry) RegisterAll(ts ...Tool) error {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether the named tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Invoke dispatches to the named tool. Unknown names map to not-found.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("tool %q: %w", name, fault.ErrNotFound)
	}
	return tool.Invoke(ctx, args)
}
