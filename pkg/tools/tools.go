// Package tools defines the tool abstraction shared by every butler daemon:
// named operations invokable locally or over the RPC channel, collected in a
// per-daemon registry that enforces the channel-egress ownership rule.
package tools

import "context"

// MessengerButler is the daemon name that owns channel egress. Only this
// butler may register channel send/reply tools; everyone else delivers by
// routing a notify_request to it.
const MessengerButler = "messenger"

// SwitchboardButler is the daemon name that owns ingest, triage, and the
// peer directory every other butler registers in.
const SwitchboardButler = "switchboard"

// Tool is a named operation with JSON-shaped arguments and results.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Func adapts a plain function into a Tool.
func Func(name string, fn func(ctx context.Context, args map[string]any) (map[string]any, error)) Tool {
	return &funcTool{name: name, fn: fn}
}

type funcTool struct {
	name string
	fn   func(ctx context.Context, args map[string]any) (map[string]any, error)
}

func (t *funcTool) Name() string { return t.name }

func (t *funcTool) Invoke(ctx context.Context, args map[string]any) (map[string]any, error) {
	return t.fn(ctx, args)
}
