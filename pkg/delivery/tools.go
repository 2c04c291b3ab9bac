package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/tools"
)

// RegisterTools exposes the pipeline as delivery.* tools and the dead-letter
// queue as dead_letter.* tools.
func RegisterTools(reg *tools.Registry, svc *Service, dlq *DLQ) error {
	return reg.RegisterAll(
		tools.Func("delivery.send", svc.sendTool),
		tools.Func("delivery.status", svc.statusTool),
		tools.Func("dead_letter.list", dlq.listTool),
		tools.Func("dead_letter.inspect", dlq.inspectTool),
		tools.Func("dead_letter.replay", dlq.replayTool),
		tools.Func("dead_letter.discard", dlq.discardTool),
	)
}

func (s *Service) sendTool(ctx context.Context, args map[string]any) (map[string]any, error) {
	res, err := s.Enqueue(ctx, EnqueueInput{
		IdempotencyKey: stringArg(args, "idempotency_key"),
		OriginButler:   stringArg(args, "origin_butler"),
		Channel:        stringArg(args, "channel"),
		Intent:         stringArg(args, "intent"),
		TargetIdentity: stringArg(args, "recipient"),
		MessageContent: stringArg(args, "message"),
		Subject:        stringArg(args, "subject"),
		IdentityScope:  stringArg(args, "identity_scope"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"delivery_id": res.ID,
		"status":      res.Status,
		"duplicate":   res.Duplicate,
	}, nil
}

func (s *Service) statusTool(ctx context.Context, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "id")
	if id == "" {
		return nil, fault.NewValidationError("id", "required")
	}
	return s.Status(ctx, id)
}

func (q *DLQ) listTool(ctx context.Context, args map[string]any) (map[string]any, error) {
	f := ListFilter{
		IncludeDiscarded: boolArg(args, "include_discarded"),
		Channel:          stringArg(args, "channel"),
		OriginButler:     stringArg(args, "origin_butler"),
		ErrorClass:       stringArg(args, "error_class"),
		Limit:            intArg(args, "limit"),
	}
	var err error
	if f.Since, err = timeArg(args, "since"); err != nil {
		return nil, err
	}

	entries, err := q.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return map[string]any{"dead_letters": entries, "count": len(entries)}, nil
}

func (q *DLQ) inspectTool(ctx context.Context, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "id")
	if id == "" {
		return nil, fault.NewValidationError("id", "required")
	}
	return q.Inspect(ctx, id)
}

func (q *DLQ) replayTool(ctx context.Context, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "id")
	if id == "" {
		return nil, fault.NewValidationError("id", "required")
	}
	return q.Replay(ctx, id)
}

func (q *DLQ) discardTool(ctx context.Context, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "id")
	if id == "" {
		return nil, fault.NewValidationError("id", "required")
	}
	return q.Discard(ctx, id, stringArg(args, "reason"))
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// intArg reads a numeric argument, tolerating the float64 JSON decoding
// produces.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// timeArg parses an optional RFC3339 timestamp argument.
func timeArg(args map[string]any, key string) (*time.Time, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fault.NewValidationError(key, "must be an RFC3339 timestamp string")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fault.NewValidationError(key,
			fmt.Sprintf("invalid RFC3339 timestamp %q", s))
	}
	return &t, nil
}
