package switchboard

import (
	"context"
	"time"

	"github.com/butler-platform/butlerd/pkg/envelope"
	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/tools"
	"github.com/butler-platform/butlerd/pkg/triage"
)

type toolset struct {
	sb *Switchboard
}

// RegisterTools installs the switchboard tool surface: the reserved ingest
// tool, the peer registry, and triage rule management.
func RegisterTools(reg *tools.Registry, sb *Switchboard) error {
	t := &toolset{sb: sb}
	return reg.RegisterAll(
		tools.Func("ingest", t.ingest),
		tools.Func("ingest.show", t.ingestShow),
		tools.Func("registry.register", t.register),
		tools.Func("registry.resolve", t.resolve),
		tools.Func("registry.list", t.list),
		tools.Func("registry.heartbeat", t.heartbeat),
		tools.Func("registry.deregister", t.deregister),
		tools.Func("triage.create_rule", t.createRule),
		tools.Func("triage.list_rules", t.listRules),
		tools.Func("triage.set_rule_active", t.setRuleActive),
		tools.Func("triage.evaluate", t.evaluate),
		tools.Func("switchboard.stats", t.stats),
	)
}

// ingest accepts an ingest.v1 envelope carried directly in the tool args.
func (t *toolset) ingest(ctx context.Context, args map[string]any) (map[string]any, error) {
	var env envelope.Ingest
	if err := envelope.Decode(args, &env); err != nil {
		return nil, err
	}

	res, err := t.sb.Intake.Accept(ctx, &env)
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		return map[string]any{
			"status":     "duplicate",
			"duplicate":  true,
			"message_id": res.MessageID,
		}, nil
	}
	return map[string]any{
		"status":     "accepted",
		"message_id": res.MessageID,
		"enqueued":   res.Enqueued,
	}, nil
}

func (t *toolset) ingestShow(ctx context.Context, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "id")
	if id == "" {
		return nil, fault.NewValidationError("id", "required")
	}
	return t.sb.Intake.Show(ctx, id)
}

func (t *toolset) register(ctx context.Context, args map[string]any) (map[string]any, error) {
	peer, err := t.sb.Registry.RegisterPeer(ctx, Peer{
		Name:        stringArg(args, "name"),
		EndpointURL: stringArg(args, "endpoint_url"),
		Description: stringArg(args, "description"),
		Modules:     stringSliceArg(args, "modules"),
	})
	if err != nil {
		return nil, err
	}
	return peerMap(peer), nil
}

func (t *toolset) resolve(ctx context.Context, args map[string]any) (map[string]any, error) {
	peer, err := t.sb.Registry.ResolvePeer(ctx, stringArg(args, "name"))
	if err != nil {
		return nil, err
	}
	return peerMap(peer), nil
}

func (t *toolset) list(ctx context.Context, _ map[string]any) (map[string]any, error) {
	peers, err := t.sb.Registry.ListPeers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(peers))
	for i, peer := range peers {
		out[i] = peerMap(peer)
	}
	return map[string]any{"butlers": out, "count": len(out)}, nil
}

func (t *toolset) heartbeat(ctx context.Context, args map[string]any) (map[string]any, error) {
	peer, err := t.sb.Registry.Heartbeat(ctx, stringArg(args, "name"))
	if err != nil {
		return nil, err
	}
	return peerMap(peer), nil
}

func (t *toolset) deregister(ctx context.Context, args map[string]any) (map[string]any, error) {
	name := stringArg(args, "name")
	if err := t.sb.Registry.DeregisterPeer(ctx, name); err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "deregistered": true}, nil
}

func (t *toolset) createRule(ctx context.Context, args map[string]any) (map[string]any, error) {
	rule, err := t.sb.Rules.CreateRule(ctx, RuleInput{
		RuleType:  stringArg(args, "rule_type"),
		Action:    stringArg(args, "action"),
		Condition: asMap(args["condition"]),
		Priority:  intArg(args, "priority"),
	})
	if err != nil {
		return nil, err
	}
	return ruleMap(rule), nil
}

func (t *toolset) listRules(ctx context.Context, args map[string]any) (map[string]any, error) {
	activeOnly := true
	if v, ok := args["active_only"].(bool); ok {
		activeOnly = v
	}
	rules, err := t.sb.Rules.ListRules(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(rules))
	for i, rule := range rules {
		out[i] = ruleMap(rule)
	}
	return map[string]any{"rules": out, "count": len(out)}, nil
}

func (t *toolset) setRuleActive(ctx context.Context, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "id")
	if id == "" {
		return nil, fault.NewValidationError("id", "required")
	}
	active, ok := args["active"].(bool)
	if !ok {
		return nil, fault.NewValidationError("active", "required")
	}
	rule, err := t.sb.Rules.SetRuleActive(ctx, id, active)
	if err != nil {
		return nil, err
	}
	return ruleMap(rule), nil
}

// evaluate is the dry run: triage an envelope without persisting anything.
// The envelope is taken as-is; missing fields classify as empty rather than
// erroring, so partial envelopes can be probed.
func (t *toolset) evaluate(ctx context.Context, args map[string]any) (map[string]any, error) {
	var env envelope.Ingest
	if err := envelope.Decode(args, &env); err != nil {
		return nil, err
	}

	tenv := triage.EnvelopeFromIngest(&env)
	affinity := t.sb.Threads.Lookup(ctx, tenv.SourceChannel, tenv.ThreadID)
	rules, err := t.sb.Rules.ActiveRules(ctx)
	if err != nil {
		return nil, err
	}

	decision := triage.Evaluate(tenv, rules, affinity)
	out := map[string]any{"decision": decisionMap(decision)}
	if affinity != "" {
		out["thread_affinity"] = affinity
	}
	return out, nil
}

func (t *toolset) stats(ctx context.Context, _ map[string]any) (map[string]any, error) {
	return t.sb.Stats(ctx)
}

func peerMap(p *Peer) map[string]any {
	m := map[string]any{
		"name":          p.Name,
		"endpoint_url":  p.EndpointURL,
		"description":   p.Description,
		"modules":       p.Modules,
		"registered_at": p.RegisteredAt.Format(time.RFC3339),
	}
	if p.LastSeenAt != nil {
		m["last_seen_at"] = p.LastSeenAt.Format(time.RFC3339)
	}
	return m
}

func ruleMap(r *StoredRule) map[string]any {
	return map[string]any{
		"id":         r.ID,
		"rule_type":  r.RuleType,
		"action":     r.Action,
		"condition":  r.Condition,
		"priority":   r.Priority,
		"active":     r.Active,
		"created_at": r.CreatedAt.Format(time.RFC3339),
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string) int {
	switch n := args[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func stringSliceArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		return stringSlice(v)
	default:
		return nil
	}
}
