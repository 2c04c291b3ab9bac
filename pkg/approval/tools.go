package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/tools"
)

// Invoker runs a named tool with args. *tools.Registry satisfies it; the
// approve flow uses it to execute the gated tool through the same dispatch
// path a session would.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

type toolset struct {
	svc     *Service
	exec    *Executor
	invoker Invoker
}

// RegisterTools exposes the approval queue as approval.* tools. With exec
// and invoker wired, approve_action runs the gated tool inline and returns
// its execution result; with either nil, approval stops at the decision and
// execution happens elsewhere.
func RegisterTools(reg *tools.Registry, svc *Service, exec *Executor, invoker Invoker) error {
	ts := &toolset{svc: svc, exec: exec, invoker: invoker}
	return reg.RegisterAll(
		tools.Func("approval.list_pending_actions", ts.listPending),
		tools.Func("approval.show_pending_action", ts.showPending),
		tools.Func("approval.pending_action_count", ts.count),
		tools.Func("approval.approve_action", ts.approve),
		tools.Func("approval.reject_action", ts.reject),
		tools.Func("approval.expire_stale_actions", ts.expire),
		tools.Func("approval.create_rule", ts.createRule),
		tools.Func("approval.create_rule_from_action", ts.createRuleFromAction),
		tools.Func("approval.list_rules", ts.listRules),
		tools.Func("approval.show_rule", ts.showRule),
		tools.Func("approval.revoke_rule", ts.revokeRule),
		tools.Func("approval.suggest_rule_constraints", ts.suggest),
		tools.Func("approval.list_executed_actions", ts.listExecuted),
	)
}

func (t *toolset) listPending(ctx context.Context, args map[string]any) (map[string]any, error) {
	actions, err := t.svc.ListPendingActions(ctx, stringArg(args, "status"), intArg(args, "limit"))
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(actions))
	for i, action := range actions {
		out[i] = actionMap(action)
	}
	return map[string]any{"actions": out, "count": len(out)}, nil
}

func (t *toolset) showPending(ctx context.Context, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "id")
	if id == "" {
		return nil, fault.NewValidationError("id", "required")
	}
	action, err := t.svc.ShowPendingAction(ctx, id)
	if err != nil {
		return nil, err
	}
	return actionMap(action), nil
}

func (t *toolset) count(ctx context.Context, _ map[string]any) (map[string]any, error) {
	counts, err := t.svc.PendingActionCount(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"total": counts.Total, "by_status": counts.ByStatus}, nil
}

func (t *toolset) approve(ctx context.Context, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "id")
	if id == "" {
		return nil, fault.NewValidationError("id", "required")
	}

	action, err := t.svc.ApproveAction(ctx, id, stringArg(args, "decided_by"))
	if err != nil {
		return nil, err
	}
	out := map[string]any{"action": actionMap(action), "status": StatusApproved}

	if boolArg(args, "create_rule") {
		rule, err := t.svc.CreateRuleFromAction(ctx, id, nil)
		if err != nil {
			return nil, fmt.Errorf("action approved but rule creation failed: %w", err)
		}
		out["rule"] = ruleMap(rule)
	}

	if t.exec != nil && t.invoker != nil {
		result, err := t.exec.ExecuteApprovedAction(ctx, id,
			func(ctx context.Context, toolArgs map[string]any) (map[string]any, error) {
				return t.invoker.Invoke(ctx, action.ToolName, toolArgs)
			})
		if err != nil {
			return nil, err
		}
		out["execution_result"] = result
		out["status"] = StatusExecuted
	}
	return out, nil
}

func (t *toolset) reject(ctx context.Context, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "id")
	if id == "" {
		return nil, fault.NewValidationError("id", "required")
	}
	action, err := t.svc.RejectAction(ctx, id, stringArg(args, "reason"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"action": actionMap(action), "status": StatusRejected}, nil
}

func (t *toolset) expire(ctx context.Context, _ map[string]any) (map[string]any, error) {
	n, err := t.svc.ExpireStaleActions(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"expired": n}, nil
}

func (t *toolset) createRule(ctx context.Context, args map[string]any) (map[string]any, error) {
	in := CreateRuleInput{
		ToolName:    stringArg(args, "tool_name"),
		Description: stringArg(args, "description"),
	}
	if m, ok := args["constraints"].(map[string]any); ok {
		in.Constraints = m
	}
	if n, ok := intArgOK(args, "max_uses"); ok {
		in.MaxUses = &n
	}

	var err error
	if in.ExpiresAt, err = timeArg(args, "expires_at"); err != nil {
		return nil, err
	}

	rule, err := t.svc.CreateApprovalRule(ctx, in)
	if err != nil {
		return nil, err
	}
	return ruleMap(rule), nil
}

func (t *toolset) createRuleFromAction(ctx context.Context, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "id")
	if id == "" {
		return nil, fault.NewValidationError("id", "required")
	}

	var o RuleOverrides
	if m, ok := args["constraints"].(map[string]any); ok {
		o.Constraints = m
	}
	o.Description = stringArg(args, "description")
	if n, ok := intArgOK(args, "max_uses"); ok {
		o.MaxUses = &n
	}
	var err error
	if o.ExpiresAt, err = timeArg(args, "expires_at"); err != nil {
		return nil, err
	}

	rule, err := t.svc.CreateRuleFromAction(ctx, id, &o)
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
	rules, err := t.svc.ListApprovalRules(ctx, stringArg(args, "tool_name"), activeOnly)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(rules))
	for i, rule := range rules {
		out[i] = ruleMap(rule)
	}
	return map[string]any{"rules": out, "count": len(out)}, nil
}

func (t *toolset) showRule(ctx context.Context, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "id")
	if id == "" {
		return nil, fault.NewValidationError("id", "required")
	}
	rule, err := t.svc.ShowApprovalRule(ctx, id)
	if err != nil {
		return nil, err
	}
	return ruleMap(rule), nil
}

func (t *toolset) revokeRule(ctx context.Context, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "id")
	if id == "" {
		return nil, fault.NewValidationError("id", "required")
	}
	rule, err := t.svc.RevokeApprovalRule(ctx, id)
	if err != nil {
		return nil, err
	}
	return ruleMap(rule), nil
}

func (t *toolset) suggest(ctx context.Context, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "id")
	if id == "" {
		return nil, fault.NewValidationError("id", "required")
	}
	constraints, err := t.svc.SuggestRuleConstraints(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"action_id": id, "constraints": constraints}, nil
}

func (t *toolset) listExecuted(ctx context.Context, args map[string]any) (map[string]any, error) {
	f := ExecutedFilter{
		ToolName: stringArg(args, "tool_name"),
		RuleID:   stringArg(args, "rule_id"),
		Limit:    intArg(args, "limit"),
	}
	var err error
	if f.Since, err = timeArg(args, "since"); err != nil {
		return nil, err
	}

	actions, err := t.svc.ListExecutedActions(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(actions))
	for i, action := range actions {
		out[i] = actionMap(action)
	}
	return map[string]any{"actions": out, "count": len(out)}, nil
}

func actionMap(a *Action) map[string]any {
	m := map[string]any{
		"id":           a.ID,
		"tool_name":    a.ToolName,
		"tool_args":    a.ToolArgs,
		"status":       a.Status,
		"requested_at": a.RequestedAt.Format(time.RFC3339),
	}
	if a.ApprovalRuleID != "" {
		m["approval_rule_id"] = a.ApprovalRuleID
	}
	if a.DecidedBy != "" {
		m["decided_by"] = a.DecidedBy
	}
	if a.DecidedAt != nil {
		m["decided_at"] = a.DecidedAt.Format(time.RFC3339)
	}
	if a.ExpiresAt != nil {
		m["expires_at"] = a.ExpiresAt.Format(time.RFC3339)
	}
	if a.ExecutionResult != nil {
		m["execution_result"] = a.ExecutionResult
	}
	return m
}

func ruleMap(r *Rule) map[string]any {
	m := map[string]any{
		"id":          r.ID,
		"tool_name":   r.ToolName,
		"constraints": r.ArgConstraints,
		"description": r.Description,
		"active":      r.Active,
		"use_count":   r.UseCount,
		"created_at":  r.CreatedAt.Format(time.RFC3339),
	}
	if r.ExpiresAt != nil {
		m["expires_at"] = r.ExpiresAt.Format(time.RFC3339)
	}
	if r.MaxUses != nil {
		m["max_uses"] = *r.MaxUses
	}
	if r.CreatedFromActionID != "" {
		m["created_from_action_id"] = r.CreatedFromActionID
	}
	return m
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func intArg(args map[string]any, key string) int {
	n, _ := intArgOK(args, key)
	return n
}

// intArgOK tolerates the float64 that JSON decoding produces for numbers.
func intArgOK(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
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
