package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/postgres"
)

// Rule is one approval_rules row. A rule matches an invocation when it is
// active, unexpired, has uses left, and every arg constraint equals the
// invocation's arg.
type Rule struct {
	ID                  string
	ToolName            string
	ArgConstraints      map[string]any
	Description         string
	Active              bool
	CreatedAt           time.Time
	ExpiresAt           *time.Time
	MaxUses             *int
	UseCount            int
	CreatedFromActionID string
}

// CreateRuleInput describes a new standing rule.
type CreateRuleInput struct {
	ToolName            string
	Constraints         map[string]any
	Description         string
	ExpiresAt           *time.Time
	MaxUses             *int
	CreatedFromActionID string
}

// RuleOverrides adjusts a derived rule before insertion. Constraint entries
// replace the suggested ones; an explicit nil value removes the key.
type RuleOverrides struct {
	Constraints map[string]any
	Description string
	ExpiresAt   *time.Time
	MaxUses     *int
}

// CreateApprovalRule inserts a standing auto-approval rule.
func (s *Service) CreateApprovalRule(ctx context.Context, in CreateRuleInput) (*Rule, error) {
	if in.ToolName == "" {
		return nil, fault.NewValidationError("tool_name", "required")
	}
	if in.MaxUses != nil && *in.MaxUses <= 0 {
		return nil, fault.NewValidationError("max_uses", "must be positive")
	}

	id := uuid.Must(uuid.NewV7()).String()
	_, err := s.db.Execute(ctx,
		`INSERT INTO approval_rules
		     (id, tool_name, arg_constraints, description, active, expires_at,
		      max_uses, created_from_action_id)
		 VALUES ($1, $2, $3, $4, true, $5, $6, NULLIF($7, ''))`,
		id, in.ToolName, argsParam(in.Constraints), in.Description,
		in.ExpiresAt, in.MaxUses, in.CreatedFromActionID)
	if err != nil {
		return nil, fmt.Errorf("insert approval rule: %w", err)
	}

	slog.Info("Approval rule created", "rule_id", id, "tool", in.ToolName,
		"constraints", len(in.Constraints))
	return s.ShowApprovalRule(ctx, id)
}

// CreateRuleFromAction derives a standing rule from an action's recorded
// args: the sensitivity heuristic proposes which args to pin, the overrides
// adjust the result.
func (s *Service) CreateRuleFromAction(ctx context.Context, actionID string, o *RuleOverrides) (*Rule, error) {
	action, err := s.ShowPendingAction(ctx, actionID)
	if err != nil {
		return nil, err
	}

	constraints := suggestConstraints(action.ToolArgs)
	description := fmt.Sprintf("Auto-approve %s (derived from action %s)", action.ToolName, action.ID)

	in := CreateRuleInput{
		ToolName:            action.ToolName,
		Description:         description,
		CreatedFromActionID: action.ID,
	}
	if o != nil {
		for key, value := range o.Constraints {
			if value == nil {
				delete(constraints, key)
				continue
			}
			constraints[key] = value
		}
		if o.Description != "" {
			in.Description = o.Description
		}
		in.ExpiresAt = o.ExpiresAt
		in.MaxUses = o.MaxUses
	}
	in.Constraints = constraints
	return s.CreateApprovalRule(ctx, in)
}

// SuggestRuleConstraints previews what CreateRuleFromAction would pin,
// without creating anything.
func (s *Service) SuggestRuleConstraints(ctx context.Context, actionID string) (map[string]any, error) {
	action, err := s.ShowPendingAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	return suggestConstraints(action.ToolArgs), nil
}

// ListApprovalRules returns rules newest first. With activeOnly the list
// narrows to rules still capable of matching: active, unexpired, uses left.
func (s *Service) ListApprovalRules(ctx context.Context, toolName string, activeOnly bool) ([]*Rule, error) {
	rows, err := s.db.Fetch(ctx,
		`SELECT * FROM approval_rules
		 WHERE ($1 = '' OR tool_name = $1)
		   AND (NOT $2 OR (active
		        AND (expires_at IS NULL OR expires_at > now())
		        AND (max_uses IS NULL OR use_count < max_uses)))
		 ORDER BY created_at DESC`,
		toolName, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list approval rules: %w", err)
	}

	rules := make([]*Rule, 0, len(rows))
	for _, row := range rows {
		rule, err := ruleFromRow(row)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// ShowApprovalRule loads one rule by id.
func (s *Service) ShowApprovalRule(ctx context.Context, id string) (*Rule, error) {
	row, err := s.db.FetchRow(ctx, `SELECT * FROM approval_rules WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return nil, fmt.Errorf("approval rule %s: %w", id, fault.ErrNotFound)
		}
		return nil, err
	}
	return ruleFromRow(row)
}

// RevokeApprovalRule deactivates a rule. Revoking an already-revoked rule is
// a no-op returning the current row.
func (s *Service) RevokeApprovalRule(ctx context.Context, id string) (*Rule, error) {
	n, err := s.db.Execute(ctx,
		`UPDATE approval_rules SET active = false WHERE id = $1 AND active`, id)
	if err != nil {
		return nil, fmt.Errorf("revoke approval rule: %w", err)
	}
	if n > 0 {
		slog.Info("Approval rule revoked", "rule_id", id)
	}
	return s.ShowApprovalRule(ctx, id)
}

// matchingRules loads the rules for a tool that could still admit a request,
// oldest first so the earliest standing rule wins ties.
func (s *Service) matchingRules(ctx context.Context, toolName string) ([]*Rule, error) {
	rows, err := s.db.Fetch(ctx,
		`SELECT * FROM approval_rules
		 WHERE tool_name = $1 AND active
		   AND (expires_at IS NULL OR expires_at > now())
		   AND (max_uses IS NULL OR use_count < max_uses)
		 ORDER BY created_at`,
		toolName)
	if err != nil {
		return nil, fmt.Errorf("load rules for %s: %w", toolName, err)
	}

	rules := make([]*Rule, 0, len(rows))
	for _, row := range rows {
		rule, err := ruleFromRow(row)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// constraintsMatch reports whether every constraint key is present in args
// with a JSON-equal value. An empty constraint set matches any invocation of
// the rule's tool.
func constraintsMatch(constraints, args map[string]any) bool {
	for key, want := range constraints {
		got, ok := args[key]
		if !ok || !jsonEqual(want, got) {
			return false
		}
	}
	return true
}

// jsonEqual compares values by canonical JSON encoding, so a number that
// arrives as int from a Go caller and as float64 from decoded JSON still
// matches.
func jsonEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

var (
	targetArgPattern  = regexp.MustCompile(`(?i)(^|_)(to|recipient|target|channel|chat|user|email|address|identity|account|path|url|host|id)(_|$)`)
	payloadArgPattern = regexp.MustCompile(`(?i)(^|_)(message|body|text|content|prompt|subject|summary|description|notes?|memo|comment|reason)(_|$)`)
)

// Values longer than this are treated as free text even when the arg name
// looks neutral.
const maxPinnedValueLen = 64

// suggestConstraints proposes arg_constraints for a standing rule: pin the
// args that aim the tool at a target, leave free-text payload args open. A
// rule derived from "send to alice with message X" should admit future sends
// to alice whatever the message says, and nothing aimed elsewhere.
func suggestConstraints(args map[string]any) map[string]any {
	out := map[string]any{}
	for name, value := range args {
		if payloadArgPattern.MatchString(name) {
			continue
		}
		if targetArgPattern.MatchString(name) {
			out[name] = value
			continue
		}
		switch v := value.(type) {
		case string:
			if len(v) <= maxPinnedValueLen {
				out[name] = v
			}
		case bool, float64, int, int32, int64:
			out[name] = v
		}
	}
	return out
}

func ruleFromRow(row map[string]any) (*Rule, error) {
	constraints, err := postgres.NormalizeJSONB(row["arg_constraints"])
	if err != nil {
		return nil, fmt.Errorf("decode arg_constraints: %w", err)
	}

	return &Rule{
		ID:                  rowString(row, "id"),
		ToolName:            rowString(row, "tool_name"),
		ArgConstraints:      asMap(constraints),
		Description:         rowString(row, "description"),
		Active:              row["active"] == true,
		CreatedAt:           derefTime(rowTime(row, "created_at")),
		ExpiresAt:           rowTime(row, "expires_at"),
		MaxUses:             rowIntPtr(row, "max_uses"),
		UseCount:            rowInt(row, "use_count"),
		CreatedFromActionID: rowString(row, "created_from_action_id"),
	}, nil
}

func rowInt(row map[string]any, key string) int {
	switch v := row[key].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}

func rowIntPtr(row map[string]any, key string) *int {
	switch v := row[key].(type) {
	case int32:
		n := int(v)
		return &n
	case int64:
		n := int(v)
		return &n
	}
	return nil
}
