package switchboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/postgres"
	"github.com/butler-platform/butlerd/pkg/triage"
)

// defaultRulePriority places unprioritized rules after anything an operator
// deliberately ordered.
const defaultRulePriority = 100

// StoredRule is one triage_rules row.
type StoredRule struct {
	ID        string
	RuleType  string
	Action    string
	Condition map[string]any
	Priority  int
	Active    bool
	CreatedAt time.Time
}

// RuleInput describes a triage rule to create. Priority 0 takes the default;
// lower priorities evaluate first.
type RuleInput struct {
	RuleType  string
	Action    string
	Condition map[string]any
	Priority  int
}

// RuleStore owns the triage_rules table and projects it into the rule list
// the classifier evaluates.
type RuleStore struct {
	db *postgres.Client
}

// NewRuleStore builds the rule store.
func NewRuleStore(db *postgres.Client) *RuleStore {
	return &RuleStore{db: db}
}

// CreateRule validates and stores a rule. The evaluator tolerates unknown
// rule types at match time, but creating one here is an operator typo and
// gets rejected.
func (s *RuleStore) CreateRule(ctx context.Context, in RuleInput) (*StoredRule, error) {
	switch in.RuleType {
	case triage.RuleSenderDomain, triage.RuleSenderAddress, triage.RuleHeaderCondition, triage.RuleMIMEType:
	default:
		return nil, fault.NewValidationError("rule_type", fmt.Sprintf("unknown rule type %q", in.RuleType))
	}
	if err := validateAction(in.Action); err != nil {
		return nil, err
	}
	if in.Priority < 0 {
		return nil, fault.NewValidationError("priority", "must not be negative")
	}
	if in.Priority == 0 {
		in.Priority = defaultRulePriority
	}
	condition := in.Condition
	if condition == nil {
		condition = map[string]any{}
	}

	id := uuid.Must(uuid.NewV7()).String()
	_, err := s.db.Execute(ctx,
		`INSERT INTO triage_rules (id, rule_type, action, condition, priority)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, in.RuleType, in.Action, condition, in.Priority)
	if err != nil {
		return nil, fmt.Errorf("insert triage rule: %w", err)
	}

	slog.Info("Triage rule created",
		"rule_id", id, "rule_type", in.RuleType, "action", in.Action, "priority", in.Priority)
	return s.ShowRule(ctx, id)
}

// ShowRule returns one rule by id.
func (s *RuleStore) ShowRule(ctx context.Context, id string) (*StoredRule, error) {
	row, err := s.db.FetchRow(ctx,
		`SELECT id, rule_type, action, condition, priority, active, created_at
		 FROM triage_rules WHERE id = $1`, id)
	if errors.Is(err, fault.ErrNotFound) {
		return nil, fmt.Errorf("triage rule %s: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load triage rule: %w", err)
	}
	return storedRuleFromRow(row)
}

// ListRules returns rules in evaluation order, priority ASC then created_at
// ASC. activeOnly narrows to rules the classifier would consider.
func (s *RuleStore) ListRules(ctx context.Context, activeOnly bool) ([]*StoredRule, error) {
	rows, err := s.db.Fetch(ctx,
		`SELECT id, rule_type, action, condition, priority, active, created_at
		 FROM triage_rules
		 WHERE NOT $1 OR active
		 ORDER BY priority, created_at`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list triage rules: %w", err)
	}
	rules := make([]*StoredRule, 0, len(rows))
	for _, row := range rows {
		rule, err := storedRuleFromRow(row)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// SetRuleActive toggles a rule. Disabled rules keep their place in history
// and can be re-enabled without losing their created_at ordering.
func (s *RuleStore) SetRuleActive(ctx context.Context, id string, active bool) (*StoredRule, error) {
	n, err := s.db.Execute(ctx,
		`UPDATE triage_rules SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return nil, fmt.Errorf("update triage rule: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("triage rule %s: %w", id, fault.ErrNotFound)
	}
	return s.ShowRule(ctx, id)
}

// ActiveRules projects the active rules into the evaluator's shape, already
// sorted the way Evaluate expects its input.
func (s *RuleStore) ActiveRules(ctx context.Context) ([]triage.Rule, error) {
	stored, err := s.ListRules(ctx, true)
	if err != nil {
		return nil, err
	}
	rules := make([]triage.Rule, len(stored))
	for i, r := range stored {
		rules[i] = triage.Rule{
			ID:        r.ID,
			Type:      r.RuleType,
			Action:    r.Action,
			Condition: r.Condition,
		}
	}
	return rules, nil
}

func validateAction(action string) error {
	switch action {
	case triage.ActionPassThrough, triage.ActionSkip, triage.ActionMetadataOnly, triage.ActionLowPriorityQueue:
		return nil
	}
	if triage.RouteTarget(action) != "" {
		return nil
	}
	return fault.NewValidationError("action", fmt.Sprintf("unknown action %q", action))
}

func storedRuleFromRow(row map[string]any) (*StoredRule, error) {
	condition, err := postgres.NormalizeJSONB(row["condition"])
	if err != nil {
		return nil, fmt.Errorf("decode rule condition: %w", err)
	}
	return &StoredRule{
		ID:        rowString(row, "id"),
		RuleType:  rowString(row, "rule_type"),
		Action:    rowString(row, "action"),
		Condition: asMap(condition),
		Priority:  rowInt(row, "priority"),
		Active:    row["active"] == true,
		CreatedAt: rowTime(row, "created_at"),
	}, nil
}

func rowString(row map[string]any, key string) string {
	s, _ := row[key].(string)
	return s
}

func rowTime(row map[string]any, key string) time.Time {
	t, _ := row[key].(time.Time)
	return t
}

func rowInt(row map[string]any, key string) int {
	switch n := row[key].(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	default:
		return 0
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
