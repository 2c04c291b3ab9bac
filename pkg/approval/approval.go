// Package approval implements human-in-the-loop gating for sensitive tool
// invocations: a pending-action queue with a strict decision state machine,
// standing auto-approval rules with bounded use counts, and an executor that
// runs approved tools once per action with idempotent replay.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/metrics"
	"github.com/butler-platform/butlerd/pkg/postgres"
)

// Pending-action statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
	StatusExecuted = "executed"
)

// Pending rows that nobody decides expire after this long.
const defaultPendingTTL = 24 * time.Hour

const defaultListLimit = 50

// executedListCap bounds list_executed_actions regardless of the requested
// limit.
const executedListCap = 500

// transitions is the allowed decision state machine. rejected, expired and
// executed are terminal.
var transitions = map[string][]string{
	StatusPending:  {StatusApproved, StatusRejected, StatusExpired},
	StatusApproved: {StatusExecuted},
}

// TransitionError reports a state-machine violation. The message is the wire
// contract; peers render it verbatim.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("Cannot transition from %s to %s", e.From, e.To)
}

// Unwrap maps transition violations to the conflict error class.
func (e *TransitionError) Unwrap() error {
	return fault.ErrCASConflict
}

// ValidateTransition checks one edge of the decision state machine. Every
// status mutation in this package goes through a conditional UPDATE that
// enforces the same edge in SQL; this function names the violation when that
// UPDATE matches nothing.
func ValidateTransition(current, target string) error {
	for _, allowed := range transitions[current] {
		if allowed == target {
			return nil
		}
	}
	return &TransitionError{From: current, To: target}
}

// Action is one pending_actions row.
type Action struct {
	ID              string
	ToolName        string
	ToolArgs        map[string]any
	Status          string
	ApprovalRuleID  string
	RequestedAt     time.Time
	DecidedBy       string
	DecidedAt       *time.Time
	ExpiresAt       *time.Time
	ExecutionResult map[string]any
}

// Decision reports where a requested invocation landed.
type Decision struct {
	ActionID string
	Status   string
	RuleID   string
}

// Counts is the pending_action_count aggregate.
type Counts struct {
	Total    int
	ByStatus map[string]int
}

// ExecutedFilter narrows ListExecutedActions.
type ExecutedFilter struct {
	ToolName string
	RuleID   string
	Since    *time.Time
	Limit    int
}

// Service owns the pending-action queue and the standing rules for one
// butler.
type Service struct {
	db      *postgres.Client
	metrics *metrics.Metrics
}

// NewService creates an approval service. metrics may be nil.
func NewService(db *postgres.Client, m *metrics.Metrics) *Service {
	return &Service{db: db, metrics: m}
}

// RequestApproval files a tool invocation for review. An active standing
// rule whose constraints all match admits it immediately (consuming one use
// under the max_uses guard); otherwise a pending row awaits a human
// decision and expires after the pending TTL.
func (s *Service) RequestApproval(ctx context.Context, toolName string, args map[string]any) (*Decision, error) {
	if toolName == "" {
		return nil, fault.NewValidationError("tool_name", "required")
	}

	rules, err := s.matchingRules(ctx, toolName)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if !constraintsMatch(rule.ArgConstraints, args) {
			continue
		}
		actionID, claimed, err := s.autoApprove(ctx, rule, toolName, args)
		if err != nil {
			return nil, err
		}
		if !claimed {
			// The rule hit its use cap between the read and the claim.
			continue
		}
		slog.Info("Tool invocation auto-approved by standing rule",
			"tool", toolName, "rule_id", rule.ID, "action_id", actionID)
		s.countTransition(StatusApproved)
		return &Decision{ActionID: actionID, Status: StatusApproved, RuleID: rule.ID}, nil
	}

	id := uuid.Must(uuid.NewV7()).String()
	expires := time.Now().Add(defaultPendingTTL)
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO pending_actions (id, tool_name, tool_args, status, expires_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			id, toolName, argsParam(args), StatusPending, expires)
		if err != nil {
			return err
		}
		return insertEventTx(ctx, tx, id, "requested", "system:queue",
			map[string]any{"tool_name": toolName})
	})
	if err != nil {
		return nil, fmt.Errorf("file pending action: %w", err)
	}

	slog.Info("Tool invocation queued for approval", "tool", toolName, "action_id", id)
	return &Decision{ActionID: id, Status: StatusPending}, nil
}

// autoApprove claims one use of the rule and records the approved action in
// the same transaction. claimed is false when a concurrent request exhausted
// the rule first.
func (s *Service) autoApprove(ctx context.Context, rule *Rule, toolName string, args map[string]any) (string, bool, error) {
	id := uuid.Must(uuid.NewV7()).String()
	claimed := false

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE approval_rules
			 SET use_count = use_count + 1
			 WHERE id = $1 AND active
			   AND (expires_at IS NULL OR expires_at > now())
			   AND (max_uses IS NULL OR use_count < max_uses)`,
			rule.ID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		claimed = true

		_, err = tx.Exec(ctx,
			`INSERT INTO pending_actions
			     (id, tool_name, tool_args, status, approval_rule_id, decided_by, decided_at)
			 VALUES ($1, $2, $3, $4, $5, $6, now())`,
			id, toolName, argsParam(args), StatusApproved, rule.ID, "rule:"+rule.ID)
		if err != nil {
			return err
		}
		return insertEventTx(ctx, tx, id, "auto_approved", "system:rule",
			map[string]any{"rule_id": rule.ID})
	})
	if err != nil {
		return "", false, fmt.Errorf("auto-approve via rule %s: %w", rule.ID, err)
	}
	return id, claimed, nil
}

// ListPendingActions returns actions newest first, optionally filtered by
// status. Despite the name the queue holds rows in every status; the filter
// narrows to one.
func (s *Service) ListPendingActions(ctx context.Context, status string, limit int) ([]*Action, error) {
	if status != "" {
		if err := validStatus(status); err != nil {
			return nil, err
		}
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.Fetch(ctx,
		`SELECT * FROM pending_actions
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY requested_at DESC
		 LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	return actionsFromRows(rows)
}

func validStatus(status string) error {
	switch status {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired, StatusExecuted:
		return nil
	}
	return fault.NewValidationError("status",
		fmt.Sprintf("unknown status %q", status))
}

// ShowPendingAction loads one action by id.
func (s *Service) ShowPendingAction(ctx context.Context, id string) (*Action, error) {
	row, err := s.db.FetchRow(ctx, `SELECT * FROM pending_actions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return nil, fmt.Errorf("action %s: %w", id, fault.ErrNotFound)
		}
		return nil, err
	}
	return actionFromRow(row)
}

// PendingActionCount reports the queue size broken down by status.
func (s *Service) PendingActionCount(ctx context.Context) (*Counts, error) {
	rows, err := s.db.Fetch(ctx,
		`SELECT status, COUNT(*) AS n FROM pending_actions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count pending actions: %w", err)
	}

	counts := &Counts{ByStatus: map[string]int{}}
	for _, row := range rows {
		n, _ := row["n"].(int64)
		counts.ByStatus[rowString(row, "status")] = int(n)
		counts.Total += int(n)
	}
	return counts, nil
}

// ApproveAction transitions pending → approved. decidedBy defaults to
// "operator". Any other current status is a conflict and nothing changes.
func (s *Service) ApproveAction(ctx context.Context, id, decidedBy string) (*Action, error) {
	if decidedBy == "" {
		decidedBy = "operator"
	}
	if err := s.decide(ctx, id, StatusApproved, decidedBy, nil); err != nil {
		return nil, err
	}
	slog.Info("Pending action approved", "action_id", id, "decided_by", decidedBy)
	return s.ShowPendingAction(ctx, id)
}

// RejectAction transitions pending → rejected. The reason is recorded as the
// decider so the audit trail carries it even without the events table.
func (s *Service) RejectAction(ctx context.Context, id, reason string) (*Action, error) {
	decidedBy := reason
	if decidedBy == "" {
		decidedBy = "operator"
	}
	var detail map[string]any
	if reason != "" {
		detail = map[string]any{"reason": reason}
	}
	if err := s.decide(ctx, id, StatusRejected, decidedBy, detail); err != nil {
		return nil, err
	}
	slog.Info("Pending action rejected", "action_id", id, "reason", reason)
	return s.ShowPendingAction(ctx, id)
}

// decide performs the pending → target CAS plus its event in one
// transaction. A zero-row CAS is resolved into not-found or a transition
// violation against the row's actual status.
func (s *Service) decide(ctx context.Context, id, target, decidedBy string, detail map[string]any) error {
	decided := false
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE pending_actions
			 SET status = $2, decided_by = $3, decided_at = now()
			 WHERE id = $1 AND status = $4`,
			id, target, decidedBy, StatusPending)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		decided = true
		return insertEventTx(ctx, tx, id, target, decidedBy, detail)
	})
	if err != nil {
		return fmt.Errorf("%s action %s: %w", target, id, err)
	}

	if !decided {
		action, err := s.ShowPendingAction(ctx, id)
		if err != nil {
			return err
		}
		return ValidateTransition(action.Status, target)
	}
	s.countTransition(target)
	return nil
}

// ExpireStaleActions transitions every pending row past its expires_at to
// expired and returns how many moved. The expiry runner calls this on an
// interval; it is safe to call concurrently.
func (s *Service) ExpireStaleActions(ctx context.Context) (int, error) {
	var ids []string
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`UPDATE pending_actions
			 SET status = $1, decided_by = 'system:expiry', decided_at = now()
			 WHERE status = $2 AND expires_at IS NOT NULL AND expires_at <= now()
			 RETURNING id`,
			StatusExpired, StatusPending)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if err := insertEventTx(ctx, tx, id, StatusExpired, "system:expiry", nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("expire stale actions: %w", err)
	}

	if len(ids) > 0 {
		slog.Info("Expired stale pending actions", "count", len(ids))
		if s.metrics != nil {
			s.metrics.ApprovalTransitions.WithLabelValues(StatusExpired).Add(float64(len(ids)))
		}
	}
	return len(ids), nil
}

// ListExecutedActions is the audit query over completed actions, newest
// decision first. The limit caps at 500 no matter what the caller asks for.
func (s *Service) ListExecutedActions(ctx context.Context, f ExecutedFilter) ([]*Action, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > executedListCap {
		limit = executedListCap
	}

	rows, err := s.db.Fetch(ctx,
		`SELECT * FROM pending_actions
		 WHERE status = $1
		   AND ($2 = '' OR tool_name = $2)
		   AND ($3 = '' OR approval_rule_id::text = $3)
		   AND ($4::timestamptz IS NULL OR decided_at >= $4)
		 ORDER BY decided_at DESC
		 LIMIT $5`,
		StatusExecuted, f.ToolName, f.RuleID, f.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("list executed actions: %w", err)
	}
	return actionsFromRows(rows)
}

// Events returns the audit trail for one action, oldest first.
func (s *Service) Events(ctx context.Context, actionID string) ([]map[string]any, error) {
	rows, err := s.db.Fetch(ctx,
		`SELECT event_type, actor, detail, created_at
		 FROM approval_events
		 WHERE action_id = $1
		 ORDER BY created_at, id`,
		actionID)
	if err != nil {
		return nil, fmt.Errorf("list events for action %s: %w", actionID, err)
	}

	events := make([]map[string]any, len(rows))
	for i, row := range rows {
		detail, err := postgres.NormalizeJSONB(row["detail"])
		if err != nil {
			return nil, fmt.Errorf("decode event detail: %w", err)
		}
		event := map[string]any{
			"event_type": rowString(row, "event_type"),
			"actor":      rowString(row, "actor"),
			"created_at": derefTime(rowTime(row, "created_at")).Format(time.RFC3339),
		}
		if m := asMap(detail); m != nil {
			event["detail"] = m
		}
		events[i] = event
	}
	return events, nil
}

func (s *Service) countTransition(target string) {
	if s.metrics != nil {
		s.metrics.ApprovalTransitions.WithLabelValues(target).Inc()
	}
}

func insertEventTx(ctx context.Context, tx pgx.Tx, actionID, eventType, actor string, detail map[string]any) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO approval_events (id, action_id, event_type, actor, detail)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.Must(uuid.NewV7()).String(), actionID, eventType, actor, jsonbParam(detail))
	if err != nil {
		return fmt.Errorf("record %s event: %w", eventType, err)
	}
	return nil
}

func actionsFromRows(rows []map[string]any) ([]*Action, error) {
	actions := make([]*Action, 0, len(rows))
	for _, row := range rows {
		action, err := actionFromRow(row)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, nil
}

func actionFromRow(row map[string]any) (*Action, error) {
	toolArgs, err := postgres.NormalizeJSONB(row["tool_args"])
	if err != nil {
		return nil, fmt.Errorf("decode tool_args: %w", err)
	}
	execResult, err := postgres.NormalizeJSONB(row["execution_result"])
	if err != nil {
		return nil, fmt.Errorf("decode execution_result: %w", err)
	}

	return &Action{
		ID:              rowString(row, "id"),
		ToolName:        rowString(row, "tool_name"),
		ToolArgs:        asMap(toolArgs),
		Status:          rowString(row, "status"),
		ApprovalRuleID:  rowString(row, "approval_rule_id"),
		RequestedAt:     derefTime(rowTime(row, "requested_at")),
		DecidedBy:       rowString(row, "decided_by"),
		DecidedAt:       rowTime(row, "decided_at"),
		ExpiresAt:       rowTime(row, "expires_at"),
		ExecutionResult: asMap(execResult),
	}, nil
}

// tool_args and arg_constraints are NOT NULL; empty maps store as empty
// JSON objects, never SQL NULL.
func argsParam(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// jsonbParam maps empty maps to SQL NULL for nullable JSONB columns.
func jsonbParam(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

func rowString(row map[string]any, key string) string {
	s, _ := row[key].(string)
	return s
}

func rowTime(row map[string]any, key string) *time.Time {
	t, ok := row[key].(time.Time)
	if !ok {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
