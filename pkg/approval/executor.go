package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/butler-platform/butlerd/pkg/metrics"
	"github.com/butler-platform/butlerd/pkg/postgres"
)

// ToolFunc runs the gated tool with the action's recorded args.
type ToolFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// Executor runs approved actions. Per-action serialization plus the
// approved → executed CAS make the tool run at most once per action in this
// process, with concurrent losers handed the winner's stored result.
type Executor struct {
	db      *postgres.Client
	metrics *metrics.Metrics

	// Per-action mutex so concurrent retries of the same action wait for
	// the first invocation instead of racing it.
	locks sync.Map // action id → *sync.Mutex
}

// NewExecutor creates an executor. metrics may be nil.
func NewExecutor(db *postgres.Client, m *metrics.Metrics) *Executor {
	return &Executor{db: db, metrics: m}
}

// ExecuteApprovedAction runs fn for an approved action and records the
// outcome as the action's immutable execution_result. Calling it again for
// an already-executed action returns the stored result without invoking fn.
// The tool's own failure is not an error here: it comes back inside the
// result with success=false.
func (e *Executor) ExecuteApprovedAction(ctx context.Context, actionID string, fn ToolFunc) (map[string]any, error) {
	muI, _ := e.locks.LoadOrStore(actionID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	action, err := e.load(ctx, actionID)
	if err != nil {
		return nil, err
	}

	if action.Status == StatusExecuted {
		return action.ExecutionResult, nil
	}
	if err := ValidateTransition(action.Status, StatusExecuted); err != nil {
		return nil, err
	}

	result, invokeErr := invokeTool(ctx, fn, action.ToolArgs)

	execResult := map[string]any{
		"success":     invokeErr == nil,
		"executed_at": time.Now().UTC().Format(time.RFC3339),
	}
	if invokeErr != nil {
		execResult["error"] = invokeErr.Error()
	} else if result != nil {
		execResult["result"] = result
	}

	// The tool already ran; losing the caller's context now must not lose
	// the record of it.
	wctx := context.Background()
	n, err := e.db.Execute(wctx,
		`UPDATE pending_actions
		 SET status = $2, execution_result = $3
		 WHERE id = $1 AND status = $4`,
		actionID, StatusExecuted, execResult, StatusApproved)
	if err != nil {
		return nil, fmt.Errorf("record execution for action %s: %w", actionID, err)
	}
	if n == 0 {
		// Another executor won the CAS; its stored result is the truth.
		winner, err := e.load(wctx, actionID)
		if err != nil {
			return nil, err
		}
		return winner.ExecutionResult, nil
	}

	if e.metrics != nil {
		e.metrics.ApprovalTransitions.WithLabelValues(StatusExecuted).Inc()
	}

	eventType := "action_execution_succeeded"
	detail := map[string]any{"tool_name": action.ToolName}
	if invokeErr != nil {
		eventType = "action_execution_failed"
		detail["error"] = invokeErr.Error()
		slog.Warn("Approved action execution failed",
			"action_id", actionID, "tool", action.ToolName, "error", invokeErr)
	} else {
		slog.Info("Approved action executed",
			"action_id", actionID, "tool", action.ToolName)
	}
	e.recordEvent(wctx, actionID, eventType, detail)

	return execResult, nil
}

func (e *Executor) load(ctx context.Context, actionID string) (*Action, error) {
	row, err := e.db.FetchRow(ctx, `SELECT * FROM pending_actions WHERE id = $1`, actionID)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", actionID, err)
	}
	return actionFromRow(row)
}

// recordEvent appends to the audit trail. The execution outcome is already
// committed; a failed event write is logged, not surfaced.
func (e *Executor) recordEvent(ctx context.Context, actionID, eventType string, detail map[string]any) {
	_, err := e.db.Execute(ctx,
		`INSERT INTO approval_events (id, action_id, event_type, actor, detail)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.Must(uuid.NewV7()).String(), actionID, eventType, "system:executor", jsonbParam(detail))
	if err != nil {
		slog.Error("Failed to record execution event",
			"action_id", actionID, "event_type", eventType, "error", err)
	}
}

// invokeTool shields the executor from a panicking tool implementation; the
// panic becomes a failed execution result.
func invokeTool(ctx context.Context, fn ToolFunc, args map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return fn(ctx, args)
}
