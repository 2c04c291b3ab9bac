package routing

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/butler-platform/butlerd/pkg/envelope"
	"github.com/butler-platform/butlerd/pkg/telemetry"
)

// insertAccepted persists the envelope together with the accept span's
// identity, so the process task can rejoin the trace even after a restart.
func (r *Router) insertAccepted(ctx context.Context, env *envelope.Route) (string, error) {
	envMap, err := envelope.ToMap(env)
	if err != nil {
		return "", err
	}

	id := uuid.Must(uuid.NewV7()).String()
	ref := telemetry.RefFromContext(ctx)
	_, err = r.db.Execute(ctx,
		`INSERT INTO route_inbox (id, envelope, lifecycle_state, trace_id, parent_span_id)
		 VALUES ($1, $2, 'accepted', $3, $4)`,
		id, envMap, ref.TraceID, ref.SpanID)
	if err != nil {
		return "", err
	}

	r.countTransition("accepted")
	return id, nil
}

func (r *Router) claimProcessing(ctx context.Context, inboxID string) (bool, error) {
	n, err := r.db.Execute(ctx,
		`UPDATE route_inbox SET lifecycle_state = 'processing' WHERE id = $1 AND lifecycle_state = 'accepted'`,
		inboxID)
	if err != nil {
		return false, err
	}
	if n == 1 {
		r.countTransition("processing")
	}
	return n == 1, nil
}

// Terminal writes run under a background context; the session context may
// already be cancelled by the time the outcome is known.

func (r *Router) markProcessed(inboxID, sessionID string) {
	_, err := r.db.Execute(context.Background(),
		`UPDATE route_inbox
		 SET lifecycle_state = 'processed', processed_at = now(), session_id = NULLIF($2, '')
		 WHERE id = $1 AND lifecycle_state = 'processing'`,
		inboxID, sessionID)
	if err != nil {
		slog.Error("Failed to mark inbox row processed", "inbox_id", inboxID, "error", err)
		return
	}
	r.countTransition("processed")
}

func (r *Router) markErrored(inboxID, msg string) {
	_, err := r.db.Execute(context.Background(),
		`UPDATE route_inbox
		 SET lifecycle_state = 'errored', processed_at = now(), error = $2
		 WHERE id = $1 AND lifecycle_state = 'processing'`,
		inboxID, msg)
	if err != nil {
		slog.Error("Failed to mark inbox row errored", "inbox_id", inboxID, "error", err)
		return
	}
	r.countTransition("errored")
}

// revertToAccepted returns a claimed row to the recovery pool; used when
// shutdown refused the session before it started.
func (r *Router) revertToAccepted(inboxID string) {
	_, err := r.db.Execute(context.Background(),
		`UPDATE route_inbox SET lifecycle_state = 'accepted' WHERE id = $1 AND lifecycle_state = 'processing'`,
		inboxID)
	if err != nil {
		slog.Error("Failed to revert inbox row to accepted", "inbox_id", inboxID, "error", err)
	}
}

func (r *Router) countTransition(state string) {
	if r.metrics != nil {
		r.metrics.InboxTransitions.WithLabelValues(state).Inc()
	}
}
