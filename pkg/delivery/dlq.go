package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/postgres"
)

// DLQ serves the dead_letter.* tools over dead_letters rows.
type DLQ struct {
	db *postgres.Client
}

// NewDLQ creates the dead-letter queue service.
func NewDLQ(db *postgres.Client) *DLQ {
	return &DLQ{db: db}
}

const defaultListLimit = 50

// ListFilter narrows List output. The zero value lists the 50 newest
// undiscarded entries.
type ListFilter struct {
	IncludeDiscarded bool
	Channel          string
	OriginButler     string
	ErrorClass       string
	Since            *time.Time
	Limit            int
}

// List returns dead letters newest first. Discarded entries are excluded
// unless the filter asks for them.
func (q *DLQ) List(ctx context.Context, f ListFilter) ([]map[string]any, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := q.db.Fetch(ctx,
		`SELECT d.id, d.delivery_request_id, d.quarantine_reason, d.error_class,
		        d.error_summary, d.total_attempts, d.replay_eligible, d.replay_count,
		        d.discarded_at, d.discard_reason, d.created_at,
		        r.channel, r.origin_butler, r.target_identity
		 FROM dead_letters d
		 JOIN delivery_requests r ON r.id = d.delivery_request_id
		 WHERE ($1 OR d.discarded_at IS NULL)
		   AND ($2 = '' OR r.channel = $2)
		   AND ($3 = '' OR r.origin_butler = $3)
		   AND ($4 = '' OR d.error_class = $4)
		   AND ($5::timestamptz IS NULL OR d.created_at >= $5)
		 ORDER BY d.created_at DESC
		 LIMIT $6`,
		f.IncludeDiscarded, f.Channel, f.OriginButler, f.ErrorClass, f.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		out[i] = renderRow(row)
	}
	return out, nil
}

// Inspect returns the full dead-letter record plus a computed
// replay_eligibility_assessment explaining whether Replay would succeed.
func (q *DLQ) Inspect(ctx context.Context, id string) (map[string]any, error) {
	row, err := q.db.FetchRow(ctx,
		`SELECT d.id, d.delivery_request_id, d.quarantine_reason, d.error_class,
		        d.error_summary, d.total_attempts, d.first_attempt_at, d.last_attempt_at,
		        d.original_envelope, d.all_attempt_outcomes, d.replay_eligible,
		        d.replay_count, d.discarded_at, d.discard_reason, d.created_at,
		        r.channel, r.origin_butler, r.target_identity, r.idempotency_key
		 FROM dead_letters d
		 JOIN delivery_requests r ON r.id = d.delivery_request_id
		 WHERE d.id = $1`, id)
	if errors.Is(err, fault.ErrNotFound) {
		return nil, fmt.Errorf("dead letter %s: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load dead letter: %w", err)
	}

	eligible := true
	reasons := []string{}
	if v, ok := row["replay_eligible"].(bool); ok && !v {
		eligible = false
		reasons = append(reasons, "replay_eligible is false")
	}
	if row["discarded_at"] != nil {
		eligible = false
		reasons = append(reasons, "already discarded")
	}

	out := renderRow(row)
	out["replay_eligibility_assessment"] = map[string]any{
		"eligible": eligible,
		"reasons":  reasons,
	}
	return out, nil
}

// Replay re-enqueues a dead letter's original payload as a fresh pending
// request. The new idempotency key derives from the original with a
// ::replay-N suffix, so lineage stays visible and repeated replays never
// collide. Discarded or ineligible entries are rejected.
func (q *DLQ) Replay(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	err := q.db.WithTx(ctx, func(tx pgx.Tx) error {
		var (
			requestID      string
			replayEligible bool
			replayCount    int
			discardedAt    *time.Time
		)
		err := tx.QueryRow(ctx,
			`SELECT delivery_request_id, replay_eligible, replay_count, discarded_at
			 FROM dead_letters
			 WHERE id = $1
			 FOR UPDATE`, id).
			Scan(&requestID, &replayEligible, &replayCount, &discardedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("dead letter %s: %w", id, fault.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load dead letter: %w", err)
		}
		switch {
		case discardedAt != nil:
			return fmt.Errorf("dead letter %s already discarded: %w", id, fault.ErrCASConflict)
		case !replayEligible:
			return fmt.Errorf("dead letter %s is not replay eligible: %w", id, fault.ErrCASConflict)
		}

		var (
			key, origin, channel, intent string
			recipient, message, scope    string
			subject                      *string
		)
		err = tx.QueryRow(ctx,
			`SELECT idempotency_key, origin_butler, channel, intent, target_identity,
			        message_content, subject, identity_scope
			 FROM delivery_requests
			 WHERE id = $1`, requestID).
			Scan(&key, &origin, &channel, &intent, &recipient, &message, &subject, &scope)
		if err != nil {
			return fmt.Errorf("load original request: %w", err)
		}

		replayNumber := replayCount + 1
		newID := uuid.Must(uuid.NewV7()).String()
		_, err = tx.Exec(ctx,
			`INSERT INTO delivery_requests
			     (id, idempotency_key, origin_butler, channel, intent, target_identity,
			      message_content, subject, identity_scope)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			newID, fmt.Sprintf("%s::replay-%d", key, replayNumber),
			origin, channel, intent, recipient, message, subject, scope)
		if err != nil {
			return fmt.Errorf("insert replay request: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE dead_letters SET replay_count = replay_count + 1 WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("advance replay count: %w", err)
		}

		out = map[string]any{
			"status":                  "ok",
			"replayed_delivery_id":    newID,
			"replay_number":           replayNumber,
			"original_dead_letter_id": id,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Discard permanently quarantines a dead letter. The first discard wins;
// later calls fail and the original reason survives. There is no undiscard.
func (q *DLQ) Discard(ctx context.Context, id, reason string) (map[string]any, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fault.NewValidationError("reason", "required")
	}

	n, err := q.db.Execute(ctx,
		`UPDATE dead_letters
		 SET replay_eligible = false, discarded_at = now(), discard_reason = $2
		 WHERE id = $1 AND discarded_at IS NULL`,
		id, reason)
	if err != nil {
		return nil, fmt.Errorf("discard dead letter: %w", err)
	}
	if n == 0 {
		row, err := q.db.FetchRow(ctx,
			`SELECT discard_reason FROM dead_letters WHERE id = $1`, id)
		if errors.Is(err, fault.ErrNotFound) {
			return nil, fmt.Errorf("dead letter %s: %w", id, fault.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("load dead letter: %w", err)
		}
		return nil, fmt.Errorf("dead letter %s already discarded (%v): %w",
			id, row["discard_reason"], fault.ErrCASConflict)
	}
	return map[string]any{"status": "ok", "id": id, "discarded": true}, nil
}
