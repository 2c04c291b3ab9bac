package switchboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/butler-platform/butlerd/pkg/buffer"
	"github.com/butler-platform/butlerd/pkg/envelope"
	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/postgres"
)

const uniqueViolation = "23505"

// Enqueuer is the durable buffer's hot path. *buffer.Buffer satisfies it.
type Enqueuer interface {
	Enqueue(ref buffer.MessageRef) bool
}

// AcceptResult is the outcome of one ingest call.
type AcceptResult struct {
	MessageID string
	Duplicate bool
	// Enqueued reports whether the ref made it onto the hot queue. False is
	// not a failure; the row is persisted and the scanner recovers it.
	Enqueued bool
}

// Intake accepts ingest.v1 envelopes: validate, persist the row, offer the
// ref to the buffer. Dedup happens at the database, on idempotency_key and
// on the (source_channel, external_event_id) pair.
type Intake struct {
	db    *postgres.Client
	queue Enqueuer
}

// NewIntake builds the intake service.
func NewIntake(db *postgres.Client, queue Enqueuer) *Intake {
	return &Intake{db: db, queue: queue}
}

// Accept persists one ingest envelope and schedules its processing. A
// duplicate returns the prior row's id with Duplicate set and changes
// nothing.
func (i *Intake) Accept(ctx context.Context, env *envelope.Ingest) (*AcceptResult, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	envMap, err := envelope.ToMap(env)
	if err != nil {
		return nil, err
	}

	id := uuid.Must(uuid.NewV7()).String()
	_, err = i.db.Execute(ctx,
		`INSERT INTO ingest_messages
		     (id, envelope, normalized_text, source_channel, external_event_id, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, envMap, env.Payload.NormalizedText, env.Source.Channel,
		env.Event.ExternalEventID, env.Control.IdempotencyKey)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return i.prior(ctx, env)
		}
		return nil, fmt.Errorf("insert ingest message: %w", err)
	}

	enqueued := i.queue.Enqueue(buffer.MessageRef{Kind: buffer.KindIngest, ID: id})
	slog.Info("Ingest accepted",
		"message_id", id,
		"channel", env.Source.Channel,
		"external_event_id", env.Event.ExternalEventID,
		"enqueued", enqueued)
	return &AcceptResult{MessageID: id, Enqueued: enqueued}, nil
}

// prior finds the row a duplicate collided with, by either dedup key.
func (i *Intake) prior(ctx context.Context, env *envelope.Ingest) (*AcceptResult, error) {
	row, err := i.db.FetchRow(ctx,
		`SELECT id FROM ingest_messages
		 WHERE idempotency_key = $1 OR (source_channel = $2 AND external_event_id = $3)`,
		env.Control.IdempotencyKey, env.Source.Channel, env.Event.ExternalEventID)
	if err != nil {
		return nil, fmt.Errorf("look up prior ingest message: %w", err)
	}
	slog.Info("Ingest duplicate suppressed",
		"message_id", rowString(row, "id"),
		"idempotency_key", env.Control.IdempotencyKey)
	return &AcceptResult{MessageID: rowString(row, "id"), Duplicate: true}, nil
}

// Show returns one ingest row's lifecycle view.
func (i *Intake) Show(ctx context.Context, id string) (map[string]any, error) {
	row, err := i.db.FetchRow(ctx,
		`SELECT id, source_channel, external_event_id, idempotency_key, normalized_text,
		        lifecycle_state, received_at, processed_at, error, classification, session_id
		 FROM ingest_messages WHERE id = $1`, id)
	if errors.Is(err, fault.ErrNotFound) {
		return nil, fmt.Errorf("ingest message %s: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load ingest message: %w", err)
	}

	classification, err := postgres.NormalizeJSONB(row["classification"])
	if err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}

	out := map[string]any{
		"id":                rowString(row, "id"),
		"source_channel":    rowString(row, "source_channel"),
		"external_event_id": rowString(row, "external_event_id"),
		"idempotency_key":   rowString(row, "idempotency_key"),
		"normalized_text":   rowString(row, "normalized_text"),
		"lifecycle_state":   rowString(row, "lifecycle_state"),
		"received_at":       rowTime(row, "received_at").Format(time.RFC3339),
	}
	if t, ok := row["processed_at"].(time.Time); ok {
		out["processed_at"] = t.Format(time.RFC3339)
	}
	if s := rowString(row, "error"); s != "" {
		out["error"] = s
	}
	if classification != nil {
		out["classification"] = classification
	}
	if s := rowString(row, "session_id"); s != "" {
		out["session_id"] = s
	}
	return out, nil
}

// StateCounts returns ingest_messages row counts by lifecycle state.
func (i *Intake) StateCounts(ctx context.Context) (map[string]int, error) {
	rows, err := i.db.Fetch(ctx,
		`SELECT lifecycle_state, COUNT(*) AS n FROM ingest_messages GROUP BY lifecycle_state`)
	if err != nil {
		return nil, fmt.Errorf("count ingest messages: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		if n, ok := row["n"].(int64); ok {
			counts[rowString(row, "lifecycle_state")] = int(n)
		}
	}
	return counts, nil
}
