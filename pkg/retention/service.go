// Package retention prunes finished work past its configured age so the
// per-butler schema does not grow without bound.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/butler-platform/butlerd/pkg/config"
	"github.com/butler-platform/butlerd/pkg/metrics"
	"github.com/butler-platform/butlerd/pkg/postgres"
)

// Service periodically deletes terminal rows: processed inbox and ingest
// entries, completed session records, delivered requests with their attempt
// ledgers, discarded dead letters, and resolved approval actions. Live rows
// (pending deliveries, unresolved approvals, accepted inbox entries,
// undiscarded dead letters) are never touched. Every delete is bounded by
// age, so sweeps are idempotent and safe to run from multiple daemons
// sharing a schema.
type Service struct {
	db      *postgres.Client
	cfg     config.RetentionConfig
	metrics *metrics.Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the retention sweeper. It does not start sweeping until Start.
func New(db *postgres.Client, cfg config.RetentionConfig, m *metrics.Metrics) *Service {
	if cfg.SweepIntervalS < 1 {
		cfg.SweepIntervalS = 3600
	}
	return &Service{db: db, cfg: cfg, metrics: m}
}

// Start launches the sweep loop. The first sweep runs immediately.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention sweeper started",
		"sweep_interval_s", s.cfg.SweepIntervalS,
		"inbox_days", s.cfg.InboxDays,
		"sessions_days", s.cfg.SessionsDays,
		"delivery_days", s.cfg.DeliveryDays)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention sweeper stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	ticker := time.NewTicker(time.Duration(s.cfg.SweepIntervalS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs every pruner once. A failing pruner is logged and does not
// stop the rest.
func (s *Service) Sweep(ctx context.Context) {
	s.prune(ctx, "route_inbox", s.pruneInbox)
	s.prune(ctx, "ingest_messages", s.pruneIngest)
	s.prune(ctx, "butler_sessions", s.pruneSessions)
	s.prune(ctx, "delivery_requests", s.pruneDeliveries)
	s.prune(ctx, "dead_letters", s.pruneDeadLetters)
	s.prune(ctx, "pending_actions", s.pruneApprovals)
}

func (s *Service) prune(ctx context.Context, table string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		slog.Error("Retention sweep failed", "table", table, "error", err)
		return
	}
	if count > 0 {
		s.metrics.RetentionPruned.WithLabelValues(table).Add(float64(count))
		slog.Info("Retention pruned rows", "table", table, "count", count)
	}
}

func cutoff(days int) time.Time {
	return time.Now().UTC().AddDate(0, 0, -days)
}

func (s *Service) pruneInbox(ctx context.Context) (int64, error) {
	return s.db.Execute(ctx,
		`DELETE FROM route_inbox
		 WHERE lifecycle_state IN ('processed', 'errored')
		   AND received_at < $1`,
		cutoff(s.cfg.InboxDays))
}

func (s *Service) pruneIngest(ctx context.Context) (int64, error) {
	return s.db.Execute(ctx,
		`DELETE FROM ingest_messages
		 WHERE lifecycle_state IN ('processed', 'errored')
		   AND received_at < $1`,
		cutoff(s.cfg.InboxDays))
}

func (s *Service) pruneSessions(ctx context.Context) (int64, error) {
	return s.db.Execute(ctx,
		`DELETE FROM butler_sessions
		 WHERE outcome <> 'running'
		   AND started_at < $1`,
		cutoff(s.cfg.SessionsDays))
}

// pruneDeliveries removes delivered (and failed) requests together with
// their attempt ledgers. Dead-lettered requests stay until their dead
// letter is discarded; pruneDeadLetters owns that cascade.
func (s *Service) pruneDeliveries(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		before := cutoff(s.cfg.DeliveryDays)
		if _, err := tx.Exec(ctx,
			`DELETE FROM delivery_attempts
			 WHERE delivery_request_id IN (
			     SELECT id FROM delivery_requests
			     WHERE status IN ('delivered', 'failed') AND terminal_at < $1)`,
			before); err != nil {
			return fmt.Errorf("delete attempts: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM delivery_requests
			 WHERE status IN ('delivered', 'failed') AND terminal_at < $1`,
			before)
		if err != nil {
			return fmt.Errorf("delete requests: %w", err)
		}
		count = tag.RowsAffected()
		return nil
	})
	return count, err
}

// pruneDeadLetters removes discarded dead letters and cascades to the
// quarantined request and its attempts. Replay-eligible letters are kept
// whatever their age.
func (s *Service) pruneDeadLetters(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT delivery_request_id FROM dead_letters
			 WHERE discarded_at IS NOT NULL AND discarded_at < $1`,
			cutoff(s.cfg.DeadLetterDays))
		if err != nil {
			return fmt.Errorf("list discarded: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("collect discarded: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM dead_letters WHERE delivery_request_id = ANY($1::uuid[])`, ids); err != nil {
			return fmt.Errorf("delete dead letters: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM delivery_attempts WHERE delivery_request_id = ANY($1::uuid[])`, ids); err != nil {
			return fmt.Errorf("delete attempts: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM delivery_requests WHERE id = ANY($1::uuid[])`, ids); err != nil {
			return fmt.Errorf("delete requests: %w", err)
		}
		count = int64(len(ids))
		return nil
	})
	return count, err
}

// pruneApprovals removes finished actions with their audit events. Pending
// and approved rows stay: approved means the executor has not run yet.
func (s *Service) pruneApprovals(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		before := cutoff(s.cfg.ApprovalsDays)
		if _, err := tx.Exec(ctx,
			`DELETE FROM approval_events
			 WHERE action_id IN (
			     SELECT id FROM pending_actions
			     WHERE status IN ('executed', 'rejected', 'expired') AND requested_at < $1)`,
			before); err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM pending_actions
			 WHERE status IN ('executed', 'rejected', 'expired') AND requested_at < $1`,
			before)
		if err != nil {
			return fmt.Errorf("delete actions: %w", err)
		}
		count = tag.RowsAffected()
		return nil
	})
	return count, err
}
