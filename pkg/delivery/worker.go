package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/ratelimit"
)

// Worker drains due delivery requests with a small pool. Claims go through
// FOR UPDATE SKIP LOCKED, so extra workers and extra replicas never
// double-send a request.
type Worker struct {
	svc      *Service
	workers  int
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewWorker builds a pool sized by cfg.Workers that polls for due rows every
// cfg.ClaimIntervalS seconds.
func NewWorker(svc *Service) *Worker {
	workers := svc.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	interval := time.Duration(svc.cfg.ClaimIntervalS) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Worker{
		svc:      svc,
		workers:  workers,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the pool. Duplicate calls are ignored.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		slog.Warn("Delivery worker already started, ignoring duplicate Start call")
		return
	}
	w.started = true

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.run(i)
	}
	slog.Info("Delivery workers started",
		"workers", w.workers, "claim_interval", w.interval)
}

// Stop halts the pool after in-flight attempts finish. Safe to call more
// than once and before Start.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) run(id int) {
	defer w.wg.Done()
	log := slog.With("worker", id)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-timer.C:
		}

		for {
			claimed, err := w.svc.RunOnce(context.Background())
			if err != nil {
				log.Error("Failed to claim delivery request", "error", err)
				break
			}
			if !claimed {
				break
			}
			select {
			case <-w.stopCh:
				return
			default:
			}
		}
		timer.Reset(w.interval)
	}
}

// RunOnce claims at most one due request and attempts it, reporting whether
// a row was claimed. The poll loops call it; tests drive it directly.
func (s *Service) RunOnce(ctx context.Context) (bool, error) {
	req, err := s.claimNext(ctx)
	if err != nil || req == nil {
		return false, err
	}
	s.attempt(ctx, req)
	return true, nil
}

// stuckGrace is how long an in_progress request may sit before restart
// recovery assumes the worker died mid-attempt.
const stuckGrace = 10 * time.Minute

// RecoverStuck returns crashed in_progress requests to pending. Their open
// ledger rows close as timeouts and count against the retry budget, so a
// request cannot loop through crashes forever. Called once at startup,
// before the pool starts.
func (s *Service) RecoverStuck(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-stuckGrace)
	next := time.Now().Add(time.Duration(s.cfg.BaseBackoffS) * time.Second)

	var recovered int
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		// Close the ledger rows the dead worker left open first; the
		// request flip below derives attempt_count from them.
		_, err := tx.Exec(ctx,
			`UPDATE delivery_attempts a
			 SET outcome = 'timeout', completed_at = now(),
			     error_class = $2, error_message = 'worker lost mid-attempt'
			 FROM delivery_requests r
			 WHERE a.delivery_request_id = r.id AND a.outcome = 'in_progress'
			   AND r.status = 'in_progress' AND r.updated_at < $1`,
			cutoff, fault.ClassInternal)
		if err != nil {
			return fmt.Errorf("close stuck attempts: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE delivery_requests r
			 SET status = 'pending',
			     attempt_count = GREATEST(r.attempt_count, COALESCE((
			         SELECT MAX(a.attempt_number) FROM delivery_attempts a
			         WHERE a.delivery_request_id = r.id), 0)),
			     next_attempt_at = $2, updated_at = now()
			 WHERE r.status = 'in_progress' AND r.updated_at < $1`,
			cutoff, next)
		if err != nil {
			return fmt.Errorf("recover stuck requests: %w", err)
		}
		recovered = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		slog.Warn("Returned stuck delivery requests to pending", "count", recovered)
	}
	return recovered, nil
}

// claimNext picks one due pending request and flips it to in_progress before
// committing. nil, nil means nothing is due.
func (s *Service) claimNext(ctx context.Context) (*Request, error) {
	var req *Request
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var (
			r       Request
			subject *string
		)
		err := tx.QueryRow(ctx,
			`SELECT id, idempotency_key, origin_butler, channel, intent, target_identity,
			        message_content, subject, identity_scope, attempt_count, created_at
			 FROM delivery_requests
			 WHERE status = 'pending' AND next_attempt_at <= now()
			 ORDER BY next_attempt_at
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED`).
			Scan(&r.ID, &r.IdempotencyKey, &r.OriginButler, &r.Channel, &r.Intent,
				&r.TargetIdentity, &r.MessageContent, &subject, &r.IdentityScope,
				&r.AttemptCount, &r.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if subject != nil {
			r.Subject = *subject
		}

		_, err = tx.Exec(ctx,
			`UPDATE delivery_requests SET status = 'in_progress', updated_at = now()
			 WHERE id = $1`, r.ID)
		if err != nil {
			return err
		}
		req = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// attempt runs one try for a claimed request: admission first, then the
// provider call, the ledger row, and the resulting transition. A rejected
// admission returns the row to pending without consuming an attempt.
func (s *Service) attempt(ctx context.Context, req *Request) {
	log := slog.With("delivery_id", req.ID,
		"channel", req.Channel, "recipient", req.TargetIdentity)

	adm := s.limiter.CheckAdmission(ratelimit.Request{
		Channel:       req.Channel,
		IdentityScope: req.IdentityScope,
		Recipient:     req.TargetIdentity,
		Intent:        req.Intent,
		OriginButler:  req.OriginButler,
	})
	if !adm.Admitted {
		wait := time.Duration(adm.RetryAfterSeconds * float64(time.Second))
		if wait <= 0 {
			wait = time.Duration(s.cfg.BaseBackoffS) * time.Second
		}
		if err := s.reschedule(ctx, req.ID, req.AttemptCount, wait); err != nil {
			log.Error("Failed to reschedule deferred delivery", "error", err)
			return
		}
		log.Info("Delivery deferred by admission control",
			"limit_type", adm.LimitType, "retry_in", wait)
		return
	}
	defer s.limiter.Release(req.Channel, req.IdentityScope, req.TargetIdentity)

	attemptNumber := req.AttemptCount + 1
	attemptID, started, err := s.beginAttempt(ctx, req.ID, attemptNumber)
	if err != nil {
		log.Error("Failed to open attempt ledger row", "error", err)
		if err := s.reschedule(ctx, req.ID, req.AttemptCount,
			time.Duration(s.cfg.BaseBackoffS)*time.Second); err != nil {
			log.Error("Failed to reschedule delivery after ledger error", "error", err)
		}
		return
	}
	if s.metrics != nil {
		s.metrics.DeliveryAttempts.Inc()
	}

	var (
		receipt *Receipt
		callErr error
	)
	if p, ok := s.provider(req.Channel); ok {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		receipt, callErr = p.Send(callCtx, req)
		cancel()
	} else {
		callErr = fmt.Errorf("no provider registered for channel %q: %w",
			req.Channel, ErrNonRetryable)
	}
	latency := time.Since(started).Milliseconds()

	outcome, errClass := classify(callErr)
	var errMsg string
	if callErr != nil {
		errMsg = callErr.Error()
	}
	s.finishAttempt(ctx, attemptID, outcome, errClass, errMsg, latency, receiptMap(receipt))
	if s.metrics != nil {
		s.metrics.DeliveryOutcomes.WithLabelValues(outcome).Inc()
	}

	var throttle *ThrottleError
	if errors.As(callErr, &throttle) {
		s.limiter.RecordProviderThrottle(req.Channel, throttle.RetryAfter.Seconds(), throttle.Reason)
	}

	switch {
	case outcome == OutcomeSuccess:
		if err := s.markDelivered(ctx, req.ID, attemptNumber); err != nil {
			log.Error("Failed to mark delivery delivered", "error", err)
			return
		}
		s.limiter.ClearProviderThrottle(req.Channel)
		log.Info("Delivery complete", "attempt", attemptNumber, "latency_ms", latency)

	case outcome == OutcomeNonRetryableError:
		if err := s.deadLetter(ctx, req, attemptNumber, QuarantineNonRetryable, errClass, errMsg); err != nil {
			log.Error("Failed to dead-letter delivery", "error", err)
			return
		}
		log.Warn("Delivery dead-lettered",
			"attempt", attemptNumber, "reason", QuarantineNonRetryable, "error", errMsg)

	case attemptNumber >= s.cfg.MaxAttempts:
		if err := s.deadLetter(ctx, req, attemptNumber, QuarantineBudgetExhausted, errClass, errMsg); err != nil {
			log.Error("Failed to dead-letter delivery", "error", err)
			return
		}
		log.Warn("Delivery dead-lettered",
			"attempt", attemptNumber, "reason", QuarantineBudgetExhausted, "error", errMsg)

	default:
		wait := s.backoffFor(attemptNumber)
		if throttle != nil && throttle.RetryAfter > wait {
			wait = throttle.RetryAfter
		}
		if err := s.reschedule(ctx, req.ID, attemptNumber, wait); err != nil {
			log.Error("Failed to reschedule delivery for retry", "error", err)
			return
		}
		log.Warn("Delivery attempt failed, retrying",
			"attempt", attemptNumber, "retry_in", wait, "error", errMsg)
	}
}

// classify maps a provider error to a ledger outcome and wire error class.
func classify(err error) (outcome, errClass string) {
	var throttle *ThrottleError
	switch {
	case err == nil:
		return OutcomeSuccess, ""
	case errors.As(err, &throttle):
		return OutcomeRetryableError, fault.ClassTargetUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout, fault.ClassTargetUnavailable
	case errors.Is(err, ErrNonRetryable):
		return OutcomeNonRetryableError, fault.ClassValidation
	default:
		return OutcomeRetryableError, fault.ClassTargetUnavailable
	}
}

// backoffFor computes the wait before the retry following the given attempt:
// base doubling per attempt with jitter, capped at the configured maximum.
func (s *Service) backoffFor(attemptNumber int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(s.cfg.BaseBackoffS) * time.Second
	policy.MaxInterval = time.Duration(s.cfg.MaxBackoffS) * time.Second
	policy.Multiplier = 2
	policy.MaxElapsedTime = 0
	policy.Reset()

	wait := policy.NextBackOff()
	for i := 1; i < attemptNumber; i++ {
		wait = policy.NextBackOff()
	}
	return wait
}

func (s *Service) beginAttempt(ctx context.Context, requestID string, n int) (string, time.Time, error) {
	id := uuid.Must(uuid.NewV7()).String()
	started := time.Now()
	_, err := s.db.Execute(ctx,
		`INSERT INTO delivery_attempts
		     (id, delivery_request_id, attempt_number, started_at, outcome)
		 VALUES ($1, $2, $3, $4, 'in_progress')`,
		id, requestID, n, started)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("insert attempt %d: %w", n, err)
	}
	return id, started, nil
}

func (s *Service) finishAttempt(ctx context.Context, attemptID, outcome, errClass, errMsg string, latencyMS int64, providerResp map[string]any) {
	_, err := s.db.Execute(ctx,
		`UPDATE delivery_attempts
		 SET completed_at = now(), latency_ms = $2, outcome = $3,
		     error_class = NULLIF($4, ''), error_message = NULLIF($5, ''),
		     provider_response = $6
		 WHERE id = $1`,
		attemptID, latencyMS, outcome, errClass, errMsg, jsonbParam(providerResp))
	if err != nil {
		slog.Error("Failed to finish attempt ledger row",
			"attempt_id", attemptID, "error", err)
	}
}

func (s *Service) markDelivered(ctx context.Context, id string, attemptCount int) error {
	_, err := s.db.Execute(ctx,
		`UPDATE delivery_requests
		 SET status = 'delivered', attempt_count = $2, terminal_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'in_progress'`,
		id, attemptCount)
	return err
}

// reschedule returns an in_progress row to pending after the given wait.
// Admission deferrals pass the unchanged attempt count; retries pass the
// incremented one.
func (s *Service) reschedule(ctx context.Context, id string, attemptCount int, wait time.Duration) error {
	_, err := s.db.Execute(ctx,
		`UPDATE delivery_requests
		 SET status = 'pending', attempt_count = $2, next_attempt_at = $3, updated_at = now()
		 WHERE id = $1 AND status = 'in_progress'`,
		id, attemptCount, time.Now().Add(wait))
	return err
}

// deadLetter moves a request to its terminal quarantine: the request row
// flips to dead_lettered and a dead_letters row captures the attempt history
// and the original payload for later replay.
func (s *Service) deadLetter(ctx context.Context, req *Request, attemptCount int, reason, errClass, errMsg string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE delivery_requests
			 SET status = 'dead_lettered', attempt_count = $2,
			     terminal_error_class = $3, terminal_error_message = $4,
			     terminal_at = now(), updated_at = now()
			 WHERE id = $1 AND status = 'in_progress'`,
			req.ID, attemptCount, errClass, errMsg)
		if err != nil {
			return fmt.Errorf("mark request dead_lettered: %w", err)
		}

		rows, err := tx.Query(ctx,
			`SELECT attempt_number, outcome, error_class, error_message, started_at
			 FROM delivery_attempts
			 WHERE delivery_request_id = $1
			 ORDER BY attempt_number`, req.ID)
		if err != nil {
			return fmt.Errorf("load attempt history: %w", err)
		}
		outcomes := []map[string]any{}
		var firstAt, lastAt *time.Time
		for rows.Next() {
			var (
				number         int
				outcome        string
				class, message *string
				startedAt      time.Time
			)
			if err := rows.Scan(&number, &outcome, &class, &message, &startedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan attempt history: %w", err)
			}
			entry := map[string]any{
				"attempt_number": number,
				"outcome":        outcome,
				"started_at":     startedAt.Format(time.RFC3339),
			}
			if class != nil {
				entry["error_class"] = *class
			}
			if message != nil {
				entry["error_message"] = *message
			}
			outcomes = append(outcomes, entry)
			if firstAt == nil {
				at := startedAt
				firstAt = &at
			}
			at := startedAt
			lastAt = &at
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate attempt history: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO dead_letters
			     (id, delivery_request_id, quarantine_reason, error_class, error_summary,
			      total_attempts, first_attempt_at, last_attempt_at,
			      original_envelope, all_attempt_outcomes)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			uuid.Must(uuid.NewV7()).String(), req.ID, reason, errClass, errMsg,
			attemptCount, firstAt, lastAt, req.originalEnvelope(), outcomes)
		if err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
		return nil
	})
}

// originalEnvelope reconstructs the send payload stored on the dead-letter
// row, which replay uses to build the new request.
func (r *Request) originalEnvelope() map[string]any {
	m := map[string]any{
		"idempotency_key": r.IdempotencyKey,
		"origin_butler":   r.OriginButler,
		"channel":         r.Channel,
		"intent":          r.Intent,
		"recipient":       r.TargetIdentity,
		"message":         r.MessageContent,
		"identity_scope":  r.IdentityScope,
	}
	if r.Subject != "" {
		m["subject"] = r.Subject
	}
	return m
}

func receiptMap(r *Receipt) map[string]any {
	if r == nil {
		return nil
	}
	m := make(map[string]any, len(r.Raw)+1)
	for k, v := range r.Raw {
		m[k] = v
	}
	if r.ProviderMessageID != "" {
		m["provider_message_id"] = r.ProviderMessageID
	}
	return m
}
