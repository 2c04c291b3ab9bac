// Package delivery owns the messenger's outbound pipeline: idempotent
// enqueue into delivery_requests, a claim-based worker pool that sends
// through per-channel providers under admission control, an append-only
// attempts ledger, and the dead-letter queue with replay and discard.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/butler-platform/butlerd/pkg/config"
	"github.com/butler-platform/butlerd/pkg/envelope"
	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/metrics"
	"github.com/butler-platform/butlerd/pkg/postgres"
	"github.com/butler-platform/butlerd/pkg/ratelimit"
)

// Statuses a delivery request moves through. The worker writes delivered and
// dead_lettered; pending and in_progress alternate while retries remain.
const (
	StatusPending      = "pending"
	StatusInProgress   = "in_progress"
	StatusDelivered    = "delivered"
	StatusDeadLettered = "dead_lettered"
)

// Attempt outcomes recorded in the ledger.
const (
	OutcomeSuccess           = "success"
	OutcomeRetryableError    = "retryable_error"
	OutcomeNonRetryableError = "non_retryable_error"
	OutcomeTimeout           = "timeout"
	OutcomeInProgress        = "in_progress"
)

// Quarantine reasons written on dead-letter rows.
const (
	QuarantineNonRetryable    = "non_retryable"
	QuarantineBudgetExhausted = "retry_budget_exhausted"
)

const uniqueViolation = "23505"

// ErrNonRetryable marks a provider failure that retrying cannot fix, such as
// a malformed recipient. Providers wrap it; the worker dead-letters on sight.
var ErrNonRetryable = errors.New("non-retryable delivery failure")

// ThrottleError reports provider-side rate limiting with its advertised wait.
// The worker records the throttle on the limiter so later admissions for the
// channel are rejected until the window passes.
type ThrottleError struct {
	RetryAfter time.Duration
	Reason     string
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("provider throttled (retry after %s): %s", e.RetryAfter, e.Reason)
}

// Request is one delivery_requests row as seen by a provider.
type Request struct {
	ID             string
	IdempotencyKey string
	OriginButler   string
	Channel        string
	Intent         string
	TargetIdentity string
	MessageContent string
	Subject        string
	IdentityScope  string
	AttemptCount   int
	CreatedAt      time.Time
}

// Receipt is what a provider returns for a successful send. Raw is stored on
// the attempt row as provider_response.
type Receipt struct {
	ProviderMessageID string
	Raw               map[string]any
}

// Provider sends one message on a concrete channel. Implementations signal
// permanent failures by wrapping ErrNonRetryable and provider-side throttling
// with *ThrottleError; any other error is treated as retryable.
type Provider interface {
	Send(ctx context.Context, req *Request) (*Receipt, error)
}

// Service owns delivery_requests and the attempts ledger for one messenger.
type Service struct {
	db      *postgres.Client
	cfg     config.DeliveryConfig
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	origin  string

	// callTimeout bounds one provider Send.
	callTimeout time.Duration

	mu        sync.RWMutex
	providers map[string]Provider
}

// NewService creates the delivery service. origin is the butler name stamped
// on requests that do not carry their own origin_butler.
func NewService(db *postgres.Client, cfg config.DeliveryConfig, limiter *ratelimit.Limiter, m *metrics.Metrics, origin string) *Service {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoffS < 1 {
		cfg.BaseBackoffS = 5
	}
	if cfg.MaxBackoffS < cfg.BaseBackoffS {
		cfg.MaxBackoffS = cfg.BaseBackoffS * 60
	}
	return &Service{
		db:          db,
		cfg:         cfg,
		limiter:     limiter,
		metrics:     m,
		origin:      origin,
		callTimeout: 30 * time.Second,
		providers:   map[string]Provider{},
	}
}

// RegisterProvider wires the channel adapter used for all requests on the
// named channel. Registering a channel twice replaces the adapter.
func (s *Service) RegisterProvider(channel string, p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[channel] = p
}

func (s *Service) provider(channel string) (Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[channel]
	return p, ok
}

// EnqueueInput is one delivery.send payload.
type EnqueueInput struct {
	IdempotencyKey string
	OriginButler   string
	Channel        string
	Intent         string
	TargetIdentity string
	MessageContent string
	Subject        string
	IdentityScope  string
}

func (in *EnqueueInput) validate() error {
	switch {
	case in.Channel == "":
		return fault.NewValidationError("channel", "required")
	case in.TargetIdentity == "":
		return fault.NewValidationError("recipient", "required")
	case in.MessageContent == "":
		return fault.NewValidationError("message", "required")
	}
	if in.Intent != "" && in.Intent != envelope.IntentSend && in.Intent != envelope.IntentReply {
		return fault.NewValidationError("intent",
			fmt.Sprintf("must be %q or %q", envelope.IntentSend, envelope.IntentReply))
	}
	return nil
}

// EnqueueResult reports the stored request. Duplicate is true when the
// idempotency key had already been enqueued; ID then names the prior request.
type EnqueueResult struct {
	ID        string
	Status    string
	Duplicate bool
}

// Enqueue inserts a pending delivery request. Reusing an idempotency key is
// a no-op that returns the prior request, whatever state it has reached. An
// empty key gets a generated one, so unkeyed sends never collide.
func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (*EnqueueResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = uuid.Must(uuid.NewV7()).String()
	}
	if in.OriginButler == "" {
		in.OriginButler = s.origin
	}
	if in.Intent == "" {
		in.Intent = envelope.IntentSend
	}
	if in.IdentityScope == "" {
		in.IdentityScope = "bot"
	}

	id := uuid.Must(uuid.NewV7()).String()
	_, err := s.db.Execute(ctx,
		`INSERT INTO delivery_requests
		     (id, idempotency_key, origin_butler, channel, intent, target_identity,
		      message_content, subject, identity_scope)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)`,
		id, in.IdempotencyKey, in.OriginButler, in.Channel, in.Intent,
		in.TargetIdentity, in.MessageContent, in.Subject, in.IdentityScope)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return s.priorRequest(ctx, in.IdempotencyKey)
		}
		return nil, fmt.Errorf("insert delivery request: %w", err)
	}
	return &EnqueueResult{ID: id, Status: StatusPending}, nil
}

func (s *Service) priorRequest(ctx context.Context, key string) (*EnqueueResult, error) {
	row, err := s.db.FetchRow(ctx,
		`SELECT id, status FROM delivery_requests WHERE idempotency_key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("look up prior delivery request: %w", err)
	}
	return &EnqueueResult{
		ID:        row["id"].(string),
		Status:    row["status"].(string),
		Duplicate: true,
	}, nil
}

// Status reports one delivery request with its full attempt history.
func (s *Service) Status(ctx context.Context, id string) (map[string]any, error) {
	row, err := s.db.FetchRow(ctx,
		`SELECT id, idempotency_key, origin_butler, channel, intent, target_identity,
		        subject, identity_scope, status, attempt_count, next_attempt_at,
		        terminal_error_class, terminal_error_message, created_at, terminal_at
		 FROM delivery_requests
		 WHERE id = $1`, id)
	if errors.Is(err, fault.ErrNotFound) {
		return nil, fmt.Errorf("delivery request %s: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load delivery request: %w", err)
	}

	attempts, err := s.db.Fetch(ctx,
		`SELECT attempt_number, outcome, error_class, error_message, latency_ms,
		        provider_response, started_at, completed_at
		 FROM delivery_attempts
		 WHERE delivery_request_id = $1
		 ORDER BY attempt_number`, id)
	if err != nil {
		return nil, fmt.Errorf("load delivery attempts: %w", err)
	}

	out := renderRow(row)
	history := make([]map[string]any, len(attempts))
	for i, a := range attempts {
		history[i] = renderRow(a)
	}
	out["attempts"] = history
	return out, nil
}

// renderRow shapes a fetched row for a tool response: NULL columns are
// dropped and timestamps become RFC3339 strings.
func renderRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		switch t := v.(type) {
		case nil:
		case time.Time:
			out[k] = t.Format(time.RFC3339)
		default:
			out[k] = v
		}
	}
	return out
}

// jsonbParam maps an empty map to SQL NULL instead of an empty JSON object.
func jsonbParam(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}
