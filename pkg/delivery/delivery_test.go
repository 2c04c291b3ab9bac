package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butler-platform/butlerd/pkg/config"
	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/metrics"
	"github.com/butler-platform/butlerd/pkg/ratelimit"
	"github.com/butler-platform/butlerd/test/util"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls []*Request
	fn    func(ctx context.Context, req *Request) (*Receipt, error)
}

func (p *fakeProvider) Send(ctx context.Context, req *Request) (*Receipt, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	fn := p.fn
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &Receipt{ProviderMessageID: "prov-1"}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func testConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		Workers:        1,
		MaxAttempts:    3,
		ClaimIntervalS: 1,
		BaseBackoffS:   1,
		MaxBackoffS:    5,
	}
}

func openLimits() config.RateLimitConfig {
	return config.RateLimitConfig{
		GlobalMaxPerMinute:         1000,
		GlobalMaxInFlight:          100,
		PerRecipientMaxPerMinute:   1000,
		DefaultChannelMaxPerMinute: 1000,
		ReplyPriorityMultiplier:    2,
	}
}

func newTestService(t *testing.T) (*Service, *ratelimit.Limiter, *fakeProvider) {
	t.Helper()
	return newServiceWith(t, testConfig())
}

func newServiceWith(t *testing.T, cfg config.DeliveryConfig) (*Service, *ratelimit.Limiter, *fakeProvider) {
	t.Helper()
	client := util.SetupTestDatabase(t)
	limiter := ratelimit.New(openLimits(), nil)
	svc := NewService(client, cfg, limiter, metrics.New(), "messenger")
	p := &fakeProvider{}
	svc.RegisterProvider("telegram", p)
	return svc, limiter, p
}

func sendInput(key string) EnqueueInput {
	return EnqueueInput{
		IdempotencyKey: key,
		Channel:        "telegram",
		TargetIdentity: "user-123",
		MessageContent: "status report ready",
	}
}

func requestRow(t *testing.T, svc *Service, id string) map[string]any {
	t.Helper()
	row, err := svc.db.FetchRow(context.Background(),
		`SELECT status, intent, origin_butler, identity_scope, attempt_count,
		        next_attempt_at, terminal_error_class, terminal_error_message, terminal_at
		 FROM delivery_requests WHERE id = $1`, id)
	require.NoError(t, err)
	return row
}

func attemptRows(t *testing.T, svc *Service, id string) []map[string]any {
	t.Helper()
	rows, err := svc.db.Fetch(context.Background(),
		`SELECT attempt_number, outcome, error_class, error_message, latency_ms,
		        provider_response, completed_at
		 FROM delivery_attempts WHERE delivery_request_id = $1 ORDER BY attempt_number`, id)
	require.NoError(t, err)
	return rows
}

func deadLetterFor(t *testing.T, svc *Service, requestID string) map[string]any {
	t.Helper()
	row, err := svc.db.FetchRow(context.Background(),
		`SELECT quarantine_reason, error_class, error_summary, total_attempts,
		        first_attempt_at, last_attempt_at, original_envelope,
		        all_attempt_outcomes, replay_eligible, replay_count
		 FROM dead_letters WHERE delivery_request_id = $1`, requestID)
	require.NoError(t, err)
	return row
}

func forceDue(t *testing.T, svc *Service, id string) {
	t.Helper()
	_, err := svc.db.Execute(context.Background(),
		`UPDATE delivery_requests SET next_attempt_at = now() - interval '1 second'
		 WHERE id = $1`, id)
	require.NoError(t, err)
}

func TestEnqueueInsertsPendingRow(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Enqueue(ctx, sendInput("key-1"))
	require.NoError(t, err)
	require.NotEmpty(t, res.ID)
	assert.Equal(t, StatusPending, res.Status)
	assert.False(t, res.Duplicate)

	row := requestRow(t, svc, res.ID)
	assert.Equal(t, "pending", row["status"])
	assert.Equal(t, "send", row["intent"])
	assert.Equal(t, "messenger", row["origin_butler"])
	assert.Equal(t, "bot", row["identity_scope"])
	assert.EqualValues(t, 0, row["attempt_count"])
}

func TestEnqueueIsIdempotentByKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, sendInput("key-dup"))
	require.NoError(t, err)

	in := sendInput("key-dup")
	in.MessageContent = "a different body entirely"
	second, err := svc.Enqueue(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, StatusPending, second.Status)

	count, err := svc.db.FetchVal(ctx, `SELECT count(*) FROM delivery_requests`)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestEnqueueValidatesInput(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*EnqueueInput)
	}{
		{"missing channel", func(in *EnqueueInput) { in.Channel = "" }},
		{"missing recipient", func(in *EnqueueInput) { in.TargetIdentity = "" }},
		{"missing message", func(in *EnqueueInput) { in.MessageContent = "" }},
		{"unknown intent", func(in *EnqueueInput) { in.Intent = "broadcast" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := sendInput("key-invalid")
			tc.mutate(&in)
			_, err := svc.Enqueue(ctx, in)
			require.ErrorIs(t, err, fault.ErrInvalidInput)
		})
	}
}

func TestEnqueueGeneratesKeyWhenAbsent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, sendInput(""))
	require.NoError(t, err)
	second, err := svc.Enqueue(ctx, sendInput(""))
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.False(t, first.Duplicate)
	assert.False(t, second.Duplicate)
}

func TestRunOnceDeliversAndRecordsAttempt(t *testing.T) {
	svc, limiter, p := newTestService(t)
	ctx := context.Background()

	res, err := svc.Enqueue(ctx, sendInput("key-ok"))
	require.NoError(t, err)

	claimed, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	row := requestRow(t, svc, res.ID)
	assert.Equal(t, "delivered", row["status"])
	assert.EqualValues(t, 1, row["attempt_count"])
	assert.NotNil(t, row["terminal_at"])

	attempts := attemptRows(t, svc, res.ID)
	require.Len(t, attempts, 1)
	assert.EqualValues(t, 1, attempts[0]["attempt_number"])
	assert.Equal(t, "success", attempts[0]["outcome"])
	assert.NotNil(t, attempts[0]["completed_at"])
	assert.NotNil(t, attempts[0]["latency_ms"])
	resp, ok := attempts[0]["provider_response"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "prov-1", resp["provider_message_id"])

	require.Equal(t, 1, p.callCount())
	p.mu.Lock()
	sent := p.calls[0]
	p.mu.Unlock()
	assert.Equal(t, "telegram", sent.Channel)
	assert.Equal(t, "user-123", sent.TargetIdentity)
	assert.Equal(t, "status report ready", sent.MessageContent)

	assert.Zero(t, limiter.InFlight())
}

func TestRunOnceWithNothingDue(t *testing.T) {
	svc, _, p := newTestService(t)

	claimed, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Zero(t, p.callCount())
}

func TestFutureRowIsNotClaimed(t *testing.T) {
	svc, _, p := newTestService(t)
	ctx := context.Background()

	res, err := svc.Enqueue(ctx, sendInput("key-later"))
	require.NoError(t, err)
	_, err = svc.db.Execute(ctx,
		`UPDATE delivery_requests SET next_attempt_at = now() + interval '1 hour'
		 WHERE id = $1`, res.ID)
	require.NoError(t, err)

	claimed, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Zero(t, p.callCount())
}

func TestRetryableFailureReschedulesWithBackoff(t *testing.T) {
	svc, limiter, p := newTestService(t)
	ctx := context.Background()
	p.fn = func(ctx context.Context, req *Request) (*Receipt, error) {
		return nil, errors.New("connection reset by peer")
	}

	res, err := svc.Enqueue(ctx, sendInput("key-retry"))
	require.NoError(t, err)

	claimed, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	row := requestRow(t, svc, res.ID)
	assert.Equal(t, "pending", row["status"])
	assert.EqualValues(t, 1, row["attempt_count"])
	next := row["next_attempt_at"].(time.Time)
	assert.True(t, next.After(time.Now()), "retry must be scheduled in the future")
	assert.True(t, next.Before(time.Now().Add(time.Minute)))

	attempts := attemptRows(t, svc, res.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, "retryable_error", attempts[0]["outcome"])
	assert.Equal(t, fault.ClassTargetUnavailable, attempts[0]["error_class"])
	assert.Contains(t, attempts[0]["error_message"], "connection reset")

	assert.Zero(t, limiter.InFlight())
}

func TestNonRetryableDeadLettersImmediately(t *testing.T) {
	svc, _, p := newTestService(t)
	ctx := context.Background()
	p.fn = func(ctx context.Context, req *Request) (*Receipt, error) {
		return nil, fmt.Errorf("recipient blocked the bot: %w", ErrNonRetryable)
	}

	res, err := svc.Enqueue(ctx, sendInput("key-nr"))
	require.NoError(t, err)

	claimed, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	row := requestRow(t, svc, res.ID)
	assert.Equal(t, "dead_lettered", row["status"])
	assert.Equal(t, fault.ClassValidation, row["terminal_error_class"])
	assert.Contains(t, row["terminal_error_message"], "recipient blocked")
	assert.NotNil(t, row["terminal_at"])

	dl := deadLetterFor(t, svc, res.ID)
	assert.Equal(t, QuarantineNonRetryable, dl["quarantine_reason"])
	assert.EqualValues(t, 1, dl["total_attempts"])
	assert.Equal(t, true, dl["replay_eligible"])

	env, ok := dl["original_envelope"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "telegram", env["channel"])
	assert.Equal(t, "user-123", env["recipient"])
	assert.Equal(t, "key-nr", env["idempotency_key"])

	outcomes, ok := dl["all_attempt_outcomes"].([]any)
	require.True(t, ok)
	require.Len(t, outcomes, 1)
	first := outcomes[0].(map[string]any)
	assert.Equal(t, "non_retryable_error", first["outcome"])
}

func TestBudgetExhaustionDeadLetters(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	svc, _, p := newServiceWith(t, cfg)
	ctx := context.Background()
	p.fn = func(ctx context.Context, req *Request) (*Receipt, error) {
		return nil, errors.New("gateway returned 502")
	}

	res, err := svc.Enqueue(ctx, sendInput("key-budget"))
	require.NoError(t, err)

	claimed, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, "pending", requestRow(t, svc, res.ID)["status"])

	forceDue(t, svc, res.ID)
	claimed, err = svc.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	row := requestRow(t, svc, res.ID)
	assert.Equal(t, "dead_lettered", row["status"])
	assert.EqualValues(t, 2, row["attempt_count"])

	dl := deadLetterFor(t, svc, res.ID)
	assert.Equal(t, QuarantineBudgetExhausted, dl["quarantine_reason"])
	assert.EqualValues(t, 2, dl["total_attempts"])
	assert.NotNil(t, dl["first_attempt_at"])
	assert.NotNil(t, dl["last_attempt_at"])

	outcomes := dl["all_attempt_outcomes"].([]any)
	assert.Len(t, outcomes, 2)
	assert.Equal(t, 2, p.callCount())
}

func TestMissingProviderDeadLettersAsNonRetryable(t *testing.T) {
	svc, _, p := newTestService(t)
	ctx := context.Background()

	in := sendInput("key-nochannel")
	in.Channel = "carrier-pigeon"
	res, err := svc.Enqueue(ctx, in)
	require.NoError(t, err)

	claimed, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	assert.Equal(t, "dead_lettered", requestRow(t, svc, res.ID)["status"])
	attempts := attemptRows(t, svc, res.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, "non_retryable_error", attempts[0]["outcome"])
	assert.Contains(t, attempts[0]["error_message"], "no provider registered")
	assert.Zero(t, p.callCount())
}

func TestProviderThrottleReschedulesAndBlocksChannel(t *testing.T) {
	svc, limiter, p := newTestService(t)
	ctx := context.Background()
	p.fn = func(ctx context.Context, req *Request) (*Receipt, error) {
		return nil, &ThrottleError{RetryAfter: 30 * time.Second, Reason: "telegram returned 429"}
	}

	res, err := svc.Enqueue(ctx, sendInput("key-throttle"))
	require.NoError(t, err)

	claimed, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	row := requestRow(t, svc, res.ID)
	assert.Equal(t, "pending", row["status"])
	next := row["next_attempt_at"].(time.Time)
	assert.True(t, next.After(time.Now().Add(20*time.Second)),
		"provider wait must override the shorter backoff")

	attempts := attemptRows(t, svc, res.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, "retryable_error", attempts[0]["outcome"])
	assert.Equal(t, fault.ClassTargetUnavailable, attempts[0]["error_class"])

	adm := limiter.CheckAdmission(ratelimit.Request{
		Channel: "telegram", IdentityScope: "bot", Recipient: "someone-else", Intent: "send",
	})
	assert.False(t, adm.Admitted)
	assert.Equal(t, ratelimit.LimitProvider, adm.LimitType)
	assert.Greater(t, adm.RetryAfterSeconds, float64(0))
	assert.LessOrEqual(t, adm.RetryAfterSeconds, float64(30))
}

func TestAdmissionDeferralIsNotAnAttempt(t *testing.T) {
	svc, limiter, p := newTestService(t)
	ctx := context.Background()
	limiter.RecordProviderThrottle("telegram", 60, "maintenance window")

	res, err := svc.Enqueue(ctx, sendInput("key-deferred"))
	require.NoError(t, err)

	claimed, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	row := requestRow(t, svc, res.ID)
	assert.Equal(t, "pending", row["status"])
	assert.EqualValues(t, 0, row["attempt_count"])
	next := row["next_attempt_at"].(time.Time)
	assert.True(t, next.After(time.Now().Add(30*time.Second)),
		"deferral must honor the hinted wait")

	assert.Empty(t, attemptRows(t, svc, res.ID))
	assert.Zero(t, p.callCount())
	assert.Zero(t, limiter.InFlight())
}

func TestProviderTimeoutRecordsTimeout(t *testing.T) {
	svc, _, p := newTestService(t)
	svc.callTimeout = 50 * time.Millisecond
	ctx := context.Background()
	p.fn = func(ctx context.Context, req *Request) (*Receipt, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	res, err := svc.Enqueue(ctx, sendInput("key-timeout"))
	require.NoError(t, err)

	claimed, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	row := requestRow(t, svc, res.ID)
	assert.Equal(t, "pending", row["status"])
	assert.EqualValues(t, 1, row["attempt_count"])

	attempts := attemptRows(t, svc, res.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, "timeout", attempts[0]["outcome"])
}

func TestStatusReportsAttemptHistory(t *testing.T) {
	svc, _, p := newTestService(t)
	ctx := context.Background()
	var calls atomic.Int32
	p.fn = func(ctx context.Context, req *Request) (*Receipt, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient blip")
		}
		return &Receipt{ProviderMessageID: "prov-2"}, nil
	}

	res, err := svc.Enqueue(ctx, sendInput("key-history"))
	require.NoError(t, err)

	_, err = svc.RunOnce(ctx)
	require.NoError(t, err)
	forceDue(t, svc, res.ID)
	_, err = svc.RunOnce(ctx)
	require.NoError(t, err)

	st, err := svc.Status(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "delivered", st["status"])
	assert.EqualValues(t, 2, st["attempt_count"])

	created, ok := st["created_at"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339, created)
	assert.NoError(t, err)

	_, present := st["terminal_error_class"]
	assert.False(t, present, "NULL columns are dropped from the rendering")

	history := st["attempts"].([]map[string]any)
	require.Len(t, history, 2)
	assert.Equal(t, "retryable_error", history[0]["outcome"])
	assert.Equal(t, "success", history[1]["outcome"])
}

func TestStatusUnknownIDNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Status(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, fault.ErrNotFound)
}
