package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/butler-platform/butlerd/pkg/envelope"
	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/metrics"
	"github.com/butler-platform/butlerd/pkg/postgres"
	"github.com/butler-platform/butlerd/pkg/spawner"
	"github.com/butler-platform/butlerd/pkg/telemetry"
	"github.com/butler-platform/butlerd/test/util"
)

type fakeTrigger struct {
	mu       sync.Mutex
	requests []spawner.TriggerRequest
	result   *spawner.Result
	err      error
}

func (f *fakeTrigger) Trigger(ctx context.Context, req spawner.TriggerRequest) (*spawner.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &spawner.Result{SessionID: "sess-1", Success: true}, nil
}

func (f *fakeTrigger) calls() []spawner.TriggerRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]spawner.TriggerRequest(nil), f.requests...)
}

func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func routeArgs(prompt string) map[string]any {
	return map[string]any{
		"schema_version": envelope.RouteSchemaVersion,
		"request_context": map[string]any{
			"request_id":  envelope.NewRequestID(),
			"received_at": time.Now().UTC().Format(time.RFC3339),
		},
		"input": map[string]any{"prompt": prompt},
	}
}

func insertInboxRow(t *testing.T, client *postgres.Client, state string, age time.Duration) string {
	t.Helper()
	id := uuid.Must(uuid.NewV7()).String()
	env := routeArgs("recovered work")
	_, err := client.Execute(context.Background(),
		`INSERT INTO route_inbox (id, envelope, lifecycle_state, received_at) VALUES ($1, $2, $3, $4)`,
		id, env, state, time.Now().Add(-age))
	require.NoError(t, err)
	return id
}

func rowState(t *testing.T, client *postgres.Client, id string) string {
	t.Helper()
	row, err := client.FetchRow(context.Background(),
		`SELECT lifecycle_state FROM route_inbox WHERE id = $1`, id)
	require.NoError(t, err)
	return row["lifecycle_state"].(string)
}

func TestExecuteAcceptsThenProcesses(t *testing.T) {
	client := util.SetupTestDatabase(t)
	setupTestTracer(t)

	trig := &fakeTrigger{}
	r := New(client, trig, metrics.New())
	defer r.Stop(time.Second)

	args := routeArgs("restock the pantry")
	res, err := r.Execute(context.Background(), args)
	require.NoError(t, err)

	assert.Equal(t, "accepted", res["status"])
	inboxID, _ := res["inbox_id"].(string)
	require.NotEmpty(t, inboxID)
	assert.GreaterOrEqual(t, res["timing_ms"].(int64), int64(0))

	rc, ok := res["request_context"].(map[string]any)
	require.True(t, ok)
	wantReqID := args["request_context"].(map[string]any)["request_id"]
	assert.Equal(t, wantReqID, rc["request_id"])

	require.Eventually(t, func() bool {
		return rowState(t, client, inboxID) == "processed"
	}, 5*time.Second, 20*time.Millisecond)

	row, err := client.FetchRow(context.Background(),
		`SELECT session_id, processed_at FROM route_inbox WHERE id = $1`, inboxID)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", row["session_id"])
	assert.NotNil(t, row["processed_at"])

	calls := trig.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "restock the pantry", calls[0].Prompt)
	assert.Equal(t, "route", calls[0].TriggerSource)
	assert.Equal(t, wantReqID, calls[0].RequestID)
}

func TestExecuteRejectsInvalidEnvelope(t *testing.T) {
	client := util.SetupTestDatabase(t)
	setupTestTracer(t)

	r := New(client, &fakeTrigger{}, metrics.New())

	args := routeArgs("")
	_, err := r.Execute(context.Background(), args)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrInvalidInput)

	rows, err := client.Fetch(context.Background(), `SELECT id FROM route_inbox`)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestExecuteReturnsErrorEnvelopeOnDBFailure(t *testing.T) {
	client := util.SetupTestDatabase(t)
	setupTestTracer(t)
	client.Close()

	r := New(client, &fakeTrigger{}, metrics.New())

	res, err := r.Execute(context.Background(), routeArgs("doomed"))
	require.NoError(t, err)

	assert.Equal(t, "error", res["status"])
	errMap, ok := res["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, fault.ClassInternal, errMap["class"])
	assert.Contains(t, errMap["message"], "route_inbox")
}

func TestProcessMarksErroredOnTriggerFailure(t *testing.T) {
	client := util.SetupTestDatabase(t)
	setupTestTracer(t)

	trig := &fakeTrigger{err: errors.New("sdk exploded")}
	r := New(client, trig, metrics.New())
	defer r.Stop(time.Second)

	res, err := r.Execute(context.Background(), routeArgs("will fail"))
	require.NoError(t, err)
	inboxID := res["inbox_id"].(string)

	require.Eventually(t, func() bool {
		return rowState(t, client, inboxID) == "errored"
	}, 5*time.Second, 20*time.Millisecond)

	row, err := client.FetchRow(context.Background(),
		`SELECT error FROM route_inbox WHERE id = $1`, inboxID)
	require.NoError(t, err)
	assert.Equal(t, "sdk exploded", row["error"])
}

func TestShutdownRefusalRevertsRowToAccepted(t *testing.T) {
	client := util.SetupTestDatabase(t)
	setupTestTracer(t)

	trig := &fakeTrigger{err: fault.ErrNotAccepting}
	r := New(client, trig, metrics.New())

	res, err := r.Execute(context.Background(), routeArgs("raced by shutdown"))
	require.NoError(t, err)
	inboxID := res["inbox_id"].(string)
	r.Stop(time.Second)

	assert.Equal(t, "accepted", rowState(t, client, inboxID))
}

func TestRecoverPendingDispatchesAcceptedRows(t *testing.T) {
	client := util.SetupTestDatabase(t)
	setupTestTracer(t)

	id1 := insertInboxRow(t, client, "accepted", time.Hour)
	id2 := insertInboxRow(t, client, "accepted", time.Hour)

	trig := &fakeTrigger{}
	r := New(client, trig, metrics.New())
	defer r.Stop(time.Second)

	n, err := r.RecoverPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Eventually(t, func() bool {
		return rowState(t, client, id1) == "processed" && rowState(t, client, id2) == "processed"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Len(t, trig.calls(), 2)
}

func TestRecoverPendingFlipsStaleProcessing(t *testing.T) {
	client := util.SetupTestDatabase(t)
	setupTestTracer(t)

	stale := insertInboxRow(t, client, "processing", time.Hour)
	recent := insertInboxRow(t, client, "processing", 0)

	var dispatched []string
	r := New(client, &fakeTrigger{}, metrics.New())
	r.SetRecoveryDispatch(func(inboxID string) bool {
		dispatched = append(dispatched, inboxID)
		return true
	})

	n, err := r.RecoverPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{stale}, dispatched)

	assert.Equal(t, "accepted", rowState(t, client, stale))
	assert.Equal(t, "processing", rowState(t, client, recent))
}

func TestRecoveryDispatchRefusalLeavesRowAccepted(t *testing.T) {
	client := util.SetupTestDatabase(t)
	setupTestTracer(t)

	id := insertInboxRow(t, client, "accepted", time.Hour)

	r := New(client, &fakeTrigger{}, metrics.New())
	r.SetRecoveryDispatch(func(string) bool { return false })

	n, err := r.RecoverPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, "accepted", rowState(t, client, id))
}

func TestProcessClaimedRunsBufferHandedRows(t *testing.T) {
	client := util.SetupTestDatabase(t)
	setupTestTracer(t)

	// The buffer claims rows itself before invoking its process func.
	id := insertInboxRow(t, client, "processing", 0)

	trig := &fakeTrigger{}
	r := New(client, trig, metrics.New())

	require.NoError(t, r.ProcessClaimed(context.Background(), id))
	assert.Equal(t, "processed", rowState(t, client, id))
	assert.Len(t, trig.calls(), 1)
}

func TestNotifyRequestShortCircuitsOnMessenger(t *testing.T) {
	client := util.SetupTestDatabase(t)
	setupTestTracer(t)

	trig := &fakeTrigger{}
	r := New(client, trig, metrics.New())

	var delivered *envelope.Notify
	r.SetNotifyHandler(func(ctx context.Context, n *envelope.Notify) (map[string]any, error) {
		delivered = n
		return map[string]any{"status": "delivered", "delivery_id": "d-1"}, nil
	})

	args := routeArgs("deliver this")
	args["input"].(map[string]any)["context"] = map[string]any{
		"notify_request": map[string]any{
			"schema_version": envelope.NotifySchemaVersion,
			"origin_butler":  "health",
			"delivery": map[string]any{
				"intent":    "send",
				"channel":   "telegram",
				"message":   "water the plants",
				"recipient": "user-7",
			},
		},
	}

	res, err := r.Execute(context.Background(), args)
	require.NoError(t, err)
	assert.Equal(t, "delivered", res["status"])
	assert.Equal(t, "d-1", res["delivery_id"])

	require.NotNil(t, delivered)
	assert.Equal(t, "health", delivered.OriginButler)
	assert.Equal(t, "water the plants", delivered.Delivery.Message)

	// No inbox row, no session.
	rows, err := client.Fetch(context.Background(), `SELECT id FROM route_inbox`)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Empty(t, trig.calls())
}

func TestMalformedNotifyRequestIsValidationError(t *testing.T) {
	client := util.SetupTestDatabase(t)
	setupTestTracer(t)

	r := New(client, &fakeTrigger{}, metrics.New())
	r.SetNotifyHandler(func(ctx context.Context, n *envelope.Notify) (map[string]any, error) {
		t.Fatal("handler must not run for a malformed notify request")
		return nil, nil
	})

	args := routeArgs("deliver this")
	args["input"].(map[string]any)["context"] = map[string]any{
		"notify_request": map[string]any{
			"schema_version": envelope.NotifySchemaVersion,
			"origin_butler":  "health",
			"delivery": map[string]any{
				"intent":  "send",
				"channel": "telegram",
				"message": "no recipient",
			},
		},
	}

	_, err := r.Execute(context.Background(), args)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrInvalidInput)
}

func TestNonMessengerNotifyTakesInboxPath(t *testing.T) {
	client := util.SetupTestDatabase(t)
	setupTestTracer(t)

	trig := &fakeTrigger{}
	r := New(client, trig, metrics.New())
	defer r.Stop(time.Second)

	args := routeArgs("smuggled delivery")
	args["input"].(map[string]any)["context"] = map[string]any{
		"notify_request": map[string]any{
			"schema_version": envelope.NotifySchemaVersion,
			"origin_butler":  "health",
			"delivery": map[string]any{
				"intent":    "send",
				"channel":   "telegram",
				"message":   "hi",
				"recipient": "user-7",
			},
		},
	}

	res, err := r.Execute(context.Background(), args)
	require.NoError(t, err)
	assert.Equal(t, "accepted", res["status"])

	inboxID := res["inbox_id"].(string)
	require.Eventually(t, func() bool {
		return rowState(t, client, inboxID) == "processed"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Len(t, trig.calls(), 1)
}

func TestAcceptAndProcessSpansShareTrace(t *testing.T) {
	client := util.SetupTestDatabase(t)
	recorder := setupTestTracer(t)

	trig := &fakeTrigger{}
	r := New(client, trig, metrics.New())
	defer r.Stop(time.Second)

	args := routeArgs("traced work")
	reqID := args["request_context"].(map[string]any)["request_id"].(string)

	res, err := r.Execute(context.Background(), args)
	require.NoError(t, err)
	inboxID := res["inbox_id"].(string)

	require.Eventually(t, func() bool {
		return rowState(t, client, inboxID) == "processed"
	}, 5*time.Second, 20*time.Millisecond)

	var accept, process sdktrace.ReadOnlySpan
	require.Eventually(t, func() bool {
		for _, s := range recorder.Ended() {
			switch s.Name() {
			case "butler.tool.route.execute":
				accept = s
			case "route.process":
				process = s
			}
		}
		return accept != nil && process != nil
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, accept.SpanContext().TraceID(), process.SpanContext().TraceID())
	assert.Equal(t, accept.SpanContext().SpanID(), process.Parent().SpanID())

	require.Len(t, process.Links(), 1)
	link := process.Links()[0]
	assert.Equal(t, accept.SpanContext().SpanID(), link.SpanContext.SpanID())
	assert.Contains(t, link.Attributes, attribute.String("request_id", reqID))

	assert.Contains(t, accept.Attributes(), attribute.String("request_id", reqID))
	assert.Contains(t, process.Attributes(), attribute.String("request_id", reqID))
	assert.True(t, accept.EndTime().Before(process.EndTime()))
}

func TestProcessContinuesUpstreamTrace(t *testing.T) {
	client := util.SetupTestDatabase(t)
	recorder := setupTestTracer(t)

	trig := &fakeTrigger{}
	r := New(client, trig, metrics.New())
	defer r.Stop(time.Second)

	upstreamCtx, upstream := telemetry.Tracer().Start(context.Background(), "caller")
	args := routeArgs("traced work")
	args["trace_context"] = telemetry.Inject(upstreamCtx)
	upstream.End()

	res, err := r.Execute(context.Background(), args)
	require.NoError(t, err)
	inboxID := res["inbox_id"].(string)

	require.Eventually(t, func() bool {
		return rowState(t, client, inboxID) == "processed"
	}, 5*time.Second, 20*time.Millisecond)

	var accept, process sdktrace.ReadOnlySpan
	require.Eventually(t, func() bool {
		for _, s := range recorder.Ended() {
			switch s.Name() {
			case "butler.tool.route.execute":
				accept = s
			case "route.process":
				process = s
			}
		}
		return accept != nil && process != nil
	}, 5*time.Second, 20*time.Millisecond)

	upstreamTrace := upstream.SpanContext().TraceID()
	assert.Equal(t, upstreamTrace, accept.SpanContext().TraceID())
	assert.Equal(t, upstreamTrace, process.SpanContext().TraceID())
	require.Len(t, process.Links(), 1)
	assert.Equal(t, accept.SpanContext().SpanID(), process.Links()[0].SpanContext.SpanID())
}
