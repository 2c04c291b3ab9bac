// Package routing implements the reserved route.execute tool: a synchronous
// accept phase that persists the envelope, a background process phase that
// runs the LLM session, and startup recovery for rows a crash left behind.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/butler-platform/butlerd/pkg/envelope"
	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/metrics"
	"github.com/butler-platform/butlerd/pkg/postgres"
	"github.com/butler-platform/butlerd/pkg/spawner"
	"github.com/butler-platform/butlerd/pkg/telemetry"
	"github.com/butler-platform/butlerd/pkg/tools"
)

const (
	acceptSpanName  = "butler.tool.route.execute"
	processSpanName = "route.process"

	// defaultMaxProcessTasks bounds concurrently running process tasks;
	// further accepted rows queue on the semaphore.
	defaultMaxProcessTasks = 16

	// defaultProcessingGrace is how long a processing row may sit before
	// startup recovery treats its claimant as dead.
	defaultProcessingGrace = 5 * time.Minute
)

// SessionTrigger runs one LLM session to completion. *spawner.Spawner
// satisfies it.
type SessionTrigger interface {
	Trigger(ctx context.Context, req spawner.TriggerRequest) (*spawner.Result, error)
}

// NotifyHandler executes a notify request synchronously. Only the messenger
// installs one; everywhere else notify payloads take the normal inbox path,
// which is what keeps specialists off the delivery channels.
type NotifyHandler func(ctx context.Context, n *envelope.Notify) (map[string]any, error)

// Router owns the route_inbox table and the accept-then-process pipeline.
type Router struct {
	db      *postgres.Client
	trigger SessionTrigger
	metrics *metrics.Metrics

	notify          NotifyHandler
	recoverDispatch func(inboxID string) bool

	processingGrace time.Duration
	sem             chan struct{}
	wg              sync.WaitGroup
}

// New builds a Router. The spawner is reached through SessionTrigger so the
// pipeline is testable without an SDK.
func New(db *postgres.Client, trigger SessionTrigger, m *metrics.Metrics) *Router {
	return &Router{
		db:              db,
		trigger:         trigger,
		metrics:         m,
		processingGrace: defaultProcessingGrace,
		sem:             make(chan struct{}, defaultMaxProcessTasks),
	}
}

// SetNotifyHandler installs the messenger's synchronous delivery path.
func (r *Router) SetNotifyHandler(h NotifyHandler) {
	r.notify = h
}

// SetRecoveryDispatch overrides how RecoverPending schedules rows. The
// switchboard points this at its durable buffer; by default recovery spawns
// the same bounded background tasks the accept path uses.
func (r *Router) SetRecoveryDispatch(dispatch func(inboxID string) bool) {
	r.recoverDispatch = dispatch
}

// Tool returns the reserved route.execute tool.
func (r *Router) Tool() tools.Tool {
	return tools.Func("route.execute", r.Execute)
}

// Execute is the accept phase: validate the envelope, persist the inbox
// row, schedule the process task, return. No LLM work happens before the
// response. On the messenger a notify request short-circuits into the
// delivery path instead; no row, no session.
func (r *Router) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	start := time.Now()

	var env envelope.Route
	if err := envelope.Decode(args, &env); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	if r.notify != nil {
		n, present, err := env.NotifyRequest()
		if err != nil {
			return nil, err
		}
		if present {
			return r.notify(ctx, n)
		}
	}

	ctx = telemetry.Extract(ctx, env.TraceContext)
	ctx, span := telemetry.Tracer().Start(ctx, acceptSpanName,
		trace.WithAttributes(attribute.String("request_id", env.RequestContext.RequestID)))
	defer span.End()

	inboxID, err := r.insertAccepted(ctx, &env)
	if err != nil {
		slog.Error("Route accept failed to persist inbox row",
			"request_id", env.RequestContext.RequestID,
			"error", err)
		telemetry.RecordSpanError(ctx, err)
		return map[string]any{
			"status": "error",
			"error": map[string]any{
				"class":   fault.ClassInternal,
				"message": fmt.Sprintf("route_inbox insert failed: %v", err),
			},
		}, nil
	}

	r.dispatch(inboxID)

	requestContext, err := envelope.ToMap(env.RequestContext)
	if err != nil {
		requestContext = map[string]any{"request_id": env.RequestContext.RequestID}
	}
	return map[string]any{
		"status":          "accepted",
		"inbox_id":        inboxID,
		"timing_ms":       time.Since(start).Milliseconds(),
		"request_context": requestContext,
	}, nil
}

// dispatch schedules the process phase for one inbox row. The semaphore is
// taken inside the goroutine so the accept response never waits on it.
func (r *Router) dispatch(inboxID string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sem <- struct{}{}
		defer func() { <-r.sem }()
		r.process(context.Background(), inboxID)
	}()
}

// process claims the row and runs the background phase. The claim doubles
// as dedup: zero rows updated means another task got there first or the
// row is already terminal.
func (r *Router) process(ctx context.Context, inboxID string) {
	claimed, err := r.claimProcessing(ctx, inboxID)
	if err != nil {
		slog.Error("Route process failed to claim inbox row", "inbox_id", inboxID, "error", err)
		return
	}
	if !claimed {
		return
	}
	if err := r.ProcessClaimed(ctx, inboxID); err != nil {
		slog.Error("Route process failed", "inbox_id", inboxID, "error", err)
	}
}

// ProcessClaimed runs the process phase for a row already in processing
// state; the switchboard's buffer claims rows itself before handing refs
// over. The session runs under a span on the accept span's trace with a
// link back to it, and the row's terminal state is recorded here in all
// paths except a failed load.
func (r *Router) ProcessClaimed(ctx context.Context, inboxID string) error {
	row, err := r.db.FetchRow(ctx,
		`SELECT envelope, trace_id, parent_span_id FROM route_inbox WHERE id = $1`, inboxID)
	if err != nil {
		return fmt.Errorf("load inbox row %s: %w", inboxID, err)
	}

	var env envelope.Route
	raw, err := postgres.NormalizeJSONB(row["envelope"])
	if err == nil {
		err = envelope.Decode(raw, &env)
	}
	if err != nil {
		r.markErrored(inboxID, fmt.Sprintf("malformed stored envelope: %v", err))
		return fmt.Errorf("inbox row %s: malformed stored envelope: %w", inboxID, err)
	}

	acceptRef := telemetry.SpanRef{
		TraceID: stringField(row, "trace_id"),
		SpanID:  stringField(row, "parent_span_id"),
	}
	requestID := env.RequestContext.RequestID

	// Parent from the upstream context when the envelope carried one;
	// otherwise from the accept span itself, so both spans always share a
	// trace id. The link to the accept span is recorded either way.
	procCtx := context.Background()
	if len(env.TraceContext) > 0 {
		procCtx = telemetry.Extract(procCtx, env.TraceContext)
	} else if sc, ok := acceptRef.SpanContext(); ok {
		procCtx = trace.ContextWithRemoteSpanContext(procCtx, sc)
	}
	procCtx, span := telemetry.StartLinkedSpan(procCtx, nil, processSpanName, acceptRef,
		attribute.String("request_id", requestID))
	defer span.End()

	res, err := r.trigger.Trigger(procCtx, spawner.TriggerRequest{
		Prompt:        env.Input.Prompt,
		TriggerSource: "route",
		RequestID:     requestID,
	})
	if err != nil {
		telemetry.RecordSpanError(procCtx, err)
		if errors.Is(err, fault.ErrNotAccepting) {
			// Shutdown raced the task; put the row back for startup recovery.
			r.revertToAccepted(inboxID)
			return err
		}
		r.markErrored(inboxID, err.Error())
		return err
	}

	r.markProcessed(inboxID, res.SessionID)
	return nil
}

// RecoverPending re-schedules rows a previous life of this daemon accepted
// but never finished: every accepted row, plus processing rows older than
// the processing grace. Returns how many rows were dispatched.
func (r *Router) RecoverPending(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.processingGrace)
	if _, err := r.db.Execute(ctx,
		`UPDATE route_inbox SET lifecycle_state = 'accepted' WHERE lifecycle_state = 'processing' AND received_at < $1`,
		cutoff); err != nil {
		return 0, fmt.Errorf("recover stale processing rows: %w", err)
	}

	rows, err := r.db.Fetch(ctx,
		`SELECT id FROM route_inbox WHERE lifecycle_state = 'accepted' ORDER BY received_at`)
	if err != nil {
		return 0, fmt.Errorf("list pending inbox rows: %w", err)
	}

	count := 0
	for _, row := range rows {
		id := stringField(row, "id")
		if id == "" {
			continue
		}
		if r.recoverDispatch != nil {
			if !r.recoverDispatch(id) {
				slog.Warn("Recovery dispatch refused inbox row, leaving it accepted", "inbox_id", id)
				continue
			}
		} else {
			r.dispatch(id)
		}
		count++
	}

	if count > 0 {
		slog.Info("Recovered pending route inbox rows", "count", count)
	}
	return count, nil
}

// Stop waits for in-flight process tasks, bounded by timeout. Tasks still
// running finish their terminal writes through the background context; rows
// whose sessions shutdown refused revert to accepted for the next startup.
func (r *Router) Stop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("Route process tasks still running at shutdown deadline")
	}
}

func stringField(row map[string]any, key string) string {
	s, _ := row[key].(string)
	return s
}
