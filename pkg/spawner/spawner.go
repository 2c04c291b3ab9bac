// Package spawner owns the LLM session lifetimes of one butler daemon. It
// bounds concurrency, keeps a cancel handle per running session, and is the
// single place shutdown goes to stop new work and drain what remains.
package spawner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/butler-platform/butlerd/pkg/config"
	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/metrics"
	"github.com/butler-platform/butlerd/pkg/postgres"
)

// Message is one chunk of a session stream. Progress messages carry Content;
// the chunk with IsFinal set carries the session outcome and is the last
// message before the adapter closes the channel.
type Message struct {
	Content string
	IsFinal bool
	Error   string
}

// QueryRequest is what the spawner hands the LLM adapter per session.
type QueryRequest struct {
	SessionID     string
	Prompt        string
	TriggerSource string
	RequestID     string
}

// SDKQuery is the LLM adapter boundary. Query returns a stream that yields
// progress messages, then a final message, then closes. Implementations must
// close the stream when ctx is cancelled.
type SDKQuery interface {
	Query(ctx context.Context, req QueryRequest) (<-chan Message, error)
}

// TriggerRequest describes one session to run.
type TriggerRequest struct {
	Prompt        string
	TriggerSource string
	RequestID     string
}

// Result is the terminal outcome of one session. Session-level failures are
// reported here, not as Go errors; Trigger only errors when the session was
// never started.
type Result struct {
	SessionID  string
	Success    bool
	Output     string
	Error      string
	DurationMS int64
}

// ResultMap renders the result as a JSONB-ready map, the shape task
// accounting (scheduled_tasks.last_result) stores.
func (r *Result) ResultMap() map[string]any {
	m := map[string]any{
		"session_id":  r.SessionID,
		"success":     r.Success,
		"duration_ms": r.DurationMS,
	}
	if r.Output != "" {
		m["output"] = r.Output
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	return m
}

// ErrorCancelled is the Result.Error value recorded when a session was
// cancelled before producing a final message.
const ErrorCancelled = "cancelled"

// Outcomes persisted to butler_sessions.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
)

// Spawner tracks in-flight sessions for one daemon. db may be nil; session
// accounting is then skipped.
type Spawner struct {
	sdk     SDKQuery
	db      *postgres.Client
	metrics *metrics.Metrics
	sem     chan struct{}

	mu        sync.RWMutex
	accepting bool
	active    map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New creates a Spawner that accepts triggers immediately.
func New(cfg config.SpawnerConfig, sdk SDKQuery, db *postgres.Client, m *metrics.Metrics) *Spawner {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Spawner{
		sdk:       sdk,
		db:        db,
		metrics:   m,
		sem:       make(chan struct{}, maxConcurrent),
		accepting: true,
		active:    make(map[string]context.CancelFunc),
	}
}

// Trigger runs one session to completion and returns its result. Triggers
// beyond the concurrency bound queue on the semaphore but are cancellable
// while waiting. After StopAccepting, Trigger fails with ErrNotAccepting.
func (s *Spawner) Trigger(ctx context.Context, req TriggerRequest) (*Result, error) {
	sessionID, sessionCtx, cancel, err := s.register(ctx)
	if err != nil {
		return nil, err
	}
	defer s.unregister(sessionID, cancel)

	log := slog.With("session_id", sessionID, "trigger_source", req.TriggerSource)
	start := time.Now()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-sessionCtx.Done():
		log.Info("Session cancelled while queued")
		return s.finish(log, sessionID, req, &Result{
			SessionID:  sessionID,
			Error:      ErrorCancelled,
			DurationMS: time.Since(start).Milliseconds(),
		}), nil
	}

	s.recordStart(sessionID, req)
	log.Info("Session started")

	res := &Result{SessionID: sessionID}
	final := s.consume(sessionCtx, log, QueryRequest{
		SessionID:     sessionID,
		Prompt:        req.Prompt,
		TriggerSource: req.TriggerSource,
		RequestID:     req.RequestID,
	})
	switch {
	case final == nil && sessionCtx.Err() != nil:
		res.Error = ErrorCancelled
	case final == nil:
		res.Error = "stream closed without a result"
	case final.Error != "":
		res.Output = final.Content
		res.Error = final.Error
	default:
		res.Success = true
		res.Output = final.Content
	}
	res.DurationMS = time.Since(start).Milliseconds()

	return s.finish(log, sessionID, req, res), nil
}

// consume drives the adapter stream to its final message. A nil return means
// the stream ended (or the session was cancelled) without one.
func (s *Spawner) consume(ctx context.Context, log *slog.Logger, req QueryRequest) *Message {
	stream, err := s.sdk.Query(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("LLM query failed", "error", err)
			return &Message{IsFinal: true, Error: err.Error()}
		}
		return nil
	}

	for {
		select {
		case msg, ok := <-stream:
			if !ok {
				return nil
			}
			if msg.IsFinal {
				return &msg
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Spawner) finish(log *slog.Logger, sessionID string, req TriggerRequest, res *Result) *Result {
	outcome := outcomeFailed
	switch {
	case res.Success:
		outcome = outcomeCompleted
	case res.Error == ErrorCancelled:
		outcome = outcomeCancelled
	}

	s.recordFinish(sessionID, req, outcome, res)
	if s.metrics != nil {
		s.metrics.Sessions.WithLabelValues(req.TriggerSource, outcome).Inc()
	}

	log.Info("Session finished", "outcome", outcome, "duration_ms", res.DurationMS)
	return res
}

func (s *Spawner) register(ctx context.Context) (string, context.Context, context.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.accepting {
		return "", nil, nil, fault.ErrNotAccepting
	}

	sessionID := uuid.Must(uuid.NewV7()).String()
	sessionCtx, cancel := context.WithCancel(ctx)
	s.active[sessionID] = cancel
	s.wg.Add(1)
	return sessionID, sessionCtx, cancel, nil
}

func (s *Spawner) unregister(sessionID string, cancel context.CancelFunc) {
	s.mu.Lock()
	delete(s.active, sessionID)
	s.mu.Unlock()
	cancel()
	s.wg.Done()
}

// StopAccepting makes all subsequent Trigger calls fail fast. Idempotent and
// synchronous; running sessions are unaffected.
func (s *Spawner) StopAccepting() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.accepting {
		return
	}
	s.accepting = false
	slog.Info("Spawner stopped accepting new triggers", "in_flight", len(s.active))
}

// Drain waits for in-flight sessions to finish. Sessions still running at
// the timeout are cancelled and then awaited, so the in-flight count is zero
// when Drain returns.
func (s *Spawner) Drain(timeout time.Duration) {
	slog.Info("Draining spawner", "in_flight", s.InFlight(), "timeout", timeout)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Spawner drained")
		return
	case <-time.After(timeout):
	}

	cancelled := s.cancelAll()
	slog.Warn("Drain timed out, cancelled remaining sessions", "cancelled", cancelled)
	<-done
	slog.Info("Spawner drained after cancellation")
}

func (s *Spawner) cancelAll() int {
	s.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(s.active))
	for _, cancel := range s.active {
		cancels = append(cancels, cancel)
	}
	s.mu.RUnlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// InFlight reports registered sessions, including triggers still queued on
// the concurrency semaphore.
func (s *Spawner) InFlight() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// Accepting reports whether new triggers are admitted.
func (s *Spawner) Accepting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accepting
}

func (s *Spawner) recordStart(sessionID string, req TriggerRequest) {
	if s.db == nil {
		return
	}
	_, err := s.db.Execute(context.Background(),
		`INSERT INTO butler_sessions (id, trigger_source, request_id)
		 VALUES ($1, $2, NULLIF($3, ''))`,
		sessionID, req.TriggerSource, req.RequestID)
	if err != nil {
		slog.Warn("Failed to record session start", "session_id", sessionID, "error", err)
	}
}

// recordFinish upserts the terminal row under a background context — the
// session context may already be cancelled and accounting must still land.
func (s *Spawner) recordFinish(sessionID string, req TriggerRequest, outcome string, res *Result) {
	if s.db == nil {
		return
	}
	_, err := s.db.Execute(context.Background(),
		`INSERT INTO butler_sessions (id, trigger_source, request_id, outcome, error, completed_at, duration_ms)
		 VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), now(), $6)
		 ON CONFLICT (id) DO UPDATE SET
		     outcome      = EXCLUDED.outcome,
		     error        = EXCLUDED.error,
		     completed_at = EXCLUDED.completed_at,
		     duration_ms  = EXCLUDED.duration_ms`,
		sessionID, req.TriggerSource, req.RequestID, outcome, res.Error, res.DurationMS)
	if err != nil {
		slog.Error("Failed to record session outcome",
			"session_id", sessionID, "outcome", outcome, "error", err)
	}
}
