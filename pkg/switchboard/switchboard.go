// Package switchboard assembles the routing daemon's intake side: the ingest
// tool with its dedup keys, the durable buffer feeding a deterministic
// classifier, the peer registry every tool client resolves endpoints
// through, and the thread-affinity store that keeps a conversation with the
// butler that first took it.
package switchboard

import (
	"context"
	"fmt"
	"time"

	"github.com/butler-platform/butlerd/pkg/buffer"
	"github.com/butler-platform/butlerd/pkg/config"
	"github.com/butler-platform/butlerd/pkg/metrics"
	"github.com/butler-platform/butlerd/pkg/postgres"
	"github.com/butler-platform/butlerd/pkg/routing"
)

// Switchboard bundles the switchboard-only services of a daemon.
type Switchboard struct {
	db     *postgres.Client
	router *routing.Router

	Buffer     *buffer.Buffer
	Intake     *Intake
	Registry   *Registry
	Rules      *RuleStore
	Threads    *ThreadRoutes
	Classifier *Classifier
}

// New wires the switchboard services together. The router's recovery path is
// repointed at the durable buffer, so crash-interrupted route rows flow
// through the same queue as ingest traffic.
func New(cfg config.BufferConfig, db *postgres.Client, router *routing.Router,
	trigger routing.SessionTrigger, caller ToolCaller, m *metrics.Metrics) *Switchboard {

	sb := &Switchboard{
		db:       db,
		router:   router,
		Registry: NewRegistry(db),
		Rules:    NewRuleStore(db),
		Threads:  NewThreadRoutes(db),
	}
	sb.Classifier = NewClassifier(db, sb.Rules, sb.Threads, caller, trigger, m)
	sb.Buffer = buffer.New(cfg, db, m, sb.process)
	sb.Intake = NewIntake(db, sb.Buffer)

	router.SetRecoveryDispatch(func(inboxID string) bool {
		return sb.Buffer.Enqueue(buffer.MessageRef{Kind: buffer.KindRoute, ID: inboxID})
	})
	return sb
}

// process fans buffer refs out by kind: ingest rows go through the
// classifier, recovered route rows through the router's process phase.
func (s *Switchboard) process(ctx context.Context, ref buffer.MessageRef) error {
	switch ref.Kind {
	case buffer.KindRoute:
		return s.router.ProcessClaimed(ctx, ref.ID)
	default:
		return s.Classifier.Classify(ctx, ref.ID)
	}
}

// Start launches the buffer and replays work a previous life left behind.
func (s *Switchboard) Start(ctx context.Context) error {
	s.Buffer.Start()
	if _, err := s.router.RecoverPending(ctx); err != nil {
		return fmt.Errorf("recover route inbox: %w", err)
	}
	return nil
}

// Stop drains the buffer. Refs still queued at the timeout stay persisted
// for the next startup's scanner.
func (s *Switchboard) Stop(drainTimeout time.Duration) {
	s.Buffer.Stop(drainTimeout)
}

// Stats reports the queue counters plus ingest rows by lifecycle state.
func (s *Switchboard) Stats(ctx context.Context) (map[string]any, error) {
	counts, err := s.Intake.StateCounts(ctx)
	if err != nil {
		return nil, err
	}
	queue := s.Buffer.Stats()
	return map[string]any{
		"queue": map[string]any{
			"queue_depth":             queue.QueueDepth,
			"enqueue_hot_total":       queue.EnqueueHotTotal,
			"enqueue_cold_total":      queue.EnqueueColdTotal,
			"backpressure_total":      queue.BackpressureTotal,
			"scanner_recovered_total": queue.ScannerRecoveredTotal,
		},
		"ingest_messages": counts,
	}, nil
}
