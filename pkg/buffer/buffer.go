// Package buffer implements the switchboard's durable ingestion buffer: a
// bounded in-memory queue of message references whose payloads are already
// persisted, drained by a worker pool, with a periodic scanner that
// recovers rows the queue lost to backpressure or a crash.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/butler-platform/butlerd/pkg/config"
	"github.com/butler-platform/butlerd/pkg/metrics"
	"github.com/butler-platform/butlerd/pkg/postgres"
)

// Ref kinds. An ingest ref points at ingest_messages, a route ref at
// route_inbox.
const (
	KindIngest = "ingest"
	KindRoute  = "route"
)

// MessageRef points at one persisted row awaiting processing. Only the
// reference travels through memory; the envelope stays in the database.
type MessageRef struct {
	Kind string
	ID   string
}

// ProcessFunc handles one claimed ref. An error or panic marks the row
// errored; on success the worker marks it processed unless the func already
// recorded a terminal state itself.
type ProcessFunc func(ctx context.Context, ref MessageRef) error

// Stats is a point-in-time snapshot of the buffer counters.
type Stats struct {
	QueueDepth            int   `json:"queue_depth"`
	EnqueueHotTotal       int64 `json:"enqueue_hot_total"`
	EnqueueColdTotal      int64 `json:"enqueue_cold_total"`
	BackpressureTotal     int64 `json:"backpressure_total"`
	ScannerRecoveredTotal int64 `json:"scanner_recovered_total"`
}

// Buffer is the bounded queue plus its worker pool and recovery scanner.
type Buffer struct {
	cfg     config.BufferConfig
	db      *postgres.Client
	metrics *metrics.Metrics
	process ProcessFunc

	queue    chan MessageRef
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopping atomic.Bool

	hot          atomic.Int64
	cold         atomic.Int64
	backpressure atomic.Int64
	recovered    atomic.Int64
}

// New builds a buffer. Zero config values fall back to safe minimums; the
// config loader normally applies the real defaults before this point.
func New(cfg config.BufferConfig, db *postgres.Client, m *metrics.Metrics, process ProcessFunc) *Buffer {
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ScannerIntervalS < 1 {
		cfg.ScannerIntervalS = 30
	}
	if cfg.ScannerBatchSize < 1 {
		cfg.ScannerBatchSize = 100
	}
	if cfg.ScannerGraceS < 1 {
		cfg.ScannerGraceS = 60
	}
	if cfg.ProcessingGraceS < cfg.ScannerGraceS {
		cfg.ProcessingGraceS = 5 * cfg.ScannerGraceS
	}

	return &Buffer{
		cfg:     cfg,
		db:      db,
		metrics: m,
		process: process,
		queue:   make(chan MessageRef, cfg.QueueCapacity),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the workers and, when a database is attached, the scanner.
// Safe to call more than once; subsequent calls are no-ops.
func (b *Buffer) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		slog.Warn("Buffer already started, ignoring duplicate Start call")
		return
	}
	b.started = true

	slog.Info("Starting ingestion buffer",
		"capacity", b.cfg.QueueCapacity,
		"workers", b.cfg.Workers,
		"scanner_interval_s", b.cfg.ScannerIntervalS)

	for i := 0; i < b.cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
	if b.db != nil {
		b.wg.Add(1)
		go b.runScanner()
	}
}

// Stop drains the queue up to drainTimeout, then stops workers and scanner.
// Refs still queued after the timeout stay persisted and are recovered by
// the scanner after restart. Idempotent.
func (b *Buffer) Stop(drainTimeout time.Duration) {
	b.stopping.Store(true)

	deadline := time.Now().Add(drainTimeout)
	for len(b.queue) > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()

	slog.Info("Ingestion buffer stopped", "remaining", len(b.queue))
}

// Enqueue offers a ref to the queue without blocking. False means the queue
// is full or the buffer is stopping; the caller has already persisted the
// row, so a refused ref is recovered by the scanner later.
func (b *Buffer) Enqueue(ref MessageRef) bool {
	if b.offer(ref) {
		b.hot.Add(1)
		if b.metrics != nil {
			b.metrics.BufferEnqueueHot.Inc()
		}
		return true
	}
	b.backpressure.Add(1)
	if b.metrics != nil {
		b.metrics.BufferBackpressure.Inc()
	}
	return false
}

// Stats returns the current counter snapshot.
func (b *Buffer) Stats() Stats {
	return Stats{
		QueueDepth:            len(b.queue),
		EnqueueHotTotal:       b.hot.Load(),
		EnqueueColdTotal:      b.cold.Load(),
		BackpressureTotal:     b.backpressure.Load(),
		ScannerRecoveredTotal: b.recovered.Load(),
	}
}

// offer is the raw non-blocking queue insert shared by the hot and cold
// paths. Counter accounting stays with the callers.
func (b *Buffer) offer(ref MessageRef) bool {
	if b.stopping.Load() {
		return false
	}
	select {
	case b.queue <- ref:
		if b.metrics != nil {
			b.metrics.BufferQueueDepth.Set(float64(len(b.queue)))
		}
		return true
	default:
		return false
	}
}

// worker is the drain loop: pull a ref, claim it, process it.
func (b *Buffer) worker(id int) {
	defer b.wg.Done()

	log := slog.With("worker", id)
	log.Info("Buffer worker started")

	for {
		select {
		case <-b.stopCh:
			log.Info("Buffer worker shutting down")
			return
		case ref := <-b.queue:
			if b.metrics != nil {
				b.metrics.BufferQueueDepth.Set(float64(len(b.queue)))
			}
			b.handle(ref)
		}
	}
}

// handle claims the ref's row and runs the process func. The claim flips
// accepted → processing; a ref whose row is already claimed or terminal is
// skipped, which dedupes hot-path/scanner races. Panics and errors are
// contained per message.
func (b *Buffer) handle(ref MessageRef) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Buffer process panicked", "kind", ref.Kind, "id", ref.ID, "panic", r)
			b.markErrored(ref, "processing", fmt.Sprintf("panic: %v", r))
		}
	}()

	claimed, err := b.claim(ref)
	if err != nil {
		slog.Error("Buffer claim failed", "kind", ref.Kind, "id", ref.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	if err := b.process(context.Background(), ref); err != nil {
		slog.Error("Buffer process failed", "kind", ref.Kind, "id", ref.ID, "error", err)
		b.markErrored(ref, "processing", err.Error())
		return
	}
	b.markProcessed(ref)
}

func (b *Buffer) claim(ref MessageRef) (bool, error) {
	if b.db == nil {
		return false, errors.New("no database attached")
	}
	n, err := b.db.Execute(context.Background(),
		`UPDATE `+tableFor(ref.Kind)+` SET lifecycle_state = 'processing' WHERE id = $1 AND lifecycle_state = 'accepted'`,
		ref.ID)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// markProcessed finalizes a row the process func left in processing state.
// A func that already wrote its own terminal state makes this a no-op.
func (b *Buffer) markProcessed(ref MessageRef) {
	_, err := b.db.Execute(context.Background(),
		`UPDATE `+tableFor(ref.Kind)+` SET lifecycle_state = 'processed', processed_at = now() WHERE id = $1 AND lifecycle_state = 'processing'`,
		ref.ID)
	if err != nil {
		slog.Error("Failed to mark row processed", "kind", ref.Kind, "id", ref.ID, "error", err)
	}
}

// markErrored moves a row from the given state to errored. The state guard
// keeps the lifecycle monotonic: terminal rows are never overwritten.
func (b *Buffer) markErrored(ref MessageRef, fromState, msg string) {
	if b.db == nil {
		return
	}
	_, err := b.db.Execute(context.Background(),
		`UPDATE `+tableFor(ref.Kind)+` SET lifecycle_state = 'errored', error = $2, processed_at = now() WHERE id = $1 AND lifecycle_state = $3`,
		ref.ID, msg, fromState)
	if err != nil {
		slog.Error("Failed to mark row errored", "kind", ref.Kind, "id", ref.ID, "error", err)
	}
}

func tableFor(kind string) string {
	if kind == KindRoute {
		return "route_inbox"
	}
	return "ingest_messages"
}

// runScanner sweeps immediately on startup (crash-recovery rows are already
// past the grace) and then on every tick.
func (b *Buffer) runScanner() {
	defer b.wg.Done()

	interval := time.Duration(b.cfg.ScannerIntervalS) * time.Second
	log := slog.With("interval", interval)
	log.Info("Buffer scanner started")

	b.Scan(context.Background())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			log.Info("Buffer scanner shutting down")
			return
		case <-ticker.C:
			b.Scan(context.Background())
		}
	}
}

// Scan runs one recovery sweep and returns how many rows it re-enqueued.
// Accepted rows older than the scanner grace are re-offered, except rows
// with empty normalized text, which go straight to errored. Rows stuck in
// processing past the processing grace are first flipped back to accepted.
// A full queue stops the sweep; the remaining rows stay accepted for the
// next tick. DB errors log and return 0.
func (b *Buffer) Scan(ctx context.Context) int {
	b.recoverStuckProcessing(ctx)

	cutoff := time.Now().Add(-time.Duration(b.cfg.ScannerGraceS) * time.Second)
	rows, err := b.db.Fetch(ctx, `
		SELECT id, normalized_text
		FROM ingest_messages
		WHERE lifecycle_state = 'accepted' AND received_at < $1
		ORDER BY received_at
		LIMIT $2`,
		cutoff, b.cfg.ScannerBatchSize)
	if err != nil {
		slog.Error("Scanner query failed", "error", err)
		return 0
	}

	count := 0
	for _, row := range rows {
		id, _ := row["id"].(string)
		text, _ := row["normalized_text"].(string)
		ref := MessageRef{Kind: KindIngest, ID: id}

		if text == "" {
			b.markErrored(ref, "accepted", "empty normalized_text")
			continue
		}

		if !b.offer(ref) {
			break
		}
		count++
		b.cold.Add(1)
		b.recovered.Add(1)
		if b.metrics != nil {
			b.metrics.BufferEnqueueCold.Inc()
			b.metrics.BufferRecovered.Inc()
		}
	}

	if count > 0 {
		slog.Info("Scanner re-enqueued recovered rows", "count", count)
	}
	return count
}

// recoverStuckProcessing returns rows abandoned mid-flight (a worker died
// between claim and terminal write) to the accepted state, where the
// normal sweep picks them up.
func (b *Buffer) recoverStuckProcessing(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(b.cfg.ProcessingGraceS) * time.Second)
	n, err := b.db.Execute(ctx,
		`UPDATE ingest_messages SET lifecycle_state = 'accepted' WHERE lifecycle_state = 'processing' AND received_at < $1`,
		cutoff)
	if err != nil {
		slog.Error("Stuck-processing recovery failed", "error", err)
		return
	}
	if n > 0 {
		slog.Warn("Returned stuck processing rows to accepted", "count", n)
	}
}
