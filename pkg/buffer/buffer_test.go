package buffer

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
	"github.com/butler-platform/butlerd/pkg/metrics"
	"github.com/butler-platform/butlerd/pkg/postgres"
	"github.com/butler-platform/butlerd/test/util"
)

func workerConfig() config.BufferConfig {
	return config.BufferConfig{
		QueueCapacity:    8,
		Workers:          2,
		ScannerIntervalS: 60,
		ScannerBatchSize: 10,
		ScannerGraceS:    60,
		ProcessingGraceS: 300,
	}
}

func insertIngestRow(t *testing.T, client *postgres.Client, state, text string, age time.Duration) string {
	t.Helper()
	id := uuid.NewString()
	_, err := client.Execute(context.Background(), `
		INSERT INTO ingest_messages
			(id, envelope, normalized_text, source_channel, external_event_id, idempotency_key, lifecycle_state, received_at)
		VALUES ($1, '{}'::jsonb, $2, 'email', $3, $4, $5, $6)`,
		id, text, "evt-"+id, "key-"+id, state, time.Now().Add(-age))
	require.NoError(t, err)
	return id
}

func fetchState(t *testing.T, client *postgres.Client, id string) string {
	t.Helper()
	row, err := client.FetchRow(context.Background(),
		`SELECT lifecycle_state FROM ingest_messages WHERE id = $1`, id)
	require.NoError(t, err)
	return row["lifecycle_state"].(string)
}

func TestEnqueueCountsHotAndBackpressure(t *testing.T) {
	cfg := workerConfig()
	cfg.QueueCapacity = 2
	b := New(cfg, nil, metrics.New(), func(ctx context.Context, ref MessageRef) error { return nil })

	assert.True(t, b.Enqueue(MessageRef{Kind: KindIngest, ID: "a"}))
	assert.True(t, b.Enqueue(MessageRef{Kind: KindIngest, ID: "b"}))
	assert.False(t, b.Enqueue(MessageRef{Kind: KindIngest, ID: "c"}))

	stats := b.Stats()
	assert.Equal(t, 2, stats.QueueDepth)
	assert.Equal(t, int64(2), stats.EnqueueHotTotal)
	assert.Equal(t, int64(1), stats.BackpressureTotal)
	assert.Equal(t, int64(0), stats.EnqueueColdTotal)
}

func TestEnqueueRefusedWhileStopping(t *testing.T) {
	b := New(workerConfig(), nil, metrics.New(), func(ctx context.Context, ref MessageRef) error { return nil })
	b.Stop(10 * time.Millisecond)

	assert.False(t, b.Enqueue(MessageRef{Kind: KindIngest, ID: "late"}))
	assert.Equal(t, int64(1), b.Stats().BackpressureTotal)
}

func TestWorkersProcessRefs(t *testing.T) {
	client := util.SetupTestDatabase(t)

	var mu sync.Mutex
	seen := map[string]bool{}
	b := New(workerConfig(), client, metrics.New(), func(ctx context.Context, ref MessageRef) error {
		mu.Lock()
		seen[ref.ID] = true
		mu.Unlock()
		return nil
	})
	b.Start()
	defer b.Stop(time.Second)

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = insertIngestRow(t, client, "accepted", fmt.Sprintf("message %d", i), 0)
		require.True(t, b.Enqueue(MessageRef{Kind: KindIngest, ID: ids[i]}))
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if fetchState(t, client, id) != "processed" {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		assert.True(t, seen[id])
	}
	assert.Equal(t, int64(3), b.Stats().EnqueueHotTotal)
}

func TestWorkerMarksErroredOnFailure(t *testing.T) {
	client := util.SetupTestDatabase(t)

	b := New(workerConfig(), client, metrics.New(), func(ctx context.Context, ref MessageRef) error {
		return errors.New("downstream refused the message")
	})
	b.Start()
	defer b.Stop(time.Second)

	id := insertIngestRow(t, client, "accepted", "hello", 0)
	require.True(t, b.Enqueue(MessageRef{Kind: KindIngest, ID: id}))

	require.Eventually(t, func() bool {
		return fetchState(t, client, id) == "errored"
	}, 5*time.Second, 20*time.Millisecond)

	row, err := client.FetchRow(context.Background(),
		`SELECT error, processed_at FROM ingest_messages WHERE id = $1`, id)
	require.NoError(t, err)
	assert.Equal(t, "downstream refused the message", row["error"])
	assert.NotNil(t, row["processed_at"])
}

func TestWorkerContainsPanics(t *testing.T) {
	client := util.SetupTestDatabase(t)

	var calls atomic.Int32
	b := New(workerConfig(), client, metrics.New(), func(ctx context.Context, ref MessageRef) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})
	b.Start()
	defer b.Stop(time.Second)

	bad := insertIngestRow(t, client, "accepted", "first", 0)
	good := insertIngestRow(t, client, "accepted", "second", 0)
	require.True(t, b.Enqueue(MessageRef{Kind: KindIngest, ID: bad}))
	require.Eventually(t, func() bool {
		return fetchState(t, client, bad) == "errored"
	}, 5*time.Second, 20*time.Millisecond)

	// The pool survives the panic and keeps draining.
	require.True(t, b.Enqueue(MessageRef{Kind: KindIngest, ID: good}))
	require.Eventually(t, func() bool {
		return fetchState(t, client, good) == "processed"
	}, 5*time.Second, 20*time.Millisecond)

	row, err := client.FetchRow(context.Background(),
		`SELECT error FROM ingest_messages WHERE id = $1`, bad)
	require.NoError(t, err)
	assert.Equal(t, "panic: boom", row["error"])
}

func TestDuplicateRefsProcessOnce(t *testing.T) {
	client := util.SetupTestDatabase(t)

	var calls atomic.Int32
	b := New(workerConfig(), client, metrics.New(), func(ctx context.Context, ref MessageRef) error {
		calls.Add(1)
		return nil
	})
	b.Start()
	defer b.Stop(time.Second)

	id := insertIngestRow(t, client, "accepted", "once", 0)
	ref := MessageRef{Kind: KindIngest, ID: id}
	require.True(t, b.Enqueue(ref))
	require.True(t, b.Enqueue(ref))

	require.Eventually(t, func() bool {
		return fetchState(t, client, id) == "processed"
	}, 5*time.Second, 20*time.Millisecond)

	// Give the second copy of the ref time to be dequeued and dropped.
	require.Eventually(t, func() bool {
		return b.Stats().QueueDepth == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestProcessFuncTerminalWriteWins(t *testing.T) {
	client := util.SetupTestDatabase(t)

	b := New(workerConfig(), client, metrics.New(), func(ctx context.Context, ref MessageRef) error {
		_, err := client.Execute(ctx, `
			UPDATE ingest_messages
			SET lifecycle_state = 'processed', session_id = 'sess-custom', processed_at = now()
			WHERE id = $1`, ref.ID)
		return err
	})
	b.Start()
	defer b.Stop(time.Second)

	id := insertIngestRow(t, client, "accepted", "hello", 0)
	require.True(t, b.Enqueue(MessageRef{Kind: KindIngest, ID: id}))

	require.Eventually(t, func() bool {
		return fetchState(t, client, id) == "processed"
	}, 5*time.Second, 20*time.Millisecond)

	row, err := client.FetchRow(context.Background(),
		`SELECT session_id FROM ingest_messages WHERE id = $1`, id)
	require.NoError(t, err)
	assert.Equal(t, "sess-custom", row["session_id"])
}

func scanConfig() config.BufferConfig {
	return config.BufferConfig{
		QueueCapacity:    8,
		Workers:          1,
		ScannerIntervalS: 60,
		ScannerBatchSize: 10,
		ScannerGraceS:    1,
		ProcessingGraceS: 5,
	}
}

func TestScanRecoversAgedAcceptedRows(t *testing.T) {
	client := util.SetupTestDatabase(t)

	// Workers are never started; recovered refs stay visible in the queue.
	b := New(scanConfig(), client, metrics.New(), func(ctx context.Context, ref MessageRef) error { return nil })

	old1 := insertIngestRow(t, client, "accepted", "aged one", 10*time.Minute)
	old2 := insertIngestRow(t, client, "accepted", "aged two", 10*time.Minute)
	fresh := insertIngestRow(t, client, "accepted", "fresh", 0)

	assert.Equal(t, 2, b.Scan(context.Background()))

	stats := b.Stats()
	assert.Equal(t, 2, stats.QueueDepth)
	assert.Equal(t, int64(2), stats.EnqueueColdTotal)
	assert.Equal(t, int64(2), stats.ScannerRecoveredTotal)
	assert.Equal(t, int64(0), stats.BackpressureTotal)

	assert.Equal(t, "accepted", fetchState(t, client, old1))
	assert.Equal(t, "accepted", fetchState(t, client, old2))
	assert.Equal(t, "accepted", fetchState(t, client, fresh))
}

func TestScanMarksEmptyTextErrored(t *testing.T) {
	client := util.SetupTestDatabase(t)
	b := New(scanConfig(), client, metrics.New(), func(ctx context.Context, ref MessageRef) error { return nil })

	id := insertIngestRow(t, client, "accepted", "", 10*time.Minute)

	assert.Equal(t, 0, b.Scan(context.Background()))
	assert.Equal(t, "errored", fetchState(t, client, id))

	row, err := client.FetchRow(context.Background(),
		`SELECT error FROM ingest_messages WHERE id = $1`, id)
	require.NoError(t, err)
	assert.Equal(t, "empty normalized_text", row["error"])
}

func TestScanStopsWhenQueueFull(t *testing.T) {
	client := util.SetupTestDatabase(t)

	cfg := scanConfig()
	cfg.QueueCapacity = 1
	b := New(cfg, client, metrics.New(), func(ctx context.Context, ref MessageRef) error { return nil })

	for i := 0; i < 3; i++ {
		insertIngestRow(t, client, "accepted", fmt.Sprintf("aged %d", i), 10*time.Minute)
	}

	assert.Equal(t, 1, b.Scan(context.Background()))

	// The rest stay accepted for the next sweep.
	rows, err := client.Fetch(context.Background(),
		`SELECT id FROM ingest_messages WHERE lifecycle_state = 'accepted'`)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestScanRecoversStuckProcessing(t *testing.T) {
	client := util.SetupTestDatabase(t)
	b := New(scanConfig(), client, metrics.New(), func(ctx context.Context, ref MessageRef) error { return nil })

	stuck := insertIngestRow(t, client, "processing", "abandoned mid-flight", 10*time.Minute)
	recent := insertIngestRow(t, client, "processing", "still being worked", 0)

	assert.Equal(t, 1, b.Scan(context.Background()))
	assert.Equal(t, "accepted", fetchState(t, client, stuck))
	assert.Equal(t, "processing", fetchState(t, client, recent))
}

func TestScanReturnsZeroOnDatabaseError(t *testing.T) {
	client := util.SetupTestDatabase(t)
	b := New(scanConfig(), client, metrics.New(), func(ctx context.Context, ref MessageRef) error { return nil })

	insertIngestRow(t, client, "accepted", "aged", 10*time.Minute)
	client.Close()

	assert.Equal(t, 0, b.Scan(context.Background()))
}

func TestStopDrainsQueueBeforeShutdown(t *testing.T) {
	client := util.SetupTestDatabase(t)

	var done atomic.Int32
	cfg := workerConfig()
	cfg.Workers = 1
	b := New(cfg, client, metrics.New(), func(ctx context.Context, ref MessageRef) error {
		time.Sleep(30 * time.Millisecond)
		done.Add(1)
		return nil
	})
	b.Start()

	for i := 0; i < 4; i++ {
		id := insertIngestRow(t, client, "accepted", fmt.Sprintf("slow %d", i), 0)
		require.True(t, b.Enqueue(MessageRef{Kind: KindIngest, ID: id}))
	}

	b.Stop(5 * time.Second)
	assert.Equal(t, int32(4), done.Load())
	assert.Equal(t, 0, b.Stats().QueueDepth)
}

func TestStopIsIdempotent(t *testing.T) {
	b := New(workerConfig(), nil, metrics.New(), func(ctx context.Context, ref MessageRef) error { return nil })
	b.Stop(10 * time.Millisecond)
	b.Stop(10 * time.Millisecond)
}

func TestStartIsIdempotent(t *testing.T) {
	client := util.SetupTestDatabase(t)

	var calls atomic.Int32
	b := New(workerConfig(), client, metrics.New(), func(ctx context.Context, ref MessageRef) error {
		calls.Add(1)
		return nil
	})
	b.Start()
	b.Start()
	defer b.Stop(time.Second)

	id := insertIngestRow(t, client, "accepted", "hello", 0)
	require.True(t, b.Enqueue(MessageRef{Kind: KindIngest, ID: id}))
	require.Eventually(t, func() bool {
		return fetchState(t, client, id) == "processed"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}
