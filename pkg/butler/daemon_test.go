package butler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butler-platform/butlerd/pkg/metrics"
	"github.com/butler-platform/butlerd/pkg/tools"
)

// shutdownRecorder impersonates every daemon collaborator and records the
// order in which shutdown reaches them.
type shutdownRecorder struct {
	mu           sync.Mutex
	events       []string
	drainTimeout time.Duration
}

func (r *shutdownRecorder) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *shutdownRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *shutdownRecorder) SetDraining(draining bool) {
	if draining {
		r.record("set_draining")
	}
}

func (r *shutdownRecorder) Shutdown(context.Context) error {
	r.record("server_shutdown")
	return nil
}

func (r *shutdownRecorder) StopAccepting() {
	r.record("stop_accepting")
}

func (r *shutdownRecorder) Drain(timeout time.Duration) {
	r.mu.Lock()
	r.drainTimeout = timeout
	r.mu.Unlock()
	r.record("drain")
}

func (r *shutdownRecorder) Close() {
	r.record("db_close")
}

// stoppingModule records its OnShutdown through the recorder.
func stoppingModule(name string, rec *shutdownRecorder) *testModule {
	return &testModule{
		name: name,
		onStop: func(context.Context) error {
			rec.record("module_shutdown:" + name)
			return nil
		},
	}
}

func TestDaemonStopSequence(t *testing.T) {
	rec := &shutdownRecorder{}
	mgr := newTestManager(t, stoppingModule("calendar", rec))

	d := NewDaemon("edmund", mgr)
	d.SetSpawner(rec)
	d.SetPool(rec)

	require.NoError(t, d.Start(context.Background(), nil))
	d.Stop()

	assert.Equal(t, []string{
		"stop_accepting",
		"drain",
		"module_shutdown:calendar",
		"db_close",
	}, rec.snapshot())
}

func TestDaemonStopFullSequence(t *testing.T) {
	rec := &shutdownRecorder{}
	mgr := newTestManager(t, stoppingModule("calendar", rec))

	d := NewDaemon("edmund", mgr)
	d.SetServer(rec)
	d.SetSpawner(rec)
	d.SetPool(rec)
	d.AddRunner("scheduler", func(context.Context) {}, func() { rec.record("runner_stop:scheduler") })
	d.AddRunner("buffer", func(context.Context) {}, func() { rec.record("runner_stop:buffer") })

	require.NoError(t, d.Start(context.Background(), nil))
	d.Stop()

	assert.Equal(t, []string{
		"set_draining",
		"stop_accepting",
		"drain",
		"module_shutdown:calendar",
		"runner_stop:buffer",
		"runner_stop:scheduler",
		"server_shutdown",
		"db_close",
	}, rec.snapshot())
}

func TestDaemonStopTwiceRunsOnce(t *testing.T) {
	rec := &shutdownRecorder{}
	mgr := newTestManager(t, stoppingModule("calendar", rec))

	d := NewDaemon("edmund", mgr)
	d.SetSpawner(rec)
	d.SetPool(rec)

	require.NoError(t, d.Start(context.Background(), nil))
	d.Stop()
	d.Stop()

	assert.Equal(t, []string{
		"stop_accepting",
		"drain",
		"module_shutdown:calendar",
		"db_close",
	}, rec.snapshot())
}

func TestDaemonStopBeforeStart(t *testing.T) {
	rec := &shutdownRecorder{}
	mgr := newTestManager(t, stoppingModule("calendar", rec))

	d := NewDaemon("edmund", mgr)
	d.SetSpawner(rec)
	d.SetPool(rec)
	d.AddRunner("scheduler", func(context.Context) {}, func() { rec.record("runner_stop:scheduler") })

	d.Stop()

	assert.Equal(t, []string{"stop_accepting", "drain", "db_close"}, rec.snapshot(),
		"never-started modules and runners must be skipped")
}

func TestDaemonStopWithoutSpawner(t *testing.T) {
	rec := &shutdownRecorder{}

	d := NewDaemon("edmund", nil)
	d.SetPool(rec)

	require.NoError(t, d.Start(context.Background(), nil))
	d.Stop()

	assert.Equal(t, []string{"db_close"}, rec.snapshot())
}

func TestDaemonDrainTimeout(t *testing.T) {
	t.Run("configured", func(t *testing.T) {
		rec := &shutdownRecorder{}
		d := NewDaemon("edmund", nil)
		d.SetSpawner(rec)
		d.SetShutdownTimeout(7 * time.Second)

		d.Stop()

		assert.Equal(t, 7*time.Second, rec.drainTimeout)
	})

	t.Run("default", func(t *testing.T) {
		rec := &shutdownRecorder{}
		d := NewDaemon("edmund", nil)
		d.SetSpawner(rec)

		d.Stop()

		assert.Equal(t, 30*time.Second, rec.drainTimeout)
	})

	t.Run("nonpositive ignored", func(t *testing.T) {
		rec := &shutdownRecorder{}
		d := NewDaemon("edmund", nil)
		d.SetSpawner(rec)
		d.SetShutdownTimeout(0)

		d.Stop()

		assert.Equal(t, 30*time.Second, rec.drainTimeout)
	})
}

func TestDaemonRunnersStartInOrder(t *testing.T) {
	rec := &shutdownRecorder{}
	d := NewDaemon("edmund", nil)
	d.AddRunner("scheduler",
		func(context.Context) { rec.record("runner_start:scheduler") },
		func() { rec.record("runner_stop:scheduler") })
	d.AddRunner("buffer",
		func(context.Context) { rec.record("runner_start:buffer") },
		func() { rec.record("runner_stop:buffer") })

	require.NoError(t, d.Start(context.Background(), nil))
	d.Stop()

	assert.Equal(t, []string{
		"runner_start:scheduler",
		"runner_start:buffer",
		"runner_stop:buffer",
		"runner_stop:scheduler",
	}, rec.snapshot())
}

func TestDaemonStartTwiceStartsRunnersOnce(t *testing.T) {
	rec := &shutdownRecorder{}
	d := NewDaemon("edmund", nil)
	d.AddRunner("scheduler",
		func(context.Context) { rec.record("runner_start:scheduler") },
		func() {})

	require.NoError(t, d.Start(context.Background(), nil))
	require.NoError(t, d.Start(context.Background(), nil))

	assert.Equal(t, []string{"runner_start:scheduler"}, rec.snapshot())
}

func TestDaemonModulesAccessor(t *testing.T) {
	mgr := NewManager("edmund", nil, tools.NewRegistry("edmund"), metrics.New())
	d := NewDaemon("edmund", mgr)

	assert.Same(t, mgr, d.Modules())
}
