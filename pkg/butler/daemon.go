package butler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/butler-platform/butlerd/pkg/config"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	serverStopTimeout      = 5 * time.Second
)

// ToolServer is the RPC surface the daemon drains and stops.
type ToolServer interface {
	SetDraining(draining bool)
	Shutdown(ctx context.Context) error
}

// SessionDrainer is the spawner surface the shutdown sequence drives.
type SessionDrainer interface {
	StopAccepting()
	Drain(timeout time.Duration)
}

// PoolCloser closes the daemon's database pool. Closing is always the last
// shutdown step so every earlier step can still reach the database.
type PoolCloser interface {
	Close()
}

type runner struct {
	name  string
	start func(ctx context.Context)
	stop  func()
}

// Daemon ties one butler process together and owns its shutdown order:
// stop accepting requests, drain in-flight sessions, stop modules in
// reverse startup order, stop background runners, then close the pool.
type Daemon struct {
	name    string
	modules *Manager
	logger  *slog.Logger

	shutdownTimeout time.Duration

	server  ToolServer
	spawner SessionDrainer
	pool    PoolCloser
	runners []runner

	mu       sync.Mutex
	started  int
	stopOnce sync.Once
}

// NewDaemon creates a daemon for the named butler. Collaborators are
// attached with the Set methods before Start; absent ones are skipped at
// shutdown.
func NewDaemon(name string, modules *Manager) *Daemon {
	return &Daemon{
		name:            name,
		modules:         modules,
		logger:          slog.Default().With("component", "daemon", "butler", name),
		shutdownTimeout: defaultShutdownTimeout,
	}
}

// SetShutdownTimeout overrides the drain budget, normally from the
// [butler.shutdown] timeout_s setting.
func (d *Daemon) SetShutdownTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.shutdownTimeout = timeout
	}
}

// SetServer attaches the RPC server whose draining flag gates new requests.
func (d *Daemon) SetServer(s ToolServer) { d.server = s }

// SetSpawner attaches the session spawner drained at shutdown.
func (d *Daemon) SetSpawner(sp SessionDrainer) { d.spawner = sp }

// SetPool attaches the database pool closed as the final shutdown step.
func (d *Daemon) SetPool(p PoolCloser) { d.pool = p }

// Modules exposes the module manager for health checks and tool wiring.
func (d *Daemon) Modules() *Manager { return d.modules }

// AddRunner registers a background runner. Runners start in registration
// order after module startup and stop in reverse order after modules shut
// down. stop must block until the runner has finished.
func (d *Daemon) AddRunner(name string, start func(ctx context.Context), stop func()) {
	d.runners = append(d.runners, runner{name: name, start: start, stop: stop})
}

// Start brings modules up in dependency order, then starts the background
// runners. Module failures are contained by the manager and do not abort
// the daemon.
func (d *Daemon) Start(ctx context.Context, decls map[string]config.ModuleDecl) error {
	if d.modules != nil {
		if err := d.modules.Startup(ctx, decls); err != nil {
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.runners[d.started:] {
		r.start(ctx)
		d.started++
		d.logger.Info("Runner started", "runner", r.name)
	}
	return nil
}

// Stop runs the shutdown sequence exactly once. It is safe to call before
// Start and without a spawner, server or pool attached.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	d.logger.Info("Shutdown starting", "timeout", d.shutdownTimeout)

	if d.server != nil {
		d.server.SetDraining(true)
	}

	if d.spawner != nil {
		d.spawner.StopAccepting()
		d.spawner.Drain(d.shutdownTimeout)
	}

	if d.modules != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout)
		d.modules.Shutdown(ctx)
		cancel()
	}

	d.mu.Lock()
	started := d.started
	d.started = 0
	d.mu.Unlock()
	for i := started - 1; i >= 0; i-- {
		d.runners[i].stop()
		d.logger.Info("Runner stopped", "runner", d.runners[i].name)
	}

	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
		if err := d.server.Shutdown(ctx); err != nil {
			d.logger.Warn("Server shutdown failed", "error", err)
		}
		cancel()
	}

	if d.pool != nil {
		d.pool.Close()
	}

	d.logger.Info("Shutdown complete")
}
