package butler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/rpc"
)

const (
	announceInterval   = 60 * time.Second
	deregisterTimeout  = 3 * time.Second
	announceCallBudget = 10 * time.Second
)

// Announcer keeps one butler's row in the switchboard directory alive:
// register at startup, heartbeat on an interval, re-register when the
// switchboard lost us, deregister on clean shutdown. Every call is best
// effort; a missing switchboard only costs reachability, never liveness.
type Announcer struct {
	client      *rpc.Client
	name        string
	endpoint    string
	description string
	modules     []string
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAnnouncer creates an announcer for the named butler. modules is the
// tool list advertised in the directory row.
func NewAnnouncer(client *rpc.Client, name, endpoint, description string, modules []string) *Announcer {
	return &Announcer{
		client:      client,
		name:        name,
		endpoint:    endpoint,
		description: description,
		modules:     append([]string(nil), modules...),
		logger:      slog.Default().With("component", "announcer", "butler", name),
	}
}

// Start registers immediately and then heartbeats until Stop.
func (a *Announcer) Start(ctx context.Context) {
	if a.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		a.register(loopCtx)

		ticker := time.NewTicker(announceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.heartbeat(loopCtx)
			case <-loopCtx.Done():
				return
			}
		}
	}()
}

// Stop ends the heartbeat loop and deregisters. Deregistration runs on a
// fresh context so it still goes out during process shutdown.
func (a *Announcer) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done

	ctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
	defer cancel()
	if _, err := a.client.CallSwitchboard(ctx, "registry.deregister", map[string]any{"name": a.name}); err != nil {
		a.logger.Warn("Deregister failed", "error", err)
	}
}

func (a *Announcer) register(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, announceCallBudget)
	defer cancel()
	_, err := a.client.CallSwitchboard(callCtx, "registry.register", map[string]any{
		"name":         a.name,
		"endpoint_url": a.endpoint,
		"description":  a.description,
		"modules":      a.modules,
	})
	if err != nil {
		a.logger.Warn("Registry registration failed, will retry via heartbeat", "error", err)
		return
	}
	a.logger.Info("Registered with switchboard", "endpoint", a.endpoint)
}

func (a *Announcer) heartbeat(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, announceCallBudget)
	defer cancel()
	_, err := a.client.CallSwitchboard(callCtx, "registry.heartbeat", map[string]any{"name": a.name})
	if err == nil {
		return
	}
	if errors.Is(err, fault.ErrNotFound) {
		// The switchboard restarted without our row; put it back.
		a.register(ctx)
		return
	}
	a.logger.Warn("Heartbeat failed", "error", err)
}
