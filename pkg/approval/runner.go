package approval

import (
	"context"
	"log/slog"
	"time"
)

// Runner sweeps stale pending actions to expired on an interval.
type Runner struct {
	service  *Service
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates an expiry runner. interval below one second is clamped
// up to it.
func NewRunner(service *Service, interval time.Duration) *Runner {
	if interval < time.Second {
		interval = time.Second
	}
	return &Runner{service: service, interval: interval}
}

// Start launches the sweep loop. The first sweep runs immediately so rows
// that went stale while the daemon was down expire at startup.
func (r *Runner) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go r.run(ctx)

	slog.Info("Approval expiry runner started", "interval", r.interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	slog.Info("Approval expiry runner stopped")
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)

	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	if _, err := r.service.ExpireStaleActions(ctx); err != nil {
		slog.Error("Failed to expire stale actions", "error", err)
	}
}
