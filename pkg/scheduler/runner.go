package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Runner drives Tick on an interval. Ticks never overlap; the loop runs
// them one at a time.
type Runner struct {
	service  *Service
	dispatch DispatchFunc
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a runner. interval below one second is clamped up to it.
func NewRunner(service *Service, dispatch DispatchFunc, interval time.Duration) *Runner {
	if interval < time.Second {
		interval = time.Second
	}
	return &Runner{
		service:  service,
		dispatch: dispatch,
		interval: interval,
	}
}

// Start launches the tick loop. The first tick runs immediately so overdue
// tasks fire without waiting a full interval after startup.
func (r *Runner) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go r.run(ctx)

	slog.Info("Schedule runner started", "interval", r.interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	slog.Info("Schedule runner stopped")
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)

	r.service.Tick(ctx, r.dispatch)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.service.Tick(ctx, r.dispatch)
		}
	}
}
