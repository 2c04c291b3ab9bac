// Package messenger assembles the delivery pipeline for the one butler
// allowed to touch external channels: the durable request store, the retry
// worker pool, the dead-letter queue and the per-channel egress tools. Every
// other butler reaches a human by routing a notify_request here.
package messenger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/butler-platform/butlerd/pkg/config"
	"github.com/butler-platform/butlerd/pkg/delivery"
	"github.com/butler-platform/butlerd/pkg/envelope"
	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/metrics"
	"github.com/butler-platform/butlerd/pkg/postgres"
	"github.com/butler-platform/butlerd/pkg/ratelimit"
	"github.com/butler-platform/butlerd/pkg/routing"
	"github.com/butler-platform/butlerd/pkg/tools"
)

// Messenger bundles the delivery service with its worker pool and DLQ.
type Messenger struct {
	svc    *delivery.Service
	worker *delivery.Worker
	dlq    *delivery.DLQ
	logger *slog.Logger
}

// New wires the delivery stack. Requests enqueued without an origin of their
// own are stamped with the messenger's name.
func New(db *postgres.Client, cfg config.DeliveryConfig, limiter *ratelimit.Limiter, m *metrics.Metrics) *Messenger {
	svc := delivery.NewService(db, cfg, limiter, m, tools.MessengerButler)
	return &Messenger{
		svc:    svc,
		worker: delivery.NewWorker(svc),
		dlq:    delivery.NewDLQ(db),
		logger: slog.Default().With("component", "messenger"),
	}
}

// Delivery exposes the underlying service for callers that enqueue directly.
func (m *Messenger) Delivery() *delivery.Service { return m.svc }

// DLQ exposes the dead-letter queue for operator tooling.
func (m *Messenger) DLQ() *delivery.DLQ { return m.dlq }

// Attach installs the synchronous notify path on the router. A route.execute
// call whose input carries a notify_request then skips the inbox and the
// session entirely and gets the enqueue result back in the same call.
func (m *Messenger) Attach(r *routing.Router) {
	r.SetNotifyHandler(m.HandleNotify)
}

// HandleNotify turns a notify envelope into a delivery request. The result
// mirrors the delivery.send tool so remote callers see one shape either way.
// The router has already validated the envelope.
func (m *Messenger) HandleNotify(ctx context.Context, n *envelope.Notify) (map[string]any, error) {
	res, err := m.svc.Enqueue(ctx, delivery.EnqueueInput{
		OriginButler:   n.OriginButler,
		Channel:        n.Delivery.Channel,
		Intent:         n.Delivery.Intent,
		TargetIdentity: n.Delivery.Recipient,
		MessageContent: n.Delivery.Message,
		Subject:        n.Delivery.Subject,
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Notify request accepted for delivery",
		"delivery_id", res.ID,
		"origin_butler", n.OriginButler,
		"channel", n.Delivery.Channel,
		"intent", n.Delivery.Intent,
		"duplicate", res.Duplicate)
	return map[string]any{
		"delivery_id": res.ID,
		"status":      res.Status,
		"duplicate":   res.Duplicate,
	}, nil
}

// RegisterChannel installs a provider and the channel's six egress tools
// (bot_/user_ prefixes crossed with send_message, reply_to_message and
// reply_to_thread). On a non-messenger registry the tools are suppressed by
// the ownership filter and only the provider lands.
func (m *Messenger) RegisterChannel(reg *tools.Registry, channel string, p delivery.Provider) error {
	if channel == "" {
		return fmt.Errorf("register channel: %w", fault.NewValidationError("channel", "required"))
	}
	m.svc.RegisterProvider(channel, p)
	if err := reg.RegisterAll(egressTools(m.svc, channel)...); err != nil {
		return fmt.Errorf("register egress tools for %s: %w", channel, err)
	}
	m.logger.Info("Channel registered", "channel", channel)
	return nil
}

// RegisterTools exposes delivery.* and dead_letter.* on the registry.
func (m *Messenger) RegisterTools(reg *tools.Registry) error {
	return delivery.RegisterTools(reg, m.svc, m.dlq)
}

// Start reclaims deliveries stranded in_progress by a previous crash, then
// starts the worker pool.
func (m *Messenger) Start(ctx context.Context) error {
	n, err := m.svc.RecoverStuck(ctx)
	if err != nil {
		return fmt.Errorf("recover stuck deliveries: %w", err)
	}
	if n > 0 {
		m.logger.Info("Recovered stuck deliveries", "count", n)
	}
	m.worker.Start()
	return nil
}

// Stop drains the worker pool. In-flight provider calls finish first.
func (m *Messenger) Stop() {
	m.worker.Stop()
}
