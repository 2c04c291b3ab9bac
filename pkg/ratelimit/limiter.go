// Package ratelimit implements the messenger's outbound admission control:
// layered token buckets (global, per channel identity, per recipient), a
// global in-flight cap, and provider-reported throttles. Every outbound
// delivery passes CheckAdmission before the provider call and Release on its
// terminal outcome.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/butler-platform/butlerd/pkg/config"
	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/metrics"
)

// IntentReply marks a delivery as a reply to an inbound message. Replies
// consume 1/reply_priority_multiplier tokens so user-facing answers keep
// flowing when proactive sends have drained the buckets.
const IntentReply = "reply"

// Limit types reported on rejections.
const (
	LimitProvider       = "provider"
	LimitGlobalInFlight = "global_in_flight"
	LimitGlobal         = "global"
	LimitChannel        = "channel"
	LimitRecipient      = "recipient"
)

// Request identifies one prospective delivery for admission.
type Request struct {
	Channel       string
	IdentityScope string
	Recipient     string
	Intent        string
	OriginButler  string
}

// Result is the admission decision. When Admitted is false, ErrorClass and
// LimitType say which tier rejected and RetryAfterSeconds hints when retrying
// could succeed (zero when no hint applies).
type Result struct {
	Admitted          bool
	ErrorClass        string
	LimitType         string
	RetryAfterSeconds float64
}

type providerThrottle struct {
	until  time.Time
	reason string
}

// Limiter is the messenger-wide admission controller. All state is guarded
// by one mutex; the admission path does no I/O, so the coarse lock is never
// held across a suspension.
type Limiter struct {
	mu sync.Mutex

	cfg     config.RateLimitConfig
	metrics *metrics.Metrics
	now     func() time.Time

	global     *bucket
	channels   map[string]*bucket
	recipients map[string]*bucket
	inFlight   int
	throttles  map[string]providerThrottle
}

// New builds a Limiter with all buckets full.
func New(cfg config.RateLimitConfig, m *metrics.Metrics) *Limiter {
	now := time.Now()
	return &Limiter{
		cfg:        cfg,
		metrics:    m,
		now:        time.Now,
		global:     newBucket(cfg.GlobalMaxPerMinute, now),
		channels:   map[string]*bucket{},
		recipients: map[string]*bucket{},
		throttles:  map[string]providerThrottle{},
	}
}

// channelKey joins channel and identity scope, e.g. "telegram.bot".
func channelKey(channel, identityScope string) string {
	return fmt.Sprintf("%s.%s", channel, identityScope)
}

func (l *Limiter) cost(intent string) float64 {
	if intent == IntentReply && l.cfg.ReplyPriorityMultiplier > 0 {
		return 1.0 / l.cfg.ReplyPriorityMultiplier
	}
	return 1.0
}

// CheckAdmission decides whether one delivery may proceed. Tiers are checked
// provider throttle first, then the in-flight cap, then global, channel and
// recipient buckets. Tokens are consumed from all three buckets only when
// every tier passes, so a rejection never costs the caller tokens.
func (l *Limiter) CheckAdmission(req Request) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if throttle, ok := l.throttles[req.Channel]; ok {
		if now.Before(throttle.until) {
			return l.reject(Result{
				ErrorClass:        fault.ClassTargetUnavailable,
				LimitType:         LimitProvider,
				RetryAfterSeconds: throttle.until.Sub(now).Seconds(),
			})
		}
		delete(l.throttles, req.Channel)
	}

	if l.inFlight >= l.cfg.GlobalMaxInFlight {
		return l.reject(Result{
			ErrorClass: fault.ClassOverloadRejected,
			LimitType:  LimitGlobalInFlight,
		})
	}

	// Reply weighting applies to token cost only; an in-flight delivery
	// counts as one regardless of intent.
	cost := l.cost(req.Intent)

	l.global.refill(now)
	if !l.global.has(cost) {
		return l.reject(Result{
			ErrorClass:        fault.ClassOverloadRejected,
			LimitType:         LimitGlobal,
			RetryAfterSeconds: l.global.timeUntilAvailable(cost),
		})
	}

	channel := l.channelBucket(req.Channel, req.IdentityScope, now)
	channel.refill(now)
	if !channel.has(cost) {
		return l.reject(Result{
			ErrorClass:        fault.ClassOverloadRejected,
			LimitType:         LimitChannel,
			RetryAfterSeconds: channel.timeUntilAvailable(cost),
		})
	}

	recipient := l.recipientBucket(req.Recipient, now)
	recipient.refill(now)
	if !recipient.has(cost) {
		return l.reject(Result{
			ErrorClass:        fault.ClassOverloadRejected,
			LimitType:         LimitRecipient,
			RetryAfterSeconds: recipient.timeUntilAvailable(cost),
		})
	}

	l.global.consume(cost)
	channel.consume(cost)
	recipient.consume(cost)
	l.inFlight++

	if l.metrics != nil {
		l.metrics.AdmissionTotal.WithLabelValues("admitted").Inc()
	}
	return Result{Admitted: true}
}

func (l *Limiter) reject(r Result) Result {
	if l.metrics != nil {
		l.metrics.AdmissionTotal.WithLabelValues("rejected").Inc()
		l.metrics.AdmissionRejected.WithLabelValues(r.LimitType).Inc()
	}
	return r
}

func (l *Limiter) channelBucket(channel, identityScope string, now time.Time) *bucket {
	key := channelKey(channel, identityScope)
	b, ok := l.channels[key]
	if !ok {
		perMinute, ok := l.cfg.ChannelLimits[key]
		if !ok {
			perMinute = l.cfg.DefaultChannelMaxPerMinute
		}
		b = newBucket(perMinute, now)
		l.channels[key] = b
	}
	return b
}

func (l *Limiter) recipientBucket(recipient string, now time.Time) *bucket {
	b, ok := l.recipients[recipient]
	if !ok {
		b = newBucket(l.cfg.PerRecipientMaxPerMinute, now)
		l.recipients[recipient] = b
	}
	return b
}

// Release returns one in-flight slot after a delivery reaches a terminal
// outcome. Tokens are never refunded. Safe to call without a matching
// admission; the counter floors at zero.
func (l *Limiter) Release(channel, identityScope, recipient string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight > 0 {
		l.inFlight--
	}
}

// RecordProviderThrottle blocks admissions for a channel until retryAfter
// seconds from now, typically after the provider returned a 429.
func (l *Limiter) RecordProviderThrottle(channel string, retryAfterSeconds float64, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	until := l.now().Add(time.Duration(retryAfterSeconds * float64(time.Second)))
	l.throttles[channel] = providerThrottle{until: until, reason: reason}

	slog.Warn("Provider throttle recorded",
		"channel", channel,
		"retry_after_seconds", retryAfterSeconds,
		"reason", reason)
}

// ClearProviderThrottle lifts a channel throttle early, typically after a
// successful send proves the provider recovered.
func (l *Limiter) ClearProviderThrottle(channel string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.throttles, channel)
}

// InFlight reports deliveries admitted but not yet released.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.inFlight
}
