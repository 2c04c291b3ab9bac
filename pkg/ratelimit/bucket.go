package ratelimit

import "time"

// bucket is a float-token bucket. Tokens refill continuously as a function
// of elapsed time rather than on a timer, so idle buckets cost nothing.
// Callers hold the limiter mutex; the bucket itself is not safe for
// concurrent use.
type bucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// newBucket starts full. perMinute is both the capacity and the sustained
// per-minute rate.
func newBucket(perMinute float64, now time.Time) *bucket {
	return &bucket{
		capacity:   perMinute,
		tokens:     perMinute,
		refillRate: perMinute / 60.0,
		lastRefill: now,
	}
}

// refill credits tokens for the elapsed interval, capped at capacity.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// has reports whether the bucket currently holds at least cost tokens.
// Callers refill first.
func (b *bucket) has(cost float64) bool {
	return b.tokens >= cost
}

// consume removes cost tokens. Callers check has() first; consume never
// drives tokens negative on a checked path.
func (b *bucket) consume(cost float64) {
	b.tokens -= cost
	if b.tokens < 0 {
		b.tokens = 0
	}
}

// timeUntilAvailable returns seconds until cost tokens will have refilled.
// Zero when the tokens are already there.
func (b *bucket) timeUntilAvailable(cost float64) float64 {
	if b.tokens >= cost {
		return 0
	}
	if b.refillRate <= 0 {
		return 0
	}
	return (cost - b.tokens) / b.refillRate
}
