package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBucketStartsFull(t *testing.T) {
	now := time.Now()
	b := newBucket(60, now)

	assert.Equal(t, 60.0, b.capacity)
	assert.Equal(t, 60.0, b.tokens)
	assert.Equal(t, 1.0, b.refillRate)
}

func TestBucketRefillIsLinearAndCapped(t *testing.T) {
	now := time.Now()
	b := newBucket(60, now) // 1 token/sec
	b.tokens = 0

	b.refill(now.Add(10 * time.Second))
	assert.InDelta(t, 10.0, b.tokens, 1e-9)

	// Two minutes idle refills well past capacity; the cap holds.
	b.refill(now.Add(130 * time.Second))
	assert.Equal(t, 60.0, b.tokens)
}

func TestBucketRefillIgnoresClockStanding(t *testing.T) {
	now := time.Now()
	b := newBucket(60, now)
	b.tokens = 5

	b.refill(now)
	assert.Equal(t, 5.0, b.tokens)

	b.refill(now.Add(-time.Minute))
	assert.Equal(t, 5.0, b.tokens)
}

func TestBucketConsumeFloorsAtZero(t *testing.T) {
	b := newBucket(10, time.Now())
	b.tokens = 0.3

	b.consume(0.5)
	assert.Equal(t, 0.0, b.tokens)
}

func TestBucketTimeUntilAvailable(t *testing.T) {
	now := time.Now()
	b := newBucket(60, now) // 1 token/sec

	assert.Equal(t, 0.0, b.timeUntilAvailable(1))

	b.tokens = 0
	assert.InDelta(t, 1.0, b.timeUntilAvailable(1), 1e-9)
	assert.InDelta(t, 42.5, b.timeUntilAvailable(42.5), 1e-9)

	b.tokens = 0.25
	assert.InDelta(t, 0.75, b.timeUntilAvailable(1), 1e-9)
}
