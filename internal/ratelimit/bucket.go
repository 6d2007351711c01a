// Package ratelimit implements per-provider admission control using classical
// token buckets with lazy fractional refill.
//
// One bucket exists per provider; acquiring is O(1) and serialized per bucket.
// Saturated providers reject immediately — requests are never queued.
package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrInvalidConfig is returned when a bucket is constructed with a
// non-positive capacity or refill rate.
var ErrInvalidConfig = errors.New("ratelimit: max tokens and refill rate must be positive")

// Bucket is a token bucket. Tokens refill continuously at refillRate per
// second up to max; the fractional balance is computed lazily from the
// monotonic clock on each access.
type Bucket struct {
	mu         sync.Mutex
	max        float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time

	now func() time.Time // test hook
}

// NewBucket creates a full bucket.
func NewBucket(max int, refillRate float64) (*Bucket, error) {
	if max <= 0 || refillRate <= 0 {
		return nil, ErrInvalidConfig
	}
	b := &Bucket{
		max:        float64(max),
		refillRate: refillRate,
		tokens:     float64(max),
		now:        time.Now,
	}
	b.lastRefill = b.now()
	return b, nil
}

// refillLocked advances the balance from wall-clock delta. Callers hold mu.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.max, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// TryAcquire takes one token. Returns false when fewer than one token is
// available; the balance is never driven below zero.
func (b *Bucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Remaining returns the whole tokens currently available.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return int(b.tokens)
}

// RetryAfter returns how long a caller should wait before one token is
// available. Zero when a token is available now; at least one second when the
// bucket is empty.
func (b *Bucket) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens >= 1 {
		return 0
	}
	deficit := 1 - b.tokens
	secs := math.Ceil(deficit / b.refillRate)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Limit returns the bucket capacity.
func (b *Bucket) Limit() int {
	return int(b.max)
}
