// Package ratelimit provides the token-bucket admission gate used by the
// concurrent executor to bound outbound probe rate.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is a token bucket with burst capacity. All state mutation happens
// under the mutex so concurrent callers observe a consistent bucket.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64
	tokens     float64
	lastRefill time.Time
}

// NewBucket creates a bucket refilling at rate tokens per second with the
// given burst capacity. The bucket starts full.
func NewBucket(rate float64, burst int) *Bucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Bucket{
		capacity:   float64(burst),
		refillRate: rate,
		tokens:     float64(burst),
		lastRefill: time.Now(),
	}
}

// Acquire consumes one token, suspending the caller for exactly the deficit
// wait (1 - tokens) / rate when the bucket is empty. After a wait the bucket
// is reset to zero tokens rather than allowed to go negative.
func (b *Bucket) Acquire(ctx context.Context) error {
	b.mu.Lock()
	b.refillLocked(time.Now())
	if b.tokens >= 1 {
		b.tokens--
		b.mu.Unlock()
		return nil
	}
	wait := time.Duration((1 - b.tokens) / b.refillRate * float64(time.Second))
	b.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	b.mu.Lock()
	b.tokens = 0
	b.lastRefill = time.Now()
	b.mu.Unlock()
	return nil
}

// Available is a side-effect-free snapshot of the current token count, used
// only for observability.
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	elapsed := time.Since(b.lastRefill).Seconds()
	tokens := b.tokens + elapsed*b.refillRate
	if tokens > b.capacity {
		tokens = b.capacity
	}
	return tokens
}

func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}
}
