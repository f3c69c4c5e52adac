// Package token provides the per-queue token bucket that bounds the rate at
// which consumers take messages off a queue. The refill rate is adjustable at
// runtime through the control API; a rate of zero pauses consumption.
package token

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// DefaultCapacity is the burst size of every queue bucket.
const DefaultCapacity = 5

// Bucket is a token bucket with a runtime-adjustable refill rate.
// It holds only counters and is safe for concurrent use.
type Bucket struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	rps     float64
}

// NewBucket builds a bucket refilling at rps tokens per second with the
// given capacity. capacity <= 0 falls back to DefaultCapacity.
func NewBucket(rps float64, capacity int) *Bucket {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bucket{
		limiter: rate.NewLimiter(rate.Limit(rps), capacity),
		rps:     rps,
	}
}

// TryTake takes one token without blocking. Callers that get false should
// negatively-acknowledge the message and back off briefly.
func (b *Bucket) TryTake() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limiter.Allow()
}

// SetRate adjusts the refill rate. Zero is accepted and pauses the consumer;
// negative rates are rejected.
func (b *Bucket) SetRate(rps float64) error {
	if rps < 0 {
		return fmt.Errorf("refresh rate must be >= 0, got %v", rps)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limiter.SetLimit(rate.Limit(rps))
	b.rps = rps
	return nil
}

// Rate reports the current refill rate in tokens per second.
func (b *Bucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rps
}
