package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket throttles raw frames on a single connection. It refills
// continuously at capacity per interval.
type TokenBucket struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
	now       func() time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity int, interval time.Duration) *TokenBucket {
	return newTokenBucket(capacity, interval, time.Now)
}

func newTokenBucket(capacity int, interval time.Duration, now func() time.Time) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &TokenBucket{
		tokens:    float64(capacity),
		capacity:  float64(capacity),
		rate:      float64(capacity) / interval.Seconds(),
		lastCheck: now(),
		now:       now,
	}
}

// Allow consumes a token if one is available.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if elapsed := now.Sub(b.lastCheck).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastCheck = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
