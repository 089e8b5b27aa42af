// ratelimit.go implements token-bucket rate limiting for the broker REST
// API. The vendor enforces per-category limits (order placement is far
// tighter than quote reads); buckets refill continuously so bursts smooth
// out instead of slamming into hard limits.
package upstream

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter with continuous refill. Callers block in
// Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewTokenBucket creates a limiter with the given burst capacity and
// refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups buckets by broker endpoint category.
type RateLimiter struct {
	Order *TokenBucket // place/modify/cancel
	Quote *TokenBucket // quote reads
	Hist  *TokenBucket // historical candles
}

// NewRateLimiter creates buckets tuned to typical broker published limits
// (10 orders/s with a small burst, looser read limits).
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order: NewTokenBucket(20, 10),
		Quote: NewTokenBucket(15, 5),
		Hist:  NewTokenBucket(5, 2),
	}
}
