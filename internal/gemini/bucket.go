package gemini

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// bucket is a token bucket with per-minute refill semantics: capacity C,
// refilled at C per minute, so a full minute of idleness restores the whole
// allowance. Requests larger than the capacity can never be admitted.
type bucket struct {
	limiter  *rate.Limiter
	capacity int
}

func newBucket(perMinute int) *bucket {
	return &bucket{
		limiter:  rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		capacity: perMinute,
	}
}

// consume takes n units if available right now, without blocking.
func (b *bucket) consume(n int) bool {
	return b.consumeAt(time.Now(), n)
}

// consumeAt is consume with an explicit clock, for tests.
func (b *bucket) consumeAt(t time.Time, n int) bool {
	if n > b.capacity {
		return false
	}
	return b.limiter.AllowN(t, n)
}

// wait blocks until n units are available or ctx is done. Requests that can
// never fit are rejected immediately.
func (b *bucket) wait(ctx context.Context, n int) error {
	if n > b.capacity {
		return &ServiceError{Message: "request exceeds per-minute token allowance"}
	}
	return b.limiter.WaitN(ctx, n)
}
