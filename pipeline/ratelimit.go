package pipeline

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket refilled at rate tokens per interval.
type RateLimiter struct {
	rate     int
	interval time.Duration

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// NewRateLimiter allows rate operations per interval, with bursts up to
// rate. Panics if rate or interval is not positive.
func NewRateLimiter(rate int, interval time.Duration) *RateLimiter {
	if rate <= 0 {
		panic("pipeline: rate must be positive")
	}
	if interval <= 0 {
		panic("pipeline: interval must be positive")
	}
	return &RateLimiter{
		rate:     rate,
		interval: interval,
		tokens:   float64(rate),
		last:     time.Now(),
	}
}

// TryAcquire takes a token if one is available.
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is taken or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	step := r.interval / time.Duration(r.rate)
	if step <= 0 {
		step = time.Millisecond
	}
	for !r.TryAcquire() {
		t := time.NewTimer(step)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Acquire takes n tokens, waiting as needed.
func (r *RateLimiter) Acquire(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := r.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.last)
	r.last = now
	r.tokens += float64(r.rate) * float64(elapsed) / float64(r.interval)
	if r.tokens > float64(r.rate) {
		r.tokens = float64(r.rate)
	}
}

// RateLimitedApplier throttles an Applier, spending one token per batch
// or one per change.
type RateLimitedApplier struct {
	next     Applier
	limiter  *RateLimiter
	perBatch bool
}

// NewRateLimitedApplier wraps next. Panics if next or limiter is nil.
func NewRateLimitedApplier(next Applier, limiter *RateLimiter, perBatch bool) *RateLimitedApplier {
	if next == nil {
		panic("pipeline: applier cannot be nil")
	}
	if limiter == nil {
		panic("pipeline: limiter cannot be nil")
	}
	return &RateLimitedApplier{next: next, limiter: limiter, perBatch: perBatch}
}

// Apply implements Applier.
func (r *RateLimitedApplier) Apply(ctx context.Context, changes []Change) ([]Change, []Change, error) {
	n := len(changes)
	if r.perBatch {
		n = 1
	}
	if err := r.limiter.Acquire(ctx, n); err != nil {
		return nil, changes, err
	}
	return r.next.Apply(ctx, changes)
}

// RateLimitMiddleware wraps appliers with NewRateLimitedApplier.
func RateLimitMiddleware(limiter *RateLimiter, perBatch bool) Middleware {
	if limiter == nil {
		panic("pipeline: limiter cannot be nil")
	}
	return func(next Applier) Applier {
		return NewRateLimitedApplier(next, limiter, perBatch)
	}
}
