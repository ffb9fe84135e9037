package pipeline

import (
	"context"

	"github.com/erfanmomeniii/entsync/retry"
)

// RetryApplier reapplies failed changes with backoff until they succeed
// or the policy is exhausted. A fatal error is not retried.
type RetryApplier struct {
	next    Applier
	policy  retry.Policy
	onRetry func(change Change, attempt int)
}

// NewRetryApplier wraps next with policy. Panics if next is nil.
func NewRetryApplier(next Applier, policy retry.Policy) *RetryApplier {
	if next == nil {
		panic("pipeline: applier cannot be nil")
	}
	return &RetryApplier{next: next, policy: policy}
}

// OnRetry sets a callback invoked for each change before it is retried.
func (r *RetryApplier) OnRetry(fn func(change Change, attempt int)) *RetryApplier {
	r.onRetry = fn
	return r
}

// Apply implements Applier.
func (r *RetryApplier) Apply(ctx context.Context, changes []Change) ([]Change, []Change, error) {
	var synced []Change
	pending := append([]Change(nil), changes...)

	for attempt := 0; len(pending) > 0 && r.policy.ShouldRetry(attempt); attempt++ {
		if attempt > 0 {
			if err := r.policy.Wait(ctx, attempt); err != nil {
				return synced, pending, err
			}
			for i := range pending {
				pending[i].Attempts++
				if r.onRetry != nil {
					r.onRetry(pending[i], attempt)
				}
			}
		}

		ok, failed, err := r.next.Apply(ctx, pending)
		if err != nil {
			return synced, pending, err
		}
		synced = append(synced, ok...)
		pending = failed
	}
	return synced, pending, nil
}

// RetryMiddleware wraps appliers with NewRetryApplier.
func RetryMiddleware(policy retry.Policy) Middleware {
	return func(next Applier) Applier {
		return NewRetryApplier(next, policy)
	}
}
