package pipeline

import (
	"context"
	"time"

	"github.com/erfanmomeniii/entsync/retry"
)

// Sync builds a polling coordinator from plain functions.
//
//	c := pipeline.Sync(fetch, process, mark)
//	err := c.Start(ctx)
func Sync(
	fetch func(ctx context.Context) ([]Change, error),
	process func(ctx context.Context, change Change) error,
	mark func(ctx context.Context, changes []Change) error,
	opts ...PollingOption,
) *PollingCoordinator {
	source := BatchSourceFunc{FetchFunc: fetch, MarkFunc: mark}
	return NewPollingCoordinator(source, ProcessFunc(process), opts...)
}

// Resilient wraps applier so that each batch passes a circuit breaker,
// then a dead letter queue, then retries with retry.DefaultPolicy.
// Changes still failing after the retries are dead-lettered. A nil dlq
// uses an InMemoryDLQ holding 10000 entries.
//
//	applier, dlq := pipeline.Resilient(pipeline.NewDispatchApplier(registry), nil)
func Resilient(applier Applier, dlq DeadLetterQueue) (Applier, DeadLetterQueue) {
	if dlq == nil {
		dlq = NewInMemoryDLQ(10000)
	}
	resilient := NewCircuitBreakerApplier(
		NewDLQApplier(NewRetryApplier(applier, retry.DefaultPolicy()), dlq),
		DefaultCircuitBreakerConfig(),
	)
	return resilient, dlq
}

// WithFastPolling polls every 100ms.
func WithFastPolling() PollingOption {
	return WithInterval(100 * time.Millisecond)
}

// WithSlowPolling polls every 30s.
func WithSlowPolling() PollingOption {
	return WithInterval(30 * time.Second)
}

// RunOnce fetches one batch from source, applies it and marks the synced
// changes. Failed changes are reported as a *PartialFailureError after
// marking.
func RunOnce(ctx context.Context, source BatchSource, applier Applier) error {
	changes, err := source.FetchChanges(ctx)
	if err != nil {
		return &FetchError{Err: err}
	}
	if len(changes) == 0 {
		return nil
	}

	synced, failed, err := applier.Apply(ctx, changes)
	if err != nil {
		return err
	}
	if len(synced) > 0 {
		if err := source.MarkAsSynced(ctx, synced); err != nil {
			return &MarkError{Count: len(synced), Err: err}
		}
	}
	if len(failed) > 0 {
		return &PartialFailureError{Synced: len(synced), Failed: failed}
	}
	return nil
}
