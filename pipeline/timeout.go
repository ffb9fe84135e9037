package pipeline

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a batch exceeds its deadline.
var ErrTimeout = errors.New("pipeline: apply timed out")

// TimeoutApplier bounds how long an Applier may run, per batch or per
// change.
type TimeoutApplier struct {
	next      Applier
	timeout   time.Duration
	perChange bool
}

// NewTimeoutApplier wraps next. With perChange, changes are applied one
// at a time, each under its own deadline, and a change that times out
// fails without stopping the rest. Panics if next is nil or timeout <= 0.
func NewTimeoutApplier(next Applier, timeout time.Duration, perChange bool) *TimeoutApplier {
	if next == nil {
		panic("pipeline: applier cannot be nil")
	}
	if timeout <= 0 {
		panic("pipeline: timeout must be positive")
	}
	return &TimeoutApplier{next: next, timeout: timeout, perChange: perChange}
}

// Apply implements Applier.
func (t *TimeoutApplier) Apply(ctx context.Context, changes []Change) ([]Change, []Change, error) {
	if !t.perChange {
		return t.applyBatch(ctx, changes)
	}

	var synced, failed []Change
	for i, c := range changes {
		cctx, cancel := context.WithTimeout(ctx, t.timeout)
		ok, bad, err := t.next.Apply(cctx, []Change{c})
		cancel()

		synced = append(synced, ok...)
		failed = append(failed, bad...)
		if err == nil {
			continue
		}
		if len(ok)+len(bad) == 0 {
			failed = append(failed, c)
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			continue
		}
		return synced, append(failed, changes[i+1:]...), err
	}
	return synced, failed, nil
}

func (t *TimeoutApplier) applyBatch(ctx context.Context, changes []Change) ([]Change, []Change, error) {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	synced, failed, err := t.next.Apply(cctx, changes)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return synced, unaccounted(changes, synced, failed), ErrTimeout
	}
	return synced, failed, err
}

// unaccounted returns failed plus every change in all that is in
// neither synced nor failed.
func unaccounted(all, synced, failed []Change) []Change {
	seen := make(map[string]bool, len(synced)+len(failed))
	for _, c := range synced {
		seen[c.ID] = true
	}
	for _, c := range failed {
		seen[c.ID] = true
	}
	out := append([]Change(nil), failed...)
	for _, c := range all {
		if !seen[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

// TimeoutMiddleware wraps appliers with NewTimeoutApplier.
func TimeoutMiddleware(timeout time.Duration, perChange bool) Middleware {
	if timeout <= 0 {
		panic("pipeline: timeout must be positive")
	}
	return func(next Applier) Applier {
		return NewTimeoutApplier(next, timeout, perChange)
	}
}
