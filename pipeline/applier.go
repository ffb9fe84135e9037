package pipeline

import "context"

// Applier applies changes to their destination.
//
// Changes that could not be applied are returned in failed and may be
// retried or dead-lettered. A non-nil error reports an infrastructure
// failure that should stop the batch.
type Applier interface {
	Apply(ctx context.Context, changes []Change) (synced, failed []Change, err error)
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, changes []Change) (synced, failed []Change, err error)

// Apply implements Applier.
func (f ApplierFunc) Apply(ctx context.Context, changes []Change) ([]Change, []Change, error) {
	return f(ctx, changes)
}

// ProcessFunc returns an Applier calling fn once per change. Changes for
// which fn errors are failed.
func ProcessFunc(fn func(ctx context.Context, change Change) error) Applier {
	return ApplierFunc(func(ctx context.Context, changes []Change) ([]Change, []Change, error) {
		var synced, failed []Change
		for _, c := range changes {
			if err := fn(ctx, c); err != nil {
				failed = append(failed, c)
				continue
			}
			synced = append(synced, c)
		}
		return synced, failed, nil
	})
}

// BatchFunc returns an Applier calling fn with the whole batch. An error
// fails every change of the batch.
func BatchFunc(fn func(ctx context.Context, changes []Change) error) Applier {
	return ApplierFunc(func(ctx context.Context, changes []Change) ([]Change, []Change, error) {
		if err := fn(ctx, changes); err != nil {
			return nil, changes, nil
		}
		return changes, nil, nil
	})
}
