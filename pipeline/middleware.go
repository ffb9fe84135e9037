package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Middleware wraps an Applier.
type Middleware func(Applier) Applier

// Chain composes middlewares; the first is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(applier Applier) Applier {
		for i := len(middlewares) - 1; i >= 0; i-- {
			applier = middlewares[i](applier)
		}
		return applier
	}
}

// Hooks are callbacks around the stages of a poll.
type Hooks struct {
	BeforeFetch func(ctx context.Context)
	AfterFetch  func(ctx context.Context, changes []Change, err error)
	BeforeApply func(ctx context.Context, changes []Change)
	AfterApply  func(ctx context.Context, synced, failed []Change, err error)
	BeforeMark  func(ctx context.Context, changes []Change)
	AfterMark   func(ctx context.Context, changes []Change, err error)
}

// HookedSource calls hooks around a BatchSource.
type HookedSource struct {
	source BatchSource
	hooks  Hooks
}

// NewHookedSource wraps source with hooks.
func NewHookedSource(source BatchSource, hooks Hooks) *HookedSource {
	return &HookedSource{source: source, hooks: hooks}
}

// FetchChanges implements BatchSource.
func (h *HookedSource) FetchChanges(ctx context.Context) ([]Change, error) {
	if h.hooks.BeforeFetch != nil {
		h.hooks.BeforeFetch(ctx)
	}
	changes, err := h.source.FetchChanges(ctx)
	if h.hooks.AfterFetch != nil {
		h.hooks.AfterFetch(ctx, changes, err)
	}
	return changes, err
}

// MarkAsSynced implements BatchSource.
func (h *HookedSource) MarkAsSynced(ctx context.Context, changes []Change) error {
	if h.hooks.BeforeMark != nil {
		h.hooks.BeforeMark(ctx, changes)
	}
	err := h.source.MarkAsSynced(ctx, changes)
	if h.hooks.AfterMark != nil {
		h.hooks.AfterMark(ctx, changes, err)
	}
	return err
}

// HookMiddleware calls the apply hooks around an Applier.
func HookMiddleware(hooks Hooks) Middleware {
	return func(next Applier) Applier {
		return ApplierFunc(func(ctx context.Context, changes []Change) ([]Change, []Change, error) {
			if hooks.BeforeApply != nil {
				hooks.BeforeApply(ctx, changes)
			}
			synced, failed, err := next.Apply(ctx, changes)
			if hooks.AfterApply != nil {
				hooks.AfterApply(ctx, synced, failed, err)
			}
			return synced, failed, err
		})
	}
}

// LoggingMiddleware logs each applied batch at debug level and failures
// at warn level. If logger is nil, uses slog.Default().
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Applier) Applier {
		return ApplierFunc(func(ctx context.Context, changes []Change) ([]Change, []Change, error) {
			start := time.Now()
			synced, failed, err := next.Apply(ctx, changes)

			level := slog.LevelDebug
			if err != nil || len(failed) > 0 {
				level = slog.LevelWarn
			}
			logger.Log(ctx, level, "applied changes",
				"count", len(changes),
				"synced", len(synced),
				"failed", len(failed),
				"duration", time.Since(start),
				"error", err,
			)
			return synced, failed, err
		})
	}
}

// TimingMiddleware reports how long each Apply took.
// Panics if onDuration is nil.
func TimingMiddleware(onDuration func(d time.Duration)) Middleware {
	if onDuration == nil {
		panic("pipeline: onDuration cannot be nil")
	}
	return func(next Applier) Applier {
		return ApplierFunc(func(ctx context.Context, changes []Change) ([]Change, []Change, error) {
			start := time.Now()
			synced, failed, err := next.Apply(ctx, changes)
			onDuration(time.Since(start))
			return synced, failed, err
		})
	}
}

// PanicError reports a panic recovered while applying changes.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("pipeline: panic while applying changes: %v", e.Value)
}

// RecoveryMiddleware turns a panic into a fatal *PanicError failing the
// whole batch. onPanic may be nil.
func RecoveryMiddleware(onPanic func(recovered any)) Middleware {
	return func(next Applier) Applier {
		return ApplierFunc(func(ctx context.Context, changes []Change) (synced, failed []Change, err error) {
			defer func() {
				if r := recover(); r != nil {
					if onPanic != nil {
						onPanic(r)
					}
					synced, failed, err = nil, changes, &PanicError{Value: r}
				}
			}()
			return next.Apply(ctx, changes)
		})
	}
}

// FilterMiddleware skips changes for which keep returns false. Skipped
// changes are reported as synced. Panics if keep is nil.
func FilterMiddleware(keep func(Change) bool) Middleware {
	if keep == nil {
		panic("pipeline: predicate cannot be nil")
	}
	return func(next Applier) Applier {
		return ApplierFunc(func(ctx context.Context, changes []Change) ([]Change, []Change, error) {
			var kept, skipped []Change
			for _, c := range changes {
				if keep(c) {
					kept = append(kept, c)
				} else {
					skipped = append(skipped, c)
				}
			}
			if len(kept) == 0 {
				return skipped, nil, nil
			}
			synced, failed, err := next.Apply(ctx, kept)
			return append(synced, skipped...), failed, err
		})
	}
}

// TransformMiddleware rewrites each change before it is applied.
// Panics if fn is nil.
func TransformMiddleware(fn func(Change) Change) Middleware {
	if fn == nil {
		panic("pipeline: transform cannot be nil")
	}
	return func(next Applier) Applier {
		return ApplierFunc(func(ctx context.Context, changes []Change) ([]Change, []Change, error) {
			out := make([]Change, len(changes))
			for i, c := range changes {
				out[i] = fn(c)
			}
			return next.Apply(ctx, out)
		})
	}
}
