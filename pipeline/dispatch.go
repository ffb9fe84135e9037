package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/erfanmomeniii/entsync"
)

// DispatchOption configures a DispatchApplier.
type DispatchOption func(*DispatchApplier)

// WithGrouping merges runs of consecutive create, update or delete
// changes for the same entity into one list operation when the provider
// implements it natively.
func WithGrouping(enabled bool) DispatchOption {
	return func(d *DispatchApplier) {
		d.grouping = enabled
	}
}

// WithDispatchLogger sets the logger. If nil, uses slog.Default().
func WithDispatchLogger(logger *slog.Logger) DispatchOption {
	return func(d *DispatchApplier) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// DispatchApplier applies changes through the providers of a registry.
// A change goes to its Provider when set, otherwise to the provider bound
// to its entity. Cancellation is fatal; any other dispatch error fails
// the change.
type DispatchApplier struct {
	registry *entsync.Registry
	grouping bool
	logger   *slog.Logger
}

// NewDispatchApplier panics if registry is nil.
func NewDispatchApplier(registry *entsync.Registry, opts ...DispatchOption) *DispatchApplier {
	if registry == nil {
		panic("pipeline: registry cannot be nil")
	}
	d := &DispatchApplier{registry: registry, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Apply implements Applier.
func (d *DispatchApplier) Apply(ctx context.Context, changes []Change) ([]Change, []Change, error) {
	var synced, failed []Change
	for i := 0; i < len(changes); {
		if err := ctx.Err(); err != nil {
			return synced, append(failed, changes[i:]...), err
		}

		n := d.run(changes[i:])
		group := changes[i : i+n]
		i += n

		err := d.apply(ctx, group)
		switch {
		case err == nil:
			synced = append(synced, group...)
		case isCancellation(ctx, err):
			return synced, append(failed, changes[i-n:]...), err
		default:
			d.logger.Warn("change failed",
				"entity", group[0].Entity,
				"operation", group[0].Operation.String(),
				"count", len(group),
				"error", err,
			)
			failed = append(failed, group...)
		}
	}
	return synced, failed, nil
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// run returns how many leading changes can be applied as one request.
func (d *DispatchApplier) run(changes []Change) int {
	first := changes[0]
	if !d.grouping || !groupable(first.Operation) {
		return 1
	}
	disp, err := d.dispatcher(first)
	if err != nil || !disp.Native(first.Entity, first.Operation.List()) {
		return 1
	}
	n := 1
	for n < len(changes) {
		c := changes[n]
		if c.Operation != first.Operation || c.Provider != first.Provider ||
			entsync.EntityKey(c.Entity) != entsync.EntityKey(first.Entity) {
			break
		}
		n++
	}
	return n
}

func groupable(op entsync.Operation) bool {
	return op == entsync.OpCreate || op == entsync.OpUpdate || op == entsync.OpDelete
}

func (d *DispatchApplier) dispatcher(c Change) (*entsync.Dispatcher, error) {
	if c.Provider != "" {
		return d.registry.Provider(c.Provider)
	}
	return d.registry.For(c.Entity)
}

func (d *DispatchApplier) apply(ctx context.Context, group []Change) error {
	first := group[0]
	if err := first.Validate(); err != nil {
		return err
	}
	disp, err := d.dispatcher(first)
	if err != nil {
		return err
	}
	if len(group) == 1 {
		_, err = disp.Dispatch(ctx, first.Request())
		return err
	}

	req := &entsync.Request{Entity: first.Entity, Operation: first.Operation.List()}
	for _, c := range group {
		if err := c.Validate(); err != nil {
			return err
		}
		switch first.Operation {
		case entsync.OpCreate:
			req.Records = append(req.Records, c.Record)
		case entsync.OpUpdate:
			req.IDs = append(req.IDs, c.EntityID)
			req.Records = append(req.Records, c.Record)
		case entsync.OpDelete:
			req.IDs = append(req.IDs, c.EntityID)
		}
	}
	_, err = disp.Dispatch(ctx, req)
	return err
}
