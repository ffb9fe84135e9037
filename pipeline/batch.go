package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/erfanmomeniii/entsync"
)

// BatchSplitter applies large batches in chunks of at most maxBatch.
type BatchSplitter struct {
	next     Applier
	maxBatch int
}

// NewBatchSplitter wraps next. Panics if next is nil or maxBatch <= 0.
func NewBatchSplitter(next Applier, maxBatch int) *BatchSplitter {
	if next == nil {
		panic("pipeline: applier cannot be nil")
	}
	if maxBatch <= 0 {
		panic("pipeline: maxBatch must be positive")
	}
	return &BatchSplitter{next: next, maxBatch: maxBatch}
}

// Apply implements Applier. A fatal error fails the remaining chunks.
func (b *BatchSplitter) Apply(ctx context.Context, changes []Change) ([]Change, []Change, error) {
	if len(changes) <= b.maxBatch {
		return b.next.Apply(ctx, changes)
	}

	var synced, failed []Change
	for i := 0; i < len(changes); i += b.maxBatch {
		chunk := changes[i:min(i+b.maxBatch, len(changes))]
		ok, bad, err := b.next.Apply(ctx, chunk)
		if err != nil {
			return synced, append(failed, changes[i:]...), err
		}
		synced = append(synced, ok...)
		failed = append(failed, bad...)
	}
	return synced, failed, nil
}

// BatchSplitMiddleware wraps appliers with NewBatchSplitter.
func BatchSplitMiddleware(maxBatch int) Middleware {
	if maxBatch <= 0 {
		panic("pipeline: maxBatch must be positive")
	}
	return func(next Applier) Applier {
		return NewBatchSplitter(next, maxBatch)
	}
}

// ParallelApplier calls fn for each change of a batch on up to workers
// goroutines. Results keep the input order.
type ParallelApplier struct {
	fn      func(ctx context.Context, change Change) error
	workers int
}

// NewParallelApplier panics if fn is nil or workers <= 0.
func NewParallelApplier(fn func(ctx context.Context, change Change) error, workers int) *ParallelApplier {
	if fn == nil {
		panic("pipeline: fn cannot be nil")
	}
	if workers <= 0 {
		panic("pipeline: workers must be positive")
	}
	return &ParallelApplier{fn: fn, workers: workers}
}

// Apply implements Applier.
func (p *ParallelApplier) Apply(ctx context.Context, changes []Change) ([]Change, []Change, error) {
	if len(changes) == 0 {
		return nil, nil, nil
	}

	errs := make([]error, len(changes))
	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, c := range changes {
		g.Go(func() error {
			errs[i] = p.fn(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	var synced, failed []Change
	for i, c := range changes {
		if errs[i] != nil {
			failed = append(failed, c)
			continue
		}
		synced = append(synced, c)
	}
	return synced, failed, ctx.Err()
}

// FanOutApplier applies each batch to several appliers. A change is
// synced only if every applier synced it. Changes are matched by ID.
type FanOutApplier struct {
	appliers []Applier
}

// NewFanOutApplier panics if no appliers are given or one is nil.
func NewFanOutApplier(appliers ...Applier) *FanOutApplier {
	if len(appliers) == 0 {
		panic("pipeline: at least one applier is required")
	}
	for _, a := range appliers {
		if a == nil {
			panic("pipeline: applier cannot be nil")
		}
	}
	return &FanOutApplier{appliers: appliers}
}

// Apply implements Applier.
func (f *FanOutApplier) Apply(ctx context.Context, changes []Change) ([]Change, []Change, error) {
	hits := make(map[string]int, len(changes))
	for _, a := range f.appliers {
		synced, _, err := a.Apply(ctx, changes)
		if err != nil {
			return nil, changes, err
		}
		for _, c := range synced {
			hits[c.ID]++
		}
	}

	var synced, failed []Change
	for _, c := range changes {
		if hits[c.ID] == len(f.appliers) {
			synced = append(synced, c)
			continue
		}
		failed = append(failed, c)
	}
	return synced, failed, nil
}

// RouterApplier routes changes to appliers by a key.
type RouterApplier struct {
	selector func(Change) string
	routes   map[string]Applier
	fallback Applier
}

// NewRouterApplier routes each change to routes[selector(change)], or to
// fallback when no route matches. Unrouted changes without a fallback
// count as synced. Panics if selector is nil or there is nothing to
// route to.
func NewRouterApplier(selector func(Change) string, routes map[string]Applier, fallback Applier) *RouterApplier {
	if selector == nil {
		panic("pipeline: selector cannot be nil")
	}
	if len(routes) == 0 && fallback == nil {
		panic("pipeline: at least one route or fallback is required")
	}
	return &RouterApplier{selector: selector, routes: routes, fallback: fallback}
}

// EntityRouter routes changes by canonical entity name.
func EntityRouter(routes map[string]Applier, fallback Applier) *RouterApplier {
	keyed := make(map[string]Applier, len(routes))
	for entity, a := range routes {
		keyed[entsync.EntityKey(entity)] = a
	}
	return NewRouterApplier(func(c Change) string { return entsync.EntityKey(c.Entity) }, keyed, fallback)
}

// Apply implements Applier. Groups are applied in first-seen order; a
// group whose applier errors is failed as a whole.
func (r *RouterApplier) Apply(ctx context.Context, changes []Change) ([]Change, []Change, error) {
	groups := make(map[Applier][]Change)
	var order []Applier
	var synced, failed []Change

	for _, c := range changes {
		a, ok := r.routes[r.selector(c)]
		if !ok || a == nil {
			a = r.fallback
		}
		if a == nil {
			synced = append(synced, c)
			continue
		}
		if _, seen := groups[a]; !seen {
			order = append(order, a)
		}
		groups[a] = append(groups[a], c)
	}

	for _, a := range order {
		group := groups[a]
		ok, bad, err := a.Apply(ctx, group)
		if err != nil {
			if ctx.Err() != nil {
				return synced, unaccounted(changes, synced, failed), err
			}
			failed = append(failed, group...)
			continue
		}
		synced = append(synced, ok...)
		failed = append(failed, bad...)
	}
	return synced, failed, nil
}
