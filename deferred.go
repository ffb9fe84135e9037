package entsync

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
)

// lazy holds a value produced at most once by a resolver. Concurrent
// callers wait for the in-flight resolution. Failures are not cached.
type lazy[V any] struct {
	mu       sync.Mutex
	value    V
	done     bool
	resolve  func(ctx context.Context) (V, error)
	inflight chan struct{}
}

func (l *lazy[V]) get(ctx context.Context) (V, error) {
	for {
		l.mu.Lock()
		if l.done {
			v := l.value
			l.mu.Unlock()
			return v, nil
		}
		if l.resolve == nil {
			l.mu.Unlock()
			var zero V
			return zero, ErrNotResolvable
		}
		if ch := l.inflight; ch != nil {
			l.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				var zero V
				return zero, ctx.Err()
			}
		}
		ch := make(chan struct{})
		l.inflight = ch
		fn := l.resolve
		l.mu.Unlock()

		return l.run(ctx, fn, ch)
	}
}

// run calls fn and publishes its outcome. The in-flight marker is cleared
// even if fn panics, so later callers retry instead of waiting forever.
func (l *lazy[V]) run(ctx context.Context, fn func(context.Context) (V, error), ch chan struct{}) (v V, err error) {
	completed := false
	defer func() {
		l.mu.Lock()
		l.inflight = nil
		if completed && err == nil && !l.done {
			l.value, l.done, l.resolve = v, true, nil
		}
		if l.done {
			v, err = l.value, nil
		} else {
			var zero V
			v = zero
		}
		l.mu.Unlock()
		close(ch)
	}()

	v, err = fn(ctx)
	completed = true
	return v, err
}

func (l *lazy[V]) peek() (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.done
}

// set stores v unless a value is already present.
func (l *lazy[V]) set(v V) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return false
	}
	l.value, l.done, l.resolve = v, true, nil
	return true
}

func (l *lazy[V]) isDone() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Deferred is a reference to an entity that is loaded on first access.
// The first successful Get memoizes the entity; later calls return it
// without contacting the provider.
type Deferred[T any] struct {
	entity string
	id     string
	cell   lazy[*T]
}

// Defer returns a reference to entity id that resolve loads on demand.
func Defer[T any](entity, id string, resolve func(ctx context.Context) (*T, error)) *Deferred[T] {
	d := &Deferred[T]{entity: EntityKey(entity), id: id}
	d.cell.resolve = resolve
	return d
}

// Resolved returns a reference already holding v.
func Resolved[T any](v *T) *Deferred[T] {
	d := &Deferred[T]{entity: EntityName[T]()}
	d.cell.value, d.cell.done = v, true
	return d
}

// ID returns the identifier of the referenced entity, if known.
func (d *Deferred[T]) ID() string { return d.id }

// Entity returns the referenced entity name.
func (d *Deferred[T]) Entity() string {
	if d.entity == "" {
		return EntityName[T]()
	}
	return d.entity
}

// IsResolved reports whether the entity has been loaded.
func (d *Deferred[T]) IsResolved() bool { return d.cell.isDone() }

// Peek returns the entity if it has been loaded, without loading it.
func (d *Deferred[T]) Peek() (*T, bool) { return d.cell.peek() }

// Get returns the entity, loading it on the first call.
func (d *Deferred[T]) Get(ctx context.Context) (*T, error) {
	return d.cell.get(ctx)
}

// MarshalJSON encodes the entity when loaded and its ID otherwise.
func (d *Deferred[T]) MarshalJSON() ([]byte, error) {
	if v, ok := d.cell.peek(); ok {
		return json.Marshal(v)
	}
	if d.id == "" {
		return []byte("null"), nil
	}
	return json.Marshal(d.id)
}

func (d *Deferred[T]) refEntity() string        { return d.Entity() }
func (d *Deferred[T]) refID() string            { return d.id }
func (d *Deferred[T]) done() bool               { return d.cell.isDone() }
func (d *Deferred[T]) targetType() reflect.Type { return reflect.TypeFor[T]() }

func (d *Deferred[T]) bind(entity, id string, fn func(context.Context) (any, error)) {
	d.entity, d.id = EntityKey(entity), id
	d.cell.resolve = func(ctx context.Context) (*T, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		t, _ := v.(*T)
		return t, nil
	}
}

func (d *Deferred[T]) deliver(v any) bool {
	t, ok := v.(*T)
	if !ok {
		return false
	}
	return d.cell.set(t)
}

func (d *Deferred[T]) value() (any, bool) {
	v, ok := d.cell.peek()
	return v, ok && v != nil
}

func (d *Deferred[T]) force(ctx context.Context) error {
	_, err := d.cell.get(ctx)
	return err
}

// DeferredList is a one-to-many reference loaded on first access.
type DeferredList[T any] struct {
	entity string
	ids    []string
	cell   lazy[[]*T]
}

// DeferList returns a reference to the entities identified by ids.
func DeferList[T any](entity string, ids []string, resolve func(ctx context.Context) ([]*T, error)) *DeferredList[T] {
	d := &DeferredList[T]{entity: EntityKey(entity), ids: ids}
	d.cell.resolve = resolve
	return d
}

// ResolvedList returns a list reference already holding vs.
func ResolvedList[T any](vs ...*T) *DeferredList[T] {
	d := &DeferredList[T]{entity: EntityName[T]()}
	d.cell.value, d.cell.done = vs, true
	return d
}

// IDs returns the identifiers of the referenced entities, if known.
// A list loaded by filter has no identifiers until resolved.
func (d *DeferredList[T]) IDs() []string { return d.ids }

// Entity returns the referenced entity name.
func (d *DeferredList[T]) Entity() string {
	if d.entity == "" {
		return EntityName[T]()
	}
	return d.entity
}

// IsResolved reports whether the entities have been loaded.
func (d *DeferredList[T]) IsResolved() bool { return d.cell.isDone() }

// Peek returns the entities if loaded, without loading them.
func (d *DeferredList[T]) Peek() ([]*T, bool) { return d.cell.peek() }

// Get returns the entities, loading them on the first call.
func (d *DeferredList[T]) Get(ctx context.Context) ([]*T, error) {
	return d.cell.get(ctx)
}

// MarshalJSON encodes the entities when loaded and their IDs otherwise.
func (d *DeferredList[T]) MarshalJSON() ([]byte, error) {
	if vs, ok := d.cell.peek(); ok {
		return json.Marshal(vs)
	}
	return json.Marshal(d.ids)
}

func (d *DeferredList[T]) refEntity() string        { return d.Entity() }
func (d *DeferredList[T]) refIDs() []string         { return d.ids }
func (d *DeferredList[T]) done() bool               { return d.cell.isDone() }
func (d *DeferredList[T]) targetType() reflect.Type { return reflect.TypeFor[T]() }

func (d *DeferredList[T]) bind(entity string, ids []string, fn func(context.Context) ([]any, error)) {
	d.entity, d.ids = EntityKey(entity), ids
	d.cell.resolve = func(ctx context.Context) ([]*T, error) {
		vs, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return convertList[T](vs), nil
	}
}

func (d *DeferredList[T]) deliver(vs []any) bool {
	return d.cell.set(convertList[T](vs))
}

func (d *DeferredList[T]) values() ([]any, bool) {
	vs, ok := d.cell.peek()
	if !ok {
		return nil, false
	}
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out, true
}

func (d *DeferredList[T]) force(ctx context.Context) error {
	_, err := d.cell.get(ctx)
	return err
}

func convertList[T any](vs []any) []*T {
	out := make([]*T, 0, len(vs))
	for _, v := range vs {
		if t, ok := v.(*T); ok {
			out = append(out, t)
		}
	}
	return out
}

// oneRef is the type-erased view of a *Deferred used during hydration.
type oneRef interface {
	refEntity() string
	refID() string
	done() bool
	targetType() reflect.Type
	bind(entity, id string, fn func(context.Context) (any, error))
	deliver(v any) bool
	value() (any, bool)
	force(ctx context.Context) error
}

// manyRef is the type-erased view of a *DeferredList.
type manyRef interface {
	refEntity() string
	refIDs() []string
	done() bool
	targetType() reflect.Type
	bind(entity string, ids []string, fn func(context.Context) ([]any, error))
	deliver(vs []any) bool
	values() ([]any, bool)
	force(ctx context.Context) error
}
