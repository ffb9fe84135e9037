package entsync

import (
	"context"
	"reflect"
)

// Repository reads and writes entities of type T through a Store.
type Repository[T any] struct {
	store  *Store
	schema *Schema
}

// NewRepository returns a repository for T. It fails if T cannot be
// mapped as an entity.
func NewRepository[T any](store *Store) (*Repository[T], error) {
	schema, err := SchemaFor[T]()
	if err != nil {
		return nil, err
	}
	return &Repository[T]{store: store, schema: schema}, nil
}

// Entity returns the entity name of T.
func (r *Repository[T]) Entity() string { return r.schema.Entity }

// Schema returns the mapping of T.
func (r *Repository[T]) Schema() *Schema { return r.schema }

// Supports reports whether the provider bound to T implements op.
func (r *Repository[T]) Supports(op Operation) bool {
	d, err := r.store.registry.For(r.schema.Entity)
	if err != nil {
		return false
	}
	return d.Supports(r.schema.Entity, op)
}

// Get returns entity id. An instance already loaded is returned as is.
func (r *Repository[T]) Get(ctx context.Context, id string) (*T, error) {
	if id == "" {
		return nil, ErrNoID
	}
	v, err := r.store.load(ctx, r.schema, id)
	if err != nil {
		return nil, err
	}
	if err := r.settle(ctx); err != nil {
		return nil, err
	}
	return v.Interface().(*T), nil
}

// Refresh reloads entity id from the provider into the cached instance.
func (r *Repository[T]) Refresh(ctx context.Context, id string) (*T, error) {
	d, err := r.store.registry.For(r.schema.Entity)
	if err != nil {
		return nil, err
	}
	rec, err := d.Get(ctx, r.schema.Entity, id)
	if err != nil {
		return nil, err
	}
	v, err := r.store.materialize(ctx, r.schema, d.NameResolver(), rec, reflect.Value{})
	if err != nil {
		return nil, err
	}
	if err := r.settle(ctx); err != nil {
		return nil, err
	}
	return v.Interface().(*T), nil
}

// List returns the entities matching f. Where keys are local property names.
func (r *Repository[T]) List(ctx context.Context, f Filter) ([]*T, error) {
	vs, err := r.store.query(ctx, r.schema, f)
	if err != nil {
		return nil, err
	}
	if err := r.settle(ctx); err != nil {
		return nil, err
	}
	return typed[T](vs), nil
}

// Create sends v to the provider and maps the stored record back onto v.
func (r *Repository[T]) Create(ctx context.Context, v *T) (*T, error) {
	d, err := r.store.registry.For(r.schema.Entity)
	if err != nil {
		return nil, err
	}
	target := reflect.ValueOf(v)
	rec, err := d.Create(ctx, r.schema.Entity, dehydrate(r.schema, d.NameResolver(), target))
	if err != nil {
		return nil, err
	}
	if _, err := r.store.materialize(ctx, r.schema, d.NameResolver(), rec, target); err != nil {
		return nil, err
	}
	return v, nil
}

// Update sends v to the provider. v must carry its identifier.
func (r *Repository[T]) Update(ctx context.Context, v *T) (*T, error) {
	target := reflect.ValueOf(v)
	id := r.schema.IDOf(target)
	if id == "" {
		return nil, ErrNoID
	}
	d, err := r.store.registry.For(r.schema.Entity)
	if err != nil {
		return nil, err
	}
	rec, err := d.Update(ctx, r.schema.Entity, id, dehydrate(r.schema, d.NameResolver(), target))
	if err != nil {
		return nil, err
	}
	if rec != nil {
		if _, err := r.store.materialize(ctx, r.schema, d.NameResolver(), rec, target); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Delete removes entity id from the provider and the identity map.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNoID
	}
	d, err := r.store.registry.For(r.schema.Entity)
	if err != nil {
		return err
	}
	if err := d.Delete(ctx, r.schema.Entity, id); err != nil {
		return err
	}
	r.store.Forget(r.schema.Entity, id)
	return nil
}

// CreateList creates vs with one create-list request.
func (r *Repository[T]) CreateList(ctx context.Context, vs []*T) ([]*T, error) {
	d, err := r.store.registry.For(r.schema.Entity)
	if err != nil {
		return nil, err
	}
	resolver := d.NameResolver()
	recs := make([]Record, len(vs))
	for i, v := range vs {
		recs[i] = dehydrate(r.schema, resolver, reflect.ValueOf(v))
	}
	created, err := d.CreateList(ctx, r.schema.Entity, recs)
	if err != nil {
		return nil, err
	}
	for i, rec := range created {
		if i >= len(vs) {
			break
		}
		if _, err := r.store.materialize(ctx, r.schema, resolver, rec, reflect.ValueOf(vs[i])); err != nil {
			return nil, err
		}
	}
	return vs, nil
}

func (r *Repository[T]) settle(ctx context.Context) error {
	if r.store.config.policy != DeferEager {
		return nil
	}
	return r.store.resolveRounds(ctx)
}

func typed[T any](vs []reflect.Value) []*T {
	out := make([]*T, len(vs))
	for i, v := range vs {
		out[i] = v.Interface().(*T)
	}
	return out
}
