package entsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"sync"
)

// DeferralPolicy controls when related entities are loaded.
type DeferralPolicy int

const (
	// DeferLazy loads each reference on its own first access.
	DeferLazy DeferralPolicy = iota
	// DeferBatch loads every pending reference of an entity type with
	// one request when the first of them is accessed.
	DeferBatch
	// DeferEager loads references while the owning entity is read.
	DeferEager
)

func (p DeferralPolicy) String() string {
	switch p {
	case DeferLazy:
		return "lazy"
	case DeferBatch:
		return "batch"
	case DeferEager:
		return "eager"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseDeferralPolicy parses "lazy", "batch" or "eager".
func ParseDeferralPolicy(s string) (DeferralPolicy, error) {
	switch strings.ToLower(s) {
	case "", "lazy":
		return DeferLazy, nil
	case "batch":
		return DeferBatch, nil
	case "eager":
		return DeferEager, nil
	}
	return 0, fmt.Errorf("entsync: unknown deferral policy %q", s)
}

// StoreOption configures a Store.
type StoreOption func(*storeConfig)

type storeConfig struct {
	policy     DeferralPolicy
	eagerDepth int
	logger     *slog.Logger
}

// WithDeferral sets the deferral policy. Default: DeferLazy.
func WithDeferral(p DeferralPolicy) StoreOption {
	return func(c *storeConfig) {
		c.policy = p
	}
}

// WithEagerDepth limits how many rounds of references DeferEager loads.
// Default: 3. Panics if n <= 0.
func WithEagerDepth(n int) StoreOption {
	if n <= 0 {
		panic("entsync: eager depth must be positive")
	}
	return func(c *storeConfig) {
		c.eagerDepth = n
	}
}

// WithStoreLogger sets the store logger.
// If nil is passed, uses slog.Default().
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(c *storeConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type identityKey struct {
	entity string
	id     string
}

// Store maps provider records onto Go entities. It keeps one instance per
// entity identifier and tracks unresolved references so they can be loaded
// in batches.
type Store struct {
	registry *Registry
	config   *storeConfig

	mu          sync.Mutex
	identity    map[identityKey]reflect.Value
	pendingOne  map[string][]oneRef
	pendingMany []manyRef
}

// NewStore creates a store over registry. Panics if registry is nil.
func NewStore(registry *Registry, opts ...StoreOption) *Store {
	if registry == nil {
		panic("entsync: registry cannot be nil")
	}
	config := &storeConfig{
		policy:     DeferLazy,
		eagerDepth: 3,
		logger:     registry.config.logger,
	}
	for _, opt := range opts {
		opt(config)
	}
	return &Store{
		registry:   registry,
		config:     config,
		identity:   make(map[identityKey]reflect.Value),
		pendingOne: make(map[string][]oneRef),
	}
}

// Registry returns the registry the store dispatches through.
func (s *Store) Registry() *Registry { return s.registry }

// Policy returns the deferral policy.
func (s *Store) Policy() DeferralPolicy { return s.config.policy }

// Cached returns the instance held for entity id, if any.
func (s *Store) Cached(entity, id string) (any, bool) {
	v, ok := s.lookup(EntityKey(entity), id)
	if !ok {
		return nil, false
	}
	return v.Interface(), true
}

// Forget drops entity id from the identity map.
func (s *Store) Forget(entity, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.identity, identityKey{entity: EntityKey(entity), id: id})
}

// Reset drops every cached instance and pending reference.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = make(map[identityKey]reflect.Value)
	s.pendingOne = make(map[string][]oneRef)
	s.pendingMany = nil
}

// Pending returns the number of unresolved references queued for batch
// resolution. It is always zero under DeferLazy.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, refs := range s.pendingOne {
		for _, r := range refs {
			if !r.done() {
				n++
			}
		}
	}
	for _, r := range s.pendingMany {
		if !r.done() {
			n++
		}
	}
	return n
}

func (s *Store) lookup(entity, id string) (reflect.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.identity[identityKey{entity: entity, id: id}]
	return v, ok
}

func (s *Store) remember(entity, id string, v reflect.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity[identityKey{entity: entity, id: id}] = v
}

func (s *Store) resolver(entity string) NameResolver {
	if d, err := s.registry.For(entity); err == nil {
		return d.NameResolver()
	}
	return s.registry.config.resolver
}

// ResolveDeferred loads pending references of the given entity types,
// or of every type when none are named, using one get-list request per
// type where the provider supports it. It returns how many references
// were resolved. Lazy stores queue nothing, so it returns 0 for them.
func (s *Store) ResolveDeferred(ctx context.Context, entities ...string) (int, error) {
	keys := make([]string, len(entities))
	for i, e := range entities {
		keys[i] = EntityKey(e)
	}
	if len(keys) == 0 {
		s.mu.Lock()
		for e := range s.pendingOne {
			keys = append(keys, e)
		}
		s.mu.Unlock()
		slices.Sort(keys)
	}

	total := 0
	for _, e := range keys {
		n, err := s.resolvePending(ctx, e)
		total += n
		if err != nil {
			return total, err
		}
	}

	s.mu.Lock()
	lists := s.pendingMany
	s.pendingMany = nil
	s.mu.Unlock()

	for i, l := range lists {
		if len(entities) > 0 && !slices.Contains(keys, l.refEntity()) {
			s.queueMany(l)
			continue
		}
		if l.done() {
			continue
		}
		if err := l.force(ctx); err != nil {
			for _, rest := range lists[i:] {
				s.queueMany(rest)
			}
			return total, err
		}
		total++
	}
	return total, nil
}

func (s *Store) resolveRounds(ctx context.Context) error {
	for i := 0; i < s.config.eagerDepth; i++ {
		n, err := s.ResolveDeferred(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

func (s *Store) resolvePending(ctx context.Context, entity string) (int, error) {
	s.mu.Lock()
	refs := s.pendingOne[entity]
	delete(s.pendingOne, entity)
	s.mu.Unlock()

	var (
		schema *Schema
		ids    []string
		seen   = make(map[string]bool)
		open   []oneRef
	)
	for _, r := range refs {
		if r.done() {
			continue
		}
		open = append(open, r)
		if schema == nil {
			schema, _ = schemaOf(r.targetType())
		}
		id := r.refID()
		if _, ok := s.lookup(entity, id); !ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if schema == nil {
		return 0, nil
	}

	if len(ids) > 0 {
		s.config.logger.Debug("resolving deferred references",
			"entity", entity,
			"count", len(ids),
		)
		if err := s.fetch(ctx, schema, ids); err != nil {
			for _, r := range open {
				s.queueOne(r)
			}
			return 0, err
		}
	}

	n := 0
	for _, r := range open {
		if v, ok := s.lookup(entity, r.refID()); ok && r.deliver(v.Interface()) {
			n++
		}
	}
	return n, nil
}

// queueOne tracks r for batch resolution. Under DeferLazy references
// resolve on their own and are not tracked. References resolved since the
// last growth are pruned before the queue grows.
func (s *Store) queueOne(r oneRef) {
	if s.config.policy == DeferLazy {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := r.refEntity()
	refs := s.pendingOne[e]
	if len(refs) == cap(refs) {
		refs = slices.DeleteFunc(refs, func(r oneRef) bool { return r.done() })
	}
	s.pendingOne[e] = append(refs, r)
}

func (s *Store) queueMany(r manyRef) {
	if s.config.policy == DeferLazy {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingMany) == cap(s.pendingMany) {
		s.pendingMany = slices.DeleteFunc(s.pendingMany, func(r manyRef) bool { return r.done() })
	}
	s.pendingMany = append(s.pendingMany, r)
}

// load returns entity id, from the identity map or the provider.
func (s *Store) load(ctx context.Context, schema *Schema, id string) (reflect.Value, error) {
	if v, ok := s.lookup(schema.Entity, id); ok {
		return v, nil
	}
	d, err := s.registry.For(schema.Entity)
	if err != nil {
		return reflect.Value{}, err
	}
	rec, err := d.Get(ctx, schema.Entity, id)
	if err != nil {
		return reflect.Value{}, err
	}
	return s.materialize(ctx, schema, d.NameResolver(), rec, reflect.Value{})
}

// loadMany returns the entities identified by ids in order. Identifiers
// the provider does not know are skipped.
func (s *Store) loadMany(ctx context.Context, schema *Schema, ids []string) ([]reflect.Value, error) {
	var missing []string
	for _, id := range ids {
		if _, ok := s.lookup(schema.Entity, id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		if err := s.fetch(ctx, schema, missing); err != nil {
			return nil, err
		}
	}
	out := make([]reflect.Value, 0, len(ids))
	for _, id := range ids {
		if v, ok := s.lookup(schema.Entity, id); ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// fetch loads ids into the identity map with a get-list request, or one
// get per id when the provider has no native get-list.
func (s *Store) fetch(ctx context.Context, schema *Schema, ids []string) error {
	d, err := s.registry.For(schema.Entity)
	if err != nil {
		return err
	}
	resolver := d.NameResolver()

	if d.Native(schema.Entity, OpGetList) {
		recs, err := d.GetList(ctx, schema.Entity, Filter{IDs: ids})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if _, err := s.materialize(ctx, schema, resolver, rec, reflect.Value{}); err != nil {
				return err
			}
		}
		return nil
	}

	for _, id := range ids {
		rec, err := d.Get(ctx, schema.Entity, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if _, err := s.materialize(ctx, schema, resolver, rec, reflect.Value{}); err != nil {
			return err
		}
	}
	return nil
}

// query runs a get-list with where keys given as local property names.
func (s *Store) query(ctx context.Context, schema *Schema, f Filter) ([]reflect.Value, error) {
	d, err := s.registry.For(schema.Entity)
	if err != nil {
		return nil, err
	}
	resolver := d.NameResolver()
	if len(f.Where) > 0 {
		where := make(map[string]any, len(f.Where))
		for k, v := range f.Where {
			where[resolver.Backend(k)] = v
		}
		f.Where = where
	}
	recs, err := d.GetList(ctx, schema.Entity, f)
	if err != nil {
		return nil, err
	}
	out := make([]reflect.Value, 0, len(recs))
	for _, rec := range recs {
		v, err := s.materialize(ctx, schema, resolver, rec, reflect.Value{})
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) oneResolver(schema *Schema, id string) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		if s.config.policy == DeferBatch {
			if _, err := s.resolvePending(ctx, schema.Entity); err != nil {
				return nil, err
			}
		}
		v, err := s.load(ctx, schema, id)
		if err != nil {
			return nil, err
		}
		return v.Interface(), nil
	}
}

func (s *Store) manyResolver(schema *Schema, ids []string) func(context.Context) ([]any, error) {
	return func(ctx context.Context) ([]any, error) {
		vs, err := s.loadMany(ctx, schema, ids)
		if err != nil {
			return nil, err
		}
		return interfaces(vs), nil
	}
}

func (s *Store) filterResolver(schema *Schema, f Filter) func(context.Context) ([]any, error) {
	return func(ctx context.Context) ([]any, error) {
		vs, err := s.query(ctx, schema, f)
		if err != nil {
			return nil, err
		}
		return interfaces(vs), nil
	}
}

func interfaces(vs []reflect.Value) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v.Interface()
	}
	return out
}
