// Package memory is an in-process entsync provider. It is safe for
// concurrent use and is mostly useful for tests and local development.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/erfanmomeniii/entsync"
)

var (
	_ entsync.Provider      = (*Provider)(nil)
	_ entsync.Definer       = (*Provider)(nil)
	_ entsync.HealthChecker = (*Provider)(nil)
)

// Option configures a Provider.
type Option func(*Provider)

// WithName sets the provider name. Default: "memory".
func WithName(name string) Option {
	if name == "" {
		panic("memory: name cannot be empty")
	}
	return func(p *Provider) {
		p.name = name
	}
}

// WithEntities declares the entity types the provider serves.
func WithEntities(entities ...string) Option {
	return func(p *Provider) {
		for _, e := range entities {
			p.table(e)
		}
	}
}

// WithIDKey sets the identifier field. Default: "id".
func WithIDKey(key string) Option {
	if key == "" {
		panic("memory: id key cannot be empty")
	}
	return func(p *Provider) {
		p.idKey = key
	}
}

// WithNaming sets the resolver used to match Where constraints.
func WithNaming(r entsync.NameResolver) Option {
	return func(p *Provider) {
		if r != nil {
			p.resolver = r
		}
	}
}

// WithLogger sets the logger. If nil, uses slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

type table struct {
	rows  map[string]entsync.Record
	order []string
	next  int64
}

// Provider keeps records in maps keyed by entity and identifier.
// Missing identifiers on create are assigned from a per-entity counter.
type Provider struct {
	name     string
	idKey    string
	resolver entsync.NameResolver
	logger   *slog.Logger

	mu     sync.RWMutex
	tables map[string]*table
	names  []string
}

// New creates an empty provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:     "memory",
		idKey:    "id",
		resolver: entsync.NewCaseResolver(entsync.SnakeCase),
		logger:   slog.Default(),
		tables:   make(map[string]*table),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

// NameResolver implements entsync.NameResolverProvider.
func (p *Provider) NameResolver() entsync.NameResolver { return p.resolver }

// HealthCheck always succeeds.
func (p *Provider) HealthCheck(context.Context) error { return nil }

// Define declares every operation for each entity given to WithEntities.
func (p *Provider) Define(def *entsync.Definition) {
	p.mu.RLock()
	names := slices.Clone(p.names)
	p.mu.RUnlock()

	for _, entity := range names {
		def.Handle(entity, entsync.OpCreate, entsync.CreateFunc(func(ctx context.Context, rec entsync.Record) (entsync.Record, error) {
			return p.Create(ctx, entity, rec)
		}))
		def.Handle(entity, entsync.OpGet, entsync.GetFunc(func(ctx context.Context, id string) (entsync.Record, error) {
			return p.Get(ctx, entity, id)
		}))
		def.Handle(entity, entsync.OpUpdate, entsync.UpdateFunc(func(ctx context.Context, id string, rec entsync.Record) (entsync.Record, error) {
			return p.Update(ctx, entity, id, rec)
		}))
		def.Handle(entity, entsync.OpDelete, entsync.DeleteFunc(func(ctx context.Context, id string) error {
			return p.Delete(ctx, entity, id)
		}))
		def.Handle(entity, entsync.OpGetList, entsync.ListFunc(func(ctx context.Context, f entsync.Filter) ([]entsync.Record, error) {
			return p.List(ctx, entity, f)
		}))
		def.Handle(entity, entsync.OpCreateList, entsync.CreateListFunc(func(ctx context.Context, recs []entsync.Record) ([]entsync.Record, error) {
			return p.CreateList(ctx, entity, recs)
		}))
		def.Handle(entity, entsync.OpUpdateList, func(ctx context.Context, req *entsync.Request) (*entsync.Result, error) {
			recs, err := p.UpdateList(ctx, entity, req.IDs, req.Records)
			if err != nil {
				return nil, err
			}
			return &entsync.Result{Records: recs}, nil
		})
		def.Handle(entity, entsync.OpDeleteList, entsync.DeleteListFunc(func(ctx context.Context, ids []string) error {
			return p.DeleteList(ctx, entity, ids)
		}))
	}
}

// table returns the table for entity, creating it. Callers hold mu or
// are still constructing p.
func (p *Provider) table(entity string) *table {
	key := entsync.EntityKey(entity)
	t, ok := p.tables[key]
	if !ok {
		t = &table{rows: make(map[string]entsync.Record)}
		p.tables[key] = t
		p.names = append(p.names, key)
	}
	return t
}

// Seed stores recs as they are, assigning identifiers where missing.
func (p *Provider) Seed(entity string, recs ...entsync.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.table(entity)
	for _, rec := range recs {
		p.insert(t, rec.Clone())
	}
}

// Len returns the number of records stored for entity.
func (p *Provider) Len(entity string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if t, ok := p.tables[entsync.EntityKey(entity)]; ok {
		return len(t.rows)
	}
	return 0
}

func (p *Provider) insert(t *table, rec entsync.Record) (entsync.Record, error) {
	if rec == nil {
		rec = entsync.Record{}
	}
	id, ok := rec.ID(p.idKey)
	if !ok {
		t.next++
		id = strconv.FormatInt(t.next, 10)
		rec[p.idKey] = t.next
	} else if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > t.next {
		t.next = n
	}
	if _, exists := t.rows[id]; exists {
		return nil, fmt.Errorf("memory: %s %q already exists", p.idKey, id)
	}
	t.rows[id] = rec
	t.order = append(t.order, id)
	return rec.Clone(), nil
}

func (p *Provider) Create(_ context.Context, entity string, rec entsync.Record) (entsync.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insert(p.table(entity), rec.Clone())
}

func (p *Provider) Get(_ context.Context, entity, id string) (entsync.Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tables[entsync.EntityKey(entity)]
	if !ok {
		return nil, entsync.ErrNotFound
	}
	rec, ok := t.rows[id]
	if !ok {
		return nil, entsync.ErrNotFound
	}
	return rec.Clone(), nil
}

// Update merges rec into the stored record. The identifier cannot change.
func (p *Provider) Update(_ context.Context, entity, id string, rec entsync.Record) (entsync.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.update(p.table(entity), id, rec)
}

func (p *Provider) update(t *table, id string, rec entsync.Record) (entsync.Record, error) {
	cur, ok := t.rows[id]
	if !ok {
		return nil, entsync.ErrNotFound
	}
	next := cur.Clone()
	for k, v := range rec {
		if k == p.idKey {
			continue
		}
		next[k] = v
	}
	t.rows[id] = next
	return next.Clone(), nil
}

func (p *Provider) Delete(_ context.Context, entity, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.table(entity)
	if _, ok := t.rows[id]; !ok {
		return entsync.ErrNotFound
	}
	p.remove(t, id)
	return nil
}

func (p *Provider) remove(t *table, id string) {
	delete(t.rows, id)
	if i := slices.Index(t.order, id); i >= 0 {
		t.order = slices.Delete(t.order, i, i+1)
	}
}

// List returns matching records in insertion order.
func (p *Provider) List(_ context.Context, entity string, f entsync.Filter) ([]entsync.Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tables[entsync.EntityKey(entity)]
	if !ok {
		return nil, nil
	}
	all := make([]entsync.Record, 0, len(t.order))
	for _, id := range t.order {
		all = append(all, t.rows[id])
	}
	matched := f.Apply(all, p.idKey, p.resolver)
	for i, rec := range matched {
		matched[i] = rec.Clone()
	}
	return matched, nil
}

// CreateList creates every record or none. Records without an id get the
// next free counter values, skipping ids claimed by the other records.
func (p *Provider) CreateList(_ context.Context, entity string, recs []entsync.Record) ([]entsync.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.table(entity)

	prepared := make([]entsync.Record, len(recs))
	taken := make(map[string]bool)
	for i, rec := range recs {
		if rec = rec.Clone(); rec == nil {
			rec = entsync.Record{}
		}
		prepared[i] = rec
		if id, ok := rec.ID(p.idKey); ok {
			if _, exists := t.rows[id]; exists || taken[id] {
				return nil, fmt.Errorf("memory: %s %q already exists", p.idKey, id)
			}
			taken[id] = true
		}
	}
	next := t.next
	for _, rec := range prepared {
		if _, ok := rec.ID(p.idKey); ok {
			continue
		}
		for {
			next++
			id := strconv.FormatInt(next, 10)
			if _, exists := t.rows[id]; !exists && !taken[id] {
				taken[id] = true
				rec[p.idKey] = next
				break
			}
		}
	}

	out := make([]entsync.Record, 0, len(recs))
	for _, rec := range prepared {
		created, err := p.insert(t, rec)
		if err != nil {
			return out, err
		}
		out = append(out, created)
	}
	return out, nil
}

// UpdateList updates recs[i] under ids[i], or under the record's own id
// field when ids is shorter. It fails without changes if any record is
// unidentified or unknown.
func (p *Provider) UpdateList(_ context.Context, entity string, ids []string, recs []entsync.Record) ([]entsync.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.table(entity)

	keys := make([]string, len(recs))
	for i, rec := range recs {
		id, ok := entsync.ListID(ids, i, rec, p.idKey)
		if !ok {
			return nil, entsync.ErrNoID
		}
		if _, exists := t.rows[id]; !exists {
			return nil, fmt.Errorf("%w: %s", entsync.ErrNotFound, id)
		}
		keys[i] = id
	}
	out := make([]entsync.Record, 0, len(recs))
	for i, rec := range recs {
		updated, err := p.update(t, keys[i], rec)
		if err != nil {
			return out, err
		}
		out = append(out, updated)
	}
	return out, nil
}

// DeleteList deletes every listed record or none.
func (p *Provider) DeleteList(_ context.Context, entity string, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.table(entity)
	for _, id := range ids {
		if _, ok := t.rows[id]; !ok {
			return fmt.Errorf("%w: %s", entsync.ErrNotFound, id)
		}
	}
	for _, id := range ids {
		p.remove(t, id)
	}
	return nil
}
