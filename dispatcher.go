package entsync

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
)

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*dispatcherConfig)

type dispatcherConfig struct {
	listFallback bool
	plurals      map[string]string
	resolver     NameResolver
	logger       *slog.Logger
}

func defaultDispatcherConfig() *dispatcherConfig {
	return &dispatcherConfig{
		listFallback: true,
		plurals:      make(map[string]string),
		logger:       slog.Default(),
	}
}

// WithListFallback controls whether list operations a provider lacks are
// emulated by looping the single-entity handler, and whether get falls
// back to get-list. Default: true.
func WithListFallback(enabled bool) DispatcherOption {
	return func(c *dispatcherConfig) {
		c.listFallback = enabled
	}
}

// WithPlural sets the plural form used to look up list methods for entity.
func WithPlural(entity, plural string) DispatcherOption {
	if plural == "" {
		panic("entsync: plural cannot be empty")
	}
	return func(c *dispatcherConfig) {
		c.plurals[EntityKey(entity)] = plural
	}
}

// WithNameResolver overrides the provider's naming convention.
// If nil is passed, the provider's own resolver is used.
func WithNameResolver(r NameResolver) DispatcherOption {
	return func(c *dispatcherConfig) {
		if r != nil {
			c.resolver = r
		}
	}
}

// WithDispatchLogger sets the logger for dispatch events.
// If nil is passed, uses slog.Default().
func WithDispatchLogger(logger *slog.Logger) DispatcherOption {
	return func(c *dispatcherConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type resolution struct {
	handler Handler
	native  bool
	err     error
}

// Dispatcher routes operations on entities to a provider's handlers.
// Lookups are resolved once per entity/operation and cached.
type Dispatcher struct {
	provider Provider
	name     string
	value    reflect.Value
	def      *Definition
	config   *dispatcherConfig

	mu    sync.RWMutex
	cache map[handlerKey]resolution
}

// NewDispatcher creates a dispatcher for p. Panics if p is nil.
func NewDispatcher(p Provider, opts ...DispatcherOption) *Dispatcher {
	if p == nil {
		panic("entsync: provider cannot be nil")
	}
	config := defaultDispatcherConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.resolver == nil {
		config.resolver = resolverFor(p, NewCaseResolver(SnakeCase))
	}

	def := newDefinition()
	if d, ok := p.(Definer); ok {
		d.Define(def)
	}

	return &Dispatcher{
		provider: p,
		name:     p.Name(),
		value:    reflect.ValueOf(p),
		def:      def,
		config:   config,
		cache:    make(map[handlerKey]resolution),
	}
}

// Provider returns the wrapped provider.
func (d *Dispatcher) Provider() Provider { return d.provider }

// Name returns the provider name.
func (d *Dispatcher) Name() string { return d.name }

// NameResolver returns the naming convention of the provider's backend.
func (d *Dispatcher) NameResolver() NameResolver { return d.config.resolver }

// PluralOf returns the plural form used for entity.
func (d *Dispatcher) PluralOf(entity string) string {
	key := EntityKey(entity)
	if p, ok := d.config.plurals[key]; ok {
		return p
	}
	if p, ok := d.def.plurals[key]; ok {
		return p
	}
	return Plural(key)
}

// Handler returns the handler serving op on entity, or an
// *OperationNotImplementedError.
func (d *Dispatcher) Handler(entity string, op Operation) (Handler, error) {
	r := d.resolve(EntityKey(entity), op)
	return r.handler, r.err
}

// Supports reports whether op on entity can be dispatched.
func (d *Dispatcher) Supports(entity string, op Operation) bool {
	_, err := d.Handler(entity, op)
	return err == nil
}

// Native reports whether op on entity is served by a provider handler
// rather than emulated.
func (d *Dispatcher) Native(entity string, op Operation) bool {
	r := d.resolve(EntityKey(entity), op)
	return r.err == nil && r.native
}

// Operations returns the operations entity supports, in declaration order.
func (d *Dispatcher) Operations(entity string) []Operation {
	var ops []Operation
	for _, op := range Operations {
		if d.Supports(entity, op) {
			ops = append(ops, op)
		}
	}
	return ops
}

func (d *Dispatcher) resolve(entity string, op Operation) resolution {
	key := handlerKey{entity: entity, op: op}

	d.mu.RLock()
	r, ok := d.cache[key]
	d.mu.RUnlock()
	if ok {
		return r
	}

	r = d.lookup(entity, op)

	d.mu.Lock()
	d.cache[key] = r
	d.mu.Unlock()
	return r
}

func (d *Dispatcher) lookup(entity string, op Operation) resolution {
	if h, err := d.nativeHandler(entity, op); err != nil {
		return resolution{err: err}
	} else if h != nil {
		return resolution{handler: h, native: true}
	}

	if d.config.listFallback {
		if h := d.fallbackHandler(entity, op); h != nil {
			return resolution{handler: h}
		}
	}

	return resolution{err: &OperationNotImplementedError{
		Provider:  d.name,
		Entity:    entity,
		Operation: op,
	}}
}

func (d *Dispatcher) nativeHandler(entity string, op Operation) (Handler, error) {
	if !op.Valid() {
		return nil, nil
	}
	if h, ok := d.def.handlers[handlerKey{entity: entity, op: op}]; ok {
		return h, nil
	}
	return conventionHandler(d.value, d.name, entity, d.PluralOf(entity), op)
}

func (d *Dispatcher) fallbackHandler(entity string, op Operation) Handler {
	switch op {
	case OpGet:
		list, _ := d.nativeHandler(entity, OpGetList)
		if list == nil {
			return nil
		}
		return func(ctx context.Context, req *Request) (*Result, error) {
			res, err := list(ctx, &Request{
				Entity:    req.Entity,
				Operation: OpGetList,
				Filter:    Filter{IDs: []string{req.ID}, Limit: 1},
			})
			if err != nil {
				return nil, err
			}
			if res == nil || len(res.Records) == 0 {
				return nil, ErrNotFound
			}
			return &Result{Record: res.Records[0]}, nil
		}

	case OpCreateList, OpUpdateList, OpDeleteList:
		single, _ := d.nativeHandler(entity, op.Single())
		if single == nil {
			return nil
		}
		return loopHandler(single, op.Single(), d.NameResolver().Backend("id"))
	}
	return nil
}

// loopHandler emulates a list operation with one call per entity.
// It stops at the first error. An update without a matching entry in
// req.IDs takes its id from the record's idKey field.
func loopHandler(single Handler, op Operation, idKey string) Handler {
	return func(ctx context.Context, req *Request) (*Result, error) {
		out := &Result{}
		n := len(req.Records)
		if op == OpDelete {
			n = len(req.IDs)
		}
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			sub := &Request{Entity: req.Entity, Operation: op}
			if i < len(req.IDs) {
				sub.ID = req.IDs[i]
			}
			if i < len(req.Records) {
				sub.Record = req.Records[i]
			}
			if op == OpUpdate {
				sub.ID, _ = ListID(req.IDs, i, sub.Record, idKey)
			}
			res, err := single(ctx, sub)
			if err != nil {
				return out, err
			}
			if res != nil && res.Record != nil {
				out.Records = append(out.Records, res.Record)
			}
		}
		return out, nil
	}
}

// Dispatch runs req against the provider.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	entity := EntityKey(req.Entity)
	h, err := d.Handler(entity, req.Operation)
	if err != nil {
		return nil, err
	}

	d.config.logger.Debug("dispatching operation",
		"provider", d.name,
		"entity", entity,
		"operation", req.Operation.String(),
	)

	res, err := h(ctx, req)
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) || errors.Is(err, ErrNotImplemented) {
			return res, err
		}
		return res, &ProviderError{
			Provider:  d.name,
			Entity:    entity,
			Operation: req.Operation,
			Err:       err,
		}
	}
	if res == nil {
		res = &Result{}
	}
	return res, nil
}

// Create dispatches a create operation.
func (d *Dispatcher) Create(ctx context.Context, entity string, rec Record) (Record, error) {
	res, err := d.Dispatch(ctx, &Request{Entity: entity, Operation: OpCreate, Record: rec})
	if err != nil {
		return nil, err
	}
	return res.Record, nil
}

// Get dispatches a get operation. A handler returning no record yields
// ErrNotFound.
func (d *Dispatcher) Get(ctx context.Context, entity, id string) (Record, error) {
	res, err := d.Dispatch(ctx, &Request{Entity: entity, Operation: OpGet, ID: id})
	if err != nil {
		return nil, err
	}
	if res.Record == nil {
		return nil, &ProviderError{Provider: d.name, Entity: EntityKey(entity), Operation: OpGet, Err: ErrNotFound}
	}
	return res.Record, nil
}

// Update dispatches an update operation.
func (d *Dispatcher) Update(ctx context.Context, entity, id string, rec Record) (Record, error) {
	res, err := d.Dispatch(ctx, &Request{Entity: entity, Operation: OpUpdate, ID: id, Record: rec})
	if err != nil {
		return nil, err
	}
	return res.Record, nil
}

// Delete dispatches a delete operation.
func (d *Dispatcher) Delete(ctx context.Context, entity, id string) error {
	_, err := d.Dispatch(ctx, &Request{Entity: entity, Operation: OpDelete, ID: id})
	return err
}

// GetList dispatches a get-list operation.
func (d *Dispatcher) GetList(ctx context.Context, entity string, f Filter) ([]Record, error) {
	res, err := d.Dispatch(ctx, &Request{Entity: entity, Operation: OpGetList, Filter: f})
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// CreateList dispatches a create-list operation.
func (d *Dispatcher) CreateList(ctx context.Context, entity string, recs []Record) ([]Record, error) {
	res, err := d.Dispatch(ctx, &Request{Entity: entity, Operation: OpCreateList, Records: recs})
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// UpdateList dispatches an update-list operation. ids[i] identifies recs[i].
func (d *Dispatcher) UpdateList(ctx context.Context, entity string, ids []string, recs []Record) ([]Record, error) {
	res, err := d.Dispatch(ctx, &Request{Entity: entity, Operation: OpUpdateList, IDs: ids, Records: recs})
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// DeleteList dispatches a delete-list operation.
func (d *Dispatcher) DeleteList(ctx context.Context, entity string, ids []string) error {
	_, err := d.Dispatch(ctx, &Request{Entity: entity, Operation: OpDeleteList, IDs: ids})
	return err
}
