package entsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"

	"golang.org/x/sync/errgroup"
)

// RegistryOption configures a Registry.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	logger       *slog.Logger
	resolver     NameResolver
	dispatchOpts []DispatcherOption
}

// WithLogger sets the logger used by the registry and its dispatchers.
// If nil is passed, uses slog.Default().
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(c *registryConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDefaultNameResolver sets the resolver for providers that do not
// declare one. Default: snake_case.
func WithDefaultNameResolver(r NameResolver) RegistryOption {
	return func(c *registryConfig) {
		if r != nil {
			c.resolver = r
		}
	}
}

// WithDispatcherOptions applies opts to every registered provider.
func WithDispatcherOptions(opts ...DispatcherOption) RegistryOption {
	return func(c *registryConfig) {
		c.dispatchOpts = append(c.dispatchOpts, opts...)
	}
}

// Registry holds the providers of an application and the binding of
// entity types to them.
type Registry struct {
	config *registryConfig

	mu          sync.RWMutex
	providers   map[string]*Dispatcher
	order       []string
	bindings    map[string]string
	defaultName string
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	config := &registryConfig{
		logger:   slog.Default(),
		resolver: NewCaseResolver(SnakeCase),
	}
	for _, opt := range opts {
		opt(config)
	}
	return &Registry{
		config:    config,
		providers: make(map[string]*Dispatcher),
		bindings:  make(map[string]string),
	}
}

// Register adds p under p.Name(). The first registered provider becomes
// the default.
func (r *Registry) Register(p Provider, opts ...DispatcherOption) (*Dispatcher, error) {
	if p == nil {
		return nil, errors.New("entsync: provider cannot be nil")
	}
	name := p.Name()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderExists, name)
	}

	all := []DispatcherOption{
		WithDispatchLogger(r.config.logger.With("provider", name)),
		WithNameResolver(resolverFor(p, r.config.resolver)),
	}
	all = append(all, r.config.dispatchOpts...)
	all = append(all, opts...)

	d := NewDispatcher(p, all...)
	r.providers[name] = d
	r.order = append(r.order, name)
	if r.defaultName == "" {
		r.defaultName = name
	}

	r.config.logger.Debug("registered provider", "provider", name)
	return d, nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(p Provider, opts ...DispatcherOption) *Dispatcher {
	d, err := r.Register(p, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// Bind routes entity to the named provider.
func (r *Registry) Bind(entity, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[provider]; !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, provider)
	}
	r.bindings[EntityKey(entity)] = provider
	return nil
}

// SetDefault sets the provider for entities without a binding.
func (r *Registry) SetDefault(provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[provider]; !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, provider)
	}
	r.defaultName = provider
	return nil
}

// Default returns the default provider name.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// For returns the dispatcher serving entity.
func (r *Registry) For(entity string) (*Dispatcher, error) {
	key := EntityKey(entity)

	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.bindings[key]
	if !ok {
		name = r.defaultName
	}
	if name == "" {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotBound, key)
	}
	d, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return d, nil
}

// Provider returns the dispatcher registered under name.
func (r *Registry) Provider(name string) (*Dispatcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return d, nil
}

// Providers returns provider names in registration order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Bindings returns a copy of the entity to provider bindings.
func (r *Registry) Bindings() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.bindings)
}

// Dispatch routes req to the provider bound to req.Entity.
func (r *Registry) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	d, err := r.For(req.Entity)
	if err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, req)
}

// HealthCheck checks every provider implementing HealthChecker
// concurrently. Providers without a check report nil.
func (r *Registry) HealthCheck(ctx context.Context) map[string]error {
	r.mu.RLock()
	dispatchers := make(map[string]*Dispatcher, len(r.providers))
	maps.Copy(dispatchers, r.providers)
	r.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(dispatchers))
		g       errgroup.Group
	)
	for name, d := range dispatchers {
		hc, ok := d.Provider().(HealthChecker)
		if !ok {
			mu.Lock()
			results[name] = nil
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			err := hc.HealthCheck(ctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Close closes every provider implementing io.Closer.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, name := range r.order {
		if c, ok := r.providers[name].Provider().(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
