// Package rest is an entsync provider for JSON REST APIs.
//
// Each entity is mapped to a collection endpoint:
//
//	create    POST   /path
//	get       GET    /path/{id}
//	update    PUT    /path/{id}
//	delete    DELETE /path/{id}
//	get-list  GET    /path?field=value&id=1&id=2
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strconv"

	"github.com/erfanmomeniii/entsync"
	"github.com/erfanmomeniii/entsync/curler"
)

var (
	_ entsync.Provider             = (*Provider)(nil)
	_ entsync.Definer              = (*Provider)(nil)
	_ entsync.HealthChecker        = (*Provider)(nil)
	_ entsync.NameResolverProvider = (*Provider)(nil)
)

// Endpoint describes how an entity is exposed by the API.
type Endpoint struct {
	// Path is the collection path relative to the base URL. Default: the
	// plural entity name.
	Path string
	// ListKey names the field holding items in list responses. Empty
	// means the body is a bare array.
	ListKey string
	// IDKey is the identifier field. Default: the provider's id key.
	IDKey string
	// Operations restricts the declared operations. Empty means create,
	// get, update, delete and get-list.
	Operations []entsync.Operation
}

// Option configures a Provider.
type Option func(*Provider)

// WithName sets the provider name. Default: "rest".
func WithName(name string) Option {
	if name == "" {
		panic("rest: name cannot be empty")
	}
	return func(p *Provider) {
		p.name = name
	}
}

// WithEndpoint maps entity to ep.
func WithEndpoint(entity string, ep Endpoint) Option {
	return func(p *Provider) {
		key := entsync.EntityKey(entity)
		if _, ok := p.endpoints[key]; !ok {
			p.order = append(p.order, key)
		}
		p.endpoints[key] = ep
	}
}

// WithNaming sets the API's property naming convention. Default: snake_case.
func WithNaming(r entsync.NameResolver) Option {
	return func(p *Provider) {
		if r != nil {
			p.resolver = r
		}
	}
}

// WithIDKey sets the default identifier field. Default: "id".
func WithIDKey(key string) Option {
	if key == "" {
		panic("rest: id key cannot be empty")
	}
	return func(p *Provider) {
		p.idKey = key
	}
}

// WithHealthPath sets the path requested by HealthCheck. Empty disables
// the check. Default: "health".
func WithHealthPath(path string) Option {
	return func(p *Provider) {
		p.healthPath = path
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

// Provider maps entity operations onto HTTP requests.
type Provider struct {
	name       string
	client     *curler.Curler
	endpoints  map[string]Endpoint
	order      []string
	resolver   entsync.NameResolver
	idKey      string
	healthPath string
	logger     *slog.Logger
}

// New creates a provider sending requests through client. Panics if
// client is nil.
func New(client *curler.Curler, opts ...Option) *Provider {
	if client == nil {
		panic("rest: client cannot be nil")
	}
	p := &Provider{
		name:       "rest",
		client:     client,
		endpoints:  make(map[string]Endpoint),
		resolver:   entsync.NewCaseResolver(entsync.SnakeCase),
		idKey:      "id",
		healthPath: "health",
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

// NameResolver implements entsync.NameResolverProvider.
func (p *Provider) NameResolver() entsync.NameResolver { return p.resolver }

// HealthCheck issues a GET on the health path.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.healthPath == "" {
		return nil
	}
	_, err := p.client.Get(ctx, p.healthPath, nil)
	return err
}

var defaultOperations = []entsync.Operation{
	entsync.OpCreate, entsync.OpGet, entsync.OpUpdate, entsync.OpDelete, entsync.OpGetList,
}

// Define declares the operations of every configured endpoint.
func (p *Provider) Define(def *entsync.Definition) {
	for _, entity := range p.order {
		ep := p.endpoint(entity)
		ops := ep.Operations
		if len(ops) == 0 {
			ops = defaultOperations
		}
		for _, op := range ops {
			if h := p.handler(ep, op); h != nil {
				def.Handle(entity, op, h)
			}
		}
	}
}

func (p *Provider) endpoint(entity string) Endpoint {
	ep := p.endpoints[entity]
	if ep.Path == "" {
		ep.Path = entsync.Plural(entity)
	}
	if ep.IDKey == "" {
		ep.IDKey = p.idKey
	}
	return ep
}

func (p *Provider) handler(ep Endpoint, op entsync.Operation) entsync.Handler {
	switch op {
	case entsync.OpCreate:
		return entsync.CreateFunc(func(ctx context.Context, rec entsync.Record) (entsync.Record, error) {
			return p.create(ctx, ep, rec)
		})
	case entsync.OpGet:
		return entsync.GetFunc(func(ctx context.Context, id string) (entsync.Record, error) {
			return p.get(ctx, ep, id)
		})
	case entsync.OpUpdate:
		return entsync.UpdateFunc(func(ctx context.Context, id string, rec entsync.Record) (entsync.Record, error) {
			return p.update(ctx, ep, id, rec)
		})
	case entsync.OpDelete:
		return entsync.DeleteFunc(func(ctx context.Context, id string) error {
			return p.delete(ctx, ep, id)
		})
	case entsync.OpGetList:
		return entsync.ListFunc(func(ctx context.Context, f entsync.Filter) ([]entsync.Record, error) {
			return p.list(ctx, ep, f)
		})
	}
	p.logger.Warn("operation has no REST mapping", "provider", p.name, "operation", op.String())
	return nil
}

func itemPath(ep Endpoint, id string) string {
	return path.Join(ep.Path, url.PathEscape(id))
}

func (p *Provider) create(ctx context.Context, ep Endpoint, rec entsync.Record) (entsync.Record, error) {
	resp, err := p.client.Post(ctx, ep.Path, rec)
	if err != nil {
		return nil, mapError(err)
	}
	return decodeRecord(resp, rec)
}

func (p *Provider) get(ctx context.Context, ep Endpoint, id string) (entsync.Record, error) {
	resp, err := p.client.Get(ctx, itemPath(ep, id), nil)
	if err != nil {
		return nil, mapError(err)
	}
	return decodeRecord(resp, nil)
}

func (p *Provider) update(ctx context.Context, ep Endpoint, id string, rec entsync.Record) (entsync.Record, error) {
	resp, err := p.client.Put(ctx, itemPath(ep, id), rec)
	if err != nil {
		return nil, mapError(err)
	}
	fallback := rec.Clone()
	if fallback == nil {
		fallback = entsync.Record{}
	}
	fallback[ep.IDKey] = id
	return decodeRecord(resp, fallback)
}

func (p *Provider) delete(ctx context.Context, ep Endpoint, id string) error {
	_, err := p.client.Delete(ctx, itemPath(ep, id))
	return mapError(err)
}

func (p *Provider) list(ctx context.Context, ep Endpoint, f entsync.Filter) ([]entsync.Record, error) {
	items, err := p.client.GetAll(ctx, ep.Path, p.query(ep, f), ep.ListKey)
	if err != nil {
		return nil, mapError(err)
	}
	recs := make([]entsync.Record, 0, len(items))
	for _, raw := range items {
		var rec entsync.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("rest: decode %s item: %w", ep.Path, err)
		}
		recs = append(recs, rec)
	}
	// Servers may ignore filter parameters.
	return f.Apply(recs, ep.IDKey, p.resolver), nil
}

// query renders f as query parameters, using the API's field names.
func (p *Provider) query(ep Endpoint, f entsync.Filter) url.Values {
	q := url.Values{}
	for _, id := range f.IDs {
		q.Add(ep.IDKey, id)
	}
	for name, v := range f.Where {
		q.Set(p.resolver.Backend(name), entsync.FormatID(v))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return q
}

func decodeRecord(resp *curler.Response, fallback entsync.Record) (entsync.Record, error) {
	if len(resp.Body) == 0 {
		return fallback, nil
	}
	var rec entsync.Record
	if err := resp.JSON(&rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, curler.ErrNotFound) {
		return fmt.Errorf("%w: %w", entsync.ErrNotFound, err)
	}
	return err
}
