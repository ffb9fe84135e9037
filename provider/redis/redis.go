// Package redis is an entsync provider storing entities as JSON documents
// in Redis.
//
// A user with id 7 under the default prefix lives at "entsync:user:7",
// and "entsync:user" is a set of every stored user id.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/erfanmomeniii/entsync"
)

var (
	_ entsync.Provider      = (*Provider)(nil)
	_ entsync.Definer       = (*Provider)(nil)
	_ entsync.HealthChecker = (*Provider)(nil)
)

// Option configures a Provider.
type Option func(*Provider)

// WithName sets the provider name. Default: "redis".
func WithName(name string) Option {
	if name == "" {
		panic("redis: name cannot be empty")
	}
	return func(p *Provider) {
		p.name = name
	}
}

// WithPrefix sets the key prefix. Default: "entsync".
func WithPrefix(prefix string) Option {
	if prefix == "" {
		panic("redis: prefix cannot be empty")
	}
	return func(p *Provider) {
		p.prefix = prefix
	}
}

// WithEntities declares the entity types the provider serves.
func WithEntities(entities ...string) Option {
	return func(p *Provider) {
		for _, e := range entities {
			if key := entsync.EntityKey(e); !slices.Contains(p.entities, key) {
				p.entities = append(p.entities, key)
			}
		}
	}
}

// WithIDKey sets the identifier field. Default: "id".
func WithIDKey(key string) Option {
	if key == "" {
		panic("redis: id key cannot be empty")
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

// Provider stores records through a go-redis client. Identifiers missing
// on create are generated as UUIDs.
type Provider struct {
	name     string
	client   goredis.UniversalClient
	owned    bool
	prefix   string
	entities []string
	idKey    string
	resolver entsync.NameResolver
	logger   *slog.Logger
}

// New creates a provider on client. Panics if client is nil.
func New(client goredis.UniversalClient, opts ...Option) *Provider {
	if client == nil {
		panic("redis: client cannot be nil")
	}
	p := &Provider{
		name:     "redis",
		client:   client,
		prefix:   "entsync",
		idKey:    "id",
		resolver: entsync.NewCaseResolver(entsync.SnakeCase),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open connects to the Redis server at addr. The returned provider
// closes the client on Close.
func Open(addr string, opts ...Option) *Provider {
	p := New(goredis.NewClient(&goredis.Options{Addr: addr}), opts...)
	p.owned = true
	return p
}

func (p *Provider) Name() string { return p.name }

// NameResolver implements entsync.NameResolverProvider.
func (p *Provider) NameResolver() entsync.NameResolver { return p.resolver }

// HealthCheck pings the server.
func (p *Provider) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the client if the provider opened it.
func (p *Provider) Close() error {
	if p.owned {
		return p.client.Close()
	}
	return nil
}

// Define declares every operation for each entity given to WithEntities.
func (p *Provider) Define(def *entsync.Definition) {
	for _, entity := range p.entities {
		def.Handle(entity, entsync.OpCreate, entsync.CreateFunc(func(ctx context.Context, rec entsync.Record) (entsync.Record, error) {
			recs, err := p.CreateList(ctx, entity, []entsync.Record{rec})
			if err != nil {
				return nil, err
			}
			return recs[0], nil
		}))
		def.Handle(entity, entsync.OpGet, entsync.GetFunc(func(ctx context.Context, id string) (entsync.Record, error) {
			return p.Get(ctx, entity, id)
		}))
		def.Handle(entity, entsync.OpUpdate, entsync.UpdateFunc(func(ctx context.Context, id string, rec entsync.Record) (entsync.Record, error) {
			recs, err := p.UpdateList(ctx, entity, []string{id}, []entsync.Record{rec})
			if err != nil {
				return nil, err
			}
			return recs[0], nil
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

// DocKey returns the key holding an entity document.
func (p *Provider) DocKey(entity, id string) string {
	return p.prefix + ":" + entsync.EntityKey(entity) + ":" + id
}

// IndexKey returns the key of the set of ids stored for entity.
func (p *Provider) IndexKey(entity string) string {
	return p.prefix + ":" + entsync.EntityKey(entity)
}

func (p *Provider) Get(ctx context.Context, entity, id string) (entsync.Record, error) {
	data, err := p.client.Get(ctx, p.DocKey(entity, id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, entsync.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// CreateList stores recs in one transaction. It fails without writing
// if any identifier is already taken.
func (p *Provider) CreateList(ctx context.Context, entity string, recs []entsync.Record) ([]entsync.Record, error) {
	out := make([]entsync.Record, len(recs))
	keys := make([]string, len(recs))
	docs := make([][]byte, len(recs))
	ids := make([]any, len(recs))
	for i, rec := range recs {
		rec = rec.Clone()
		if rec == nil {
			rec = entsync.Record{}
		}
		id, ok := rec.ID(p.idKey)
		if !ok {
			id = uuid.NewString()
			rec[p.idKey] = id
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("redis: encode %s: %w", id, err)
		}
		out[i], keys[i], docs[i], ids[i] = rec, p.DocKey(entity, id), data, id
	}
	if len(recs) == 0 {
		return out, nil
	}

	err := p.client.Watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, keys...).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("redis: %d of %d %s records already exist", n, len(keys), entity)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for i, key := range keys {
				pipe.Set(ctx, key, docs[i], 0)
			}
			pipe.SAdd(ctx, p.IndexKey(entity), ids...)
			return nil
		})
		return err
	}, keys...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateList merges recs[i] into the document identified by ids[i] or
// the record's own id field, atomically for the whole list.
func (p *Provider) UpdateList(ctx context.Context, entity string, ids []string, recs []entsync.Record) ([]entsync.Record, error) {
	keys := make([]string, len(recs))
	for i, rec := range recs {
		id, ok := entsync.ListID(ids, i, rec, p.idKey)
		if !ok {
			return nil, entsync.ErrNoID
		}
		keys[i] = p.DocKey(entity, id)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	var out []entsync.Record
	err := p.client.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := tx.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		out = make([]entsync.Record, len(recs))
		docs := make([][]byte, len(recs))
		for i, raw := range current {
			s, ok := raw.(string)
			if !ok {
				return fmt.Errorf("%w: %s", entsync.ErrNotFound, keys[i])
			}
			merged, err := decode([]byte(s))
			if err != nil {
				return err
			}
			for k, v := range recs[i] {
				if k != p.idKey {
					merged[k] = v
				}
			}
			if docs[i], err = json.Marshal(merged); err != nil {
				return err
			}
			out[i] = merged
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for i, key := range keys {
				pipe.Set(ctx, key, docs[i], 0)
			}
			return nil
		})
		return err
	}, keys...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Provider) Delete(ctx context.Context, entity, id string) error {
	var del *goredis.IntCmd
	_, err := p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		del = pipe.Del(ctx, p.DocKey(entity, id))
		pipe.SRem(ctx, p.IndexKey(entity), id)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return entsync.ErrNotFound
	}
	return nil
}

// DeleteList removes ids in one transaction. Missing ids are ignored.
func (p *Provider) DeleteList(ctx context.Context, entity string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i], members[i] = p.DocKey(entity, id), id
	}
	_, err := p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.SRem(ctx, p.IndexKey(entity), members...)
		return nil
	})
	return err
}

// List loads the documents named by f.IDs, or every indexed document,
// ordered by id.
func (p *Provider) List(ctx context.Context, entity string, f entsync.Filter) ([]entsync.Record, error) {
	ids := f.IDs
	if len(ids) == 0 {
		members, err := p.client.SMembers(ctx, p.IndexKey(entity)).Result()
		if err != nil {
			return nil, err
		}
		ids = members
	}
	if len(ids) == 0 {
		return nil, nil
	}
	ids = sortIDs(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = p.DocKey(entity, id)
	}
	values, err := p.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	recs := make([]entsync.Record, 0, len(values))
	for i, raw := range values {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		rec, err := decode([]byte(s))
		if err != nil {
			p.logger.Warn("skipping undecodable document", "key", keys[i], "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return f.Apply(recs, p.idKey, p.resolver), nil
}

func decode(data []byte) (entsync.Record, error) {
	var rec entsync.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("redis: decode document: %w", err)
	}
	return rec, nil
}
