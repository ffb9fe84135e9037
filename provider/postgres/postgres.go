// Package postgres is an entsync provider storing each entity type in
// its own PostgreSQL table through database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/erfanmomeniii/entsync"
)

var (
	_ entsync.Provider             = (*Provider)(nil)
	_ entsync.Definer              = (*Provider)(nil)
	_ entsync.HealthChecker        = (*Provider)(nil)
	_ entsync.NameResolverProvider = (*Provider)(nil)
)

// Table maps an entity to a table.
type Table struct {
	// Name is the table name. Default: the plural entity name.
	Name string
	// Key is the primary key column. Default: "id".
	Key string
}

// Option configures a Provider.
type Option func(*Provider)

// WithName sets the provider name. Default: "postgres".
func WithName(name string) Option {
	if name == "" {
		panic("postgres: name cannot be empty")
	}
	return func(p *Provider) {
		p.name = name
	}
}

// WithTable maps entity to t.
func WithTable(entity string, t Table) Option {
	return func(p *Provider) {
		key := entsync.EntityKey(entity)
		if t.Name == "" {
			t.Name = entsync.Plural(key)
		}
		if t.Key == "" {
			t.Key = "id"
		}
		if _, ok := p.tables[key]; !ok {
			p.order = append(p.order, key)
		}
		p.tables[key] = t
	}
}

// WithNaming sets the column naming convention. Default: snake_case.
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

// Provider runs entity operations as SQL statements.
type Provider struct {
	name     string
	db       *sql.DB
	owned    bool
	tables   map[string]Table
	order    []string
	resolver entsync.NameResolver
	logger   *slog.Logger
}

// New creates a provider on db. Panics if db is nil.
func New(db *sql.DB, opts ...Option) *Provider {
	if db == nil {
		panic("postgres: db cannot be nil")
	}
	p := &Provider{
		name:     "postgres",
		db:       db,
		tables:   make(map[string]Table),
		resolver: entsync.NewCaseResolver(entsync.SnakeCase),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open connects to dsn. The returned provider closes the connection
// pool on Close.
func Open(dsn string, opts ...Option) (*Provider, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	p := New(db, opts...)
	p.owned = true
	return p, nil
}

func (p *Provider) Name() string { return p.name }

// NameResolver implements entsync.NameResolverProvider.
func (p *Provider) NameResolver() entsync.NameResolver { return p.resolver }

// DB returns the underlying pool.
func (p *Provider) DB() *sql.DB { return p.db }

// HealthCheck pings the database.
func (p *Provider) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the pool if the provider opened it.
func (p *Provider) Close() error {
	if p.owned {
		return p.db.Close()
	}
	return nil
}

// Define declares every operation for each configured table.
func (p *Provider) Define(def *entsync.Definition) {
	for _, entity := range p.order {
		t := p.tables[entity]
		def.Handle(entity, entsync.OpCreate, entsync.CreateFunc(func(ctx context.Context, rec entsync.Record) (entsync.Record, error) {
			return p.create(ctx, p.db, t, rec)
		}))
		def.Handle(entity, entsync.OpGet, entsync.GetFunc(func(ctx context.Context, id string) (entsync.Record, error) {
			return p.get(ctx, t, id)
		}))
		def.Handle(entity, entsync.OpUpdate, entsync.UpdateFunc(func(ctx context.Context, id string, rec entsync.Record) (entsync.Record, error) {
			return p.update(ctx, p.db, t, id, rec)
		}))
		def.Handle(entity, entsync.OpDelete, entsync.DeleteFunc(func(ctx context.Context, id string) error {
			return p.delete(ctx, t, id)
		}))
		def.Handle(entity, entsync.OpGetList, entsync.ListFunc(func(ctx context.Context, f entsync.Filter) ([]entsync.Record, error) {
			return p.list(ctx, t, f)
		}))
		def.Handle(entity, entsync.OpCreateList, entsync.CreateListFunc(func(ctx context.Context, recs []entsync.Record) ([]entsync.Record, error) {
			return p.createList(ctx, t, recs)
		}))
		def.Handle(entity, entsync.OpUpdateList, func(ctx context.Context, req *entsync.Request) (*entsync.Result, error) {
			recs, err := p.updateList(ctx, t, req.IDs, req.Records)
			if err != nil {
				return nil, err
			}
			return &entsync.Result{Records: recs}, nil
		})
		def.Handle(entity, entsync.OpDeleteList, entsync.DeleteListFunc(func(ctx context.Context, ids []string) error {
			return p.deleteList(ctx, t, ids)
		}))
	}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (p *Provider) queryOne(ctx context.Context, q querier, query string, args []any) (entsync.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, entsync.ErrNotFound
	}
	return recs[0], nil
}

func (p *Provider) create(ctx context.Context, q querier, t Table, rec entsync.Record) (entsync.Record, error) {
	query, args, err := insertQuery(t, rec)
	if err != nil {
		return nil, err
	}
	return p.queryOne(ctx, q, query, args)
}

func (p *Provider) get(ctx context.Context, t Table, id string) (entsync.Record, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1",
		pq.QuoteIdentifier(t.Name), pq.QuoteIdentifier(t.Key))
	return p.queryOne(ctx, p.db, query, []any{id})
}

func (p *Provider) update(ctx context.Context, q querier, t Table, id string, rec entsync.Record) (entsync.Record, error) {
	query, args, err := updateQuery(t, id, rec)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return p.get(ctx, t, id)
	}
	return p.queryOne(ctx, q, query, args)
}

func (p *Provider) delete(ctx context.Context, t Table, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1",
		pq.QuoteIdentifier(t.Name), pq.QuoteIdentifier(t.Key))
	res, err := p.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return entsync.ErrNotFound
	}
	return nil
}

func (p *Provider) list(ctx context.Context, t Table, f entsync.Filter) ([]entsync.Record, error) {
	query, args := selectQuery(t, f, p.resolver)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (p *Provider) createList(ctx context.Context, t Table, recs []entsync.Record) ([]entsync.Record, error) {
	var out []entsync.Record
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range recs {
			created, err := p.create(ctx, tx, t, rec)
			if err != nil {
				return err
			}
			out = append(out, created)
		}
		return nil
	})
	return out, err
}

func (p *Provider) updateList(ctx context.Context, t Table, ids []string, recs []entsync.Record) ([]entsync.Record, error) {
	var out []entsync.Record
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		for i, rec := range recs {
			id, ok := entsync.ListID(ids, i, rec, t.Key)
			if !ok {
				return entsync.ErrNoID
			}
			query, args, err := updateQuery(t, id, rec)
			if err != nil {
				return err
			}
			if query == "" {
				continue
			}
			updated, err := p.queryOne(ctx, tx, query, args)
			if err != nil {
				return fmt.Errorf("update %s: %w", id, err)
			}
			out = append(out, updated)
		}
		return nil
	})
	return out, err
}

func (p *Provider) deleteList(ctx context.Context, t Table, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s::text = ANY($1)",
		pq.QuoteIdentifier(t.Name), pq.QuoteIdentifier(t.Key))
	_, err := p.db.ExecContext(ctx, query, pq.Array(ids))
	return err
}

func (p *Provider) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			p.logger.Warn("rollback failed", "provider", p.name, "error", rerr)
		}
		return err
	}
	return tx.Commit()
}
