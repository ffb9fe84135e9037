// Package app assembles providers, caches and pipelines from a
// config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"

	goredis "github.com/redis/go-redis/v9"

	"github.com/erfanmomeniii/entsync"
	"github.com/erfanmomeniii/entsync/curler"
	"github.com/erfanmomeniii/entsync/curler/rediscache"
	"github.com/erfanmomeniii/entsync/internal/config"
	"github.com/erfanmomeniii/entsync/provider/memory"
	"github.com/erfanmomeniii/entsync/provider/postgres"
	"github.com/erfanmomeniii/entsync/provider/redis"
	"github.com/erfanmomeniii/entsync/provider/rest"
	"github.com/erfanmomeniii/entsync/provider/s3"
	"github.com/erfanmomeniii/entsync/retry"
)

// App holds the registry built from a configuration and the resources
// it owns.
type App struct {
	Config   *config.Config
	Registry *entsync.Registry
	Logger   *slog.Logger

	cache   curler.Cache
	closers []io.Closer
}

// New registers every configured provider, applies the bindings and sets
// the default provider. Resources opened before a failure are closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		Config:   cfg,
		Registry: entsync.NewRegistry(entsync.WithLogger(logger)),
		Logger:   logger,
	}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cache, err := a.newCache()
	if err != nil {
		return err
	}
	a.cache = cache

	for _, pc := range a.Config.Providers {
		p, err := a.newProvider(ctx, pc)
		if err != nil {
			return fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		if _, err := a.Registry.Register(p); err != nil {
			if c, ok := p.(io.Closer); ok {
				_ = c.Close()
			}
			return err
		}
	}

	if a.Config.DefaultProvider != "" {
		if err := a.Registry.SetDefault(a.Config.DefaultProvider); err != nil {
			return err
		}
	}
	for _, entity := range slices.Sorted(maps.Keys(a.Config.Bindings)) {
		if err := a.Registry.Bind(entity, a.Config.Bindings[entity]); err != nil {
			return fmt.Errorf("bind %s: %w", entity, err)
		}
	}
	return nil
}

func (a *App) newCache() (curler.Cache, error) {
	cc := a.Config.Cache
	switch cc.Type {
	case config.CacheNone, "":
		return nil, nil
	case config.CacheMemory:
		return curler.NewMemoryCache(), nil
	case config.CacheRedis:
		client := goredis.NewClient(&goredis.Options{Addr: cc.Addr})
		a.closers = append(a.closers, client)
		return rediscache.New(client, cc.Prefix), nil
	}
	return nil, fmt.Errorf("unknown cache type %q", cc.Type)
}

func naming(pc config.ProviderConfig) (entsync.NameResolver, error) {
	style, err := entsync.ParseCase(pc.Naming)
	if err != nil {
		return nil, err
	}
	return entsync.NewCaseResolver(style), nil
}

func (a *App) newProvider(ctx context.Context, pc config.ProviderConfig) (entsync.Provider, error) {
	resolver, err := naming(pc)
	if err != nil {
		return nil, err
	}
	logger := a.Logger.With("provider", pc.Name)
	entities := slices.Sorted(maps.Keys(pc.Entities))

	switch pc.Type {
	case config.TypeMemory:
		return memory.New(
			memory.WithName(pc.Name),
			memory.WithEntities(entities...),
			memory.WithNaming(resolver),
			memory.WithLogger(logger),
		), nil

	case config.TypeREST:
		client, err := a.newCurler(pc, logger)
		if err != nil {
			return nil, err
		}
		opts := []rest.Option{
			rest.WithName(pc.Name),
			rest.WithNaming(resolver),
			rest.WithLogger(logger),
		}
		if pc.HealthPath != "" {
			opts = append(opts, rest.WithHealthPath(pc.HealthPath))
		}
		for _, entity := range entities {
			ec := pc.Entities[entity]
			opts = append(opts, rest.WithEndpoint(entity, rest.Endpoint{
				Path:    ec.Path,
				ListKey: ec.ListKey,
				IDKey:   ec.Key,
			}))
		}
		return rest.New(client, opts...), nil

	case config.TypePostgres:
		opts := []postgres.Option{
			postgres.WithName(pc.Name),
			postgres.WithNaming(resolver),
			postgres.WithLogger(logger),
		}
		for _, entity := range entities {
			ec := pc.Entities[entity]
			opts = append(opts, postgres.WithTable(entity, postgres.Table{Name: ec.Table, Key: ec.Key}))
		}
		return postgres.Open(pc.DSN, opts...)

	case config.TypeRedis:
		opts := []redis.Option{
			redis.WithName(pc.Name),
			redis.WithEntities(entities...),
			redis.WithNaming(resolver),
			redis.WithLogger(logger),
		}
		if pc.Prefix != "" {
			opts = append(opts, redis.WithPrefix(pc.Prefix))
		}
		return redis.Open(pc.Addr, opts...), nil

	case config.TypeS3:
		client, err := s3.NewClient(ctx, s3.ClientConfig{Region: pc.Region, Endpoint: pc.Endpoint})
		if err != nil {
			return nil, err
		}
		opts := []s3.Option{
			s3.WithName(pc.Name),
			s3.WithEntities(entities...),
			s3.WithNaming(resolver),
			s3.WithLogger(logger),
		}
		if pc.Prefix != "" {
			opts = append(opts, s3.WithPrefix(pc.Prefix))
		}
		return s3.New(client, pc.Bucket, opts...), nil
	}
	return nil, fmt.Errorf("unknown provider type %q", pc.Type)
}

func (a *App) newCurler(pc config.ProviderConfig, logger *slog.Logger) (*curler.Curler, error) {
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = 3
	opts := []curler.Option{
		curler.WithLogger(logger),
		curler.WithRetry(policy),
	}
	for _, k := range slices.Sorted(maps.Keys(pc.Headers)) {
		opts = append(opts, curler.WithHeader(k, pc.Headers[k]))
	}
	if pc.Timeout > 0 {
		opts = append(opts, curler.WithHTTPClient(&http.Client{Timeout: pc.Timeout}))
	}
	if a.cache != nil {
		opts = append(opts, curler.WithCache(a.cache, a.Config.Cache.TTL))
	}
	return curler.New(pc.BaseURL, opts...)
}

// Close closes every provider and the shared cache connection.
func (a *App) Close() error {
	errs := []error{a.Registry.Close()}
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}
