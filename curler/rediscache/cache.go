// Package rediscache stores curler responses in Redis.
package rediscache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/erfanmomeniii/entsync/curler"
)

var _ curler.Cache = (*Cache)(nil)

// Cache is a curler.Cache backed by Redis string keys with expiry.
type Cache struct {
	client redis.UniversalClient
	prefix string
}

// New creates a Cache storing keys under prefix. Panics if client is nil.
func New(client redis.UniversalClient, prefix string) *Cache {
	if client == nil {
		panic("rediscache: client cannot be nil")
	}
	if prefix == "" {
		prefix = "entsync:curler"
	}
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) key(k string) string {
	return c.prefix + ":" + k
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(key), value, ttl).Err()
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}
