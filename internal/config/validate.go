package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/erfanmomeniii/entsync"
)

// ErrInvalidConfig matches every FieldError.
var ErrInvalidConfig = errors.New("invalid configuration")

// FieldError reports an invalid configuration value.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrInvalidConfig }

var (
	logLevels    = []string{"debug", "info", "warn", "error"}
	logFormats   = []string{"text", "json", "logfmt"}
	providerKind = []string{TypeMemory, TypeREST, TypePostgres, TypeRedis, TypeS3}
	cacheKinds   = []string{CacheNone, CacheMemory, CacheRedis}
	sourceKinds  = []string{SourceNone, SourceOutbox, SourceRedis, SourceKafka}
)

// Validate checks c and returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if !slices.Contains(logLevels, strings.ToLower(c.LogLevel)) {
		fail("log_level", "must be one of %s", strings.Join(logLevels, ", "))
	}
	if !slices.Contains(logFormats, strings.ToLower(c.LogFormat)) {
		fail("log_format", "must be one of %s", strings.Join(logFormats, ", "))
	}

	names := make(map[string]bool)
	for i, p := range c.Providers {
		field := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			fail(field+".name", "is required")
		} else if names[p.Name] {
			fail(field+".name", "duplicate provider %q", p.Name)
		}
		names[p.Name] = true

		if _, err := entsync.ParseCase(p.Naming); err != nil {
			fail(field+".naming", "unknown convention %q", p.Naming)
		}
		if p.Timeout < 0 {
			fail(field+".timeout", "must not be negative")
		}

		switch p.Type {
		case TypeMemory:
		case TypeREST:
			if p.BaseURL == "" {
				fail(field+".base_url", "is required for rest providers")
			}
		case TypePostgres:
			if p.DSN == "" {
				fail(field+".dsn", "is required for postgres providers")
			}
		case TypeRedis:
			if p.Addr == "" {
				fail(field+".addr", "is required for redis providers")
			}
		case TypeS3:
			if p.Bucket == "" {
				fail(field+".bucket", "is required for s3 providers")
			}
		default:
			fail(field+".type", "must be one of %s", strings.Join(providerKind, ", "))
		}
	}

	if c.DefaultProvider != "" && !names[c.DefaultProvider] {
		fail("default_provider", "unknown provider %q", c.DefaultProvider)
	}
	for entity, provider := range c.Bindings {
		if !names[provider] {
			fail("bindings."+entity, "unknown provider %q", provider)
		}
	}

	if !slices.Contains(cacheKinds, c.Cache.Type) {
		fail("cache.type", "must be one of %s", strings.Join(cacheKinds, ", "))
	}
	if c.Cache.Type != CacheNone && c.Cache.TTL <= 0 {
		fail("cache.ttl", "must be positive")
	}
	if c.Cache.Type == CacheRedis && c.Cache.Addr == "" {
		fail("cache.addr", "is required for the redis cache")
	}

	errs = append(errs, c.Pipeline.validate()...)
	return errors.Join(errs...)
}

func (p PipelineConfig) validate() []error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, &FieldError{Field: "pipeline." + field, Reason: fmt.Sprintf(format, args...)})
	}

	if !slices.Contains(sourceKinds, p.Source) {
		fail("source", "must be one of outbox, redis, kafka or empty")
		return errs
	}
	if p.Source == SourceNone {
		return nil
	}
	if p.Interval <= 0 {
		fail("interval", "must be positive")
	}
	if p.BatchSize <= 0 {
		fail("batch_size", "must be positive")
	}
	if p.Workers <= 0 {
		fail("workers", "must be positive")
	}
	if p.MaxAttempts <= 0 {
		fail("max_attempts", "must be positive")
	}

	switch p.Source {
	case SourceOutbox:
		if p.DSN == "" {
			fail("dsn", "is required for the outbox source")
		}
	case SourceRedis:
		if p.Addr == "" {
			fail("addr", "is required for the redis source")
		}
	case SourceKafka:
		if len(p.Brokers) == 0 {
			fail("brokers", "is required for the kafka source")
		}
		if p.Topic == "" {
			fail("topic", "is required for the kafka source")
		}
	}
	return errs
}
