// Package config loads entsync configuration with Viper from files,
// ENTSYNC_* environment variables and defaults.
package config

import (
	"time"
)

const (
	// AppName names the config directory and the environment prefix.
	AppName = "entsync"
	// FileName is the config file name without extension.
	FileName = "entsync"
)

// Provider types.
const (
	TypeMemory   = "memory"
	TypeREST     = "rest"
	TypePostgres = "postgres"
	TypeRedis    = "redis"
	TypeS3       = "s3"
)

// Cache types.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Pipeline sources.
const (
	SourceNone   = ""
	SourceOutbox = "outbox"
	SourceRedis  = "redis"
	SourceKafka  = "kafka"
)

// Config is the application configuration.
type Config struct {
	LogLevel        string            `mapstructure:"log_level" json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat       string            `mapstructure:"log_format" json:"log_format" yaml:"log_format" toml:"log_format"`
	DefaultProvider string            `mapstructure:"default_provider" json:"default_provider" yaml:"default_provider" toml:"default_provider"`
	Bindings        map[string]string `mapstructure:"bindings" json:"bindings,omitempty" yaml:"bindings,omitempty" toml:"bindings,omitempty"`
	Providers       []ProviderConfig  `mapstructure:"providers" json:"providers" yaml:"providers" toml:"providers"`
	Cache           CacheConfig       `mapstructure:"cache" json:"cache" yaml:"cache" toml:"cache"`
	Pipeline        PipelineConfig    `mapstructure:"pipeline" json:"pipeline" yaml:"pipeline" toml:"pipeline"`
}

// ProviderConfig configures one provider. Which fields apply depends on
// Type.
type ProviderConfig struct {
	Name       string                  `mapstructure:"name" json:"name" yaml:"name" toml:"name"`
	Type       string                  `mapstructure:"type" json:"type" yaml:"type" toml:"type"`
	Naming     string                  `mapstructure:"naming" json:"naming,omitempty" yaml:"naming,omitempty" toml:"naming,omitempty"`
	BaseURL    string                  `mapstructure:"base_url" json:"base_url,omitempty" yaml:"base_url,omitempty" toml:"base_url,omitempty"`
	Headers    map[string]string       `mapstructure:"headers" json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"`
	HealthPath string                  `mapstructure:"health_path" json:"health_path,omitempty" yaml:"health_path,omitempty" toml:"health_path,omitempty"`
	DSN        string                  `mapstructure:"dsn" json:"dsn,omitempty" yaml:"dsn,omitempty" toml:"dsn,omitempty"`
	Addr       string                  `mapstructure:"addr" json:"addr,omitempty" yaml:"addr,omitempty" toml:"addr,omitempty"`
	Prefix     string                  `mapstructure:"prefix" json:"prefix,omitempty" yaml:"prefix,omitempty" toml:"prefix,omitempty"`
	Bucket     string                  `mapstructure:"bucket" json:"bucket,omitempty" yaml:"bucket,omitempty" toml:"bucket,omitempty"`
	Region     string                  `mapstructure:"region" json:"region,omitempty" yaml:"region,omitempty" toml:"region,omitempty"`
	Endpoint   string                  `mapstructure:"endpoint" json:"endpoint,omitempty" yaml:"endpoint,omitempty" toml:"endpoint,omitempty"`
	Timeout    time.Duration           `mapstructure:"timeout" json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	Entities   map[string]EntityConfig `mapstructure:"entities" json:"entities,omitempty" yaml:"entities,omitempty" toml:"entities,omitempty"`
}

// EntityConfig maps an entity onto a provider's storage.
type EntityConfig struct {
	// Path is the REST collection path.
	Path string `mapstructure:"path" json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`
	// Table is the PostgreSQL table.
	Table string `mapstructure:"table" json:"table,omitempty" yaml:"table,omitempty" toml:"table,omitempty"`
	// Key is the identifier field or primary key column.
	Key string `mapstructure:"key" json:"key,omitempty" yaml:"key,omitempty" toml:"key,omitempty"`
	// ListKey names the field holding items in REST list responses.
	ListKey string `mapstructure:"list_key" json:"list_key,omitempty" yaml:"list_key,omitempty" toml:"list_key,omitempty"`
}

// CacheConfig configures the HTTP response cache of REST providers.
type CacheConfig struct {
	Type   string        `mapstructure:"type" json:"type" yaml:"type" toml:"type"`
	TTL    time.Duration `mapstructure:"ttl" json:"ttl" yaml:"ttl" toml:"ttl"`
	Addr   string        `mapstructure:"addr" json:"addr,omitempty" yaml:"addr,omitempty" toml:"addr,omitempty"`
	Prefix string        `mapstructure:"prefix" json:"prefix,omitempty" yaml:"prefix,omitempty" toml:"prefix,omitempty"`
}

// PipelineConfig configures where changes are read from and how they
// are applied.
type PipelineConfig struct {
	Source      string        `mapstructure:"source" json:"source,omitempty" yaml:"source,omitempty" toml:"source,omitempty"`
	Interval    time.Duration `mapstructure:"interval" json:"interval" yaml:"interval" toml:"interval"`
	BatchSize   int           `mapstructure:"batch_size" json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	Workers     int           `mapstructure:"workers" json:"workers" yaml:"workers" toml:"workers"`
	MaxAttempts int           `mapstructure:"max_attempts" json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	DSN         string        `mapstructure:"dsn" json:"dsn,omitempty" yaml:"dsn,omitempty" toml:"dsn,omitempty"`
	Table       string        `mapstructure:"table" json:"table,omitempty" yaml:"table,omitempty" toml:"table,omitempty"`
	Addr        string        `mapstructure:"addr" json:"addr,omitempty" yaml:"addr,omitempty" toml:"addr,omitempty"`
	Stream      string        `mapstructure:"stream" json:"stream,omitempty" yaml:"stream,omitempty" toml:"stream,omitempty"`
	Group       string        `mapstructure:"group" json:"group,omitempty" yaml:"group,omitempty" toml:"group,omitempty"`
	Consumer    string        `mapstructure:"consumer" json:"consumer,omitempty" yaml:"consumer,omitempty" toml:"consumer,omitempty"`
	Brokers     []string      `mapstructure:"brokers" json:"brokers,omitempty" yaml:"brokers,omitempty" toml:"brokers,omitempty"`
	Topic       string        `mapstructure:"topic" json:"topic,omitempty" yaml:"topic,omitempty" toml:"topic,omitempty"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Cache: CacheConfig{
			Type:   CacheNone,
			TTL:    time.Minute,
			Prefix: "entsync:curler",
		},
		Pipeline: PipelineConfig{
			Interval:    5 * time.Second,
			BatchSize:   100,
			Workers:     1,
			MaxAttempts: 5,
			Table:       "entsync_outbox",
			Stream:      "entsync:changes",
			Group:       "entsync",
			Topic:       "entsync.changes",
		},
	}
}

// Provider returns the provider configuration named name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
