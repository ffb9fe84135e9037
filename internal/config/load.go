package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// LoadOptions defines explicit configuration loading inputs.
type LoadOptions struct {
	// ConfigFile forces loading from a specific file when set.
	ConfigFile string
	// ConfigDir overrides the user config directory when set.
	ConfigDir string
	// Overrides are applied above every other source, keyed like the
	// file ("log_level", "pipeline.batch_size").
	Overrides map[string]any
}

// Provider loads configuration from explicit options.
type Provider interface {
	Load(ctx context.Context, opts LoadOptions) (*Config, error)
}

type fileProvider struct{}

// NewProvider creates a provider reading files and the environment.
func NewProvider() Provider {
	return &fileProvider{}
}

// Load reads, decodes and validates the configuration.
func (p *fileProvider) Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	cfg, _, err := Load(ctx, opts)
	return cfg, err
}

// Dir returns $XDG_CONFIG_HOME/entsync, or ~/.config/entsync.
func Dir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, AppName), nil
}

// Load reads the configuration and returns it with the path of the file
// used, which is empty when only defaults and the environment applied.
//
// Precedence, highest first: Overrides, ENTSYNC_* variables, the config
// file, defaults. Files are searched as entsync.{yaml,yml,toml,json} in
// the working directory and then in Dir().
func Load(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", fmt.Errorf("load config canceled: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		dir := opts.ConfigDir
		if dir == "" {
			if d, err := Dir(); err == nil {
				dir = d
			}
		}
		if dir != "" {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, "", fmt.Errorf("read config: %w", err)
			}
		}
	}

	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, v.ConfigFileUsed(), err
	}
	return &cfg, v.ConfigFileUsed(), nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("default_provider", d.DefaultProvider)
	v.SetDefault("cache.type", d.Cache.Type)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.addr", d.Cache.Addr)
	v.SetDefault("cache.prefix", d.Cache.Prefix)
	v.SetDefault("pipeline.source", d.Pipeline.Source)
	v.SetDefault("pipeline.interval", d.Pipeline.Interval)
	v.SetDefault("pipeline.batch_size", d.Pipeline.BatchSize)
	v.SetDefault("pipeline.workers", d.Pipeline.Workers)
	v.SetDefault("pipeline.max_attempts", d.Pipeline.MaxAttempts)
	v.SetDefault("pipeline.dsn", d.Pipeline.DSN)
	v.SetDefault("pipeline.table", d.Pipeline.Table)
	v.SetDefault("pipeline.addr", d.Pipeline.Addr)
	v.SetDefault("pipeline.stream", d.Pipeline.Stream)
	v.SetDefault("pipeline.group", d.Pipeline.Group)
	v.SetDefault("pipeline.consumer", d.Pipeline.Consumer)
	_ = v.BindEnv("pipeline.brokers")
	v.SetDefault("pipeline.topic", d.Pipeline.Topic)
}
