package main

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/erfanmomeniii/entsync"
	"github.com/erfanmomeniii/entsync/internal/app"
)

type operationInfo struct {
	Operation string `json:"operation" yaml:"operation" toml:"operation"`
	Native    bool   `json:"native" yaml:"native" toml:"native"`
}

type entityInfo struct {
	Entity     string          `json:"entity" yaml:"entity" toml:"entity"`
	Provider   string          `json:"provider" yaml:"provider" toml:"provider"`
	Operations []operationInfo `json:"operations" yaml:"operations" toml:"operations"`
}

func (c *cli) opsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ops <entity>...",
		Short: "Show which operations entities support",
		Long: `Show the operations each entity supports on its provider. Operations
that are not native are emulated with the single-entity handler.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				var out []entityInfo
				for _, entity := range args {
					d, err := a.Registry.For(entity)
					if err != nil {
						return err
					}
					info := entityInfo{Entity: entsync.EntityKey(entity), Provider: d.Name()}
					for _, op := range d.Operations(entity) {
						info.Operations = append(info.Operations, operationInfo{
							Operation: op.String(),
							Native:    d.Native(entity, op),
						})
					}
					out = append(out, info)
				}
				return c.print(out)
			})
		},
	}
}

type providerInfo struct {
	Name     string   `json:"name" yaml:"name" toml:"name"`
	Default  bool     `json:"default" yaml:"default" toml:"default"`
	Entities []string `json:"entities,omitempty" yaml:"entities,omitempty" toml:"entities,omitempty"`
	Healthy  bool     `json:"healthy" yaml:"healthy" toml:"healthy"`
	Error    string   `json:"error,omitempty" yaml:"error,omitempty" toml:"error,omitempty"`
}

func (c *cli) providersCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List providers and check their health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()
				health := a.Registry.HealthCheck(ctx)

				bound := make(map[string][]string)
				bindings := a.Registry.Bindings()
				for _, entity := range slices.Sorted(maps.Keys(bindings)) {
					bound[bindings[entity]] = append(bound[bindings[entity]], entity)
				}

				var out []providerInfo
				for _, name := range a.Registry.Providers() {
					info := providerInfo{
						Name:     name,
						Default:  name == a.Registry.Default(),
						Entities: bound[name],
						Healthy:  health[name] == nil,
					}
					if err := health[name]; err != nil {
						info.Error = err.Error()
					}
					out = append(out, info)
				}
				return c.print(out)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "health check timeout")
	return cmd
}

func (c *cli) configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return c.print(c.cfg)
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// The version needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("entsync %s (commit: %s)\n", Version, Commit)
		},
	}
}
