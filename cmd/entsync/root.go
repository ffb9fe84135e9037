package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/erfanmomeniii/entsync/internal/app"
	"github.com/erfanmomeniii/entsync/internal/config"
	"github.com/erfanmomeniii/entsync/internal/output"
)

// cli carries the state shared by every command.
type cli struct {
	stdout io.Writer
	stderr io.Writer
	loader config.Provider

	configFile string
	logLevel   string
	outputFmt  string

	cfg    *config.Config
	logger *slog.Logger
	format output.Format
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	return newCLI(stdout, stderr, config.NewProvider()).command()
}

func newCLI(stdout, stderr io.Writer, loader config.Provider) *cli {
	return &cli{stdout: stdout, stderr: stderr, loader: loader}
}

func (c *cli) command() *cobra.Command {
	root := &cobra.Command{
		Use:   "entsync",
		Short: "Synchronize entities across backends",
		Long: `entsync reads and writes entities through providers such as REST APIs,
PostgreSQL, Redis and S3, and applies change streams to them.

Providers, entity bindings and pipelines are configured in entsync.yaml,
entsync.toml or entsync.json, found in the working directory or in
$XDG_CONFIG_HOME/entsync. ENTSYNC_* environment variables override the file.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (default is ./entsync.yaml or $XDG_CONFIG_HOME/entsync/entsync.yaml)")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVarP(&c.outputFmt, "output", "o", "json", "output format: json, yaml or toml")

	root.AddCommand(
		c.getCommand(),
		c.listCommand(),
		c.createCommand(),
		c.updateCommand(),
		c.deleteCommand(),
		c.opsCommand(),
		c.providersCommand(),
		c.configCommand(),
		c.runCommand(),
		versionCommand(),
	)
	return root
}

// setup loads the configuration and the logger before any command runs.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	format, err := output.ParseFormat(c.outputFmt)
	if err != nil {
		return err
	}
	c.format = format

	opts := config.LoadOptions{ConfigFile: c.configFile}
	if c.logLevel != "" {
		opts.Overrides = map[string]any{"log_level": c.logLevel}
	}
	cfg, err := c.loader.Load(cmd.Context(), opts)
	if err != nil {
		return err
	}
	c.cfg = cfg

	c.logger, err = newLogger(c.stderr, cfg.LogLevel, cfg.LogFormat)
	return err
}

// newLogger returns a slog logger writing through charmbracelet/log.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var formatter log.Formatter
	switch strings.ToLower(format) {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	default:
		formatter = log.TextFormatter
	}
	handler := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Formatter:       formatter,
		ReportTimestamp: true,
		Prefix:          "entsync",
	})
	return slog.New(handler), nil
}

// withApp builds the application, runs fn and closes it.
func (c *cli) withApp(ctx context.Context, fn func(a *app.App) error) error {
	a, err := app.New(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			c.logger.Warn("failed to close providers", "error", err)
		}
	}()
	return fn(a)
}

func (c *cli) print(v any) error {
	return output.Write(c.stdout, c.format, v)
}
