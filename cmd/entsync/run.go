package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/erfanmomeniii/entsync/internal/app"
)

func (c *cli) runCommand() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Apply changes from the configured pipeline source",
		Long: `Run reads changes from the configured source (a PostgreSQL outbox,
a Redis stream or a Kafka topic) and applies them through the providers
until interrupted. Changes that keep failing are dead-lettered.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if source != "" {
				c.cfg.Pipeline.Source = source
			}
			return c.withApp(cmd.Context(), func(a *app.App) error {
				p, err := a.Pipeline(cmd.Context())
				if err != nil {
					return err
				}
				defer func() {
					if err := p.Close(); err != nil {
						c.logger.Warn("failed to close pipeline", "error", err)
					}
				}()

				c.logger.Info("running pipeline", "source", a.Config.Pipeline.Source)
				err = p.Run(cmd.Context())

				dead, countErr := p.DeadLettered(context.WithoutCancel(cmd.Context()))
				if countErr == nil && dead > 0 {
					c.logger.Warn("changes were dead-lettered", "count", dead)
				}
				details := p.Health.Details()
				c.logger.Info("pipeline stopped", "status", details.Status, "error", err)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "override the pipeline source: outbox, redis or kafka")
	return cmd
}
