package commands

import (
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
)

func newGenerateCmd(opts *options) *cobra.Command {
	var triggeredBy string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run recurring generation for a tenant",
		Long:  "Materializes every due recurring template of the tenant and prints the run summary. Meant to be called from cron or another external scheduler.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireTenant(); err != nil {
				return err
			}
			ctx := cmd.Context()

			if opts.server != "" {
				c, ctx, err := opts.dial(ctx)
				if err != nil {
					return err
				}
				defer c.Close()

				var run repository.GenerationLog
				if err := c.RunGeneration(ctx, triggeredBy, &run); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), run)
			}

			a, err := opts.openLocal(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.Services.Generation.Run(ctx, opts.tenant, triggeredBy)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}

	cmd.Flags().StringVar(&triggeredBy, "triggered-by", "scheduler", "Recorded as the run's trigger")
	return cmd
}
