// Package commands implements bookctl, the operator CLI.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/app"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/client"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/config"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/logger"
)

// options are the persistent flags shared by every command.
type options struct {
	server string
	token  string
	tenant string
	user   string

	// loadConfig is replaced in tests.
	loadConfig func() (*config.Config, error)
}

// NewRootCmd builds the bookctl command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&options{loadConfig: config.Load})
}

func newRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "bookctl",
		Short:         "Operate the bookkeeping workflows service",
		Long:          "Run migrations, trigger recurring generation and import workflow definitions, either against the configured database or a running server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.server, "server", "", "gRPC address of a running server (default: use the configured database directly)")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "Bearer token sent to --server")
	root.PersistentFlags().StringVarP(&opts.tenant, "tenant", "t", "", "Tenant ID")
	root.PersistentFlags().StringVarP(&opts.user, "user", "u", "bookctl", "Acting user ID")

	root.AddCommand(newMigrateCmd(opts))
	root.AddCommand(newGenerateCmd(opts))
	root.AddCommand(newWorkflowsCmd(opts))
	root.AddCommand(newTokenCmd(opts))
	return root
}

// Execute runs bookctl.
func Execute() error {
	return NewRootCmd().Execute()
}

func (o *options) requireTenant() error {
	if o.tenant == "" {
		return fmt.Errorf("--tenant is required")
	}
	return nil
}

// openLocal wires the services against the configured store. Logs go to
// stderr so stdout stays machine-readable.
func (o *options) openLocal(ctx context.Context, stderr io.Writer) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: "cli",
		ServiceName: "bookctl",
		Version:     cfg.Service.Version,
		Output:      stderr,
	})
	return app.New(ctx, cfg, nil, log)
}

// dial connects to --server and returns a context carrying the caller's
// identity.
func (o *options) dial(ctx context.Context) (*client.WorkflowClient, context.Context, error) {
	c, err := client.DialWorkflowService(o.server)
	if err != nil {
		return nil, nil, err
	}
	return c, client.WithIdentity(ctx, o.token, o.tenant, o.user), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
