package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/service"
)

// workflowFile is the layout of a workflow definitions file:
//
//	workflows:
//	  - name: Expense approval
//	    workflow_type: expense
//	    conditions:
//	      - {field: amount, operator: greater_than, value: "1000"}
//	    steps:
//	      - {name: Manager, approver: manager-1, approver_kind: user}
type workflowFile struct {
	Workflows []service.CreateWorkflowInput `yaml:"workflows"`
}

func parseWorkflowFile(r io.Reader) ([]service.CreateWorkflowInput, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f workflowFile
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("workflow file is empty")
		}
		return nil, fmt.Errorf("parse workflow file: %w", err)
	}
	if len(f.Workflows) == 0 {
		return nil, fmt.Errorf("workflow file defines no workflows")
	}
	return f.Workflows, nil
}

func newWorkflowsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflows",
		Aliases: []string{"wf"},
		Short:   "Manage approval workflow definitions",
	}
	cmd.AddCommand(newWorkflowsImportCmd(opts))
	return cmd
}

func newWorkflowsImportCmd(opts *options) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create workflows from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireTenant(); err != nil {
				return err
			}

			var r io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			defs, err := parseWorkflowFile(r)
			if err != nil {
				return err
			}

			create, closeFn, err := opts.workflowCreator(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeFn()

			for i, def := range defs {
				def.TenantID = opts.tenant
				def.CreatedBy = &opts.user
				id, err := create(cmd.Context(), def)
				if err != nil {
					return fmt.Errorf("workflow %d (%s): %w", i+1, def.Name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s %s\n", id, def.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with workflow definitions (- for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

type createFunc func(ctx context.Context, in service.CreateWorkflowInput) (string, error)

// workflowCreator returns a function creating one workflow either through
// --server or against the local store.
func (o *options) workflowCreator(ctx context.Context, stderr io.Writer) (createFunc, func(), error) {
	if o.server != "" {
		c, callCtx, err := o.dial(ctx)
		if err != nil {
			return nil, nil, err
		}
		return func(_ context.Context, in service.CreateWorkflowInput) (string, error) {
			var out struct {
				ID string `json:"id"`
			}
			if err := c.CreateWorkflow(callCtx, in, &out); err != nil {
				return "", err
			}
			return out.ID, nil
		}, func() { _ = c.Close() }, nil
	}

	a, err := o.openLocal(ctx, stderr)
	if err != nil {
		return nil, nil, err
	}
	return func(ctx context.Context, in service.CreateWorkflowInput) (string, error) {
		wf, err := a.Services.Workflows.CreateWorkflow(ctx, in)
		if err != nil {
			return "", err
		}
		return wf.ID, nil
	}, a.Close, nil
}
