package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/agentflow/workflow"
)

func newWorkflowCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage stored workflows",
	}
	cmd.AddCommand(
		newWorkflowCreateCmd(a),
		newWorkflowUpdateCmd(a),
		newWorkflowStatusCmd(a, "enable"),
		newWorkflowStatusCmd(a, "disable"),
		newWorkflowListCmd(a),
		newWorkflowShowCmd(a),
	)
	return cmd
}

func newWorkflowCreateCmd(a *app) *cobra.Command {
	var code, name, description, file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Store a new workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(file)
			if err != nil {
				return err
			}
			rt, cleanup, err := a.runtime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			wf, err := rt.catalog.Create(cmd.Context(), code, name, description, def)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", wf.Code, wf.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "business code, e.g. OUTFIT_RECOMMEND")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVarP(&file, "file", "f", "", "definition file (JSON or YAML)")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newWorkflowUpdateCmd(a *app) *cobra.Command {
	var name, description, file string
	cmd := &cobra.Command{
		Use:   "update <id|code>",
		Short: "Replace a workflow's name, description or definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := a.runtime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			wf, err := findWorkflow(cmd, rt, args[0])
			if err != nil {
				return err
			}
			def := wf.Definition
			if file != "" {
				if def, err = readDefinition(file); err != nil {
					return err
				}
			}
			if !cmd.Flags().Changed("name") {
				name = wf.Name
			}
			if !cmd.Flags().Changed("description") {
				description = wf.Description
			}

			updated, err := rt.catalog.Update(cmd.Context(), wf.ID, name, description, def)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %s (%s)\n", updated.Code, updated.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVarP(&file, "file", "f", "", "definition file (JSON or YAML)")
	return cmd
}

func newWorkflowStatusCmd(a *app, action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id|code>",
		Short: action + " a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := a.runtime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			wf, err := findWorkflow(cmd, rt, args[0])
			if err != nil {
				return err
			}
			if action == "enable" {
				wf, err = rt.catalog.Enable(cmd.Context(), wf.ID)
			} else {
				wf, err = rt.catalog.Disable(cmd.Context(), wf.ID)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", wf.Code, wf.Status)
			return nil
		},
	}
}

func newWorkflowListCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := a.runtime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			var wfs []*workflow.Workflow
			if all {
				wfs, err = rt.catalog.List(cmd.Context())
			} else {
				wfs, err = rt.catalog.ListEnabled(cmd.Context())
			}
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CODE\tSTATUS\tID\tNAME")
			for _, wf := range wfs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", wf.Code, wf.Status, wf.ID, wf.Name)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include disabled workflows")
	return cmd
}

func newWorkflowShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|code>",
		Short: "Print a stored workflow as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := a.runtime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			wf, err := findWorkflow(cmd, rt, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), wf)
		},
	}
}

// findWorkflow resolves an argument as an id first, then as a code.
func findWorkflow(cmd *cobra.Command, rt *runtime, identifier string) (*workflow.Workflow, error) {
	wf, err := rt.catalog.FindByID(cmd.Context(), identifier)
	if err == nil {
		return wf, nil
	}
	if !errors.Is(err, workflow.ErrNotFound) {
		return nil, err
	}
	return rt.catalog.FindByCode(cmd.Context(), identifier)
}

func newExecutionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execution",
		Short: "Inspect execution records",
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print an execution record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := a.runtime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			rec, err := rt.orch.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}

	var (
		workflowID string
		limit      int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := a.runtime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			recs, err := rt.store.ListExecutions(cmd.Context(), workflowID, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWORKFLOW\tSTATUS\tUSER\tSTARTED")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.WorkflowID, r.Status, r.UserID, r.StartedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVarP(&workflowID, "workflow", "w", "", "only executions of this workflow id")
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum records; 0 lists all")

	cmd.AddCommand(show, list)
	return cmd
}
