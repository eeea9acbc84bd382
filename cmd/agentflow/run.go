package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/agentflow/workflow"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Compile a workflow definition and print its steps in execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			def, err := workflow.CompileString(raw)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if def.Name() != "" {
				fmt.Fprintf(out, "%s (%d steps)\n", def.Name(), def.Len())
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ORDER\tSTEP\tAGENT\tINPUT")
			for _, s := range def.Steps() {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Order, s.ID, s.AgentRef, s.Input)
			}
			return tw.Flush()
		},
	}
}

func newRunCmd(a *app) *cobra.Command {
	var (
		input   string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a workflow definition synchronously with the configured agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			def, err := workflow.CompileString(raw)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, cleanup, err := a.runtime(ctx, true)
			if err != nil {
				return err
			}
			defer cleanup()

			ec := make(workflow.ExecutionContext, def.Len())
			output, err := rt.engine.RunWithContext(ctx, def, input, ec)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if verbose {
				for _, s := range def.Steps() {
					fmt.Fprintf(out, "[%s] %s\n", s.ID, ec[s.ID])
				}
			}
			fmt.Fprintln(out, output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "run input for steps reading runInput")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every step's output")
	return cmd
}
