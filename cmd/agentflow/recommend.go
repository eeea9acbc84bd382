package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/agentflow/internal/recommend"
	"github.com/dshills/agentflow/workflow"
)

func newRecommendCmd(a *app) *cobra.Command {
	var (
		user, prompt, file string
		wait               time.Duration
	)
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Request an outfit recommendation and wait for the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, cleanup, err := a.runtime(ctx, true)
			if err != nil {
				return err
			}
			defer cleanup()

			if file != "" {
				if err := ensureOutfitWorkflow(ctx, rt, file); err != nil {
					return err
				}
			}

			consumer := rt.recommendConsumer()
			settled := make(chan string, 16)
			err = rt.consume(ctx, func(ctx context.Context, ev workflow.CompletionEvent) error {
				err := consumer.Handle(ctx, ev)
				settled <- ev.ExecutionID
				return err
			})
			if err != nil {
				return err
			}

			svc := recommend.NewService(rt.orch, rt.catalog, rt.sink, rt.recommendations, a.logger)
			rec, err := svc.Request(ctx, user, prompt)
			if errors.Is(err, workflow.ErrNotFound) {
				return fmt.Errorf("%w (store one with --file or `agentflow workflow create --code %s`)",
					err, workflow.OutfitRecommendCode)
			}
			if err != nil {
				return err
			}

			timeout := time.After(wait)
			for {
				select {
				case id := <-settled:
					if id != rec.ExecutionID {
						continue
					}
					final, err := svc.Get(ctx, rec.ID)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), final)
				case <-timeout:
					return fmt.Errorf("recommendation %s not settled after %s", rec.ID, wait)
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "requesting user id")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "what the outfit is for")
	cmd.Flags().StringVarP(&file, "file", "f", "", "definition to store as "+workflow.OutfitRecommendCode+" when it does not exist")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "how long to wait for the result")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func ensureOutfitWorkflow(ctx context.Context, rt *runtime, file string) error {
	unique, err := rt.catalog.IsCodeUnique(ctx, workflow.OutfitRecommendCode)
	if err != nil || !unique {
		return err
	}
	def, err := readDefinition(file)
	if err != nil {
		return err
	}
	_, err = rt.catalog.Create(ctx, workflow.OutfitRecommendCode, "Outfit recommendation", "", def)
	return err
}
