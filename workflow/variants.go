package workflow

import (
	"context"
	"log/slog"
	"time"
)

// Generic is a Hooks value for plain workflow runs with no completion
// side effects.
type Generic struct {
	Identifier string
	Input      string
	User       string
	Find       func(ctx context.Context, identifier string) (*Workflow, error)
}

func (g Generic) WorkflowIdentifier() string { return g.Identifier }
func (g Generic) InputData() string          { return g.Input }
func (g Generic) UserID() string             { return g.User }

func (g Generic) FindWorkflow(ctx context.Context, identifier string) (*Workflow, error) {
	return g.Find(ctx, identifier)
}

// GenericByID runs the workflow whose id is id.
func GenericByID(src WorkflowSource, id, input, userID string) Generic {
	return Generic{Identifier: id, Input: input, User: userID, Find: src.FindByID}
}

// GenericByCode runs the workflow whose business code is code.
func GenericByCode(src WorkflowSource, code, input, userID string) Generic {
	return Generic{Identifier: code, Input: input, User: userID, Find: src.FindByCode}
}

// ExecuteGeneric starts g with no-op completion hooks.
func (o *Orchestrator) ExecuteGeneric(ctx context.Context, g Generic) (string, error) {
	return o.Execute(ctx, g, CompletionHooks{})
}

// OutfitRecommendCode is the business code of the outfit recommendation workflow.
const OutfitRecommendCode = "OUTFIT_RECOMMEND"

// OutfitRecommend runs the outfit recommendation workflow for a user prompt
// and publishes a CompletionEvent when it finishes.
type OutfitRecommend struct {
	Source WorkflowSource
	Sink   EventSink
	Prompt string
	User   string
}

func (r OutfitRecommend) WorkflowIdentifier() string { return OutfitRecommendCode }
func (r OutfitRecommend) InputData() string          { return r.Prompt }
func (r OutfitRecommend) UserID() string             { return r.User }

func (r OutfitRecommend) FindWorkflow(ctx context.Context, code string) (*Workflow, error) {
	return r.Source.FindByCode(ctx, code)
}

// Completion returns hooks that publish SUCCESS and FAILED events to r.Sink.
// Publish failures are logged; the execution record is already final.
func (r OutfitRecommend) Completion(logger *slog.Logger) CompletionHooks {
	if logger == nil {
		logger = slog.Default()
	}
	publish := func(ctx context.Context, ev CompletionEvent) {
		if r.Sink == nil {
			return
		}
		ev.OccurredAt = time.Now()
		if err := r.Sink.Publish(ctx, ev); err != nil {
			logger.Error("failed to publish outfit recommendation event",
				"execution_id", ev.ExecutionID, "status", ev.Status, "error", err)
		}
	}
	return CompletionHooks{
		OnSuccess: func(ctx context.Context, executionID, workflowID, userID, output string) {
			publish(ctx, CompletionEvent{
				ExecutionID: executionID,
				WorkflowID:  workflowID,
				UserID:      userID,
				Status:      StatusSuccess,
				Output:      output,
			})
		},
		OnFailure: func(ctx context.Context, executionID, workflowID, userID, errorMessage string) {
			publish(ctx, CompletionEvent{
				ExecutionID:  executionID,
				WorkflowID:   workflowID,
				UserID:       userID,
				Status:       StatusFailed,
				ErrorMessage: errorMessage,
			})
		},
	}
}

// ExecuteOutfitRecommend starts r with its event-publishing hooks.
func (o *Orchestrator) ExecuteOutfitRecommend(ctx context.Context, r OutfitRecommend) (string, error) {
	return o.Execute(ctx, r, r.Completion(o.logger))
}
