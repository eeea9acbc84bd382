package workflow

import (
	"context"
	"strings"
	"time"
)

// WorkflowStatus is the administrative state of a Workflow.
type WorkflowStatus string

const (
	WorkflowNormal   WorkflowStatus = "NORMAL"
	WorkflowDisabled WorkflowStatus = "DISABLED"
)

// Workflow is an administrator-managed workflow: a business code, display
// data and the raw definition document compiled on registration.
type Workflow struct {
	ID          string         `json:"id"`
	Code        string         `json:"code"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Definition  string         `json:"definition"`
	Status      WorkflowStatus `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// NewWorkflow returns an enabled workflow. Code, name and definition are
// required; all text fields are trimmed.
func NewWorkflow(id, code, name, description, definition string, now time.Time) (*Workflow, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, &ValidationError{Field: "code", Message: "workflow code is required"}
	}
	w := &Workflow{
		ID:        strings.TrimSpace(id),
		Code:      code,
		Status:    WorkflowNormal,
		CreatedAt: now,
	}
	if w.ID == "" {
		return nil, &ValidationError{Field: "id", Message: "workflow id is required"}
	}
	if err := w.UpdateInfo(name, description, definition, now); err != nil {
		return nil, err
	}
	return w, nil
}

// UpdateInfo replaces the name, description and definition.
func (w *Workflow) UpdateInfo(name, description, definition string, now time.Time) error {
	name = strings.TrimSpace(name)
	definition = strings.TrimSpace(definition)
	if name == "" {
		return &ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if definition == "" {
		return &ValidationError{Field: "definition", Message: "workflow definition is required"}
	}
	w.Name = name
	w.Description = strings.TrimSpace(description)
	w.Definition = definition
	w.UpdatedAt = now
	return nil
}

// Enable marks the workflow runnable.
func (w *Workflow) Enable(now time.Time) {
	w.Status = WorkflowNormal
	w.UpdatedAt = now
}

// Disable marks the workflow not runnable.
func (w *Workflow) Disable(now time.Time) {
	w.Status = WorkflowDisabled
	w.UpdatedAt = now
}

// IsEnabled reports whether the workflow may be executed.
func (w *Workflow) IsEnabled() bool { return w.Status == WorkflowNormal }

// MatchesCode reports whether the workflow carries code.
func (w *Workflow) MatchesCode(code string) bool { return w.Code == code }

// WorkflowSource loads stored workflows by id or business code.
//
// Both methods return an error matching ErrNotFound when nothing matches.
type WorkflowSource interface {
	FindByID(ctx context.Context, id string) (*Workflow, error)
	FindByCode(ctx context.Context, code string) (*Workflow, error)
}

// ExecutionRepository persists ExecutionRecords for the Orchestrator.
//
// Get returns an error matching ErrNotFound for unknown ids. Implementations
// must store copies: the Orchestrator keeps mutating its own record.
type ExecutionRepository interface {
	Create(ctx context.Context, rec *ExecutionRecord) error
	Update(ctx context.Context, rec *ExecutionRecord) error
	Get(ctx context.Context, id string) (*ExecutionRecord, error)
}

// CompletionEvent announces that an execution reached a terminal state.
// Output is set for SUCCESS and ErrorMessage for FAILED.
type CompletionEvent struct {
	ExecutionID  string          `json:"executionId"`
	WorkflowID   string          `json:"workflowId"`
	UserID       string          `json:"userId"`
	Status       ExecutionStatus `json:"status"`
	Output       string          `json:"output,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	OccurredAt   time.Time       `json:"occurredAt"`
}

// EventSink accepts completion events. Delivery is at-least-once, so
// consumers must tolerate duplicates.
type EventSink interface {
	Publish(ctx context.Context, event CompletionEvent) error
}
