// Package store persists workflows and execution records.
//
// Three implementations share one contract:
//   - MemStore: maps guarded by a mutex, for tests and single-process use
//   - SQLiteStore: a single-file database via modernc.org/sqlite
//   - MySQLStore: MySQL/MariaDB via go-sql-driver/mysql
//
// Every lookup of a missing row returns an error matching ErrNotFound, and
// inserting a workflow whose code is taken returns ErrCodeExists.
//
// Outfit recommendation records live next to the executions, so a process
// that requests a recommendation and one that settles it can be different
// processes sharing a SQL backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/agentflow/workflow"
)

var (
	// ErrNotFound is returned when a requested workflow or execution does
	// not exist. It is the same value as workflow.ErrNotFound.
	ErrNotFound = workflow.ErrNotFound

	// ErrCodeExists is returned by SaveWorkflow for a duplicate code.
	ErrCodeExists = workflow.ErrCodeExists

	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("store is closed")

	// ErrDuplicate is returned when inserting a row whose key is taken.
	ErrDuplicate = errors.New("duplicate key")

	// ErrConflict is returned by a conditional update whose precondition no
	// longer holds.
	ErrConflict = errors.New("row changed concurrently")
)

// WorkflowStore persists administrator-managed workflows.
type WorkflowStore interface {
	// SaveWorkflow inserts wf. Returns ErrCodeExists when wf.Code is taken.
	SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error

	// UpdateWorkflow replaces the stored row for wf.ID. Returns ErrNotFound
	// when no such row exists.
	UpdateWorkflow(ctx context.Context, wf *workflow.Workflow) error

	// GetWorkflow loads a workflow by id.
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)

	// GetWorkflowByCode loads a workflow by business code.
	GetWorkflowByCode(ctx context.Context, code string) (*workflow.Workflow, error)

	// ExistsByCode reports whether a workflow with code is stored.
	ExistsByCode(ctx context.Context, code string) (bool, error)

	// ListWorkflows returns stored workflows ordered by code, optionally only
	// the enabled ones.
	ListWorkflows(ctx context.Context, enabledOnly bool) ([]*workflow.Workflow, error)
}

// ExecutionStore persists execution records.
type ExecutionStore interface {
	workflow.ExecutionRepository

	// ListExecutions returns the most recently started records, newest
	// first. An empty workflowID lists every workflow; limit <= 0 means no
	// limit.
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]*workflow.ExecutionRecord, error)
}

// Recommendation is a stored outfit recommendation request. Status holds
// the recommendation's own lifecycle (PENDING, COMPLETED, FAILED).
type Recommendation struct {
	ID          string
	ExecutionID string
	UserID      string
	Prompt      string
	Status      string
	OutfitID    string
	FailReason  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RecommendationStore persists recommendation records.
type RecommendationStore interface {
	// SaveRecommendation inserts r. Returns ErrDuplicate when r.ID or
	// r.ExecutionID is taken.
	SaveRecommendation(ctx context.Context, r *Recommendation) error

	// SettleRecommendation stores r's status, outfit, reason and update
	// time, but only while the stored status equals from. Returns
	// ErrNotFound for an unknown id and ErrConflict when the status moved.
	SettleRecommendation(ctx context.Context, r *Recommendation, from string) error

	// GetRecommendation loads a record by id.
	GetRecommendation(ctx context.Context, id string) (*Recommendation, error)

	// GetRecommendationByExecution loads the record for an execution.
	GetRecommendationByExecution(ctx context.Context, executionID string) (*Recommendation, error)

	// ListRecommendations returns a user's records, newest first.
	ListRecommendations(ctx context.Context, userID string) ([]*Recommendation, error)
}

// Store is a complete backend.
type Store interface {
	WorkflowStore
	ExecutionStore
	RecommendationStore

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources. Further calls return ErrClosed.
	Close() error
}

func cloneWorkflow(wf *workflow.Workflow) *workflow.Workflow {
	cp := *wf
	return &cp
}

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MySQLStore)(nil)
)
