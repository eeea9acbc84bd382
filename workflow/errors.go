package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is the root of every "does not exist" error returned by
	// repositories and by the typed not-found errors in this package.
	ErrNotFound = errors.New("not found")

	// ErrBackpressure is returned when the execution pool has no free worker
	// and its queue is full.
	ErrBackpressure = errors.New("execution pool saturated")

	// ErrPoolClosed is returned when submitting to a pool that has been closed.
	ErrPoolClosed = errors.New("execution pool is closed")

	// ErrCodeExists is returned when creating a workflow whose code is taken.
	ErrCodeExists = errors.New("workflow code already exists")

	// ErrStaleDefinition is returned by Registry.RegisterRawSince when the
	// workflow was refreshed after its definition was read.
	ErrStaleDefinition = errors.New("workflow definition changed while registering")
)

// ValidationError reports a malformed definition, a disabled workflow, or
// any other input rejected before execution starts.
type ValidationError struct {
	// Field names the offending part of the input, e.g. "steps[1].input".
	// Empty for whole-document problems.
	Field string

	// Message describes the problem.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return "validation failed: " + e.Field + ": " + e.Message
}

// NotRegisteredError is returned by Registry.Execute for an unknown workflow.
type NotRegisteredError struct {
	WorkflowID string
}

// Error implements the error interface.
func (e *NotRegisteredError) Error() string {
	return "workflow " + e.WorkflowID + " is not registered"
}

// AgentInvocationError wraps the failure of a single step's agent call.
// It aborts the run and becomes the run's terminal error.
type AgentInvocationError struct {
	StepID   string
	AgentRef string
	Cause    error
}

// Error implements the error interface.
func (e *AgentInvocationError) Error() string {
	cause := "unknown error"
	if e.Cause != nil {
		cause = e.Cause.Error()
	}
	return fmt.Sprintf("step %s (agent %s) failed: %s", e.StepID, e.AgentRef, cause)
}

// Unwrap returns the underlying agent error.
func (e *AgentInvocationError) Unwrap() error {
	return e.Cause
}

// ExecutionNotFoundError is returned when querying an unknown execution.
type ExecutionNotFoundError struct {
	ExecutionID string
}

// Error implements the error interface.
func (e *ExecutionNotFoundError) Error() string {
	return "execution " + e.ExecutionID + " not found"
}

// Is reports whether target is ErrNotFound.
func (e *ExecutionNotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// WorkflowNotFoundError is returned when a workflow identifier or code does
// not resolve to a stored workflow.
type WorkflowNotFoundError struct {
	Identifier string
}

// Error implements the error interface.
func (e *WorkflowNotFoundError) Error() string {
	return "workflow " + e.Identifier + " not found"
}

// Is reports whether target is ErrNotFound.
func (e *WorkflowNotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// TransitionError is returned when an execution record is asked to leave a
// terminal state.
type TransitionError struct {
	From    ExecutionStatus
	Trigger string
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("execution in state %s cannot %s", e.From, e.Trigger)
}
