package workflow

import (
	"strings"
	"time"

	"github.com/qmuntal/stateless"
)

// ExecutionStatus is the lifecycle state of an ExecutionRecord.
type ExecutionStatus string

const (
	StatusRunning ExecutionStatus = "RUNNING"
	StatusSuccess ExecutionStatus = "SUCCESS"
	StatusFailed  ExecutionStatus = "FAILED"
)

// Terminal reports whether s admits no further transition.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

const (
	triggerSucceed = "succeed"
	triggerFail    = "fail"
)

// ExecutionRecord tracks one asynchronous run of a workflow.
//
// A record starts RUNNING and moves exactly once to SUCCESS or FAILED.
// Output is set only on success and ErrorMessage only on failure.
// CompletedAt is nil while running.
type ExecutionRecord struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflowId"`
	UserID       string          `json:"userId,omitempty"`
	Status       ExecutionStatus `json:"status"`
	Input        string          `json:"input"`
	Output       string          `json:"output,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
}

// NewExecutionRecord returns a RUNNING record started at now.
func NewExecutionRecord(id, workflowID, userID, input string, now time.Time) (*ExecutionRecord, error) {
	id = strings.TrimSpace(id)
	workflowID = strings.TrimSpace(workflowID)
	if id == "" {
		return nil, &ValidationError{Field: "executionId", Message: "execution id is required"}
	}
	if workflowID == "" {
		return nil, &ValidationError{Field: "workflowId", Message: "workflow id is required"}
	}
	return &ExecutionRecord{
		ID:         id,
		WorkflowID: workflowID,
		UserID:     userID,
		Status:     StatusRunning,
		Input:      input,
		StartedAt:  now,
	}, nil
}

// lifecycle builds the transition table positioned at status.
func lifecycle(status ExecutionStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(status)
	sm.Configure(StatusRunning).
		Permit(triggerSucceed, StatusSuccess).
		Permit(triggerFail, StatusFailed)
	sm.Configure(StatusSuccess)
	sm.Configure(StatusFailed)
	return sm
}

func (r *ExecutionRecord) fire(trigger string) error {
	sm := lifecycle(r.Status)
	if err := sm.Fire(trigger); err != nil {
		return &TransitionError{From: r.Status, Trigger: trigger}
	}
	r.Status = sm.MustState().(ExecutionStatus)
	return nil
}

// Succeed moves a running record to SUCCESS with output.
func (r *ExecutionRecord) Succeed(output string, now time.Time) error {
	if err := r.fire(triggerSucceed); err != nil {
		return err
	}
	r.Output = output
	r.ErrorMessage = ""
	r.CompletedAt = &now
	return nil
}

// Fail moves a running record to FAILED. message must not be blank.
func (r *ExecutionRecord) Fail(message string, now time.Time) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return &ValidationError{Field: "errorMessage", Message: "error message is required"}
	}
	if err := r.fire(triggerFail); err != nil {
		return err
	}
	r.ErrorMessage = message
	r.CompletedAt = &now
	return nil
}

// IsCompleted reports whether the record is terminal.
func (r *ExecutionRecord) IsCompleted() bool { return r.Status.Terminal() }

// IsRunning reports whether the record is still RUNNING.
func (r *ExecutionRecord) IsRunning() bool { return r.Status == StatusRunning }

// IsSuccess reports whether the record ended in SUCCESS.
func (r *ExecutionRecord) IsSuccess() bool { return r.Status == StatusSuccess }

// IsFailed reports whether the record ended in FAILED.
func (r *ExecutionRecord) IsFailed() bool { return r.Status == StatusFailed }

// Duration is (CompletedAt or now) minus StartedAt.
func (r *ExecutionRecord) Duration(now time.Time) time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	end := now
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	return end.Sub(r.StartedAt)
}

// DurationMillis is Duration in whole milliseconds.
func (r *ExecutionRecord) DurationMillis(now time.Time) int64 {
	return r.Duration(now).Milliseconds()
}

// IsTimeout reports whether a running record has exceeded threshold.
// A terminal record is never timed out, however long it took.
func (r *ExecutionRecord) IsTimeout(threshold time.Duration, now time.Time) bool {
	if !r.IsRunning() {
		return false
	}
	return r.Duration(now) > threshold
}

// Clone returns a deep copy.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
