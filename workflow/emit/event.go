package emit

// Event is an observability record produced while a workflow executes.
//
// Run-level events (run_start, run_end, run_error) carry Step 0 and an empty
// StepID. Step-level events carry the 1-indexed position of the step in
// execution order.
type Event struct {
	// ExecutionID identifies the execution. Empty for synchronous runs that
	// were not started through an orchestrator.
	ExecutionID string

	// WorkflowID identifies the workflow definition being run.
	WorkflowID string

	// Step is the 1-indexed position of the step, or 0.
	Step int

	// StepID is the definition's identifier for the step.
	StepID string

	// Msg names the event, e.g. "step_start".
	Msg string

	// Meta holds event-specific data. Common keys:
	//   - "agent_ref": agent capability invoked by the step
	//   - "latency_ms": step or run duration in milliseconds
	//   - "error": error text; marks the event as a failure
	//   - "user_id": user that requested the execution
	Meta map[string]interface{}
}

// Event names emitted by the engine and orchestrator.
const (
	MsgRunStart      = "run_start"
	MsgRunEnd        = "run_end"
	MsgRunError      = "run_error"
	MsgStepStart     = "step_start"
	MsgStepEnd       = "step_end"
	MsgStepError     = "step_error"
	MsgExecQueued    = "execution_queued"
	MsgExecRejected  = "execution_rejected"
	MsgExecCompleted = "execution_completed"
)

// Failed reports whether the event carries an error.
func (e Event) Failed() bool {
	_, ok := e.Meta["error"]
	return ok
}
