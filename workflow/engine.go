package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/agentflow/workflow/emit"
)

// Agent is the external capability a step invokes: text in, text out.
//
// agentRef is the opaque identifier from the step definition. Implementations
// must be safe for concurrent use and should honour ctx cancellation.
type Agent interface {
	Invoke(ctx context.Context, agentRef, prompt string) (string, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, agentRef, prompt string) (string, error)

// Invoke calls f(ctx, agentRef, prompt).
func (f AgentFunc) Invoke(ctx context.Context, agentRef, prompt string) (string, error) {
	return f(ctx, agentRef, prompt)
}

// ExecutionContext maps step id to the output that step produced.
//
// It belongs to exactly one run. Never store one on a long-lived value.
type ExecutionContext map[string]string

// Engine runs compiled definitions step by step.
//
// The engine holds configuration only; every run keeps its outputs in its
// own ExecutionContext. One Engine may serve any number of concurrent runs,
// including concurrent runs of the same Definition.
type Engine struct {
	agent       Agent
	emitter     emit.Emitter
	metrics     *Metrics
	logger      *slog.Logger
	stepTimeout time.Duration
}

// NewEngine creates an Engine that invokes agent for every step.
//
// Recognised options: WithEmitter, WithMetrics, WithLogger, WithStepTimeout.
func NewEngine(agent Agent, opts ...Option) (*Engine, error) {
	if agent == nil {
		return nil, errors.New("agent must not be nil")
	}
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	return &Engine{
		agent:       agent,
		emitter:     cfg.emitter,
		metrics:     cfg.metrics,
		logger:      cfg.logger,
		stepTimeout: cfg.stepTimeout,
	}, nil
}

// Run executes def against input with a fresh ExecutionContext and returns
// the output of the last step.
func (e *Engine) Run(ctx context.Context, def *Definition, input string) (string, error) {
	if def == nil {
		return "", &ValidationError{Field: "definition", Message: "definition is nil"}
	}
	return e.RunWithContext(ctx, def, input, make(ExecutionContext, def.Len()))
}

// RunWithContext is Run with a caller-supplied ExecutionContext, which the
// caller may inspect afterwards. ec must be empty and private to this call.
//
// Steps run strictly in order. The first failing step aborts the run with an
// *AgentInvocationError and no later step is invoked. Cancellation of ctx is
// observed before each step and inside the agent call.
func (e *Engine) RunWithContext(ctx context.Context, def *Definition, input string, ec ExecutionContext) (string, error) {
	if def == nil {
		return "", &ValidationError{Field: "definition", Message: "definition is nil"}
	}
	if ec == nil {
		return "", &ValidationError{Field: "context", Message: "execution context is nil"}
	}

	execID := ExecutionIDFromContext(ctx)
	wfID := def.ID()
	started := time.Now()

	e.emit(emit.Event{
		ExecutionID: execID,
		WorkflowID:  wfID,
		Msg:         emit.MsgRunStart,
		Meta:        map[string]interface{}{"steps": def.Len()},
	})

	var output string
	for i, step := range def.steps {
		if err := ctx.Err(); err != nil {
			return "", e.abort(execID, wfID, i+1, step, err, 0)
		}

		prompt, err := resolveInput(step, ec, input)
		if err != nil {
			return "", e.abort(execID, wfID, i+1, step, err, 0)
		}

		e.emit(emit.Event{
			ExecutionID: execID,
			WorkflowID:  wfID,
			Step:        i + 1,
			StepID:      step.ID,
			Msg:         emit.MsgStepStart,
			Meta:        map[string]interface{}{"agent_ref": step.AgentRef},
		})

		stepStart := time.Now()
		out, err := e.invoke(ctx, step, prompt)
		latency := time.Since(stepStart)
		if err != nil {
			e.metrics.RecordStepLatency(wfID, step.ID, latency, "error")
			return "", e.abort(execID, wfID, i+1, step, err, latency)
		}
		e.metrics.RecordStepLatency(wfID, step.ID, latency, "success")

		ec[step.ID] = out
		output = out

		e.emit(emit.Event{
			ExecutionID: execID,
			WorkflowID:  wfID,
			Step:        i + 1,
			StepID:      step.ID,
			Msg:         emit.MsgStepEnd,
			Meta: map[string]interface{}{
				"agent_ref":  step.AgentRef,
				"latency_ms": latency.Milliseconds(),
				"output_len": len(out),
			},
		})
	}

	e.emit(emit.Event{
		ExecutionID: execID,
		WorkflowID:  wfID,
		Msg:         emit.MsgRunEnd,
		Meta:        map[string]interface{}{"latency_ms": time.Since(started).Milliseconds()},
	})
	return output, nil
}

func (e *Engine) invoke(ctx context.Context, step Step, prompt string) (string, error) {
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}
	return e.agent.Invoke(ctx, step.AgentRef, prompt)
}

// abort emits the failure events and builds the run's terminal error.
func (e *Engine) abort(execID, wfID string, pos int, step Step, cause error, latency time.Duration) error {
	err := &AgentInvocationError{StepID: step.ID, AgentRef: step.AgentRef, Cause: cause}

	e.emit(emit.Event{
		ExecutionID: execID,
		WorkflowID:  wfID,
		Step:        pos,
		StepID:      step.ID,
		Msg:         emit.MsgStepError,
		Meta: map[string]interface{}{
			"agent_ref":  step.AgentRef,
			"latency_ms": latency.Milliseconds(),
			"error":      cause.Error(),
		},
	})
	e.emit(emit.Event{
		ExecutionID: execID,
		WorkflowID:  wfID,
		Msg:         emit.MsgRunError,
		Meta:        map[string]interface{}{"error": err.Error()},
	})
	e.logger.Debug("workflow step failed",
		"execution_id", execID, "workflow_id", wfID, "step_id", step.ID, "agent_ref", step.AgentRef, "error", cause)
	return err
}

func (e *Engine) emit(event emit.Event) {
	if e.emitter != nil {
		e.emitter.Emit(event)
	}
}

// resolveInput computes the prompt for step.
func resolveInput(step Step, ec ExecutionContext, input string) (string, error) {
	switch step.Input.Kind() {
	case InputStatic:
		return step.Input.Text(), nil
	case InputRun:
		return input, nil
	case InputPreviousOutput:
		out, ok := ec[step.Input.StepRef()]
		if !ok {
			return "", fmt.Errorf("no output recorded for step %s", step.Input.StepRef())
		}
		return out, nil
	default:
		return "", fmt.Errorf("unsupported input kind %v", step.Input.Kind())
	}
}

type ctxKey int

const (
	executionIDKey ctxKey = iota
	userIDKey
)

// WithExecutionID returns a context carrying the execution id. The engine
// stamps it on emitted events and agents may read it for correlation.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// ExecutionIDFromContext returns the execution id stored by WithExecutionID.
func ExecutionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(executionIDKey).(string)
	return id
}

// WithUserID returns a context carrying the requesting user.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromContext returns the user id stored by WithUserID.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}
