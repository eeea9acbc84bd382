package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/agentflow/workflow/emit"
)

// Hooks supplies the variable parts of an execution request.
type Hooks interface {
	// WorkflowIdentifier names the workflow to run (an id or a code,
	// depending on FindWorkflow).
	WorkflowIdentifier() string

	// InputData is the run input handed to the engine.
	InputData() string

	// UserID identifies the requesting user.
	UserID() string

	// FindWorkflow loads the workflow named by identifier.
	FindWorkflow(ctx context.Context, identifier string) (*Workflow, error)
}

// CompletionHooks are called once an execution is terminal. Nil fields are
// no-ops.
type CompletionHooks struct {
	OnSuccess func(ctx context.Context, executionID, workflowID, userID, output string)
	OnFailure func(ctx context.Context, executionID, workflowID, userID, errorMessage string)
}

// Orchestrator starts workflow executions in the background and records
// their outcome.
//
// Execute validates and registers the workflow, persists a RUNNING
// ExecutionRecord and hands the run to a bounded Pool, returning the
// execution id without waiting. The background task always leaves the
// record SUCCESS or FAILED, even when the engine panics, and then calls
// exactly one completion hook exactly once.
type Orchestrator struct {
	registry *Registry
	execs    ExecutionRepository
	pool     *Pool
	ownsPool bool

	emitter     emit.Emitter
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
	execTimeout time.Duration
}

// DefaultMaxWorkers and DefaultQueueSize size the Pool an Orchestrator
// creates when WithPool is not given.
const (
	DefaultMaxWorkers = 8
	DefaultQueueSize  = 64
)

// NewOrchestrator creates an Orchestrator.
//
// Recognised options: WithPool, WithEmitter, WithMetrics, WithLogger,
// WithClock, WithIDGenerator, WithExecutionTimeout.
func NewOrchestrator(registry *Registry, execs ExecutionRepository, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	if execs == nil {
		return nil, errors.New("execution repository must not be nil")
	}
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		registry:    registry,
		execs:       execs,
		pool:        cfg.pool,
		emitter:     cfg.emitter,
		metrics:     cfg.metrics,
		logger:      cfg.logger,
		now:         cfg.clock,
		newID:       cfg.newID,
		execTimeout: cfg.executionTimeout,
	}
	if o.pool == nil {
		o.pool = NewPool(DefaultMaxWorkers, DefaultQueueSize).WithMetrics(cfg.metrics).WithLogger(cfg.logger)
		o.ownsPool = true
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return o, nil
}

// execution is the state handed to the background task.
type execution struct {
	ctx        context.Context
	record     *ExecutionRecord
	completion CompletionHooks
}

// Execute starts a run and returns its execution id.
//
// Errors before dispatch are returned to the caller: lookup failures, a
// *ValidationError for a disabled workflow or a definition that does not
// compile, persistence failures, and ErrBackpressure when the pool is
// saturated. In the last case the record already created is failed and the
// failure hook runs, so no RUNNING record is left behind.
func (o *Orchestrator) Execute(ctx context.Context, hooks Hooks, completion CompletionHooks) (string, error) {
	identifier := hooks.WorkflowIdentifier()

	wf, err := o.resolve(ctx, hooks, identifier)
	if err != nil {
		return "", err
	}

	rec, err := NewExecutionRecord(o.newID(), wf.ID, hooks.UserID(), hooks.InputData(), o.now())
	if err != nil {
		return "", err
	}
	if err := o.execs.Create(ctx, rec.Clone()); err != nil {
		return "", fmt.Errorf("create execution %s: %w", rec.ID, err)
	}

	bg := context.WithoutCancel(ctx)
	bg = WithUserID(WithExecutionID(bg, rec.ID), rec.UserID)
	x := &execution{ctx: bg, record: rec, completion: completion}

	if err := o.pool.Submit(func() { o.run(x) }); err != nil {
		o.metrics.IncrementBackpressure(wf.ID)
		o.emit(rec, emit.MsgExecRejected, map[string]interface{}{"error": err.Error()})
		o.logger.Warn("workflow execution rejected",
			"execution_id", rec.ID, "workflow_id", wf.ID, "user_id", rec.UserID, "error", err)
		o.finish(x, "", err)
		return "", fmt.Errorf("execution %s not started: %w", rec.ID, err)
	}

	o.emit(rec, emit.MsgExecQueued, map[string]interface{}{"user_id": rec.UserID})
	o.logger.Info("workflow execution started",
		"execution_id", rec.ID, "workflow_id", wf.ID, "workflow", identifier, "user_id", rec.UserID)
	return rec.ID, nil
}

// maxResolveAttempts bounds how often resolve reloads a workflow that was
// updated while it was being registered.
const maxResolveAttempts = 3

// resolve loads the workflow named by identifier and makes sure the
// Registry holds its current definition.
func (o *Orchestrator) resolve(ctx context.Context, hooks Hooks, identifier string) (*Workflow, error) {
	for attempt := 1; ; attempt++ {
		since := o.registry.Generation()
		wf, err := hooks.FindWorkflow(ctx, identifier)
		if err != nil {
			return nil, err
		}
		if wf == nil {
			return nil, &WorkflowNotFoundError{Identifier: identifier}
		}
		if !wf.IsEnabled() {
			return nil, &ValidationError{Field: "workflow", Message: fmt.Sprintf("workflow %s is disabled", identifier)}
		}
		if o.registry.IsRegistered(wf.ID) {
			return wf, nil
		}

		err = o.registry.RegisterRawSince(wf.ID, []byte(wf.Definition), since)
		if errors.Is(err, ErrStaleDefinition) && attempt < maxResolveAttempts {
			o.logger.Debug("workflow changed while registering, reloading",
				"workflow_id", wf.ID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}
		return wf, nil
	}
}

// run is the background body.
func (o *Orchestrator) run(x *execution) {
	ctx := x.ctx
	if o.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.execTimeout)
		defer cancel()
	}
	output, err := o.invoke(ctx, x.record)
	o.finish(x, output, err)
}

func (o *Orchestrator) invoke(ctx context.Context, rec *ExecutionRecord) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return o.registry.Execute(ctx, rec.WorkflowID, rec.Input)
}

// finish applies the terminal transition, persists it and calls one hook.
func (o *Orchestrator) finish(x *execution, output string, runErr error) {
	rec := x.record
	now := o.now()

	if runErr == nil {
		if err := rec.Succeed(output, now); err != nil {
			o.logger.Error("execution transition failed", "execution_id", rec.ID, "error", err)
			return
		}
	} else {
		msg := runErr.Error()
		if msg == "" {
			msg = "unknown error"
		}
		if err := rec.Fail(msg, now); err != nil {
			o.logger.Error("execution transition failed", "execution_id", rec.ID, "error", err)
			return
		}
	}

	if err := o.execs.Update(x.ctx, rec.Clone()); err != nil {
		o.logger.Error("failed to persist execution result",
			"execution_id", rec.ID, "workflow_id", rec.WorkflowID, "status", rec.Status, "error", err)
	}

	o.metrics.RecordExecution(rec.WorkflowID, rec.Status, rec.Duration(now))
	meta := map[string]interface{}{
		"status":     string(rec.Status),
		"latency_ms": rec.DurationMillis(now),
	}
	if rec.IsFailed() {
		meta["error"] = rec.ErrorMessage
	}
	o.emit(rec, emit.MsgExecCompleted, meta)

	if rec.IsSuccess() {
		o.logger.Info("workflow execution succeeded",
			"execution_id", rec.ID, "workflow_id", rec.WorkflowID, "user_id", rec.UserID,
			"duration_ms", rec.DurationMillis(now))
		o.callHook(func() {
			if x.completion.OnSuccess != nil {
				x.completion.OnSuccess(x.ctx, rec.ID, rec.WorkflowID, rec.UserID, rec.Output)
			}
		}, rec)
		return
	}

	o.logger.Error("workflow execution failed",
		"execution_id", rec.ID, "workflow_id", rec.WorkflowID, "user_id", rec.UserID, "error", rec.ErrorMessage)
	o.callHook(func() {
		if x.completion.OnFailure != nil {
			x.completion.OnFailure(x.ctx, rec.ID, rec.WorkflowID, rec.UserID, rec.ErrorMessage)
		}
	}, rec)
}

func (o *Orchestrator) callHook(hook func(), rec *ExecutionRecord) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("completion hook panicked", "execution_id", rec.ID, "panic", r)
		}
	}()
	hook()
}

func (o *Orchestrator) emit(rec *ExecutionRecord, msg string, meta map[string]interface{}) {
	o.emitter.Emit(emit.Event{
		ExecutionID: rec.ID,
		WorkflowID:  rec.WorkflowID,
		Msg:         msg,
		Meta:        meta,
	})
}

// Get returns the stored record for id, or *ExecutionNotFoundError.
func (o *Orchestrator) Get(ctx context.Context, id string) (*ExecutionRecord, error) {
	rec, err := o.execs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &ExecutionNotFoundError{ExecutionID: id}
		}
		return nil, err
	}
	return rec, nil
}

// Pool returns the pool executions run on.
func (o *Orchestrator) Pool() *Pool { return o.pool }

// Shutdown stops accepting executions and waits for in-flight ones. A pool
// supplied through WithPool is left open; its owner closes it.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.ownsPool {
		return nil
	}
	return o.pool.Close(ctx)
}
