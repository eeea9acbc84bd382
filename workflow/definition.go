// Package workflow provides the workflow orchestration engine: a compiler for
// declarative step definitions, a stateless execution engine that threads
// step outputs through a per-run context, a process-wide registry of compiled
// workflows, and an asynchronous orchestrator that tracks each run as an
// ExecutionRecord.
package workflow

import "fmt"

// InputKind tags the variant held by an InputSpec.
type InputKind int

const (
	// InputStatic feeds a fixed text to the step.
	InputStatic InputKind = iota + 1

	// InputPreviousOutput feeds the output of an earlier step.
	InputPreviousOutput

	// InputRun feeds the execution's input data.
	InputRun
)

// String returns the document spelling of the kind.
func (k InputKind) String() string {
	switch k {
	case InputStatic:
		return "static"
	case InputPreviousOutput:
		return "previousOutput"
	case InputRun:
		return "runInput"
	default:
		return fmt.Sprintf("InputKind(%d)", int(k))
	}
}

// InputSpec describes where a step's prompt comes from.
//
// It is a closed sum type; construct values with Static, PreviousOutput or
// RunInput. The zero value is invalid and never produced by the compiler.
type InputSpec struct {
	kind  InputKind
	value string
}

// Static returns an InputSpec that always resolves to text.
func Static(text string) InputSpec {
	return InputSpec{kind: InputStatic, value: text}
}

// PreviousOutput returns an InputSpec that resolves to the output recorded
// for stepID earlier in the same run.
func PreviousOutput(stepID string) InputSpec {
	return InputSpec{kind: InputPreviousOutput, value: stepID}
}

// RunInput returns an InputSpec that resolves to the execution's input data.
func RunInput() InputSpec {
	return InputSpec{kind: InputRun}
}

// Kind returns the variant tag.
func (s InputSpec) Kind() InputKind { return s.kind }

// Text returns the static text. Only meaningful for InputStatic.
func (s InputSpec) Text() string {
	if s.kind != InputStatic {
		return ""
	}
	return s.value
}

// StepRef returns the referenced step id. Only meaningful for InputPreviousOutput.
func (s InputSpec) StepRef() string {
	if s.kind != InputPreviousOutput {
		return ""
	}
	return s.value
}

func (s InputSpec) String() string {
	switch s.kind {
	case InputStatic:
		return fmt.Sprintf("static(%q)", s.value)
	case InputPreviousOutput:
		return "previousOutput(" + s.value + ")"
	case InputRun:
		return "runInput"
	default:
		return "invalid"
	}
}

// Step is one unit of work bound to an agent capability.
type Step struct {
	ID       string
	Name     string
	AgentRef string
	Order    int
	Input    InputSpec
}

// Definition is a compiled, validated workflow.
//
// A Definition is immutable after Compile returns it and may be shared by any
// number of concurrent runs. Steps are held in execution order.
type Definition struct {
	id          string
	version     string
	name        string
	description string
	steps       []Step
}

// ID returns the workflow identifier. It may be empty for a definition
// compiled from a document without an "id" field until it is registered.
func (d *Definition) ID() string { return d.id }

// Version returns the document's version string.
func (d *Definition) Version() string { return d.version }

// Name returns the human-readable name.
func (d *Definition) Name() string { return d.name }

// Description returns the free-form description.
func (d *Definition) Description() string { return d.description }

// Len returns the number of steps.
func (d *Definition) Len() int { return len(d.steps) }

// Steps returns a copy of the steps in execution order.
func (d *Definition) Steps() []Step {
	out := make([]Step, len(d.steps))
	copy(out, d.steps)
	return out
}

// Step returns the step with the given id.
func (d *Definition) Step(id string) (Step, bool) {
	for _, s := range d.steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// WithID returns a copy of d carrying the given identifier.
func (d *Definition) WithID(id string) *Definition {
	cp := *d
	cp.id = id
	cp.steps = d.Steps()
	return &cp
}
