package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Compiler turns a raw definition document into a Definition.
type Compiler interface {
	Compile(raw []byte) (*Definition, error)
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func(raw []byte) (*Definition, error)

// Compile calls f(raw).
func (f CompilerFunc) Compile(raw []byte) (*Definition, error) {
	return f(raw)
}

// DefaultCompiler is the Compiler backed by Compile.
var DefaultCompiler Compiler = CompilerFunc(Compile)

type rawDefinition struct {
	ID          string    `json:"id" yaml:"id"`
	Version     string    `json:"version" yaml:"version"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description" yaml:"description"`
	Steps       []rawStep `json:"steps" yaml:"steps"`
}

type rawStep struct {
	ID       string    `json:"id" yaml:"id"`
	Name     string    `json:"name" yaml:"name"`
	AgentID  string    `json:"agentId" yaml:"agentId"`
	AgentRef string    `json:"agentRef" yaml:"agentRef"`
	Order    *int      `json:"order" yaml:"order"`
	Input    *rawInput `json:"input" yaml:"input"`
}

type rawInput struct {
	Static         *string `json:"static" yaml:"static"`
	PreviousOutput *string `json:"previousOutput" yaml:"previousOutput"`
	RunInput       bool    `json:"runInput" yaml:"runInput"`
}

// CompileString is Compile for string documents.
func CompileString(raw string) (*Definition, error) {
	return Compile([]byte(raw))
}

// Compile parses and validates a workflow definition document.
//
// The document is JSON when its first non-space byte is '{' and YAML
// otherwise. Compile performs no I/O and the returned Definition is
// immutable. Every rejection is a *ValidationError:
//   - empty or unparseable document
//   - no steps
//   - blank or duplicate step id, blank agent reference
//   - an input object that selects zero or several variants
//   - a previousOutput reference that is unknown, points at the step
//     itself, or points at a step whose order is not strictly smaller
//
// A step without an "input" object is chained: the first step in order
// receives the run input and every later step the output of the step sorted
// immediately before it. The implied reference obeys the same ordering rule.
func Compile(raw []byte) (*Definition, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &ValidationError{Field: "document", Message: "definition is empty"}
	}

	var doc rawDefinition
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, &ValidationError{Field: "document", Message: "invalid JSON: " + err.Error()}
		}
	} else {
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, &ValidationError{Field: "document", Message: "invalid YAML: " + err.Error()}
		}
	}

	if len(doc.Steps) == 0 {
		return nil, &ValidationError{Field: "steps", Message: "workflow must contain at least one step"}
	}

	steps := make([]Step, len(doc.Steps))
	inputs := make(map[string]*rawInput, len(doc.Steps))
	for i, rs := range doc.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		id := strings.TrimSpace(rs.ID)
		if id == "" {
			return nil, &ValidationError{Field: field + ".id", Message: "step id is required"}
		}
		if _, dup := inputs[id]; dup {
			return nil, &ValidationError{Field: field + ".id", Message: "duplicate step id " + id}
		}
		agent := strings.TrimSpace(rs.AgentID)
		if agent == "" {
			agent = strings.TrimSpace(rs.AgentRef)
		}
		if agent == "" {
			return nil, &ValidationError{Field: field + ".agentId", Message: "agent reference is required for step " + id}
		}
		order := 0
		if rs.Order != nil {
			order = *rs.Order
		}
		steps[i] = Step{ID: id, Name: strings.TrimSpace(rs.Name), AgentRef: agent, Order: order}
		inputs[id] = rs.Input
	}

	sort.SliceStable(steps, func(a, b int) bool { return steps[a].Order < steps[b].Order })

	orders := make(map[string]int, len(steps))
	for _, s := range steps {
		orders[s.ID] = s.Order
	}

	for i := range steps {
		spec, err := resolveSpec(steps, i, inputs[steps[i].ID], orders)
		if err != nil {
			return nil, err
		}
		steps[i].Input = spec
	}

	return &Definition{
		id:          strings.TrimSpace(doc.ID),
		version:     strings.TrimSpace(doc.Version),
		name:        strings.TrimSpace(doc.Name),
		description: strings.TrimSpace(doc.Description),
		steps:       steps,
	}, nil
}

// resolveSpec builds the InputSpec for sorted step i.
func resolveSpec(steps []Step, i int, in *rawInput, orders map[string]int) (InputSpec, error) {
	step := steps[i]
	field := "step " + step.ID + " input"

	if in == nil {
		if i == 0 {
			return RunInput(), nil
		}
		return checkReference(step, steps[i-1].ID, orders, field)
	}

	set := 0
	if in.Static != nil {
		set++
	}
	if in.PreviousOutput != nil {
		set++
	}
	if in.RunInput {
		set++
	}
	if set != 1 {
		return InputSpec{}, &ValidationError{
			Field:   field,
			Message: "exactly one of static, previousOutput or runInput must be set",
		}
	}

	switch {
	case in.Static != nil:
		return Static(*in.Static), nil
	case in.RunInput:
		return RunInput(), nil
	default:
		return checkReference(step, strings.TrimSpace(*in.PreviousOutput), orders, field)
	}
}

func checkReference(step Step, ref string, orders map[string]int, field string) (InputSpec, error) {
	if ref == "" {
		return InputSpec{}, &ValidationError{Field: field, Message: "previousOutput must name a step"}
	}
	if ref == step.ID {
		return InputSpec{}, &ValidationError{Field: field, Message: "step cannot reference its own output"}
	}
	order, ok := orders[ref]
	if !ok {
		return InputSpec{}, &ValidationError{Field: field, Message: "reference to unknown step " + ref}
	}
	if order >= step.Order {
		return InputSpec{}, &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("referenced step %s (order %d) must run before order %d", ref, order, step.Order),
		}
	}
	return PreviousOutput(ref), nil
}
