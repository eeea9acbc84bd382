package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dshills/agentflow/workflow/emit"
)

func mustCompile(t *testing.T, doc string) *Definition {
	t.Helper()
	def, err := CompileString(doc)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return def
}

func mustEngine(t *testing.T, agent Agent, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(agent, opts...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func TestEngine_OutfitScenario(t *testing.T) {
	def := mustCompile(t, outfitJSON)
	engine := mustEngine(t, outfitAgent())

	ec := make(ExecutionContext)
	out, err := engine.RunWithContext(context.Background(), def, "casual winter look for a rainy commute", ec)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out != "refine: swap trench for raincoat" {
		t.Errorf("unexpected output %q", out)
	}
	if len(ec) != 2 {
		t.Fatalf("expected 2 context entries, got %d", len(ec))
	}
	if ec["s1"] != "knit sweater + trench coat" {
		t.Errorf("s1 = %q", ec["s1"])
	}
	if ec["s2"] != "refine: swap trench for raincoat" {
		t.Errorf("s2 = %q", ec["s2"])
	}
}

func TestEngine_Ordering(t *testing.T) {
	doc := `{"steps": [
		{"id": "d", "agentId": "agent-d", "order": 40, "input": {"static": "x"}},
		{"id": "b", "agentId": "agent-b", "order": 20, "input": {"static": "x"}},
		{"id": "a", "agentId": "agent-a", "order": 10, "input": {"static": "x"}},
		{"id": "c", "agentId": "agent-c", "order": 30, "input": {"static": "x"}}
	]}`
	agent := newStubAgent(map[string]string{"agent-a": "1", "agent-b": "2", "agent-c": "3", "agent-d": "4"})
	engine := mustEngine(t, agent)

	out, err := engine.Run(context.Background(), mustCompile(t, doc), "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "4" {
		t.Errorf("expected output of last step, got %q", out)
	}

	calls := agent.Calls()
	want := []string{"agent-a", "agent-b", "agent-c", "agent-d"}
	if len(calls) != len(want) {
		t.Fatalf("expected %d calls, got %d", len(want), len(calls))
	}
	for i, c := range calls {
		if c.AgentRef != want[i] {
			t.Errorf("call %d: expected %s, got %s", i, want[i], c.AgentRef)
		}
	}
}

func TestEngine_DataThreading(t *testing.T) {
	doc := `{"steps": [
		{"id": "s1", "agentId": "upper", "order": 1, "input": {"runInput": true}},
		{"id": "s2", "agentId": "static", "order": 2, "input": {"static": "unrelated"}},
		{"id": "s3", "agentId": "echo", "order": 3, "input": {"previousOutput": "s1"}}
	]}`
	agent := AgentFunc(func(_ context.Context, ref, prompt string) (string, error) {
		switch ref {
		case "upper":
			return strings.ToUpper(prompt), nil
		case "echo":
			return "echo:" + prompt, nil
		default:
			return prompt, nil
		}
	})
	engine := mustEngine(t, agent)

	out, err := engine.Run(context.Background(), mustCompile(t, doc), "rain boots")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "echo:RAIN BOOTS" {
		t.Errorf("expected s3 to see s1's output, got %q", out)
	}
}

func TestEngine_FailFast(t *testing.T) {
	def := mustCompile(t, `{"steps": [
		{"id": "s1", "agentId": "stylist", "order": 1, "input": {"static": "go"}},
		{"id": "s2", "agentId": "critic", "order": 2, "input": {"previousOutput": "s1"}},
		{"id": "s3", "agentId": "tailor", "order": 3, "input": {"previousOutput": "s2"}}
	]}`)
	agent := outfitAgent()
	agent.replies["tailor"] = "hem"
	agent.errs["critic"] = errors.New("model overloaded")
	engine := mustEngine(t, agent)

	ec := make(ExecutionContext)
	_, err := engine.RunWithContext(context.Background(), def, "", ec)
	if err == nil {
		t.Fatal("expected error")
	}

	var aerr *AgentInvocationError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *AgentInvocationError, got %T", err)
	}
	if aerr.StepID != "s2" || aerr.AgentRef != "critic" {
		t.Errorf("unexpected error target: step=%s agent=%s", aerr.StepID, aerr.AgentRef)
	}
	for _, want := range []string{"s2", "critic", "model overloaded"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %q", err.Error(), want)
		}
	}

	for _, c := range agent.Calls() {
		if c.AgentRef == "tailor" {
			t.Error("step after the failing one must not run")
		}
	}
	if _, ok := ec["s2"]; ok {
		t.Error("failed step must not record output")
	}
}

func TestEngine_IsolationUnderConcurrency(t *testing.T) {
	def := mustCompile(t, `{"steps": [
		{"id": "s1", "agentId": "tag", "order": 1, "input": {"runInput": true}},
		{"id": "s2", "agentId": "tag", "order": 2, "input": {"previousOutput": "s1"}},
		{"id": "s3", "agentId": "tag", "order": 3, "input": {"previousOutput": "s2"}}
	]}`)
	agent := AgentFunc(func(_ context.Context, _ string, prompt string) (string, error) {
		time.Sleep(time.Millisecond)
		return prompt + "+", nil
	})
	engine := mustEngine(t, agent)

	const runs = 50
	var wg sync.WaitGroup
	errs := make(chan error, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			input := fmt.Sprintf("run-%d", i)
			out, err := engine.Run(context.Background(), def, input)
			if err != nil {
				errs <- err
				return
			}
			if out != input+"+++" {
				errs <- fmt.Errorf("run %d: expected %q, got %q", i, input+"+++", out)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestEngine_Cancellation(t *testing.T) {
	def := mustCompile(t, outfitJSON)

	t.Run("cancelled before start", func(t *testing.T) {
		agent := outfitAgent()
		engine := mustEngine(t, agent)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := engine.Run(ctx, def, "")
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if len(agent.Calls()) != 0 {
			t.Errorf("no agent should be invoked, got %d calls", len(agent.Calls()))
		}
	})

	t.Run("step timeout", func(t *testing.T) {
		slow := AgentFunc(func(ctx context.Context, _, _ string) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
				return "late", nil
			}
		})
		engine := mustEngine(t, slow, WithStepTimeout(10*time.Millisecond))

		_, err := engine.Run(context.Background(), def, "")
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected DeadlineExceeded, got %v", err)
		}
	})
}

func TestEngine_EmitsEvents(t *testing.T) {
	def := mustCompile(t, outfitJSON)
	buf := emit.NewBufferedEmitter()
	engine := mustEngine(t, outfitAgent(), WithEmitter(buf))

	ctx := WithExecutionID(context.Background(), "exec-1")
	if _, err := engine.Run(ctx, def, ""); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	history := buf.GetHistory("exec-1")
	var msgs []string
	for _, e := range history {
		msgs = append(msgs, e.Msg)
	}
	want := "run_start,step_start,step_end,step_start,step_end,run_end"
	if strings.Join(msgs, ",") != want {
		t.Errorf("expected %s, got %s", want, strings.Join(msgs, ","))
	}

	ends := buf.GetHistoryWithFilter("exec-1", emit.HistoryFilter{StepID: "s2", Msg: emit.MsgStepEnd})
	if len(ends) != 1 || ends[0].Step != 2 {
		t.Errorf("expected one step_end for s2 at position 2, got %+v", ends)
	}
}

func TestNewEngine_Validation(t *testing.T) {
	if _, err := NewEngine(nil); err == nil {
		t.Error("expected error for nil agent")
	}
	if _, err := NewEngine(outfitAgent(), WithStepTimeout(-time.Second)); err == nil {
		t.Error("expected error for negative step timeout")
	}
	if _, err := mustEngine(t, outfitAgent()).Run(context.Background(), nil, ""); err == nil {
		t.Error("expected error for nil definition")
	}
}
