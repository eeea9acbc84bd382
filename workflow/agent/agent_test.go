package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dshills/agentflow/workflow"
)

var _ workflow.Agent = (*Router)(nil)

func TestRouter_Invoke(t *testing.T) {
	stylist := NewMockChatModel("knit sweater + trench coat")
	critic := NewMockChatModel("refine: swap trench for raincoat")

	r := NewRouter()
	if err := r.Register("stylist", Profile{Model: stylist, SystemPrompt: "You are a stylist."}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register("critic", Profile{Model: critic}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	out, err := r.Invoke(context.Background(), "stylist", "rainy commute")
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if out != "knit sweater + trench coat" {
		t.Errorf("unexpected output %q", out)
	}

	calls := stylist.Calls
	if len(calls) != 1 || len(calls[0]) != 2 {
		t.Fatalf("expected one call with system and user messages, got %+v", calls)
	}
	if calls[0][0].Role != RoleSystem || calls[0][1].Role != RoleUser || calls[0][1].Content != "rainy commute" {
		t.Errorf("unexpected conversation: %+v", calls[0])
	}

	if _, err := r.Invoke(context.Background(), "critic", "x"); err != nil {
		t.Fatalf("Invoke critic failed: %v", err)
	}
	if len(critic.Calls[0]) != 1 {
		t.Errorf("profile without system prompt should send one message, got %d", len(critic.Calls[0]))
	}

	if refs := r.Refs(); len(refs) != 2 || refs[0] != "critic" {
		t.Errorf("unexpected refs %v", refs)
	}
}

func TestRouter_Errors(t *testing.T) {
	r := NewRouter()
	if err := r.Register("", Profile{Model: NewMockChatModel("x")}); err == nil {
		t.Error("expected error for empty reference")
	}
	if err := r.Register("a", Profile{}); err == nil {
		t.Error("expected error for nil model")
	}

	_, err := r.Invoke(context.Background(), "ghost", "x")
	if !errors.Is(err, ErrUnknownAgent) || !strings.Contains(err.Error(), "ghost") {
		t.Errorf("expected ErrUnknownAgent naming ghost, got %v", err)
	}

	overloaded := &MockChatModel{Err: errors.New("model overloaded")}
	_ = r.Register("critic", Profile{Model: overloaded})
	if _, err := r.Invoke(context.Background(), "critic", "x"); err == nil || err.Error() != "model overloaded" {
		t.Errorf("expected model error to pass through, got %v", err)
	}
}

func TestRouter_DrivesEngine(t *testing.T) {
	r := NewRouter()
	_ = r.Register("stylist", Profile{Model: NewMockChatModel("knit sweater + trench coat")})
	_ = r.Register("critic", Profile{Model: NewMockChatModel("refine: swap trench for raincoat")})

	engine, err := workflow.NewEngine(r)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	def, err := workflow.CompileString(`{"steps": [
		{"id": "s1", "agentId": "stylist", "order": 1, "input": {"static": "rainy commute"}},
		{"id": "s2", "agentId": "critic", "order": 2, "input": {"previousOutput": "s1"}}
	]}`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	out, err := engine.Run(context.Background(), def, "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "refine: swap trench for raincoat" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestMockChatModel_Sequence(t *testing.T) {
	m := &MockChatModel{Responses: []ChatOut{{Text: "first"}, {Text: "second"}}}
	ctx := context.Background()

	for _, want := range []string{"first", "second", "second"} {
		out, err := m.Chat(ctx, nil)
		if err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
		if out.Text != want {
			t.Errorf("expected %q, got %q", want, out.Text)
		}
	}
	if m.CallCount() != 3 {
		t.Errorf("expected 3 calls, got %d", m.CallCount())
	}

	m.Reset()
	if out, _ := m.Chat(ctx, nil); out.Text != "first" {
		t.Errorf("Reset should rewind, got %q", out.Text)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := m.Chat(cancelled, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSplitSystem(t *testing.T) {
	system, rest := SplitSystem([]Message{
		{Role: RoleSystem, Content: "a"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleSystem, Content: "b"},
	})
	if system != "a\n\nb" || len(rest) != 1 || rest[0].Content != "hi" {
		t.Errorf("unexpected split: %q %+v", system, rest)
	}
}

func TestProviderError(t *testing.T) {
	cause := errors.New("slow down")
	err := &ProviderError{Provider: "openai", StatusCode: 429, Err: cause}
	if !errors.Is(err, cause) || !err.Retryable() {
		t.Errorf("429 should wrap and be retryable: %v", err)
	}
	if (&ProviderError{Provider: "openai", StatusCode: 400, Err: cause}).Retryable() {
		t.Error("400 should not be retryable")
	}
}
