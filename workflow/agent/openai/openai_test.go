package openai

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/dshills/agentflow/workflow/agent"
)

type mockCompletions struct {
	resp   *sdk.ChatCompletion
	err    error
	params []sdk.ChatCompletionNewParams
}

func (m *mockCompletions) New(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	m.params = append(m.params, body)
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func completion(text string) *sdk.ChatCompletion {
	return &sdk.ChatCompletion{
		Model: "gpt-test",
		Choices: []sdk.ChatCompletionChoice{
			{Message: sdk.ChatCompletionMessage{Content: text}},
		},
	}
}

func TestNewChatModel(t *testing.T) {
	m := NewChatModel("test-key", "")
	if m.modelName != DefaultModel || m.completions == nil {
		t.Errorf("unexpected defaults: %+v", m)
	}
}

func TestChatModel_Chat(t *testing.T) {
	mock := &mockCompletions{resp: completion("refine: swap trench for raincoat")}
	m := &ChatModel{completions: mock, modelName: "gpt-test"}

	out, err := m.Chat(context.Background(), []agent.Message{
		{Role: agent.RoleSystem, Content: "You are a critic."},
		{Role: agent.RoleUser, Content: "knit sweater + trench coat"},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if out.Text != "refine: swap trench for raincoat" || out.Model != "gpt-test" {
		t.Errorf("unexpected output: %+v", out)
	}

	p := mock.params[0]
	if len(p.Messages) != 2 || p.Messages[0].OfSystem == nil || p.Messages[1].OfUser == nil {
		t.Errorf("unexpected messages: %+v", p.Messages)
	}
	if string(p.Model) != "gpt-test" {
		t.Errorf("unexpected model %q", p.Model)
	}
}

func TestChatModel_Errors(t *testing.T) {
	tests := []struct {
		name string
		mock *mockCompletions
		want error
	}{
		{"api failure", &mockCompletions{err: errors.New("boom")}, nil},
		{"no choices", &mockCompletions{resp: &sdk.ChatCompletion{}}, agent.ErrEmptyResponse},
		{"empty content", &mockCompletions{resp: completion("")}, agent.ErrEmptyResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &ChatModel{completions: tt.mock, modelName: "x"}
			_, err := m.Chat(context.Background(), []agent.Message{{Role: agent.RoleUser, Content: "hi"}})

			var perr *agent.ProviderError
			if !errors.As(err, &perr) || perr.Provider != "openai" {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
