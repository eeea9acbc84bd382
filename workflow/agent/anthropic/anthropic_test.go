package anthropic

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/agentflow/workflow/agent"
)

type mockMessages struct {
	resp   *sdk.Message
	err    error
	params []sdk.MessageNewParams
}

func (m *mockMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	m.params = append(m.params, body)
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func textMessage(parts ...string) *sdk.Message {
	msg := &sdk.Message{Model: sdk.Model("claude-test")}
	for _, p := range parts {
		msg.Content = append(msg.Content, sdk.ContentBlockUnion{Type: "text", Text: p})
	}
	return msg
}

func TestNewChatModel(t *testing.T) {
	m := NewChatModel("test-key", "")
	if m.modelName != DefaultModel || m.maxTokens != DefaultMaxTokens || m.messages == nil {
		t.Errorf("unexpected defaults: %+v", m)
	}
}

func TestChatModel_Chat(t *testing.T) {
	mock := &mockMessages{resp: textMessage("knit sweater", " + trench coat")}
	m := &ChatModel{messages: mock, modelName: "claude-test", maxTokens: 128}

	out, err := m.Chat(context.Background(), []agent.Message{
		{Role: agent.RoleSystem, Content: "You are a stylist."},
		{Role: agent.RoleUser, Content: "rainy commute"},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if out.Text != "knit sweater + trench coat" || out.Model != "claude-test" {
		t.Errorf("unexpected output: %+v", out)
	}

	if len(mock.params) != 1 {
		t.Fatalf("expected 1 request, got %d", len(mock.params))
	}
	p := mock.params[0]
	if len(p.System) != 1 || p.System[0].Text != "You are a stylist." {
		t.Errorf("system prompt not forwarded: %+v", p.System)
	}
	if len(p.Messages) != 1 || p.Messages[0].Role != sdk.MessageParamRoleUser {
		t.Errorf("expected one user message, got %+v", p.Messages)
	}
	if p.MaxTokens != 128 || string(p.Model) != "claude-test" {
		t.Errorf("unexpected model params: %s %d", p.Model, p.MaxTokens)
	}
}

func TestChatModel_Errors(t *testing.T) {
	t.Run("api failure", func(t *testing.T) {
		cause := errors.New("connection reset")
		m := &ChatModel{messages: &mockMessages{err: cause}, modelName: "x", maxTokens: 1}

		_, err := m.Chat(context.Background(), []agent.Message{{Role: agent.RoleUser, Content: "hi"}})
		var perr *agent.ProviderError
		if !errors.As(err, &perr) || perr.Provider != "anthropic" || !errors.Is(err, cause) {
			t.Errorf("expected wrapped ProviderError, got %v", err)
		}
	})

	t.Run("empty response", func(t *testing.T) {
		m := &ChatModel{messages: &mockMessages{resp: textMessage()}, modelName: "x", maxTokens: 1}
		_, err := m.Chat(context.Background(), []agent.Message{{Role: agent.RoleUser, Content: "hi"}})
		if !errors.Is(err, agent.ErrEmptyResponse) {
			t.Errorf("expected ErrEmptyResponse, got %v", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		mock := &mockMessages{resp: textMessage("x")}
		m := &ChatModel{messages: mock, modelName: "x", maxTokens: 1}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := m.Chat(ctx, nil); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if len(mock.params) != 0 {
			t.Error("no request should be sent after cancellation")
		}
	})
}
