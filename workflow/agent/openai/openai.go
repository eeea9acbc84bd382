// Package openai adapts OpenAI's Chat Completions API to agent.ChatModel.
package openai

import (
	"context"
	"errors"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/agentflow/workflow/agent"
)

// DefaultModel is used when NewChatModel receives an empty model name.
const DefaultModel = "gpt-4o-mini"

// completionsAPI is the part of the SDK client ChatModel uses.
type completionsAPI interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// ChatModel calls OpenAI chat models through the official SDK.
type ChatModel struct {
	completions completionsAPI
	modelName   string
}

// NewChatModel creates a ChatModel authenticated with apiKey.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{
		completions: &client.Chat.Completions,
		modelName:   modelName,
	}
}

// Chat implements agent.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []agent.Message) (agent.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return agent.ChatOut{}, err
	}

	completion, err := m.completions.New(ctx, sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.modelName),
		Messages: convertMessages(messages),
	})
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return agent.ChatOut{}, &agent.ProviderError{Provider: "openai", StatusCode: apiErr.StatusCode, Err: err}
		}
		return agent.ChatOut{}, &agent.ProviderError{Provider: "openai", Err: err}
	}

	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return agent.ChatOut{}, &agent.ProviderError{Provider: "openai", Err: agent.ErrEmptyResponse}
	}
	return agent.ChatOut{Text: completion.Choices[0].Message.Content, Model: completion.Model}, nil
}

func convertMessages(messages []agent.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case agent.RoleSystem:
			out = append(out, sdk.SystemMessage(msg.Content))
		case agent.RoleAssistant:
			out = append(out, sdk.AssistantMessage(msg.Content))
		default:
			out = append(out, sdk.UserMessage(msg.Content))
		}
	}
	return out
}
