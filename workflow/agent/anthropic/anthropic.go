// Package anthropic adapts Anthropic's Messages API to agent.ChatModel.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/agentflow/workflow/agent"
)

// DefaultModel is used when NewChatModel receives an empty model name.
const DefaultModel = "claude-3-5-sonnet-latest"

// DefaultMaxTokens caps each response.
const DefaultMaxTokens = 4096

// messagesAPI is the part of the SDK client ChatModel uses.
type messagesAPI interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// ChatModel calls Claude through the official SDK.
//
//	m := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), "")
//	router.Register("stylist", agent.Profile{Model: m})
type ChatModel struct {
	messages  messagesAPI
	modelName string
	maxTokens int64
}

// NewChatModel creates a ChatModel authenticated with apiKey.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{
		messages:  &client.Messages,
		modelName: modelName,
		maxTokens: DefaultMaxTokens,
	}
}

// Chat implements agent.ChatModel. System messages go to the dedicated
// system parameter.
func (m *ChatModel) Chat(ctx context.Context, messages []agent.Message) (agent.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return agent.ChatOut{}, err
	}

	system, conversation := agent.SplitSystem(messages)
	params := sdk.MessageNewParams{
		Model:     sdk.Model(m.modelName),
		MaxTokens: m.maxTokens,
		Messages:  convertMessages(conversation),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	resp, err := m.messages.New(ctx, params)
	if err != nil {
		return agent.ChatOut{}, translateError(err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return agent.ChatOut{}, &agent.ProviderError{Provider: "anthropic", Err: agent.ErrEmptyResponse}
	}
	return agent.ChatOut{Text: sb.String(), Model: string(resp.Model)}, nil
}

func convertMessages(messages []agent.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := sdk.NewTextBlock(msg.Content)
		if msg.Role == agent.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(block))
		} else {
			out = append(out, sdk.NewUserMessage(block))
		}
	}
	return out
}

func translateError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &agent.ProviderError{Provider: "anthropic", StatusCode: apiErr.StatusCode, Err: err}
	}
	return &agent.ProviderError{Provider: "anthropic", Err: err}
}
