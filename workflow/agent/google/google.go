// Package google adapts Gemini models to agent.ChatModel.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/agentflow/workflow/agent"
)

// DefaultModel is used when NewChatModel receives an empty model name.
const DefaultModel = "gemini-1.5-flash"

// generator sends one conversation to a Gemini model.
type generator interface {
	generate(ctx context.Context, modelName, system string, history []*genai.Content, prompt string) (*genai.GenerateContentResponse, error)
	Close() error
}

// ChatModel calls Gemini through the generative-ai-go SDK.
//
// Unlike the other adapters it owns a network client: call Close when done.
type ChatModel struct {
	gen       generator
	modelName string
}

// NewChatModel creates a ChatModel authenticated with apiKey.
func NewChatModel(ctx context.Context, apiKey, modelName string) (*ChatModel, error) {
	if modelName == "" {
		modelName = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &ChatModel{gen: &sdkGenerator{client: client}, modelName: modelName}, nil
}

// Close releases the underlying client.
func (m *ChatModel) Close() error {
	return m.gen.Close()
}

// Chat implements agent.ChatModel. System messages become the model's
// system instruction; earlier turns become chat history and the last user
// message is sent.
func (m *ChatModel) Chat(ctx context.Context, messages []agent.Message) (agent.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return agent.ChatOut{}, err
	}

	system, conversation := agent.SplitSystem(messages)
	if len(conversation) == 0 {
		return agent.ChatOut{}, &agent.ProviderError{Provider: "google", Err: errors.New("no user message")}
	}
	last := conversation[len(conversation)-1]
	history := make([]*genai.Content, 0, len(conversation)-1)
	for _, msg := range conversation[:len(conversation)-1] {
		role := "user"
		if msg.Role == agent.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Content)}})
	}

	resp, err := m.gen.generate(ctx, m.modelName, system, history, last.Content)
	if err != nil {
		return agent.ChatOut{}, &agent.ProviderError{Provider: "google", Err: err}
	}

	text := responseText(resp)
	if text == "" {
		return agent.ChatOut{}, &agent.ProviderError{Provider: "google", Err: agent.ErrEmptyResponse}
	}
	return agent.ChatOut{Text: text, Model: m.modelName}, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String()
}

type sdkGenerator struct {
	client *genai.Client
}

func (g *sdkGenerator) generate(ctx context.Context, modelName, system string, history []*genai.Content, prompt string) (*genai.GenerateContentResponse, error) {
	model := g.client.GenerativeModel(modelName)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if len(history) == 0 {
		return model.GenerateContent(ctx, genai.Text(prompt))
	}
	session := model.StartChat()
	session.History = history
	return session.SendMessage(ctx, genai.Text(prompt))
}

func (g *sdkGenerator) Close() error {
	return g.client.Close()
}
