// Package agent connects workflow steps to chat models.
//
// A Router implements workflow.Agent: it maps each step's agent reference to
// a Profile (a ChatModel plus an optional system prompt) and turns the step
// prompt into a single-turn conversation. Provider adapters live in the
// anthropic, openai and google subpackages; MockChatModel serves tests and
// offline runs.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ChatModel is a chat-completion provider.
//
// Implementations must be safe for concurrent use and respect ctx.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
}

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string
}

// Standard roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatOut is a model response.
type ChatOut struct {
	Text string

	// Model is the model that produced the response, when the provider
	// reports it.
	Model string
}

// ErrUnknownAgent is returned by Router.Invoke for an unmapped reference.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("model returned no text")

// ProviderError wraps a failed provider call.
type ProviderError struct {
	Provider string

	// StatusCode is the HTTP status reported by the provider, or 0.
	StatusCode int

	Err error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the call may succeed if repeated: rate limits
// and server-side failures.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Profile binds an agent reference to a model.
type Profile struct {
	Model        ChatModel
	SystemPrompt string
}

// Router dispatches workflow steps to chat models by agent reference.
type Router struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{profiles: make(map[string]Profile)}
}

// Register maps agentRef to p, replacing any previous mapping.
func (r *Router) Register(agentRef string, p Profile) error {
	if agentRef == "" {
		return errors.New("agent reference must not be empty")
	}
	if p.Model == nil {
		return fmt.Errorf("agent %s: model must not be nil", agentRef)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[agentRef] = p
	return nil
}

// Refs returns the registered agent references, sorted.
func (r *Router) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.profiles))
	for ref := range r.profiles {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Invoke implements workflow.Agent.
func (r *Router) Invoke(ctx context.Context, agentRef, prompt string) (string, error) {
	r.mu.RLock()
	p, ok := r.profiles[agentRef]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, agentRef)
	}

	messages := make([]Message, 0, 2)
	if p.SystemPrompt != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: p.SystemPrompt})
	}
	messages = append(messages, Message{Role: RoleUser, Content: prompt})

	out, err := p.Model.Chat(ctx, messages)
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

// SplitSystem separates system messages, joined by blank lines, from the
// rest of the conversation. Providers with a dedicated system parameter use
// it.
func SplitSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
