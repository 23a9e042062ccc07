// ABOUTME: Provider-neutral chat types and the streaming Provider interface.
// ABOUTME: The agent loop consumes chunks without knowing which model backend produced them.

package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaykit/relay-gateway/internal/config"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a model-issued request to invoke a named tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Message is one entry in the conversation sent to the model.
// Assistant messages may carry tool calls; tool messages carry the result
// for the call identified by ToolCallID.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolDefinition describes a tool bound to the model for one request.
// InputSchema is the tool's JSON Schema, passed through unmodified.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Chunk is one increment of a streaming model response. A chunk carries
// zero or more text fragments and zero or more completed tool calls;
// providers that only learn the full tool-call set at end of stream emit
// them in a final chunk.
type Chunk struct {
	Text      string
	ToolCalls []ToolCall
}

// Request is one streaming model invocation.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition
}

// Provider streams one model response, invoking onChunk for each increment
// in generation order. Stream returns only after the provider's stream is
// exhausted or fails; a non-nil error means the turn cannot continue.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request, onChunk func(Chunk) error) error
}

// New selects a Provider from configuration.
func New(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key")
		}
		return NewAnthropic(cfg), nil
	case "ollama":
		return NewOllama(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}
