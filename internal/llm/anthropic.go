// ABOUTME: Anthropic Messages API provider using the official Go SDK.
// ABOUTME: Streams text deltas as they arrive; tool calls are emitted once the message is complete.

package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/relaykit/relay-gateway/internal/config"
)

// Anthropic implements Provider against the Anthropic Messages API.
type Anthropic struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
}

// NewAnthropic creates an Anthropic provider from configuration.
func NewAnthropic(cfg config.LLMConfig) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &Anthropic{
		client:      anthropic.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}
}

// Name returns the provider identifier.
func (a *Anthropic) Name() string { return "anthropic" }

// Stream issues one streaming Messages request. Text deltas are forwarded
// chunk-by-chunk; tool_use blocks are only complete when the stream ends,
// so they are emitted in one final chunk.
func (a *Anthropic) Stream(ctx context.Context, req Request, onChunk func(Chunk) error) error {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   a.maxTokens,
		Temperature: param.NewOpt(a.temperature),
		Messages:    toAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return fmt.Errorf("accumulating stream event: %w", err)
		}

		if event.Type == "content_block_delta" && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
			if err := onChunk(Chunk{Text: event.Delta.Text}); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}

	calls := toolCallsFromMessage(msg)
	if len(calls) > 0 {
		return onChunk(Chunk{ToolCalls: calls})
	}
	return nil
}

// toAnthropicMessages converts the provider-neutral history into SDK params.
// System messages are excluded; the caller passes the system prompt separately.
func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}
	return out
}

// toAnthropicTools converts tool definitions, lifting each raw JSON Schema
// into the SDK's input schema shape without interpreting it.
func toAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				InputSchema: buildInputSchema(t.InputSchema),
			},
		})
	}
	return out
}

func buildInputSchema(raw json.RawMessage) anthropic.ToolInputSchemaParam {
	schema := anthropic.ToolInputSchemaParam{}
	if len(raw) == 0 {
		return schema
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return schema
	}

	if props, ok := parsed["properties"]; ok {
		schema.Properties = props
	}
	if req, ok := parsed["required"].([]any); ok {
		required := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
		schema.Required = required
	}
	return schema
}

func toolCallsFromMessage(msg anthropic.Message) []ToolCall {
	var calls []ToolCall
	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		toolUse := block.AsToolUse()

		args := make(map[string]any)
		if len(toolUse.Input) > 0 {
			// Malformed input still produces a call; the executor's schema
			// validation reports the problem as a tool result.
			_ = json.Unmarshal(toolUse.Input, &args)
		}

		calls = append(calls, ToolCall{
			ID:        toolUse.ID,
			Name:      toolUse.Name,
			Arguments: args,
		})
	}
	return calls
}
