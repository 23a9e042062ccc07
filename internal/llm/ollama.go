// ABOUTME: Ollama chat provider speaking the /api/chat streaming protocol over plain HTTP.
// ABOUTME: Decodes newline-delimited JSON chunks carrying text deltas and tool calls.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/relaykit/relay-gateway/internal/config"
)

const defaultOllamaURL = "http://localhost:11434"

// Ollama implements Provider against an Ollama-compatible HTTP endpoint.
type Ollama struct {
	client      *http.Client
	baseURL     string
	model       string
	temperature float64
}

// NewOllama creates an Ollama provider from configuration.
func NewOllama(cfg config.LLMConfig) *Ollama {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	return &Ollama{
		client:      &http.Client{},
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
}

// Name returns the provider identifier.
func (o *Ollama) Name() string { return "ollama" }

// ollamaMessage is the wire form of a chat message.
type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaFunction `json:"function"`
}

type ollamaFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ollamaChunk is one line of the streaming /api/chat response.
type ollamaChunk struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

// Stream issues a streaming chat request and forwards each decoded chunk.
func (o *Ollama) Stream(ctx context.Context, req Request, onChunk func(Chunk) error) error {
	messages := make([]ollamaMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, ollamaMessage{Role: RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, ollamaToolCall{
				Function: ollamaFunction{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		messages = append(messages, om)
	}

	payload := map[string]any{
		"model":    o.model,
		"messages": messages,
		"stream":   true,
		"options":  map[string]any{"temperature": o.temperature},
	}
	if len(req.Tools) > 0 {
		payload["tools"] = o.formatTools(req.Tools)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("calling ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama: /api/chat returned %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	callSeq := 0

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("decoding chat chunk: %w", err)
		}

		out := Chunk{Text: chunk.Message.Content}
		for _, tc := range chunk.Message.ToolCalls {
			// Ollama does not assign call ids; synthesize stable ones so
			// tool results can be correlated in the conversation record.
			callSeq++
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        fmt.Sprintf("call_%d", callSeq),
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}

		if out.Text != "" || len(out.ToolCalls) > 0 {
			if err := onChunk(out); err != nil {
				return err
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading chat stream: %w", err)
	}
	return nil
}

func (o *Ollama) formatTools(tools []ToolDefinition) []ollamaTool {
	out := make([]ollamaTool, 0, len(tools))
	for _, t := range tools {
		var ot ollamaTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		if len(t.InputSchema) > 0 {
			ot.Function.Parameters = t.InputSchema
		} else {
			ot.Function.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, ot)
	}
	return out
}
