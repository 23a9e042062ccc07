// ABOUTME: Tests for the agent loop: dispatch ordering, buffering, and the cap.
// ABOUTME: Uses a scripted provider so turns are fully deterministic.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay-gateway/internal/builtins"
	"github.com/relaykit/relay-gateway/internal/config"
	"github.com/relaykit/relay-gateway/internal/llm"
	"github.com/relaykit/relay-gateway/internal/mcp"
	"github.com/relaykit/relay-gateway/internal/store"
)

// scriptedProvider replays canned chunk sequences, one per Stream call.
// The last sequence repeats if the loop asks for more rounds.
type scriptedProvider struct {
	responses [][]llm.Chunk
	requests  []llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req llm.Request, onChunk func(llm.Chunk) error) error {
	p.requests = append(p.requests, req)
	idx := len(p.requests) - 1
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	for _, chunk := range p.responses[idx] {
		if err := onChunk(chunk); err != nil {
			return err
		}
	}
	return nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.New("memory", "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.SeedDefaults(context.Background(), builtins.DefaultTools()))
	return st
}

func newTestAgent(t *testing.T, st store.Store, provider llm.Provider, maxIterations int) *Agent {
	t.Helper()
	client := mcp.NewClient(config.MCPConfig{
		SessionTimeout: time.Second,
		CallTimeout:    time.Second,
	})
	return New(provider, st, client, config.AgentConfig{MaxToolIterations: maxIterations})
}

type collected struct {
	events []Event
}

func (c *collected) emit(e Event) error {
	c.events = append(c.events, e)
	return nil
}

func (c *collected) texts() []string {
	var out []string
	for _, e := range c.events {
		if e.Type == EventContent {
			out = append(out, e.Text)
		}
	}
	return out
}

func calcCall(id, expr string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: "calculator", Arguments: map[string]any{"expression": expr}}
}

func TestRunPlainTextTurn(t *testing.T) {
	provider := &scriptedProvider{responses: [][]llm.Chunk{
		{{Text: "Hello"}, {Text: ", world!"}},
	}}
	a := newTestAgent(t, newTestStore(t), provider, 8)

	var out collected
	require.NoError(t, a.Run(context.Background(), Turn{Message: "hi", UseTools: true}, out.emit))

	require.Len(t, out.events, 2)
	assert.Equal(t, Event{Type: EventContent, Text: "Hello, world!"}, out.events[0])
	assert.Equal(t, EventDone, out.events[1].Type)

	require.Len(t, provider.requests, 1)
	req := provider.requests[0]
	assert.Contains(t, req.System, "You are a helpful AI assistant.")
	assert.Contains(t, req.System, "tools", "hint present while tools are enabled")
	require.NotEmpty(t, req.Messages)
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.Equal(t, "hi", last.Content)
}

func TestRunToolRoundTrip(t *testing.T) {
	provider := &scriptedProvider{responses: [][]llm.Chunk{
		{{Text: "let me check"}, {ToolCalls: []llm.ToolCall{calcCall("call_1", "2+2")}}},
		{{Text: "The answer is 4"}},
	}}
	a := newTestAgent(t, newTestStore(t), provider, 8)

	var out collected
	require.NoError(t, a.Run(context.Background(), Turn{Message: "what is 2+2?", UseTools: true}, out.emit))

	assert.Equal(t, []string{" [Using tool: calculator]", "The answer is 4"}, out.texts(),
		"text buffered alongside a tool call is discarded")
	assert.Equal(t, EventDone, out.events[len(out.events)-1].Type)

	require.Len(t, provider.requests, 2)
	msgs := provider.requests[1].Messages

	assistant := msgs[len(msgs)-2]
	assert.Equal(t, llm.RoleAssistant, assistant.Role)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call_1", assistant.ToolCalls[0].ID)

	toolMsg := msgs[len(msgs)-1]
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.Equal(t, "The result of 2+2 is 4", toolMsg.Content)
}

func TestRunUnknownToolContinues(t *testing.T) {
	provider := &scriptedProvider{responses: [][]llm.Chunk{
		{{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "time_machine"}}}},
		{{Text: "never mind"}},
	}}
	a := newTestAgent(t, newTestStore(t), provider, 8)

	var out collected
	require.NoError(t, a.Run(context.Background(), Turn{Message: "go back", UseTools: true}, out.emit))

	require.Len(t, provider.requests, 2)
	msgs := provider.requests[1].Messages
	toolMsg := msgs[len(msgs)-1]
	assert.Equal(t, "Tool 'time_machine' not found", toolMsg.Content)
	assert.Equal(t, "c1", toolMsg.ToolCallID)
	assert.Equal(t, []string{" [Using tool: time_machine]", "never mind"}, out.texts())
}

func TestRunSequentialDispatchOrder(t *testing.T) {
	provider := &scriptedProvider{responses: [][]llm.Chunk{
		{{ToolCalls: []llm.ToolCall{
			calcCall("c1", "1+1"),
			calcCall("c2", "2+2"),
			calcCall("c3", "3+3"),
		}}},
		{{Text: "done"}},
	}}
	a := newTestAgent(t, newTestStore(t), provider, 8)

	var out collected
	require.NoError(t, a.Run(context.Background(), Turn{Message: "sums", UseTools: true}, out.emit))

	require.Len(t, provider.requests, 2)
	msgs := provider.requests[1].Messages

	var results []llm.Message
	for _, m := range msgs {
		if m.Role == llm.RoleTool {
			results = append(results, m)
		}
	}
	require.Len(t, results, 3)
	assert.Equal(t, []string{"c1", "c2", "c3"},
		[]string{results[0].ToolCallID, results[1].ToolCallID, results[2].ToolCallID})
	assert.Contains(t, results[0].Content, "is 2")
	assert.Contains(t, results[1].Content, "is 4")
	assert.Contains(t, results[2].Content, "is 6")
}

func TestRunOrderingSurvivesSlowTool(t *testing.T) {
	// A remote MCP backend where tool "b" answers slowly. Results must
	// still land in call order, not completion order.
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
			Params struct {
				Name string `json:"name"`
			} `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		result := `{"protocolVersion":"2025-03-26","serverInfo":{"name":"lab","version":"1"}}`
		if req.Method == "tools/call" {
			if req.Params.Name == "b" {
				time.Sleep(150 * time.Millisecond)
			}
			result = fmt.Sprintf(`{"content":[{"type":"text","text":"result-%s"}]}`, req.Params.Name)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s}`, *req.ID, result)
	}))
	defer backend.Close()

	st := newTestStore(t)
	require.NoError(t, st.CreateServer(context.Background(), &store.MCPServer{
		Name: "lab", Transport: store.TransportHTTP, URL: backend.URL,
	}))
	server := "lab"
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, st.CreateTool(context.Background(), &store.Tool{
			Name:          "lab_" + name,
			Source:        store.SourceMCP,
			MCPServerName: &server,
			Enabled:       true,
		}))
	}

	provider := &scriptedProvider{responses: [][]llm.Chunk{
		{{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "lab_a"},
			{ID: "c2", Name: "lab_b"},
			{ID: "c3", Name: "lab_c"},
		}}},
		{{Text: "done"}},
	}}
	a := newTestAgent(t, st, provider, 8)

	var out collected
	require.NoError(t, a.Run(context.Background(), Turn{Message: "go", UseTools: true}, out.emit))

	var results []llm.Message
	for _, m := range provider.requests[1].Messages {
		if m.Role == llm.RoleTool {
			results = append(results, m)
		}
	}
	require.Len(t, results, 3)
	assert.Equal(t, []string{"c1", "c2", "c3"},
		[]string{results[0].ToolCallID, results[1].ToolCallID, results[2].ToolCallID})
	assert.Equal(t, []string{"result-a", "result-b", "result-c"},
		[]string{results[0].Content, results[1].Content, results[2].Content})
}

func TestRunIterationCap(t *testing.T) {
	// The model never stops asking for tools.
	provider := &scriptedProvider{responses: [][]llm.Chunk{
		{{Text: "still working"}, {ToolCalls: []llm.ToolCall{calcCall("c", "1+1")}}},
	}}
	a := newTestAgent(t, newTestStore(t), provider, 3)

	var out collected
	require.NoError(t, a.Run(context.Background(), Turn{Message: "loop forever", UseTools: true}, out.emit))

	// Three dispatch rounds, then a forced final flush.
	assert.Len(t, provider.requests, 4)

	notices := 0
	for _, text := range out.texts() {
		if strings.HasPrefix(text, " [Using tool:") {
			notices++
		}
	}
	assert.Equal(t, 3, notices)

	dones := 0
	for _, e := range out.events {
		if e.Type == EventDone {
			dones++
		}
	}
	assert.Equal(t, 1, dones, "exactly one completion event")
	assert.Equal(t, EventDone, out.events[len(out.events)-1].Type)
	assert.Equal(t, "still working", out.texts()[len(out.texts())-1],
		"final iteration's text is flushed at the cap")
}

func TestRunCustomContextInSystemPrompt(t *testing.T) {
	st := newTestStore(t)
	tool, err := st.GetToolByName(context.Background(), "calculator")
	require.NoError(t, err)
	custom := "Always show your work."
	_, err = st.UpdateTool(context.Background(), tool.ID, store.ToolUpdate{CustomContext: &custom})
	require.NoError(t, err)

	provider := &scriptedProvider{responses: [][]llm.Chunk{{{Text: "ok"}}}}
	a := newTestAgent(t, st, provider, 8)

	var out collected
	require.NoError(t, a.Run(context.Background(), Turn{Message: "hi", UseTools: true}, out.emit))

	req := provider.requests[0]
	assert.Contains(t, req.System, "Tool-specific instructions:")
	assert.Contains(t, req.System, "calculator: Always show your work.")
}

func TestRunDisabledToolNotBound(t *testing.T) {
	st := newTestStore(t)
	tool, err := st.GetToolByName(context.Background(), "calculator")
	require.NoError(t, err)
	off := false
	_, err = st.UpdateTool(context.Background(), tool.ID, store.ToolUpdate{Enabled: &off})
	require.NoError(t, err)

	provider := &scriptedProvider{responses: [][]llm.Chunk{{{Text: "ok"}}}}
	a := newTestAgent(t, st, provider, 8)

	var out collected
	require.NoError(t, a.Run(context.Background(), Turn{Message: "hi", UseTools: true}, out.emit))

	for _, def := range provider.requests[0].Tools {
		assert.NotEqual(t, "calculator", def.Name)
	}
}

func TestRunMCPArgumentValidation(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateServer(context.Background(), &store.MCPServer{
		Name:      "docs",
		Transport: store.TransportHTTP,
		URL:       "http://127.0.0.1:1", // never reached: validation fails first
	}))
	server := "docs"
	require.NoError(t, st.CreateTool(context.Background(), &store.Tool{
		Name:          "docs_search",
		Source:        store.SourceMCP,
		MCPServerName: &server,
		Enabled:       true,
		Schema:        []byte(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`),
	}))

	provider := &scriptedProvider{responses: [][]llm.Chunk{
		{{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "docs_search", Arguments: map[string]any{}}}}},
		{{Text: "sorry"}},
	}}
	a := newTestAgent(t, st, provider, 8)

	var out collected
	require.NoError(t, a.Run(context.Background(), Turn{Message: "search", UseTools: true}, out.emit))

	msgs := provider.requests[1].Messages
	toolMsg := msgs[len(msgs)-1]
	assert.Contains(t, toolMsg.Content, "Error executing tool: invalid arguments")
	assert.Contains(t, toolMsg.Content, "q")
}

func TestRunEmitErrorCancelsTurn(t *testing.T) {
	provider := &scriptedProvider{responses: [][]llm.Chunk{{{Text: "hello"}}}}
	a := newTestAgent(t, newTestStore(t), provider, 8)

	calls := 0
	err := a.Run(context.Background(), Turn{Message: "hi", UseTools: true}, func(Event) error {
		calls++
		return context.Canceled
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "no events after a failed emit")
}

func TestRunWithoutTools(t *testing.T) {
	provider := &scriptedProvider{responses: [][]llm.Chunk{{{Text: "just chat"}}}}
	a := newTestAgent(t, newTestStore(t), provider, 8)

	var out collected
	require.NoError(t, a.Run(context.Background(), Turn{Message: "hi"}, out.emit))

	req := provider.requests[0]
	assert.Empty(t, req.Tools)
	assert.Equal(t, "You are a helpful AI assistant.", req.System)
	assert.Equal(t, []string{"just chat"}, out.texts())
}
