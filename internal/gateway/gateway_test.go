// ABOUTME: Handler tests for the gateway: chat SSE framing and the admin APIs.
// ABOUTME: Runs against the in-memory store with a scripted turn runner.

package gateway

import (
	"bytes"
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

	"github.com/relaykit/relay-gateway/internal/agent"
	"github.com/relaykit/relay-gateway/internal/builtins"
	"github.com/relaykit/relay-gateway/internal/config"
	"github.com/relaykit/relay-gateway/internal/mcp"
	"github.com/relaykit/relay-gateway/internal/store"
)

type stubRunner struct {
	turns  []agent.Turn
	events []agent.Event
	err    error
}

func (s *stubRunner) Run(ctx context.Context, turn agent.Turn, emit agent.EmitFunc) error {
	s.turns = append(s.turns, turn)
	for _, e := range s.events {
		if err := emit(e); err != nil {
			return err
		}
	}
	return s.err
}

func setupGateway(t *testing.T, runner TurnRunner) (*Gateway, store.Store) {
	t.Helper()
	st, err := store.New("memory", "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.SeedDefaults(context.Background(), builtins.DefaultTools()))

	client := mcp.NewClient(config.MCPConfig{
		SessionTimeout: 2 * time.Second,
		CallTimeout:    2 * time.Second,
	})
	return NewGateway(st, runner, client), st
}

func doJSON(t *testing.T, g *Gateway, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, req)
	return rec
}

// fakeMCP answers the minimal MCP surface the gateway exercises.
func fakeMCP(t *testing.T, tools ...string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		var result string
		switch req.Method {
		case "initialize":
			result = `{"protocolVersion":"2025-03-26","serverInfo":{"name":"fake","version":"1"}}`
		case "tools/list":
			var entries []string
			for _, name := range tools {
				entries = append(entries, fmt.Sprintf(`{"name":%q,"description":"d"}`, name))
			}
			result = fmt.Sprintf(`{"tools":[%s]}`, strings.Join(entries, ","))
		default:
			result = `{"content":[{"type":"text","text":"ok"}]}`
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s}`, *req.ID, result)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestHealth(t *testing.T) {
	g, _ := setupGateway(t, &stubRunner{})
	rec := doJSON(t, g, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestChatStreamsSSE(t *testing.T) {
	runner := &stubRunner{events: []agent.Event{
		{Type: agent.EventContent, Text: "Hello"},
		{Type: agent.EventContent, Text: " there"},
		{Type: agent.EventDone},
	}}
	g, _ := setupGateway(t, runner)

	rec := doJSON(t, g, http.MethodPost, "/api/chat", map[string]any{"message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `data: {"content":"Hello"}`+"\n\n")
	assert.Contains(t, body, `data: {"content":" there"}`+"\n\n")
	assert.True(t, strings.HasSuffix(body, `data: {"done":true}`+"\n\n"),
		"done frame is last, got %q", body)
}

func TestChatEmptyMessageRejectedBeforeStreaming(t *testing.T) {
	runner := &stubRunner{}
	g, _ := setupGateway(t, runner)

	rec := doJSON(t, g, http.MethodPost, "/api/chat", map[string]any{"message": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Empty(t, runner.turns, "no turn runs for an invalid request")
}

func TestChatInvalidJSON(t *testing.T) {
	g, _ := setupGateway(t, &stubRunner{})
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatUseToolsDefaultsTrue(t *testing.T) {
	runner := &stubRunner{events: []agent.Event{{Type: agent.EventDone}}}
	g, _ := setupGateway(t, runner)

	doJSON(t, g, http.MethodPost, "/api/chat", map[string]any{"message": "hi"})
	doJSON(t, g, http.MethodPost, "/api/chat", map[string]any{"message": "hi", "use_tools": false})

	require.Len(t, runner.turns, 2)
	assert.True(t, runner.turns[0].UseTools)
	assert.False(t, runner.turns[1].UseTools)
}

func TestChatHistoryForwarded(t *testing.T) {
	runner := &stubRunner{events: []agent.Event{{Type: agent.EventDone}}}
	g, _ := setupGateway(t, runner)

	doJSON(t, g, http.MethodPost, "/api/chat", map[string]any{
		"message": "and now?",
		"history": []map[string]string{
			{"role": "user", "content": "first"},
			{"role": "assistant", "content": "reply"},
			{"role": "bogus", "content": "dropped"},
		},
	})

	require.Len(t, runner.turns, 1)
	history := runner.turns[0].History
	require.Len(t, history, 2)
	assert.Equal(t, "first", history[0].Content)
	assert.Equal(t, "reply", history[1].Content)
}

func TestChatTurnErrorEmitsErrorFrame(t *testing.T) {
	runner := &stubRunner{err: fmt.Errorf("model unavailable")}
	g, _ := setupGateway(t, runner)

	rec := doJSON(t, g, http.MethodPost, "/api/chat", map[string]any{"message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `data: {"error":"model unavailable"}`)
	assert.NotContains(t, rec.Body.String(), `"done"`)
}

func TestListTools(t *testing.T) {
	g, _ := setupGateway(t, &stubRunner{})
	rec := doJSON(t, g, http.MethodGet, "/api/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var tools []toolResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tools))
	require.Len(t, tools, 4)

	names := make(map[string]bool)
	for _, tool := range tools {
		names[tool.Name] = true
		assert.True(t, tool.Enabled)
		assert.Equal(t, store.SourceBuiltin, tool.Source)
	}
	assert.True(t, names["calculator"])
	assert.True(t, names["web_search"])
}

func TestUpdateTool(t *testing.T) {
	g, st := setupGateway(t, &stubRunner{})
	tool, err := st.GetToolByName(context.Background(), "calculator")
	require.NoError(t, err)

	rec := doJSON(t, g, http.MethodPatch, fmt.Sprintf("/api/tools/%d", tool.ID), map[string]any{
		"enabled":        false,
		"custom_context": "Be precise.",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var updated toolResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.False(t, updated.Enabled)
	require.NotNil(t, updated.CustomContext)
	assert.Equal(t, "Be precise.", *updated.CustomContext)
}

func TestUpdateToolNotFound(t *testing.T) {
	g, _ := setupGateway(t, &stubRunner{})
	rec := doJSON(t, g, http.MethodPatch, "/api/tools/99999", map[string]any{"enabled": false})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateToolBadID(t *testing.T) {
	g, _ := setupGateway(t, &stubRunner{})
	rec := doJSON(t, g, http.MethodPatch, "/api/tools/abc", map[string]any{"enabled": false})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddServerRegistersTools(t *testing.T) {
	ts := fakeMCP(t, "search", "fetch")
	g, st := setupGateway(t, &stubRunner{})

	rec := doJSON(t, g, http.MethodPost, "/api/mcp-servers", map[string]any{
		"name":      "docs",
		"transport": "http",
		"url":       ts.URL,
		"headers":   map[string]string{"Authorization": "Bearer secret"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp addServerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.ToolsAdded)
	assert.NotEmpty(t, resp.Server.ID)
	assert.Equal(t, "********", resp.Server.Headers["Authorization"])

	tool, err := st.GetToolByName(context.Background(), "docs_search")
	require.NoError(t, err)
	assert.Equal(t, store.SourceMCP, tool.Source)
}

func TestAddServerValidation(t *testing.T) {
	g, _ := setupGateway(t, &stubRunner{})
	rec := doJSON(t, g, http.MethodPost, "/api/mcp-servers", map[string]any{
		"name":      "docs",
		"transport": "http",
		// url missing
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddServerUnreachableFailsHard(t *testing.T) {
	g, st := setupGateway(t, &stubRunner{})
	rec := doJSON(t, g, http.MethodPost, "/api/mcp-servers", map[string]any{
		"name":      "docs",
		"transport": "http",
		"url":       "http://127.0.0.1:1",
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	servers, err := st.ListServers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, servers, "a failed add persists nothing")
}

func TestDeleteServerCascades(t *testing.T) {
	ts := fakeMCP(t, "search")
	g, st := setupGateway(t, &stubRunner{})

	rec := doJSON(t, g, http.MethodPost, "/api/mcp-servers", map[string]any{
		"name": "docs", "transport": "http", "url": ts.URL,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created addServerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, g, http.MethodDelete, "/api/mcp-servers/"+created.Server.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tools_removed":1`)

	_, err := st.GetToolByName(context.Background(), "docs_search")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateServerPartial(t *testing.T) {
	ts := fakeMCP(t, "search")
	g, _ := setupGateway(t, &stubRunner{})

	rec := doJSON(t, g, http.MethodPost, "/api/mcp-servers", map[string]any{
		"name": "docs", "transport": "http", "url": ts.URL,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created addServerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	newURL := ts.URL + "/v2"
	rec = doJSON(t, g, http.MethodPatch, "/api/mcp-servers/"+created.Server.ID, map[string]any{
		"url": newURL,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var updated serverResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, newURL, updated.URL)
	assert.Equal(t, "docs", updated.Name, "unset fields are untouched")
	assert.Equal(t, "http", updated.Transport)
}

func TestSyncIdempotent(t *testing.T) {
	ts := fakeMCP(t, "search")
	g, _ := setupGateway(t, &stubRunner{})

	rec := doJSON(t, g, http.MethodPost, "/api/mcp-servers", map[string]any{
		"name": "docs", "transport": "http", "url": ts.URL,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, g, http.MethodPost, "/api/mcp-servers/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res mcp.SyncResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 0, res.Added)
	assert.Equal(t, 0, res.Removed)
}

func TestSyncScopedUnknownServer(t *testing.T) {
	g, _ := setupGateway(t, &stubRunner{})
	rec := doJSON(t, g, http.MethodPost, "/api/mcp-servers/sync", map[string]any{"server": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusProbe(t *testing.T) {
	ts := fakeMCP(t, "search")
	g, st := setupGateway(t, &stubRunner{})

	require.NoError(t, st.CreateServer(context.Background(), &store.MCPServer{
		Name: "up", Transport: store.TransportHTTP, URL: ts.URL,
	}))
	require.NoError(t, st.CreateServer(context.Background(), &store.MCPServer{
		Name: "down", Transport: store.TransportHTTP, URL: "http://127.0.0.1:1",
	}))

	rec := doJSON(t, g, http.MethodGet, "/api/mcp-servers/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var results []mcp.ProbeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 2)

	byName := make(map[string]mcp.ProbeResult)
	for _, r := range results {
		byName[r.Server] = r
	}
	assert.Equal(t, "connected", byName["up"].Status)
	assert.Equal(t, 1, byName["up"].ToolCount)
	assert.Equal(t, "error", byName["down"].Status)
	assert.NotEmpty(t, byName["down"].Error)
}

func TestListServersRedacted(t *testing.T) {
	g, st := setupGateway(t, &stubRunner{})
	require.NoError(t, st.CreateServer(context.Background(), &store.MCPServer{
		Name:      "local",
		Transport: store.TransportStdio,
		Command:   "mcp-server",
		Env:       map[string]string{"API_KEY": "sk-secret"},
	}))

	rec := doJSON(t, g, http.MethodGet, "/api/mcp-servers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-secret")
	assert.Contains(t, rec.Body.String(), "********")
}
