// ABOUTME: Streamable HTTP transport for remote MCP servers.
// ABOUTME: POSTs JSON-RPC messages and handles both JSON and SSE response bodies.

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaykit/relay-gateway/internal/store"
)

// teardownTimeout bounds the session-delete request so a hung server
// cannot stall session close.
var teardownTimeout = 5 * time.Second

type httpSession struct {
	client    *http.Client
	url       string
	headers   map[string]string
	sessionID string
	nextID    int64
}

func newHTTPSession(srv *store.MCPServer) (*httpSession, error) {
	return &httpSession{
		client:  &http.Client{},
		url:     srv.URL,
		headers: srv.Headers,
	}, nil
}

func (s *httpSession) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.nextID++
	id := s.nextID
	resp, err := s.post(ctx, jsonrpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		s.sessionID = sid
	}

	var rpc jsonrpcResponse
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		rpc, err = readSSEResponse(resp.Body, id)
	} else {
		err = json.NewDecoder(resp.Body).Decode(&rpc)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if rpc.Error != nil {
		return nil, rpc.Error
	}
	return rpc.Result, nil
}

func (s *httpSession) notify(ctx context.Context, method string, params any) error {
	resp, err := s.post(ctx, jsonrpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d for notification", resp.StatusCode)
	}
	return nil
}

func (s *httpSession) post(ctx context.Context, msg jsonrpcRequest) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if s.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", s.sessionID)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	return s.client.Do(req)
}

// readSSEResponse scans an event stream for the JSON-RPC response matching id.
func readSSEResponse(body io.Reader, id int64) (jsonrpcResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var rpc jsonrpcResponse
		if err := json.Unmarshal([]byte(data), &rpc); err != nil {
			continue
		}
		if rpc.ID != nil && *rpc.ID == id {
			return rpc, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return jsonrpcResponse{}, err
	}
	return jsonrpcResponse{}, fmt.Errorf("stream ended without response for request %d", id)
}

func (s *httpSession) close() error {
	if s.sessionID == "" {
		return nil
	}
	// Teardown is bounded on its own: the caller's ctx is often already
	// cancelled by the time the session closes.
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Mcp-Session-Id", s.sessionID)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
