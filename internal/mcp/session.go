// ABOUTME: Session abstraction over MCP transports plus the initialize handshake.
// ABOUTME: Picks stdio or Streamable HTTP based on the server record.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaykit/relay-gateway/internal/store"
)

// session is a live connection to an MCP server. Implementations are not
// safe for concurrent calls; each session serves one request sequence.
type session interface {
	// call sends a request and waits for the matching response.
	call(ctx context.Context, method string, params any) (json.RawMessage, error)
	// notify sends a notification (no response expected).
	notify(ctx context.Context, method string, params any) error
	close() error
}

// openSession connects to the server and completes the MCP initialize
// handshake. The caller must close the returned session.
func openSession(ctx context.Context, srv *store.MCPServer) (session, error) {
	var (
		s   session
		err error
	)
	switch srv.Transport {
	case store.TransportStdio:
		s, err = newStdioSession(ctx, srv)
	case store.TransportHTTP:
		s, err = newHTTPSession(srv)
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}
	if err != nil {
		return nil, err
	}

	if err := initialize(ctx, s); err != nil {
		s.close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return s, nil
}

func initialize(ctx context.Context, s session) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "relay-gateway", Version: "1.0.0"},
	}
	raw, err := s.call(ctx, methodInitialize, params)
	if err != nil {
		return err
	}
	var res initializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decoding initialize result: %w", err)
	}
	return s.notify(ctx, methodInitialized, nil)
}
