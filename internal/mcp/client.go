// ABOUTME: MCP client facade: tool discovery and invocation against configured servers.
// ABOUTME: Each operation opens a fresh session, runs the handshake, and tears down.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaykit/relay-gateway/internal/config"
	"github.com/relaykit/relay-gateway/internal/store"
)

// NoOutputText is the tool result substituted when a call succeeds but
// produces no content. The model needs a non-empty result to continue.
const NoOutputText = "Tool executed successfully (no output)"

// DiscoveredTool is a tool advertised by an MCP server, carrying the
// derived registry name alongside the server's own name for the tool.
type DiscoveredTool struct {
	ServerName  string
	RemoteName  string
	Name        string // derived: {server}_{remote}
	Description string
	InputSchema json.RawMessage
}

// DerivedName builds the registry name for a remote tool. The server
// prefix keeps tools from different servers from colliding.
func DerivedName(serverName, remoteName string) string {
	return serverName + "_" + remoteName
}

type Client struct {
	sessionTimeout time.Duration
	callTimeout    time.Duration
	logger         *slog.Logger
}

func NewClient(cfg config.MCPConfig) *Client {
	return &Client{
		sessionTimeout: cfg.SessionTimeout,
		callTimeout:    cfg.CallTimeout,
		logger:         slog.Default().With("component", "mcp"),
	}
}

// Discover connects to one server and lists its tools.
func (c *Client) Discover(ctx context.Context, srv *store.MCPServer) ([]DiscoveredTool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.sessionTimeout)
	defer cancel()

	s, err := openSession(ctx, srv)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", srv.Name, err)
	}
	defer s.close()

	raw, err := s.call(ctx, methodListTools, map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("listing tools on %s: %w", srv.Name, err)
	}
	var res listToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding tool list from %s: %w", srv.Name, err)
	}

	tools := make([]DiscoveredTool, 0, len(res.Tools))
	for _, t := range res.Tools {
		tools = append(tools, DiscoveredTool{
			ServerName:  srv.Name,
			RemoteName:  t.Name,
			Name:        DerivedName(srv.Name, t.Name),
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return tools, nil
}

// DiscoverAll lists tools across servers. A failing server contributes an
// error but never blocks discovery on the others.
func (c *Client) DiscoverAll(ctx context.Context, servers []*store.MCPServer) ([]DiscoveredTool, []error) {
	var (
		tools []DiscoveredTool
		errs  []error
	)
	for _, srv := range servers {
		found, err := c.Discover(ctx, srv)
		if err != nil {
			c.logger.Warn("discovery failed", "server", srv.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		tools = append(tools, found...)
	}
	return tools, errs
}

// Invoke calls a remote tool and returns its text output. Failures of any
// kind come back as an explanatory result string, never an error: the
// agent loop hands the text to the model and keeps going.
func (c *Client) Invoke(ctx context.Context, srv *store.MCPServer, remoteName string, args map[string]any) string {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	s, err := openSession(ctx, srv)
	if err != nil {
		return invokeError(err)
	}
	defer s.close()

	raw, err := s.call(ctx, methodCallTool, callToolParams{Name: remoteName, Arguments: args})
	if err != nil {
		return invokeError(err)
	}
	var res callToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return invokeError(fmt.Errorf("decoding result: %w", err))
	}

	var parts []string
	for _, item := range res.Content {
		if item.Type == "text" && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		if text == "" {
			text = "unknown error"
		}
		return invokeError(fmt.Errorf("%s", text))
	}
	if text == "" {
		return NoOutputText
	}
	return text
}

func invokeError(err error) string {
	return fmt.Sprintf("Error executing tool: %v", err)
}
