// ABOUTME: Store interface and data types for relay-gateway persistence
// ABOUTME: Defines Tool, MCPServer structs and the Store interface for registry operations

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateTool is returned when trying to create a tool whose name already exists
var ErrDuplicateTool = errors.New("tool already exists")

// Tool source constants
const (
	SourceBuiltin = "built-in" // executor compiled into the serving process
	SourceMCP     = "mcp"      // executor proxied to an external MCP server
)

// MCP transport constants
const (
	TransportStdio = "stdio" // local subprocess speaking JSON-RPC over stdio
	TransportHTTP  = "http"  // remote Streamable HTTP endpoint
)

// Tool represents a registry entry for a model-invocable tool.
// MCP-sourced tools are named "{server_name}_{remote_tool_name}" so names
// stay unique across servers.
type Tool struct {
	ID             int64
	Name           string
	Description    string
	DefaultContext string
	CustomContext  *string
	Enabled        bool
	Source         string // "built-in" or "mcp"
	MCPServerName  *string
	Schema         json.RawMessage // JSON input schema; nil for built-ins
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EffectiveContext returns the custom instructional context if set,
// otherwise the default.
func (t *Tool) EffectiveContext() string {
	if t.CustomContext != nil && *t.CustomContext != "" {
		return *t.CustomContext
	}
	return t.DefaultContext
}

// RemoteName returns the tool's name on its owning MCP server, derived by
// stripping the "{server_name}_" prefix. For built-in tools it returns Name.
func (t *Tool) RemoteName() string {
	if t.Source != SourceMCP || t.MCPServerName == nil {
		return t.Name
	}
	prefix := *t.MCPServerName + "_"
	if len(t.Name) > len(prefix) && t.Name[:len(prefix)] == prefix {
		return t.Name[len(prefix):]
	}
	return t.Name
}

// ToolUpdate describes a partial update to a tool. Nil fields are left
// untouched. Only the enabled flag and custom context are mutable.
type ToolUpdate struct {
	Enabled       *bool
	CustomContext *string
}

// MCPServer represents a configured MCP endpoint.
type MCPServer struct {
	ID        string
	Name      string
	Transport string // "stdio" or "http"

	// stdio transport parameters
	Command string
	Args    []string
	Env     map[string]string

	// http transport parameters
	URL     string
	Headers map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Redacted returns a copy with header and env values masked for API
// responses. Both commonly carry credentials.
func (s *MCPServer) Redacted() *MCPServer {
	out := *s
	out.Headers = maskValues(s.Headers)
	out.Env = maskValues(s.Env)
	return &out
}

func maskValues(m map[string]string) map[string]string {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]string, len(m))
	for k := range m {
		out[k] = "********"
	}
	return out
}

// Validate checks the transport-specific required fields.
func (s *MCPServer) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("server name is required")
	}
	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
	case TransportHTTP:
		if s.URL == "" {
			return fmt.Errorf("url is required for http transport")
		}
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", TransportStdio, TransportHTTP, s.Transport)
	}
	return nil
}

// ServerUpdate describes a partial update to an MCP server config.
// Nil fields are left untouched. The transport kind is immutable: changing
// it would invalidate the derived names of every tool discovered under it.
type ServerUpdate struct {
	Name    *string
	Command *string
	Args    *[]string
	Env     *map[string]string
	URL     *string
	Headers *map[string]string
}

// Store defines the persistence interface for the tool registry and
// the MCP server directory. Implementations must be safe for concurrent
// use by multiple turns and administrative calls.
type Store interface {
	// Tool registry
	ListTools(ctx context.Context) ([]*Tool, error)
	GetToolByName(ctx context.Context, name string) (*Tool, error)
	ListEnabledTools(ctx context.Context) ([]*Tool, error)
	ListToolsByServer(ctx context.Context, serverName string) ([]*Tool, error)
	CreateTool(ctx context.Context, tool *Tool) error
	UpdateTool(ctx context.Context, id int64, update ToolUpdate) (*Tool, error)
	DeleteTool(ctx context.Context, id int64) error
	DeleteToolsByServer(ctx context.Context, serverName string) (int, error)
	// SeedDefaults inserts the given tools for any name not already present.
	SeedDefaults(ctx context.Context, defaults []*Tool) error

	// MCP server directory
	ListServers(ctx context.Context) ([]*MCPServer, error)
	GetServer(ctx context.Context, id string) (*MCPServer, error)
	CreateServer(ctx context.Context, server *MCPServer) error
	UpdateServer(ctx context.Context, id string, update ServerUpdate) (*MCPServer, error)
	DeleteServer(ctx context.Context, id string) error

	Close() error
}

// New selects a Store implementation from configuration. Callers never
// branch on the storage kind anywhere else.
func New(backend, path string) (Store, error) {
	switch backend {
	case "sqlite":
		return NewSQLiteStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database backend %q", backend)
	}
}
