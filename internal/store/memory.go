// ABOUTME: In-memory implementation of the Store interface for tests and ephemeral deployments
// ABOUTME: Guards all state with a single RWMutex; data is lost on restart

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements the Store interface with in-process maps.
type MemoryStore struct {
	mu      sync.RWMutex
	tools   map[int64]*Tool
	servers map[string]*MCPServer
	nextID  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tools:   make(map[int64]*Tool),
		servers: make(map[string]*MCPServer),
		nextID:  1,
	}
}

// Close is a no-op for the memory backend.
func (m *MemoryStore) Close() error { return nil }

func copyTool(t *Tool) *Tool {
	out := *t
	if t.CustomContext != nil {
		c := *t.CustomContext
		out.CustomContext = &c
	}
	if t.MCPServerName != nil {
		n := *t.MCPServerName
		out.MCPServerName = &n
	}
	if t.Schema != nil {
		out.Schema = append([]byte(nil), t.Schema...)
	}
	return &out
}

func copyServer(s *MCPServer) *MCPServer {
	out := *s
	out.Args = append([]string(nil), s.Args...)
	if s.Env != nil {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	if s.Headers != nil {
		out.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			out.Headers[k] = v
		}
	}
	return &out
}

func (m *MemoryStore) listTools(filter func(*Tool) bool) []*Tool {
	var tools []*Tool
	for _, t := range m.tools {
		if filter == nil || filter(t) {
			tools = append(tools, copyTool(t))
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// ListTools returns all registered tools ordered by name.
func (m *MemoryStore) ListTools(ctx context.Context) ([]*Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTools(nil), nil
}

// GetToolByName returns the tool with the given name, or ErrNotFound.
func (m *MemoryStore) GetToolByName(ctx context.Context, name string) (*Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tools {
		if t.Name == name {
			return copyTool(t), nil
		}
	}
	return nil, ErrNotFound
}

// ListEnabledTools returns all tools with the enabled flag set.
func (m *MemoryStore) ListEnabledTools(ctx context.Context) ([]*Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTools(func(t *Tool) bool { return t.Enabled }), nil
}

// ListToolsByServer returns all tools owned by the named MCP server.
func (m *MemoryStore) ListToolsByServer(ctx context.Context, serverName string) ([]*Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTools(func(t *Tool) bool {
		return t.MCPServerName != nil && *t.MCPServerName == serverName
	}), nil
}

// CreateTool inserts a new tool, assigning its ID and timestamps.
func (m *MemoryStore) CreateTool(ctx context.Context, tool *Tool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tools {
		if t.Name == tool.Name {
			return ErrDuplicateTool
		}
	}

	now := time.Now().UTC()
	tool.ID = m.nextID
	m.nextID++
	tool.CreatedAt = now
	tool.UpdatedAt = now
	m.tools[tool.ID] = copyTool(tool)
	return nil
}

// UpdateTool applies a partial update and returns the updated record.
func (m *MemoryStore) UpdateTool(ctx context.Context, id int64, update ToolUpdate) (*Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tools[id]
	if !ok {
		return nil, ErrNotFound
	}
	if update.Enabled != nil {
		t.Enabled = *update.Enabled
	}
	if update.CustomContext != nil {
		c := *update.CustomContext
		t.CustomContext = &c
	}
	if update.Enabled != nil || update.CustomContext != nil {
		t.UpdatedAt = time.Now().UTC()
	}
	return copyTool(t), nil
}

// DeleteTool removes a tool by ID.
func (m *MemoryStore) DeleteTool(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tools[id]; !ok {
		return ErrNotFound
	}
	delete(m.tools, id)
	return nil
}

// DeleteToolsByServer removes every tool owned by the named MCP server.
func (m *MemoryStore) DeleteToolsByServer(ctx context.Context, serverName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id, t := range m.tools {
		if t.MCPServerName != nil && *t.MCPServerName == serverName {
			delete(m.tools, id)
			count++
		}
	}
	return count, nil
}

// SeedDefaults inserts the given tools for names not already present.
func (m *MemoryStore) SeedDefaults(ctx context.Context, defaults []*Tool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := make(map[string]bool, len(m.tools))
	for _, t := range m.tools {
		existing[t.Name] = true
	}

	now := time.Now().UTC()
	for _, tool := range defaults {
		if existing[tool.Name] {
			continue
		}
		seeded := copyTool(tool)
		seeded.ID = m.nextID
		m.nextID++
		seeded.CreatedAt = now
		seeded.UpdatedAt = now
		m.tools[seeded.ID] = seeded
	}
	return nil
}

// ListServers returns all configured MCP servers ordered by name.
func (m *MemoryStore) ListServers(ctx context.Context) ([]*MCPServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var servers []*MCPServer
	for _, s := range m.servers {
		servers = append(servers, copyServer(s))
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers, nil
}

// GetServer returns the server with the given ID, or ErrNotFound.
func (m *MemoryStore) GetServer(ctx context.Context, id string) (*MCPServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyServer(s), nil
}

// CreateServer inserts a new MCP server config, assigning an ID if empty.
func (m *MemoryStore) CreateServer(ctx context.Context, srv *MCPServer) error {
	if err := srv.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if srv.ID == "" {
		srv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	srv.CreatedAt = now
	srv.UpdatedAt = now
	m.servers[srv.ID] = copyServer(srv)
	return nil
}

// UpdateServer applies a partial update and returns the updated record.
// The transport kind is never changed.
func (m *MemoryStore) UpdateServer(ctx context.Context, id string, update ServerUpdate) (*MCPServer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	if update.Name != nil {
		s.Name = *update.Name
	}
	if update.Command != nil {
		s.Command = *update.Command
	}
	if update.Args != nil {
		s.Args = append([]string(nil), (*update.Args)...)
	}
	if update.Env != nil {
		s.Env = *update.Env
	}
	if update.URL != nil {
		s.URL = *update.URL
	}
	if update.Headers != nil {
		s.Headers = *update.Headers
	}
	s.UpdatedAt = time.Now().UTC()
	return copyServer(s), nil
}

// DeleteServer removes a server config by ID.
func (m *MemoryStore) DeleteServer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[id]; !ok {
		return ErrNotFound
	}
	delete(m.servers, id)
	return nil
}
