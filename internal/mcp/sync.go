// ABOUTME: Reconciles the tool registry against live MCP discovery results.
// ABOUTME: Also provides the connectivity probe behind the server status endpoint.

package mcp

import (
	"context"
	"fmt"

	"github.com/relaykit/relay-gateway/internal/store"
)

// SyncResult reports what a sync run changed. Errors holds one entry per
// server that failed discovery; those failures do not abort the run.
type SyncResult struct {
	Added   int      `json:"added"`
	Removed int      `json:"removed"`
	Errors  []string `json:"errors,omitempty"`
}

// Sync reconciles MCP-sourced registry tools with live discovery.
// configured is the full server directory; scope is the subset to discover
// against (nil means all). Newly discovered tools are created, and tools
// owned by servers no longer in the directory are deleted. Tools of
// configured servers outside the scope are left untouched, so a scoped
// sync never disturbs its siblings. Re-running with no directory changes
// is a no-op.
func (c *Client) Sync(ctx context.Context, st store.Store, configured, scope []*store.MCPServer) (*SyncResult, error) {
	if scope == nil {
		scope = configured
	}
	result := &SyncResult{}

	discovered, errs := c.DiscoverAll(ctx, scope)
	for _, err := range errs {
		result.Errors = append(result.Errors, err.Error())
	}

	for _, dt := range discovered {
		_, err := st.GetToolByName(ctx, dt.Name)
		if err == nil {
			continue
		}
		if err != store.ErrNotFound {
			return nil, fmt.Errorf("looking up tool %s: %w", dt.Name, err)
		}

		serverName := dt.ServerName
		tool := &store.Tool{
			Name:           dt.Name,
			Description:    dt.Description,
			DefaultContext: fmt.Sprintf("Use the %s tool from the %s MCP server.", dt.RemoteName, dt.ServerName),
			Enabled:        true,
			Source:         store.SourceMCP,
			MCPServerName:  &serverName,
			Schema:         dt.InputSchema,
		}
		if err := st.CreateTool(ctx, tool); err != nil {
			if err == store.ErrDuplicateTool {
				continue
			}
			return nil, fmt.Errorf("creating tool %s: %w", dt.Name, err)
		}
		c.logger.Info("registered MCP tool", "tool", dt.Name, "server", dt.ServerName)
		result.Added++
	}

	// Drop tools whose owning server left the directory entirely.
	names := make(map[string]bool, len(configured))
	for _, srv := range configured {
		names[srv.Name] = true
	}
	all, err := st.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	orphaned := make(map[string]bool)
	for _, tool := range all {
		if tool.Source != store.SourceMCP || tool.MCPServerName == nil {
			continue
		}
		if !names[*tool.MCPServerName] {
			orphaned[*tool.MCPServerName] = true
		}
	}
	for server := range orphaned {
		n, err := st.DeleteToolsByServer(ctx, server)
		if err != nil {
			return nil, fmt.Errorf("removing tools for %s: %w", server, err)
		}
		c.logger.Info("removed orphaned MCP tools", "server", server, "count", n)
		result.Removed += n
	}

	return result, nil
}

// ProbeResult is one server's connectivity check outcome.
type ProbeResult struct {
	Server    string `json:"server"`
	Status    string `json:"status"` // "connected" or "error"
	ToolCount int    `json:"tools_count"`
	Error     string `json:"error,omitempty"`
}

// Probe checks each server by running a full discovery round against it.
func (c *Client) Probe(ctx context.Context, servers []*store.MCPServer) []ProbeResult {
	results := make([]ProbeResult, 0, len(servers))
	for _, srv := range servers {
		pr := ProbeResult{Server: srv.Name}
		tools, err := c.Discover(ctx, srv)
		if err != nil {
			pr.Status = "error"
			pr.Error = err.Error()
		} else {
			pr.Status = "connected"
			pr.ToolCount = len(tools)
		}
		results = append(results, pr)
	}
	return results
}
