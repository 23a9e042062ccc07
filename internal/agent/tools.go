// ABOUTME: Turn setup: resolves enabled registry tools into bound executors.
// ABOUTME: Builds the system prompt and validates MCP arguments against their schemas.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/relaykit/relay-gateway/internal/builtins"
	"github.com/relaykit/relay-gateway/internal/llm"
	"github.com/relaykit/relay-gateway/internal/store"
)

const baseSystemPrompt = "You are a helpful AI assistant."

const toolUsageHint = "You have access to tools. Use them when they help answer the user's request, and incorporate their results into your answer."

// emptyObjectSchema stands in for tools that declare no input schema.
var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// executorFunc runs one tool call. Failures come back as result text, never
// as an error, so the model can react to them.
type executorFunc func(ctx context.Context, args map[string]any) string

// boundTools is the resolved tool set for one turn: model-facing
// definitions, name-keyed executors, and the assembled system prompt.
type boundTools struct {
	defs         []llm.ToolDefinition
	executors    map[string]executorFunc
	systemPrompt string
}

func (a *Agent) resolveTools(ctx context.Context) (*boundTools, error) {
	tools, err := a.store.ListEnabledTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing enabled tools: %w", err)
	}
	servers, err := a.store.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}
	byName := make(map[string]*store.MCPServer, len(servers))
	for _, srv := range servers {
		byName[srv.Name] = srv
	}

	bound := &boundTools{executors: make(map[string]executorFunc)}
	for _, tool := range tools {
		var exec executorFunc
		switch tool.Source {
		case store.SourceBuiltin:
			fn, ok := builtins.Lookup(tool.Name)
			if !ok {
				a.logger.Warn("built-in tool has no executor", "tool", tool.Name)
				continue
			}
			exec = wrapBuiltin(fn)
		case store.SourceMCP:
			if tool.MCPServerName == nil {
				a.logger.Warn("MCP tool has no owning server", "tool", tool.Name)
				continue
			}
			srv, ok := byName[*tool.MCPServerName]
			if !ok {
				a.logger.Warn("MCP tool references unknown server", "tool", tool.Name, "server", *tool.MCPServerName)
				continue
			}
			exec = a.wrapMCP(srv, tool)
		default:
			continue
		}

		schema := tool.Schema
		if len(schema) == 0 {
			schema = emptyObjectSchema
		}
		bound.defs = append(bound.defs, llm.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
		bound.executors[tool.Name] = exec
	}

	bound.systemPrompt = buildSystemPrompt(tools, len(bound.defs) > 0)
	return bound, nil
}

func wrapBuiltin(fn builtins.Executor) executorFunc {
	return func(ctx context.Context, args map[string]any) string {
		out, err := fn(ctx, args)
		if err != nil {
			return fmt.Sprintf("Error executing tool: %v", err)
		}
		return out
	}
}

// wrapMCP binds a registry tool to its server. Arguments are checked
// against the discovered schema before any session is opened, so malformed
// calls fail fast without touching the remote side.
func (a *Agent) wrapMCP(srv *store.MCPServer, tool *store.Tool) executorFunc {
	remote := tool.RemoteName()
	schema := tool.Schema
	server := *srv
	return func(ctx context.Context, args map[string]any) string {
		if err := validateArgs(schema, args); err != nil {
			return fmt.Sprintf("Error executing tool: %v", err)
		}
		return a.mcp.Invoke(ctx, &server, remote, args)
	}
}

func validateArgs(schema json.RawMessage, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewGoLoader(args))
	if err != nil {
		// Unparseable schemas from remote servers shouldn't block the call.
		return nil
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		details = append(details, e.String())
	}
	return fmt.Errorf("invalid arguments: %s", strings.Join(details, "; "))
}

// buildSystemPrompt concatenates the base instruction, a tool-usage hint
// when any tool is bound, and per-tool custom instructions.
func buildSystemPrompt(tools []*store.Tool, haveTools bool) string {
	parts := []string{baseSystemPrompt}
	if haveTools {
		parts = append(parts, toolUsageHint)
	}
	if tc := toolContext(tools); tc != "" {
		parts = append(parts, tc)
	}
	return strings.Join(parts, "\n\n")
}

func toolContext(tools []*store.Tool) string {
	var parts []string
	for _, tool := range tools {
		if tc := tool.EffectiveContext(); tc != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", tool.Name, tc))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "Tool-specific instructions:\n" + strings.Join(parts, "\n")
}
