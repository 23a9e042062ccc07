// ABOUTME: HTTP surface of the relay: chat streaming plus the admin APIs.
// ABOUTME: Wires the agent loop, tool registry, and MCP directory behind one mux.

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/relaykit/relay-gateway/internal/agent"
	"github.com/relaykit/relay-gateway/internal/mcp"
	"github.com/relaykit/relay-gateway/internal/store"
)

// TurnRunner executes one chat turn. Satisfied by *agent.Agent.
type TurnRunner interface {
	Run(ctx context.Context, turn agent.Turn, emit agent.EmitFunc) error
}

type Gateway struct {
	store  store.Store
	agent  TurnRunner
	mcp    *mcp.Client
	logger *slog.Logger
}

func NewGateway(st store.Store, runner TurnRunner, client *mcp.Client) *Gateway {
	return &Gateway{
		store:  st,
		agent:  runner,
		mcp:    client,
		logger: slog.Default().With("component", "gateway"),
	}
}

// Routes builds the HTTP mux for the gateway.
func (g *Gateway) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", g.handleChat)
	mux.HandleFunc("/api/tools", g.handleTools)
	mux.HandleFunc("/api/tools/", g.handleToolByID)
	mux.HandleFunc("/api/mcp-servers", g.handleServers)
	mux.HandleFunc("/api/mcp-servers/", g.handleServerByID)
	mux.HandleFunc("/api/mcp-servers/sync", g.handleSync)
	mux.HandleFunc("/api/mcp-servers/status", g.handleStatus)
	mux.HandleFunc("/health", g.handleHealth)
	return mux
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
