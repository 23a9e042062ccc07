// ABOUTME: MCP server directory endpoints: CRUD, manual sync, and the status probe.
// ABOUTME: Responses always carry redacted header values; deletes cascade to tools.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/relaykit/relay-gateway/internal/store"
)

type serverResponse struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func toServerResponse(s *store.MCPServer) serverResponse {
	r := s.Redacted()
	return serverResponse{
		ID:        r.ID,
		Name:      r.Name,
		Transport: r.Transport,
		Command:   r.Command,
		Args:      r.Args,
		Env:       r.Env,
		URL:       r.URL,
		Headers:   r.Headers,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (g *Gateway) handleServers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListServers(w, r)
	case http.MethodPost:
		g.handleAddServer(w, r)
	default:
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (g *Gateway) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := g.store.ListServers(r.Context())
	if err != nil {
		g.logger.Error("failed to list servers", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list servers")
		return
	}
	out := make([]serverResponse, 0, len(servers))
	for _, s := range servers {
		out = append(out, toServerResponse(s))
	}
	g.writeJSON(w, http.StatusOK, out)
}

type serverRequest struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	Env       map[string]string `json:"env"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
}

type addServerResponse struct {
	Server     serverResponse `json:"server"`
	ToolsAdded int            `json:"tools_added"`
}

// handleAddServer validates the config, proves connectivity with a live
// discovery round, and only then persists the server and its tools. A
// single-server add fails hard on connection errors, unlike a bulk sync.
func (g *Gateway) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	srv := &store.MCPServer{
		Name:      req.Name,
		Transport: req.Transport,
		Command:   req.Command,
		Args:      req.Args,
		Env:       req.Env,
		URL:       req.URL,
		Headers:   req.Headers,
	}
	if err := srv.Validate(); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := g.mcp.Discover(r.Context(), srv); err != nil {
		g.sendJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	if err := g.store.CreateServer(r.Context(), srv); err != nil {
		g.logger.Error("failed to create server", "name", srv.Name, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to create server")
		return
	}

	configured, err := g.store.ListServers(r.Context())
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list servers")
		return
	}
	res, err := g.mcp.Sync(r.Context(), g.store, configured, []*store.MCPServer{srv})
	if err != nil {
		g.logger.Error("failed to sync new server", "name", srv.Name, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to register tools")
		return
	}

	g.writeJSON(w, http.StatusCreated, addServerResponse{
		Server:     toServerResponse(srv),
		ToolsAdded: res.Added,
	})
}

func (g *Gateway) handleServerByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/mcp-servers/")
	if id == "" || strings.Contains(id, "/") {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		g.handleGetServer(w, r, id)
	case http.MethodPatch:
		g.handleUpdateServer(w, r, id)
	case http.MethodDelete:
		g.handleDeleteServer(w, r, id)
	default:
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (g *Gateway) handleGetServer(w http.ResponseWriter, r *http.Request, id string) {
	srv, err := g.store.GetServer(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "server not found")
		return
	}
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load server")
		return
	}
	g.writeJSON(w, http.StatusOK, toServerResponse(srv))
}

type serverUpdateRequest struct {
	Name    *string            `json:"name"`
	Command *string            `json:"command"`
	Args    *[]string          `json:"args"`
	Env     *map[string]string `json:"env"`
	URL     *string            `json:"url"`
	Headers *map[string]string `json:"headers"`
}

func (g *Gateway) handleUpdateServer(w http.ResponseWriter, r *http.Request, id string) {
	var req serverUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	srv, err := g.store.UpdateServer(r.Context(), id, store.ServerUpdate{
		Name:    req.Name,
		Command: req.Command,
		Args:    req.Args,
		Env:     req.Env,
		URL:     req.URL,
		Headers: req.Headers,
	})
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "server not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to update server", "id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to update server")
		return
	}
	g.writeJSON(w, http.StatusOK, toServerResponse(srv))
}

func (g *Gateway) handleDeleteServer(w http.ResponseWriter, r *http.Request, id string) {
	srv, err := g.store.GetServer(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "server not found")
		return
	}
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load server")
		return
	}

	removed, err := g.store.DeleteToolsByServer(r.Context(), srv.Name)
	if err != nil {
		g.logger.Error("failed to remove server tools", "server", srv.Name, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to remove server tools")
		return
	}
	if err := g.store.DeleteServer(r.Context(), id); err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "failed to delete server")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "tools_removed": removed})
}

type syncRequest struct {
	Server string `json:"server"`
}

// handleSync reconciles registry tools against live discovery. An optional
// server name scopes the run to that server only.
func (g *Gateway) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req syncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	configured, err := g.store.ListServers(r.Context())
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list servers")
		return
	}

	scope := configured
	if req.Server != "" {
		scope = nil
		for _, srv := range configured {
			if srv.Name == req.Server {
				scope = []*store.MCPServer{srv}
				break
			}
		}
		if scope == nil {
			g.sendJSONError(w, http.StatusNotFound, "server not found")
			return
		}
	}

	res, err := g.mcp.Sync(r.Context(), g.store, configured, scope)
	if err != nil {
		g.logger.Error("sync failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "sync failed")
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	servers, err := g.store.ListServers(r.Context())
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list servers")
		return
	}
	g.writeJSON(w, http.StatusOK, g.mcp.Probe(r.Context(), servers))
}
