// ABOUTME: Tool registry admin endpoints: list tools and partial updates.
// ABOUTME: Updates touch only enabled and custom_context; everything else is owned by sync.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/relaykit/relay-gateway/internal/store"
)

type toolResponse struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	DefaultContext string          `json:"default_context"`
	CustomContext  *string         `json:"custom_context"`
	Enabled        bool            `json:"enabled"`
	Source         string          `json:"source"`
	MCPServerName  *string         `json:"mcp_server_name,omitempty"`
	Schema         json.RawMessage `json:"schema,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func toToolResponse(t *store.Tool) toolResponse {
	return toolResponse{
		ID:             t.ID,
		Name:           t.Name,
		Description:    t.Description,
		DefaultContext: t.DefaultContext,
		CustomContext:  t.CustomContext,
		Enabled:        t.Enabled,
		Source:         t.Source,
		MCPServerName:  t.MCPServerName,
		Schema:         t.Schema,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func (g *Gateway) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	tools, err := g.store.ListTools(r.Context())
	if err != nil {
		g.logger.Error("failed to list tools", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list tools")
		return
	}
	out := make([]toolResponse, 0, len(tools))
	for _, t := range tools {
		out = append(out, toToolResponse(t))
	}
	g.writeJSON(w, http.StatusOK, out)
}

type toolUpdateRequest struct {
	Enabled       *bool   `json:"enabled"`
	CustomContext *string `json:"custom_context"`
}

func (g *Gateway) handleToolByID(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/api/tools/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid tool id")
		return
	}

	if r.Method != http.MethodPatch {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req toolUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	tool, err := g.store.UpdateTool(r.Context(), id, store.ToolUpdate{
		Enabled:       req.Enabled,
		CustomContext: req.CustomContext,
	})
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "tool not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to update tool", "id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to update tool")
		return
	}
	g.writeJSON(w, http.StatusOK, toToolResponse(tool))
}
