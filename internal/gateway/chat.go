// ABOUTME: The POST /api/chat handler: runs one agent turn over SSE.
// ABOUTME: Frames are data-only JSON: {content}, then {done} or {error}.

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/relaykit/relay-gateway/internal/agent"
	"github.com/relaykit/relay-gateway/internal/llm"
)

type chatRequest struct {
	Message  string        `json:"message"`
	History  []chatMessage `json:"history"`
	UseTools *bool         `json:"use_tools"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		g.sendJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	turn := agent.Turn{
		Message:  req.Message,
		History:  toHistory(req.History),
		UseTools: req.UseTools == nil || *req.UseTools,
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := g.agent.Run(r.Context(), turn, func(e agent.Event) error {
		switch e.Type {
		case agent.EventContent:
			g.writeSSEData(w, map[string]string{"content": e.Text})
		case agent.EventDone:
			g.writeSSEData(w, map[string]bool{"done": true})
		case agent.EventError:
			g.writeSSEData(w, map[string]string{"error": e.Text})
		}
		flusher.Flush()
		return r.Context().Err()
	})
	if err != nil && r.Context().Err() == nil {
		g.logger.Error("chat turn failed", "error", err)
		g.writeSSEData(w, map[string]string{"error": err.Error()})
		flusher.Flush()
	}
}

func toHistory(msgs []chatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		role := m.Role
		if role != llm.RoleUser && role != llm.RoleAssistant {
			continue
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

// writeSSEData writes one data-only SSE frame.
func (g *Gateway) writeSSEData(w http.ResponseWriter, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
