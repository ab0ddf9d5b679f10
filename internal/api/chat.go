package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/autorag/autorag/internal/dispatch"
)

type chatHandler struct {
	dispatcher Chatter
	logger     *slog.Logger
}

type chatRequest struct {
	RequesterID string `json:"requester_id"`
	Message     string `json:"message"`
	Model       string `json:"model,omitempty"`
}

type chatResponse struct {
	Response  string `json:"response"`
	ModelUsed string `json:"model_used"`
}

// chat runs one turn. Unauthorized requesters get 403 with the deny
// notice when one is configured, or an empty body when the policy is
// silent drop.
func (h *chatHandler) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	req.RequesterID = strings.TrimSpace(req.RequesterID)
	req.Message = strings.TrimSpace(req.Message)
	if req.RequesterID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "requester_id and message are required")
		return
	}

	turn := h.dispatcher.Process(r.Context(), req.RequesterID, req.Message, req.Model)

	if turn.State == dispatch.StateAborted && turn.Err == nil {
		// Authorization denial; generation failures carry an Err and
		// still produce the fallback reply below.
		writeError(w, http.StatusForbidden, "not_allowed", turn.Reply)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{Response: turn.Reply, ModelUsed: turn.Model})
}
