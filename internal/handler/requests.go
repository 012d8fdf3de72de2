package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loomchat/sync-engine/internal/middleware"
	"github.com/loomchat/sync-engine/internal/model"
	"github.com/loomchat/sync-engine/pkg/logger"
)

// RequestsHandler handles the chat request and block workflow.
type RequestsHandler struct {
	sessions *SessionManager
	logger   *logger.Logger
}

// NewRequestsHandler creates a new requests handler.
func NewRequestsHandler(sessions *SessionManager, log *logger.Logger) *RequestsHandler {
	return &RequestsHandler{
		sessions: sessions,
		logger:   log,
	}
}

// List handles GET /api/v1/requests?kind=incoming|outgoing
func (h *RequestsHandler) List(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	kind := model.RequestIncoming
	switch r.URL.Query().Get("kind") {
	case "", "incoming":
	case "outgoing":
		kind = model.RequestOutgoing
	default:
		writeError(w, http.StatusBadRequest, "kind must be incoming or outgoing")
		return
	}

	requests, err := sess.Moderation().Requests(r.Context(), kind)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":     string(kind),
		"requests": requests,
	})
}

// Send handles POST /api/v1/requests
func (h *RequestsHandler) Send(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	var req struct {
		ToUserID string `json:"toUserId"`
		Message  string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateUserID(req.ToUserID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	requestID, err := sess.Moderation().SendRequest(r.Context(), req.ToUserID, req.Message)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": requestID})
}

// Accept handles POST /api/v1/requests/{id}/accept
func (h *RequestsHandler) Accept(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	conversationID, err := sess.Moderation().Accept(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversationId": conversationID})
}

// Reject handles POST /api/v1/requests/{id}/reject
func (h *RequestsHandler) Reject(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	if err := sess.Moderation().Reject(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// Block handles POST /api/v1/requests/{id}/block
func (h *RequestsHandler) Block(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	if err := sess.Moderation().BlockRequest(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked"})
}

// ToggleBlock handles POST /api/v1/users/{id}/block
func (h *RequestsHandler) ToggleBlock(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	targetID := chi.URLParam(r, "id")
	if err := middleware.ValidateUserID(targetID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	blocked, err := sess.Moderation().ToggleBlock(r.Context(), targetID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"blocked": blocked})
}
