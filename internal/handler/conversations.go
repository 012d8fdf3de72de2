package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loomchat/sync-engine/internal/middleware"
	"github.com/loomchat/sync-engine/pkg/logger"
)

// ConversationsHandler handles roster and per-conversation endpoints.
type ConversationsHandler struct {
	sessions *SessionManager
	logger   *logger.Logger
}

// NewConversationsHandler creates a new conversations handler.
func NewConversationsHandler(sessions *SessionManager, log *logger.Logger) *ConversationsHandler {
	return &ConversationsHandler{
		sessions: sessions,
		logger:   log,
	}
}

// List handles GET /api/v1/conversations
func (h *ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": sess.Roster().Entries(),
	})
}

// Open handles POST /api/v1/conversations/{id}/open
func (h *ConversationsHandler) Open(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := sess.Stream().Open(r.Context(), conversationID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversationId": conversationID,
		"messages":       sess.Stream().Messages(),
	})
}

// Close handles POST /api/v1/conversations/close
func (h *ConversationsHandler) Close(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	sess.Stream().Close()
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// MarkRead handles POST /api/v1/conversations/{id}/read
func (h *ConversationsHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	conversationID := chi.URLParam(r, "id")
	if sess.Stream().ConversationID() != conversationID {
		writeError(w, http.StatusConflict, "conversation is not open")
		return
	}

	if err := sess.Stream().MarkRead(r.Context()); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// Typing handles POST /api/v1/conversations/{id}/typing
func (h *ConversationsHandler) Typing(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Typing bool `json:"typing"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Typing {
		sess.Presence().Typing(r.Context(), conversationID)
	} else {
		sess.Presence().StopTyping(r.Context(), conversationID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Pin handles PUT /api/v1/conversations/{id}/pin
func (h *ConversationsHandler) Pin(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Pinned bool `json:"pinned"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := sess.SetPinned(r.Context(), conversationID, req.Pinned); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"pinned": req.Pinned})
}

// Mute handles PUT /api/v1/conversations/{id}/mute
// A null or absent "until" mutes forever.
func (h *ConversationsHandler) Mute(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Until *time.Time `json:"until"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := sess.Mute(r.Context(), conversationID, req.Until); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "muted"})
}

// Unmute handles DELETE /api/v1/conversations/{id}/mute
func (h *ConversationsHandler) Unmute(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	conversationID := chi.URLParam(r, "id")
	if err := sess.Unmute(r.Context(), conversationID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unmuted"})
}
