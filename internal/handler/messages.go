package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loomchat/sync-engine/internal/engine"
	"github.com/loomchat/sync-engine/internal/middleware"
	"github.com/loomchat/sync-engine/pkg/logger"
)

// MessagesHandler handles message mutation endpoints.
type MessagesHandler struct {
	sessions *SessionManager
	logger   *logger.Logger
}

// NewMessagesHandler creates a new messages handler.
func NewMessagesHandler(sessions *SessionManager, log *logger.Logger) *MessagesHandler {
	return &MessagesHandler{
		sessions: sessions,
		logger:   log,
	}
}

// Send handles POST /api/v1/conversations/{id}/messages
func (h *MessagesHandler) Send(w http.ResponseWriter, r *http.Request) {
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
		Text string `json:"text"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	messageID, err := sess.Stream().Send(r.Context(), conversationID, req.Text)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": messageID})
}

// Edit handles PUT /api/v1/messages/{id}
func (h *MessagesHandler) Edit(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	messageID := chi.URLParam(r, "id")
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := sess.Stream().Edit(r.Context(), messageID, req.Text); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "edited"})
}

// Delete handles DELETE /api/v1/messages/{id}?scope=self|everyone
func (h *MessagesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	messageID := chi.URLParam(r, "id")
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	scope := engine.DeleteScope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = engine.DeleteForSelf
	}
	switch scope {
	case engine.DeleteForSelf, engine.DeleteForEveryone:
	default:
		writeError(w, http.StatusBadRequest, "invalid delete scope")
		return
	}

	if err := sess.Stream().Delete(r.Context(), messageID, scope); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// React handles POST /api/v1/messages/{id}/reactions
func (h *MessagesHandler) React(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	messageID := chi.URLParam(r, "id")
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "emoji cannot be empty")
		return
	}

	if err := sess.Stream().React(r.Context(), messageID, req.Emoji); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "toggled"})
}
