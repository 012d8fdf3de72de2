package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/loomchat/sync-engine/internal/model"
	"github.com/loomchat/sync-engine/pkg/logger"
)

// ProfileHandler handles the authenticated principal's own record.
type ProfileHandler struct {
	sessions *SessionManager
	logger   *logger.Logger
}

// NewProfileHandler creates a new profile handler.
func NewProfileHandler(sessions *SessionManager, log *logger.Logger) *ProfileHandler {
	return &ProfileHandler{
		sessions: sessions,
		logger:   log,
	}
}

// Get handles GET /api/v1/me
func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Profile())
}

// Update handles PUT /api/v1/me
func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	var req struct {
		DisplayName string `json:"displayName"`
		Bio         string `json:"bio"`
		Status      string `json:"status"`
		AvatarColor string `json:"avatarColor"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := sess.UpdateProfile(r.Context(), req.DisplayName, req.Bio, req.Status, req.AvatarColor); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// UpdatePreferences handles PUT /api/v1/me/preferences
func (h *ProfileHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	var prefs model.Preferences
	if err := decodeBody(r, &prefs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := sess.UpdatePreferences(r.Context(), prefs); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// ChangeUsername handles PUT /api/v1/me/username
func (h *ProfileHandler) ChangeUsername(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	var req struct {
		Username string `json:"username"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := sess.ChangeUsername(r.Context(), req.Username); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": req.Username})
}

// SetPresence handles PUT /api/v1/me/presence
func (h *ProfileHandler) SetPresence(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode := model.PresenceMode(req.Mode)
	switch mode {
	case model.PresenceAuto, model.PresenceOnline, model.PresenceOffline:
	default:
		writeError(w, http.StatusBadRequest, "invalid presence mode")
		return
	}

	sess.Presence().SetMode(r.Context(), mode)
	writeJSON(w, http.StatusOK, map[string]string{"mode": req.Mode})
}

// SetVisibility handles PUT /api/v1/me/visibility
func (h *ProfileHandler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	var req struct {
		Visible bool `json:"visible"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess.Presence().SetVisible(r.Context(), req.Visible)
	writeJSON(w, http.StatusOK, map[string]bool{"visible": req.Visible})
}

// DeleteAccount handles DELETE /api/v1/me
func (h *ProfileHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	// The cascade is detached from the request lifetime so a dropped
	// connection cannot leave a half-deleted account.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 30*time.Second)
	defer cancel()

	if err := sess.DeleteAccount(ctx); err != nil {
		writeAppError(w, err)
		return
	}
	h.sessions.Remove(ctx, sess.UserID())
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
