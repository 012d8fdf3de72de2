package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/loomchat/sync-engine/pkg/logger"
	"github.com/loomchat/sync-engine/pkg/metrics"
)

// EventsHandler streams engine state changes over SSE.
type EventsHandler struct {
	sessions *SessionManager
	logger   *logger.Logger
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(sessions *SessionManager, log *logger.Logger) *EventsHandler {
	return &EventsHandler{
		sessions: sessions,
		logger:   log,
	}
}

// Events handles GET /api/v1/events
func (h *EventsHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, relay, err := h.sessions.FromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Track active connection
	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	events, unsubscribe := relay.Subscribe()
	defer unsubscribe()

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"session_id": sess.ID(),
		"user_id":    sess.UserID(),
	})

	// Replay current state so a reconnecting client catches up without
	// waiting for the next change.
	sendSSEEvent(w, flusher, "roster", map[string]interface{}{
		"entries": sess.Roster().Entries(),
	})
	if convID := sess.Stream().ConversationID(); convID != "" {
		sendSSEEvent(w, flusher, "messages", map[string]interface{}{
			"conversationId": convID,
			"messages":       sess.Stream().Messages(),
		})
	}

	// Start heartbeat ticker for keeping connection alive
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	done := ctx.Done()
	for {
		select {
		case <-done:
			h.logger.Info("SSE client disconnected", zap.String("user_id", sess.UserID()))
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, ev.Type, ev.Payload)

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", map[string]time.Time{
				"timestamp": time.Now(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
