package handler

import (
	"sync"

	"go.uber.org/zap"

	"github.com/loomchat/sync-engine/internal/engine"
	"github.com/loomchat/sync-engine/internal/model"
	apperrors "github.com/loomchat/sync-engine/pkg/errors"
	"github.com/loomchat/sync-engine/pkg/logger"
)

// Event is a single server-sent event envelope.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const subscriberBuffer = 64

// EventRelay fans engine state changes out to SSE subscribers. It implements
// engine.Sink; a slow subscriber drops events rather than blocking the engine.
type EventRelay struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	log    *logger.Logger
}

var _ engine.Sink = (*EventRelay)(nil)

// NewEventRelay creates an event relay.
func NewEventRelay(log *logger.Logger) *EventRelay {
	return &EventRelay{
		subs: make(map[uint64]chan Event),
		log:  log,
	}
}

// Subscribe registers a subscriber channel. The returned function removes it.
func (r *EventRelay) Subscribe() (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	ch := make(chan Event, subscriberBuffer)
	r.subs[id] = ch

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
	}
}

func (r *EventRelay) publish(eventType string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, ch := range r.subs {
		select {
		case ch <- Event{Type: eventType, Payload: payload}:
		default:
			r.log.Warn("subscriber buffer full, dropping event",
				zap.Uint64("subscriber", id),
				zap.String("event", eventType),
			)
		}
	}
}

// RosterChanged implements engine.Sink.
func (r *EventRelay) RosterChanged(entries []model.ConversationView) {
	r.publish("roster", map[string]interface{}{"entries": entries})
}

// MessagesChanged implements engine.Sink.
func (r *EventRelay) MessagesChanged(conversationID string, messages []model.MessageView) {
	r.publish("messages", map[string]interface{}{
		"conversationId": conversationID,
		"messages":       messages,
	})
}

// PresenceChanged implements engine.Sink.
func (r *EventRelay) PresenceChanged(userID string, presence model.Presence) {
	r.publish("presence", map[string]interface{}{
		"userId":   userID,
		"presence": presence,
	})
}

// TypingChanged implements engine.Sink.
func (r *EventRelay) TypingChanged(conversationID string, isTyping bool) {
	r.publish("typing", map[string]interface{}{
		"conversationId": conversationID,
		"isTyping":       isTyping,
	})
}

// RequestsChanged implements engine.Sink.
func (r *EventRelay) RequestsChanged(kind model.RequestKind, requests []model.ChatRequest) {
	r.publish("requests", map[string]interface{}{
		"kind":     string(kind),
		"requests": requests,
	})
}

// Error implements engine.Sink.
func (r *EventRelay) Error(code apperrors.Code, context string) {
	r.publish("error", map[string]interface{}{
		"code":    string(code),
		"context": context,
	})
}
