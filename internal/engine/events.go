// Package engine implements the chat session and presence synchronization
// core: subscription registry, presence and typing coordination, roster
// ordering, the optimistic message stream, and the moderation workflow.
package engine

import (
	"fmt"

	"github.com/loomchat/sync-engine/internal/model"
	apperrors "github.com/loomchat/sync-engine/pkg/errors"
)

// Sink receives state-change events for the presentation layer. Sink
// implementations must not call back into the engine.
type Sink interface {
	RosterChanged(entries []model.ConversationView)
	MessagesChanged(conversationID string, messages []model.MessageView)
	PresenceChanged(userID string, presence model.Presence)
	TypingChanged(conversationID string, isTyping bool)
	RequestsChanged(kind model.RequestKind, requests []model.ChatRequest)
	Error(code apperrors.Code, context string)
}

// SubscriptionError reports a dropped live watch. The registry removes the
// topic from the active set and does not retry; re-establishing the watch
// is the caller's responsibility.
type SubscriptionError struct {
	TopicKey string
	Cause    error
}

func (e SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s dropped: %v", e.TopicKey, e.Cause)
}

func (e SubscriptionError) Unwrap() error { return e.Cause }
