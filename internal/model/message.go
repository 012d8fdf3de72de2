package model

import (
	"time"
)

// Reaction is one user's emoji reaction on a message. At most one entry
// exists per (userID, emoji) pair.
type Reaction struct {
	UserID string    `json:"userId"`
	Emoji  string    `json:"emoji"`
	At     time.Time `json:"at"`
}

// Message represents a single message owned by its conversation.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Text           string `json:"text"`

	CreatedAt time.Time  `json:"createdAt"`
	ReadAt    *time.Time `json:"readAt,omitempty"`

	Edited   bool       `json:"edited"`
	EditedAt *time.Time `json:"editedAt,omitempty"`

	DeletedForUserIDs []string   `json:"deletedForUserIds"`
	Reactions         []Reaction `json:"reactions"`
}

// DeletedFor reports whether the message is soft-deleted for the user.
func (m *Message) DeletedFor(userID string) bool {
	for _, id := range m.DeletedForUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// HasReaction reports whether the user already holds the exact emoji reaction.
func (m *Message) HasReaction(userID, emoji string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}
