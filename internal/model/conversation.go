package model

import (
	"strings"
	"time"
)

// Conversation represents a two-party message channel. Its id is a pure
// function of the member pair, so creation is idempotent.
type Conversation struct {
	ID              string         `json:"id"`
	MemberIDs       []string       `json:"memberIds"`
	LastMessageText string         `json:"lastMessageText"`
	LastMessageAt   time.Time      `json:"lastMessageAt"`
	UnreadCount     map[string]int `json:"unreadCount"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// ConversationID derives the canonical conversation id for an unordered
// member pair: lexicographically smaller id first.
func ConversationID(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "_" + b
}

// NewConversation constructs the conversation for a member pair with both
// unread counts at zero.
func NewConversation(a, b string) *Conversation {
	return &Conversation{
		ID:          ConversationID(a, b),
		MemberIDs:   []string{min(a, b), max(a, b)},
		UnreadCount: map[string]int{a: 0, b: 0},
	}
}

// Counterpart returns the other member's id, or "" if viewer is not a member.
func (c *Conversation) Counterpart(viewerID string) string {
	for _, id := range c.MemberIDs {
		if id != viewerID {
			return id
		}
	}
	return ""
}

// HasMember reports whether the user belongs to the conversation.
func (c *Conversation) HasMember(userID string) bool {
	for _, id := range c.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ActivityAt is the sort timestamp for roster ordering: the last message
// time, falling back to creation time for conversations with no messages.
func (c *Conversation) ActivityAt() time.Time {
	if !c.LastMessageAt.IsZero() {
		return c.LastMessageAt
	}
	return c.CreatedAt
}
