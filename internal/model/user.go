// Package model defines data structures for the chat synchronization engine.
package model

import (
	"time"
)

// PresenceMode governs how online/offline status is derived.
type PresenceMode string

const (
	PresenceAuto    PresenceMode = "auto"
	PresenceOnline  PresenceMode = "online"
	PresenceOffline PresenceMode = "offline"
)

// MuteForever is the sentinel duration value for a permanent mute.
const MuteForever = "forever"

// Preferences holds per-principal settings. Zero values are never relied
// upon; DefaultPreferences supplies the construction-time defaults.
type Preferences struct {
	Theme            string       `json:"theme"`
	ColorTheme       string       `json:"colorTheme"`
	ShowOnlineStatus bool         `json:"showOnlineStatus"`
	ShowLastSeen     bool         `json:"showLastSeen"`
	ShowReadReceipts bool         `json:"showReadReceipts"`
	PresenceMode     PresenceMode `json:"presenceMode"`
}

// DefaultPreferences returns the explicit defaults applied on first sign-in.
func DefaultPreferences() Preferences {
	return Preferences{
		Theme:            "dark",
		ColorTheme:       "blue",
		ShowOnlineStatus: true,
		ShowLastSeen:     true,
		ShowReadReceipts: true,
		PresenceMode:     PresenceAuto,
	}
}

// User represents an authenticated principal and their profile record.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Username    string `json:"username"`
	AvatarColor string `json:"avatarColor"`
	Bio         string `json:"bio"`
	Status      string `json:"status"`

	IsOnline               bool      `json:"isOnline"`
	LastSeenAt             time.Time `json:"lastSeenAt"`
	TypingInConversationID string    `json:"typingInConversationId"`

	PinnedConversationIDs []string          `json:"pinnedConversationIds"`
	BlockedUserIDs        []string          `json:"blockedUserIds"`
	MutedConversations    map[string]string `json:"mutedConversations"` // conversationID -> RFC3339 expiry or "forever"

	Preferences Preferences `json:"preferences"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// NewUser constructs a principal with explicit defaults.
func NewUser(id, displayName, username string) *User {
	return &User{
		ID:                    id,
		DisplayName:           displayName,
		Username:              username,
		AvatarColor:           "#6C5CE7",
		PinnedConversationIDs: []string{},
		BlockedUserIDs:        []string{},
		MutedConversations:    map[string]string{},
		Preferences:           DefaultPreferences(),
	}
}

// HasBlocked reports whether the principal has blocked the given user.
func (u *User) HasBlocked(userID string) bool {
	for _, id := range u.BlockedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// HasPinned reports whether the conversation is pinned by the principal.
func (u *User) HasPinned(conversationID string) bool {
	for _, id := range u.PinnedConversationIDs {
		if id == conversationID {
			return true
		}
	}
	return false
}

// MutedUntil reports whether the conversation is muted now, pruning nothing.
// An expiry of MuteForever never lapses.
func (u *User) MutedUntil(conversationID string, now time.Time) bool {
	expiry, ok := u.MutedConversations[conversationID]
	if !ok {
		return false
	}
	if expiry == MuteForever {
		return true
	}
	t, err := time.Parse(time.RFC3339, expiry)
	if err != nil {
		return false
	}
	return now.Before(t)
}

// Presence is the view of one user's availability emitted to the sink.
type Presence struct {
	IsOnline   bool      `json:"isOnline"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	StatusText string    `json:"statusText"`
}

// PresenceOf derives the externally visible presence for a user, honoring
// their privacy preferences.
func PresenceOf(u *User) Presence {
	p := Presence{StatusText: u.Status}
	if !u.Preferences.ShowOnlineStatus {
		return p
	}
	p.IsOnline = u.IsOnline
	if u.Preferences.ShowLastSeen {
		p.LastSeenAt = u.LastSeenAt
	}
	return p
}
