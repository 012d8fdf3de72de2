package model

import (
	"time"
)

// Profile is the subset of a user record rendered next to conversations.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Username    string `json:"username"`
	AvatarColor string `json:"avatarColor"`
	Status      string `json:"status"`
}

// ProfileOf projects a user record to its roster profile.
func ProfileOf(u *User) Profile {
	return Profile{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Username:    u.Username,
		AvatarColor: u.AvatarColor,
		Status:      u.Status,
	}
}

// ConversationView is one ordered roster entry.
type ConversationView struct {
	Conversation Conversation `json:"conversation"`
	Counterpart  Profile      `json:"counterpart"`
	Unread       int          `json:"unread"`
	Pinned       bool         `json:"pinned"`
	Muted        bool         `json:"muted"`
}

// MessageView is one rendered message log entry. Pending marks optimistic
// entries not yet confirmed by the store. DateSeparator and ShowAvatar are
// derived at render time, never stored.
type MessageView struct {
	Message       Message `json:"message"`
	Pending       bool    `json:"pending"`
	DateSeparator string  `json:"dateSeparator,omitempty"`
	ShowAvatar    bool    `json:"showAvatar"`
}

// burstWindow bounds same-sender message grouping.
const burstWindow = 5 * time.Minute

// DecorateMessages derives date separators and same-burst avatar grouping
// for an ordered message list: consecutive same-sender messages within
// five minutes form one burst showing a single avatar on its first entry.
func DecorateMessages(msgs []MessageView) []MessageView {
	out := make([]MessageView, len(msgs))
	copy(out, msgs)

	var prev *MessageView
	for i := range out {
		cur := &out[i]
		day := cur.Message.CreatedAt.Format("2006-01-02")
		sameDay := prev != nil && prev.Message.CreatedAt.Format("2006-01-02") == day
		if !sameDay {
			cur.DateSeparator = day
		}

		sameBurst := prev != nil && sameDay &&
			prev.Message.SenderID == cur.Message.SenderID &&
			cur.Message.CreatedAt.Sub(prev.Message.CreatedAt) < burstWindow
		cur.ShowAvatar = !sameBurst

		prev = cur
	}
	return out
}
