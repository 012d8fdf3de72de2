package model

import (
	"time"
)

// Codec functions translate between typed records and the document store's
// field maps. Timestamps arrive either as time.Time (memory adapter) or as
// RFC3339 strings (KV adapter); both are accepted.

// UserFields encodes a full user document.
func UserFields(u *User) map[string]any {
	return map[string]any{
		"displayName":            u.DisplayName,
		"username":               u.Username,
		"avatarColor":            u.AvatarColor,
		"bio":                    u.Bio,
		"status":                 u.Status,
		"isOnline":               u.IsOnline,
		"lastSeenAt":             u.LastSeenAt,
		"typingInConversationId": u.TypingInConversationID,
		"pinnedConversationIds":  toAnySlice(u.PinnedConversationIDs),
		"blockedUserIds":         toAnySlice(u.BlockedUserIDs),
		"mutedConversations":     toAnyMap(u.MutedConversations),
		"preferences": map[string]any{
			"theme":            u.Preferences.Theme,
			"colorTheme":       u.Preferences.ColorTheme,
			"showOnlineStatus": u.Preferences.ShowOnlineStatus,
			"showLastSeen":     u.Preferences.ShowLastSeen,
			"showReadReceipts": u.Preferences.ShowReadReceipts,
			"presenceMode":     string(u.Preferences.PresenceMode),
		},
		"createdAt": u.CreatedAt,
	}
}

// UserFromFields decodes a user document.
func UserFromFields(id string, f map[string]any) *User {
	u := &User{
		ID:                     id,
		DisplayName:            str(f["displayName"]),
		Username:               str(f["username"]),
		AvatarColor:            str(f["avatarColor"]),
		Bio:                    str(f["bio"]),
		Status:                 str(f["status"]),
		IsOnline:               boolean(f["isOnline"]),
		LastSeenAt:             timestamp(f["lastSeenAt"]),
		TypingInConversationID: str(f["typingInConversationId"]),
		PinnedConversationIDs:  strSlice(f["pinnedConversationIds"]),
		BlockedUserIDs:         strSlice(f["blockedUserIds"]),
		MutedConversations:     strMap(f["mutedConversations"]),
		CreatedAt:              timestamp(f["createdAt"]),
	}

	prefs, _ := f["preferences"].(map[string]any)
	defaults := DefaultPreferences()
	u.Preferences = Preferences{
		Theme:            strOr(prefs["theme"], defaults.Theme),
		ColorTheme:       strOr(prefs["colorTheme"], defaults.ColorTheme),
		ShowOnlineStatus: boolOr(prefs["showOnlineStatus"], defaults.ShowOnlineStatus),
		ShowLastSeen:     boolOr(prefs["showLastSeen"], defaults.ShowLastSeen),
		ShowReadReceipts: boolOr(prefs["showReadReceipts"], defaults.ShowReadReceipts),
		PresenceMode:     PresenceMode(strOr(prefs["presenceMode"], string(defaults.PresenceMode))),
	}
	return u
}

// ConversationFields encodes a full conversation document.
func ConversationFields(c *Conversation) map[string]any {
	unread := make(map[string]any, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		unread[k] = int64(v)
	}
	return map[string]any{
		"memberIds":       toAnySlice(c.MemberIDs),
		"lastMessageText": c.LastMessageText,
		"lastMessageAt":   c.LastMessageAt,
		"unreadCount":     unread,
		"createdAt":       c.CreatedAt,
	}
}

// ConversationFromFields decodes a conversation document.
func ConversationFromFields(id string, f map[string]any) *Conversation {
	c := &Conversation{
		ID:              id,
		MemberIDs:       strSlice(f["memberIds"]),
		LastMessageText: str(f["lastMessageText"]),
		LastMessageAt:   timestamp(f["lastMessageAt"]),
		CreatedAt:       timestamp(f["createdAt"]),
		UnreadCount:     map[string]int{},
	}
	if unread, ok := f["unreadCount"].(map[string]any); ok {
		for k, v := range unread {
			c.UnreadCount[k] = integer(v)
		}
	}
	return c
}

// MessageFields encodes a full message document.
func MessageFields(m *Message) map[string]any {
	reactions := make([]any, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		reactions = append(reactions, reactionFields(r))
	}
	fields := map[string]any{
		"conversationId":    m.ConversationID,
		"senderId":          m.SenderID,
		"text":              m.Text,
		"createdAt":         m.CreatedAt,
		"edited":            m.Edited,
		"deletedForUserIds": toAnySlice(m.DeletedForUserIDs),
		"reactions":         reactions,
	}
	if m.ReadAt != nil {
		fields["readAt"] = *m.ReadAt
	}
	if m.EditedAt != nil {
		fields["editedAt"] = *m.EditedAt
	}
	return fields
}

func reactionFields(r Reaction) map[string]any {
	return map[string]any{"userId": r.UserID, "emoji": r.Emoji, "at": r.At}
}

// ReactionValue encodes one reaction for ArrayAdd/ArrayRemove operations.
func ReactionValue(r Reaction) map[string]any {
	return reactionFields(r)
}

// MessageFromFields decodes a message document.
func MessageFromFields(id string, f map[string]any) *Message {
	m := &Message{
		ID:                id,
		ConversationID:    str(f["conversationId"]),
		SenderID:          str(f["senderId"]),
		Text:              str(f["text"]),
		CreatedAt:         timestamp(f["createdAt"]),
		Edited:            boolean(f["edited"]),
		DeletedForUserIDs: strSlice(f["deletedForUserIds"]),
	}
	if t := timestamp(f["readAt"]); !t.IsZero() {
		m.ReadAt = &t
	}
	if t := timestamp(f["editedAt"]); !t.IsZero() {
		m.EditedAt = &t
	}
	if raw, ok := f["reactions"].([]any); ok {
		for _, entry := range raw {
			rm, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			m.Reactions = append(m.Reactions, Reaction{
				UserID: str(rm["userId"]),
				Emoji:  str(rm["emoji"]),
				At:     timestamp(rm["at"]),
			})
		}
	}
	return m
}

// RequestFields encodes a full chat request document.
func RequestFields(r *ChatRequest) map[string]any {
	fields := map[string]any{
		"fromUserId": r.FromUserID,
		"toUserId":   r.ToUserID,
		"message":    r.Message,
		"status":     string(r.Status),
		"createdAt":  r.CreatedAt,
	}
	if r.RespondedAt != nil {
		fields["respondedAt"] = *r.RespondedAt
	}
	return fields
}

// RequestFromFields decodes a chat request document.
func RequestFromFields(id string, f map[string]any) *ChatRequest {
	r := &ChatRequest{
		ID:         id,
		FromUserID: str(f["fromUserId"]),
		ToUserID:   str(f["toUserId"]),
		Message:    str(f["message"]),
		Status:     RequestStatus(str(f["status"])),
		CreatedAt:  timestamp(f["createdAt"]),
	}
	if t := timestamp(f["respondedAt"]); !t.IsZero() {
		r.RespondedAt = &t
	}
	return r
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}

func boolOr(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

func integer(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func timestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func strSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func strMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, e := range m {
		if s, ok := e.(string); ok {
			out[k] = s
		}
	}
	return out
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func toAnyMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
