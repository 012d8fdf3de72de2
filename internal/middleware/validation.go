package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > 100000 { // ~100KB limit
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates the canonical member-pair id shape.
// Member ids may themselves contain underscores, so the id is accepted if
// any split yields two non-empty members in canonical order.
func ValidateConversationID(id string) error {
	for i := 0; i < len(id); i++ {
		if id[i] != '_' {
			continue
		}
		a, b := id[:i], id[i+1:]
		if a != "" && b != "" && a <= b {
			return nil
		}
	}
	return errors.New("invalid conversation ID format")
}

// ValidateMessageID validates a message ID.
func ValidateMessageID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid message ID format")
	}
	return nil
}

// ValidateUserID validates a principal ID.
func ValidateUserID(id string) error {
	if id == "" {
		return errors.New("user ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("user ID exceeds maximum length")
	}
	return nil
}
