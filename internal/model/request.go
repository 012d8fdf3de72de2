package model

import (
	"time"
)

// RequestStatus is the lifecycle state of a chat request. Accepted,
// rejected and blocked are terminal.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
	RequestBlocked  RequestStatus = "blocked"
)

// Terminal reports whether the status admits no further transition.
func (s RequestStatus) Terminal() bool {
	return s == RequestAccepted || s == RequestRejected || s == RequestBlocked
}

// RequestKind distinguishes the viewer's inbound and outbound request lists.
type RequestKind string

const (
	RequestIncoming RequestKind = "incoming"
	RequestOutgoing RequestKind = "outgoing"
)

// ChatRequest represents a contact request between two principals.
// At most one pending request exists per ordered (from, to) pair.
type ChatRequest struct {
	ID          string        `json:"id"`
	FromUserID  string        `json:"fromUserId"`
	ToUserID    string        `json:"toUserId"`
	Message     string        `json:"message"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	RespondedAt *time.Time    `json:"respondedAt,omitempty"`
}
