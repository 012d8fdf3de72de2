package engine

import (
	"sync"

	"github.com/loomchat/sync-engine/internal/model"
	apperrors "github.com/loomchat/sync-engine/pkg/errors"
	"github.com/loomchat/sync-engine/pkg/logger"
)

// recordSink captures every sink emission for assertions.
type recordSink struct {
	mu sync.Mutex

	rosters     [][]model.ConversationView
	messages    [][]model.MessageView
	messageConv string
	presences   []model.Presence
	typings     []bool
	requests    map[model.RequestKind][][]model.ChatRequest
	errors      []apperrors.Code
}

func newRecordSink() *recordSink {
	return &recordSink{requests: make(map[model.RequestKind][][]model.ChatRequest)}
}

func (r *recordSink) RosterChanged(entries []model.ConversationView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rosters = append(r.rosters, entries)
}

func (r *recordSink) MessagesChanged(conversationID string, messages []model.MessageView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messageConv = conversationID
	r.messages = append(r.messages, messages)
}

func (r *recordSink) PresenceChanged(userID string, presence model.Presence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presences = append(r.presences, presence)
}

func (r *recordSink) TypingChanged(conversationID string, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typings = append(r.typings, isTyping)
}

func (r *recordSink) RequestsChanged(kind model.RequestKind, requests []model.ChatRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[kind] = append(r.requests[kind], requests)
}

func (r *recordSink) Error(code apperrors.Code, context string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, code)
}

func (r *recordSink) lastRoster() []model.ConversationView {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rosters) == 0 {
		return nil
	}
	return r.rosters[len(r.rosters)-1]
}

func (r *recordSink) lastMessages() []model.MessageView {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return nil
	}
	return r.messages[len(r.messages)-1]
}

func (r *recordSink) rosterEmits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rosters)
}

func (r *recordSink) messageEmits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recordSink) errorCodes() []apperrors.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]apperrors.Code{}, r.errors...)
}

func (r *recordSink) typingEvents() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool{}, r.typings...)
}

func (r *recordSink) requestEmits(kind model.RequestKind) [][]model.ChatRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[kind]
}

func testLogger() *logger.Logger { return logger.NewNop() }
