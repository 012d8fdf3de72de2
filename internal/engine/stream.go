package engine

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomchat/sync-engine/internal/model"
	"github.com/loomchat/sync-engine/internal/store"
	apperrors "github.com/loomchat/sync-engine/pkg/errors"
	"github.com/loomchat/sync-engine/pkg/logger"
	"github.com/loomchat/sync-engine/pkg/metrics"
)

// DeleteScope selects who a message deletion applies to.
type DeleteScope string

const (
	DeleteForSelf     DeleteScope = "self"
	DeleteForEveryone DeleteScope = "everyone"
)

// Stream is the per-open-conversation message engine. The local log is a
// tagged union of confirmed entries (from store snapshots) and optimistic
// entries (local sends awaiting acknowledgment), merged by a dedicated
// reconcile step keyed on message id.
type Stream struct {
	mu       sync.Mutex
	store    store.Store
	registry *Registry
	presence *PresenceCoordinator
	sink     Sink
	logger   *logger.Logger
	cfg      Config
	userID   string

	conversationID string
	counterpartID  string
	confirmed      []model.Message
	pending        []model.Message
	lastRendered   []model.MessageView

	peerTyping bool

	readTimer  *time.Timer
	readQueued bool
}

// NewStream creates the message engine for one principal.
func NewStream(userID string, st store.Store, reg *Registry, pres *PresenceCoordinator, sink Sink, cfg Config, log *logger.Logger) *Stream {
	return &Stream{
		store:    st,
		registry: reg,
		presence: pres,
		sink:     sink,
		logger:   log,
		cfg:      cfg,
		userID:   userID,
	}
}

func convScope(conversationID string) string { return "conv/" + conversationID + "/" }

// Open makes conversationID the active conversation: every watch scoped to
// the previously open conversation is cancelled before the new message,
// typing and presence watches start. Reopening the same conversation is a
// no-op.
func (s *Stream) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.conversationID == conversationID {
		s.mu.Unlock()
		return nil
	}
	prev := s.conversationID
	s.conversationID = conversationID
	s.counterpartID = ""
	s.confirmed = nil
	s.pending = nil
	s.lastRendered = nil
	s.peerTyping = false
	s.readQueued = false
	if s.readTimer != nil {
		s.readTimer.Stop()
		s.readTimer = nil
	}
	s.mu.Unlock()

	if prev != "" {
		s.registry.CancelScope(convScope(prev))
	}
	if conversationID == "" {
		return nil
	}

	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	counterpartID := conv.Counterpart(s.userID)
	s.mu.Lock()
	s.counterpartID = counterpartID
	s.mu.Unlock()

	onErr := func(e SubscriptionError) {
		s.sink.Error(apperrors.CodeSubscription, e.TopicKey)
	}

	msgQuery := store.NewQuery(store.TopicMessages).
		Where("conversationId", store.OpEqual, conversationID).
		SortBy("createdAt", false)
	if _, err := s.registry.Watch(ctx, convScope(conversationID)+"messages", msgQuery, func(snap store.Snapshot) {
		s.applySnapshot(conversationID, snap)
	}, onErr); err != nil {
		return err
	}

	peerQuery := store.NewQuery(store.TopicUsers).
		Where(store.FieldDocID, store.OpEqual, counterpartID)
	if _, err := s.registry.Watch(ctx, convScope(conversationID)+"peer", peerQuery, func(snap store.Snapshot) {
		s.applyPeerSnapshot(conversationID, counterpartID, snap)
	}, onErr); err != nil {
		return err
	}

	return nil
}

// Close deactivates the open conversation and cancels its watches.
func (s *Stream) Close() {
	s.mu.Lock()
	prev := s.conversationID
	s.conversationID = ""
	s.counterpartID = ""
	s.confirmed = nil
	s.pending = nil
	s.lastRendered = nil
	s.readQueued = false
	if s.readTimer != nil {
		s.readTimer.Stop()
		s.readTimer = nil
	}
	s.mu.Unlock()

	if prev != "" {
		s.registry.CancelScope(convScope(prev))
	}
}

// ConversationID returns the currently open conversation, or "".
func (s *Stream) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Send appends an optimistic entry to the open conversation's log and
// writes the message together with the conversation rollup (last message,
// recipient unread increment) in one batch. On write failure the optimistic
// entry rolls back and the error surfaces through the sink.
func (s *Stream) Send(ctx context.Context, conversationID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperrors.ErrEmptyMessage
	}

	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if !conv.HasMember(s.userID) {
		return "", apperrors.ErrForbidden
	}
	recipient := conv.Counterpart(s.userID)

	msg := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		SenderID:       s.userID,
		Text:           text,
		CreatedAt:      time.Now(), // provisional; confirmed entry carries server time
	}

	s.mu.Lock()
	optimistic := s.conversationID == conversationID
	if optimistic {
		s.pending = append(s.pending, msg)
	}
	s.mu.Unlock()
	if optimistic {
		s.render(conversationID)
	}

	// Sending ends the typing burst.
	s.presence.StopTyping(ctx, conversationID)

	fields := model.MessageFields(&msg)
	fields["createdAt"] = store.ServerTimestamp()

	batch := s.store.Batch()
	batch.Set(store.TopicMessages, msg.ID, fields)
	batch.Update(store.TopicConversations, conversationID, map[string]any{
		"lastMessageText":          text,
		"lastMessageAt":            store.ServerTimestamp(),
		"unreadCount." + recipient: store.Increment(1),
	})
	if err := batch.Commit(ctx); err != nil {
		s.rollback(conversationID, msg.ID)
		metrics.OptimisticRollbacks.Inc()
		s.logger.Warn("send failed", zap.String("conversation_id", conversationID), zap.Error(err))
		s.sink.Error(apperrors.CodeTransport, "send")
		return "", apperrors.ErrSendFailed(err)
	}

	metrics.MessagesSent.WithLabelValues("send").Inc()
	return msg.ID, nil
}

// Edit changes the text of the caller's own message.
func (s *Stream) Edit(ctx context.Context, messageID, newText string) error {
	newText = strings.TrimSpace(newText)
	if newText == "" {
		return apperrors.ErrEmptyMessage
	}

	msg, err := s.message(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != s.userID {
		return apperrors.ErrForbidden
	}

	err = s.store.UpdateDoc(ctx, store.TopicMessages, messageID, map[string]any{
		"text":     newText,
		"edited":   true,
		"editedAt": store.ServerTimestamp(),
	})
	if err != nil {
		return err
	}
	metrics.MessagesSent.WithLabelValues("edit").Inc()
	return nil
}

// Delete removes a message for the caller only (soft, idempotent) or, for
// the original sender, for everyone (the record is removed entirely).
func (s *Stream) Delete(ctx context.Context, messageID string, scope DeleteScope) error {
	msg, err := s.message(ctx, messageID)
	if err != nil {
		return err
	}

	switch scope {
	case DeleteForEveryone:
		if msg.SenderID != s.userID {
			return apperrors.ErrForbidden
		}
		if err := s.store.DeleteDoc(ctx, store.TopicMessages, messageID); err != nil {
			return err
		}
	case DeleteForSelf:
		err := s.store.UpdateDoc(ctx, store.TopicMessages, messageID, map[string]any{
			"deletedForUserIds": store.ArrayAdd(s.userID),
		})
		if err != nil {
			return err
		}
	default:
		return apperrors.Validation("unknown delete scope")
	}

	metrics.MessagesSent.WithLabelValues("delete").Inc()
	return nil
}

// React toggles the caller's (emoji) reaction on a message. The toggle is
// scoped to the exact (user, emoji) pair, so one user may hold several
// distinct emoji on the same message. The read-modify-write runs as one
// transaction.
func (s *Stream) React(ctx context.Context, messageID, emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return apperrors.Validation("emoji cannot be empty")
	}

	err := s.store.RunTransaction(ctx, func(tx store.Tx) error {
		doc, err := tx.Get(store.TopicMessages, messageID)
		if err != nil {
			if err == store.ErrNotFound {
				return apperrors.ErrMessageNotFound
			}
			return err
		}
		msg := model.MessageFromFields(doc.ID, doc.Fields)

		kept := make([]any, 0, len(msg.Reactions)+1)
		removed := false
		for _, r := range msg.Reactions {
			if r.UserID == s.userID && r.Emoji == emoji {
				removed = true
				continue
			}
			kept = append(kept, model.ReactionValue(r))
		}
		if !removed {
			kept = append(kept, model.ReactionValue(model.Reaction{
				UserID: s.userID,
				Emoji:  emoji,
				At:     time.Now(),
			}))
		}

		tx.Update(store.TopicMessages, messageID, map[string]any{"reactions": kept})
		return nil
	})
	if err != nil {
		return err
	}

	metrics.MessagesSent.WithLabelValues("react").Inc()
	return nil
}

// MarkRead resets the reader's unread count and stamps readAt on every
// unread counterpart message of the open conversation. Calls within the
// flush window coalesce into one batched write.
func (s *Stream) MarkRead(ctx context.Context) error {
	s.mu.Lock()
	conversationID := s.conversationID
	if conversationID == "" {
		s.mu.Unlock()
		return apperrors.Validation("no open conversation")
	}
	if s.cfg.ReadReceiptWindow > 0 {
		if s.readQueued {
			s.mu.Unlock()
			return nil
		}
		s.readQueued = true
		var timer *time.Timer
		timer = time.AfterFunc(s.cfg.ReadReceiptWindow, func() {
			s.mu.Lock()
			if s.readTimer != timer {
				// Open or Close disarmed this flush after the timer fired.
				s.mu.Unlock()
				return
			}
			s.readQueued = false
			s.readTimer = nil
			s.mu.Unlock()
			if err := s.flushRead(context.Background(), conversationID); err != nil {
				s.logger.Warn("read receipt flush failed", zap.Error(err))
				s.sink.Error(apperrors.CodeTransport, "mark_read")
			}
		})
		s.readTimer = timer
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.flushRead(ctx, conversationID)
}

// flushRead writes the batched receipt for the conversation the mark was
// queued against. A flush that outlived a conversation switch is dropped.
func (s *Stream) flushRead(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.conversationID != conversationID {
		s.mu.Unlock()
		return nil
	}
	var unreadIDs []string
	for _, m := range s.confirmed {
		if m.SenderID != s.userID && m.ReadAt == nil {
			unreadIDs = append(unreadIDs, m.ID)
		}
	}
	s.mu.Unlock()

	batch := s.store.Batch()
	batch.Update(store.TopicConversations, conversationID, map[string]any{
		"unreadCount." + s.userID: int64(0),
	})
	for _, id := range unreadIDs {
		batch.Update(store.TopicMessages, id, map[string]any{
			"readAt": store.ServerTimestamp(),
		})
	}
	return batch.Commit(ctx)
}

// Messages returns the current merged, decorated view of the open log.
func (s *Stream) Messages() []model.MessageView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// applySnapshot reconciles a delivered message snapshot with the optimistic
// log. Optimistic entries acknowledged by the store (matched by id) become
// confirmed; re-delivery of an identical state emits nothing.
func (s *Stream) applySnapshot(conversationID string, snap store.Snapshot) {
	s.mu.Lock()
	if s.conversationID != conversationID {
		s.mu.Unlock()
		return
	}

	confirmed := make([]model.Message, 0, len(snap.Docs))
	confirmedIDs := make(map[string]bool, len(snap.Docs))
	for i := range snap.Docs {
		msg := model.MessageFromFields(snap.Docs[i].ID, snap.Docs[i].Fields)
		if msg.DeletedFor(s.userID) {
			continue
		}
		confirmed = append(confirmed, *msg)
		confirmedIDs[msg.ID] = true
	}
	sort.SliceStable(confirmed, func(i, j int) bool {
		if !confirmed[i].CreatedAt.Equal(confirmed[j].CreatedAt) {
			return confirmed[i].CreatedAt.Before(confirmed[j].CreatedAt)
		}
		return confirmed[i].ID < confirmed[j].ID
	})
	s.confirmed = confirmed

	kept := s.pending[:0]
	for _, p := range s.pending {
		if !confirmedIDs[p.ID] {
			kept = append(kept, p)
		}
	}
	s.pending = append([]model.Message{}, kept...)
	s.mu.Unlock()

	s.render(conversationID)
}

func (s *Stream) applyPeerSnapshot(conversationID, counterpartID string, snap store.Snapshot) {
	if len(snap.Docs) == 0 {
		return
	}
	peer := model.UserFromFields(snap.Docs[0].ID, snap.Docs[0].Fields)

	s.mu.Lock()
	if s.conversationID != conversationID {
		s.mu.Unlock()
		return
	}
	typing := peer.TypingInConversationID == conversationID
	changed := typing != s.peerTyping
	s.peerTyping = typing
	s.mu.Unlock()

	s.sink.PresenceChanged(counterpartID, model.PresenceOf(peer))
	if changed {
		s.sink.TypingChanged(conversationID, typing)
	}
}

// render emits the merged view unless it is identical to the last emission.
func (s *Stream) render(conversationID string) {
	s.mu.Lock()
	if s.conversationID != conversationID {
		s.mu.Unlock()
		return
	}
	view := s.viewLocked()
	if reflect.DeepEqual(view, s.lastRendered) {
		s.mu.Unlock()
		return
	}
	s.lastRendered = view
	s.mu.Unlock()

	s.sink.MessagesChanged(conversationID, view)
}

func (s *Stream) viewLocked() []model.MessageView {
	views := make([]model.MessageView, 0, len(s.confirmed)+len(s.pending))
	for _, m := range s.confirmed {
		views = append(views, model.MessageView{Message: m})
	}
	for _, m := range s.pending {
		views = append(views, model.MessageView{Message: m, Pending: true})
	}
	return model.DecorateMessages(views)
}

func (s *Stream) rollback(conversationID, messageID string) {
	s.mu.Lock()
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.ID != messageID {
			kept = append(kept, p)
		}
	}
	s.pending = append([]model.Message{}, kept...)
	s.mu.Unlock()

	s.render(conversationID)
}

func (s *Stream) conversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	doc, err := s.store.GetDoc(ctx, store.TopicConversations, conversationID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperrors.ErrChatNotFound
		}
		return nil, err
	}
	return model.ConversationFromFields(doc.ID, doc.Fields), nil
}

func (s *Stream) message(ctx context.Context, messageID string) (*model.Message, error) {
	s.mu.Lock()
	for i := range s.confirmed {
		if s.confirmed[i].ID == messageID {
			msg := s.confirmed[i]
			s.mu.Unlock()
			return &msg, nil
		}
	}
	s.mu.Unlock()

	doc, err := s.store.GetDoc(ctx, store.TopicMessages, messageID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperrors.ErrMessageNotFound
		}
		return nil, err
	}
	return model.MessageFromFields(doc.ID, doc.Fields), nil
}
