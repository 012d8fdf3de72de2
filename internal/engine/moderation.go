package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomchat/sync-engine/internal/model"
	"github.com/loomchat/sync-engine/internal/store"
	apperrors "github.com/loomchat/sync-engine/pkg/errors"
	"github.com/loomchat/sync-engine/pkg/logger"
	"github.com/loomchat/sync-engine/pkg/metrics"
)

// Moderation drives the chat-request lifecycle and the block cascade.
type Moderation struct {
	store  store.Store
	logger *logger.Logger
	userID string
}

// NewModeration creates the workflow for one principal.
func NewModeration(userID string, st store.Store, log *logger.Logger) *Moderation {
	return &Moderation{store: st, logger: log, userID: userID}
}

// SendRequest creates a pending chat request to another user. It fails
// locally on self-requests, with ErrAlreadyBlocked when the recipient has
// blocked the sender, and with ErrDuplicateRequest when a pending request
// for the ordered pair already exists.
func (m *Moderation) SendRequest(ctx context.Context, toUserID, message string) (string, error) {
	if toUserID == m.userID {
		return "", apperrors.ErrSelfRequest
	}

	doc, err := m.store.GetDoc(ctx, store.TopicUsers, toUserID)
	if err != nil {
		if err == store.ErrNotFound {
			return "", apperrors.ErrUserNotFound
		}
		return "", err
	}
	recipient := model.UserFromFields(doc.ID, doc.Fields)
	if recipient.HasBlocked(m.userID) {
		return "", apperrors.ErrAlreadyBlocked
	}

	pending, err := m.pendingBetween(ctx, m.userID, toUserID)
	if err != nil {
		return "", err
	}
	if len(pending) > 0 {
		return "", apperrors.ErrDuplicateRequest
	}

	req := &model.ChatRequest{
		ID:         uuid.Must(uuid.NewV7()).String(),
		FromUserID: m.userID,
		ToUserID:   toUserID,
		Message:    strings.TrimSpace(message),
		Status:     model.RequestPending,
	}
	fields := model.RequestFields(req)
	fields["createdAt"] = store.ServerTimestamp()

	if err := m.store.SetDoc(ctx, store.TopicRequests, req.ID, fields); err != nil {
		return "", err
	}
	metrics.RequestsResolved.WithLabelValues(string(model.RequestPending)).Inc()
	return req.ID, nil
}

// Accept transitions a pending request to accepted and creates the
// conversation for the pair as a side effect of the same transaction. The
// conversation id is a pure function of the member pair, so acceptance is
// idempotent against an existing conversation.
func (m *Moderation) Accept(ctx context.Context, requestID string) (string, error) {
	var conversationID string
	err := m.store.RunTransaction(ctx, func(tx store.Tx) error {
		req, err := m.pendingRequest(tx, requestID)
		if err != nil {
			return err
		}

		tx.Update(store.TopicRequests, requestID, map[string]any{
			"status":      string(model.RequestAccepted),
			"respondedAt": store.ServerTimestamp(),
		})

		conversationID = model.ConversationID(req.FromUserID, req.ToUserID)
		if _, err := tx.Get(store.TopicConversations, conversationID); err == store.ErrNotFound {
			conv := model.NewConversation(req.FromUserID, req.ToUserID)
			fields := model.ConversationFields(conv)
			fields["createdAt"] = store.ServerTimestamp()
			tx.Set(store.TopicConversations, conversationID, fields)
		} else if err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	metrics.RequestsResolved.WithLabelValues(string(model.RequestAccepted)).Inc()
	return conversationID, nil
}

// Reject transitions a pending request to its terminal rejected state.
func (m *Moderation) Reject(ctx context.Context, requestID string) error {
	err := m.store.RunTransaction(ctx, func(tx store.Tx) error {
		if _, err := m.pendingRequest(tx, requestID); err != nil {
			return err
		}
		tx.Update(store.TopicRequests, requestID, map[string]any{
			"status":      string(model.RequestRejected),
			"respondedAt": store.ServerTimestamp(),
		})
		return nil
	})
	if err != nil {
		return err
	}

	metrics.RequestsResolved.WithLabelValues(string(model.RequestRejected)).Inc()
	return nil
}

// BlockRequest blocks the sender of a pending request, running the full
// block cascade.
func (m *Moderation) BlockRequest(ctx context.Context, requestID string) error {
	doc, err := m.store.GetDoc(ctx, store.TopicRequests, requestID)
	if err != nil {
		if err == store.ErrNotFound {
			return apperrors.ErrRequestNotFound
		}
		return err
	}
	req := model.RequestFromFields(doc.ID, doc.Fields)
	if req.ToUserID != m.userID {
		return apperrors.ErrNotRecipient
	}
	if req.Status.Terminal() {
		return apperrors.ErrRequestResolved
	}

	return m.Block(ctx, req.FromUserID)
}

// Block adds target to the caller's blocked set and cascades: the pair's
// conversation and its messages are deleted and every pending request
// between the pair, in both directions, transitions to blocked. The whole
// cascade commits as one batch, with the block flag ordered first.
func (m *Moderation) Block(ctx context.Context, targetID string) error {
	if targetID == m.userID {
		return apperrors.Validation("cannot block yourself")
	}

	conversationID := model.ConversationID(m.userID, targetID)

	msgDocs, err := m.store.Query(ctx, store.NewQuery(store.TopicMessages).
		Where("conversationId", store.OpEqual, conversationID))
	if err != nil {
		return err
	}

	pending, err := m.pendingPair(ctx, m.userID, targetID)
	if err != nil {
		return err
	}

	batch := m.store.Batch()
	batch.Update(store.TopicUsers, m.userID, map[string]any{
		"blockedUserIds": store.ArrayAdd(targetID),
	})
	batch.Delete(store.TopicConversations, conversationID)
	for i := range msgDocs {
		batch.Delete(store.TopicMessages, msgDocs[i].ID)
	}
	for _, req := range pending {
		batch.Update(store.TopicRequests, req.ID, map[string]any{
			"status":      string(model.RequestBlocked),
			"respondedAt": store.ServerTimestamp(),
		})
	}
	if err := batch.Commit(ctx); err != nil {
		return err
	}

	m.logger.Info("user blocked",
		zap.String("target_id", targetID),
		zap.Int("requests_blocked", len(pending)),
	)
	metrics.RequestsResolved.WithLabelValues(string(model.RequestBlocked)).Add(float64(len(pending)))
	return nil
}

// Unblock removes target from the caller's blocked set. Unblocking has no
// cascading side effects; a fresh request re-establishes contact.
func (m *Moderation) Unblock(ctx context.Context, targetID string) error {
	return m.store.UpdateDoc(ctx, store.TopicUsers, m.userID, map[string]any{
		"blockedUserIds": store.ArrayRemove(targetID),
	})
}

// ToggleBlock flips target's membership in the caller's blocked set.
func (m *Moderation) ToggleBlock(ctx context.Context, targetID string) (blocked bool, err error) {
	doc, err := m.store.GetDoc(ctx, store.TopicUsers, m.userID)
	if err != nil {
		return false, err
	}
	self := model.UserFromFields(doc.ID, doc.Fields)

	if self.HasBlocked(targetID) {
		return false, m.Unblock(ctx, targetID)
	}
	return true, m.Block(ctx, targetID)
}

// Requests lists the caller's chat requests of one kind, newest first.
// Incoming lists only pending requests; outgoing lists every state so the
// sender can see resolutions.
func (m *Moderation) Requests(ctx context.Context, kind model.RequestKind) ([]*model.ChatRequest, error) {
	q := store.NewQuery(store.TopicRequests).SortBy("createdAt", true)
	if kind == model.RequestIncoming {
		q = q.Where("toUserId", store.OpEqual, m.userID).
			Where("status", store.OpEqual, string(model.RequestPending))
	} else {
		q = q.Where("fromUserId", store.OpEqual, m.userID)
	}

	docs, err := m.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]*model.ChatRequest, 0, len(docs))
	for i := range docs {
		out = append(out, model.RequestFromFields(docs[i].ID, docs[i].Fields))
	}
	return out, nil
}

// pendingRequest loads a request inside a transaction and validates that
// the caller may respond to it.
func (m *Moderation) pendingRequest(tx store.Tx, requestID string) (*model.ChatRequest, error) {
	doc, err := tx.Get(store.TopicRequests, requestID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperrors.ErrRequestNotFound
		}
		return nil, err
	}
	req := model.RequestFromFields(doc.ID, doc.Fields)
	if req.ToUserID != m.userID {
		return nil, apperrors.ErrNotRecipient
	}
	if req.Status.Terminal() {
		return nil, apperrors.ErrRequestResolved
	}
	return req, nil
}

func (m *Moderation) pendingBetween(ctx context.Context, fromID, toID string) ([]*model.ChatRequest, error) {
	docs, err := m.store.Query(ctx, store.NewQuery(store.TopicRequests).
		Where("fromUserId", store.OpEqual, fromID).
		Where("toUserId", store.OpEqual, toID).
		Where("status", store.OpEqual, string(model.RequestPending)))
	if err != nil {
		return nil, err
	}

	out := make([]*model.ChatRequest, 0, len(docs))
	for i := range docs {
		out = append(out, model.RequestFromFields(docs[i].ID, docs[i].Fields))
	}
	return out, nil
}

// pendingPair collects pending requests between two users in both directions.
func (m *Moderation) pendingPair(ctx context.Context, a, b string) ([]*model.ChatRequest, error) {
	first, err := m.pendingBetween(ctx, a, b)
	if err != nil {
		return nil, err
	}
	second, err := m.pendingBetween(ctx, b, a)
	if err != nil {
		return nil, err
	}
	return append(first, second...), nil
}
