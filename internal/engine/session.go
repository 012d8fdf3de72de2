package engine

import (
	"context"
	"regexp"
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

// Config holds the engine's timing knobs. Production values come from the
// environment; tests compress them.
type Config struct {
	TypingTimeout     time.Duration
	TypingDebounce    time.Duration
	HeartbeatInterval time.Duration
	ReadReceiptWindow time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TypingTimeout:     3 * time.Second,
		TypingDebounce:    500 * time.Millisecond,
		HeartbeatInterval: 60 * time.Second,
		ReadReceiptWindow: 250 * time.Millisecond,
	}
}

// Identity carries what is known about the principal at sign-in.
type Identity struct {
	UserID      string
	DisplayName string
	Username    string
}

// Session is the explicit context object for one principal's engine
// instance. It owns the subscription registry and the coordinators; there
// is no ambient state. Construct with NewSession, bootstrap with Start,
// and release everything with Close.
type Session struct {
	id       string
	identity Identity
	store    store.Store
	logger   *logger.Logger
	sink     Sink
	cfg      Config

	registry   *Registry
	presence   *PresenceCoordinator
	roster     *Roster
	stream     *Stream
	moderation *Moderation

	mu      sync.Mutex
	profile *model.User
	started bool
}

// NewSession constructs a session. Start must be called before use.
func NewSession(identity Identity, st store.Store, sink Sink, cfg Config, log *logger.Logger) *Session {
	sessionID := uuid.New().String()
	log = log.WithSession(sessionID, identity.UserID)

	registry := NewRegistry(st, log)
	presence := NewPresenceCoordinator(identity.UserID, st, cfg, log)

	return &Session{
		id:         sessionID,
		identity:   identity,
		store:      st,
		logger:     log,
		sink:       sink,
		cfg:        cfg,
		registry:   registry,
		presence:   presence,
		roster:     NewRoster(sink, log),
		stream:     NewStream(identity.UserID, st, registry, presence, sink, cfg, log),
		moderation: NewModeration(identity.UserID, st, log),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// UserID returns the principal's id.
func (s *Session) UserID() string { return s.identity.UserID }

// Registry exposes the subscription registry.
func (s *Session) Registry() *Registry { return s.registry }

// Presence exposes the presence and typing coordinator.
func (s *Session) Presence() *PresenceCoordinator { return s.presence }

// Roster exposes the roster engine.
func (s *Session) Roster() *Roster { return s.roster }

// Stream exposes the message stream engine.
func (s *Session) Stream() *Stream { return s.stream }

// Moderation exposes the request and block workflow.
func (s *Session) Moderation() *Moderation { return s.moderation }

// Start bootstraps the session: load or create the principal document,
// open the user, conversation and request watches, and apply the stored
// presence mode. A failed bootstrap tears down any watch it had opened,
// leaving the session startable again.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.bootstrap(ctx); err != nil {
		s.registry.CancelAll()
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}

	metrics.SessionsActive.Inc()
	return nil
}

func (s *Session) bootstrap(ctx context.Context) error {
	profile, err := s.ensureUser(ctx)
	if err != nil {
		return err
	}
	s.setProfile(profile)
	s.roster.SetViewer(profile)

	onErr := func(e SubscriptionError) {
		s.sink.Error(apperrors.CodeSubscription, e.TopicKey)
	}

	selfQuery := store.NewQuery(store.TopicUsers).
		Where(store.FieldDocID, store.OpEqual, s.identity.UserID)
	if _, err := s.registry.Watch(ctx, "user/self", selfQuery, s.onSelfSnapshot, onErr); err != nil {
		return err
	}

	chatQuery := store.NewQuery(store.TopicConversations).
		Where("memberIds", store.OpArrayContains, s.identity.UserID)
	if _, err := s.registry.Watch(ctx, "chats", chatQuery, s.onConversationsSnapshot, onErr); err != nil {
		return err
	}

	inQuery := store.NewQuery(store.TopicRequests).
		Where("toUserId", store.OpEqual, s.identity.UserID).
		Where("status", store.OpEqual, string(model.RequestPending)).
		SortBy("createdAt", true)
	if _, err := s.registry.Watch(ctx, "requests/in", inQuery, s.requestSnapshotHandler(model.RequestIncoming), onErr); err != nil {
		return err
	}

	outQuery := store.NewQuery(store.TopicRequests).
		Where("fromUserId", store.OpEqual, s.identity.UserID).
		SortBy("createdAt", true)
	if _, err := s.registry.Watch(ctx, "requests/out", outQuery, s.requestSnapshotHandler(model.RequestOutgoing), onErr); err != nil {
		return err
	}

	s.presence.SetMode(ctx, profile.Preferences.PresenceMode)

	s.logger.Info("session started", zap.String("username", profile.Username))
	return nil
}

// Close tears down every watch and timer and writes the final offline
// presence. Idempotent.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.stream.Close()
	s.registry.CancelAll()
	s.presence.Close(ctx)

	metrics.SessionsActive.Dec()
	s.logger.Info("session closed")
}

// Profile returns the cached principal record.
func (s *Session) Profile() *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

func (s *Session) setProfile(u *model.User) {
	s.mu.Lock()
	s.profile = u
	s.mu.Unlock()
}

// ensureUser loads the principal record, creating it with explicit
// defaults on first sign-in. The usernames index entry is written in the
// same transaction as the user document.
func (s *Session) ensureUser(ctx context.Context) (*model.User, error) {
	doc, err := s.store.GetDoc(ctx, store.TopicUsers, s.identity.UserID)
	if err == nil {
		return model.UserFromFields(doc.ID, doc.Fields), nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}

	if err := validateUsername(s.identity.Username); err != nil {
		return nil, err
	}
	if s.identity.DisplayName == "" {
		return nil, apperrors.ErrInvalidDisplay
	}

	user := model.NewUser(s.identity.UserID, s.identity.DisplayName, s.identity.Username)
	err = s.store.RunTransaction(ctx, func(tx store.Tx) error {
		if _, err := tx.Get(store.TopicUsernames, s.identity.Username); err == nil {
			return apperrors.ErrUsernameTaken
		} else if err != store.ErrNotFound {
			return err
		}
		fields := model.UserFields(user)
		fields["createdAt"] = store.ServerTimestamp()
		fields["lastSeenAt"] = store.ServerTimestamp()
		tx.Set(store.TopicUsers, user.ID, fields)
		tx.Set(store.TopicUsernames, user.Username, map[string]any{"userId": user.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("principal created", zap.String("username", user.Username))
	return user, nil
}

func (s *Session) onSelfSnapshot(snap store.Snapshot) {
	if len(snap.Docs) == 0 {
		return
	}
	updated := model.UserFromFields(snap.Docs[0].ID, snap.Docs[0].Fields)

	s.mu.Lock()
	prev := s.profile
	s.profile = updated
	s.mu.Unlock()

	s.roster.SetViewer(updated)

	// A preference change from another device re-applies the presence policy.
	if prev != nil && prev.Preferences.PresenceMode != updated.Preferences.PresenceMode {
		s.presence.SetMode(context.Background(), updated.Preferences.PresenceMode)
	}
}

func (s *Session) onConversationsSnapshot(snap store.Snapshot) {
	convs := make([]model.Conversation, 0, len(snap.Docs))
	for i := range snap.Docs {
		convs = append(convs, *model.ConversationFromFields(snap.Docs[i].ID, snap.Docs[i].Fields))
	}
	s.roster.SetConversations(convs)

	// Enrich the roster with counterpart profiles the first time each pair
	// shows up. Presence for a counterpart is only watched while their
	// conversation is open; the roster needs just the profile snapshot.
	for _, c := range convs {
		counterpartID := c.Counterpart(s.identity.UserID)
		if counterpartID == "" || s.roster.KnownProfile(counterpartID) {
			continue
		}
		doc, err := s.store.GetDoc(context.Background(), store.TopicUsers, counterpartID)
		if err != nil {
			s.logger.Warn("counterpart profile load failed",
				zap.String("user_id", counterpartID), zap.Error(err))
			continue
		}
		s.roster.SetProfile(model.ProfileOf(model.UserFromFields(doc.ID, doc.Fields)))
	}
}

func (s *Session) requestSnapshotHandler(kind model.RequestKind) store.SnapshotFunc {
	return func(snap store.Snapshot) {
		reqs := make([]model.ChatRequest, 0, len(snap.Docs))
		for i := range snap.Docs {
			reqs = append(reqs, *model.RequestFromFields(snap.Docs[i].ID, snap.Docs[i].Fields))
		}
		s.sink.RequestsChanged(kind, reqs)
	}
}

// UpdateProfile mutates the principal's profile fields through the engine.
func (s *Session) UpdateProfile(ctx context.Context, displayName, bio, status, avatarColor string) error {
	if displayName == "" {
		return apperrors.ErrInvalidDisplay
	}
	return s.store.UpdateDoc(ctx, store.TopicUsers, s.identity.UserID, map[string]any{
		"displayName": displayName,
		"bio":         bio,
		"status":      status,
		"avatarColor": avatarColor,
	})
}

// UpdatePreferences replaces the principal's preference record.
func (s *Session) UpdatePreferences(ctx context.Context, prefs model.Preferences) error {
	err := s.store.UpdateDoc(ctx, store.TopicUsers, s.identity.UserID, map[string]any{
		"preferences": map[string]any{
			"theme":            prefs.Theme,
			"colorTheme":       prefs.ColorTheme,
			"showOnlineStatus": prefs.ShowOnlineStatus,
			"showLastSeen":     prefs.ShowLastSeen,
			"showReadReceipts": prefs.ShowReadReceipts,
			"presenceMode":     string(prefs.PresenceMode),
		},
	})
	if err != nil {
		return err
	}
	s.presence.SetMode(ctx, prefs.PresenceMode)
	return nil
}

var usernameRe = regexp.MustCompile(`^[a-z0-9_]{3,32}$`)

func validateUsername(username string) error {
	if !usernameRe.MatchString(username) {
		return apperrors.ErrInvalidUsername
	}
	return nil
}

// ChangeUsername moves the principal to a new username. The secondary
// unique index stays in sync: the old mapping is removed and the new one
// written in the same transaction as the user document update.
func (s *Session) ChangeUsername(ctx context.Context, newUsername string) error {
	if err := validateUsername(newUsername); err != nil {
		return err
	}

	return s.store.RunTransaction(ctx, func(tx store.Tx) error {
		userDoc, err := tx.Get(store.TopicUsers, s.identity.UserID)
		if err != nil {
			return err
		}
		current := model.UserFromFields(userDoc.ID, userDoc.Fields)
		if current.Username == newUsername {
			return nil
		}

		if _, err := tx.Get(store.TopicUsernames, newUsername); err == nil {
			return apperrors.ErrUsernameTaken
		} else if err != store.ErrNotFound {
			return err
		}

		tx.Delete(store.TopicUsernames, current.Username)
		tx.Set(store.TopicUsernames, newUsername, map[string]any{"userId": s.identity.UserID})
		tx.Update(store.TopicUsers, s.identity.UserID, map[string]any{"username": newUsername})
		return nil
	})
}

// SetPinned pins or unpins a conversation via a read-modify-write
// transaction on the principal document.
func (s *Session) SetPinned(ctx context.Context, conversationID string, pinned bool) error {
	return s.store.RunTransaction(ctx, func(tx store.Tx) error {
		if _, err := tx.Get(store.TopicUsers, s.identity.UserID); err != nil {
			return err
		}
		op := store.ArrayRemove(conversationID)
		if pinned {
			op = store.ArrayAdd(conversationID)
		}
		tx.Update(store.TopicUsers, s.identity.UserID, map[string]any{
			"pinnedConversationIds": op,
		})
		return nil
	})
}

// Mute silences a conversation until the given time, or forever when until
// is nil.
func (s *Session) Mute(ctx context.Context, conversationID string, until *time.Time) error {
	value := model.MuteForever
	if until != nil {
		value = until.Format(time.RFC3339)
	}
	return s.store.RunTransaction(ctx, func(tx store.Tx) error {
		if _, err := tx.Get(store.TopicUsers, s.identity.UserID); err != nil {
			return err
		}
		tx.Update(store.TopicUsers, s.identity.UserID, map[string]any{
			"mutedConversations." + conversationID: value,
		})
		return nil
	})
}

// Unmute lifts a conversation mute.
func (s *Session) Unmute(ctx context.Context, conversationID string) error {
	return s.store.RunTransaction(ctx, func(tx store.Tx) error {
		if _, err := tx.Get(store.TopicUsers, s.identity.UserID); err != nil {
			return err
		}
		tx.Update(store.TopicUsers, s.identity.UserID, map[string]any{
			"mutedConversations." + conversationID: store.DeleteField(),
		})
		return nil
	})
}

// DeleteAccount removes the principal and cascades to owned conversations,
// their messages, outbound requests and the username mapping in one batch.
func (s *Session) DeleteAccount(ctx context.Context) error {
	profile := s.Profile()
	if profile == nil {
		return apperrors.Internal("session not started")
	}

	// Tear down watches and timers first so the cascade below does not
	// fan events back into a dying session.
	s.Close(ctx)

	convDocs, err := s.store.Query(ctx, store.NewQuery(store.TopicConversations).
		Where("memberIds", store.OpArrayContains, s.identity.UserID))
	if err != nil {
		return err
	}
	reqDocs, err := s.store.Query(ctx, store.NewQuery(store.TopicRequests).
		Where("fromUserId", store.OpEqual, s.identity.UserID))
	if err != nil {
		return err
	}

	batch := s.store.Batch()
	for i := range convDocs {
		msgDocs, err := s.store.Query(ctx, store.NewQuery(store.TopicMessages).
			Where("conversationId", store.OpEqual, convDocs[i].ID))
		if err != nil {
			return err
		}
		for j := range msgDocs {
			batch.Delete(store.TopicMessages, msgDocs[j].ID)
		}
		batch.Delete(store.TopicConversations, convDocs[i].ID)
	}
	for i := range reqDocs {
		batch.Delete(store.TopicRequests, reqDocs[i].ID)
	}
	batch.Delete(store.TopicUsernames, profile.Username)
	batch.Delete(store.TopicUsers, s.identity.UserID)
	return batch.Commit(ctx)
}
