package handler

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/loomchat/sync-engine/internal/engine"
	"github.com/loomchat/sync-engine/internal/middleware"
	"github.com/loomchat/sync-engine/internal/store"
	apperrors "github.com/loomchat/sync-engine/pkg/errors"
	"github.com/loomchat/sync-engine/pkg/logger"
)

type sessionEntry struct {
	session *engine.Session
	relay   *EventRelay
}

// SessionManager owns one engine session per authenticated principal.
// Sessions start lazily on first request and live until the account is
// deleted or the process shuts down.
type SessionManager struct {
	mu      sync.Mutex
	store   store.Store
	cfg     engine.Config
	log     *logger.Logger
	entries map[string]*sessionEntry
	closed  bool
}

// NewSessionManager creates a session manager.
func NewSessionManager(st store.Store, cfg engine.Config, log *logger.Logger) *SessionManager {
	return &SessionManager{
		store:   st,
		cfg:     cfg,
		log:     log,
		entries: make(map[string]*sessionEntry),
	}
}

// Acquire returns the principal's session and its event relay, starting the
// session on first use.
func (m *SessionManager) Acquire(ctx context.Context, identity engine.Identity) (*engine.Session, *EventRelay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, apperrors.Internal("session manager is shut down")
	}

	if e, ok := m.entries[identity.UserID]; ok {
		return e.session, e.relay, nil
	}

	relay := NewEventRelay(m.log)
	sess := engine.NewSession(identity, m.store, relay, m.cfg, m.log)
	if err := sess.Start(ctx); err != nil {
		return nil, nil, err
	}

	m.entries[identity.UserID] = &sessionEntry{session: sess, relay: relay}
	m.log.Info("session started",
		zap.String("user_id", identity.UserID),
		zap.String("session_id", sess.ID()),
	)
	return sess, relay, nil
}

// Remove tears down the principal's session, if any.
func (m *SessionManager) Remove(ctx context.Context, userID string) {
	m.mu.Lock()
	e, ok := m.entries[userID]
	delete(m.entries, userID)
	m.mu.Unlock()

	if ok {
		e.session.Close(ctx)
	}
}

// CloseAll shuts down every active session.
func (m *SessionManager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*sessionEntry)
	m.closed = true
	m.mu.Unlock()

	for _, e := range entries {
		e.session.Close(ctx)
	}
}

// FromRequest resolves the request's principal to a running session.
func (m *SessionManager) FromRequest(r *http.Request) (*engine.Session, *EventRelay, error) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		return nil, nil, apperrors.Forbidden("missing principal")
	}
	identity := engine.Identity{
		UserID:      userID,
		Username:    middleware.GetUsername(r.Context()),
		DisplayName: middleware.GetDisplayName(r.Context()),
	}
	return m.Acquire(r.Context(), identity)
}
