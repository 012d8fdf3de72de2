package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomchat/sync-engine/internal/model"
	"github.com/loomchat/sync-engine/internal/store"
	"github.com/loomchat/sync-engine/pkg/logger"
	"github.com/loomchat/sync-engine/pkg/metrics"
)

// PresenceCoordinator owns the principal's typing and online state
// machines. Typing follows Idle -> Typing -> Idle per conversation with one
// remote write per burst; presence follows the tri-valued mode policy with
// at most one heartbeat timer alive at any time.
type PresenceCoordinator struct {
	mu     sync.Mutex
	store  store.Store
	logger *logger.Logger
	cfg    Config
	userID string

	typing       map[string]*typingSession
	lastActivity map[string]time.Time

	mode          model.PresenceMode
	visible       bool
	heartbeatStop chan struct{}
	closed        bool
}

type typingSession struct {
	timer *time.Timer
}

// NewPresenceCoordinator creates the coordinator for one principal.
func NewPresenceCoordinator(userID string, st store.Store, cfg Config, log *logger.Logger) *PresenceCoordinator {
	return &PresenceCoordinator{
		store:        st,
		logger:       log,
		cfg:          cfg,
		userID:       userID,
		typing:       make(map[string]*typingSession),
		lastActivity: make(map[string]time.Time),
		visible:      true,
	}
}

// Typing registers one keystroke in a conversation. Input is coalesced
// through the debounce window before the state machine sees it; the
// Idle -> Typing transition issues the single remote write of the burst and
// later keystrokes only re-arm the inactivity timer.
func (p *PresenceCoordinator) Typing(ctx context.Context, conversationID string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	now := time.Now()
	if last, ok := p.lastActivity[conversationID]; ok && now.Sub(last) < p.cfg.TypingDebounce {
		p.mu.Unlock()
		return
	}
	p.lastActivity[conversationID] = now

	if session, active := p.typing[conversationID]; active {
		session.timer.Reset(p.cfg.TypingTimeout)
		p.mu.Unlock()
		return
	}

	session := &typingSession{}
	session.timer = time.AfterFunc(p.cfg.TypingTimeout, func() {
		p.StopTyping(context.Background(), conversationID)
	})
	p.typing[conversationID] = session
	p.mu.Unlock()

	p.writeTyping(ctx, conversationID)
}

// StopTyping ends the typing burst (explicit stop, send, or timer expiry)
// and issues the clearing write. No-op when not typing.
func (p *PresenceCoordinator) StopTyping(ctx context.Context, conversationID string) {
	p.mu.Lock()
	session, active := p.typing[conversationID]
	if active {
		session.timer.Stop()
		delete(p.typing, conversationID)
		delete(p.lastActivity, conversationID)
	}
	p.mu.Unlock()

	if active {
		p.writeTyping(ctx, "")
	}
}

// TypingIn reports the conversation the principal is currently typing in,
// or "".
func (p *PresenceCoordinator) TypingIn() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.typing {
		return id
	}
	return ""
}

func (p *PresenceCoordinator) writeTyping(ctx context.Context, conversationID string) {
	metrics.TypingWrites.Inc()
	err := p.store.UpdateDoc(ctx, store.TopicUsers, p.userID, map[string]any{
		"typingInConversationId": conversationID,
	})
	if err != nil {
		p.logger.Warn("typing write failed", zap.Error(err))
	}
}

// SetMode switches the presence mode. Any existing heartbeat is cancelled
// before the new policy arms its own.
func (p *PresenceCoordinator) SetMode(ctx context.Context, mode model.PresenceMode) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.stopHeartbeatLocked()
	p.mode = mode

	var stop chan struct{}
	if mode == model.PresenceAuto {
		stop = make(chan struct{})
		p.heartbeatStop = stop
	}
	visible := p.visible
	p.mu.Unlock()

	switch mode {
	case model.PresenceAuto:
		p.writeOnline(ctx, visible)
		go p.heartbeatLoop(stop)
	case model.PresenceOnline:
		p.writeOnline(ctx, true)
	case model.PresenceOffline:
		p.writeOnline(ctx, false)
	}
}

// Mode returns the current presence mode.
func (p *PresenceCoordinator) Mode() model.PresenceMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// SetVisible reflects a visibility change (tab shown/hidden). Only the
// auto policy reacts; forced modes ignore it.
func (p *PresenceCoordinator) SetVisible(ctx context.Context, visible bool) {
	p.mu.Lock()
	p.visible = visible
	auto := p.mode == model.PresenceAuto
	p.mu.Unlock()

	if auto {
		p.writeOnline(ctx, visible)
	}
}

// HeartbeatActive reports whether a heartbeat timer is armed.
func (p *PresenceCoordinator) HeartbeatActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heartbeatStop != nil
}

func (p *PresenceCoordinator) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			visible := p.visible
			p.mu.Unlock()
			if !visible {
				continue
			}
			metrics.HeartbeatsTotal.Inc()
			p.writeOnline(context.Background(), true)
		}
	}
}

func (p *PresenceCoordinator) stopHeartbeatLocked() {
	if p.heartbeatStop != nil {
		close(p.heartbeatStop)
		p.heartbeatStop = nil
	}
}

func (p *PresenceCoordinator) writeOnline(ctx context.Context, online bool) {
	err := p.store.UpdateDoc(ctx, store.TopicUsers, p.userID, map[string]any{
		"isOnline":   online,
		"lastSeenAt": store.ServerTimestamp(),
	})
	if err != nil {
		p.logger.Warn("presence write failed", zap.Error(err))
	}
}

// Close stops every timer and writes the final offline state.
func (p *PresenceCoordinator) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.stopHeartbeatLocked()
	hadTyping := len(p.typing) > 0
	for id, session := range p.typing {
		session.timer.Stop()
		delete(p.typing, id)
	}
	p.mu.Unlock()

	if hadTyping {
		p.writeTyping(ctx, "")
	}
	p.writeOnline(ctx, false)
}
