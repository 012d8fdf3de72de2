package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/loomchat/sync-engine/internal/model"
	"github.com/loomchat/sync-engine/pkg/logger"
)

// Roster merges the conversation list, counterpart profiles and the
// viewer's pin/mute/block overlays into the ordered, filtered render list.
type Roster struct {
	mu     sync.Mutex
	logger *logger.Logger
	sink   Sink
	now    func() time.Time

	viewer        *model.User
	conversations []model.Conversation
	profiles      map[string]model.Profile
}

// NewRoster creates an empty roster engine.
func NewRoster(sink Sink, log *logger.Logger) *Roster {
	return &Roster{
		logger:   log,
		sink:     sink,
		now:      time.Now,
		profiles: make(map[string]model.Profile),
	}
}

// SetViewer replaces the viewer record (pins, mutes, blocks) and re-emits.
func (r *Roster) SetViewer(viewer *model.User) {
	r.mu.Lock()
	r.viewer = viewer
	r.mu.Unlock()
	r.emit()
}

// SetConversations replaces the conversation snapshot and re-emits.
func (r *Roster) SetConversations(convs []model.Conversation) {
	r.mu.Lock()
	r.conversations = convs
	r.mu.Unlock()
	r.emit()
}

// SetProfile caches one counterpart profile and re-emits.
func (r *Roster) SetProfile(p model.Profile) {
	r.mu.Lock()
	r.profiles[p.ID] = p
	r.mu.Unlock()
	r.emit()
}

// KnownProfile reports whether a counterpart profile is already cached.
func (r *Roster) KnownProfile(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.profiles[userID]
	return ok
}

// Entries computes the current render list without emitting.
func (r *Roster) Entries() []model.ConversationView {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.viewer == nil {
		return nil
	}
	return BuildRoster(r.conversations, r.profiles, r.viewer, r.now())
}

func (r *Roster) emit() {
	entries := r.Entries()
	if entries == nil {
		return
	}
	r.sink.RosterChanged(entries)
}

// BuildRoster is the pure ordering function: blocked counterparts are
// excluded; pinned conversations precede unpinned; within each partition,
// conversations with unread messages come first, then most recent activity,
// with conversation id ascending as the final tie-break. Identical inputs
// always produce identical order. A missing counterpart profile is
// tolerated (the profile topic may not have loaded yet) and rendered empty.
func BuildRoster(convs []model.Conversation, profiles map[string]model.Profile, viewer *model.User, now time.Time) []model.ConversationView {
	entries := make([]model.ConversationView, 0, len(convs))
	for _, c := range convs {
		counterpartID := c.Counterpart(viewer.ID)
		if viewer.HasBlocked(counterpartID) {
			continue
		}

		muted := viewer.MutedUntil(c.ID, now)
		unread := c.UnreadCount[viewer.ID]
		if muted {
			// Unread badge is suppressed while muted, which also keeps
			// muted conversations out of the unread-first partition.
			unread = 0
		}

		entries = append(entries, model.ConversationView{
			Conversation: c,
			Counterpart:  profiles[counterpartID],
			Unread:       unread,
			Pinned:       viewer.HasPinned(c.ID),
			Muted:        muted,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		aUnread := a.Unread > 0
		bUnread := b.Unread > 0
		if aUnread != bUnread {
			return aUnread
		}
		aAt := a.Conversation.ActivityAt()
		bAt := b.Conversation.ActivityAt()
		if !aAt.Equal(bAt) {
			return aAt.After(bAt)
		}
		return a.Conversation.ID < b.Conversation.ID
	})

	return entries
}
