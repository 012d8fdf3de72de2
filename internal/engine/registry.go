package engine

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/loomchat/sync-engine/internal/store"
	"github.com/loomchat/sync-engine/pkg/logger"
	"github.com/loomchat/sync-engine/pkg/metrics"
)

// Registry owns every live watch of one session, keyed by logical topic.
// Opening a key that is already active cancels the prior watch first, so at
// most one live connection exists per key and no event is delivered twice.
type Registry struct {
	mu      sync.Mutex
	store   store.Store
	logger  *logger.Logger
	active  map[string]*watchEntry
	nextGen uint64
}

type watchEntry struct {
	gen     uint64
	cancel  store.CancelFunc
	lastRev uint64
	seen    bool
}

// Handle is the cancel capability returned to watch callers. The registry
// keeps exclusive ownership of the live connection.
type Handle struct {
	TopicKey string
	registry *Registry
}

// Cancel tears down the watch if it is still the active one for its key.
func (h *Handle) Cancel() {
	h.registry.Cancel(h.TopicKey)
}

// NewRegistry creates an empty registry over a store.
func NewRegistry(s store.Store, log *logger.Logger) *Registry {
	return &Registry{
		store:  s,
		logger: log,
		active: make(map[string]*watchEntry),
	}
}

// Watch opens a live query under topicKey, replacing any active watch on
// the same key. Snapshots whose revision is not newer than the last
// delivered one are discarded. Watch errors remove the key and surface
// through onError; the registry never retries.
func (r *Registry) Watch(ctx context.Context, topicKey string, q store.Query, onChange store.SnapshotFunc, onError func(SubscriptionError)) (*Handle, error) {
	r.mu.Lock()
	var replaced store.CancelFunc
	if prev, ok := r.active[topicKey]; ok {
		replaced = prev.cancel
	}
	r.nextGen++
	gen := r.nextGen
	entry := &watchEntry{gen: gen}
	r.active[topicKey] = entry
	r.mu.Unlock()

	if replaced != nil {
		replaced()
		metrics.SubscriptionsActive.Dec()
		r.logger.Debug("watch replaced", zap.String("topic_key", topicKey))
	}

	onSnap := func(snap store.Snapshot) {
		r.mu.Lock()
		e, ok := r.active[topicKey]
		if !ok || e.gen != gen {
			r.mu.Unlock()
			return
		}
		if e.seen && snap.Revision <= e.lastRev {
			r.mu.Unlock()
			metrics.SnapshotsDelivered.WithLabelValues("stale").Inc()
			return
		}
		e.seen = true
		e.lastRev = snap.Revision
		r.mu.Unlock()

		metrics.SnapshotsDelivered.WithLabelValues("delivered").Inc()
		onChange(snap)
	}

	onErr := func(cause error) {
		r.mu.Lock()
		e, ok := r.active[topicKey]
		current := ok && e.gen == gen
		if current {
			delete(r.active, topicKey)
		}
		r.mu.Unlock()
		if !current {
			return
		}

		metrics.SubscriptionsActive.Dec()
		metrics.SnapshotsDelivered.WithLabelValues("error").Inc()
		r.logger.Warn("watch dropped", zap.String("topic_key", topicKey), zap.Error(cause))
		if onError != nil {
			onError(SubscriptionError{TopicKey: topicKey, Cause: cause})
		}
	}

	cancel, err := r.store.Watch(ctx, q, onSnap, onErr)
	if err != nil {
		r.mu.Lock()
		if e, ok := r.active[topicKey]; ok && e.gen == gen {
			delete(r.active, topicKey)
		}
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	if e, ok := r.active[topicKey]; ok && e.gen == gen {
		e.cancel = cancel
		r.mu.Unlock()
	} else {
		// Replaced or cancelled while opening.
		r.mu.Unlock()
		cancel()
		return &Handle{TopicKey: topicKey, registry: r}, nil
	}

	metrics.SubscriptionsActive.Inc()
	return &Handle{TopicKey: topicKey, registry: r}, nil
}

// Cancel tears down the active watch for a key. Idempotent.
func (r *Registry) Cancel(topicKey string) {
	r.mu.Lock()
	entry, ok := r.active[topicKey]
	if ok {
		delete(r.active, topicKey)
	}
	r.mu.Unlock()

	if ok && entry.cancel != nil {
		entry.cancel()
		metrics.SubscriptionsActive.Dec()
	}
}

// CancelScope tears down every watch whose key starts with prefix. Used
// when switching conversations: all "conv/<id>/" watches go down before
// the next conversation's watches open.
func (r *Registry) CancelScope(prefix string) {
	r.mu.Lock()
	var cancels []store.CancelFunc
	for key, entry := range r.active {
		if strings.HasPrefix(key, prefix) {
			if entry.cancel != nil {
				cancels = append(cancels, entry.cancel)
			}
			delete(r.active, key)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		metrics.SubscriptionsActive.Dec()
	}
}

// CancelAll tears down every watch. Idempotent and safe on an empty registry.
func (r *Registry) CancelAll() {
	r.CancelScope("")
}

// ActiveKeys returns the currently watched topic keys.
func (r *Registry) ActiveKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.active))
	for key := range r.active {
		keys = append(keys, key)
	}
	return keys
}
