// Package store defines the Remote Store capability consumed by the engine
// and provides its in-memory and NATS JetStream KV implementations.
package store

import (
	"context"
	"time"

	apperrors "github.com/loomchat/sync-engine/pkg/errors"
)

// Topic is a logical document collection.
type Topic string

const (
	TopicUsers         Topic = "users"
	TopicUsernames     Topic = "usernames"
	TopicConversations Topic = "conversations"
	TopicMessages      Topic = "messages"
	TopicRequests      Topic = "requests"
)

// Topics lists every collection, in bucket-provisioning order.
var Topics = []Topic{TopicUsers, TopicUsernames, TopicConversations, TopicMessages, TopicRequests}

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = apperrors.NotFound("document not found")

// Doc is one stored document. Fields hold JSON-compatible values plus
// time.Time. Revision increases on every write to the document's topic.
type Doc struct {
	ID        string
	Topic     Topic
	Fields    map[string]any
	Revision  uint64
	UpdatedAt time.Time
}

// Snapshot is one delivered state of a watched query. Revision is monotonic
// per topic; consumers must discard snapshots whose revision is not newer.
type Snapshot struct {
	Docs     []Doc
	Revision uint64
}

// SnapshotFunc receives query snapshots for a live watch.
type SnapshotFunc func(Snapshot)

// ErrorFunc receives terminal watch errors.
type ErrorFunc func(error)

// CancelFunc tears down a live watch. Safe to call more than once.
type CancelFunc func()

// Tx is the handle passed to a transaction function. Reads observe committed
// state plus the transaction's own writes; writes apply atomically on commit.
type Tx interface {
	Get(topic Topic, id string) (*Doc, error)
	Set(topic Topic, id string, fields map[string]any)
	Update(topic Topic, id string, fields map[string]any)
	Delete(topic Topic, id string)
}

// Batch accumulates a multi-document write applied in one commit.
type Batch interface {
	Set(topic Topic, id string, fields map[string]any)
	Update(topic Topic, id string, fields map[string]any)
	Delete(topic Topic, id string)
	Commit(ctx context.Context) error
}

// Store is the Remote Store capability.
type Store interface {
	GetDoc(ctx context.Context, topic Topic, id string) (*Doc, error)
	SetDoc(ctx context.Context, topic Topic, id string, fields map[string]any) error
	UpdateDoc(ctx context.Context, topic Topic, id string, fields map[string]any) error
	DeleteDoc(ctx context.Context, topic Topic, id string) error
	Query(ctx context.Context, q Query) ([]Doc, error)
	Watch(ctx context.Context, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (CancelFunc, error)
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
	Batch() Batch
}

// Clone returns a deep copy of the document's fields.
func (d *Doc) Clone() *Doc {
	cp := *d
	cp.Fields = cloneFields(d.Fields)
	return &cp
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneFields(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
