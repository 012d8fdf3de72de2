package store

import (
	"context"
	"sync"
	"time"
)

// Memory is a fully in-process Store with the same observable semantics as
// the JetStream KV adapter: per-topic monotonic revisions, live watches,
// serialized transactions and atomic batches. It backs local development
// and every engine test.
type Memory struct {
	mu        sync.Mutex
	topics    map[Topic]map[string]*Doc
	revisions map[Topic]uint64
	watchers  map[int64]*memWatcher
	nextID    int64

	// Now supplies server timestamps. Override before first use in tests
	// needing a deterministic clock.
	Now func() time.Time

	failWrite error
}

type memWatcher struct {
	id     int64
	query  Query
	onSnap SnapshotFunc
	onErr  ErrorFunc
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		topics:    make(map[Topic]map[string]*Doc),
		revisions: make(map[Topic]uint64),
		watchers:  make(map[int64]*memWatcher),
		Now:       time.Now,
	}
}

// FailNextWrite makes the next mutating call return err without applying.
func (m *Memory) FailNextWrite(err error) {
	m.mu.Lock()
	m.failWrite = err
	m.mu.Unlock()
}

// DropWatches simulates the remote store revoking every live watch on a
// topic: each watcher receives cause through its error callback and is
// removed.
func (m *Memory) DropWatches(topic Topic, cause error) {
	m.mu.Lock()
	var dropped []*memWatcher
	for id, w := range m.watchers {
		if w.query.Topic == topic {
			dropped = append(dropped, w)
			delete(m.watchers, id)
		}
	}
	m.mu.Unlock()

	for _, w := range dropped {
		if w.onErr != nil {
			w.onErr(cause)
		}
	}
}

func (m *Memory) GetDoc(ctx context.Context, topic Topic, id string) (*Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.topics[topic][id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (m *Memory) SetDoc(ctx context.Context, topic Topic, id string, fields map[string]any) error {
	return m.commit(func() error {
		m.setLocked(topic, id, fields)
		return nil
	}, topic)
}

func (m *Memory) UpdateDoc(ctx context.Context, topic Topic, id string, fields map[string]any) error {
	return m.commit(func() error {
		return m.updateLocked(topic, id, fields)
	}, topic)
}

func (m *Memory) DeleteDoc(ctx context.Context, topic Topic, id string) error {
	return m.commit(func() error {
		m.deleteLocked(topic, id)
		return nil
	}, topic)
}

func (m *Memory) Query(ctx context.Context, q Query) ([]Doc, error) {
	m.mu.Lock()
	docs := m.snapshotLocked(q.Topic)
	m.mu.Unlock()

	return q.Apply(docs), nil
}

func (m *Memory) Watch(ctx context.Context, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (CancelFunc, error) {
	m.mu.Lock()
	m.nextID++
	w := &memWatcher{id: m.nextID, query: q, onSnap: onSnapshot, onErr: onError}
	m.watchers[w.id] = w
	initial := Snapshot{Docs: q.Apply(m.snapshotLocked(q.Topic)), Revision: m.revisions[q.Topic]}
	m.mu.Unlock()

	// Initial snapshot is delivered before Watch returns, matching the KV
	// adapter's replay-then-live behavior.
	onSnapshot(initial)

	id := w.id
	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}, nil
}

func (m *Memory) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	if err := m.failWrite; err != nil {
		m.failWrite = nil
		m.mu.Unlock()
		return err
	}

	tx := &memTx{store: m}
	if err := fn(tx); err != nil {
		m.mu.Unlock()
		return err
	}

	touched := m.applyOpsLocked(tx.ops)
	notify := m.notificationsLocked(touched)
	m.mu.Unlock()

	deliver(notify)
	return nil
}

func (m *Memory) Batch() Batch {
	return &memBatch{store: m}
}

// commit runs a single-topic mutation under the lock, bumps the topic
// revision and fans snapshots out to affected watchers.
func (m *Memory) commit(mutate func() error, topics ...Topic) error {
	m.mu.Lock()
	if err := m.failWrite; err != nil {
		m.failWrite = nil
		m.mu.Unlock()
		return err
	}
	if err := mutate(); err != nil {
		m.mu.Unlock()
		return err
	}
	for _, t := range topics {
		m.revisions[t]++
		m.stampLocked(t)
	}
	notify := m.notificationsLocked(topics)
	m.mu.Unlock()

	deliver(notify)
	return nil
}

type notification struct {
	fn   SnapshotFunc
	snap Snapshot
}

func deliver(notify []notification) {
	for _, n := range notify {
		n.fn(n.snap)
	}
}

func (m *Memory) notificationsLocked(touched []Topic) []notification {
	var out []notification
	for _, w := range m.watchers {
		for _, t := range touched {
			if w.query.Topic != t {
				continue
			}
			snap := Snapshot{
				Docs:     w.query.Apply(m.snapshotLocked(t)),
				Revision: m.revisions[t],
			}
			out = append(out, notification{fn: w.onSnap, snap: snap})
			break
		}
	}
	return out
}

func (m *Memory) snapshotLocked(topic Topic) []Doc {
	docs := make([]Doc, 0, len(m.topics[topic]))
	for _, d := range m.topics[topic] {
		docs = append(docs, *d.Clone())
	}
	return docs
}

// stampLocked refreshes per-doc revisions for docs written in this commit.
func (m *Memory) stampLocked(topic Topic) {
	rev := m.revisions[topic]
	for _, d := range m.topics[topic] {
		if d.Revision == 0 {
			d.Revision = rev
		}
	}
}

func (m *Memory) setLocked(topic Topic, id string, fields map[string]any) {
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[string]*Doc)
	}
	doc := &Doc{ID: id, Topic: topic, Fields: make(map[string]any), UpdatedAt: m.Now()}
	ApplyFields(doc.Fields, fields, m.Now())
	m.topics[topic][id] = doc
}

func (m *Memory) updateLocked(topic Topic, id string, fields map[string]any) error {
	doc, ok := m.topics[topic][id]
	if !ok {
		return ErrNotFound
	}
	ApplyFields(doc.Fields, fields, m.Now())
	doc.UpdatedAt = m.Now()
	doc.Revision = 0 // restamped by commit
	return nil
}

func (m *Memory) deleteLocked(topic Topic, id string) {
	delete(m.topics[topic], id)
}

// writeOp is one buffered mutation inside a transaction or batch.
type writeOp struct {
	kind   int // 0 set, 1 update, 2 delete
	topic  Topic
	id     string
	fields map[string]any
}

// applyOpsLocked applies buffered ops, bumps each touched topic revision
// once and returns the touched topics.
func (m *Memory) applyOpsLocked(ops []writeOp) []Topic {
	seen := make(map[Topic]bool)
	var touched []Topic
	for _, op := range ops {
		switch op.kind {
		case 0:
			m.setLocked(op.topic, op.id, op.fields)
		case 1:
			// Update inside a batch upserts, mirroring KV merge-on-write.
			if _, ok := m.topics[op.topic][op.id]; !ok {
				m.setLocked(op.topic, op.id, op.fields)
			} else {
				_ = m.updateLocked(op.topic, op.id, op.fields)
			}
		case 2:
			m.deleteLocked(op.topic, op.id)
		}
		if !seen[op.topic] {
			seen[op.topic] = true
			touched = append(touched, op.topic)
		}
	}
	for _, t := range touched {
		m.revisions[t]++
		m.stampLocked(t)
	}
	return touched
}

// memTx buffers writes; reads see committed state overlaid with the buffer.
type memTx struct {
	store *Memory
	ops   []writeOp
}

func (t *memTx) Get(topic Topic, id string) (*Doc, error) {
	// Overlay buffered writes, newest last.
	var doc *Doc
	if committed, ok := t.store.topics[topic][id]; ok {
		doc = committed.Clone()
	}
	for _, op := range t.ops {
		if op.topic != topic || op.id != id {
			continue
		}
		switch op.kind {
		case 0:
			doc = &Doc{ID: id, Topic: topic, Fields: make(map[string]any)}
			ApplyFields(doc.Fields, op.fields, t.store.Now())
		case 1:
			if doc != nil {
				ApplyFields(doc.Fields, op.fields, t.store.Now())
			}
		case 2:
			doc = nil
		}
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	return doc, nil
}

func (t *memTx) Set(topic Topic, id string, fields map[string]any) {
	t.ops = append(t.ops, writeOp{kind: 0, topic: topic, id: id, fields: fields})
}

func (t *memTx) Update(topic Topic, id string, fields map[string]any) {
	t.ops = append(t.ops, writeOp{kind: 1, topic: topic, id: id, fields: fields})
}

func (t *memTx) Delete(topic Topic, id string) {
	t.ops = append(t.ops, writeOp{kind: 2, topic: topic, id: id})
}

// memBatch accumulates writes applied in a single commit.
type memBatch struct {
	store *Memory
	ops   []writeOp
}

func (b *memBatch) Set(topic Topic, id string, fields map[string]any) {
	b.ops = append(b.ops, writeOp{kind: 0, topic: topic, id: id, fields: fields})
}

func (b *memBatch) Update(topic Topic, id string, fields map[string]any) {
	b.ops = append(b.ops, writeOp{kind: 1, topic: topic, id: id, fields: fields})
}

func (b *memBatch) Delete(topic Topic, id string) {
	b.ops = append(b.ops, writeOp{kind: 2, topic: topic, id: id})
}

func (b *memBatch) Commit(ctx context.Context) error {
	m := b.store
	m.mu.Lock()
	if err := m.failWrite; err != nil {
		m.failWrite = nil
		m.mu.Unlock()
		return err
	}
	touched := m.applyOpsLocked(b.ops)
	notify := m.notificationsLocked(touched)
	m.mu.Unlock()

	deliver(notify)
	return nil
}
