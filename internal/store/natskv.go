package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	apperrors "github.com/loomchat/sync-engine/pkg/errors"
	"github.com/loomchat/sync-engine/pkg/logger"
)

// KVConfig holds NATS connection configuration.
type KVConfig struct {
	URL      string
	CAFile   string
	CertFile string
	KeyFile  string
	Token    string
}

// KV is the production Store adapter backed by one JetStream KV bucket per
// topic. Bucket revisions supply the per-topic monotonic snapshot version;
// revision-conditional updates supply the transaction primitive.
type KV struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	buckets map[Topic]jetstream.KeyValue
	logger  *logger.Logger

	txMu sync.Mutex
}

const bucketPrefix = "chat_"

// ConnectKV establishes the NATS connection and provisions one KV bucket
// per topic.
func ConnectKV(ctx context.Context, cfg KVConfig, log *logger.Logger) (*KV, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected")
		}),
	}

	// Add TLS configuration if certificates are provided
	if cfg.CAFile != "" && cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsConfig, err := createTLSConfig(cfg.CAFile, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv := &KV{
		conn:    nc,
		js:      js,
		buckets: make(map[Topic]jetstream.KeyValue),
		logger:  log,
	}

	for _, topic := range Topics {
		bucket, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucketPrefix + string(topic),
			History:     1,
			Description: "chat sync documents: " + string(topic),
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to provision bucket %s: %w", topic, err)
		}
		kv.buckets[topic] = bucket
	}

	return kv, nil
}

// Close closes the NATS connection.
func (s *KV) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

// IsConnected reports whether the NATS connection is up.
func (s *KV) IsConnected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

func (s *KV) bucket(topic Topic) (jetstream.KeyValue, error) {
	b, ok := s.buckets[topic]
	if !ok {
		return nil, apperrors.Internal("unknown topic: " + string(topic))
	}
	return b, nil
}

func (s *KV) GetDoc(ctx context.Context, topic Topic, id string) (*Doc, error) {
	b, err := s.bucket(topic)
	if err != nil {
		return nil, err
	}

	entry, err := b.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, apperrors.Transport("get failed", err)
	}
	return decodeEntry(topic, entry)
}

func (s *KV) SetDoc(ctx context.Context, topic Topic, id string, fields map[string]any) error {
	b, err := s.bucket(topic)
	if err != nil {
		return err
	}

	resolved := make(map[string]any)
	ApplyFields(resolved, fields, time.Now())
	data, err := encodeFields(resolved)
	if err != nil {
		return err
	}
	if _, err := b.Put(ctx, id, data); err != nil {
		return apperrors.Transport("set failed", err)
	}
	return nil
}

// UpdateDoc merges a partial update with a revision-conditional write,
// retried on CAS conflict.
func (s *KV) UpdateDoc(ctx context.Context, topic Topic, id string, fields map[string]any) error {
	b, err := s.bucket(topic)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		entry, err := b.Get(ctx, id)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				return ErrNotFound
			}
			return apperrors.Transport("update read failed", err)
		}

		doc, err := decodeEntry(topic, entry)
		if err != nil {
			return err
		}
		ApplyFields(doc.Fields, fields, time.Now())

		data, err := encodeFields(doc.Fields)
		if err != nil {
			return err
		}
		_, err = b.Update(ctx, id, data, entry.Revision())
		if err == nil {
			return nil
		}
		if !isCASConflict(err) {
			return apperrors.Transport("update failed", err)
		}
	}
	return apperrors.Transport("update failed", errors.New("too many CAS conflicts"))
}

func (s *KV) DeleteDoc(ctx context.Context, topic Topic, id string) error {
	b, err := s.bucket(topic)
	if err != nil {
		return err
	}
	if err := b.Purge(ctx, id); err != nil {
		return apperrors.Transport("delete failed", err)
	}
	return nil
}

func (s *KV) Query(ctx context.Context, q Query) ([]Doc, error) {
	docs, err := s.scan(ctx, q.Topic)
	if err != nil {
		return nil, err
	}
	return q.Apply(docs), nil
}

func (s *KV) scan(ctx context.Context, topic Topic) ([]Doc, error) {
	b, err := s.bucket(topic)
	if err != nil {
		return nil, err
	}

	keys, err := b.Keys(ctx)
	if err != nil && !errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, apperrors.Transport("scan failed", err)
	}

	var docs []Doc
	for _, key := range keys {
		entry, err := b.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue // deleted between Keys and Get
			}
			return nil, apperrors.Transport("scan failed", err)
		}
		doc, err := decodeEntry(topic, entry)
		if err != nil {
			continue
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}

// Watch re-evaluates the query against a bucket-wide KV watch. The bucket's
// message revision, monotonic across all keys, versions each snapshot.
func (s *KV) Watch(ctx context.Context, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (CancelFunc, error) {
	b, err := s.bucket(q.Topic)
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := b.WatchAll(watchCtx)
	if err != nil {
		cancel()
		return nil, apperrors.Subscription("watch open failed", err)
	}

	go func() {
		defer watcher.Stop()

		docs := make(map[string]Doc)
		var revision uint64
		replaying := true

		emit := func() {
			all := make([]Doc, 0, len(docs))
			for _, d := range docs {
				all = append(all, d)
			}
			onSnapshot(Snapshot{Docs: q.Apply(all), Revision: revision})
		}

		for {
			select {
			case <-watchCtx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					if onError != nil && watchCtx.Err() == nil {
						onError(apperrors.Subscription("watch closed", nil))
					}
					return
				}
				if entry == nil {
					// End of replay: deliver the initial snapshot.
					replaying = false
					emit()
					continue
				}
				if entry.Revision() > revision {
					revision = entry.Revision()
				}
				switch entry.Operation() {
				case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
					delete(docs, entry.Key())
				default:
					doc, err := decodeEntry(q.Topic, entry)
					if err != nil {
						continue
					}
					docs[entry.Key()] = *doc
				}
				if !replaying {
					emit()
				}
			}
		}
	}()

	return CancelFunc(cancel), nil
}

// RunTransaction executes fn against a buffered view and commits with
// revision-conditional writes, retrying the whole function on conflict.
// Writes within one commit flush in order (the supported batch boundary).
func (s *KV) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		tx := &kvTx{store: s, ctx: ctx, reads: make(map[string]uint64)}
		if err := fn(tx); err != nil {
			return err
		}
		err := tx.commit()
		if err == nil {
			return nil
		}
		if !isCASConflict(err) {
			return err
		}
		lastErr = err
	}
	return apperrors.Transport("transaction failed", lastErr)
}

func (s *KV) Batch() Batch {
	return &kvBatch{store: s}
}

type kvTx struct {
	store *KV
	ctx   context.Context
	ops   []writeOp
	reads map[string]uint64 // topic/id -> revision observed (0 = absent)
}

func (t *kvTx) Get(topic Topic, id string) (*Doc, error) {
	// Overlay buffered writes first.
	var doc *Doc
	overlaid := false
	for _, op := range t.ops {
		if op.topic != topic || op.id != id {
			continue
		}
		overlaid = true
		switch op.kind {
		case 0:
			doc = &Doc{ID: id, Topic: topic, Fields: make(map[string]any)}
			ApplyFields(doc.Fields, op.fields, time.Now())
		case 1:
			if doc != nil {
				ApplyFields(doc.Fields, op.fields, time.Now())
			}
		case 2:
			doc = nil
		}
	}
	if overlaid {
		if doc == nil {
			return nil, ErrNotFound
		}
		return doc, nil
	}

	committed, err := t.store.GetDoc(t.ctx, topic, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			t.reads[string(topic)+"/"+id] = 0
		}
		return nil, err
	}
	t.reads[string(topic)+"/"+id] = committed.Revision
	return committed, nil
}

func (t *kvTx) Set(topic Topic, id string, fields map[string]any) {
	t.ops = append(t.ops, writeOp{kind: 0, topic: topic, id: id, fields: fields})
}

func (t *kvTx) Update(topic Topic, id string, fields map[string]any) {
	t.ops = append(t.ops, writeOp{kind: 1, topic: topic, id: id, fields: fields})
}

func (t *kvTx) Delete(topic Topic, id string) {
	t.ops = append(t.ops, writeOp{kind: 2, topic: topic, id: id})
}

func (t *kvTx) commit() error {
	now := time.Now()
	for _, op := range t.ops {
		b, err := t.store.bucket(op.topic)
		if err != nil {
			return err
		}
		key := string(op.topic) + "/" + op.id

		switch op.kind {
		case 2:
			if err := b.Purge(t.ctx, op.id); err != nil {
				return apperrors.Transport("transaction delete failed", err)
			}
			continue
		case 0, 1:
			fields := make(map[string]any)
			if op.kind == 1 {
				existing, err := t.store.GetDoc(t.ctx, op.topic, op.id)
				if err != nil && !errors.Is(err, ErrNotFound) {
					return err
				}
				if existing != nil {
					fields = existing.Fields
				}
			}
			ApplyFields(fields, op.fields, now)
			data, err := encodeFields(fields)
			if err != nil {
				return err
			}

			if rev, read := t.reads[key]; read && rev > 0 {
				if _, err := b.Update(t.ctx, op.id, data, rev); err != nil {
					return err
				}
				// Subsequent ops on the same key must not reuse the old revision.
				delete(t.reads, key)
			} else if read && rev == 0 {
				if _, err := b.Create(t.ctx, op.id, data); err != nil {
					return err
				}
				delete(t.reads, key)
			} else {
				if _, err := b.Put(t.ctx, op.id, data); err != nil {
					return apperrors.Transport("transaction write failed", err)
				}
			}
		}
	}
	return nil
}

type kvBatch struct {
	store *KV
	ops   []writeOp
}

func (b *kvBatch) Set(topic Topic, id string, fields map[string]any) {
	b.ops = append(b.ops, writeOp{kind: 0, topic: topic, id: id, fields: fields})
}

func (b *kvBatch) Update(topic Topic, id string, fields map[string]any) {
	b.ops = append(b.ops, writeOp{kind: 1, topic: topic, id: id, fields: fields})
}

func (b *kvBatch) Delete(topic Topic, id string) {
	b.ops = append(b.ops, writeOp{kind: 2, topic: topic, id: id})
}

// Commit flushes the batch as one ordered write sequence and reports the
// first failure.
func (b *kvBatch) Commit(ctx context.Context) error {
	for _, op := range b.ops {
		var err error
		switch op.kind {
		case 0:
			err = b.store.SetDoc(ctx, op.topic, op.id, op.fields)
		case 1:
			err = b.store.UpdateDoc(ctx, op.topic, op.id, op.fields)
			if errors.Is(err, ErrNotFound) {
				err = b.store.SetDoc(ctx, op.topic, op.id, op.fields)
			}
		case 2:
			err = b.store.DeleteDoc(ctx, op.topic, op.id)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func isCASConflict(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return errors.Is(err, jetstream.ErrKeyExists)
}

// encodeFields marshals resolved fields to JSON. time.Time values encode as
// RFC3339Nano strings; the model codec accepts both forms.
func encodeFields(fields map[string]any) ([]byte, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, apperrors.Internal("document encode failed: " + err.Error())
	}
	return data, nil
}

func decodeEntry(topic Topic, entry jetstream.KeyValueEntry) (*Doc, error) {
	fields := make(map[string]any)
	if err := json.Unmarshal(entry.Value(), &fields); err != nil {
		return nil, apperrors.Internal("document decode failed: " + err.Error())
	}
	return &Doc{
		ID:        entry.Key(),
		Topic:     topic,
		Fields:    fields,
		Revision:  entry.Revision(),
		UpdatedAt: entry.Created(),
	}, nil
}

func createTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}

	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
