package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomchat/sync-engine/internal/model"
	"github.com/loomchat/sync-engine/internal/store"
	apperrors "github.com/loomchat/sync-engine/pkg/errors"
)

func sessionConfig() Config {
	return Config{
		TypingTimeout:     time.Hour,
		TypingDebounce:    time.Hour,
		HeartbeatInterval: time.Hour,
		ReadReceiptWindow: 0,
	}
}

func newTestSession(m *store.Memory, id Identity) (*Session, *recordSink) {
	sink := newRecordSink()
	return NewSession(id, m, sink, sessionConfig(), testLogger()), sink
}

func TestSession_Start(t *testing.T) {
	ctx := context.Background()

	t.Run("first sign-in creates the user and its username mapping", func(t *testing.T) {
		m := store.NewMemory()
		sess, _ := newTestSession(m, Identity{UserID: "u1", DisplayName: "Alice", Username: "alice_01"})
		require.NoError(t, sess.Start(ctx))
		defer sess.Close(ctx)

		doc, err := m.GetDoc(ctx, store.TopicUsers, "u1")
		require.NoError(t, err)
		user := model.UserFromFields(doc.ID, doc.Fields)
		assert.Equal(t, "Alice", user.DisplayName)
		assert.Equal(t, "alice_01", user.Username)
		assert.False(t, user.CreatedAt.IsZero())

		idx, err := m.GetDoc(ctx, store.TopicUsernames, "alice_01")
		require.NoError(t, err)
		assert.Equal(t, "u1", idx.Fields["userId"])
	})

	t.Run("username validation", func(t *testing.T) {
		m := store.NewMemory()
		for _, bad := range []string{"", "ab", "Mixed", "with space", "has-dash"} {
			sess, _ := newTestSession(m, Identity{UserID: "u-" + bad, DisplayName: "X", Username: bad})
			assert.ErrorIs(t, sess.Start(ctx), apperrors.ErrInvalidUsername, "username %q", bad)
		}
	})

	t.Run("display name required on first sign-in", func(t *testing.T) {
		m := store.NewMemory()
		sess, _ := newTestSession(m, Identity{UserID: "u1", Username: "alice_01"})
		assert.ErrorIs(t, sess.Start(ctx), apperrors.ErrInvalidDisplay)
	})

	t.Run("taken username leaves no partial state", func(t *testing.T) {
		m := store.NewMemory()
		first, _ := newTestSession(m, Identity{UserID: "u1", DisplayName: "Alice", Username: "shared"})
		require.NoError(t, first.Start(ctx))
		defer first.Close(ctx)

		second, _ := newTestSession(m, Identity{UserID: "u2", DisplayName: "Eve", Username: "shared"})
		assert.ErrorIs(t, second.Start(ctx), apperrors.ErrUsernameTaken)

		_, err := m.GetDoc(ctx, store.TopicUsers, "u2")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("returning user loads without identity validation", func(t *testing.T) {
		m := store.NewMemory()
		require.NoError(t, m.SetDoc(ctx, store.TopicUsers, "u1",
			model.UserFields(model.NewUser("u1", "Alice", "alice_01"))))

		// Token identity fields are ignored once a record exists.
		sess, _ := newTestSession(m, Identity{UserID: "u1", DisplayName: "", Username: "INVALID"})
		require.NoError(t, sess.Start(ctx))
		defer sess.Close(ctx)
		assert.Equal(t, "alice_01", sess.Profile().Username)
	})

	t.Run("start emits the initial roster and request snapshots", func(t *testing.T) {
		m := store.NewMemory()
		require.NoError(t, m.SetDoc(ctx, store.TopicUsers, "bob",
			model.UserFields(model.NewUser("bob", "Bob", "bob_name"))))

		sess, sink := newTestSession(m, Identity{UserID: "u1", DisplayName: "Alice", Username: "alice_01"})
		require.NoError(t, sess.Start(ctx))
		defer sess.Close(ctx)

		assert.Greater(t, sink.rosterEmits(), 0)
		assert.NotEmpty(t, sink.requestEmits(model.RequestIncoming))
		assert.NotEmpty(t, sink.requestEmits(model.RequestOutgoing))

		reqID, err := sess.Moderation().SendRequest(ctx, "bob", "hi")
		require.NoError(t, err)
		out := sink.requestEmits(model.RequestOutgoing)
		require.NotEmpty(t, out)
		last := out[len(out)-1]
		require.Len(t, last, 1)
		assert.Equal(t, reqID, last[0].ID)
	})

	t.Run("start is idempotent", func(t *testing.T) {
		m := store.NewMemory()
		sess, sink := newTestSession(m, Identity{UserID: "u1", DisplayName: "Alice", Username: "alice_01"})
		require.NoError(t, sess.Start(ctx))
		defer sess.Close(ctx)

		before := sink.rosterEmits()
		require.NoError(t, sess.Start(ctx))
		assert.Equal(t, before, sink.rosterEmits())
	})
}

func TestSession_ChangeUsername(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	sess, _ := newTestSession(m, Identity{UserID: "u1", DisplayName: "Alice", Username: "alice_01"})
	require.NoError(t, sess.Start(ctx))
	defer sess.Close(ctx)

	other, _ := newTestSession(m, Identity{UserID: "u2", DisplayName: "Bob", Username: "bob_01"})
	require.NoError(t, other.Start(ctx))
	defer other.Close(ctx)

	t.Run("invalid shape rejected locally", func(t *testing.T) {
		assert.ErrorIs(t, sess.ChangeUsername(ctx, "Bad Name"), apperrors.ErrInvalidUsername)
	})

	t.Run("taken by another user", func(t *testing.T) {
		assert.ErrorIs(t, sess.ChangeUsername(ctx, "bob_01"), apperrors.ErrUsernameTaken)
	})

	t.Run("moves the unique index atomically", func(t *testing.T) {
		require.NoError(t, sess.ChangeUsername(ctx, "alice_02"))

		_, err := m.GetDoc(ctx, store.TopicUsernames, "alice_01")
		assert.ErrorIs(t, err, store.ErrNotFound)

		idx, err := m.GetDoc(ctx, store.TopicUsernames, "alice_02")
		require.NoError(t, err)
		assert.Equal(t, "u1", idx.Fields["userId"])

		doc, err := m.GetDoc(ctx, store.TopicUsers, "u1")
		require.NoError(t, err)
		assert.Equal(t, "alice_02", model.UserFromFields(doc.ID, doc.Fields).Username)
	})

	t.Run("renaming to the current name is a no-op", func(t *testing.T) {
		require.NoError(t, sess.ChangeUsername(ctx, "alice_02"))
		idx, err := m.GetDoc(ctx, store.TopicUsernames, "alice_02")
		require.NoError(t, err)
		assert.Equal(t, "u1", idx.Fields["userId"])
	})
}

func TestSession_ConversationSettings(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	sess, _ := newTestSession(m, Identity{UserID: "u1", DisplayName: "Alice", Username: "alice_01"})
	require.NoError(t, sess.Start(ctx))
	defer sess.Close(ctx)

	loadSelf := func(t *testing.T) *model.User {
		t.Helper()
		doc, err := m.GetDoc(ctx, store.TopicUsers, "u1")
		require.NoError(t, err)
		return model.UserFromFields(doc.ID, doc.Fields)
	}

	t.Run("pin round-trip", func(t *testing.T) {
		require.NoError(t, sess.SetPinned(ctx, "c1", true))
		assert.True(t, loadSelf(t).HasPinned("c1"))

		require.NoError(t, sess.SetPinned(ctx, "c1", false))
		assert.False(t, loadSelf(t).HasPinned("c1"))
	})

	t.Run("mute forever and until", func(t *testing.T) {
		now := time.Now()

		require.NoError(t, sess.Mute(ctx, "c1", nil))
		assert.True(t, loadSelf(t).MutedUntil("c1", now))
		assert.True(t, loadSelf(t).MutedUntil("c1", now.Add(100*time.Hour)))

		deadline := now.Add(time.Hour).UTC().Truncate(time.Second)
		require.NoError(t, sess.Mute(ctx, "c2", &deadline))
		assert.True(t, loadSelf(t).MutedUntil("c2", now))
		assert.False(t, loadSelf(t).MutedUntil("c2", deadline.Add(time.Minute)))

		require.NoError(t, sess.Unmute(ctx, "c1"))
		assert.False(t, loadSelf(t).MutedUntil("c1", now))
	})
}

func TestSession_UpdatePreferences(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	sess, _ := newTestSession(m, Identity{UserID: "u1", DisplayName: "Alice", Username: "alice_01"})
	require.NoError(t, sess.Start(ctx))
	defer sess.Close(ctx)

	prefs := model.DefaultPreferences()
	prefs.Theme = "dark"
	prefs.ShowOnlineStatus = false
	prefs.PresenceMode = model.PresenceOffline
	require.NoError(t, sess.UpdatePreferences(ctx, prefs))

	doc, err := m.GetDoc(ctx, store.TopicUsers, "u1")
	require.NoError(t, err)
	user := model.UserFromFields(doc.ID, doc.Fields)
	assert.Equal(t, "dark", user.Preferences.Theme)
	assert.False(t, user.Preferences.ShowOnlineStatus)
	assert.Equal(t, model.PresenceOffline, user.Preferences.PresenceMode)

	// The forced-offline mode takes effect immediately.
	assert.False(t, user.IsOnline)
}

func TestSession_UpdateProfile(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	sess, _ := newTestSession(m, Identity{UserID: "u1", DisplayName: "Alice", Username: "alice_01"})
	require.NoError(t, sess.Start(ctx))
	defer sess.Close(ctx)

	assert.ErrorIs(t, sess.UpdateProfile(ctx, "", "bio", "", ""), apperrors.ErrInvalidDisplay)

	require.NoError(t, sess.UpdateProfile(ctx, "Alice B", "hello", "busy", "teal"))
	doc, err := m.GetDoc(ctx, store.TopicUsers, "u1")
	require.NoError(t, err)
	user := model.UserFromFields(doc.ID, doc.Fields)
	assert.Equal(t, "Alice B", user.DisplayName)
	assert.Equal(t, "hello", user.Bio)
	assert.Equal(t, "busy", user.Status)
	assert.Equal(t, "teal", user.AvatarColor)
}

func TestSession_DeleteAccount(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	sess, _ := newTestSession(m, Identity{UserID: "u1", DisplayName: "Alice", Username: "alice_01"})
	require.NoError(t, sess.Start(ctx))

	bob, _ := newTestSession(m, Identity{UserID: "bob", DisplayName: "Bob", Username: "bob_01"})
	require.NoError(t, bob.Start(ctx))
	defer bob.Close(ctx)

	// One established conversation with a message, one outbound request to a
	// third user, one inbound request that must survive.
	reqID, err := sess.Moderation().SendRequest(ctx, "bob", "hi")
	require.NoError(t, err)
	convID, err := bob.Moderation().Accept(ctx, reqID)
	require.NoError(t, err)
	require.NoError(t, m.SetDoc(ctx, store.TopicMessages, "m1",
		model.MessageFields(&model.Message{ConversationID: convID, SenderID: "u1", Text: "hey"})))

	require.NoError(t, m.SetDoc(ctx, store.TopicUsers, "carol",
		model.UserFields(model.NewUser("carol", "Carol", "carol_01"))))
	outID, err := sess.Moderation().SendRequest(ctx, "carol", "hello")
	require.NoError(t, err)
	inID, err := bob.Moderation().SendRequest(ctx, "u1", "wait")
	require.NoError(t, err)

	require.NoError(t, sess.DeleteAccount(ctx))

	for topic, id := range map[store.Topic]string{
		store.TopicUsers:         "u1",
		store.TopicUsernames:     "alice_01",
		store.TopicConversations: convID,
		store.TopicMessages:      "m1",
		store.TopicRequests:      outID,
	} {
		_, err := m.GetDoc(ctx, topic, id)
		assert.ErrorIs(t, err, store.ErrNotFound, "%s/%s should be gone", topic, id)
	}

	_, err = m.GetDoc(ctx, store.TopicRequests, inID)
	assert.NoError(t, err, "inbound requests belong to their senders")

	t.Run("close after delete is a no-op", func(t *testing.T) {
		sess.Close(ctx)
		sess.Close(ctx)
	})
}

// flakyWatchStore refuses watch opens beyond a budget, standing in for a
// backend that drops mid-bootstrap.
type flakyWatchStore struct {
	*store.Memory
	allowed   int
	opened    int
	cancelled int
}

func (f *flakyWatchStore) Watch(ctx context.Context, q store.Query, onSnapshot store.SnapshotFunc, onError store.ErrorFunc) (store.CancelFunc, error) {
	if f.opened >= f.allowed {
		return nil, errors.New("watch refused")
	}
	f.opened++
	cancel, err := f.Memory.Watch(ctx, q, onSnapshot, onError)
	if err != nil {
		return nil, err
	}
	return func() { f.cancelled++; cancel() }, nil
}

func TestSession_StartFailureCleansUp(t *testing.T) {
	ctx := context.Background()
	fs := &flakyWatchStore{Memory: store.NewMemory(), allowed: 2}

	sink := newRecordSink()
	sess := NewSession(Identity{UserID: "u1", DisplayName: "Alice", Username: "alice_01"}, fs, sink, sessionConfig(), testLogger())

	require.Error(t, sess.Start(ctx), "third watch open is refused")
	assert.Equal(t, 2, fs.opened)
	assert.Equal(t, 2, fs.cancelled, "watches opened before the failure are cancelled")
	assert.Empty(t, sess.Registry().ActiveKeys())

	t.Run("a failed bootstrap can be retried", func(t *testing.T) {
		fs.allowed = 100
		require.NoError(t, sess.Start(ctx))
		defer sess.Close(ctx)
		assert.Equal(t, "alice_01", sess.Profile().Username)
	})
}
