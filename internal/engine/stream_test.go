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

// streamFixture wires one principal's stream over a shared store.
type streamFixture struct {
	store  *store.Memory
	sink   *recordSink
	stream *Stream
	pres   *PresenceCoordinator
}

func newStreamFixture(t *testing.T, m *store.Memory, userID string) *streamFixture {
	t.Helper()
	cfg := Config{
		TypingTimeout:     time.Hour,
		TypingDebounce:    time.Millisecond,
		HeartbeatInterval: time.Hour,
		ReadReceiptWindow: 0,
	}
	sink := newRecordSink()
	reg := NewRegistry(m, testLogger())
	pres := NewPresenceCoordinator(userID, m, cfg, testLogger())
	s := NewStream(userID, m, reg, pres, sink, cfg, testLogger())

	t.Cleanup(func() {
		s.Close()
		reg.CancelAll()
		pres.Close(context.Background())
	})
	return &streamFixture{store: m, sink: sink, stream: s, pres: pres}
}

func seedPair(t *testing.T, m *store.Memory, a, b string) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.SetDoc(ctx, store.TopicUsers, a, model.UserFields(model.NewUser(a, "User "+a, a+"_name"))))
	require.NoError(t, m.SetDoc(ctx, store.TopicUsers, b, model.UserFields(model.NewUser(b, "User "+b, b+"_name"))))

	conv := model.NewConversation(a, b)
	fields := model.ConversationFields(conv)
	fields["createdAt"] = store.ServerTimestamp()
	require.NoError(t, m.SetDoc(ctx, store.TopicConversations, conv.ID, fields))
	return conv.ID
}

func TestStream_Open(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	convID := seedPair(t, m, "alice", "bob")
	fx := newStreamFixture(t, m, "alice")

	require.NoError(t, fx.stream.Open(ctx, convID))
	assert.Equal(t, convID, fx.stream.ConversationID())

	t.Run("initial replay renders the empty log", func(t *testing.T) {
		assert.GreaterOrEqual(t, fx.sink.messageEmits(), 1)
		assert.Empty(t, fx.sink.lastMessages())
	})

	t.Run("peer presence arrives on open", func(t *testing.T) {
		assert.NotEmpty(t, fx.sink.presences)
	})

	t.Run("reopening the same conversation is a no-op", func(t *testing.T) {
		before := fx.sink.messageEmits()
		require.NoError(t, fx.stream.Open(ctx, convID))
		assert.Equal(t, before, fx.sink.messageEmits())
	})

	t.Run("unknown conversation fails", func(t *testing.T) {
		other := newStreamFixture(t, m, "alice")
		err := other.stream.Open(ctx, "ghost_pair")
		assert.ErrorIs(t, err, apperrors.ErrChatNotFound)
	})
}

func TestStream_Send(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	convID := seedPair(t, m, "alice", "bob")
	fx := newStreamFixture(t, m, "alice")
	require.NoError(t, fx.stream.Open(ctx, convID))

	t.Run("empty text is rejected locally", func(t *testing.T) {
		_, err := fx.stream.Send(ctx, convID, "   ")
		assert.ErrorIs(t, err, apperrors.ErrEmptyMessage)
	})

	t.Run("non-member is rejected", func(t *testing.T) {
		intruder := newStreamFixture(t, m, "mallory")
		_, err := intruder.stream.Send(ctx, convID, "hi")
		assert.ErrorIs(t, err, apperrors.ErrForbidden)
	})

	t.Run("send writes the message and the conversation rollup", func(t *testing.T) {
		id, err := fx.stream.Send(ctx, convID, "  hello bob  ")
		require.NoError(t, err)

		doc, err := m.GetDoc(ctx, store.TopicMessages, id)
		require.NoError(t, err)
		msg := model.MessageFromFields(doc.ID, doc.Fields)
		assert.Equal(t, "hello bob", msg.Text, "text is trimmed")
		assert.Equal(t, "alice", msg.SenderID)
		assert.False(t, msg.CreatedAt.IsZero(), "server timestamp applied")

		convDoc, err := m.GetDoc(ctx, store.TopicConversations, convID)
		require.NoError(t, err)
		conv := model.ConversationFromFields(convDoc.ID, convDoc.Fields)
		assert.Equal(t, "hello bob", conv.LastMessageText)
		assert.Equal(t, 1, conv.UnreadCount["bob"])
		assert.Equal(t, 0, conv.UnreadCount["alice"])
	})

	t.Run("confirmed message appears once, not pending", func(t *testing.T) {
		views := fx.stream.Messages()
		require.Len(t, views, 1)
		assert.False(t, views[0].Pending)
	})

	t.Run("sending ends the typing burst", func(t *testing.T) {
		fx.pres.Typing(ctx, convID)
		require.Equal(t, convID, fx.pres.TypingIn())
		_, err := fx.stream.Send(ctx, convID, "another")
		require.NoError(t, err)
		assert.Equal(t, "", fx.pres.TypingIn())
	})
}

func TestStream_SendRollback(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	convID := seedPair(t, m, "alice", "bob")
	fx := newStreamFixture(t, m, "alice")
	require.NoError(t, fx.stream.Open(ctx, convID))

	m.FailNextWrite(errors.New("wire down"))
	_, err := fx.stream.Send(ctx, convID, "doomed")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeTransport, apperrors.CodeOf(err))

	assert.Empty(t, fx.stream.Messages(), "optimistic entry rolled back")
	assert.Contains(t, fx.sink.errorCodes(), apperrors.CodeTransport)

	t.Run("a later send succeeds", func(t *testing.T) {
		_, err := fx.stream.Send(ctx, convID, "recovered")
		require.NoError(t, err)
		views := fx.stream.Messages()
		require.Len(t, views, 1)
		assert.Equal(t, "recovered", views[0].Message.Text)
	})
}

func TestStream_Ordering(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	convID := seedPair(t, m, "alice", "bob")

	alice := newStreamFixture(t, m, "alice")
	bob := newStreamFixture(t, m, "bob")
	require.NoError(t, alice.stream.Open(ctx, convID))

	_, err := bob.stream.Send(ctx, convID, "first")
	require.NoError(t, err)
	_, err = alice.stream.Send(ctx, convID, "second")
	require.NoError(t, err)
	thirdID, err := bob.stream.Send(ctx, convID, "third")
	require.NoError(t, err)

	views := alice.stream.Messages()
	require.Len(t, views, 3)
	assert.Equal(t, "first", views[0].Message.Text)
	assert.Equal(t, "second", views[1].Message.Text)
	assert.Equal(t, "third", views[2].Message.Text)

	t.Run("identical visible state re-delivery emits nothing", func(t *testing.T) {
		before := alice.sink.messageEmits()
		// The write bumps the topic revision without changing the log.
		require.NoError(t, m.UpdateDoc(ctx, store.TopicMessages, thirdID, map[string]any{"text": "third"}))
		assert.Equal(t, before, alice.sink.messageEmits())
	})
}

func TestStream_EditDelete(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	convID := seedPair(t, m, "alice", "bob")

	alice := newStreamFixture(t, m, "alice")
	bob := newStreamFixture(t, m, "bob")
	require.NoError(t, alice.stream.Open(ctx, convID))

	aliceMsg, err := alice.stream.Send(ctx, convID, "from alice")
	require.NoError(t, err)
	bobMsg, err := bob.stream.Send(ctx, convID, "from bob")
	require.NoError(t, err)

	t.Run("only the sender may edit", func(t *testing.T) {
		assert.ErrorIs(t, alice.stream.Edit(ctx, bobMsg, "hijacked"), apperrors.ErrForbidden)

		require.NoError(t, alice.stream.Edit(ctx, aliceMsg, "from alice, edited"))
		doc, err := m.GetDoc(ctx, store.TopicMessages, aliceMsg)
		require.NoError(t, err)
		msg := model.MessageFromFields(doc.ID, doc.Fields)
		assert.Equal(t, "from alice, edited", msg.Text)
		assert.True(t, msg.Edited)
		require.NotNil(t, msg.EditedAt)
	})

	t.Run("delete for self hides locally and keeps the record", func(t *testing.T) {
		require.NoError(t, alice.stream.Delete(ctx, bobMsg, DeleteForSelf))

		_, err := m.GetDoc(ctx, store.TopicMessages, bobMsg)
		assert.NoError(t, err, "record survives")

		for _, v := range alice.stream.Messages() {
			assert.NotEqual(t, bobMsg, v.Message.ID)
		}
		require.Len(t, bob.stream.Messages(), 0, "bob has no open conversation")
	})

	t.Run("delete for everyone requires the sender", func(t *testing.T) {
		assert.ErrorIs(t, alice.stream.Delete(ctx, bobMsg, DeleteForEveryone), apperrors.ErrForbidden)

		require.NoError(t, alice.stream.Delete(ctx, aliceMsg, DeleteForEveryone))
		_, err := m.GetDoc(ctx, store.TopicMessages, aliceMsg)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("missing message surfaces not found", func(t *testing.T) {
		err := alice.stream.Edit(ctx, "no-such-id", "x")
		assert.ErrorIs(t, err, apperrors.ErrMessageNotFound)
	})
}

func TestStream_React(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	convID := seedPair(t, m, "alice", "bob")
	alice := newStreamFixture(t, m, "alice")
	require.NoError(t, alice.stream.Open(ctx, convID))

	msgID, err := alice.stream.Send(ctx, convID, "react to me")
	require.NoError(t, err)

	reactions := func() []model.Reaction {
		doc, err := m.GetDoc(ctx, store.TopicMessages, msgID)
		require.NoError(t, err)
		return model.MessageFromFields(doc.ID, doc.Fields).Reactions
	}

	t.Run("toggle on", func(t *testing.T) {
		require.NoError(t, alice.stream.React(ctx, msgID, "🔥"))
		require.Len(t, reactions(), 1)
		assert.Equal(t, "🔥", reactions()[0].Emoji)
	})

	t.Run("distinct emoji coexist for one user", func(t *testing.T) {
		require.NoError(t, alice.stream.React(ctx, msgID, "👍"))
		assert.Len(t, reactions(), 2)
	})

	t.Run("toggle off removes only the exact pair", func(t *testing.T) {
		require.NoError(t, alice.stream.React(ctx, msgID, "🔥"))
		rs := reactions()
		require.Len(t, rs, 1)
		assert.Equal(t, "👍", rs[0].Emoji)
	})

	t.Run("unknown message fails", func(t *testing.T) {
		assert.ErrorIs(t, alice.stream.React(ctx, "missing", "👍"), apperrors.ErrMessageNotFound)
	})
}

func TestStream_MarkRead(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	convID := seedPair(t, m, "alice", "bob")

	alice := newStreamFixture(t, m, "alice")
	bob := newStreamFixture(t, m, "bob")

	bobMsg, err := bob.stream.Send(ctx, convID, "unread")
	require.NoError(t, err)
	require.NoError(t, alice.stream.Open(ctx, convID))

	t.Run("requires an open conversation", func(t *testing.T) {
		err := bob.stream.MarkRead(ctx)
		assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
	})

	t.Run("resets the unread count and stamps counterpart messages", func(t *testing.T) {
		require.NoError(t, alice.stream.MarkRead(ctx))

		convDoc, err := m.GetDoc(ctx, store.TopicConversations, convID)
		require.NoError(t, err)
		conv := model.ConversationFromFields(convDoc.ID, convDoc.Fields)
		assert.Equal(t, 0, conv.UnreadCount["alice"])

		msgDoc, err := m.GetDoc(ctx, store.TopicMessages, bobMsg)
		require.NoError(t, err)
		msg := model.MessageFromFields(msgDoc.ID, msgDoc.Fields)
		require.NotNil(t, msg.ReadAt)
	})

	t.Run("own messages never get a read stamp from the sender side", func(t *testing.T) {
		aliceMsg, err := alice.stream.Send(ctx, convID, "mine")
		require.NoError(t, err)
		require.NoError(t, alice.stream.MarkRead(ctx))

		doc, err := m.GetDoc(ctx, store.TopicMessages, aliceMsg)
		require.NoError(t, err)
		assert.Nil(t, model.MessageFromFields(doc.ID, doc.Fields).ReadAt)
	})
}

func TestStream_MarkReadCoalescing(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	convID := seedPair(t, m, "alice", "bob")

	cfg := Config{TypingTimeout: time.Hour, TypingDebounce: time.Millisecond, HeartbeatInterval: time.Hour, ReadReceiptWindow: 30 * time.Millisecond}
	sink := newRecordSink()
	reg := NewRegistry(m, testLogger())
	pres := NewPresenceCoordinator("alice", m, cfg, testLogger())
	s := NewStream("alice", m, reg, pres, sink, cfg, testLogger())
	t.Cleanup(func() { s.Close(); reg.CancelAll(); pres.Close(context.Background()) })

	require.NoError(t, s.Open(ctx, convID))
	require.NoError(t, m.UpdateDoc(ctx, store.TopicConversations, convID, map[string]any{"unreadCount.alice": store.Increment(3)}))

	var convWrites int
	_, err := m.Watch(ctx, store.NewQuery(store.TopicConversations), func(store.Snapshot) { convWrites++ }, nil)
	require.NoError(t, err)
	convWrites = 0

	require.NoError(t, s.MarkRead(ctx))
	require.NoError(t, s.MarkRead(ctx))
	require.NoError(t, s.MarkRead(ctx))

	assert.Equal(t, 0, convWrites, "writes deferred to the flush window")
	require.Eventually(t, func() bool { return convWrites == 1 }, time.Second, 10*time.Millisecond)

	doc, err := m.GetDoc(ctx, store.TopicConversations, convID)
	require.NoError(t, err)
	assert.Equal(t, 0, model.ConversationFromFields(doc.ID, doc.Fields).UnreadCount["alice"])
}

func TestStream_PeerTyping(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	convID := seedPair(t, m, "alice", "bob")
	alice := newStreamFixture(t, m, "alice")
	require.NoError(t, alice.stream.Open(ctx, convID))

	require.Empty(t, alice.sink.typingEvents(), "no edge before the peer types")

	require.NoError(t, m.UpdateDoc(ctx, store.TopicUsers, "bob", map[string]any{"typingInConversationId": convID}))
	require.Equal(t, []bool{true}, alice.sink.typingEvents())

	t.Run("redundant peer updates emit no duplicate edge", func(t *testing.T) {
		require.NoError(t, m.UpdateDoc(ctx, store.TopicUsers, "bob", map[string]any{"status": "busy"}))
		assert.Equal(t, []bool{true}, alice.sink.typingEvents())
	})

	t.Run("clearing the flag emits the falling edge", func(t *testing.T) {
		require.NoError(t, m.UpdateDoc(ctx, store.TopicUsers, "bob", map[string]any{"typingInConversationId": ""}))
		assert.Equal(t, []bool{true, false}, alice.sink.typingEvents())
	})
}

func TestStream_SwitchConversation(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	convAB := seedPair(t, m, "alice", "bob")

	// A second conversation for alice.
	require.NoError(t, m.SetDoc(ctx, store.TopicUsers, "carol", model.UserFields(model.NewUser("carol", "User carol", "carol_name"))))
	convAC := model.NewConversation("alice", "carol")
	require.NoError(t, m.SetDoc(ctx, store.TopicConversations, convAC.ID, model.ConversationFields(convAC)))

	fx := newStreamFixture(t, m, "alice")
	require.NoError(t, fx.stream.Open(ctx, convAB))
	require.NoError(t, fx.stream.Open(ctx, convAC.ID))

	t.Run("messages from the previous conversation stop arriving", func(t *testing.T) {
		before := fx.sink.messageEmits()
		bob := newStreamFixture(t, m, "bob")
		_, err := bob.stream.Send(ctx, convAB, "late for alice")
		require.NoError(t, err)
		assert.Equal(t, before, fx.sink.messageEmits())
	})

	t.Run("closing clears the active conversation", func(t *testing.T) {
		fx.stream.Close()
		assert.Equal(t, "", fx.stream.ConversationID())
		assert.Empty(t, fx.stream.Messages())
	})
}

func TestStream_MarkReadSurvivesConversationSwitch(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	firstConv := seedPair(t, m, "alice", "bob")
	secondConv := seedPair(t, m, "alice", "carol")

	require.NoError(t, m.SetDoc(ctx, store.TopicMessages, "carol-msg", model.MessageFields(&model.Message{
		ConversationID: secondConv,
		SenderID:       "carol",
		Text:           "unseen",
		CreatedAt:      time.Now(),
	})))
	require.NoError(t, m.UpdateDoc(ctx, store.TopicConversations, secondConv,
		map[string]any{"unreadCount.alice": store.Increment(1)}))

	cfg := Config{TypingTimeout: time.Hour, TypingDebounce: time.Millisecond, HeartbeatInterval: time.Hour, ReadReceiptWindow: 30 * time.Millisecond}
	sink := newRecordSink()
	reg := NewRegistry(m, testLogger())
	pres := NewPresenceCoordinator("alice", m, cfg, testLogger())
	s := NewStream("alice", m, reg, pres, sink, cfg, testLogger())
	t.Cleanup(func() { s.Close(); reg.CancelAll(); pres.Close(context.Background()) })

	// Queue a receipt for the first conversation, then switch away before
	// the window elapses. The queued flush must not touch the second
	// conversation, which was never read.
	require.NoError(t, s.Open(ctx, firstConv))
	require.NoError(t, s.MarkRead(ctx))
	require.NoError(t, s.Open(ctx, secondConv))

	time.Sleep(3 * cfg.ReadReceiptWindow)

	doc, err := m.GetDoc(ctx, store.TopicConversations, secondConv)
	require.NoError(t, err)
	assert.Equal(t, 1, model.ConversationFromFields(doc.ID, doc.Fields).UnreadCount["alice"])

	msgDoc, err := m.GetDoc(ctx, store.TopicMessages, "carol-msg")
	require.NoError(t, err)
	assert.Nil(t, model.MessageFromFields(msgDoc.ID, msgDoc.Fields).ReadAt)

	t.Run("a fresh mark on the new conversation still flushes", func(t *testing.T) {
		require.NoError(t, s.MarkRead(ctx))
		require.Eventually(t, func() bool {
			doc, err := m.GetDoc(ctx, store.TopicConversations, secondConv)
			require.NoError(t, err)
			return model.ConversationFromFields(doc.ID, doc.Fields).UnreadCount["alice"] == 0
		}, time.Second, 10*time.Millisecond)
	})
}
