package store

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dmcore/model"
)

// runStoreSuite exercises the Store contract against an implementation.
// Both implementations must pass the identical suite.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	newMessage := func(convID, senderID, content string) *model.Message {
		return &model.Message{
			ID:             "message_" + uuid.NewString(),
			ConversationID: convID,
			SenderID:       senderID,
			Content:        content,
			CreatedAt:      time.Now(),
		}
	}

	t.Run("create conversation deduplicates by participant set", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		first, err := s.CreateConversation([]string{"bob", "alice"})
		require.NoError(t, err)
		second, err := s.CreateConversation([]string{"alice", "bob", "alice"})
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, []string{"alice", "bob"}, first.ParticipantIDs)
	})

	t.Run("create conversation rejects fewer than two participants", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		_, err := s.CreateConversation([]string{"alice", "alice"})
		assert.ErrorIs(t, err, ErrTooFewParticipants)
	})

	t.Run("missing entities return ErrNotFound", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		_, err := s.Conversation("conversation_missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Message("message_missing")
		assert.ErrorIs(t, err, ErrNotFound)
		err = s.AppendMessage(newMessage("conversation_missing", "alice", "hi"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("append updates conversation bookkeeping", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		conv, err := s.CreateConversation([]string{"alice", "bob", "carol"})
		require.NoError(t, err)

		msg := newMessage(conv.ID, "alice", "first message")
		require.NoError(t, s.AppendMessage(msg))
		require.NoError(t, s.AppendMessage(newMessage(conv.ID, "bob", "second message")))

		got, err := s.Conversation(conv.ID)
		require.NoError(t, err)
		assert.Equal(t, "second message", got.Snippet)
		assert.NotEqual(t, msg.ID, got.LastMessageID)
		assert.Equal(t, 1, got.UnreadCounts["alice"], "alice missed bob's message")
		assert.Equal(t, 0, got.UnreadCounts["bob"], "bob's own message resets his counter")
		assert.Equal(t, 2, got.UnreadCounts["carol"], "carol missed both")
	})

	t.Run("messages come back in creation order", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		conv, err := s.CreateConversation([]string{"alice", "bob"})
		require.NoError(t, err)

		want := make([]string, 0, 5)
		for i := 0; i < 5; i++ {
			msg := newMessage(conv.ID, "alice", "msg")
			msg.CreatedAt = time.Now().Add(time.Duration(i) * time.Millisecond)
			require.NoError(t, s.AppendMessage(msg))
			want = append(want, msg.ID)
		}

		msgs, err := s.MessagesByConversation(conv.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 5)
		for i, msg := range msgs {
			assert.Equal(t, want[i], msg.ID)
		}
	})

	t.Run("conversations for user are most recent first", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		older, err := s.CreateConversation([]string{"alice", "bob"})
		require.NoError(t, err)
		newer, err := s.CreateConversation([]string{"alice", "carol"})
		require.NoError(t, err)

		msg := newMessage(newer.ID, "carol", "bump")
		msg.CreatedAt = time.Now().Add(time.Second)
		require.NoError(t, s.AppendMessage(msg))

		convs, err := s.ConversationsForUser("alice")
		require.NoError(t, err)
		require.Len(t, convs, 2)
		assert.Equal(t, newer.ID, convs[0].ID)
		assert.Equal(t, older.ID, convs[1].ID)

		convs, err = s.ConversationsForUser("bob")
		require.NoError(t, err)
		require.Len(t, convs, 1)
	})

	t.Run("update message applies mutator atomically", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		conv, err := s.CreateConversation([]string{"alice", "bob"})
		require.NoError(t, err)
		msg := newMessage(conv.ID, "alice", "before")
		require.NoError(t, s.AppendMessage(msg))

		updated, err := s.UpdateMessage(msg.ID, func(m *model.Message) {
			m.Content = "after"
			m.Status = model.StatusSent
		})
		require.NoError(t, err)
		assert.Equal(t, "after", updated.Content)
		assert.Equal(t, model.StatusSent, updated.Status)

		got, err := s.Message(msg.ID)
		require.NoError(t, err)
		assert.Equal(t, "after", got.Content)
	})

	t.Run("reads return copies", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		conv, err := s.CreateConversation([]string{"alice", "bob"})
		require.NoError(t, err)
		msg := newMessage(conv.ID, "alice", "hello")
		require.NoError(t, s.AppendMessage(msg))

		got, err := s.Message(msg.ID)
		require.NoError(t, err)
		got.Content = "mutated by caller"

		again, err := s.Message(msg.ID)
		require.NoError(t, err)
		assert.Equal(t, "hello", again.Content)
	})

	t.Run("delete message removes it from the thread", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		conv, err := s.CreateConversation([]string{"alice", "bob"})
		require.NoError(t, err)
		msg := newMessage(conv.ID, "alice", "hello")
		require.NoError(t, s.AppendMessage(msg))

		require.NoError(t, s.DeleteMessage(msg.ID))
		_, err = s.Message(msg.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		msgs, err := s.MessagesByConversation(conv.ID)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("delete conversation removes its messages", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		conv, err := s.CreateConversation([]string{"alice", "bob"})
		require.NoError(t, err)
		msg := newMessage(conv.ID, "alice", "hello")
		require.NoError(t, s.AppendMessage(msg))

		require.NoError(t, s.DeleteConversation(conv.ID))
		_, err = s.Conversation(conv.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Message(msg.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		// The participant set is free for a fresh conversation again.
		again, err := s.CreateConversation([]string{"alice", "bob"})
		require.NoError(t, err)
		assert.NotEqual(t, conv.ID, again.ID)
	})

	t.Run("watch observes writes until cancelled", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		var mu sync.Mutex
		var changes []Change
		cancel := s.Watch(func(ch Change) {
			mu.Lock()
			changes = append(changes, ch)
			mu.Unlock()
		})

		conv, err := s.CreateConversation([]string{"alice", "bob"})
		require.NoError(t, err)
		msg := newMessage(conv.ID, "alice", "hello")
		require.NoError(t, s.AppendMessage(msg))

		mu.Lock()
		require.Len(t, changes, 2)
		assert.Equal(t, ChangeConversation, changes[0].Kind)
		assert.Equal(t, ChangeMessage, changes[1].Kind)
		assert.Equal(t, msg.ID, changes[1].MessageID)
		mu.Unlock()

		cancel()
		_, err = s.UpdateMessage(msg.ID, func(m *model.Message) { m.Content = "edited" })
		require.NoError(t, err)

		mu.Lock()
		assert.Len(t, changes, 2, "no notifications after cancel")
		mu.Unlock()
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestPebbleStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := OpenPebble(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

// TestPebbleStoreReopen verifies data survives a close/reopen cycle.
func TestPebbleStoreReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenPebble(dir)
	require.NoError(t, err)
	conv, err := s.CreateConversation([]string{"alice", "bob"})
	require.NoError(t, err)
	msg := &model.Message{
		ID:             "message_" + uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       "alice",
		Content:        "durable",
		CreatedAt:      time.Now(),
	}
	require.NoError(t, s.AppendMessage(msg))
	require.NoError(t, s.Close())

	s, err = OpenPebble(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Message(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "durable", got.Content)

	same, err := s.CreateConversation([]string{"bob", "alice"})
	require.NoError(t, err)
	assert.Equal(t, conv.ID, same.ID, "participant index survives reopen")
}
