package lifecycle

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dmcore/limits"
	"github.com/opd-ai/dmcore/model"
	"github.com/opd-ai/dmcore/store"
)

// fakePresence is a controllable PresenceView for delivery tests.
type fakePresence struct {
	mu        sync.Mutex
	connected bool
	online    map[string]bool
	blocked   map[string]bool
}

func newFakePresence() *fakePresence {
	return &fakePresence{
		connected: true,
		online:    make(map[string]bool),
		blocked:   make(map[string]bool),
	}
}

func (f *fakePresence) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePresence) IsOnline(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[userID]
}

func (f *fakePresence) IsBlocked(a, b string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked[a+"|"+b] || f.blocked[b+"|"+a]
}

func (f *fakePresence) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakePresence) setOnline(userID string, v bool) {
	f.mu.Lock()
	f.online[userID] = v
	f.mu.Unlock()
}

func (f *fakePresence) block(a, b string) {
	f.mu.Lock()
	f.blocked[a+"|"+b] = true
	f.mu.Unlock()
}

func fastConfig() Config {
	return Config{
		SendDelay:    10 * time.Millisecond,
		DeliverDelay: 10 * time.Millisecond,
		RetryDelay:   10 * time.Millisecond,
	}
}

type fixture struct {
	store      store.Store
	presence   *fakePresence
	controller *Controller
	conv       *model.Conversation
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	pres := newFakePresence()
	ctrl := NewController(s, nil, pres, cfg)
	t.Cleanup(ctrl.Close)

	conv, err := s.CreateConversation([]string{"alice", "bob"})
	require.NoError(t, err)
	return &fixture{store: s, presence: pres, controller: ctrl, conv: conv}
}

func (f *fixture) waitStatus(t *testing.T, messageID string, want model.MessageStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		msg, err := f.store.Message(messageID)
		return err == nil && msg.Status == want
	}, time.Second, 2*time.Millisecond, "waiting for status %s", want)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, fastConfig())

	t.Run("empty composition", func(t *testing.T) {
		_, err := f.controller.Submit(Composition{
			ConversationID: f.conv.ID,
			SenderID:       "alice",
			Content:        "   ",
		})
		assert.ErrorIs(t, err, limits.ErrEmptyComposition)
	})

	t.Run("attachments alone are enough", func(t *testing.T) {
		msg, err := f.controller.Submit(Composition{
			ConversationID: f.conv.ID,
			SenderID:       "alice",
			Attachments:    []model.Attachment{{ID: "attachment_1", Kind: model.AttachmentImage}},
		})
		require.NoError(t, err)
		assert.Empty(t, msg.Content)
	})

	t.Run("unknown conversation", func(t *testing.T) {
		_, err := f.controller.Submit(Composition{
			ConversationID: "conversation_missing",
			SenderID:       "alice",
			Content:        "hi",
		})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("outsider cannot post", func(t *testing.T) {
		_, err := f.controller.Submit(Composition{
			ConversationID: f.conv.ID,
			SenderID:       "mallory",
			Content:        "hi",
		})
		assert.ErrorIs(t, err, ErrNotParticipant)
	})
}

// TestSubmitResolvesToSent verifies the sending to sent transition when
// the recipient is known but offline, and that the read map pre-marks
// the sender.
func TestSubmitResolvesToSent(t *testing.T) {
	f := newFixture(t, fastConfig())

	msg, err := f.controller.Submit(Composition{
		ConversationID: f.conv.ID,
		SenderID:       "alice",
		Content:        "hello bob",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSending, msg.Status)
	require.NotNil(t, msg.ReadAt["alice"])
	assert.Equal(t, msg.CreatedAt, *msg.ReadAt["alice"])
	assert.Nil(t, msg.ReadAt["bob"])

	f.waitStatus(t, msg.ID, model.StatusSent)

	// Recipient offline: sent must be the resting state.
	time.Sleep(30 * time.Millisecond)
	got, err := f.store.Message(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, got.Status)
}

func TestSubmitDeliversWhenRecipientOnline(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.presence.setOnline("bob", true)

	msg, err := f.controller.Submit(Composition{
		ConversationID: f.conv.ID,
		SenderID:       "alice",
		Content:        "hello bob",
	})
	require.NoError(t, err)

	f.waitStatus(t, msg.ID, model.StatusDelivered)
}

func TestSubmitFailsWhenDisconnected(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.presence.setConnected(false)

	msg, err := f.controller.Submit(Composition{
		ConversationID: f.conv.ID,
		SenderID:       "alice",
		Content:        "hello bob",
	})
	require.NoError(t, err)

	f.waitStatus(t, msg.ID, model.StatusFailed)
}

// TestSubmitFailsWhenAnyRecipientBlocked verifies a single blocked pair
// fails the resolution, even when other recipients could receive it.
func TestSubmitFailsWhenAnyRecipientBlocked(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.presence.block("alice", "bob")

	t.Run("direct conversation", func(t *testing.T) {
		msg, err := f.controller.Submit(Composition{
			ConversationID: f.conv.ID,
			SenderID:       "alice",
			Content:        "hello bob",
		})
		require.NoError(t, err)

		f.waitStatus(t, msg.ID, model.StatusFailed)
	})

	t.Run("group with one blocked recipient", func(t *testing.T) {
		group, err := f.store.CreateConversation([]string{"alice", "bob", "carol"})
		require.NoError(t, err)

		msg, err := f.controller.Submit(Composition{
			ConversationID: group.ID,
			SenderID:       "alice",
			Content:        "hello all",
		})
		require.NoError(t, err)

		// Carol is reachable; bob's block still fails the whole message.
		f.waitStatus(t, msg.ID, model.StatusFailed)
	})
}

func TestRetry(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.presence.setConnected(false)

	msg, err := f.controller.Submit(Composition{
		ConversationID: f.conv.ID,
		SenderID:       "alice",
		Content:        "hello bob",
	})
	require.NoError(t, err)
	f.waitStatus(t, msg.ID, model.StatusFailed)

	t.Run("only the sender may retry", func(t *testing.T) {
		assert.ErrorIs(t, f.controller.Retry(msg.ID, "bob"), ErrNotSender)
	})

	t.Run("retry after reconnect resolves to sent", func(t *testing.T) {
		f.presence.setConnected(true)
		require.NoError(t, f.controller.Retry(msg.ID, "alice"))

		got, err := f.store.Message(msg.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusSending, got.Status)

		f.waitStatus(t, msg.ID, model.StatusSent)
	})

	t.Run("only failed messages are retryable", func(t *testing.T) {
		assert.ErrorIs(t, f.controller.Retry(msg.ID, "alice"), ErrNotFailed)
	})
}

// TestStaleTimerGuard verifies a resolution timer armed before a
// superseding operation never fires into the message afterwards.
func TestStaleTimerGuard(t *testing.T) {
	cfg := fastConfig()
	cfg.SendDelay = 50 * time.Millisecond
	f := newFixture(t, cfg)

	msg, err := f.controller.Submit(Composition{
		ConversationID: f.conv.ID,
		SenderID:       "alice",
		Content:        "about to vanish",
	})
	require.NoError(t, err)

	// Tombstoning cancels the pending resolution.
	require.NoError(t, f.controller.DeleteForEveryone(msg.ID, "alice"))

	time.Sleep(100 * time.Millisecond)
	got, err := f.store.Message(msg.ID)
	require.NoError(t, err)
	assert.True(t, got.DeletedForEveryone)
	assert.Equal(t, model.StatusSending, got.Status, "cancelled timer must not resolve the message")
}

// TestResolutionBookkeepingReleased verifies the controller drops its
// per-message timer and attempt entries once delivery settles, so they
// cannot accumulate over a long session.
func TestResolutionBookkeepingReleased(t *testing.T) {
	f := newFixture(t, fastConfig())

	entriesGone := func() bool {
		f.controller.mu.Lock()
		defer f.controller.mu.Unlock()
		return len(f.controller.timers) == 0 && len(f.controller.attempts) == 0
	}
	submit := func(t *testing.T, content string) *model.Message {
		t.Helper()
		msg, err := f.controller.Submit(Composition{
			ConversationID: f.conv.ID,
			SenderID:       "alice",
			Content:        content,
		})
		require.NoError(t, err)
		return msg
	}

	t.Run("sent resting state", func(t *testing.T) {
		msg := submit(t, "nobody online")
		f.waitStatus(t, msg.ID, model.StatusSent)
		require.Eventually(t, entriesGone, time.Second, 2*time.Millisecond)
	})

	t.Run("delivered", func(t *testing.T) {
		f.presence.setOnline("bob", true)
		msg := submit(t, "bob is online")
		f.waitStatus(t, msg.ID, model.StatusDelivered)
		require.Eventually(t, entriesGone, time.Second, 2*time.Millisecond)
		f.presence.setOnline("bob", false)
	})

	t.Run("failed", func(t *testing.T) {
		f.presence.setConnected(false)
		msg := submit(t, "going nowhere")
		f.waitStatus(t, msg.ID, model.StatusFailed)
		require.Eventually(t, entriesGone, time.Second, 2*time.Millisecond)
		f.presence.setConnected(true)
	})

	t.Run("tombstone cancels the pending entry", func(t *testing.T) {
		msg := submit(t, "deleted before resolving")
		require.NoError(t, f.controller.DeleteForEveryone(msg.ID, "alice"))
		assert.True(t, entriesGone())
	})
}

func TestEdit(t *testing.T) {
	f := newFixture(t, fastConfig())

	msg, err := f.controller.Submit(Composition{
		ConversationID: f.conv.ID,
		SenderID:       "alice",
		Content:        "original wording",
	})
	require.NoError(t, err)

	t.Run("rewrites content and keeps history", func(t *testing.T) {
		updated, err := f.controller.Edit(msg.ID, "alice", "revised wording")
		require.NoError(t, err)
		assert.Equal(t, "revised wording", updated.Content)
		require.NotNil(t, updated.EditedAt)
		require.Len(t, updated.EditHistory, 1)
		assert.Equal(t, "original wording", updated.EditHistory[0].Content)
	})

	t.Run("identical content is a no-op", func(t *testing.T) {
		updated, err := f.controller.Edit(msg.ID, "alice", "revised wording")
		require.NoError(t, err)
		assert.Len(t, updated.EditHistory, 1)
	})

	t.Run("only the sender may edit", func(t *testing.T) {
		_, err := f.controller.Edit(msg.ID, "bob", "hijacked")
		assert.ErrorIs(t, err, ErrNotSender)
	})

	t.Run("empty replacement is rejected", func(t *testing.T) {
		_, err := f.controller.Edit(msg.ID, "alice", "  ")
		assert.ErrorIs(t, err, limits.ErrEmptyComposition)
	})
}

func TestEditWindowCloses(t *testing.T) {
	cfg := fastConfig()
	cfg.EditWindow = 20 * time.Millisecond
	f := newFixture(t, cfg)

	msg, err := f.controller.Submit(Composition{
		ConversationID: f.conv.ID,
		SenderID:       "alice",
		Content:        "time-boxed",
	})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = f.controller.Edit(msg.ID, "alice", "too late")
	assert.ErrorIs(t, err, ErrEditWindowClosed)
}

// TestMajorEditDetection verifies the recipient re-notification hook
// fires for substantial rewrites only.
func TestMajorEditDetection(t *testing.T) {
	f := newFixture(t, fastConfig())

	var mu sync.Mutex
	var majors []string
	f.controller.OnMajorEdit(func(conversationID, messageID string) {
		mu.Lock()
		majors = append(majors, messageID)
		mu.Unlock()
	})

	msg, err := f.controller.Submit(Composition{
		ConversationID: f.conv.ID,
		SenderID:       "alice",
		Content:        "meet at the cafe at noon",
	})
	require.NoError(t, err)

	// Small extension of the original text: minor.
	_, err = f.controller.Edit(msg.ID, "alice", "meet at the cafe at noon ok?")
	require.NoError(t, err)
	mu.Lock()
	assert.Empty(t, majors)
	mu.Unlock()

	// Full rewrite: major.
	_, err = f.controller.Edit(msg.ID, "alice", "cancelled, stay home")
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, []string{msg.ID}, majors)
	mu.Unlock()

	// Length blowup: major even though the original is a substring.
	_, err = f.controller.Edit(msg.ID, "alice",
		"cancelled, stay home "+strings.Repeat("sorry ", 10))
	require.NoError(t, err)
	mu.Lock()
	assert.Len(t, majors, 2)
	mu.Unlock()
}

func TestDeleteForMe(t *testing.T) {
	f := newFixture(t, fastConfig())

	msg, err := f.controller.Submit(Composition{
		ConversationID: f.conv.ID,
		SenderID:       "alice",
		Content:        "visible to alice only after bob hides it",
	})
	require.NoError(t, err)

	require.NoError(t, f.controller.DeleteForMe(msg.ID, "bob"))
	require.NoError(t, f.controller.DeleteForMe(msg.ID, "bob"), "idempotent")

	got, err := f.store.Message(msg.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeletedFor("bob"))
	assert.False(t, got.IsDeletedFor("alice"))
	assert.Equal(t, []string{"bob"}, got.DeletedFor)

	assert.ErrorIs(t, f.controller.DeleteForMe(msg.ID, "mallory"), ErrNotParticipant)
}

func TestDeleteForEveryone(t *testing.T) {
	f := newFixture(t, fastConfig())

	msg, err := f.controller.Submit(Composition{
		ConversationID: f.conv.ID,
		SenderID:       "alice",
		Content:        "regrettable",
		Attachments:    []model.Attachment{{ID: "attachment_1"}},
	})
	require.NoError(t, err)

	t.Run("only the sender may tombstone", func(t *testing.T) {
		assert.ErrorIs(t, f.controller.DeleteForEveryone(msg.ID, "bob"), ErrNotSender)
	})

	t.Run("tombstone clears content and attachments", func(t *testing.T) {
		require.NoError(t, f.controller.DeleteForEveryone(msg.ID, "alice"))

		got, err := f.store.Message(msg.ID)
		require.NoError(t, err)
		assert.True(t, got.DeletedForEveryone)
		assert.Equal(t, "alice", got.DeletedBy)
		assert.NotNil(t, got.DeletedAt)
		assert.Empty(t, got.Content)
		assert.Empty(t, got.Attachments)
	})

	t.Run("second delete is a no-op", func(t *testing.T) {
		require.NoError(t, f.controller.DeleteForEveryone(msg.ID, "alice"))
	})

	t.Run("tombstoned messages reject edits and reactions", func(t *testing.T) {
		_, err := f.controller.Edit(msg.ID, "alice", "undo?")
		assert.ErrorIs(t, err, ErrMessageDeleted)
		_, err = f.controller.ToggleReaction(msg.ID, "bob", "👍")
		assert.ErrorIs(t, err, ErrMessageDeleted)
	})
}

func TestDeleteForEveryoneWindowCloses(t *testing.T) {
	cfg := fastConfig()
	cfg.DeleteForEveryoneWindow = 20 * time.Millisecond
	f := newFixture(t, cfg)

	msg, err := f.controller.Submit(Composition{
		ConversationID: f.conv.ID,
		SenderID:       "alice",
		Content:        "time-boxed",
	})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	assert.ErrorIs(t, f.controller.DeleteForEveryone(msg.ID, "alice"), ErrDeleteWindowClosed)
}

func TestDeleteFailed(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.presence.setConnected(false)

	msg, err := f.controller.Submit(Composition{
		ConversationID: f.conv.ID,
		SenderID:       "alice",
		Content:        "never made it",
	})
	require.NoError(t, err)

	t.Run("rejects non-failed messages", func(t *testing.T) {
		assert.ErrorIs(t, f.controller.DeleteFailed(msg.ID, "alice"), ErrNotFailed)
	})

	f.waitStatus(t, msg.ID, model.StatusFailed)

	t.Run("removes the failed message physically", func(t *testing.T) {
		require.NoError(t, f.controller.DeleteFailed(msg.ID, "alice"))
		_, err := f.store.Message(msg.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestToggleReaction(t *testing.T) {
	f := newFixture(t, fastConfig())

	msg, err := f.controller.Submit(Composition{
		ConversationID: f.conv.ID,
		SenderID:       "alice",
		Content:        "react to this",
	})
	require.NoError(t, err)

	updated, err := f.controller.ToggleReaction(msg.ID, "bob", "👍")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, updated.Reactions["👍"])

	updated, err = f.controller.ToggleReaction(msg.ID, "alice", "👍")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "alice"}, updated.Reactions["👍"])

	updated, err = f.controller.ToggleReaction(msg.ID, "bob", "👍")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, updated.Reactions["👍"])

	updated, err = f.controller.ToggleReaction(msg.ID, "alice", "👍")
	require.NoError(t, err)
	assert.Empty(t, updated.Reactions)

	_, err = f.controller.ToggleReaction(msg.ID, "mallory", "👍")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

// TestStatusCallback verifies every transition reaches the status hook.
func TestStatusCallback(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.presence.setOnline("bob", true)

	var mu sync.Mutex
	var seen []model.MessageStatus
	f.controller.OnStatus(func(messageID string, status model.MessageStatus) {
		mu.Lock()
		seen = append(seen, status)
		mu.Unlock()
	})

	msg, err := f.controller.Submit(Composition{
		ConversationID: f.conv.ID,
		SenderID:       "alice",
		Content:        "track me",
	})
	require.NoError(t, err)
	f.waitStatus(t, msg.ID, model.StatusDelivered)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 2*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []model.MessageStatus{
		model.StatusSending, model.StatusSent, model.StatusDelivered,
	}, seen)
	mu.Unlock()
}
