// Package lifecycle drives a message from submission through delivery
// resolution, and owns the sender-side mutations: retry, edit, the two
// delete flavors, and reactions.
//
// Status transitions follow a fixed machine. A submitted message starts
// sending, resolves to sent or failed after the send delay, and a sent
// message with an online recipient advances to delivered after the
// deliver delay. Failed is terminal until an explicit retry. Each
// scheduled resolution carries an attempt epoch; a timer that fires for
// a superseded attempt re-checks state under lock and does nothing, so
// a stale timer can never downgrade or re-resolve a message.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/bus"
	"github.com/opd-ai/dmcore/limits"
	"github.com/opd-ai/dmcore/model"
	"github.com/opd-ai/dmcore/store"
)

var (
	// ErrNotParticipant indicates the acting user does not belong to the
	// conversation.
	ErrNotParticipant = errors.New("user is not a conversation participant")

	// ErrNotSender indicates a sender-only operation was attempted by
	// someone else.
	ErrNotSender = errors.New("operation restricted to the message sender")

	// ErrNotFailed indicates a retry or failed-delete on a message that
	// is not in the failed state.
	ErrNotFailed = errors.New("message is not in the failed state")

	// ErrEditWindowClosed indicates the edit window has elapsed.
	ErrEditWindowClosed = errors.New("edit window closed")

	// ErrDeleteWindowClosed indicates the delete-for-everyone window has
	// elapsed.
	ErrDeleteWindowClosed = errors.New("delete-for-everyone window closed")

	// ErrMessageDeleted indicates the message was deleted for everyone
	// and no longer accepts mutations.
	ErrMessageDeleted = errors.New("message deleted for everyone")
)

// Event types published on the message topic.
const (
	EventStatus   = "status"
	EventEdited   = "edited"
	EventDeleted  = "deleted"
	EventReaction = "reaction"
)

// Event is the bus payload for message lifecycle changes.
type Event struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId,omitempty"`
	Status         string `json:"status,omitempty"`
	MajorEdit      bool   `json:"majorEdit,omitempty"`
}

// PresenceView is the presence surface the controller consults when
// resolving delivery. presence.Tracker satisfies it.
type PresenceView interface {
	// Connected reports whether this client currently has connectivity.
	Connected() bool
	// IsOnline reports whether the user counts as online.
	IsOnline(userID string) bool
	// IsBlocked reports whether either user blocks the other.
	IsBlocked(userID, otherID string) bool
}

// Config holds the controller's timing knobs. Zero values fall back to
// the defaults; tests shorten them.
type Config struct {
	// SendDelay is how long after submission the sending state resolves.
	SendDelay time.Duration
	// DeliverDelay is how long after sent a message with an online
	// recipient advances to delivered.
	DeliverDelay time.Duration
	// RetryDelay is how long after a retry the re-resolution runs.
	RetryDelay time.Duration
	// EditWindow bounds sender edits after creation.
	EditWindow time.Duration
	// DeleteForEveryoneWindow bounds delete-for-everyone after creation.
	DeleteForEveryoneWindow time.Duration
}

// DefaultConfig returns the production timing configuration.
func DefaultConfig() Config {
	return Config{
		SendDelay:               400 * time.Millisecond,
		DeliverDelay:            500 * time.Millisecond,
		RetryDelay:              300 * time.Millisecond,
		EditWindow:              limits.EditWindow,
		DeleteForEveryoneWindow: limits.DeleteForEveryoneWindow,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SendDelay <= 0 {
		c.SendDelay = def.SendDelay
	}
	if c.DeliverDelay <= 0 {
		c.DeliverDelay = def.DeliverDelay
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.EditWindow <= 0 {
		c.EditWindow = def.EditWindow
	}
	if c.DeleteForEveryoneWindow <= 0 {
		c.DeleteForEveryoneWindow = def.DeleteForEveryoneWindow
	}
	return c
}

// Composition is the input to Submit.
type Composition struct {
	ConversationID string
	SenderID       string
	Content        string
	Attachments    []model.Attachment
	RepliedToID    string
	// ForwardedFromID marks the message as a forward of another message.
	ForwardedFromID string
}

// Controller owns message submission and mutation.
type Controller struct {
	store    store.Store
	bus      bus.Bus
	presence PresenceView
	cfg      Config

	mu       sync.Mutex
	timers   map[string]*time.Timer // messageID -> pending resolution
	attempts map[string]int         // messageID -> current attempt epoch
	closed   bool

	onStatus    func(messageID string, status model.MessageStatus)
	onMajorEdit func(conversationID, messageID string)
}

// NewController creates a Controller. The bus is optional; a nil bus
// disables event publication but not callbacks.
func NewController(st store.Store, b bus.Bus, pres PresenceView, cfg Config) *Controller {
	return &Controller{
		store:    st,
		bus:      b,
		presence: pres,
		cfg:      cfg.withDefaults(),
		timers:   make(map[string]*time.Timer),
		attempts: make(map[string]int),
	}
}

// OnStatus sets a callback invoked on every status transition.
func (c *Controller) OnStatus(fn func(messageID string, status model.MessageStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = fn
}

// OnMajorEdit sets a callback invoked when an edit changes a message
// substantially enough that recipients should be re-notified.
func (c *Controller) OnMajorEdit(fn func(conversationID, messageID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMajorEdit = fn
}

// Submit validates and persists a new message in the sending state and
// schedules its delivery resolution.
func (c *Controller) Submit(comp Composition) (*model.Message, error) {
	content := strings.TrimSpace(comp.Content)
	if content == "" && len(comp.Attachments) == 0 {
		return nil, limits.ErrEmptyComposition
	}

	conv, err := c.store.Conversation(comp.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("submitting message: %w", err)
	}
	if !conv.HasParticipant(comp.SenderID) {
		return nil, ErrNotParticipant
	}

	now := time.Now()
	msg := &model.Message{
		ID:              "message_" + uuid.New().String(),
		ConversationID:  comp.ConversationID,
		SenderID:        comp.SenderID,
		Content:         content,
		CreatedAt:       now,
		Attachments:     comp.Attachments,
		Status:          model.StatusSending,
		ReadAt:          model.NewReadMap(conv.ParticipantIDs, comp.SenderID, now),
		RepliedToID:     comp.RepliedToID,
		ForwardedFromID: comp.ForwardedFromID,
	}
	if err := c.store.AppendMessage(msg); err != nil {
		return nil, fmt.Errorf("submitting message: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Submit",
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"attachments":     len(msg.Attachments),
	}).Debug("Message submitted")

	c.mu.Lock()
	c.attempts[msg.ID]++
	attempt := c.attempts[msg.ID]
	c.scheduleLocked(msg.ID, attempt, c.cfg.SendDelay)
	c.mu.Unlock()

	c.announce(msg, EventStatus)
	return msg, nil
}

// Retry re-runs delivery resolution for a failed message. Only the
// sender may retry, and only failed messages are retryable. A retry
// while a prior retry is still pending supersedes it.
func (c *Controller) Retry(messageID, userID string) error {
	msg, err := c.store.Message(messageID)
	if err != nil {
		return fmt.Errorf("retrying message: %w", err)
	}
	if msg.SenderID != userID {
		return ErrNotSender
	}
	if msg.Status != model.StatusFailed {
		return ErrNotFailed
	}

	updated, err := c.store.UpdateMessage(messageID, func(m *model.Message) {
		m.Status = model.StatusSending
	})
	if err != nil {
		return fmt.Errorf("retrying message: %w", err)
	}

	c.mu.Lock()
	c.attempts[messageID]++
	attempt := c.attempts[messageID]
	c.scheduleLocked(messageID, attempt, c.cfg.RetryDelay)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Retry",
		"message_id": messageID,
		"attempt":    attempt,
	}).Debug("Message retry scheduled")

	c.announce(updated, EventStatus)
	return nil
}

// scheduleLocked arms the resolution timer for the attempt, replacing
// any pending timer for the message. Caller holds c.mu.
func (c *Controller) scheduleLocked(messageID string, attempt int, delay time.Duration) {
	if c.closed {
		return
	}
	if t, ok := c.timers[messageID]; ok {
		t.Stop()
	}
	c.timers[messageID] = time.AfterFunc(delay, func() {
		c.resolve(messageID, attempt)
	})
}

// resolve decides sent or failed for a sending message. Runs on the
// timer goroutine.
func (c *Controller) resolve(messageID string, attempt int) {
	if !c.attemptCurrent(messageID, attempt) {
		return
	}
	msg, err := c.store.Message(messageID)
	if err != nil || msg.Status != model.StatusSending {
		return
	}
	conv, err := c.store.Conversation(msg.ConversationID)
	if err != nil {
		return
	}
	recipients := conv.Recipients(msg.SenderID)

	if !c.deliverable(msg.SenderID, recipients) {
		if c.setStatus(messageID, attempt, model.StatusSending, model.StatusFailed) != nil {
			c.release(messageID, attempt)
		}
		return
	}

	updated := c.setStatus(messageID, attempt, model.StatusSending, model.StatusSent)
	if updated == nil {
		return
	}
	if !c.anyOnline(msg.SenderID, recipients) {
		c.release(messageID, attempt)
		return
	}
	c.mu.Lock()
	if c.attempts[messageID] == attempt {
		c.timers[messageID] = time.AfterFunc(c.cfg.DeliverDelay, func() {
			if c.setStatus(messageID, attempt, model.StatusSent, model.StatusDelivered) != nil {
				c.release(messageID, attempt)
			}
		})
	}
	c.mu.Unlock()
}

// release drops the timer and attempt bookkeeping once the message
// settles in a resting state, so long-lived sessions do not accumulate
// an entry per message. A later retry starts a fresh epoch.
func (c *Controller) release(messageID string, attempt int) {
	c.mu.Lock()
	if c.attempts[messageID] == attempt {
		delete(c.attempts, messageID)
		if t, ok := c.timers[messageID]; ok {
			t.Stop()
			delete(c.timers, messageID)
		}
	}
	c.mu.Unlock()
}

// deliverable reports whether the message can leave the sending state
// successfully: the client is connected and no recipient pair with the
// sender is blocked. A single blocked recipient fails the whole
// resolution, group conversations included.
func (c *Controller) deliverable(senderID string, recipients []string) bool {
	if c.presence == nil {
		return true
	}
	if !c.presence.Connected() {
		return false
	}
	for _, r := range recipients {
		if c.presence.IsBlocked(senderID, r) {
			return false
		}
	}
	return true
}

// anyOnline reports whether a non-blocked recipient is currently online.
func (c *Controller) anyOnline(senderID string, recipients []string) bool {
	if c.presence == nil {
		return false
	}
	for _, r := range recipients {
		if c.presence.IsBlocked(senderID, r) {
			continue
		}
		if c.presence.IsOnline(r) {
			return true
		}
	}
	return false
}

// attemptCurrent reports whether attempt is still the live epoch for
// the message.
func (c *Controller) attemptCurrent(messageID string, attempt int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.attempts[messageID] == attempt
}

// setStatus transitions the message from expected to next, guarded by
// the attempt epoch and the expected status. Returns the updated
// message, or nil when the transition was stale.
func (c *Controller) setStatus(messageID string, attempt int, expected, next model.MessageStatus) *model.Message {
	if !c.attemptCurrent(messageID, attempt) {
		return nil
	}
	stale := false
	updated, err := c.store.UpdateMessage(messageID, func(m *model.Message) {
		if m.Status != expected {
			stale = true
			return
		}
		m.Status = next
	})
	if err != nil || stale {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function":   "setStatus",
		"message_id": messageID,
		"status":     next.String(),
	}).Debug("Message status changed")

	c.announce(updated, EventStatus)
	return updated
}

// Edit replaces the message content, preserving the prior content in
// the edit history. Sender-only, bounded by the edit window, rejected
// on tombstoned messages. Editing to the identical content is a no-op.
func (c *Controller) Edit(messageID, userID, newContent string) (*model.Message, error) {
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return nil, limits.ErrEmptyComposition
	}

	msg, err := c.store.Message(messageID)
	if err != nil {
		return nil, fmt.Errorf("editing message: %w", err)
	}
	if msg.SenderID != userID {
		return nil, ErrNotSender
	}
	if msg.DeletedForEveryone {
		return nil, ErrMessageDeleted
	}
	if time.Since(msg.CreatedAt) > c.cfg.EditWindow {
		return nil, ErrEditWindowClosed
	}
	if msg.Content == newContent {
		return msg, nil
	}

	prior := msg.Content
	now := time.Now()
	updated, err := c.store.UpdateMessage(messageID, func(m *model.Message) {
		m.EditHistory = append(m.EditHistory, model.EditRecord{Content: m.Content, EditedAt: now})
		m.Content = newContent
		t := now
		m.EditedAt = &t
	})
	if err != nil {
		return nil, fmt.Errorf("editing message: %w", err)
	}

	major := isMajorEdit(prior, newContent)
	c.publish(Event{
		Type:           EventEdited,
		ConversationID: updated.ConversationID,
		MessageID:      updated.ID,
		UserID:         userID,
		MajorEdit:      major,
	})
	if major {
		c.mu.Lock()
		fn := c.onMajorEdit
		c.mu.Unlock()
		if fn != nil {
			fn(updated.ConversationID, updated.ID)
		}
	}
	return updated, nil
}

// isMajorEdit reports whether the change is substantial: the length
// shifted beyond the threshold, or neither version contains the other.
func isMajorEdit(prior, next string) bool {
	delta := len(next) - len(prior)
	if delta < 0 {
		delta = -delta
	}
	if delta > limits.MajorEditLengthDelta {
		return true
	}
	return !strings.Contains(next, prior) && !strings.Contains(prior, next)
}

// DeleteForMe hides the message from the acting participant's view
// without touching anyone else's. Idempotent.
func (c *Controller) DeleteForMe(messageID, userID string) error {
	msg, err := c.store.Message(messageID)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	conv, err := c.store.Conversation(msg.ConversationID)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	if !conv.HasParticipant(userID) {
		return ErrNotParticipant
	}
	if msg.IsDeletedFor(userID) {
		return nil
	}

	updated, err := c.store.UpdateMessage(messageID, func(m *model.Message) {
		if !m.IsDeletedFor(userID) {
			m.DeletedFor = append(m.DeletedFor, userID)
		}
	})
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	c.publish(Event{
		Type:           EventDeleted,
		ConversationID: updated.ConversationID,
		MessageID:      updated.ID,
		UserID:         userID,
	})
	return nil
}

// DeleteForEveryone tombstones the message for all participants:
// content and attachments are cleared and the deletion is attributed.
// Sender-only, bounded by the delete window.
func (c *Controller) DeleteForEveryone(messageID, userID string) error {
	msg, err := c.store.Message(messageID)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	if msg.SenderID != userID {
		return ErrNotSender
	}
	if msg.DeletedForEveryone {
		return nil
	}
	if time.Since(msg.CreatedAt) > c.cfg.DeleteForEveryoneWindow {
		return ErrDeleteWindowClosed
	}

	now := time.Now()
	updated, err := c.store.UpdateMessage(messageID, func(m *model.Message) {
		m.DeletedForEveryone = true
		m.DeletedBy = userID
		t := now
		m.DeletedAt = &t
		m.Content = ""
		m.Attachments = nil
		m.Reactions = nil
	})
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	c.cancelTimer(messageID)

	logrus.WithFields(logrus.Fields{
		"function":   "DeleteForEveryone",
		"message_id": messageID,
		"user_id":    userID,
	}).Info("Message deleted for everyone")

	c.publish(Event{
		Type:           EventDeleted,
		ConversationID: updated.ConversationID,
		MessageID:      updated.ID,
		UserID:         userID,
	})
	return nil
}

// DeleteFailed physically removes a failed message. Failed messages
// never reached anyone, so there is nothing to tombstone.
func (c *Controller) DeleteFailed(messageID, userID string) error {
	msg, err := c.store.Message(messageID)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	if msg.SenderID != userID {
		return ErrNotSender
	}
	if msg.Status != model.StatusFailed {
		return ErrNotFailed
	}
	if err := c.store.DeleteMessage(messageID); err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	c.cancelTimer(messageID)

	c.publish(Event{
		Type:           EventDeleted,
		ConversationID: msg.ConversationID,
		MessageID:      messageID,
		UserID:         userID,
	})
	return nil
}

// ToggleReaction adds the user's reaction with the emoji, or removes it
// when already present.
func (c *Controller) ToggleReaction(messageID, userID, emoji string) (*model.Message, error) {
	msg, err := c.store.Message(messageID)
	if err != nil {
		return nil, fmt.Errorf("toggling reaction: %w", err)
	}
	if msg.DeletedForEveryone {
		return nil, ErrMessageDeleted
	}
	conv, err := c.store.Conversation(msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("toggling reaction: %w", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}

	updated, err := c.store.UpdateMessage(messageID, func(m *model.Message) {
		users := m.Reactions[emoji]
		for i, id := range users {
			if id == userID {
				users = append(users[:i], users[i+1:]...)
				if len(users) == 0 {
					delete(m.Reactions, emoji)
				} else {
					m.Reactions[emoji] = users
				}
				return
			}
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		m.Reactions[emoji] = append(users, userID)
	})
	if err != nil {
		return nil, fmt.Errorf("toggling reaction: %w", err)
	}

	c.publish(Event{
		Type:           EventReaction,
		ConversationID: updated.ConversationID,
		MessageID:      updated.ID,
		UserID:         userID,
	})
	return updated, nil
}

// cancelTimer stops and drops any pending resolution for the message
// and retires its attempt epoch, so an in-flight timer that already
// fired re-checks and does nothing.
func (c *Controller) cancelTimer(messageID string) {
	c.mu.Lock()
	if t, ok := c.timers[messageID]; ok {
		t.Stop()
		delete(c.timers, messageID)
	}
	delete(c.attempts, messageID)
	c.mu.Unlock()
}

// announce fires the status callback and publishes the status event.
func (c *Controller) announce(msg *model.Message, eventType string) {
	c.mu.Lock()
	fn := c.onStatus
	c.mu.Unlock()
	if fn != nil && eventType == EventStatus {
		fn(msg.ID, msg.Status)
	}
	c.publish(Event{
		Type:           eventType,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		UserID:         msg.SenderID,
		Status:         msg.Status.String(),
	})
}

func (c *Controller) publish(ev Event) {
	if c.bus == nil {
		return
	}
	data, err := bus.Wrap(bus.TopicMessage, ev)
	if err != nil {
		return
	}
	if err := c.bus.Publish(bus.TopicMessage, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "publish",
			"message_id": ev.MessageID,
			"error":      err.Error(),
		}).Warn("Message event publish failed")
	}
}

// Close cancels every pending resolution timer. In-flight store writes
// finish; no new timers are armed afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[string]*time.Timer)
}
