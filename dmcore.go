// Package dmcore implements the client-side core of a direct-messaging
// system: message lifecycle and delivery resolution, attachment
// ingestion, typing indicators, read receipts, and forwarding, backed
// by a pluggable store and broadcast bus.
//
// Basic usage:
//
//	opts := dmcore.NewOptions("user_alice")
//	client, err := dmcore.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	conv, _ := client.CreateConversation([]string{"user_alice", "user_bob"})
//	client.SendMessage(conv.ID, "hello")
package dmcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/attachment"
	"github.com/opd-ai/dmcore/bus"
	"github.com/opd-ai/dmcore/forward"
	"github.com/opd-ai/dmcore/lifecycle"
	"github.com/opd-ai/dmcore/model"
	"github.com/opd-ai/dmcore/presence"
	"github.com/opd-ai/dmcore/receipt"
	"github.com/opd-ai/dmcore/store"
	"github.com/opd-ai/dmcore/typing"
)

// ErrNoUserID indicates Options without a user id.
var ErrNoUserID = errors.New("options require a user id")

// Options contains configuration for creating a Client.
type Options struct {
	// UserID identifies the local user. Required.
	UserID string `env:"DMCORE_USER_ID"`

	// StorePath is the on-disk store location. Empty selects the
	// in-memory store.
	StorePath string `env:"DMCORE_STORE_PATH"`

	// AMQPURL is the broker address for cross-process event fan-out.
	// Empty selects the in-process bus.
	AMQPURL string `env:"DMCORE_AMQP_URL"`

	// SendDelay, DeliverDelay, and RetryDelay tune the delivery state
	// machine. Zero values use the defaults.
	SendDelay    time.Duration `env:"DMCORE_SEND_DELAY"`
	DeliverDelay time.Duration `env:"DMCORE_DELIVER_DELAY"`
	RetryDelay   time.Duration `env:"DMCORE_RETRY_DELAY"`

	// TypingTTL bounds how long a typing indicator survives without
	// renewal. Zero uses the default.
	TypingTTL time.Duration `env:"DMCORE_TYPING_TTL"`

	// UploadTick is the attachment upload progress interval. Zero uses
	// the default.
	UploadTick time.Duration `env:"DMCORE_UPLOAD_TICK"`
}

// NewOptions creates default Options for the user.
func NewOptions(userID string) *Options {
	return &Options{UserID: userID}
}

// LoadOptions builds Options from the environment.
func LoadOptions(ctx context.Context) (*Options, error) {
	var opts Options
	if err := envconfig.Process(ctx, &opts); err != nil {
		return nil, fmt.Errorf("loading options: %w", err)
	}
	return &opts, nil
}

// Client is a single user session over the messaging core.
type Client struct {
	userID    string
	sessionID string

	store    store.Store
	bus      bus.Bus
	presence *presence.Tracker

	controller *lifecycle.Controller
	pipeline   *attachment.Pipeline
	receipts   *receipt.Aggregator
	typing     *typing.Manager
	forwards   *forward.Dispatcher

	cbMu                 sync.Mutex
	onNotification       func(conversationID, messageID string)
	onConversationUpdate func(conversationID string)

	watchCancel func()
	busCancels  []func()
}

// conversationEvent is the bus payload on the conversation topic.
// Origin identifies the publishing session so it can skip its own
// loopback.
type conversationEvent struct {
	ConversationID string `json:"conversationId"`
	Origin         string `json:"origin"`
}

// New creates a Client wired per the options.
func New(options *Options) (*Client, error) {
	if options == nil {
		return nil, ErrNoUserID
	}
	if options.UserID == "" {
		return nil, ErrNoUserID
	}

	var st store.Store
	var err error
	if options.StorePath != "" {
		st, err = store.OpenPebble(options.StorePath)
		if err != nil {
			return nil, fmt.Errorf("creating client: %w", err)
		}
	} else {
		st = store.NewMemoryStore()
	}

	var b bus.Bus
	if options.AMQPURL != "" {
		b, err = bus.DialAMQP(context.Background(), bus.AMQPConfig{URL: options.AMQPURL})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("creating client: %w", err)
		}
	} else {
		b = bus.NewMemoryBus()
	}

	pres := presence.NewTracker()
	pres.Touch(options.UserID)

	ctrl := lifecycle.NewController(st, b, pres, lifecycle.Config{
		SendDelay:    options.SendDelay,
		DeliverDelay: options.DeliverDelay,
		RetryDelay:   options.RetryDelay,
	})

	client := &Client{
		userID:     options.UserID,
		sessionID:  uuid.NewString(),
		store:      st,
		bus:        b,
		presence:   pres,
		controller: ctrl,
		pipeline: attachment.NewPipeline(attachment.Config{
			UploadTick: options.UploadTick,
		}),
		receipts: receipt.NewAggregator(st),
		typing:   typing.NewManager(b, options.UserID, options.TypingTTL),
		forwards: forward.NewDispatcher(st, ctrl, 0),
	}

	client.watchCancel = st.Watch(client.handleStoreChange)
	client.busCancels = append(client.busCancels,
		b.Subscribe(bus.TopicMessage, client.handleMessageEvent),
		b.Subscribe(bus.TopicConversation, client.handleConversationEvent),
	)

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"user_id":  options.UserID,
		"durable":  options.StorePath != "",
	}).Info("Messaging client created")

	return client, nil
}

// OnMessageStatus sets a callback for message status transitions.
func (c *Client) OnMessageStatus(fn func(messageID string, status model.MessageStatus)) {
	c.controller.OnStatus(fn)
}

// OnMajorEdit sets a callback fired when a message is edited beyond the
// minor-change threshold, so the UI can re-notify recipients.
func (c *Client) OnMajorEdit(fn func(conversationID, messageID string)) {
	c.controller.OnMajorEdit(fn)
}

// OnTyping sets a callback fired when a conversation's typing set
// changes; query Typists for the current set.
func (c *Client) OnTyping(fn func(conversationID string)) {
	c.typing.OnChange(fn)
}

// OnAttachmentProgress sets a callback for staged upload progress.
func (c *Client) OnAttachmentProgress(fn func(id string, status attachment.Status, progress int)) {
	c.pipeline.OnProgress(fn)
}

// OnNotification sets a callback fired when another participant's new
// message lands in a conversation the local user belongs to.
func (c *Client) OnNotification(fn func(conversationID, messageID string)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onNotification = fn
}

// OnConversationUpdate sets a callback invoked with the conversation id
// after every write touching it, whether the write happened in this
// session or arrived over the bus. The callback is a re-sync hint; the
// store holds the truth.
func (c *Client) OnConversationUpdate(fn func(conversationID string)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onConversationUpdate = fn
}

// handleStoreChange fans local writes out: the re-sync callback always
// fires, and conversation-level changes are echoed to sibling sessions
// over the bus.
func (c *Client) handleStoreChange(ch store.Change) {
	if ch.Kind == store.ChangeConversation {
		data, err := bus.Wrap(bus.TopicConversation, conversationEvent{
			ConversationID: ch.ConversationID,
			Origin:         c.sessionID,
		})
		if err == nil {
			_ = c.bus.Publish(bus.TopicConversation, data)
		}
	}
	c.notifyConversation(ch.ConversationID)
}

// handleMessageEvent reacts to message lifecycle events from other
// sessions: new incoming messages raise the notification callback, and
// every relevant event triggers a re-sync.
func (c *Client) handleMessageEvent(_ string, payload []byte) {
	var ev lifecycle.Event
	if _, err := bus.Unwrap(payload, &ev); err != nil {
		return
	}
	if ev.UserID == c.userID || ev.ConversationID == "" {
		return
	}
	conv, err := c.store.Conversation(ev.ConversationID)
	if err != nil || !conv.HasParticipant(c.userID) {
		return
	}

	if ev.Type == lifecycle.EventStatus && ev.Status == model.StatusSending.String() {
		c.cbMu.Lock()
		fn := c.onNotification
		c.cbMu.Unlock()
		if fn != nil {
			fn(ev.ConversationID, ev.MessageID)
		}
	}
	c.notifyConversation(ev.ConversationID)
}

// handleConversationEvent triggers a re-sync for conversation changes
// published by sibling sessions.
func (c *Client) handleConversationEvent(_ string, payload []byte) {
	var ev conversationEvent
	if _, err := bus.Unwrap(payload, &ev); err != nil {
		return
	}
	if ev.Origin == c.sessionID || ev.ConversationID == "" {
		return
	}
	c.notifyConversation(ev.ConversationID)
}

func (c *Client) notifyConversation(conversationID string) {
	c.cbMu.Lock()
	fn := c.onConversationUpdate
	c.cbMu.Unlock()
	if fn != nil && conversationID != "" {
		fn(conversationID)
	}
}

// CreateConversation creates (or returns the existing) conversation for
// the participant set.
func (c *Client) CreateConversation(participantIDs []string) (*model.Conversation, error) {
	return c.store.CreateConversation(participantIDs)
}

// Conversations returns the local user's conversations, most recently
// active first.
func (c *Client) Conversations() ([]*model.Conversation, error) {
	return c.store.ConversationsForUser(c.userID)
}

// Messages returns the conversation's messages in creation order.
func (c *Client) Messages(conversationID string) ([]*model.Message, error) {
	return c.store.MessagesByConversation(conversationID)
}

// ComposerInput reports composer activity to the typing bus. Call once
// per keystroke; empty content clears the indicator.
func (c *Client) ComposerInput(conversationID, content string) {
	c.typing.Input(conversationID, content)
}

// OpenConversation marks the conversation read and clears the local
// typing indicator, matching a user switching into the thread.
func (c *Client) OpenConversation(conversationID string) error {
	c.typing.Clear(conversationID)
	return c.receipts.MarkRead(conversationID, c.userID)
}

// SendMessage submits a message carrying any attachments staged in the
// pipeline. The typing indicator is cleared as a side effect.
func (c *Client) SendMessage(conversationID, content string) (*model.Message, error) {
	var atts []model.Attachment
	if c.pipeline.Count() > 0 {
		var err error
		atts, err = c.pipeline.Finalize()
		if err != nil {
			return nil, err
		}
	}
	msg, err := c.controller.Submit(lifecycle.Composition{
		ConversationID: conversationID,
		SenderID:       c.userID,
		Content:        content,
		Attachments:    atts,
	})
	if err != nil {
		return nil, err
	}
	c.typing.Clear(conversationID)
	return msg, nil
}

// ReplyTo submits a message referencing another message in the thread.
func (c *Client) ReplyTo(conversationID, repliedToID, content string) (*model.Message, error) {
	return c.controller.Submit(lifecycle.Composition{
		ConversationID: conversationID,
		SenderID:       c.userID,
		Content:        content,
		RepliedToID:    repliedToID,
	})
}

// AddAttachments stages files in the attachment pipeline. Files past
// validation are accepted individually; each rejected file contributes
// an error.
func (c *Client) AddAttachments(files []attachment.File) ([]*attachment.Pending, []error) {
	return c.pipeline.Add(files)
}

// CancelAttachment removes a staged attachment, leaving siblings intact.
func (c *Client) CancelAttachment(id string) error {
	return c.pipeline.Cancel(id)
}

// Attachments returns a snapshot of the staged attachments.
func (c *Client) Attachments() []*attachment.Pending {
	return c.pipeline.Snapshot()
}

// RetryMessage re-runs delivery for a failed message.
func (c *Client) RetryMessage(messageID string) error {
	return c.controller.Retry(messageID, c.userID)
}

// EditMessage replaces the message content within the edit window.
func (c *Client) EditMessage(messageID, newContent string) (*model.Message, error) {
	return c.controller.Edit(messageID, c.userID, newContent)
}

// DeleteMessageForMe hides the message from the local user's view.
func (c *Client) DeleteMessageForMe(messageID string) error {
	return c.controller.DeleteForMe(messageID, c.userID)
}

// DeleteMessageForEveryone tombstones the message for all participants.
func (c *Client) DeleteMessageForEveryone(messageID string) error {
	return c.controller.DeleteForEveryone(messageID, c.userID)
}

// DeleteFailedMessage physically removes a failed message.
func (c *Client) DeleteFailedMessage(messageID string) error {
	return c.controller.DeleteFailed(messageID, c.userID)
}

// ToggleReaction toggles the local user's emoji reaction on a message.
func (c *Client) ToggleReaction(messageID, emoji string) (*model.Message, error) {
	return c.controller.ToggleReaction(messageID, c.userID, emoji)
}

// ForwardMessage forwards the message to the targets, subject to the
// lifetime forward cap.
func (c *Client) ForwardMessage(messageID string, targets []forward.Target, comment string) ([]*model.Message, error) {
	return c.forwards.Dispatch(c.userID, messageID, targets, comment)
}

// ForwardsRemaining returns how many forwards of the message the local
// user has left.
func (c *Client) ForwardsRemaining(messageID string) int {
	return c.forwards.Remaining(c.userID, messageID)
}

// MarkRead stamps every unread incoming message in the conversation.
func (c *Client) MarkRead(conversationID string) error {
	return c.receipts.MarkRead(conversationID, c.userID)
}

// ReadDetails returns the per-participant read breakdown of a message.
func (c *Client) ReadDetails(messageID string) (receipt.Details, error) {
	msg, err := c.store.Message(messageID)
	if err != nil {
		return receipt.Details{}, fmt.Errorf("reading receipt details: %w", err)
	}
	conv, err := c.store.Conversation(msg.ConversationID)
	if err != nil {
		return receipt.Details{}, fmt.Errorf("reading receipt details: %w", err)
	}
	return c.receipts.Details(msg, conv.ParticipantIDs, receipt.Options{}), nil
}

// Typists returns the users currently typing in the conversation.
func (c *Client) Typists(conversationID string) []string {
	return c.typing.Typists(conversationID)
}

// Presence exposes the client's presence tracker for last-seen updates,
// connectivity, and block management.
func (c *Client) Presence() *presence.Tracker {
	return c.presence
}

// UserID returns the local user id.
func (c *Client) UserID() string {
	return c.userID
}

// Close shuts down timers, subscriptions, and the backing store.
func (c *Client) Close() error {
	if c.watchCancel != nil {
		c.watchCancel()
		c.watchCancel = nil
	}
	for _, cancel := range c.busCancels {
		cancel()
	}
	c.busCancels = nil
	c.typing.Close()
	c.controller.Close()
	c.pipeline.Close()

	var errs []error
	if err := c.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing bus: %w", err))
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}
