// Package store defines the persisted conversation/message store
// consumed by the messaging core, along with two implementations: an
// in-memory store for single-process use and tests, and a Pebble-backed
// store for durable deployments.
//
// Writes are last-write-wins; the store assumes a single writer per
// entity. Updates take mutator functions so each read-modify-write is
// atomic within the process. Every write fires the change-notification
// hook so interested sessions can re-sync.
package store

import (
	"errors"

	"github.com/opd-ai/dmcore/model"
)

// ErrNotFound indicates the requested conversation or message does not exist.
var ErrNotFound = errors.New("not found")

// ErrTooFewParticipants indicates a conversation with fewer than two participants.
var ErrTooFewParticipants = errors.New("conversation requires at least two participants")

// ChangeKind identifies the entity type a change notification refers to.
type ChangeKind uint8

const (
	// ChangeConversation signals a conversation create/update/delete.
	ChangeConversation ChangeKind = iota
	// ChangeMessage signals a message append/update/delete.
	ChangeMessage
)

// Change describes a single store write.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	MessageID      string
}

// Store is the persistence boundary of the messaging core.
type Store interface {
	// CreateConversation creates a conversation for the normalized
	// participant set, or returns the existing one for the same set.
	CreateConversation(participantIDs []string) (*model.Conversation, error)
	// Conversation returns the conversation by id.
	Conversation(id string) (*model.Conversation, error)
	// ConversationsForUser returns every conversation the user belongs
	// to, most recently updated first.
	ConversationsForUser(userID string) ([]*model.Conversation, error)
	// UpdateConversation applies mutate to the stored conversation and
	// persists the result.
	UpdateConversation(id string, mutate func(*model.Conversation)) (*model.Conversation, error)
	// DeleteConversation removes a conversation and all its messages.
	DeleteConversation(id string) error

	// AppendMessage persists a new message and updates the owning
	// conversation's bookkeeping (updatedAt, lastMessageId, snippet,
	// unread counts).
	AppendMessage(msg *model.Message) error
	// Message returns the message by id.
	Message(id string) (*model.Message, error)
	// MessagesByConversation returns the conversation's messages in
	// creation order.
	MessagesByConversation(conversationID string) ([]*model.Message, error)
	// UpdateMessage applies mutate to the stored message and persists
	// the result.
	UpdateMessage(id string, mutate func(*model.Message)) (*model.Message, error)
	// DeleteMessage physically removes a message.
	DeleteMessage(id string) error

	// Watch registers a change-notification hook invoked after every
	// write. The returned func cancels the registration.
	Watch(fn func(Change)) (cancel func())

	Close() error
}

// applyAppendBookkeeping folds a newly appended message into its
// conversation: activity timestamp, last-message pointer, snippet, and
// unread counters for everyone but the sender.
func applyAppendBookkeeping(conv *model.Conversation, msg *model.Message) {
	conv.Touch(msg.CreatedAt)
	conv.LastMessageID = msg.ID
	conv.Snippet = msg.Content
	if conv.UnreadCounts == nil {
		conv.UnreadCounts = make(map[string]int, len(conv.ParticipantIDs))
	}
	for _, pid := range conv.ParticipantIDs {
		if pid == msg.SenderID {
			conv.UnreadCounts[pid] = 0
		} else {
			conv.UnreadCounts[pid]++
		}
	}
}
