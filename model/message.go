// Package model defines the persisted data types shared by the
// dmcore components: conversations, messages, and attachments.
//
// All types carry JSON tags because the persistent store serializes
// them as JSON documents. Accessors that return slices or maps return
// copies so callers can never mutate stored state behind the store's
// back.
package model

import "time"

// MessageStatus represents the delivery state of a message.
type MessageStatus uint8

const (
	// StatusSending means the message is persisted but delivery has not
	// resolved yet. This is the zero value on purpose: a message whose
	// status was never touched is actively sending, not undefined.
	StatusSending MessageStatus = iota
	// StatusSent means the message was accepted for delivery.
	StatusSent
	// StatusDelivered means at least one recipient appeared online and
	// the message was handed over.
	StatusDelivered
	// StatusFailed means delivery resolution failed; the message stays
	// failed until retried or deleted.
	StatusFailed
)

// String returns a human-readable status name.
func (s MessageStatus) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EditRecord preserves the pre-edit content of a message.
type EditRecord struct {
	Content  string    `json:"content"`
	EditedAt time.Time `json:"editedAt"`
}

// Message is a direct message inside a conversation.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"createdAt"`
	EditedAt       *time.Time    `json:"editedAt,omitempty"`
	EditHistory    []EditRecord  `json:"editHistory,omitempty"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	Status         MessageStatus `json:"status"`

	// Reactions maps an emoji to the set of user ids that reacted with it.
	Reactions map[string][]string `json:"reactions,omitempty"`

	// ReadAt maps every conversation participant to the time they first
	// read the message; nil means unread. The sender's entry always
	// equals CreatedAt.
	ReadAt map[string]*time.Time `json:"readAt"`

	RepliedToID     string `json:"repliedToId,omitempty"`
	ForwardedFromID string `json:"forwardedFromId,omitempty"`

	// DeletedFor lists users who removed the message from their own view.
	DeletedFor []string `json:"deletedFor,omitempty"`

	// DeletedForEveryone is a tombstone overlay, orthogonal to Status.
	DeletedForEveryone bool       `json:"deletedForEveryone,omitempty"`
	DeletedBy          string     `json:"deletedBy,omitempty"`
	DeletedAt          *time.Time `json:"deletedAt,omitempty"`
}

// IsDeletedFor reports whether userID removed this message from their view.
func (m *Message) IsDeletedFor(userID string) bool {
	for _, id := range m.DeletedFor {
		if id == userID {
			return true
		}
	}
	return false
}

// ReadBy reports whether the participant has read the message.
func (m *Message) ReadBy(participantID string) bool {
	ts, ok := m.ReadAt[participantID]
	return ok && ts != nil
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		out.DeletedAt = &t
	}
	if m.EditHistory != nil {
		out.EditHistory = append([]EditRecord(nil), m.EditHistory...)
	}
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.DeletedFor != nil {
		out.DeletedFor = append([]string(nil), m.DeletedFor...)
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, users := range m.Reactions {
			out.Reactions[emoji] = append([]string(nil), users...)
		}
	}
	if m.ReadAt != nil {
		out.ReadAt = make(map[string]*time.Time, len(m.ReadAt))
		for id, ts := range m.ReadAt {
			if ts == nil {
				out.ReadAt[id] = nil
				continue
			}
			t := *ts
			out.ReadAt[id] = &t
		}
	}
	return &out
}

// NewReadMap builds the initial read map for a message: the sender is
// marked read at the creation timestamp, everyone else is unread.
func NewReadMap(participantIDs []string, senderID string, createdAt time.Time) map[string]*time.Time {
	readAt := make(map[string]*time.Time, len(participantIDs))
	for _, id := range participantIDs {
		if id == senderID {
			t := createdAt
			readAt[id] = &t
		} else {
			readAt[id] = nil
		}
	}
	return readAt
}
