// Package forward dispatches copies of an existing message to other
// conversations, enforcing the per-(user, message) lifetime forward
// cap. A dispatch is all-or-nothing: when the batch would breach the
// cap, or names a target the sender cannot post to, no copy is created
// and the counter is untouched.
package forward

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/lifecycle"
	"github.com/opd-ai/dmcore/limits"
	"github.com/opd-ai/dmcore/model"
	"github.com/opd-ai/dmcore/store"
)

var (
	// ErrForwardLimit indicates the batch would exceed the lifetime
	// forward cap for this user and message.
	ErrForwardLimit = errors.New("forward limit reached")

	// ErrNoTargets indicates an empty target list.
	ErrNoTargets = errors.New("no forward targets")

	// ErrSourceDeleted indicates the source message was deleted for
	// everyone and cannot be forwarded.
	ErrSourceDeleted = errors.New("source message deleted")
)

// Target names a forward destination: an existing conversation by id,
// or a user to open (or reuse) a direct conversation with.
type Target struct {
	ConversationID string
	UserID         string
}

// Dispatcher creates forwarded copies through the lifecycle controller,
// so forwards run the same delivery state machine as fresh messages.
type Dispatcher struct {
	store      store.Store
	controller *lifecycle.Controller
	limit      int

	mu     sync.Mutex
	counts map[string]int // senderID + "|" + messageID -> forwards used
}

// NewDispatcher creates a Dispatcher. limit <= 0 uses the default cap.
func NewDispatcher(st store.Store, ctrl *lifecycle.Controller, limit int) *Dispatcher {
	if limit <= 0 {
		limit = limits.ForwardLimitPerMessage
	}
	return &Dispatcher{
		store:      st,
		controller: ctrl,
		limit:      limit,
		counts:     make(map[string]int),
	}
}

func countKey(senderID, messageID string) string {
	return senderID + "|" + messageID
}

// Remaining returns how many forwards of the message the user has left.
func (d *Dispatcher) Remaining(senderID, messageID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	left := d.limit - d.counts[countKey(senderID, messageID)]
	if left < 0 {
		return 0
	}
	return left
}

// Dispatch forwards the message to every target, optionally prefixing
// the copies with a comment. Returns the created messages in target
// order.
func (d *Dispatcher) Dispatch(senderID, messageID string, targets []Target, comment string) ([]*model.Message, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	src, err := d.store.Message(messageID)
	if err != nil {
		return nil, fmt.Errorf("forwarding message: %w", err)
	}
	if src.DeletedForEveryone {
		return nil, ErrSourceDeleted
	}

	key := countKey(senderID, messageID)
	d.mu.Lock()
	used := d.counts[key]
	if used+len(targets) > d.limit {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %d used, %d requested, limit %d",
			ErrForwardLimit, used, len(targets), d.limit)
	}
	d.mu.Unlock()

	// Every target is resolved before the first copy is created, so a
	// bad target rejects the batch without consuming any of the cap.
	convIDs := make([]string, len(targets))
	for i, target := range targets {
		convID, err := d.resolveTarget(senderID, target)
		if err != nil {
			return nil, fmt.Errorf("forwarding message: %w", err)
		}
		convIDs[i] = convID
	}

	content := src.Content
	if comment != "" {
		content = comment + "\n\n" + src.Content
	}

	created := make([]*model.Message, 0, len(targets))
	for _, convID := range convIDs {
		msg, err := d.controller.Submit(lifecycle.Composition{
			ConversationID:  convID,
			SenderID:        senderID,
			Content:         content,
			Attachments:     cloneAttachments(src.Attachments),
			ForwardedFromID: src.ID,
		})
		if err != nil {
			d.mu.Lock()
			d.counts[key] += len(created)
			d.mu.Unlock()
			return created, fmt.Errorf("forwarding message: %w", err)
		}
		created = append(created, msg)
	}

	d.mu.Lock()
	d.counts[key] += len(created)
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Dispatch",
		"message_id": messageID,
		"targets":    len(targets),
	}).Debug("Message forwarded")

	return created, nil
}

// resolveTarget returns the destination conversation id, creating or
// reusing a direct conversation when the target names a user.
func (d *Dispatcher) resolveTarget(senderID string, target Target) (string, error) {
	if target.ConversationID != "" {
		conv, err := d.store.Conversation(target.ConversationID)
		if err != nil {
			return "", err
		}
		if !conv.HasParticipant(senderID) {
			return "", lifecycle.ErrNotParticipant
		}
		return conv.ID, nil
	}
	conv, err := d.store.CreateConversation([]string{senderID, target.UserID})
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

// cloneAttachments copies the source attachments under fresh ids so the
// forwarded message owns its attachment records.
func cloneAttachments(src []model.Attachment) []model.Attachment {
	if len(src) == 0 {
		return nil
	}
	out := make([]model.Attachment, len(src))
	for i, a := range src {
		out[i] = a
		out[i].ID = "attachment_" + uuid.New().String()
	}
	return out
}
