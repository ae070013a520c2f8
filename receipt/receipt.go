// Package receipt derives per-message read/unread views from the raw
// per-participant timestamps stored on each message, and provides the
// mark-read write path.
package receipt

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/model"
	"github.com/opd-ai/dmcore/store"
)

// Entry pairs a participant with the time they first read a message.
type Entry struct {
	UserID string
	ReadAt time.Time
}

// Details is the aggregated read-receipt view of one message.
type Details struct {
	// ReadBy lists readers sorted ascending by read time.
	ReadBy []Entry
	// UnreadBy lists the relevant participants who have not read it.
	UnreadBy []string
	// LastReadAt is the latest read time, nil when nobody has read it.
	LastReadAt *time.Time
	// IsFullyRead holds when every relevant participant has read it.
	IsFullyRead bool
}

// Options adjusts which participants count toward the receipt.
type Options struct {
	// IncludeSender counts the sender among the relevant participants.
	IncludeSender bool
}

// Aggregator computes receipt details and performs mark-read writes.
type Aggregator struct {
	store store.Store
}

// NewAggregator creates an Aggregator over the given store.
func NewAggregator(s store.Store) *Aggregator {
	return &Aggregator{store: s}
}

// Details partitions the participants into readers and non-readers of
// the message. Participants are deduplicated; the sender is excluded
// unless opts.IncludeSender is set.
func (a *Aggregator) Details(msg *model.Message, participantIDs []string, opts Options) Details {
	seen := make(map[string]struct{}, len(participantIDs))
	relevant := make([]string, 0, len(participantIDs))
	for _, id := range participantIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if !opts.IncludeSender && id == msg.SenderID {
			continue
		}
		relevant = append(relevant, id)
	}

	details := Details{}
	for _, id := range relevant {
		ts, ok := msg.ReadAt[id]
		if !ok || ts == nil {
			details.UnreadBy = append(details.UnreadBy, id)
			continue
		}
		details.ReadBy = append(details.ReadBy, Entry{UserID: id, ReadAt: *ts})
	}

	sort.Slice(details.ReadBy, func(i, j int) bool {
		return details.ReadBy[i].ReadAt.Before(details.ReadBy[j].ReadAt)
	})

	if n := len(details.ReadBy); n > 0 {
		last := details.ReadBy[n-1].ReadAt
		details.LastReadAt = &last
	}
	details.IsFullyRead = len(details.UnreadBy) == 0 && len(details.ReadBy) == len(relevant)
	return details
}

// MarkRead stamps readAt[userID] = now on every message in the
// conversation authored by someone else that userID has not read yet,
// and resets the user's unread counter. Calling it again with nothing
// unread is a no-op.
func (a *Aggregator) MarkRead(conversationID, userID string) error {
	msgs, err := a.store.MessagesByConversation(conversationID)
	if err != nil {
		return err
	}

	now := time.Now()
	marked := 0
	for _, msg := range msgs {
		if msg.SenderID == userID || msg.ReadBy(userID) {
			continue
		}
		id := msg.ID
		if _, err := a.store.UpdateMessage(id, func(m *model.Message) {
			if m.ReadAt == nil {
				m.ReadAt = make(map[string]*time.Time)
			}
			if ts := m.ReadAt[userID]; ts == nil {
				t := now
				m.ReadAt[userID] = &t
			}
		}); err != nil {
			return err
		}
		marked++
	}

	// The counter resets whenever it is nonzero, even with nothing left
	// to stamp. A physical delete of an unread message leaves the counter
	// ahead of the stampable set.
	reset := false
	if _, err := a.store.UpdateConversation(conversationID, func(c *model.Conversation) {
		if c.UnreadCounts[userID] != 0 {
			c.UnreadCounts[userID] = 0
			reset = true
		}
	}); err != nil && err != store.ErrNotFound {
		return err
	}

	if marked == 0 && !reset {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function":        "MarkRead",
		"conversation_id": conversationID,
		"user_id":         userID,
		"marked":          marked,
	}).Debug("Messages marked read")
	return nil
}
