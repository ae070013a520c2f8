package model

import (
	"sort"
	"time"
)

// Conversation is an ordered container of messages among a fixed
// participant set.
type Conversation struct {
	ID             string   `json:"id"`
	ParticipantIDs []string `json:"participantIds"`
	Title          string   `json:"title,omitempty"`
	Pinned         bool     `json:"pinned,omitempty"`
	Archived       bool     `json:"archived,omitempty"`
	Muted          bool     `json:"muted,omitempty"`

	// UnreadCounts tracks per-participant unread message counts,
	// maintained by the store on append and reset on mark-read.
	UnreadCounts map[string]int `json:"unreadCounts,omitempty"`

	LastMessageID string `json:"lastMessageId,omitempty"`

	// Snippet is the content of the most recent message, kept for list
	// rendering without a message fetch.
	Snippet string `json:"snippet,omitempty"`

	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt never decreases: every mutation moves it forward.
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Recipients returns every participant except senderID.
func (c *Conversation) Recipients(senderID string) []string {
	out := make([]string, 0, len(c.ParticipantIDs))
	for _, id := range c.ParticipantIDs {
		if id != senderID {
			out = append(out, id)
		}
	}
	return out
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	if c.UnreadCounts != nil {
		out.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
		for id, n := range c.UnreadCounts {
			out.UnreadCounts[id] = n
		}
	}
	return &out
}

// Touch advances UpdatedAt, keeping it non-decreasing.
func (c *Conversation) Touch(ts time.Time) {
	if ts.After(c.UpdatedAt) {
		c.UpdatedAt = ts
	}
}

// NormalizeParticipants sorts and deduplicates a participant id list.
// Conversations are keyed by this normalized set, so the same
// participants always resolve to the same conversation.
func NormalizeParticipants(participantIDs []string) []string {
	seen := make(map[string]struct{}, len(participantIDs))
	out := make([]string, 0, len(participantIDs))
	for _, id := range participantIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
