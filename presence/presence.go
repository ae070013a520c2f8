// Package presence tracks per-user last-seen timestamps, pairwise
// blocks, and the local session's connectivity.
//
// The "online" signal exposed here is a heartbeat heuristic (last seen
// within a threshold) used only to gate the sent-to-delivered
// transition. A production backend would replace it with a genuine
// delivery acknowledgment.
package presence

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/limits"
)

// Source exposes per-user last-seen timestamps.
type Source interface {
	// LastSeen returns when the user was last active; ok is false when
	// the user is unknown.
	LastSeen(userID string) (t time.Time, ok bool)
	// IsOnline reports whether the user counts as online under the
	// last-seen heuristic.
	IsOnline(userID string) bool
}

// Tracker is the default Source: an in-memory heartbeat table plus
// symmetric block pairs and a local connectivity flag.
type Tracker struct {
	mu        sync.RWMutex
	lastSeen  map[string]time.Time
	blocks    map[[2]string]struct{}
	connected bool
	threshold time.Duration
}

// NewTracker creates a Tracker with the default online threshold. The
// local session starts connected.
func NewTracker() *Tracker {
	return &Tracker{
		lastSeen:  make(map[string]time.Time),
		blocks:    make(map[[2]string]struct{}),
		connected: true,
		threshold: limits.OnlineThreshold,
	}
}

// SetOnlineThreshold overrides the heuristic window (tests mostly).
func (t *Tracker) SetOnlineThreshold(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.threshold = d
}

// Touch records activity for the user at the current time.
func (t *Tracker) Touch(userID string) {
	t.TouchAt(userID, time.Now())
}

// TouchAt records activity for the user at a specific time.
func (t *Tracker) TouchAt(userID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[userID] = at
}

// LastSeen returns the user's last recorded activity.
func (t *Tracker) LastSeen(userID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.lastSeen[userID]
	return ts, ok
}

// IsOnline reports whether the user was seen within the threshold.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.lastSeen[userID]
	return ok && time.Since(ts) < t.threshold
}

func blockKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Block records a block between two users. Blocks are symmetric for
// delivery purposes: messages fail in either direction.
func (t *Tracker) Block(userID, otherID string) {
	t.mu.Lock()
	t.blocks[blockKey(userID, otherID)] = struct{}{}
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Block",
		"user_id":  userID,
		"other_id": otherID,
	}).Info("Users blocked")
}

// Unblock removes the block between two users.
func (t *Tracker) Unblock(userID, otherID string) {
	t.mu.Lock()
	delete(t.blocks, blockKey(userID, otherID))
	t.mu.Unlock()
}

// IsBlocked reports whether a block exists between the two users.
func (t *Tracker) IsBlocked(userID, otherID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.blocks[blockKey(userID, otherID)]
	return ok
}

// SetConnected flags the local session as connected or offline.
func (t *Tracker) SetConnected(connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = connected
}

// Connected reports the local session's connectivity.
func (t *Tracker) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}
