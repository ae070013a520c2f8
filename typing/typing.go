// Package typing implements the cross-session typing-indicator
// protocol: TTL-bound entries keyed by (conversation, user), renewed on
// composer input, expired by per-key timers, and synchronized across
// sessions over the broadcast bus.
//
// State here is ephemeral by design. Nothing is persisted and a session
// that was closed simply misses events.
package typing

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/bus"
	"github.com/opd-ai/dmcore/limits"
)

// Event is the bus payload for typing state changes.
type Event struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Clear          bool      `json:"clear,omitempty"`
}

// Manager owns the local typing map and its per-key timer registry.
// Registering a new timer for an existing (conversation, user) key
// always supersedes the prior one, so an earlier keystroke can never
// expire a renewed entry prematurely.
type Manager struct {
	selfID string
	ttl    time.Duration
	bus    bus.Bus

	mu      sync.Mutex
	entries map[string]map[string]time.Time // conversation -> user -> expiry
	timers  map[string]*time.Timer          // conversation + "/" + user
	closed  bool

	onChange    func(conversationID string)
	unsubscribe func()
}

// NewManager creates a Manager for the local user and subscribes it to
// the typing topic. ttl <= 0 falls back to the default TTL.
func NewManager(b bus.Bus, selfID string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = limits.TypingTTL
	}
	m := &Manager{
		selfID:  selfID,
		ttl:     ttl,
		bus:     b,
		entries: make(map[string]map[string]time.Time),
		timers:  make(map[string]*time.Timer),
	}
	m.unsubscribe = b.Subscribe(bus.TopicTyping, m.handle)
	return m
}

// OnChange sets a callback invoked with the conversation id whenever
// its typing set changes.
func (m *Manager) OnChange(fn func(conversationID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func timerKey(conversationID, userID string) string {
	return conversationID + "/" + userID
}

// Input processes a composer input event for the local user. Non-empty
// trimmed content registers (or renews) the local entry and publishes
// it; empty content clears.
func (m *Manager) Input(conversationID, content string) {
	if strings.TrimSpace(content) == "" {
		m.Clear(conversationID)
		return
	}

	expiry := time.Now().Add(m.ttl)
	m.register(conversationID, m.selfID, expiry)
	m.publish(Event{ConversationID: conversationID, UserID: m.selfID, ExpiresAt: expiry})
}

// Clear removes the local user's entry for the conversation and
// publishes an explicit clear event so other sessions drop it without
// waiting for TTL expiry. Clearing an absent entry is a no-op.
func (m *Manager) Clear(conversationID string) {
	if m.remove(conversationID, m.selfID) {
		m.publish(Event{ConversationID: conversationID, UserID: m.selfID, Clear: true})
	}
}

// Typists returns the users currently typing in the conversation.
func (m *Manager) Typists(conversationID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := m.entries[conversationID]
	out := make([]string, 0, len(users))
	now := time.Now()
	for id, expiry := range users {
		if expiry.After(now) {
			out = append(out, id)
		}
	}
	return out
}

// Prune drops typing entries for conversations no longer known to the
// client.
func (m *Manager) Prune(knownConversationIDs []string) {
	known := make(map[string]struct{}, len(knownConversationIDs))
	for _, id := range knownConversationIDs {
		known[id] = struct{}{}
	}

	m.mu.Lock()
	for convID, users := range m.entries {
		if _, ok := known[convID]; ok {
			continue
		}
		for userID := range users {
			key := timerKey(convID, userID)
			if t, ok := m.timers[key]; ok {
				t.Stop()
				delete(m.timers, key)
			}
		}
		delete(m.entries, convID)
	}
	m.mu.Unlock()
}

// Close cancels every timer and the bus subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = make(map[string]*time.Timer)
	m.entries = make(map[string]map[string]time.Time)
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// handle merges typing events from other sessions.
func (m *Manager) handle(_ string, payload []byte) {
	var ev Event
	if _, err := bus.Unwrap(payload, &ev); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handle",
			"error":    err.Error(),
		}).Warn("Dropping undecodable typing event")
		return
	}
	if ev.UserID == m.selfID {
		return
	}
	if ev.Clear {
		m.remove(ev.ConversationID, ev.UserID)
		return
	}
	m.register(ev.ConversationID, ev.UserID, ev.ExpiresAt)
}

// register stores the entry and (re)arms its expiry timer, superseding
// any timer already keyed for the pair.
func (m *Manager) register(conversationID, userID string, expiry time.Time) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.entries[conversationID] == nil {
		m.entries[conversationID] = make(map[string]time.Time)
	}
	m.entries[conversationID][userID] = expiry

	key := timerKey(conversationID, userID)
	if t, ok := m.timers[key]; ok {
		t.Stop()
	}
	delay := time.Until(expiry)
	if delay < 0 {
		delay = 0
	}
	m.timers[key] = time.AfterFunc(delay, func() {
		m.expire(conversationID, userID, expiry)
	})
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn(conversationID)
	}
}

// expire removes the entry when its timer fires, unless it was renewed
// to a later expiry in the meantime.
func (m *Manager) expire(conversationID, userID string, expiry time.Time) {
	m.mu.Lock()
	users := m.entries[conversationID]
	current, ok := users[userID]
	if !ok || current.After(expiry) {
		// Renewed or already cleared; this timer is stale.
		m.mu.Unlock()
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(m.entries, conversationID)
	}
	delete(m.timers, timerKey(conversationID, userID))
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn(conversationID)
	}
}

// remove deletes the entry and cancels its timer. Returns whether an
// entry existed.
func (m *Manager) remove(conversationID, userID string) bool {
	m.mu.Lock()
	users := m.entries[conversationID]
	_, existed := users[userID]
	if existed {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.entries, conversationID)
		}
	}
	key := timerKey(conversationID, userID)
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
	}
	fn := m.onChange
	m.mu.Unlock()

	if existed && fn != nil {
		fn(conversationID)
	}
	return existed
}

// publish wraps and sends the event; publish failures are logged and
// dropped, matching best-effort bus semantics.
func (m *Manager) publish(ev Event) {
	data, err := bus.Wrap(bus.TopicTyping, ev)
	if err != nil {
		return
	}
	if err := m.bus.Publish(bus.TopicTyping, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "publish",
			"conversation_id": ev.ConversationID,
			"error":           err.Error(),
		}).Warn("Typing event publish failed")
	}
}
