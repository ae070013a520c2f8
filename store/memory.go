package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/model"
)

// MemoryStore is a mutex-guarded in-memory Store. It is the default
// for single-process sessions and for tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	byParticipant map[string]string // normalized participant key -> conversation id
	messages      map[string]*model.Message
	order         map[string][]string // conversation id -> message ids in creation order

	watcherMu sync.Mutex
	watchers  map[int]func(Change)
	nextWatch int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*model.Conversation),
		byParticipant: make(map[string]string),
		messages:      make(map[string]*model.Message),
		order:         make(map[string][]string),
		watchers:      make(map[int]func(Change)),
	}
}

func participantKey(normalized []string) string {
	return strings.Join(normalized, "|")
}

// CreateConversation creates a conversation for the participant set or
// returns the existing one.
func (s *MemoryStore) CreateConversation(participantIDs []string) (*model.Conversation, error) {
	normalized := model.NormalizeParticipants(participantIDs)
	if len(normalized) < 2 {
		return nil, ErrTooFewParticipants
	}

	key := participantKey(normalized)

	s.mu.Lock()
	if id, ok := s.byParticipant[key]; ok {
		conv := s.conversations[id].Clone()
		s.mu.Unlock()
		return conv, nil
	}

	now := time.Now()
	conv := &model.Conversation{
		ID:             "conversation_" + uuid.NewString(),
		ParticipantIDs: normalized,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.conversations[conv.ID] = conv
	s.byParticipant[key] = conv.ID
	out := conv.Clone()
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "CreateConversation",
		"conversation_id": conv.ID,
		"participants":    len(normalized),
	}).Info("Conversation created")

	s.notify(Change{Kind: ChangeConversation, ConversationID: conv.ID})
	return out, nil
}

// Conversation returns the conversation by id.
func (s *MemoryStore) Conversation(id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

// ConversationsForUser returns the user's conversations, most recently
// updated first.
func (s *MemoryStore) ConversationsForUser(userID string) ([]*model.Conversation, error) {
	s.mu.RLock()
	out := make([]*model.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.HasParticipant(userID) {
			out = append(out, conv.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// UpdateConversation applies mutate under the store lock.
func (s *MemoryStore) UpdateConversation(id string, mutate func(*model.Conversation)) (*model.Conversation, error) {
	s.mu.Lock()
	conv, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	mutate(conv)
	out := conv.Clone()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConversation, ConversationID: id})
	return out, nil
}

// DeleteConversation removes the conversation and its messages.
func (s *MemoryStore) DeleteConversation(id string) error {
	s.mu.Lock()
	conv, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.byParticipant, participantKey(conv.ParticipantIDs))
	delete(s.conversations, id)
	for _, msgID := range s.order[id] {
		delete(s.messages, msgID)
	}
	delete(s.order, id)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConversation, ConversationID: id})
	return nil
}

// AppendMessage persists the message and updates conversation bookkeeping.
func (s *MemoryStore) AppendMessage(msg *model.Message) error {
	s.mu.Lock()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	stored := msg.Clone()
	s.messages[stored.ID] = stored
	s.order[msg.ConversationID] = append(s.order[msg.ConversationID], stored.ID)
	applyAppendBookkeeping(conv, stored)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "AppendMessage",
		"conversation_id": msg.ConversationID,
		"message_id":      msg.ID,
		"attachments":     len(msg.Attachments),
	}).Debug("Message appended")

	s.notify(Change{Kind: ChangeMessage, ConversationID: msg.ConversationID, MessageID: msg.ID})
	return nil
}

// Message returns the message by id.
func (s *MemoryStore) Message(id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg.Clone(), nil
}

// MessagesByConversation returns the conversation's messages in
// creation order.
func (s *MemoryStore) MessagesByConversation(conversationID string) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order[conversationID]
	out := make([]*model.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := s.messages[id]; ok {
			out = append(out, msg.Clone())
		}
	}
	return out, nil
}

// UpdateMessage applies mutate under the store lock.
func (s *MemoryStore) UpdateMessage(id string, mutate func(*model.Message)) (*model.Message, error) {
	s.mu.Lock()
	msg, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	mutate(msg)
	if conv, ok := s.conversations[msg.ConversationID]; ok {
		conv.Touch(time.Now())
	}
	out := msg.Clone()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessage, ConversationID: out.ConversationID, MessageID: id})
	return out, nil
}

// DeleteMessage physically removes the message.
func (s *MemoryStore) DeleteMessage(id string) error {
	s.mu.Lock()
	msg, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	convID := msg.ConversationID
	delete(s.messages, id)
	ids := s.order[convID]
	for i, mid := range ids {
		if mid == id {
			s.order[convID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessage, ConversationID: convID, MessageID: id})
	return nil
}

// Watch registers a change hook; the returned func cancels it.
func (s *MemoryStore) Watch(fn func(Change)) func() {
	s.watcherMu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = fn
	s.watcherMu.Unlock()

	return func() {
		s.watcherMu.Lock()
		delete(s.watchers, id)
		s.watcherMu.Unlock()
	}
}

// Close releases the store. The in-memory store has nothing to release.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) notify(change Change) {
	s.watcherMu.Lock()
	fns := make([]func(Change), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.watcherMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}
