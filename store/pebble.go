package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/model"
)

// Key layout:
//
//	conv:<conversationID>                         conversation JSON
//	party:<normalized participant key>            conversation id
//	thread:<conversationID>:msg:<ns>-<seq>        message JSON, sortable by creation
//	msgid:<messageID>                             thread key of the message
const (
	convPrefix   = "conv:"
	partyPrefix  = "party:"
	threadPrefix = "thread:"
	msgIDPrefix  = "msgid:"
)

// PebbleStore is a durable Store on top of a Pebble database. Message
// keys carry a nanosecond timestamp plus a process-local sequence so
// iteration order is creation order even when timestamps collide.
type PebbleStore struct {
	db  *pebble.DB
	mu  sync.Mutex // serializes read-modify-write cycles
	seq uint64

	watcherMu sync.Mutex
	watchers  map[int]func(Change)
	nextWatch int
}

// OpenPebble opens (or creates) a Pebble database at path.
func OpenPebble(path string) (*PebbleStore, error) {
	logrus.WithFields(logrus.Fields{
		"function": "OpenPebble",
		"path":     path,
	}).Info("Opening pebble store")

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble store: %w", err)
	}
	return &PebbleStore{
		db:       db,
		watchers: make(map[int]func(Change)),
	}, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) get(key string) ([]byte, error) {
	value, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out := append([]byte(nil), value...)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PebbleStore) setJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}
	return s.db.Set([]byte(key), data, pebble.Sync)
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
func prefixUpperBound(prefix string) []byte {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return b[:i+1]
		}
	}
	return nil
}

// CreateConversation creates a conversation for the participant set or
// returns the existing one.
func (s *PebbleStore) CreateConversation(participantIDs []string) (*model.Conversation, error) {
	normalized := model.NormalizeParticipants(participantIDs)
	if len(normalized) < 2 {
		return nil, ErrTooFewParticipants
	}
	key := participantKey(normalized)

	s.mu.Lock()
	if idBytes, err := s.get(partyPrefix + key); err == nil {
		data, err := s.get(convPrefix + string(idBytes))
		if err == nil {
			var conv model.Conversation
			if err := json.Unmarshal(data, &conv); err == nil {
				s.mu.Unlock()
				return &conv, nil
			}
		}
	}

	now := time.Now()
	conv := &model.Conversation{
		ID:             "conversation_" + uuid.NewString(),
		ParticipantIDs: normalized,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.setJSON(convPrefix+conv.ID, conv); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.db.Set([]byte(partyPrefix+key), []byte(conv.ID), pebble.Sync); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConversation, ConversationID: conv.ID})
	return conv.Clone(), nil
}

// Conversation returns the conversation by id.
func (s *PebbleStore) Conversation(id string) (*model.Conversation, error) {
	data, err := s.get(convPrefix + id)
	if err != nil {
		return nil, err
	}
	var conv model.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decoding conversation %s: %w", id, err)
	}
	return &conv, nil
}

// ConversationsForUser scans the conversation namespace and filters by
// membership, most recently updated first.
func (s *PebbleStore) ConversationsForUser(userID string) ([]*model.Conversation, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(convPrefix),
		UpperBound: prefixUpperBound(convPrefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]*model.Conversation, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		var conv model.Conversation
		if err := json.Unmarshal(iter.Value(), &conv); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ConversationsForUser",
				"key":      string(iter.Key()),
				"error":    err.Error(),
			}).Warn("Skipping undecodable conversation record")
			continue
		}
		if conv.HasParticipant(userID) {
			c := conv
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// UpdateConversation applies mutate in a serialized read-modify-write.
func (s *PebbleStore) UpdateConversation(id string, mutate func(*model.Conversation)) (*model.Conversation, error) {
	s.mu.Lock()
	conv, err := s.Conversation(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	mutate(conv)
	if err := s.setJSON(convPrefix+id, conv); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConversation, ConversationID: id})
	return conv.Clone(), nil
}

// DeleteConversation removes the conversation, its participant index,
// and its whole message range.
func (s *PebbleStore) DeleteConversation(id string) error {
	s.mu.Lock()
	conv, err := s.Conversation(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	// Drop msgid index entries before the range delete.
	msgs, err := s.MessagesByConversation(id)
	if err == nil {
		for _, msg := range msgs {
			_ = s.db.Delete([]byte(msgIDPrefix+msg.ID), pebble.Sync)
		}
	}

	lower := []byte(threadPrefix + id + ":")
	if err := s.db.DeleteRange(lower, prefixUpperBound(string(lower)), pebble.Sync); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.db.Delete([]byte(partyPrefix+participantKey(conv.ParticipantIDs)), pebble.Sync); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.db.Delete([]byte(convPrefix+id), pebble.Sync); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConversation, ConversationID: id})
	return nil
}

// AppendMessage persists the message under a sortable thread key,
// indexes it by id, and updates conversation bookkeeping.
func (s *PebbleStore) AppendMessage(msg *model.Message) error {
	s.mu.Lock()
	conv, err := s.Conversation(msg.ConversationID)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	ts := time.Now().UTC().UnixNano()
	n := atomic.AddUint64(&s.seq, 1)
	threadKey := fmt.Sprintf("%s%s:msg:%020d-%06d", threadPrefix, msg.ConversationID, ts, n)

	if err := s.setJSON(threadKey, msg); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.db.Set([]byte(msgIDPrefix+msg.ID), []byte(threadKey), pebble.Sync); err != nil {
		s.mu.Unlock()
		return err
	}

	applyAppendBookkeeping(conv, msg)
	if err := s.setJSON(convPrefix+conv.ID, conv); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "AppendMessage",
		"conversation_id": msg.ConversationID,
		"message_id":      msg.ID,
		"key":             threadKey,
	}).Debug("Message appended")

	s.notify(Change{Kind: ChangeMessage, ConversationID: msg.ConversationID, MessageID: msg.ID})
	return nil
}

func (s *PebbleStore) messageKey(id string) (string, error) {
	key, err := s.get(msgIDPrefix + id)
	if err != nil {
		return "", err
	}
	return string(key), nil
}

// Message returns the message by id via the msgid index.
func (s *PebbleStore) Message(id string) (*model.Message, error) {
	key, err := s.messageKey(id)
	if err != nil {
		return nil, err
	}
	data, err := s.get(key)
	if err != nil {
		return nil, err
	}
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message %s: %w", id, err)
	}
	return &msg, nil
}

// MessagesByConversation iterates the conversation's thread range in
// key order, which is creation order.
func (s *PebbleStore) MessagesByConversation(conversationID string) ([]*model.Message, error) {
	lower := threadPrefix + conversationID + ":"
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(lower),
		UpperBound: prefixUpperBound(lower),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]*model.Message, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		var msg model.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "MessagesByConversation",
				"key":      string(iter.Key()),
				"error":    err.Error(),
			}).Warn("Skipping undecodable message record")
			continue
		}
		m := msg
		out = append(out, &m)
	}
	return out, nil
}

// UpdateMessage applies mutate in a serialized read-modify-write.
func (s *PebbleStore) UpdateMessage(id string, mutate func(*model.Message)) (*model.Message, error) {
	s.mu.Lock()
	key, err := s.messageKey(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	data, err := s.get(key)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("decoding message %s: %w", id, err)
	}
	mutate(&msg)
	if err := s.setJSON(key, &msg); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if conv, err := s.Conversation(msg.ConversationID); err == nil {
		conv.Touch(time.Now())
		_ = s.setJSON(convPrefix+conv.ID, conv)
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessage, ConversationID: msg.ConversationID, MessageID: id})
	return msg.Clone(), nil
}

// DeleteMessage removes the message and its index entry.
func (s *PebbleStore) DeleteMessage(id string) error {
	s.mu.Lock()
	key, err := s.messageKey(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	data, err := s.get(key)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("decoding message %s: %w", id, err)
	}
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.db.Delete([]byte(msgIDPrefix+id), pebble.Sync); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessage, ConversationID: msg.ConversationID, MessageID: id})
	return nil
}

// Watch registers a change hook; the returned func cancels it.
func (s *PebbleStore) Watch(fn func(Change)) func() {
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

func (s *PebbleStore) notify(change Change) {
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
