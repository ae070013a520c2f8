// Package bus provides the broadcast/pub-sub boundary used to
// synchronize ephemeral state (typing, store-change hints) across
// independent client sessions.
//
// Delivery is best effort and unordered across sessions; events
// published while a subscriber is absent are lost. The in-memory bus
// serves single-process use and tests, the AMQP bus serves real
// multi-session deployments over a topic exchange.
package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Topics used by the messaging core.
const (
	// TopicTyping carries typing indicator events.
	TopicTyping = "dm.typing"
	// TopicMessage carries hints that a message was written; sessions
	// re-read the store for the named conversation.
	TopicMessage = "dm.message"
	// TopicConversation carries hints that a conversation was created
	// or its metadata changed.
	TopicConversation = "dm.conversation"
)

// Handler receives a raw payload published on a topic.
type Handler func(topic string, payload []byte)

// Bus is a generic topic-based publish/subscribe boundary.
type Bus interface {
	// Publish sends payload to every current subscriber of topic.
	Publish(topic string, payload []byte) error
	// Subscribe registers handler for topic; the returned func cancels
	// the subscription.
	Subscribe(topic string, handler Handler) (cancel func())
	Close() error
}

// Envelope wraps every payload published by the core so consumers can
// de-duplicate and trace events.
type Envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	EmittedAt time.Time       `json:"emittedAt"`
	Payload   json.RawMessage `json:"payload"`
}

// Wrap marshals payload into a new Envelope with a fresh event id.
func Wrap(topic string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		ID:        uuid.NewString(),
		Topic:     topic,
		EmittedAt: time.Now(),
		Payload:   raw,
	})
}

// Unwrap decodes an Envelope and its inner payload.
func Unwrap(data []byte, payload interface{}) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if payload != nil {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return nil, err
		}
	}
	return &env, nil
}
