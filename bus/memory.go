package bus

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrClosed indicates a publish on a closed bus.
var ErrClosed = errors.New("bus closed")

// MemoryBus fans payloads out to subscribers in-process. Each delivery
// runs on its own goroutine, so ordering across subscribers is not
// guaranteed, matching the contract of real cross-session transports.
type MemoryBus struct {
	mu       sync.Mutex
	closed   bool
	nextID   int
	handlers map[string]map[int]Handler
	wg       sync.WaitGroup
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		handlers: make(map[string]map[int]Handler),
	}
}

// Publish delivers payload to every subscriber of topic.
func (b *MemoryBus) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	targets := make([]Handler, 0, len(b.handlers[topic]))
	for _, h := range b.handlers[topic] {
		targets = append(targets, h)
	}
	b.wg.Add(len(targets))
	b.mu.Unlock()

	data := append([]byte(nil), payload...)
	for _, h := range targets {
		h := h
		go func() {
			defer b.wg.Done()
			h(topic, data)
		}()
	}
	return nil
}

// Subscribe registers handler for topic.
func (b *MemoryBus) Subscribe(topic string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[topic][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[topic], id)
	}
}

// Close drops all subscriptions and waits for in-flight deliveries.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.handlers = make(map[string]map[int]Handler)
	b.mu.Unlock()

	b.wg.Wait()
	logrus.WithField("function", "Close").Debug("Memory bus closed")
	return nil
}
