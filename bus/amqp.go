package bus

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// AMQPConfig configures the RabbitMQ-backed bus.
type AMQPConfig struct {
	URL           string
	Exchange      string
	RetryAttempts int
	RetryDelay    time.Duration
}

// maxDialBackoff caps the exponential backoff between dial attempts.
const maxDialBackoff = 60 * time.Second

// defaultExchange is used when the config names none.
const defaultExchange = "dmcore.events"

// AMQPBus is a Bus over a RabbitMQ topic exchange. Each subscription
// gets its own exclusive auto-deleted queue bound to the topic, so
// delivery stays best-effort per session: a closed session's queue
// disappears and events published meanwhile are lost, matching the
// in-memory semantics.
type AMQPBus struct {
	conn     *amqp.Connection
	exchange string

	mu     sync.Mutex
	closed bool
	subs   []func()
}

// DialAMQP connects with exponential backoff and declares the topic
// exchange.
func DialAMQP(ctx context.Context, cfg AMQPConfig) (*AMQPBus, error) {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Exchange == "" {
		cfg.Exchange = defaultExchange
	}

	var conn *amqp.Connection
	var lastErr error
	for i := 1; i <= cfg.RetryAttempts; i++ {
		c, err := amqp.Dial(cfg.URL)
		if err == nil {
			conn = c
			break
		}
		lastErr = err

		sleep := cfg.RetryDelay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialBackoff {
			sleep = maxDialBackoff
		}
		logrus.WithFields(logrus.Fields{
			"function": "DialAMQP",
			"attempt":  i,
			"sleep":    sleep,
			"error":    err.Error(),
		}).Warn("AMQP dial failed")

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if conn == nil {
		return nil, fmt.Errorf("failed to connect to AMQP after %d attempts: %w", cfg.RetryAttempts, lastErr)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}

	return &AMQPBus{conn: conn, exchange: cfg.Exchange}, nil
}

// Publish routes payload through the topic exchange.
func (b *AMQPBus) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = ch.PublishWithContext(ctx, b.exchange, topic, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        payload,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Publish",
			"topic":    topic,
			"error":    err.Error(),
		}).Error("AMQP publish failed")
	}
	return err
}

// Subscribe binds an exclusive queue to topic and runs handler on each
// delivery. Deliveries are transient; there is no redelivery for
// sessions that were absent at publish time.
func (b *AMQPBus) Subscribe(topic string, handler Handler) func() {
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() { close(done) })
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, cancel)
	b.mu.Unlock()

	ch, err := b.conn.Channel()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Subscribe",
			"topic":    topic,
			"error":    err.Error(),
		}).Error("AMQP channel open failed")
		return cancel
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err == nil {
		err = ch.QueueBind(q.Name, topic, b.exchange, false, nil)
	}
	var deliveries <-chan amqp.Delivery
	if err == nil {
		deliveries, err = ch.Consume(q.Name, "", true, true, false, false, nil)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Subscribe",
			"topic":    topic,
			"error":    err.Error(),
		}).Error("AMQP subscription setup failed")
		_ = ch.Close()
		return cancel
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-done:
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				handler(topic, d.Body)
			}
		}
	}()

	return cancel
}

// Close tears down every subscription and the connection.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
	return b.conn.Close()
}
