package broker

import (
	"context"
	"log"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker for unit tests and local development.
// Messages are kept per topic in publish order, which matches the ordering
// a keyed Kafka partition would provide for a single (tenant, exception).
type MemoryBroker struct {
	mu       sync.Mutex
	topics   map[string][]Message
	watchers map[string][]chan Message
	closed   bool
	logger   *log.Logger

	// PublishErr, when set, is returned by Publish. Tests use it to force
	// the store-then-publish failure path.
	PublishErr error
}

// NewMemoryBroker constructs an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		topics:   make(map[string][]Message),
		watchers: make(map[string][]chan Message),
		logger:   log.New(log.Writer(), "[membroker] ", log.LstdFlags),
	}
}

// Publish appends the message to the topic and fans it out to subscribers.
func (b *MemoryBroker) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrConnection
	}
	if b.PublishErr != nil {
		err := b.PublishErr
		b.mu.Unlock()
		return err
	}

	msg := Message{
		Topic:     topic,
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Offset:    int64(len(b.topics[topic])),
		Time:      time.Now().UTC(),
	}
	b.topics[topic] = append(b.topics[topic], msg)
	watchers := append([]chan Message(nil), b.watchers[topic]...)
	b.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe delivers any buffered messages for the topics, then blocks on new
// ones until the context is cancelled. Handler errors are logged; redelivery
// is left to the caller's retry path.
func (b *MemoryBroker) Subscribe(ctx context.Context, topics []string, groupID string, handler Handler) error {
	ch := make(chan Message, 128)

	b.mu.Lock()
	backlog := make([]Message, 0)
	for _, topic := range topics {
		backlog = append(backlog, b.topics[topic]...)
		b.watchers[topic] = append(b.watchers[topic], ch)
	}
	b.mu.Unlock()

	for _, msg := range backlog {
		if err := handler(ctx, msg); err != nil {
			b.logger.Printf("handler error (topic=%s, offset=%d): %v", msg.Topic, msg.Offset, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			if err := handler(ctx, msg); err != nil {
				b.logger.Printf("handler error (topic=%s, offset=%d): %v", msg.Topic, msg.Offset, err)
			}
		}
	}
}

// Messages returns a copy of everything published to the topic.
func (b *MemoryBroker) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.topics[topic]...)
}

// Health reports ok unless the broker was closed.
func (b *MemoryBroker) Health(ctx context.Context) Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Health{Status: "closed", Connected: false}
	}
	return Health{Status: "ok", Connected: true}
}

// Close marks the broker closed. Idempotent.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
