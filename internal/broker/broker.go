// Package broker abstracts the message transport behind a small pub/sub
// interface so workers and the publisher do not depend on Kafka directly.
package broker

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy. Implementations wrap transport failures in one of these so
// callers can branch with errors.Is.
var (
	// ErrBroker is the root of the taxonomy; every broker failure matches it.
	ErrBroker = errors.New("broker error")
	// ErrConnection marks connectivity failures (dial, auth, broker down).
	ErrConnection = errors.New("broker connection error")
	// ErrPublish marks delivery failures after internal retries.
	ErrPublish = errors.New("broker publish error")
	// ErrSubscribe marks consume-side failures.
	ErrSubscribe = errors.New("broker subscribe error")
)

// Message is a single consumed record.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64
	Time      time.Time

	// Ack marks the message fully processed so its offset can be committed.
	// Handlers that dispatch work asynchronously call it when that work
	// completes, not when the handler returns; commits only advance past an
	// offset once every earlier message in the partition is acked. Nil for
	// transports without offsets.
	Ack func(ctx context.Context) error
}

// Handler receives consumed messages. A non-nil error leaves the message
// unacked so the broker redelivers it; implementations that manage their own
// retries should absorb errors, return nil, and ack once the message is
// dealt with.
type Handler func(ctx context.Context, msg Message) error

// Health describes broker connectivity for the health surface.
type Health struct {
	Status    string            `json:"status"`
	Connected bool              `json:"connected"`
	Details   map[string]string `json:"details,omitempty"`
}

// Broker is the pluggable transport contract.
type Broker interface {
	// Publish delivers value to topic under the given partition key. It
	// retries transient failures with exponential backoff and fails fast on
	// permanent ones.
	Publish(ctx context.Context, topic, key string, value []byte) error

	// Subscribe runs a blocking consume loop over the topics as part of the
	// consumer group. Handler errors are logged without killing the loop.
	// It returns when the context is cancelled.
	Subscribe(ctx context.Context, topics []string, groupID string, handler Handler) error

	// Health reports connectivity.
	Health(ctx context.Context) Health

	// Close tears the transport down. Safe to call more than once.
	Close() error
}
