package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig tunes the Kafka-backed broker.
type KafkaConfig struct {
	Brokers        []string
	Security       SecuritySettings
	PublishTimeout time.Duration // per-attempt write deadline
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRetries     uint64
}

func (c *KafkaConfig) applyDefaults() {
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
}

// KafkaBroker implements Broker over segmentio/kafka-go. One writer is kept
// per topic; readers are created per Subscribe call and owned by the loop
// that uses them.
type KafkaBroker struct {
	cfg    KafkaConfig
	logger *log.Logger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	closed  bool
}

// KafkaOption configures optional broker behaviour.
type KafkaOption func(*KafkaBroker)

// WithKafkaLogger overrides the broker logger.
func WithKafkaLogger(logger *log.Logger) KafkaOption {
	return func(b *KafkaBroker) { b.logger = logger }
}

// NewKafkaBroker constructs a KafkaBroker.
func NewKafkaBroker(cfg KafkaConfig, opts ...KafkaOption) (*KafkaBroker, error) {
	cfg.applyDefaults()
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no bootstrap brokers configured", ErrConnection)
	}
	if _, err := cfg.Security.tlsConfig(); err != nil {
		return nil, err
	}
	if _, err := cfg.Security.saslMechanism(); err != nil {
		return nil, err
	}

	b := &KafkaBroker{
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[broker] ", log.LstdFlags|log.Lshortfile),
		writers: make(map[string]*kafka.Writer),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Publish writes the value to the topic keyed by the partition key, retrying
// transient failures with exponential backoff starting at 100ms.
func (b *KafkaBroker) Publish(ctx context.Context, topic, key string, value []byte) error {
	writer, err := b.writerForTopic(topic)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now().UTC(),
	}

	attempt := func() error {
		writeCtx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
		defer cancel()

		if err := writer.WriteMessages(writeCtx, msg); err != nil {
			if isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = b.cfg.InitialBackoff
	schedule.MaxInterval = b.cfg.MaxBackoff
	schedule.Multiplier = 2

	err = backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(schedule, b.cfg.MaxRetries), ctx))
	if err != nil {
		return fmt.Errorf("%w: topic=%s: %v", ErrPublish, topic, err)
	}
	return nil
}

// Subscribe consumes the topics as part of groupID until the context is
// cancelled. Each topic gets its own reader and loop.
func (b *KafkaBroker) Subscribe(ctx context.Context, topics []string, groupID string, handler Handler) error {
	if len(topics) == 0 {
		return fmt.Errorf("%w: no topics to subscribe", ErrSubscribe)
	}

	tlsCfg, err := b.cfg.Security.tlsConfig()
	if err != nil {
		return err
	}
	mechanism, err := b.cfg.Security.saslMechanism()
	if err != nil {
		return err
	}

	dialer := &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           tlsCfg,
		SASLMechanism: mechanism,
	}

	var wg sync.WaitGroup
	for _, topic := range topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:         b.cfg.Brokers,
			GroupID:         groupID,
			Topic:           topic,
			Dialer:          dialer,
			MinBytes:        1e3,
			MaxBytes:        10e6,
			CommitInterval:  0, // explicit commits only
			ReadLagInterval: -1,
		})

		wg.Add(1)
		go func(topic string, r *kafka.Reader) {
			defer wg.Done()
			defer r.Close()
			b.consumeLoop(ctx, topic, r, handler)
		}(topic, reader)
	}

	wg.Wait()
	return ctx.Err()
}

func (b *KafkaBroker) consumeLoop(ctx context.Context, topic string, reader *kafka.Reader, handler Handler) {
	tracker := newCommitTracker(func(ctx context.Context, msg kafka.Message) error {
		return reader.CommitMessages(ctx, msg)
	})

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			b.logger.Printf("fetch error (topic=%s): %v", topic, err)
			continue
		}

		tracker.track(msg)
		m := msg
		handleErr := handler(ctx, Message{
			Topic:     msg.Topic,
			Key:       msg.Key,
			Value:     msg.Value,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Time:      msg.Time,
			Ack: func(ctx context.Context) error {
				return tracker.ack(ctx, m)
			},
		})
		if handleErr != nil {
			// Unacked: the tracker holds the commit watermark below this
			// offset until a restart redelivers it.
			b.logger.Printf("handler error (topic=%s, partition=%d, offset=%d): %v", msg.Topic, msg.Partition, msg.Offset, handleErr)
		}
	}
}

// commitTracker serialises offset commits for one reader. Kafka commits are
// cumulative per partition, so an offset may only be committed once every
// earlier fetched message in that partition is acked; acks arriving out of
// order advance the watermark to the end of the contiguous acked prefix.
type commitTracker struct {
	mu     sync.Mutex
	commit func(ctx context.Context, msg kafka.Message) error
	parts  map[int]*partitionWindow
}

type partitionWindow struct {
	pending []kafka.Message // fetch order
	acked   map[int64]bool
}

func newCommitTracker(commit func(ctx context.Context, msg kafka.Message) error) *commitTracker {
	return &commitTracker{commit: commit, parts: make(map[int]*partitionWindow)}
}

// track registers a fetched message before it is handed to the handler.
func (t *commitTracker) track(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.parts[msg.Partition]
	if w == nil {
		w = &partitionWindow{acked: make(map[int64]bool)}
		t.parts[msg.Partition] = w
	}
	w.pending = append(w.pending, msg)
}

// ack marks the message processed and commits the highest offset whose
// predecessors are all acked, if that moved.
func (t *commitTracker) ack(ctx context.Context, msg kafka.Message) error {
	t.mu.Lock()
	w := t.parts[msg.Partition]
	if w == nil {
		t.mu.Unlock()
		return nil
	}
	w.acked[msg.Offset] = true

	var ready *kafka.Message
	for len(w.pending) > 0 && w.acked[w.pending[0].Offset] {
		head := w.pending[0]
		delete(w.acked, head.Offset)
		w.pending = w.pending[1:]
		ready = &head
	}
	t.mu.Unlock()

	if ready == nil {
		return nil
	}
	return t.commit(ctx, *ready)
}

// Health dials the first reachable bootstrap broker.
func (b *KafkaBroker) Health(ctx context.Context) Health {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return Health{Status: "closed", Connected: false}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for _, addr := range b.cfg.Brokers {
		conn, err := kafka.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			continue
		}
		conn.Close()
		return Health{
			Status:    "ok",
			Connected: true,
			Details:   map[string]string{"bootstrap": addr},
		}
	}
	return Health{
		Status:    "unreachable",
		Connected: false,
		Details:   map[string]string{"brokers": fmt.Sprint(b.cfg.Brokers)},
	}
}

// Close releases all writers. Idempotent.
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	for topic, writer := range b.writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.writers, topic)
	}
	return firstErr
}

func (b *KafkaBroker) writerForTopic(topic string) (*kafka.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("%w: broker is closed", ErrConnection)
	}
	if writer, ok := b.writers[topic]; ok {
		return writer, nil
	}

	tlsCfg, err := b.cfg.Security.tlsConfig()
	if err != nil {
		return nil, err
	}
	mechanism, err := b.cfg.Security.saslMechanism()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(b.cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
		Transport: &kafka.Transport{
			TLS:  tlsCfg,
			SASL: mechanism,
		},
	}
	b.writers[topic] = writer
	return writer, nil
}

// isTransient classifies failures worth retrying: broker-reported temporary
// errors, timeouts, and plain connectivity blips.
func isTransient(err error) bool {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary()
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
