// Package publisher implements the store-then-publish contract: every event
// is appended to the event log before it reaches the broker, giving
// at-least-once delivery with the log as the authoritative audit trail.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"example.com/exceptions/internal/broker"
	"example.com/exceptions/internal/event"
	"example.com/exceptions/internal/observability"
	"example.com/exceptions/internal/persistence"
	"example.com/exceptions/internal/ratelimit"
)

// ErrPublishFailed is returned for any publish that did not reach the
// broker. When the event store write succeeded first, the event is retained
// for reconciliation.
var ErrPublishFailed = errors.New("publish failed")

// ErrRateLimited marks publishes denied by the tenant rate limiter. It always
// wraps ErrPublishFailed.
var ErrRateLimited = errors.New("tenant rate limited")

// Publisher validates, persists, throttles, and delivers canonical events.
type Publisher struct {
	store    persistence.EventStore
	broker   broker.Broker
	limiter  *ratelimit.TenantLimiter
	strategy broker.TopicStrategy
	logger   *log.Logger
}

// Option configures optional publisher behaviour.
type Option func(*Publisher)

// WithRateLimiter enables per-tenant throttling.
func WithRateLimiter(limiter *ratelimit.TenantLimiter) Option {
	return func(p *Publisher) { p.limiter = limiter }
}

// WithTopicStrategy switches between shared and per-tenant topics.
func WithTopicStrategy(strategy broker.TopicStrategy) Option {
	return func(p *Publisher) { p.strategy = strategy }
}

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// New constructs a Publisher.
func New(store persistence.EventStore, b broker.Broker, opts ...Option) *Publisher {
	p := &Publisher{
		store:    store,
		broker:   b,
		strategy: broker.StrategyShared,
		logger:   log.New(log.Writer(), "[publisher] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishOption adjusts a single publish call.
type PublishOption func(*publishSettings)

type publishSettings struct {
	partitionKey string
	bypassLimit  bool
}

// WithPartitionKey overrides the derived partition key.
func WithPartitionKey(key string) PublishOption {
	return func(s *publishSettings) { s.partitionKey = key }
}

// Publish normalizes and validates the event, checks the tenant's rate
// limit, persists the event, and hands it to the broker. Events for the same
// (tenant, exception) land on the same partition and therefore reach
// consumers in publish order.
func (p *Publisher) Publish(ctx context.Context, topic string, evt event.Event, opts ...PublishOption) error {
	var settings publishSettings
	for _, opt := range opts {
		opt(&settings)
	}
	return p.publish(ctx, topic, evt, settings)
}

func (p *Publisher) publish(ctx context.Context, topic string, evt event.Event, settings publishSettings) error {
	evt = normalize(evt)
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	if p.limiter != nil && !settings.bypassLimit {
		if allowed, wait := p.limiter.Allow(evt.TenantID, 1); !allowed {
			p.emitBackpressure(ctx, evt, topic, wait)
			recordThrottled(topic)
			return fmt.Errorf("%w: %w: tenant %s, retry in %s", ErrPublishFailed, ErrRateLimited, evt.TenantID, wait)
		}
	}

	key := settings.partitionKey
	if key == "" {
		key = event.PartitionKey(evt.TenantID, evt.ExceptionID)
	}

	// Persist first. ExceptionIngested is stored without an exception id;
	// the intake worker assigns the business id later.
	stored := evt
	if evt.EventType == event.TypeExceptionIngested {
		stored = evt.Clone()
		stored.ExceptionID = ""
	}
	if err := p.store.Store(ctx, stored); err != nil {
		recordStoreFailure(topic)
		return fmt.Errorf("%w: event store write: %v", ErrPublishFailed, err)
	}

	value, err := event.Encode(evt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	physicalTopic := p.strategy.TopicFor(topic, evt.TenantID)
	if err := p.broker.Publish(ctx, physicalTopic, key, value); err != nil {
		// The event stays in the store; reconciliation can replay it.
		recordPublishFailure(topic)
		p.logger.Printf("broker publish failed, event retained in store (%s topic=%s): %v",
			observability.EventFields(evt), physicalTopic, err)
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	recordPublished(topic, evt.EventType)
	return nil
}

// emitBackpressure publishes a BackpressureDetected control event on the
// dedicated topic, bypassing the rate limiter to avoid recursion. Failures
// are logged only; the caller still gets the rate-limit error.
func (p *Publisher) emitBackpressure(ctx context.Context, evt event.Event, topic string, wait time.Duration) {
	payload := map[string]any{
		"reason":        "rate_limited",
		"topic":         topic,
		"event_type":    evt.EventType,
		"wait_seconds":  wait.Seconds(),
		"source_event":  evt.EventID,
	}
	bp, err := event.New(event.TypeBackpressureDetected, evt.TenantID, payload,
		event.WithCorrelationID(evt.CorrelationID),
	)
	if err != nil {
		p.logger.Printf("building backpressure event: %v", err)
		return
	}

	if err := p.publish(ctx, broker.TopicBackpressure, bp, publishSettings{bypassLimit: true}); err != nil {
		p.logger.Printf("emitting backpressure event (%s): %v", observability.EventFields(bp), err)
	}
}

// normalize fills the defaults the factory would have applied, so events
// assembled by hand or deserialized from API requests are still well formed.
func normalize(evt event.Event) event.Event {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Timestamp = evt.Timestamp.UTC()
	if evt.Version == 0 {
		evt.Version = event.SupportedVersion
	}
	if evt.CorrelationID == "" {
		if evt.ExceptionID != "" {
			evt.CorrelationID = evt.ExceptionID
		} else {
			evt.CorrelationID = evt.EventID
		}
	}
	if evt.Metadata == nil {
		evt.Metadata = make(map[string]any)
	}
	if _, ok := evt.Metadata["correlation_id"]; !ok {
		evt.Metadata["correlation_id"] = evt.CorrelationID
	}
	return evt
}
