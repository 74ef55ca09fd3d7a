package publisher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/exceptions/internal/broker"
	"example.com/exceptions/internal/event"
	"example.com/exceptions/internal/persistence/memory"
	"example.com/exceptions/internal/ratelimit"
)

func testEvent(t *testing.T, eventType string) event.Event {
	t.Helper()
	evt, err := event.New(eventType, "tenant-a",
		map[string]any{"k": "v"}, event.WithExceptionID("exc-1"))
	require.NoError(t, err)
	return evt
}

func TestPublishStoresBeforeBroker(t *testing.T) {
	store := memory.NewEventStore()
	b := broker.NewMemoryBroker()
	p := New(store, b)

	ctx := context.Background()
	evt := testEvent(t, event.TypeTriageCompleted)

	require.NoError(t, p.Publish(ctx, broker.TopicExceptions, evt))

	stored, err := store.Get(ctx, evt.EventID, "tenant-a")
	require.NoError(t, err)
	require.NotNil(t, stored)

	msgs := b.Messages(broker.TopicExceptions)
	require.Len(t, msgs, 1)
	require.Equal(t, "tenant-a:exc-1", string(msgs[0].Key))

	decoded, err := event.Decode(msgs[0].Value)
	require.NoError(t, err)
	require.Equal(t, evt.EventID, decoded.EventID)
}

func TestPublishStoreFailureSkipsBroker(t *testing.T) {
	store := memory.NewEventStore()
	store.StoreErr = errors.New("disk full")
	b := broker.NewMemoryBroker()
	p := New(store, b)

	err := p.Publish(context.Background(), broker.TopicExceptions, testEvent(t, event.TypeTriageCompleted))
	require.ErrorIs(t, err, ErrPublishFailed)
	require.Empty(t, b.Messages(broker.TopicExceptions))
}

func TestPublishBrokerFailureRetainsEvent(t *testing.T) {
	store := memory.NewEventStore()
	b := broker.NewMemoryBroker()
	b.PublishErr = errors.New("broker down")
	p := New(store, b)

	ctx := context.Background()
	evt := testEvent(t, event.TypeTriageCompleted)

	err := p.Publish(ctx, broker.TopicExceptions, evt)
	require.ErrorIs(t, err, ErrPublishFailed)

	// The event survives in the store for reconciliation.
	stored, err := store.Get(ctx, evt.EventID, "tenant-a")
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestRepublishAfterRetryReachesBroker(t *testing.T) {
	store := memory.NewEventStore()
	b := broker.NewMemoryBroker()
	p := New(store, b)

	ctx := context.Background()
	evt := testEvent(t, event.TypeTriageRequested)

	// Original publish persists the event; the backoff republish sends the
	// identical event again and must not trip the event log's key.
	require.NoError(t, p.Publish(ctx, broker.TopicExceptions, evt))
	require.NoError(t, p.Publish(ctx, broker.TopicExceptions, evt))

	require.Len(t, store.All(), 1)
	require.Len(t, b.Messages(broker.TopicExceptions), 2)
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	store := memory.NewEventStore()
	b := broker.NewMemoryBroker()
	p := New(store, b)

	bad := event.Event{EventType: "TriageCompleted", Version: 1} // no tenant, no payload
	err := p.Publish(context.Background(), broker.TopicExceptions, bad)
	require.ErrorIs(t, err, ErrPublishFailed)
	require.Empty(t, store.All())
}

func TestPublishNormalizesHandAssembledEvent(t *testing.T) {
	store := memory.NewEventStore()
	b := broker.NewMemoryBroker()
	p := New(store, b)

	evt := event.Event{
		EventType:   event.TypeTriageCompleted,
		TenantID:    "tenant-a",
		ExceptionID: "exc-2",
		Payload:     map[string]any{"k": "v"},
	}
	require.NoError(t, p.Publish(context.Background(), broker.TopicExceptions, evt))

	all := store.All()
	require.Len(t, all, 1)
	require.NotEmpty(t, all[0].EventID)
	require.Equal(t, "exc-2", all[0].CorrelationID)
	require.Equal(t, event.SupportedVersion, all[0].Version)
	require.False(t, all[0].Timestamp.IsZero())
}

func TestExceptionIngestedStoredWithoutExceptionID(t *testing.T) {
	store := memory.NewEventStore()
	b := broker.NewMemoryBroker()
	p := New(store, b)

	evt := testEvent(t, event.TypeExceptionIngested)
	require.NoError(t, p.Publish(context.Background(), broker.TopicExceptions, evt))

	all := store.All()
	require.Len(t, all, 1)
	require.Empty(t, all[0].ExceptionID)

	// The wire copy keeps the id for downstream consumers.
	msgs := b.Messages(broker.TopicExceptions)
	require.Len(t, msgs, 1)
	decoded, err := event.Decode(msgs[0].Value)
	require.NoError(t, err)
	require.Equal(t, "exc-1", decoded.ExceptionID)
}

func TestRateLimitDenialEmitsBackpressure(t *testing.T) {
	store := memory.NewEventStore()
	b := broker.NewMemoryBroker()
	limiter := ratelimit.NewTenantLimiter(ratelimit.Limit{EventsPerSecond: 0.001, BurstSize: 1})
	p := New(store, b, WithRateLimiter(limiter))

	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, broker.TopicExceptions, testEvent(t, event.TypeTriageCompleted)))

	err := p.Publish(ctx, broker.TopicExceptions, testEvent(t, event.TypeTriageCompleted))
	require.ErrorIs(t, err, ErrPublishFailed)
	require.ErrorIs(t, err, ErrRateLimited)

	// The denial produced a BackpressureDetected event on the control topic,
	// published despite the tenant being throttled.
	msgs := b.Messages(broker.TopicBackpressure)
	require.Len(t, msgs, 1)
	bp, err := event.Decode(msgs[0].Value)
	require.NoError(t, err)
	require.Equal(t, event.TypeBackpressureDetected, bp.EventType)
	require.Equal(t, "tenant-a", bp.TenantID)
	require.Equal(t, "rate_limited", bp.Payload["reason"])
}

func TestPerTenantTopicStrategy(t *testing.T) {
	store := memory.NewEventStore()
	b := broker.NewMemoryBroker()
	p := New(store, b, WithTopicStrategy(broker.StrategyPerTenant))

	require.NoError(t, p.Publish(context.Background(), broker.TopicExceptions, testEvent(t, event.TypeTriageCompleted)))

	require.Empty(t, b.Messages(broker.TopicExceptions))
	require.Len(t, b.Messages("exceptions.tenant-a"), 1)
}
