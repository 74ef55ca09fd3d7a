package retry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/exceptions/internal/broker"
	"example.com/exceptions/internal/event"
	"example.com/exceptions/internal/persistence"
	"example.com/exceptions/internal/persistence/memory"
	"example.com/exceptions/internal/publisher"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	topic string
	evt   event.Event
}

func (p *capturingPublisher) Publish(ctx context.Context, topic string, evt event.Event, opts ...publisher.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{topic: topic, evt: evt})
	return nil
}

func (p *capturingPublisher) byType(eventType string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishedEvent, 0)
	for _, pe := range p.events {
		if pe.evt.EventType == eventType {
			out = append(out, pe)
		}
	}
	return out
}

func fastRegistry(maxRetries int) *Registry {
	registry := NewRegistry()
	registry.SetOverride(event.TypeTriageRequested, Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	})
	return registry
}

func testEvent(t *testing.T) event.Event {
	t.Helper()
	evt, err := event.New(event.TypeTriageRequested, "tenant-a",
		map[string]any{"k": "v"}, event.WithExceptionID("exc-1"))
	require.NoError(t, err)
	return evt
}

func TestScheduleRetryRecordsAttemptAndRepublishes(t *testing.T) {
	ledger := memory.NewProcessingLedger()
	dlq := memory.NewDeadLetterStore()
	pub := &capturingPublisher{}
	s := NewScheduler(ledger, dlq, fastRegistry(2), pub)

	ctx := context.Background()
	evt := testEvent(t)

	scheduled, err := s.ScheduleRetry(ctx, evt, "triage", "exceptions", "db timeout")
	require.NoError(t, err)
	require.True(t, scheduled)

	rec, err := ledger.Get(ctx, evt.EventID, "triage")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, persistence.StateFailed, rec.Status)
	require.Equal(t, 1, rec.AttemptNumber)
	require.Contains(t, rec.ErrorMessage, "db timeout (retry 1/2)")

	// A RetryScheduled control event is emitted immediately.
	control := pub.byType(event.TypeRetryScheduled)
	require.Len(t, control, 1)
	require.Equal(t, evt.EventID, control[0].evt.Payload["original_event_id"])

	// The original is republished after the backoff fires.
	require.Eventually(t, func() bool {
		return len(pub.byType(event.TypeTriageRequested)) == 1
	}, time.Second, 5*time.Millisecond)

	s.Drain(time.Second)
}

func TestScheduleRetryExhaustionDeadLetters(t *testing.T) {
	ledger := memory.NewProcessingLedger()
	dlq := memory.NewDeadLetterStore()
	pub := &capturingPublisher{}
	s := NewScheduler(ledger, dlq, fastRegistry(2), pub)

	ctx := context.Background()
	evt := testEvent(t)

	// Two failures consume the retry budget.
	for attempt := 1; attempt <= 2; attempt++ {
		scheduled, err := s.ScheduleRetry(ctx, evt, "triage", "exceptions", "still broken")
		require.NoError(t, err)
		require.True(t, scheduled, "attempt %d should schedule a retry", attempt)
	}
	s.Drain(time.Second)

	// The third failure exhausts the budget.
	scheduled, err := s.ScheduleRetry(ctx, evt, "triage", "exceptions", "still broken")
	require.NoError(t, err)
	require.False(t, scheduled)

	page, err := dlq.List(ctx, "tenant-a", persistence.DeadLetterFilter{}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	entry := page.Items[0]
	require.Equal(t, evt.EventID, entry.EventID)
	require.Equal(t, event.TypeTriageRequested, entry.EventType)
	require.Equal(t, 2, entry.RetryCount)
	require.Equal(t, "triage", entry.WorkerType)
	require.Equal(t, "exceptions", entry.OriginalTopic)
	require.Equal(t, persistence.DLQPending, entry.Status)

	dead := pub.byType(event.TypeDeadLettered)
	require.Len(t, dead, 1)
	require.Equal(t, evt.EventID, dead[0].evt.Payload["original_event_id"])
	require.EqualValues(t, 2, dead[0].evt.Payload["retry_count"])
	require.Equal(t, evt.CorrelationID, dead[0].evt.CorrelationID)

	// The final attempt does not stay in the processing state.
	rec, err := ledger.Get(ctx, evt.EventID, "triage")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, persistence.StateFailed, rec.Status)
	require.Equal(t, 2, rec.AttemptNumber)
	require.Contains(t, rec.ErrorMessage, "dead lettered")
}

func TestRetryRepublishLandsOnBroker(t *testing.T) {
	ledger := memory.NewProcessingLedger()
	dlq := memory.NewDeadLetterStore()
	store := memory.NewEventStore()
	b := broker.NewMemoryBroker()
	s := NewScheduler(ledger, dlq, fastRegistry(2), publisher.New(store, b))

	ctx := context.Background()
	evt := testEvent(t)

	// The event was persisted when it was first published; the backoff
	// republish sends the same event_id through the publisher again.
	require.NoError(t, store.Store(ctx, evt))

	scheduled, err := s.ScheduleRetry(ctx, evt, "triage", broker.TopicExceptions, "db timeout")
	require.NoError(t, err)
	require.True(t, scheduled)

	require.Eventually(t, func() bool {
		for _, msg := range b.Messages(broker.TopicExceptions) {
			decoded, decodeErr := event.Decode(msg.Value)
			if decodeErr == nil && decoded.EventID == evt.EventID {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "republish must reach the broker despite the stored original")

	require.Len(t, store.All(), 1)
	s.Drain(time.Second)
}

func TestDeadLetterNowBypassesBudget(t *testing.T) {
	ledger := memory.NewProcessingLedger()
	dlq := memory.NewDeadLetterStore()
	pub := &capturingPublisher{}
	s := NewScheduler(ledger, dlq, fastRegistry(5), pub)

	ctx := context.Background()
	evt := testEvent(t)

	err := s.DeadLetterNow(ctx, evt, "triage", "exceptions", "schema_incompatible", map[string]any{
		"schema_version":    2,
		"supported_version": 1,
		"original_topic":    "exceptions",
	})
	require.NoError(t, err)

	entry, err := dlq.Get(ctx, "tenant-a", evt.EventID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, "schema_incompatible", entry.FailureReason)
	require.Equal(t, 0, entry.RetryCount)
	require.Equal(t, 2, entry.EventMetadata["schema_version"])
	require.Equal(t, 1, entry.EventMetadata["supported_version"])
	require.Equal(t, "exceptions", entry.EventMetadata["original_topic"])
}

func TestDrainStopsNewTimers(t *testing.T) {
	ledger := memory.NewProcessingLedger()
	dlq := memory.NewDeadLetterStore()
	pub := &capturingPublisher{}
	s := NewScheduler(ledger, dlq, fastRegistry(3), pub)

	s.Drain(time.Second)

	scheduled, err := s.ScheduleRetry(context.Background(), testEvent(t), "triage", "exceptions", "boom")
	require.NoError(t, err)
	require.True(t, scheduled)

	// No timer was started after drain, so the original is never republished.
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, pub.byType(event.TypeTriageRequested))
}
