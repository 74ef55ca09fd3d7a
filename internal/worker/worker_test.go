package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/exceptions/internal/broker"
	"example.com/exceptions/internal/event"
	"example.com/exceptions/internal/persistence"
	"example.com/exceptions/internal/persistence/memory"
	"example.com/exceptions/internal/publisher"
	"example.com/exceptions/internal/retry"
)

type stubHandler struct {
	mu        sync.Mutex
	types     []string
	processed []event.Event
	err       error
	block     chan struct{} // when set, ProcessEvent waits on it
}

func (h *stubHandler) HandledTypes() []string {
	return h.types
}

func (h *stubHandler) ProcessEvent(ctx context.Context, evt event.Event) error {
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processed = append(h.processed, evt)
	return h.err
}

func (h *stubHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.processed)
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, topic string, evt event.Event, opts ...publisher.PublishOption) error {
	return nil
}

type fixture struct {
	worker  *Worker
	handler *stubHandler
	ledger  *memory.ProcessingLedger
	dlq     *memory.DeadLetterStore
}

func newFixture(t *testing.T, cfg Config, handledTypes []string) *fixture {
	t.Helper()

	handler := &stubHandler{types: handledTypes}
	ledger := memory.NewProcessingLedger()
	dlq := memory.NewDeadLetterStore()
	scheduler := retry.NewScheduler(ledger, dlq, retry.NewRegistry(), nopPublisher{})

	if cfg.WorkerType == "" {
		cfg.WorkerType = TypeTriage
	}
	w := New(cfg, broker.NewMemoryBroker(), ledger, scheduler, handler)
	return &fixture{worker: w, handler: handler, ledger: ledger, dlq: dlq}
}

func wireMessage(t *testing.T, evt event.Event, topic string) broker.Message {
	t.Helper()
	value, err := event.Encode(evt)
	require.NoError(t, err)
	return broker.Message{Topic: topic, Value: value}
}

func triageEvent(t *testing.T, opts ...event.Option) event.Event {
	t.Helper()
	base := []event.Option{event.WithExceptionID("exc-1")}
	evt, err := event.New(event.TypeTriageRequested, "tenant-a",
		map[string]any{"k": "v"}, append(base, opts...)...)
	require.NoError(t, err)
	return evt
}

func TestProcessSuccessMarksCompleted(t *testing.T) {
	f := newFixture(t, Config{}, []string{event.TypeTriageRequested})
	evt := triageEvent(t)

	require.NoError(t, f.worker.handleMessage(context.Background(), wireMessage(t, evt, broker.TopicExceptions)))
	require.Equal(t, 1, f.handler.count())

	rec, err := f.ledger.Get(context.Background(), evt.EventID, TypeTriage)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, persistence.StateCompleted, rec.Status)
}

func TestDuplicateDeliverySkipped(t *testing.T) {
	f := newFixture(t, Config{}, []string{event.TypeTriageRequested})
	evt := triageEvent(t)
	msg := wireMessage(t, evt, broker.TopicExceptions)

	require.NoError(t, f.worker.handleMessage(context.Background(), msg))
	require.NoError(t, f.worker.handleMessage(context.Background(), msg))

	require.Equal(t, 1, f.handler.count(), "redelivery must not reprocess a completed event")
}

func TestHandlerFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t, Config{}, []string{event.TypeTriageRequested})
	f.handler.err = errors.New("downstream unavailable")
	evt := triageEvent(t)

	require.NoError(t, f.worker.handleMessage(context.Background(), wireMessage(t, evt, broker.TopicExceptions)))

	rec, err := f.ledger.Get(context.Background(), evt.EventID, TypeTriage)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, persistence.StateFailed, rec.Status)
	require.Equal(t, 1, rec.AttemptNumber)
	require.Contains(t, rec.ErrorMessage, "(retry 1/")
}

func TestSchemaGateDeadLetters(t *testing.T) {
	f := newFixture(t, Config{}, []string{event.TypeTriageRequested})
	evt := triageEvent(t, event.WithVersion(event.SupportedVersion+1))

	require.NoError(t, f.worker.handleMessage(context.Background(), wireMessage(t, evt, broker.TopicExceptions)))
	require.Zero(t, f.handler.count())

	entry, err := f.dlq.Get(context.Background(), "tenant-a", evt.EventID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, "schema_incompatible", entry.FailureReason)
	require.Equal(t, event.SupportedVersion+1, entry.EventMetadata["schema_version"])
	require.Equal(t, event.SupportedVersion, entry.EventMetadata["supported_version"])
	require.Equal(t, broker.TopicExceptions, entry.EventMetadata["original_topic"])
}

func TestAllowFutureSchemaProcesses(t *testing.T) {
	f := newFixture(t, Config{AllowFutureSchema: true}, []string{event.TypeTriageRequested})
	evt := triageEvent(t, event.WithVersion(event.SupportedVersion + 1))

	require.NoError(t, f.worker.handleMessage(context.Background(), wireMessage(t, evt, broker.TopicExceptions)))
	require.Equal(t, 1, f.handler.count())
}

func TestCrossTenantEventSkipped(t *testing.T) {
	f := newFixture(t, Config{ExpectedTenant: "tenant-a"}, []string{event.TypeTriageRequested})

	other, err := event.New(event.TypeTriageRequested, "tenant-b", map[string]any{"k": "v"})
	require.NoError(t, err)

	require.NoError(t, f.worker.handleMessage(context.Background(), wireMessage(t, other, broker.TopicExceptions)))
	require.Zero(t, f.handler.count())

	rec, err := f.ledger.Get(context.Background(), other.EventID, TypeTriage)
	require.NoError(t, err)
	require.Nil(t, rec, "tenant violations are skipped, not retried")
}

func TestTopicTenantMismatchSkipped(t *testing.T) {
	f := newFixture(t, Config{TopicStrategy: broker.StrategyPerTenant}, []string{event.TypeTriageRequested})
	evt := triageEvent(t) // tenant-a

	require.NoError(t, f.worker.handleMessage(context.Background(), wireMessage(t, evt, "exceptions.tenant-b")))
	require.Zero(t, f.handler.count())
}

func TestUnhandledTypeIgnored(t *testing.T) {
	f := newFixture(t, Config{}, []string{event.TypeTriageRequested})

	other, err := event.New(event.TypeFeedbackCaptured, "tenant-a", map[string]any{"k": "v"})
	require.NoError(t, err)

	require.NoError(t, f.worker.handleMessage(context.Background(), wireMessage(t, other, broker.TopicExceptions)))
	require.Zero(t, f.handler.count())

	rec, err := f.ledger.Get(context.Background(), other.EventID, TypeTriage)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestMalformedMessageDeadLetters(t *testing.T) {
	f := newFixture(t, Config{}, []string{event.TypeTriageRequested})

	// Unknown field trips the strict decoder, but the envelope survives the
	// loose parse so the message can be parked for operators.
	raw := []byte(`{"event_id":"e-bad","event_type":"TriageRequested","tenant_id":"tenant-a","payload":{"k":"v"},"version":1,"correlation_id":"c1","metadata":{},"timestamp":"2026-01-01T00:00:00Z","extra_field":true}`)
	require.NoError(t, f.worker.handleMessage(context.Background(), broker.Message{Topic: broker.TopicExceptions, Value: raw}))
	require.Zero(t, f.handler.count())

	entry, err := f.dlq.Get(context.Background(), "tenant-a", "e-bad")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, "schema_invalid", entry.FailureReason)
}

func TestGarbageMessageSkippedWithoutDeadLetter(t *testing.T) {
	f := newFixture(t, Config{}, []string{event.TypeTriageRequested})

	require.NoError(t, f.worker.handleMessage(context.Background(), broker.Message{Topic: broker.TopicExceptions, Value: []byte("not json")}))
	require.Zero(t, f.handler.count())

	page, err := f.dlq.List(context.Background(), "tenant-a", persistence.DeadLetterFilter{}, 1, 10)
	require.NoError(t, err)
	require.Empty(t, page.Items)
}

func TestSequentialProcessingPreservesOrder(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 1}, []string{event.TypeTriageRequested})

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		evt := triageEvent(t)
		ids = append(ids, evt.EventID)
		require.NoError(t, f.worker.handleMessage(context.Background(), wireMessage(t, evt, broker.TopicExceptions)))
	}

	require.Len(t, f.handler.processed, 5)
	for i, evt := range f.handler.processed {
		require.Equal(t, ids[i], evt.EventID)
	}
}

func TestBoundedConcurrencyDispatch(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 3}, []string{event.TypeTriageRequested})

	for i := 0; i < 10; i++ {
		require.NoError(t, f.worker.handleMessage(context.Background(), wireMessage(t, triageEvent(t), broker.TopicExceptions)))
	}

	require.Eventually(t, func() bool {
		return f.handler.count() == 10
	}, time.Second, 5*time.Millisecond)
}

func TestPooledDispatchAcksAfterCompletion(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 2}, []string{event.TypeTriageRequested})
	f.handler.block = make(chan struct{})

	var acked atomic.Bool
	msg := wireMessage(t, triageEvent(t), broker.TopicExceptions)
	msg.Ack = func(ctx context.Context) error {
		acked.Store(true)
		return nil
	}

	require.NoError(t, f.worker.handleMessage(context.Background(), msg))

	// Dispatched but still in flight: the offset must not commit yet, or a
	// crash here would lose the event.
	time.Sleep(20 * time.Millisecond)
	require.False(t, acked.Load())
	require.Zero(t, f.handler.count())

	close(f.handler.block)
	require.Eventually(t, func() bool { return acked.Load() }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, f.handler.count())
}

func TestSkippedMessageStillAcked(t *testing.T) {
	f := newFixture(t, Config{}, []string{event.TypeTriageRequested})

	other, err := event.New(event.TypeFeedbackCaptured, "tenant-a", map[string]any{"k": "v"})
	require.NoError(t, err)

	var acked atomic.Bool
	msg := wireMessage(t, other, broker.TopicExceptions)
	msg.Ack = func(ctx context.Context) error {
		acked.Store(true)
		return nil
	}

	require.NoError(t, f.worker.handleMessage(context.Background(), msg))
	require.True(t, acked.Load(), "skipped messages commit immediately")
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{WorkerType: TypeSLAMonitor}
	cfg.applyDefaults()

	require.Equal(t, []string{broker.TopicSLA}, cfg.Topics)
	require.Equal(t, TypeSLAMonitor, cfg.GroupID)
	require.Equal(t, 1, cfg.Concurrency)
	require.Equal(t, broker.StrategyShared, cfg.TopicStrategy)
	require.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestClassifyError(t *testing.T) {
	require.Equal(t, "validation_error", ClassifyError(errors.Join(ErrValidation, errors.New("bad"))))
	require.Equal(t, "timeout", ClassifyError(context.DeadlineExceeded))
	require.Equal(t, "database_error", ClassifyError(ErrDatabase))
	require.Equal(t, "processing_error", ClassifyError(errors.New("anything else")))
}

func TestDefaultTopics(t *testing.T) {
	require.Equal(t, []string{broker.TopicExceptions}, DefaultTopics(TypeIntake))
	require.Equal(t, []string{broker.TopicTools}, DefaultTopics(TypeTool))

	// Feedback listens on the tools topic too, where ToolExecutionCompleted
	// lands.
	require.Equal(t, []string{broker.TopicExceptions, broker.TopicTools}, DefaultTopics(TypeFeedback))
}

func TestHealthPorts(t *testing.T) {
	want := map[string]int{
		TypeIntake:     9001,
		TypeTriage:     9002,
		TypePolicy:     9003,
		TypePlaybook:   9004,
		TypeTool:       9005,
		TypeFeedback:   9006,
		TypeSLAMonitor: 9007,
	}
	for workerType, port := range want {
		got, err := HealthPort(workerType)
		require.NoError(t, err)
		require.Equal(t, port, got)
	}

	_, err := HealthPort("unknown")
	require.Error(t, err)
}
