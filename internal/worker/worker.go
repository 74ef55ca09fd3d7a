package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"example.com/exceptions/internal/broker"
	"example.com/exceptions/internal/event"
	"example.com/exceptions/internal/observability"
	"example.com/exceptions/internal/persistence"
	"example.com/exceptions/internal/retry"
)

// Handler is the agent logic a worker dispatches to.
type Handler interface {
	// HandledTypes lists the event types the handler accepts; everything
	// else is silently skipped so workers can share topics.
	HandledTypes() []string

	// ProcessEvent runs the business logic for one event. Errors are
	// absorbed by the framework and routed to the retry scheduler.
	ProcessEvent(ctx context.Context, evt event.Event) error
}

// Config tunes one worker process.
type Config struct {
	WorkerType        string
	Topics            []string
	GroupID           string
	Concurrency       int
	AllowFutureSchema bool
	ExpectedTenant    string // non-empty makes the worker tenant scoped
	TopicStrategy     broker.TopicStrategy
	ShutdownTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if len(c.Topics) == 0 {
		c.Topics = DefaultTopics(c.WorkerType)
	}
	if c.GroupID == "" {
		c.GroupID = c.WorkerType
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.TopicStrategy == "" {
		c.TopicStrategy = broker.StrategyShared
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Worker consumes topics, runs the message gates, and dispatches events to
// the handler on a bounded pool.
type Worker struct {
	cfg       Config
	broker    broker.Broker
	ledger    persistence.ProcessingLedger
	scheduler *retry.Scheduler
	handler   Handler
	logger    *log.Logger

	handled map[string]struct{}
	state   *State

	slots     chan struct{}
	inflight  sync.WaitGroup
	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// Option configures optional worker behaviour.
type Option func(*Worker)

// WithLogger overrides the worker logger.
func WithLogger(logger *log.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// New constructs a Worker.
func New(cfg Config, b broker.Broker, ledger persistence.ProcessingLedger, scheduler *retry.Scheduler, handler Handler, opts ...Option) *Worker {
	cfg.applyDefaults()

	handled := make(map[string]struct{})
	for _, t := range handler.HandledTypes() {
		handled[t] = struct{}{}
	}

	w := &Worker{
		cfg:       cfg,
		broker:    b,
		ledger:    ledger,
		scheduler: scheduler,
		handler:   handler,
		logger:    log.New(log.Writer(), "["+cfg.WorkerType+"] ", log.LstdFlags|log.Lshortfile),
		handled:   handled,
		state:     NewState(),
		slots:     make(chan struct{}, cfg.Concurrency),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State exposes the health flags for the health server.
func (w *Worker) State() *State {
	return w.state
}

// Run blocks consuming the configured topics until the context is
// cancelled, then drains in-flight work and closes the broker. In-flight
// events that miss the drain window stay in the processing state; the
// broker redelivers them and the idempotency gate makes the redo safe.
func (w *Worker) Run(ctx context.Context) error {
	w.state.SetRunning(true)
	defer w.state.SetRunning(false)

	w.logger.Printf("worker started (type=%s, group=%s, topics=%v, concurrency=%d)",
		w.cfg.WorkerType, w.cfg.GroupID, w.cfg.Topics, w.cfg.Concurrency)

	w.state.SetSubscribed(true)
	err := w.broker.Subscribe(ctx, w.cfg.Topics, w.cfg.GroupID, w.handleMessage)
	w.state.SetSubscribed(false)

	w.shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (w *Worker) shutdown() {
	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownTimeout):
		w.logger.Printf("shutdown timeout after %s; abandoning in-flight events", w.cfg.ShutdownTimeout)
	}

	w.scheduler.Drain(w.cfg.ShutdownTimeout)

	if err := w.broker.Close(); err != nil {
		w.logger.Printf("closing broker: %v", err)
	}

	w.logger.Printf("worker stopped (succeeded=%d failed=%d skipped=%d)",
		w.succeeded.Load(), w.failed.Load(), w.skipped.Load())
}

// handleMessage runs the gate sequence for one consumed message. It always
// returns nil for events the retry scheduler owns; only infrastructure
// failures before the idempotency gate surface to the consume loop for
// redelivery. Settled messages are acked so the broker can commit their
// offsets; the pooled path defers the ack until processing completes.
func (w *Worker) handleMessage(ctx context.Context, msg broker.Message) error {
	evt, decodeErr := decodeEnvelope(msg.Value)
	if decodeErr != nil {
		w.logger.Printf("malformed message (topic=%s, partition=%d, offset=%d): %v", msg.Topic, msg.Partition, msg.Offset, decodeErr)
		if evt.TenantID != "" && evt.EventID != "" {
			// Enough envelope survived to park it for operators.
			if err := w.scheduler.DeadLetterNow(ctx, evt, w.cfg.WorkerType, msg.Topic, "schema_invalid", nil); err != nil {
				w.logger.Printf("dead lettering malformed message: %v", err)
			}
		}
		w.skipped.Add(1)
		w.ack(ctx, msg)
		return nil
	}

	// Schema-version gate.
	if evt.Version > event.SupportedVersion {
		if !w.cfg.AllowFutureSchema {
			metadata := map[string]any{
				"schema_version":    evt.Version,
				"supported_version": event.SupportedVersion,
				"original_topic":    msg.Topic,
			}
			if err := w.scheduler.DeadLetterNow(ctx, evt, w.cfg.WorkerType, msg.Topic, "schema_incompatible", metadata); err != nil {
				w.logger.Printf("dead lettering incompatible schema (%s): %v", observability.EventFields(evt), err)
			}
			w.skipped.Add(1)
			w.ack(ctx, msg)
			return nil
		}
		w.logger.Printf("processing future schema version %d > %d (%s)", evt.Version, event.SupportedVersion, observability.EventFields(evt))
	}

	// Tenant gate. Violations are terminal and audited, never retried.
	if strings.TrimSpace(evt.TenantID) == "" {
		w.logger.Printf("skipping event without tenant_id (topic=%s, event_id=%s)", msg.Topic, evt.EventID)
		w.skipped.Add(1)
		w.ack(ctx, msg)
		return nil
	}
	if w.cfg.ExpectedTenant != "" && evt.TenantID != w.cfg.ExpectedTenant {
		w.logger.Printf("skipping cross-tenant event (%s, expected tenant=%s)", observability.EventFields(evt), w.cfg.ExpectedTenant)
		w.skipped.Add(1)
		w.ack(ctx, msg)
		return nil
	}
	if topicTenant := w.cfg.TopicStrategy.TenantFromTopic(msg.Topic); topicTenant != "" && topicTenant != evt.TenantID {
		w.logger.Printf("skipping event with tenant/topic mismatch (%s, topic=%s)", observability.EventFields(evt), msg.Topic)
		w.skipped.Add(1)
		w.ack(ctx, msg)
		return nil
	}

	// Type filter: shared topics carry events for other workers too.
	if _, ok := w.handled[evt.EventType]; !ok {
		w.ack(ctx, msg)
		return nil
	}

	// Idempotency gate.
	rec, err := w.ledger.Get(ctx, evt.EventID, w.cfg.WorkerType)
	if err != nil {
		return err // infrastructure failure, let the broker redeliver
	}
	if rec != nil && rec.Status == persistence.StateCompleted {
		w.logger.Printf("skipping duplicate delivery (%s)", observability.EventFields(evt))
		w.skipped.Add(1)
		w.ack(ctx, msg)
		return nil
	}
	if err := w.ledger.MarkProcessing(ctx, persistence.ProcessingRecord{
		EventID:     evt.EventID,
		WorkerType:  w.cfg.WorkerType,
		TenantID:    evt.TenantID,
		ExceptionID: evt.ExceptionID,
	}); err != nil {
		return err
	}

	// Bounded dispatch. With concurrency 1 the event is processed inline;
	// with more slots the consume loop blocks only when the pool is full,
	// trading in-partition ordering for throughput. Either way the ack (and
	// with it the offset commit) waits for processing to complete, so events
	// in flight at a crash are redelivered.
	if w.cfg.Concurrency == 1 {
		w.processEvent(ctx, evt, msg.Topic)
		w.ack(ctx, msg)
		return nil
	}

	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.inflight.Add(1)
	go func(evt event.Event, msg broker.Message) {
		defer func() {
			<-w.slots
			w.inflight.Done()
		}()
		w.processEvent(ctx, evt, msg.Topic)
		w.ack(ctx, msg)
	}(evt.Clone(), msg)

	return nil
}

// ack commits the message's offset when the transport tracks one. Failures
// are logged only: the worst case is a redelivery absorbed by the
// idempotency gate.
func (w *Worker) ack(ctx context.Context, msg broker.Message) {
	if msg.Ack == nil {
		return
	}
	if err := msg.Ack(ctx); err != nil {
		w.logger.Printf("committing offset (topic=%s, partition=%d, offset=%d): %v", msg.Topic, msg.Partition, msg.Offset, err)
	}
}

func (w *Worker) processEvent(ctx context.Context, evt event.Event, topic string) {
	observability.IncInProcessing(w.cfg.WorkerType, evt.TenantID)
	defer observability.DecInProcessing(w.cfg.WorkerType, evt.TenantID)

	start := time.Now()
	err := w.handler.ProcessEvent(ctx, evt)
	elapsed := time.Since(start)

	if err == nil {
		if markErr := w.ledger.MarkCompleted(ctx, evt.EventID, w.cfg.WorkerType); markErr != nil {
			w.logger.Printf("marking completed (%s): %v", observability.EventFields(evt), markErr)
		}
		observability.RecordProcessed(w.cfg.WorkerType, evt.EventType, evt.TenantID, "success", elapsed)
		w.succeeded.Add(1)
		return
	}

	errorType := ClassifyError(err)
	observability.RecordFailure(w.cfg.WorkerType, evt.EventType, evt.TenantID, errorType)
	observability.RecordProcessed(w.cfg.WorkerType, evt.EventType, evt.TenantID, "failure", elapsed)
	w.failed.Add(1)
	w.logger.Printf("handler failed (%s error_type=%s): %v", observability.EventFields(evt), errorType, err)

	if _, schedErr := w.scheduler.ScheduleRetry(ctx, evt, w.cfg.WorkerType, topic, err.Error()); schedErr != nil {
		w.logger.Printf("scheduling retry (%s): %v", observability.EventFields(evt), schedErr)
	}
}

// decodeEnvelope parses a wire message without enforcing the envelope
// invariants; the gates report violations individually. The partial event is
// returned even on error so dead-lettering can identify the tenant.
func decodeEnvelope(data []byte) (event.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var evt event.Event
	if err := dec.Decode(&evt); err != nil {
		var loose event.Event
		_ = json.Unmarshal(data, &loose)
		return loose, err
	}
	if evt.Metadata == nil {
		evt.Metadata = make(map[string]any)
	}
	if evt.Payload == nil {
		return evt, errors.New("payload is required")
	}
	if evt.Version < 1 {
		return evt, errors.New("version must be >= 1")
	}
	return evt, nil
}
