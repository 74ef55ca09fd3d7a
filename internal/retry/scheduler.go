package retry

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"sync"
	"time"

	"example.com/exceptions/internal/event"
	"example.com/exceptions/internal/observability"
	"example.com/exceptions/internal/persistence"
	"example.com/exceptions/internal/publisher"
)

// retryPattern extracts the attempt counter embedded in ledger error
// messages, e.g. "db timeout (retry 2/5)".
var retryPattern = regexp.MustCompile(`\(retry (\d+)/(\d+)\)`)

// EventPublisher is the slice of the publisher the scheduler needs.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, evt event.Event, opts ...publisher.PublishOption) error
}

// Scheduler decides between retry and dead-letter for failed events, tracks
// attempts in the idempotency ledger, and republishes after the backoff.
//
// Pending backoff timers live in process memory: if the process dies before
// a timer fires, the retry is lost and recovery relies on broker redelivery
// of the uncommitted original plus the idempotency gate.
type Scheduler struct {
	ledger   persistence.ProcessingLedger
	dlq      persistence.DeadLetterStore
	policies *Registry
	pub      EventPublisher
	logger   *log.Logger

	mu      sync.Mutex
	pending sync.WaitGroup
	stopped bool
}

// SchedulerOption configures the scheduler.
type SchedulerOption func(*Scheduler)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// NewScheduler constructs a Scheduler.
func NewScheduler(ledger persistence.ProcessingLedger, dlq persistence.DeadLetterStore, policies *Registry, pub EventPublisher, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		ledger:   ledger,
		dlq:      dlq,
		policies: policies,
		pub:      pub,
		logger:   log.New(log.Writer(), "[retry] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleRetry records the failure and either schedules a backoff republish
// (returning true) or routes the event to the dead-letter queue (returning
// false). The same (event, worker, attempt) is safe to schedule twice: the
// ledger write is an idempotent upsert and duplicate republishes collapse at
// the idempotency gate.
func (s *Scheduler) ScheduleRetry(ctx context.Context, evt event.Event, workerType, originalTopic, errorMessage string) (bool, error) {
	policy := s.policies.Get(evt.EventType)

	retryCount := 0
	rec, err := s.ledger.Get(ctx, evt.EventID, workerType)
	if err != nil {
		return false, fmt.Errorf("reading processing record: %w", err)
	}
	if rec != nil {
		retryCount = parseRetryCount(rec.ErrorMessage)
		if rec.AttemptNumber > retryCount {
			retryCount = rec.AttemptNumber
		}
	}

	if retryCount >= policy.MaxRetries {
		// The final attempt must not linger in the processing state.
		message := fmt.Sprintf("dead lettered: %s (retry %d/%d)", errorMessage, retryCount, policy.MaxRetries)
		if err := s.ledger.MarkFailed(ctx, evt.EventID, workerType, message, retryCount); err != nil {
			return false, fmt.Errorf("recording exhausted attempt: %w", err)
		}
		if err := s.deadLetter(ctx, evt, workerType, originalTopic, errorMessage, retryCount); err != nil {
			return false, err
		}
		return false, nil
	}

	next := retryCount + 1
	delay := policy.Delay(next)

	message := fmt.Sprintf("%s (retry %d/%d)", errorMessage, next, policy.MaxRetries)
	if err := s.ledger.MarkFailed(ctx, evt.EventID, workerType, message, next); err != nil {
		return false, fmt.Errorf("recording failed attempt: %w", err)
	}

	observability.RecordRetry(workerType, evt.EventType, evt.TenantID, strconv.Itoa(next))
	s.emitRetryScheduled(ctx, evt, originalTopic, next, delay, errorMessage)
	s.logger.Printf("retry scheduled (%s worker=%s attempt=%d/%d delay=%s)",
		observability.EventFields(evt), workerType, next, policy.MaxRetries, delay)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return true, nil
	}
	s.pending.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.pending.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := s.pub.Publish(ctx, originalTopic, evt); err != nil {
			s.logger.Printf("republish after backoff failed (%s worker=%s): %v",
				observability.EventFields(evt), workerType, err)
		}
	}()

	return true, nil
}

// DeadLetterNow bypasses the retry budget and parks the event immediately.
// Used for non-retryable failures such as schema incompatibilities.
func (s *Scheduler) DeadLetterNow(ctx context.Context, evt event.Event, workerType, originalTopic, reason string, metadata map[string]any) error {
	return s.deadLetterWithMetadata(ctx, evt, workerType, originalTopic, reason, 0, metadata)
}

func (s *Scheduler) deadLetter(ctx context.Context, evt event.Event, workerType, originalTopic, reason string, retryCount int) error {
	return s.deadLetterWithMetadata(ctx, evt, workerType, originalTopic, reason, retryCount, nil)
}

func (s *Scheduler) deadLetterWithMetadata(ctx context.Context, evt event.Event, workerType, originalTopic, reason string, retryCount int, extraMetadata map[string]any) error {
	metadata := map[string]any{"original_topic": originalTopic}
	for k, v := range evt.Metadata {
		metadata[k] = v
	}
	for k, v := range extraMetadata {
		metadata[k] = v
	}

	entry := persistence.DeadLetterEvent{
		EventID:       evt.EventID,
		EventType:     evt.EventType,
		TenantID:      evt.TenantID,
		ExceptionID:   evt.ExceptionID,
		OriginalTopic: originalTopic,
		FailureReason: reason,
		RetryCount:    retryCount,
		WorkerType:    workerType,
		Payload:       evt.Payload,
		EventMetadata: metadata,
		Status:        persistence.DLQPending,
	}
	if err := s.dlq.Append(ctx, entry); err != nil {
		return fmt.Errorf("persisting dead letter: %w", err)
	}

	observability.RecordDeadLettered(workerType, evt.EventType, evt.TenantID)
	if size, err := s.dlq.Size(ctx, evt.TenantID, evt.EventType, workerType); err == nil {
		observability.SetDLQSize(evt.EventType, workerType, evt.TenantID, size)
	}

	payload := map[string]any{
		"original_event_id":   evt.EventID,
		"original_event_type": evt.EventType,
		"failure_reason":      reason,
		"retry_count":         retryCount,
		"worker_type":         workerType,
	}
	dead, err := event.New(event.TypeDeadLettered, evt.TenantID, payload,
		event.WithExceptionID(evt.ExceptionID),
		event.WithCorrelationID(evt.CorrelationID),
		event.WithMetadata(map[string]any{"original_topic": originalTopic}),
	)
	if err != nil {
		return err
	}
	if err := s.pub.Publish(ctx, originalTopic, dead); err != nil {
		// The DLQ row is already durable; the control event is best effort.
		s.logger.Printf("emitting DeadLettered event (%s): %v", observability.EventFields(dead), err)
	}

	s.logger.Printf("dead lettered (%s worker=%s retries=%d reason=%s)",
		observability.EventFields(evt), workerType, retryCount, reason)
	return nil
}

func (s *Scheduler) emitRetryScheduled(ctx context.Context, evt event.Event, originalTopic string, attempt int, delay time.Duration, reason string) {
	payload := map[string]any{
		"original_event_id":   evt.EventID,
		"original_event_type": evt.EventType,
		"retry_count":         attempt,
		"delay_seconds":       delay.Seconds(),
		"reason":              reason,
	}
	scheduled, err := event.New(event.TypeRetryScheduled, evt.TenantID, payload,
		event.WithExceptionID(evt.ExceptionID),
		event.WithCorrelationID(evt.CorrelationID),
		event.WithMetadata(map[string]any{"original_topic": originalTopic}),
	)
	if err != nil {
		s.logger.Printf("building RetryScheduled event: %v", err)
		return
	}
	if err := s.pub.Publish(ctx, originalTopic, scheduled); err != nil {
		s.logger.Printf("emitting RetryScheduled event (%s): %v", observability.EventFields(scheduled), err)
	}
}

// Drain stops accepting new backoff timers and waits up to timeout for the
// pending ones.
func (s *Scheduler) Drain(timeout time.Duration) {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Printf("drain timeout after %s; pending retries abandoned", timeout)
	}
}

// parseRetryCount pulls N out of the "(retry N/M)" pattern; 0 when absent.
func parseRetryCount(message string) int {
	match := retryPattern.FindStringSubmatch(message)
	if len(match) != 3 {
		return 0
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	return n
}
