// Package agents holds the event handlers the worker runner mounts per
// worker type. The intake handler implements normalization; the rest are
// deliberately thin — their business logic lives outside the pipeline core
// and only the event contracts matter here.
package agents

import (
	"context"
	"fmt"

	"example.com/exceptions/internal/broker"
	"example.com/exceptions/internal/event"
	"example.com/exceptions/internal/publisher"
	"example.com/exceptions/internal/worker"
)

// EventPublisher is the slice of the publisher handlers need to emit their
// follow-up events.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, evt event.Event, opts ...publisher.PublishOption) error
}

// ForType returns the handler mounted for a worker type.
func ForType(workerType string, pub EventPublisher) (worker.Handler, error) {
	switch workerType {
	case worker.TypeIntake:
		return NewIntakeHandler(pub), nil
	case worker.TypeTriage:
		return newRelayHandler(pub, broker.TopicExceptions, event.TypeTriageCompleted,
			event.TypeExceptionNormalized, event.TypeTriageRequested), nil
	case worker.TypePolicy:
		return newRelayHandler(pub, broker.TopicExceptions, event.TypePolicyEvaluationCompleted,
			event.TypeTriageCompleted, event.TypePolicyEvaluationRequested), nil
	case worker.TypePlaybook:
		return &playbookHandler{pub: pub}, nil
	case worker.TypeTool:
		return newRelayHandler(pub, broker.TopicTools, event.TypeToolExecutionCompleted,
			event.TypeToolExecutionRequested, event.TypeStepExecutionRequested), nil
	case worker.TypeFeedback:
		return newSinkHandler(event.TypeFeedbackCaptured, event.TypeToolExecutionCompleted), nil
	case worker.TypeSLAMonitor:
		return newSinkHandler(event.TypeSLAImminent, event.TypeSLAExpired), nil
	default:
		return nil, fmt.Errorf("no handler for worker type %q", workerType)
	}
}

// relayHandler consumes its input types and emits a single completion event
// carrying the original payload. It stands in for the agent services that
// own the real triage/policy/playbook/tool logic.
type relayHandler struct {
	pub      EventPublisher
	topic    string
	emits    string
	consumes []string
}

func newRelayHandler(pub EventPublisher, topic, emits string, consumes ...string) *relayHandler {
	return &relayHandler{pub: pub, topic: topic, emits: emits, consumes: consumes}
}

func (h *relayHandler) HandledTypes() []string {
	return append([]string(nil), h.consumes...)
}

func (h *relayHandler) ProcessEvent(ctx context.Context, evt event.Event) error {
	if evt.ExceptionID == "" {
		return fmt.Errorf("%w: %s requires an exception_id", worker.ErrValidation, evt.EventType)
	}

	next, err := event.New(h.emits, evt.TenantID, evt.Payload,
		event.WithExceptionID(evt.ExceptionID),
		event.WithCorrelationID(evt.CorrelationID),
		event.WithMetadata(map[string]any{"source_event_id": evt.EventID}),
	)
	if err != nil {
		return err
	}
	return h.pub.Publish(ctx, h.topic, next)
}

// playbookHandler records the playbook match and requests the first tool
// execution, handing the exception to the tool worker. Both emissions are
// at-least-once: a failure after the match event republishes it on retry and
// downstream consumers dedupe on the correlation.
type playbookHandler struct {
	pub EventPublisher
}

func (h *playbookHandler) HandledTypes() []string {
	return []string{event.TypePolicyEvaluationCompleted}
}

func (h *playbookHandler) ProcessEvent(ctx context.Context, evt event.Event) error {
	if evt.ExceptionID == "" {
		return fmt.Errorf("%w: %s requires an exception_id", worker.ErrValidation, evt.EventType)
	}

	matched, err := event.New(event.TypePlaybookMatched, evt.TenantID, evt.Payload,
		event.WithExceptionID(evt.ExceptionID),
		event.WithCorrelationID(evt.CorrelationID),
		event.WithMetadata(map[string]any{"source_event_id": evt.EventID}),
	)
	if err != nil {
		return err
	}
	if err := h.pub.Publish(ctx, broker.TopicPlaybooks, matched); err != nil {
		return err
	}

	request, err := event.New(event.TypeToolExecutionRequested, evt.TenantID, evt.Payload,
		event.WithExceptionID(evt.ExceptionID),
		event.WithCorrelationID(evt.CorrelationID),
		event.WithMetadata(map[string]any{"source_event_id": evt.EventID}),
	)
	if err != nil {
		return err
	}
	return h.pub.Publish(ctx, broker.TopicTools, request)
}

// sinkHandler consumes its input types without emitting anything further.
type sinkHandler struct {
	consumes []string
}

func newSinkHandler(consumes ...string) *sinkHandler {
	return &sinkHandler{consumes: consumes}
}

func (h *sinkHandler) HandledTypes() []string {
	return append([]string(nil), h.consumes...)
}

func (h *sinkHandler) ProcessEvent(ctx context.Context, evt event.Event) error {
	if evt.Payload == nil {
		return fmt.Errorf("%w: empty payload", worker.ErrValidation)
	}
	return nil
}
