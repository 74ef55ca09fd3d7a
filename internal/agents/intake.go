package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"example.com/exceptions/internal/broker"
	"example.com/exceptions/internal/event"
	"example.com/exceptions/internal/worker"
)

// IntakeHandler turns raw ExceptionIngested events into normalized
// exceptions. It assigns the exception_id the rest of the pipeline keys on
// and emits exactly one ExceptionNormalized per input event; the idempotency
// ledger in the worker framework keeps redeliveries from doubling it.
type IntakeHandler struct {
	pub EventPublisher
}

// NewIntakeHandler constructs the intake handler.
func NewIntakeHandler(pub EventPublisher) *IntakeHandler {
	return &IntakeHandler{pub: pub}
}

// HandledTypes lists the raw inbound types.
func (h *IntakeHandler) HandledTypes() []string {
	return []string{event.TypeExceptionIngested, event.TypeManualExceptionCreated}
}

// ProcessEvent normalizes the raw payload and publishes ExceptionNormalized.
func (h *IntakeHandler) ProcessEvent(ctx context.Context, evt event.Event) error {
	normalized, err := normalizePayload(evt.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", worker.ErrValidation, err)
	}

	// Raw events arrive before an exception exists; mint the identity here.
	exceptionID := evt.ExceptionID
	if exceptionID == "" {
		exceptionID = uuid.NewString()
	}
	normalized["exception_id"] = exceptionID
	normalized["source_event_id"] = evt.EventID

	next, err := event.New(event.TypeExceptionNormalized, evt.TenantID, normalized,
		event.WithExceptionID(exceptionID),
		event.WithCorrelationID(evt.CorrelationID),
	)
	if err != nil {
		return err
	}
	return h.pub.Publish(ctx, broker.TopicExceptions, next)
}

// normalizePayload validates the raw exception fields and lowers the fields
// the downstream agents rely on into a canonical shape.
func normalizePayload(raw map[string]any) (map[string]any, error) {
	src, _ := raw["source_system"].(string)
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("source_system is required")
	}

	kind, _ := raw["exception_type"].(string)
	if strings.TrimSpace(kind) == "" {
		kind = "unclassified"
	}

	normalized := make(map[string]any, len(raw)+2)
	for k, v := range raw {
		normalized[k] = v
	}
	normalized["source_system"] = strings.ToLower(strings.TrimSpace(src))
	normalized["exception_type"] = strings.ToLower(strings.TrimSpace(kind))

	if sev, ok := raw["severity"].(string); ok {
		normalized["severity"] = strings.ToLower(strings.TrimSpace(sev))
	} else {
		normalized["severity"] = "unknown"
	}

	return normalized, nil
}
