// Package event defines the canonical event envelope shared by every stage
// of the exception pipeline, together with the event-type catalog and the
// partitioning rules that keep per-exception ordering intact.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SupportedVersion is the envelope schema version this build understands.
// Events with a greater version are gated by the worker framework.
const SupportedVersion = 1

// ErrInvalidEvent is returned when an event fails envelope validation.
var ErrInvalidEvent = errors.New("invalid event")

// Event is the canonical message exchanged over topics and persisted in the
// event log. Treat values as immutable once constructed: the factory copies
// payload and metadata, and consumers must not mutate them in place.
type Event struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	TenantID      string         `json:"tenant_id"`
	ExceptionID   string         `json:"exception_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	Payload       map[string]any `json:"payload"`
	Metadata      map[string]any `json:"metadata"`
	Version       int            `json:"version"`
}

// Option customises optional envelope fields at construction time.
type Option func(*Event)

// WithExceptionID attaches the business entity identifier.
func WithExceptionID(id string) Option {
	return func(e *Event) { e.ExceptionID = id }
}

// WithCorrelationID overrides the derived correlation identifier.
func WithCorrelationID(id string) Option {
	return func(e *Event) { e.CorrelationID = id }
}

// WithMetadata merges system attributes into the envelope metadata.
func WithMetadata(metadata map[string]any) Option {
	return func(e *Event) {
		for k, v := range metadata {
			e.Metadata[k] = v
		}
	}
}

// WithVersion sets an explicit schema version.
func WithVersion(version int) Option {
	return func(e *Event) { e.Version = version }
}

// WithEventID pins the event identifier instead of generating one.
func WithEventID(id string) Option {
	return func(e *Event) { e.EventID = id }
}

// WithTimestamp pins the event timestamp instead of using the current time.
func WithTimestamp(ts time.Time) Option {
	return func(e *Event) { e.Timestamp = ts }
}

// New constructs a canonical event. It defaults event_id, timestamp, and
// version, derives correlation_id from exception_id or event_id, and mirrors
// the correlation id into metadata.
func New(eventType, tenantID string, payload map[string]any, opts ...Option) (Event, error) {
	evt := Event{
		EventType: strings.TrimSpace(eventType),
		TenantID:  strings.TrimSpace(tenantID),
		Payload:   copyMap(payload),
		Metadata:  make(map[string]any),
		Version:   SupportedVersion,
	}

	for _, opt := range opts {
		opt(&evt)
	}

	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Timestamp = evt.Timestamp.UTC()

	if evt.CorrelationID == "" {
		if evt.ExceptionID != "" {
			evt.CorrelationID = evt.ExceptionID
		} else {
			evt.CorrelationID = evt.EventID
		}
	}
	if _, ok := evt.Metadata["correlation_id"]; !ok {
		evt.Metadata["correlation_id"] = evt.CorrelationID
	}

	if err := evt.Validate(); err != nil {
		return Event{}, err
	}
	return evt, nil
}

// Validate checks the envelope invariants shared by the publisher and the
// worker framework.
func (e Event) Validate() error {
	if strings.TrimSpace(e.EventType) == "" {
		return fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.TenantID) == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidEvent)
	}
	if e.Payload == nil {
		return fmt.Errorf("%w: payload is required", ErrInvalidEvent)
	}
	if e.Version < 1 {
		return fmt.Errorf("%w: version must be >= 1, got %d", ErrInvalidEvent, e.Version)
	}
	return nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (e Event) Clone() Event {
	out := e
	out.Payload = copyMap(e.Payload)
	out.Metadata = copyMap(e.Metadata)
	return out
}

// Encode serialises the event to its wire representation. Timestamps inside
// payload and metadata are rendered as ISO-8601 strings.
func Encode(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	wire := e
	wire.Payload = SanitizeMap(e.Payload)
	wire.Metadata = SanitizeMap(e.Metadata)
	return json.Marshal(wire)
}

// Decode parses the wire representation back into an Event. Unknown fields
// are rejected so schema drift surfaces immediately.
func Decode(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var evt Event
	if err := dec.Decode(&evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Metadata == nil {
		evt.Metadata = make(map[string]any)
	}
	if err := evt.Validate(); err != nil {
		return Event{}, err
	}
	return evt, nil
}

func copyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		if nested, ok := v.(map[string]any); ok {
			dst[k] = copyMap(nested)
			continue
		}
		dst[k] = v
	}
	return dst
}

// SanitizeMap converts time.Time values to RFC3339 strings so JSON columns
// and the wire format stay language neutral.
func SanitizeMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = sanitizeValue(v)
	}
	return dst
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		return SanitizeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}
