// Package persistence declares the storage contracts the pipeline core owns:
// the append-only event log, the idempotency ledger, and the dead-letter
// store. Postgres-backed and in-memory implementations live in subpackages.
package persistence

import (
	"context"
	"errors"
	"time"

	"example.com/exceptions/internal/event"
)

// ErrTenantRequired guards every tenant-scoped read; there is no
// cross-tenant query path.
var ErrTenantRequired = errors.New("tenant_id is required")

// ErrInvalidTransition is returned for dead-letter status changes outside
// the operator state machine.
var ErrInvalidTransition = errors.New("invalid dead letter status transition")

// Processing states for the idempotency ledger.
const (
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// Operator-facing dead letter statuses.
const (
	DLQPending   = "pending"
	DLQRetrying  = "retrying"
	DLQSucceeded = "succeeded"
	DLQDiscarded = "discarded"
)

// ProcessingRecord is one row of the idempotency ledger, keyed by
// (event_id, worker_type).
type ProcessingRecord struct {
	EventID       string
	WorkerType    string
	TenantID      string
	ExceptionID   string
	Status        string
	ProcessedAt   time.Time
	ErrorMessage  string
	AttemptNumber int
}

// DeadLetterEvent is an exhausted event parked for operator review. Entries
// are append-only; operators change Status but rows are never deleted.
type DeadLetterEvent struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	TenantID      string         `json:"tenant_id"`
	ExceptionID   string         `json:"exception_id,omitempty"`
	OriginalTopic string         `json:"original_topic"`
	FailureReason string         `json:"failure_reason"`
	RetryCount    int            `json:"retry_count"`
	WorkerType    string         `json:"worker_type"`
	Payload       map[string]any `json:"payload"`
	EventMetadata map[string]any `json:"event_metadata,omitempty"`
	FailedAt      time.Time      `json:"failed_at"`
	Status        string         `json:"status"`
}

// EventFilter narrows event log queries. Zero fields are ignored.
type EventFilter struct {
	EventType     string
	ExceptionID   string
	CorrelationID string
	From          *time.Time
	To            *time.Time
	Version       int
}

// DeadLetterFilter narrows dead-letter listings. Zero fields are ignored.
type DeadLetterFilter struct {
	EventType  string
	WorkerType string
	Status     string
}

// EventPage is one page of event log results, newest first.
type EventPage struct {
	Items      []event.Event `json:"items"`
	Total      int           `json:"total"`
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
	TotalPages int           `json:"total_pages"`
}

// DeadLetterPage is one page of dead-letter listings, newest first.
type DeadLetterPage struct {
	Items      []DeadLetterEvent `json:"items"`
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
	TotalPages int               `json:"total_pages"`
}

// EventStore is the append-only audit log contract.
type EventStore interface {
	// Store appends the event. Empty event_id, event_type, or tenant_id is
	// rejected.
	Store(ctx context.Context, evt event.Event) error

	// Get returns the event or nil when absent or owned by another tenant.
	Get(ctx context.Context, eventID, tenantID string) (*event.Event, error)

	// ByException returns events where exception_id or correlation_id equals
	// exceptionID, scoped to the tenant. The correlation term captures events
	// emitted before the business entity had an id.
	ByException(ctx context.Context, exceptionID, tenantID string, filter EventFilter, page, pageSize int) (EventPage, error)

	// ByTenant returns the tenant's events matching the filter.
	ByTenant(ctx context.Context, tenantID string, filter EventFilter, page, pageSize int) (EventPage, error)
}

// ProcessingLedger is the idempotency gate contract.
type ProcessingLedger interface {
	// Get returns the record for (event_id, worker_type) or nil.
	Get(ctx context.Context, eventID, workerType string) (*ProcessingRecord, error)

	// MarkProcessing upserts the record into the processing state.
	MarkProcessing(ctx context.Context, rec ProcessingRecord) error

	// MarkCompleted transitions the record to completed.
	MarkCompleted(ctx context.Context, eventID, workerType string) error

	// MarkFailed transitions the record to failed with the message and
	// attempt number.
	MarkFailed(ctx context.Context, eventID, workerType, errorMessage string, attempt int) error
}

// DeadLetterStore persists exhausted events for operators.
type DeadLetterStore interface {
	// Append inserts the entry with status pending.
	Append(ctx context.Context, entry DeadLetterEvent) error

	// Get returns the tenant's entry for the event id, or nil when absent.
	Get(ctx context.Context, tenantID, eventID string) (*DeadLetterEvent, error)

	// List returns the tenant's entries matching the filter.
	List(ctx context.Context, tenantID string, filter DeadLetterFilter, page, pageSize int) (DeadLetterPage, error)

	// Transition moves the entries to the target status. Transitions are
	// logged, entries are never deleted.
	Transition(ctx context.Context, tenantID string, eventIDs []string, status string) (int, error)

	// Size reports entries currently pending for the (tenant, event type,
	// worker type) combination; used to refresh the backlog gauge.
	Size(ctx context.Context, tenantID, eventType, workerType string) (int, error)
}

// NormalizePage clamps pagination inputs to sane values.
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 500 {
		pageSize = 500
	}
	return page, pageSize
}

// TotalPages computes the page count for a total row count.
func TotalPages(total, pageSize int) int {
	if total == 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

// ValidTransition reports whether an operator may move an entry from one
// status to another.
func ValidTransition(from, to string) bool {
	switch from {
	case DLQPending:
		return to == DLQRetrying || to == DLQDiscarded || to == DLQSucceeded
	case DLQRetrying:
		return to == DLQSucceeded || to == DLQDiscarded || to == DLQPending
	default:
		return false
	}
}
