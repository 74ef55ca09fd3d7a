// Package memory provides in-memory implementations of the persistence
// contracts for unit tests and local development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"example.com/exceptions/internal/event"
	"example.com/exceptions/internal/persistence"
)

// EventStore keeps events in a slice ordered by insertion. event_id is the
// primary key, matching the Postgres table: appending an id twice keeps the
// first row.
type EventStore struct {
	mu     sync.RWMutex
	events []event.Event
	byID   map[string]struct{}

	// StoreErr, when set, is returned by Store. Tests use it to force the
	// persist-first failure path.
	StoreErr error
}

// NewEventStore constructs an empty EventStore.
func NewEventStore() *EventStore {
	return &EventStore{byID: make(map[string]struct{})}
}

// Store implements persistence.EventStore. Idempotent on event_id.
func (s *EventStore) Store(ctx context.Context, evt event.Event) error {
	if s.StoreErr != nil {
		return s.StoreErr
	}
	if strings.TrimSpace(evt.EventID) == "" || strings.TrimSpace(evt.EventType) == "" || strings.TrimSpace(evt.TenantID) == "" {
		return persistence.ErrTenantRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[evt.EventID]; ok {
		return nil
	}
	s.byID[evt.EventID] = struct{}{}
	s.events = append(s.events, evt.Clone())
	return nil
}

// Get implements persistence.EventStore.
func (s *EventStore) Get(ctx context.Context, eventID, tenantID string) (*event.Event, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, persistence.ErrTenantRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, evt := range s.events {
		if evt.EventID == eventID && evt.TenantID == tenantID {
			out := evt.Clone()
			return &out, nil
		}
	}
	return nil, nil
}

// ByException implements persistence.EventStore.
func (s *EventStore) ByException(ctx context.Context, exceptionID, tenantID string, filter persistence.EventFilter, page, pageSize int) (persistence.EventPage, error) {
	if strings.TrimSpace(tenantID) == "" {
		return persistence.EventPage{}, persistence.ErrTenantRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]event.Event, 0)
	for _, evt := range s.events {
		if evt.TenantID != tenantID {
			continue
		}
		if evt.ExceptionID != exceptionID && evt.CorrelationID != exceptionID {
			continue
		}
		if matchesFilter(evt, filter) {
			matches = append(matches, evt.Clone())
		}
	}
	return paginate(matches, page, pageSize), nil
}

// ByTenant implements persistence.EventStore.
func (s *EventStore) ByTenant(ctx context.Context, tenantID string, filter persistence.EventFilter, page, pageSize int) (persistence.EventPage, error) {
	if strings.TrimSpace(tenantID) == "" {
		return persistence.EventPage{}, persistence.ErrTenantRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]event.Event, 0)
	for _, evt := range s.events {
		if evt.TenantID != tenantID {
			continue
		}
		if matchesFilter(evt, filter) {
			matches = append(matches, evt.Clone())
		}
	}
	return paginate(matches, page, pageSize), nil
}

// All returns every stored event, oldest first. Test helper.
func (s *EventStore) All() []event.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]event.Event, 0, len(s.events))
	for _, evt := range s.events {
		out = append(out, evt.Clone())
	}
	return out
}

func matchesFilter(evt event.Event, filter persistence.EventFilter) bool {
	if filter.EventType != "" && evt.EventType != filter.EventType {
		return false
	}
	if filter.ExceptionID != "" && evt.ExceptionID != filter.ExceptionID {
		return false
	}
	if filter.CorrelationID != "" && evt.CorrelationID != filter.CorrelationID {
		return false
	}
	if filter.From != nil && evt.Timestamp.Before(*filter.From) {
		return false
	}
	if filter.To != nil && evt.Timestamp.After(*filter.To) {
		return false
	}
	if filter.Version != 0 && evt.Version != filter.Version {
		return false
	}
	return true
}

func paginate(matches []event.Event, page, pageSize int) persistence.EventPage {
	page, pageSize = persistence.NormalizePage(page, pageSize)

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Timestamp.After(matches[j].Timestamp)
	})

	total := len(matches)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return persistence.EventPage{
		Items:      matches[start:end],
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: persistence.TotalPages(total, pageSize),
	}
}

// ProcessingLedger keeps idempotency records keyed by (event_id, worker_type).
type ProcessingLedger struct {
	mu      sync.RWMutex
	records map[[2]string]persistence.ProcessingRecord
}

// NewProcessingLedger constructs an empty ProcessingLedger.
func NewProcessingLedger() *ProcessingLedger {
	return &ProcessingLedger{records: make(map[[2]string]persistence.ProcessingRecord)}
}

// Get implements persistence.ProcessingLedger.
func (l *ProcessingLedger) Get(ctx context.Context, eventID, workerType string) (*persistence.ProcessingRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if rec, ok := l.records[[2]string{eventID, workerType}]; ok {
		out := rec
		return &out, nil
	}
	return nil, nil
}

// MarkProcessing implements persistence.ProcessingLedger.
func (l *ProcessingLedger) MarkProcessing(ctx context.Context, rec persistence.ProcessingRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := [2]string{rec.EventID, rec.WorkerType}
	existing, ok := l.records[key]
	if ok {
		// Preserve attempt bookkeeping across redeliveries.
		rec.AttemptNumber = existing.AttemptNumber
		if rec.ErrorMessage == "" {
			rec.ErrorMessage = existing.ErrorMessage
		}
	}
	rec.Status = persistence.StateProcessing
	rec.ProcessedAt = time.Now().UTC()
	l.records[key] = rec
	return nil
}

// MarkCompleted implements persistence.ProcessingLedger.
func (l *ProcessingLedger) MarkCompleted(ctx context.Context, eventID, workerType string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := [2]string{eventID, workerType}
	rec := l.records[key]
	rec.EventID = eventID
	rec.WorkerType = workerType
	rec.Status = persistence.StateCompleted
	rec.ProcessedAt = time.Now().UTC()
	l.records[key] = rec
	return nil
}

// MarkFailed implements persistence.ProcessingLedger.
func (l *ProcessingLedger) MarkFailed(ctx context.Context, eventID, workerType, errorMessage string, attempt int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := [2]string{eventID, workerType}
	rec := l.records[key]
	rec.EventID = eventID
	rec.WorkerType = workerType
	rec.Status = persistence.StateFailed
	rec.ErrorMessage = errorMessage
	rec.AttemptNumber = attempt
	rec.ProcessedAt = time.Now().UTC()
	l.records[key] = rec
	return nil
}

// DeadLetterStore keeps dead-letter entries in insertion order.
type DeadLetterStore struct {
	mu      sync.RWMutex
	entries []persistence.DeadLetterEvent
}

// NewDeadLetterStore constructs an empty DeadLetterStore.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{}
}

// Append implements persistence.DeadLetterStore.
func (s *DeadLetterStore) Append(ctx context.Context, entry persistence.DeadLetterEvent) error {
	if strings.TrimSpace(entry.TenantID) == "" {
		return persistence.ErrTenantRequired
	}
	if entry.Status == "" {
		entry.Status = persistence.DLQPending
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Get implements persistence.DeadLetterStore.
func (s *DeadLetterStore) Get(ctx context.Context, tenantID, eventID string) (*persistence.DeadLetterEvent, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, persistence.ErrTenantRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].TenantID == tenantID && s.entries[i].EventID == eventID {
			out := s.entries[i]
			return &out, nil
		}
	}
	return nil, nil
}

// List implements persistence.DeadLetterStore.
func (s *DeadLetterStore) List(ctx context.Context, tenantID string, filter persistence.DeadLetterFilter, page, pageSize int) (persistence.DeadLetterPage, error) {
	if strings.TrimSpace(tenantID) == "" {
		return persistence.DeadLetterPage{}, persistence.ErrTenantRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]persistence.DeadLetterEvent, 0)
	for _, entry := range s.entries {
		if entry.TenantID != tenantID {
			continue
		}
		if filter.EventType != "" && entry.EventType != filter.EventType {
			continue
		}
		if filter.WorkerType != "" && entry.WorkerType != filter.WorkerType {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		matches = append(matches, entry)
	}

	page, pageSize = persistence.NormalizePage(page, pageSize)
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].FailedAt.After(matches[j].FailedAt)
	})

	total := len(matches)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return persistence.DeadLetterPage{
		Items:      matches[start:end],
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: persistence.TotalPages(total, pageSize),
	}, nil
}

// Transition implements persistence.DeadLetterStore.
func (s *DeadLetterStore) Transition(ctx context.Context, tenantID string, eventIDs []string, status string) (int, error) {
	if strings.TrimSpace(tenantID) == "" {
		return 0, persistence.ErrTenantRequired
	}

	wanted := make(map[string]struct{}, len(eventIDs))
	for _, id := range eventIDs {
		wanted[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated := 0
	for i := range s.entries {
		entry := &s.entries[i]
		if entry.TenantID != tenantID {
			continue
		}
		if _, ok := wanted[entry.EventID]; !ok {
			continue
		}
		if !persistence.ValidTransition(entry.Status, status) {
			return updated, persistence.ErrInvalidTransition
		}
		entry.Status = status
		updated++
	}
	return updated, nil
}

// Size implements persistence.DeadLetterStore.
func (s *DeadLetterStore) Size(ctx context.Context, tenantID, eventType, workerType string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, entry := range s.entries {
		if tenantID != "" && entry.TenantID != tenantID {
			continue
		}
		if eventType != "" && entry.EventType != eventType {
			continue
		}
		if workerType != "" && entry.WorkerType != workerType {
			continue
		}
		if entry.Status == persistence.DLQPending {
			count++
		}
	}
	return count, nil
}
