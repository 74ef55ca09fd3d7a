// Package postgres implements the persistence contracts over pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/exceptions/internal/event"
	"example.com/exceptions/internal/persistence"
)

// EventStore is the Postgres-backed append-only event log.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore constructs an EventStore.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Store implements persistence.EventStore. The append is idempotent: a row
// with the same event_id is left untouched, so republishing an event after a
// retry does not trip the primary key.
func (s *EventStore) Store(ctx context.Context, evt event.Event) error {
	if strings.TrimSpace(evt.EventID) == "" || strings.TrimSpace(evt.EventType) == "" || strings.TrimSpace(evt.TenantID) == "" {
		return fmt.Errorf("event_id, event_type and tenant_id are required")
	}

	payload, err := marshalJSONMap(evt.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	metadata, err := marshalJSONMap(evt.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", evt.TenantID); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO event_log (event_id, event_type, tenant_id, exception_id, timestamp, correlation_id, payload, event_metadata, version)
         VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9)
         ON CONFLICT (event_id) DO NOTHING`,
		evt.EventID, evt.EventType, evt.TenantID, evt.ExceptionID, evt.Timestamp.UTC(), evt.CorrelationID, payload, metadata, evt.Version,
	)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Get implements persistence.EventStore.
func (s *EventStore) Get(ctx context.Context, eventID, tenantID string) (*event.Event, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, persistence.ErrTenantRequired
	}

	const query = `SELECT event_id, event_type, tenant_id, COALESCE(exception_id,''), timestamp, correlation_id, payload, event_metadata, version
        FROM event_log WHERE event_id=$1 AND tenant_id=$2`

	row := s.pool.QueryRow(ctx, query, eventID, tenantID)
	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &evt, nil
}

// ByException implements persistence.EventStore. The correlation_id term
// captures events emitted before the exception record existed.
func (s *EventStore) ByException(ctx context.Context, exceptionID, tenantID string, filter persistence.EventFilter, page, pageSize int) (persistence.EventPage, error) {
	if strings.TrimSpace(tenantID) == "" {
		return persistence.EventPage{}, persistence.ErrTenantRequired
	}

	where := []string{"tenant_id = $1", "(exception_id = $2 OR correlation_id = $2)"}
	args := []any{tenantID, exceptionID}
	where, args = appendFilter(where, args, filter)

	return s.query(ctx, where, args, page, pageSize)
}

// ByTenant implements persistence.EventStore.
func (s *EventStore) ByTenant(ctx context.Context, tenantID string, filter persistence.EventFilter, page, pageSize int) (persistence.EventPage, error) {
	if strings.TrimSpace(tenantID) == "" {
		return persistence.EventPage{}, persistence.ErrTenantRequired
	}

	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	where, args = appendFilter(where, args, filter)

	return s.query(ctx, where, args, page, pageSize)
}

func (s *EventStore) query(ctx context.Context, where []string, args []any, page, pageSize int) (persistence.EventPage, error) {
	page, pageSize = persistence.NormalizePage(page, pageSize)
	clause := strings.Join(where, " AND ")

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM event_log WHERE %s`, clause)
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return persistence.EventPage{}, err
	}

	listQuery := fmt.Sprintf(
		`SELECT event_id, event_type, tenant_id, COALESCE(exception_id,''), timestamp, correlation_id, payload, event_metadata, version
           FROM event_log WHERE %s
          ORDER BY timestamp DESC
          LIMIT $%d OFFSET $%d`,
		clause, len(args)+1, len(args)+2,
	)
	listArgs := append(append([]any(nil), args...), pageSize, (page-1)*pageSize)

	rows, err := s.pool.Query(ctx, listQuery, listArgs...)
	if err != nil {
		return persistence.EventPage{}, err
	}
	defer rows.Close()

	items := make([]event.Event, 0, pageSize)
	for rows.Next() {
		evt, scanErr := scanEvent(rows)
		if scanErr != nil {
			return persistence.EventPage{}, scanErr
		}
		items = append(items, evt)
	}
	if err := rows.Err(); err != nil {
		return persistence.EventPage{}, err
	}

	return persistence.EventPage{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: persistence.TotalPages(total, pageSize),
	}, nil
}

func appendFilter(where []string, args []any, filter persistence.EventFilter) ([]string, []any) {
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.EventType != "" {
		add("event_type = $%d", filter.EventType)
	}
	if filter.ExceptionID != "" {
		add("exception_id = $%d", filter.ExceptionID)
	}
	if filter.CorrelationID != "" {
		add("correlation_id = $%d", filter.CorrelationID)
	}
	if filter.From != nil {
		add("timestamp >= $%d", filter.From.UTC())
	}
	if filter.To != nil {
		add("timestamp <= $%d", filter.To.UTC())
	}
	if filter.Version != 0 {
		add("version = $%d", filter.Version)
	}
	return where, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		evt      event.Event
		payload  []byte
		metadata []byte
	)
	if err := row.Scan(&evt.EventID, &evt.EventType, &evt.TenantID, &evt.ExceptionID, &evt.Timestamp, &evt.CorrelationID, &payload, &metadata, &evt.Version); err != nil {
		return event.Event{}, err
	}
	if err := json.Unmarshal(payload, &evt.Payload); err != nil {
		return event.Event{}, fmt.Errorf("decoding payload: %w", err)
	}
	if err := json.Unmarshal(metadata, &evt.Metadata); err != nil {
		return event.Event{}, fmt.Errorf("decoding metadata: %w", err)
	}
	evt.Timestamp = evt.Timestamp.UTC()
	return evt, nil
}

// marshalJSONMap encodes a map for a JSONB column with timestamps rendered
// as ISO strings.
func marshalJSONMap(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(event.SanitizeMap(m))
}
