package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/exceptions/internal/persistence"
)

// DeadLetterStore is the Postgres-backed dead-letter queue.
type DeadLetterStore struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

// NewDeadLetterStore constructs a DeadLetterStore.
func NewDeadLetterStore(pool *pgxpool.Pool) *DeadLetterStore {
	return &DeadLetterStore{
		pool:   pool,
		logger: log.New(log.Writer(), "[dlq] ", log.LstdFlags),
	}
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

	payload, err := marshalJSONMap(entry.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	metadata, err := marshalJSONMap(entry.EventMetadata)
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

	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", entry.TenantID); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO dead_letter_events (event_id, event_type, tenant_id, exception_id, original_topic, failure_reason, retry_count, worker_type, payload, event_metadata, failed_at, status)
         VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,$12)`,
		entry.EventID, entry.EventType, entry.TenantID, entry.ExceptionID, entry.OriginalTopic,
		entry.FailureReason, entry.RetryCount, entry.WorkerType, payload, metadata, entry.FailedAt.UTC(), entry.Status,
	)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Get implements persistence.DeadLetterStore. When the same event was dead
// lettered more than once the most recent entry wins.
func (s *DeadLetterStore) Get(ctx context.Context, tenantID, eventID string) (*persistence.DeadLetterEvent, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, persistence.ErrTenantRequired
	}

	row := s.pool.QueryRow(ctx,
		`SELECT event_id, event_type, tenant_id, COALESCE(exception_id,''), original_topic, failure_reason, retry_count, worker_type, payload, event_metadata, failed_at, status
           FROM dead_letter_events
          WHERE tenant_id = $1 AND event_id = $2
          ORDER BY failed_at DESC
          LIMIT 1`,
		tenantID, eventID,
	)

	var (
		entry    persistence.DeadLetterEvent
		payload  []byte
		metadata []byte
	)
	err := row.Scan(&entry.EventID, &entry.EventType, &entry.TenantID, &entry.ExceptionID, &entry.OriginalTopic, &entry.FailureReason, &entry.RetryCount, &entry.WorkerType, &payload, &metadata, &entry.FailedAt, &entry.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &entry.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if err := json.Unmarshal(metadata, &entry.EventMetadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	entry.FailedAt = entry.FailedAt.UTC()
	return &entry, nil
}

// List implements persistence.DeadLetterStore.
func (s *DeadLetterStore) List(ctx context.Context, tenantID string, filter persistence.DeadLetterFilter, page, pageSize int) (persistence.DeadLetterPage, error) {
	if strings.TrimSpace(tenantID) == "" {
		return persistence.DeadLetterPage{}, persistence.ErrTenantRequired
	}
	page, pageSize = persistence.NormalizePage(page, pageSize)

	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.EventType != "" {
		add("event_type = $%d", filter.EventType)
	}
	if filter.WorkerType != "" {
		add("worker_type = $%d", filter.WorkerType)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	clause := strings.Join(where, " AND ")

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM dead_letter_events WHERE %s`, clause)
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return persistence.DeadLetterPage{}, err
	}

	listQuery := fmt.Sprintf(
		`SELECT event_id, event_type, tenant_id, COALESCE(exception_id,''), original_topic, failure_reason, retry_count, worker_type, payload, event_metadata, failed_at, status
           FROM dead_letter_events WHERE %s
          ORDER BY failed_at DESC
          LIMIT $%d OFFSET $%d`,
		clause, len(args)+1, len(args)+2,
	)
	listArgs := append(append([]any(nil), args...), pageSize, (page-1)*pageSize)

	rows, err := s.pool.Query(ctx, listQuery, listArgs...)
	if err != nil {
		return persistence.DeadLetterPage{}, err
	}
	defer rows.Close()

	items := make([]persistence.DeadLetterEvent, 0, pageSize)
	for rows.Next() {
		var (
			entry    persistence.DeadLetterEvent
			payload  []byte
			metadata []byte
		)
		if err := rows.Scan(&entry.EventID, &entry.EventType, &entry.TenantID, &entry.ExceptionID, &entry.OriginalTopic, &entry.FailureReason, &entry.RetryCount, &entry.WorkerType, &payload, &metadata, &entry.FailedAt, &entry.Status); err != nil {
			return persistence.DeadLetterPage{}, err
		}
		if err := json.Unmarshal(payload, &entry.Payload); err != nil {
			return persistence.DeadLetterPage{}, fmt.Errorf("decoding payload: %w", err)
		}
		if err := json.Unmarshal(metadata, &entry.EventMetadata); err != nil {
			return persistence.DeadLetterPage{}, fmt.Errorf("decoding metadata: %w", err)
		}
		entry.FailedAt = entry.FailedAt.UTC()
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return persistence.DeadLetterPage{}, err
	}

	return persistence.DeadLetterPage{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: persistence.TotalPages(total, pageSize),
	}, nil
}

// Transition implements persistence.DeadLetterStore. Only transitions the
// operator state machine allows are applied; each change is logged.
func (s *DeadLetterStore) Transition(ctx context.Context, tenantID string, eventIDs []string, status string) (int, error) {
	if strings.TrimSpace(tenantID) == "" {
		return 0, persistence.ErrTenantRequired
	}
	if !persistence.ValidTransition(persistence.DLQPending, status) && !persistence.ValidTransition(persistence.DLQRetrying, status) {
		return 0, persistence.ErrInvalidTransition
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE dead_letter_events SET status=$3
         WHERE tenant_id=$1 AND event_id = ANY($2)
           AND status IN ('pending','retrying')`,
		tenantID, eventIDs, status,
	)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	updated := int(tag.RowsAffected())
	s.logger.Printf("dlq transition tenant=%s status=%s updated=%d", tenantID, status, updated)
	return updated, nil
}

// Size implements persistence.DeadLetterStore.
func (s *DeadLetterStore) Size(ctx context.Context, tenantID, eventType, workerType string) (int, error) {
	where := []string{"status = 'pending'"}
	args := []any{}
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if tenantID != "" {
		add("tenant_id = $%d", tenantID)
	}
	if eventType != "" {
		add("event_type = $%d", eventType)
	}
	if workerType != "" {
		add("worker_type = $%d", workerType)
	}

	query := fmt.Sprintf(`SELECT COUNT(*) FROM dead_letter_events WHERE %s`, strings.Join(where, " AND "))
	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
