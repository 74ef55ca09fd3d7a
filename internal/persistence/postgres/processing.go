package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/exceptions/internal/persistence"
)

// ProcessingLedger is the Postgres-backed idempotency ledger.
type ProcessingLedger struct {
	pool *pgxpool.Pool
}

// NewProcessingLedger constructs a ProcessingLedger.
func NewProcessingLedger(pool *pgxpool.Pool) *ProcessingLedger {
	return &ProcessingLedger{pool: pool}
}

// Get implements persistence.ProcessingLedger.
func (l *ProcessingLedger) Get(ctx context.Context, eventID, workerType string) (*persistence.ProcessingRecord, error) {
	const query = `SELECT event_id, worker_type, tenant_id, COALESCE(exception_id,''), status, processed_at, COALESCE(error_message,''), attempt_number
        FROM event_processing WHERE event_id=$1 AND worker_type=$2`

	var rec persistence.ProcessingRecord
	err := l.pool.QueryRow(ctx, query, eventID, workerType).Scan(
		&rec.EventID, &rec.WorkerType, &rec.TenantID, &rec.ExceptionID,
		&rec.Status, &rec.ProcessedAt, &rec.ErrorMessage, &rec.AttemptNumber,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// MarkProcessing implements persistence.ProcessingLedger. The upsert keeps
// error_message and attempt_number from earlier failed attempts so the retry
// count survives redelivery.
func (l *ProcessingLedger) MarkProcessing(ctx context.Context, rec persistence.ProcessingRecord) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO event_processing (event_id, worker_type, tenant_id, exception_id, status, processed_at)
         VALUES ($1,$2,$3,NULLIF($4,''),'processing',$5)
         ON CONFLICT (event_id, worker_type)
         DO UPDATE SET status='processing', processed_at=EXCLUDED.processed_at`,
		rec.EventID, rec.WorkerType, rec.TenantID, rec.ExceptionID, time.Now().UTC(),
	)
	return err
}

// MarkCompleted implements persistence.ProcessingLedger.
func (l *ProcessingLedger) MarkCompleted(ctx context.Context, eventID, workerType string) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE event_processing SET status='completed', processed_at=$3
         WHERE event_id=$1 AND worker_type=$2`,
		eventID, workerType, time.Now().UTC(),
	)
	return err
}

// MarkFailed implements persistence.ProcessingLedger.
func (l *ProcessingLedger) MarkFailed(ctx context.Context, eventID, workerType, errorMessage string, attempt int) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE event_processing SET status='failed', error_message=$3, attempt_number=$4, processed_at=$5
         WHERE event_id=$1 AND worker_type=$2`,
		eventID, workerType, errorMessage, attempt, time.Now().UTC(),
	)
	return err
}
