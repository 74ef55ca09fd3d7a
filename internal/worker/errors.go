package worker

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors handlers can wrap to steer failure classification.
var (
	// ErrValidation marks input the handler rejected.
	ErrValidation = errors.New("validation error")
	// ErrDatabase marks persistence failures inside handler logic.
	ErrDatabase = errors.New("database error")
)

// ClassifyError buckets a handler failure for the failures_total metric and
// the retry path.
func ClassifyError(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrDatabase):
		return "database_error"
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return "database_error"
	}
	return "processing_error"
}
