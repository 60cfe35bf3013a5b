package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// maxRetries bounds the retry loop in WithTxn at 5 attempts, per spec §5/§7:
// "Retryable transient conflicts ... are retried up to 5 times."
const maxRetries = 5

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// ErrUniqueViolation is a sentinel that IsUniqueViolation also recognises.
// WithTxn returns a unique-key conflict from fn unchanged (not wrapped in this
// sentinel), so callers use IsUniqueViolation to distinguish "first-time bid
// placement race, retry as a raise" from "Round already settled, swallow" per
// §4.6.3 step 5 and §5.
var ErrUniqueViolation = errors.New("unique key violation")

// IsUniqueViolation reports whether err is (or wraps) a Postgres 23505.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return errors.Is(err, ErrUniqueViolation)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}

// WithTxn runs fn inside a serializable transaction, making at most
// maxRetries attempts on serialization/deadlock conflicts. fn must not commit or
// roll back tx itself. A fn error that is a unique-key violation is NOT
// retried here — the caller decides (see ErrUniqueViolation/IsUniqueViolation)
// whether that race means "retry as a different operation" or "swallow as
// idempotent".
func (s *Store) WithTxn(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}

		err = fn(tx)
		if err != nil {
			_ = tx.Rollback()
			if IsUniqueViolation(err) {
				return err
			}
			if isRetryable(err) {
				lastErr = err
				zap.L().Debug("txn retry", zap.Int("attempt", attempt+1), zap.Error(err))
				time.Sleep(backoff(attempt))
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if isRetryable(err) {
				lastErr = err
				time.Sleep(backoff(attempt))
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 5 * time.Millisecond
	if d > 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}
