// Package pgutil holds transaction and error helpers shared by the Postgres stores.
package pgutil

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"storefront/internal/apperr"
)

// Postgres error codes that indicate contention rather than a broken request.
const (
	CodeLockNotAvailable     = "55P03"
	CodeDeadlockDetected     = "40P01"
	CodeSerializationFailure = "40001"
	CodeQueryCanceled        = "57014"
	CodeUniqueViolation      = "23505"
)

// Transact runs fn inside a transaction, committing on success and rolling back otherwise.
func Transact(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return Classify("begin", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		} else if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return Classify("commit", err)
	}
	return nil
}

// Classify wraps lock, deadlock and serialization failures as transient errors.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case CodeLockNotAvailable, CodeDeadlockDetected, CodeSerializationFailure, CodeQueryCanceled:
			return apperr.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if apperr.IsTransient(err) {
		return apperr.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == CodeUniqueViolation
}

// LockTimeoutSetting renders a duration in the form accepted by SET LOCAL lock_timeout.
func LockTimeoutSetting(ms int64) string {
	if ms <= 0 {
		ms = 1
	}
	return fmt.Sprintf("%dms", ms)
}
