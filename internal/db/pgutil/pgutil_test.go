package pgutil

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"storefront/internal/apperr"
)

func TestClassify_LockErrorsAreTransient(t *testing.T) {
	for _, code := range []string{CodeLockNotAvailable, CodeDeadlockDetected, CodeSerializationFailure, CodeQueryCanceled} {
		err := Classify("lock", &pgconn.PgError{Code: code})
		if !apperr.IsTransient(err) {
			t.Fatalf("expected %s to be transient", code)
		}
	}
	if apperr.IsTransient(Classify("insert", &pgconn.PgError{Code: CodeUniqueViolation})) {
		t.Fatalf("unique violation must not be transient")
	}
	if Classify("noop", nil) != nil {
		t.Fatalf("expected nil")
	}
}

func TestTransact_RollsBackOnError(t *testing.T) {
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	db := sqlx.NewDb(raw, "pgx")
	t.Cleanup(func() {
		_ = db.Close()
	})

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = Transact(context.Background(), db, func(*sqlx.Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransact_Commits(t *testing.T) {
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	db := sqlx.NewDb(raw, "pgx")
	t.Cleanup(func() {
		_ = db.Close()
	})

	mock.ExpectBegin()
	mock.ExpectCommit()

	if err := Transact(context.Background(), db, func(*sqlx.Tx) error { return nil }); err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
