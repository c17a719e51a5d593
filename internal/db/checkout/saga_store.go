// Package checkoutdb persists checkout sagas, their step log, order drafts and the
// product catalog in Postgres.
package checkoutdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"storefront/internal/checkout/saga"
	"storefront/internal/db/pgutil"
	"storefront/internal/outbox"
)

// SagaStore implements saga.Store. The full state is kept as JSONB next to the columns
// the sweeps filter on; every transition is guarded by the version column.
type SagaStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSagaStore constructs a SagaStore.
func NewSagaStore(db *sqlx.DB) *SagaStore {
	return &SagaStore{db: db, now: time.Now}
}

const sagaColumns = `state, version, created_at, updated_at`

type sagaRow struct {
	State     []byte    `db:"state"`
	Version   int64     `db:"version"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r sagaRow) state() (saga.State, error) {
	var st saga.State
	if err := json.Unmarshal(r.State, &st); err != nil {
		return saga.State{}, fmt.Errorf("decode saga state: %w", err)
	}
	st.Version = r.Version
	st.CreatedAt = r.CreatedAt.UTC()
	st.UpdatedAt = r.UpdatedAt.UTC()
	return st, nil
}

func (s *SagaStore) Create(ctx context.Context, st saga.State) (saga.State, bool, error) {
	st.Version = 1
	st.Touch(s.now())
	raw, err := json.Marshal(st)
	if err != nil {
		return saga.State{}, false, fmt.Errorf("encode saga state: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkout_sagas (order_id, idempotency_key, user_id, status, payment_id, state, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		st.OrderID, st.IdempotencyKey, st.UserID, string(st.Status), st.PaymentID, raw, st.UpdatedAt,
	)
	if pgutil.IsUniqueViolation(err) {
		return saga.State{}, false, fmt.Errorf("create %s: %w", st.OrderID, saga.ErrIdempotencyConflict)
	}
	if err != nil {
		return saga.State{}, false, pgutil.Classify("insert saga", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return saga.State{}, false, err
	}
	if affected == 1 {
		return st, true, nil
	}

	existing, err := s.get(ctx, `idempotency_key = $1`, st.IdempotencyKey)
	if err != nil {
		return saga.State{}, false, err
	}
	if existing.RequestHash != st.RequestHash {
		return saga.State{}, false, saga.ErrIdempotencyConflict
	}
	return existing, false, nil
}

func (s *SagaStore) get(ctx context.Context, where string, arg any) (saga.State, error) {
	var row sagaRow
	err := s.db.GetContext(ctx, &row, `SELECT `+sagaColumns+` FROM checkout_sagas WHERE `+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.State{}, fmt.Errorf("saga %v: %w", arg, saga.ErrNotFound)
	}
	if err != nil {
		return saga.State{}, pgutil.Classify("get saga", err)
	}
	return row.state()
}

func (s *SagaStore) Get(ctx context.Context, orderID string) (saga.State, error) {
	return s.get(ctx, `order_id = $1`, orderID)
}

func (s *SagaStore) GetByPayment(ctx context.Context, paymentID string) (saga.State, error) {
	if paymentID == "" {
		return saga.State{}, fmt.Errorf("empty payment id: %w", saga.ErrNotFound)
	}
	return s.get(ctx, `payment_id = $1`, paymentID)
}

// Save writes st if its version is still current, together with the processed
// transaction marker and the outbox events of opts.
func (s *SagaStore) Save(ctx context.Context, st saga.State, opts saga.SaveOptions) (saga.State, error) {
	expected := st.Version
	st.Version++
	st.Touch(s.now())
	raw, err := json.Marshal(st)
	if err != nil {
		return saga.State{}, fmt.Errorf("encode saga state: %w", err)
	}

	err = pgutil.Transact(ctx, s.db, func(tx *sqlx.Tx) error {
		if txn := opts.ProcessedTransaction; txn != "" {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO processed_webhooks (transaction_id, order_id, processed_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (transaction_id) DO NOTHING`,
				txn, st.OrderID, st.UpdatedAt,
			)
			if err != nil {
				return pgutil.Classify("record transaction", err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return fmt.Errorf("transaction %s: %w", txn, saga.ErrDuplicateEvent)
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE checkout_sagas
			SET status = $2, payment_id = $3, state = $4, version = version + 1, updated_at = $5
			WHERE order_id = $1 AND version = $6`,
			st.OrderID, string(st.Status), st.PaymentID, raw, st.UpdatedAt, expected,
		)
		if err != nil {
			return pgutil.Classify("update saga", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return s.missingOrStale(ctx, tx, st.OrderID, expected)
		}

		for _, ev := range opts.Events {
			if err := insertEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return saga.State{}, err
	}
	return st, nil
}

func (s *SagaStore) missingOrStale(ctx context.Context, tx *sqlx.Tx, orderID string, expected int64) error {
	var stored int64
	err := tx.QueryRowxContext(ctx, `SELECT version FROM checkout_sagas WHERE order_id = $1`, orderID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("save %s: %w", orderID, saga.ErrNotFound)
	}
	if err != nil {
		return pgutil.Classify("check saga version", err)
	}
	return fmt.Errorf("save %s at version %d (stored %d): %w", orderID, expected, stored, saga.ErrVersionConflict)
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, ev outbox.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, aggregate_id, type, payload, attempts, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)`,
		ev.ID, ev.AggregateID, ev.Type, []byte(ev.Payload), ev.CreatedAt,
	)
	if err != nil {
		return pgutil.Classify("insert outbox event", err)
	}
	return nil
}

func (s *SagaStore) ListByStatus(ctx context.Context, statuses []saga.Status, updatedBefore time.Time, limit int) ([]saga.State, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	if limit <= 0 {
		limit = 100
	}

	query, args, err := sqlx.In(`
		SELECT `+sagaColumns+`
		FROM checkout_sagas
		WHERE status IN (?) AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?`,
		names, updatedBefore, limit,
	)
	if err != nil {
		return nil, err
	}

	var rows []sagaRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, pgutil.Classify("list sagas", err)
	}
	out := make([]saga.State, 0, len(rows))
	for _, row := range rows {
		st, err := row.state()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *SagaStore) AddStep(ctx context.Context, rec saga.StepRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO checkout_saga_steps (order_id, step, status, detail, created_at)
		VALUES (:order_id, :step, :status, :detail, :created_at)`, rec)
	if err != nil {
		return pgutil.Classify("insert saga step", err)
	}
	return nil
}

func (s *SagaStore) Steps(ctx context.Context, orderID string) ([]saga.StepRecord, error) {
	var out []saga.StepRecord
	err := s.db.SelectContext(ctx, &out, `
		SELECT order_id, step, status, COALESCE(detail, '') AS detail, created_at
		FROM checkout_saga_steps
		WHERE order_id = $1
		ORDER BY id`, orderID)
	if err != nil {
		return nil, pgutil.Classify("list saga steps", err)
	}
	return out, nil
}

var _ saga.Store = (*SagaStore)(nil)
