// Package paymentdb keeps the payment ledger in Postgres.
package paymentdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"storefront/internal/db/pgutil"
	"storefront/internal/payment"
)

// PostgresPaymentStore persists payments and refunds in Postgres.
type PostgresPaymentStore struct {
	db *sqlx.DB
}

// NewPostgresPaymentStore constructs a payment.Store backed by Postgres.
func NewPostgresPaymentStore(db *sqlx.DB) *PostgresPaymentStore {
	return &PostgresPaymentStore{db: db}
}

const paymentColumns = `payment_id, order_id, amount, currency, status, transaction_id, redirect_url, refunded_amount, created_at, updated_at`

type paymentRow struct {
	PaymentID      string              `db:"payment_id"`
	OrderID        string              `db:"order_id"`
	Amount         decimal.Decimal     `db:"amount"`
	Currency       string              `db:"currency"`
	Status         string              `db:"status"`
	TransactionID  string              `db:"transaction_id"`
	RedirectURL    string              `db:"redirect_url"`
	RefundedAmount decimal.NullDecimal `db:"refunded_amount"`
	CreatedAt      sql.NullTime        `db:"created_at"`
	UpdatedAt      sql.NullTime        `db:"updated_at"`
}

func (r paymentRow) payment() payment.Payment {
	p := payment.Payment{
		PaymentID:      r.PaymentID,
		OrderID:        r.OrderID,
		Amount:         r.Amount,
		Currency:       r.Currency,
		Status:         payment.Status(r.Status),
		TransactionID:  r.TransactionID,
		RedirectURL:    r.RedirectURL,
		RefundedAmount: r.RefundedAmount,
	}
	p.CreatedAt = r.CreatedAt.Time
	p.UpdatedAt = r.UpdatedAt.Time
	return p
}

func (s *PostgresPaymentStore) Insert(ctx context.Context, p payment.Payment) (payment.Payment, bool, error) {
	if p.OrderID == "" {
		return payment.Payment{}, false, fmt.Errorf("order id required")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (payment_id, order_id, amount, currency, status, redirect_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO NOTHING`,
		p.PaymentID, p.OrderID, p.Amount, p.Currency, string(p.Status), p.RedirectURL,
	)
	if err != nil {
		return payment.Payment{}, false, pgutil.Classify("insert payment", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return payment.Payment{}, false, err
	}
	if affected == 1 {
		return p, true, nil
	}

	existing, ok, err := s.ByOrder(ctx, p.OrderID)
	if err != nil {
		return payment.Payment{}, false, err
	}
	if !ok {
		return payment.Payment{}, false, fmt.Errorf("payment for order %s not found after conflict", p.OrderID)
	}
	return existing, false, nil
}

func (s *PostgresPaymentStore) Get(ctx context.Context, paymentID string) (payment.Payment, error) {
	var row paymentRow
	err := s.db.GetContext(ctx, &row, `SELECT `+paymentColumns+` FROM payments WHERE payment_id = $1`, paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return payment.Payment{}, fmt.Errorf("get %s: %w", paymentID, payment.ErrNotFound)
	}
	if err != nil {
		return payment.Payment{}, pgutil.Classify("get payment", err)
	}
	return row.payment(), nil
}

func (s *PostgresPaymentStore) ByOrder(ctx context.Context, orderID string) (payment.Payment, bool, error) {
	var row paymentRow
	err := s.db.GetContext(ctx, &row, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return payment.Payment{}, false, nil
	}
	if err != nil {
		return payment.Payment{}, false, pgutil.Classify("get payment by order", err)
	}
	return row.payment(), true, nil
}

func (s *PostgresPaymentStore) UpdateStatus(ctx context.Context, paymentID string, status payment.Status, transactionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $2, transaction_id = COALESCE(NULLIF($3, ''), transaction_id), updated_at = NOW()
		WHERE payment_id = $1`,
		paymentID, string(status), transactionID,
	)
	if err != nil {
		return pgutil.Classify("update payment", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("update %s: %w", paymentID, payment.ErrNotFound)
	}
	return nil
}

func (s *PostgresPaymentStore) MarkRefunded(ctx context.Context, paymentID string, amount decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $3, refunded_amount = $2, updated_at = NOW()
		WHERE payment_id = $1 AND status = $4`,
		paymentID, amount, string(payment.StatusRefunded), string(payment.StatusSucceeded),
	)
	if err != nil {
		return pgutil.Classify("refund payment", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var status string
	row := s.db.QueryRowxContext(ctx, `SELECT status FROM payments WHERE payment_id = $1`, paymentID)
	switch scanErr := row.Scan(&status); scanErr {
	case nil:
		if payment.Status(status) == payment.StatusRefunded {
			return payment.ErrAlreadyRefunded
		}
		return payment.ErrNotCaptured
	case sql.ErrNoRows:
		return fmt.Errorf("refund %s: %w", paymentID, payment.ErrNotFound)
	default:
		return scanErr
	}
}

var _ payment.Store = (*PostgresPaymentStore)(nil)
