package paymentdb

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"storefront/internal/payment"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	db := sqlx.NewDb(raw, "pgx")

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

var paymentCols = []string{"payment_id", "order_id", "amount", "currency", "status", "transaction_id", "redirect_url", "refunded_amount", "created_at", "updated_at"}

func TestPostgresPayment_InsertOncePerOrder(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO payments").
		WithArgs("pay-2", "order-1", sqlmock.AnyArg(), "USD", "PENDING", "/payment/order-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM payments WHERE order_id").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows(paymentCols).
			AddRow("pay-1", "order-1", "10.00", "USD", "PENDING", "", "/payment/order-1", nil, nil, nil))
	mock.ExpectClose()

	store := NewPostgresPaymentStore(db)
	got, created, err := store.Insert(context.Background(), payment.Payment{
		PaymentID:   "pay-2",
		OrderID:     "order-1",
		Amount:      decimal.NewFromInt(10),
		Currency:    "USD",
		Status:      payment.StatusPending,
		RedirectURL: "/payment/order-1",
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if created {
		t.Fatalf("expected existing payment")
	}
	if got.PaymentID != "pay-1" || !got.Amount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected payment: %+v", got)
	}
}

func TestPostgresPayment_RefundSucceedsOnce(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE payments").
		WithArgs("pay-1", sqlmock.AnyArg(), "REFUNDED", "SUCCEEDED").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE payments").
		WithArgs("pay-1", sqlmock.AnyArg(), "REFUNDED", "SUCCEEDED").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM payments").
		WithArgs("pay-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("REFUNDED"))
	mock.ExpectClose()

	store := NewPostgresPaymentStore(db)
	if err := store.MarkRefunded(context.Background(), "pay-1", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("first refund: %v", err)
	}
	if err := store.MarkRefunded(context.Background(), "pay-1", decimal.NewFromInt(10)); !errors.Is(err, payment.ErrAlreadyRefunded) {
		t.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}
}

func TestPostgresPayment_RefundWithoutCapture(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE payments").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM payments").
		WithArgs("pay-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PENDING"))
	mock.ExpectClose()

	if err := NewPostgresPaymentStore(db).MarkRefunded(context.Background(), "pay-1", decimal.NewFromInt(1)); !errors.Is(err, payment.ErrNotCaptured) {
		t.Fatalf("expected ErrNotCaptured, got %v", err)
	}
}

func TestPostgresPayment_UpdateStatusMissing(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE payments").
		WithArgs("pay-x", "SUCCEEDED", "txn-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	err := NewPostgresPaymentStore(db).UpdateStatus(context.Background(), "pay-x", payment.StatusSucceeded, "txn-1")
	if !errors.Is(err, payment.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
