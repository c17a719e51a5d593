package frauddb

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"storefront/internal/fraud"
)

func newFraudMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
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

func TestStore_Profile(t *testing.T) {
	db, mock, cleanup := newFraudMockDB(t)
	t.Cleanup(cleanup)
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM fraud_order_history").
		WithArgs("u1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count", "avg", "recent"}).AddRow(3, "33.3333", 2))
	mock.ExpectQuery("SELECT DISTINCT device_id").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"device_id"}).AddRow("dev-1").AddRow("dev-2"))
	mock.ExpectQuery("SELECT DISTINCT ip_address").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"ip_address"}))
	mock.ExpectQuery("FROM fraud_chargebacks").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectClose()

	p, err := NewStore(db).Profile(context.Background(), "u1", since)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p.OrderCount != 3 || p.OrdersLast24h != 2 || p.Chargebacks != 1 {
		t.Fatalf("unexpected profile: %+v", p)
	}
	if p.AverageAmount.StringFixed(2) != "33.33" {
		t.Fatalf("unexpected average: %s", p.AverageAmount)
	}
	if len(p.KnownDevices) != 2 || len(p.KnownIPs) != 0 {
		t.Fatalf("unexpected known sets: %+v", p)
	}
}

func TestStore_SaveDecisionKeepsFirst(t *testing.T) {
	db, mock, cleanup := newFraudMockDB(t)
	t.Cleanup(cleanup)
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO fraud_decisions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM fraud_decisions WHERE order_id").
		WithArgs("o1").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "score", "risk_level", "approved", "review_required", "escalated", "reason", "created_at"}).
			AddRow("o1", 10, "LOW", true, false, false, "order appears legitimate", issued))
	mock.ExpectClose()

	got, err := NewStore(db).SaveDecision(context.Background(), fraud.Decision{OrderID: "o1", Score: 95, RiskLevel: fraud.RiskCritical})
	if err != nil {
		t.Fatalf("SaveDecision: %v", err)
	}
	if got.Score != 10 || got.RiskLevel != fraud.RiskLow {
		t.Fatalf("expected stored decision, got %+v", got)
	}
}
