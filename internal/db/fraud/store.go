// Package frauddb keeps fraud history and issued decisions in Postgres.
package frauddb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"storefront/internal/db/pgutil"
	"storefront/internal/fraud"
)

// Store implements fraud.Store.
type Store struct {
	db *sqlx.DB
}

// NewStore constructs a Store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

type decisionRow struct {
	OrderID        string    `db:"order_id"`
	Score          int       `db:"score"`
	RiskLevel      string    `db:"risk_level"`
	Approved       bool      `db:"approved"`
	ReviewRequired bool      `db:"review_required"`
	Escalated      bool      `db:"escalated"`
	Reason         string    `db:"reason"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r decisionRow) decision() fraud.Decision {
	return fraud.Decision{
		OrderID:        r.OrderID,
		Score:          r.Score,
		RiskLevel:      fraud.RiskLevel(r.RiskLevel),
		Approved:       r.Approved,
		ReviewRequired: r.ReviewRequired,
		Escalated:      r.Escalated,
		Reason:         r.Reason,
		CreatedAt:      r.CreatedAt,
	}
}

func (s *Store) Profile(ctx context.Context, userID string, since time.Time) (fraud.Profile, error) {
	var p fraud.Profile
	err := s.db.QueryRowxContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(amount), 0), COUNT(*) FILTER (WHERE created_at >= $2)
		FROM fraud_order_history
		WHERE user_id = $1`,
		userID, since,
	).Scan(&p.OrderCount, &p.AverageAmount, &p.OrdersLast24h)
	if err != nil {
		return fraud.Profile{}, pgutil.Classify("fraud profile", err)
	}
	p.AverageAmount = p.AverageAmount.Round(2)

	if err := s.db.SelectContext(ctx, &p.KnownDevices, `
		SELECT DISTINCT device_id FROM fraud_order_history
		WHERE user_id = $1 AND device_id <> '' ORDER BY device_id`, userID); err != nil {
		return fraud.Profile{}, pgutil.Classify("known devices", err)
	}
	if err := s.db.SelectContext(ctx, &p.KnownIPs, `
		SELECT DISTINCT ip_address FROM fraud_order_history
		WHERE user_id = $1 AND ip_address <> '' ORDER BY ip_address`, userID); err != nil {
		return fraud.Profile{}, pgutil.Classify("known ips", err)
	}
	if err := s.db.GetContext(ctx, &p.Chargebacks, `SELECT COUNT(*) FROM fraud_chargebacks WHERE user_id = $1`, userID); err != nil {
		return fraud.Profile{}, pgutil.Classify("chargebacks", err)
	}
	return p, nil
}

func (s *Store) RecordAttempt(ctx context.Context, a fraud.Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_order_history (order_id, user_id, amount, device_id, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO NOTHING`,
		a.OrderID, a.UserID, a.Amount, a.DeviceID, a.IPAddress, a.CreatedAt,
	)
	return pgutil.Classify("record attempt", err)
}

// AddChargeback records a chargeback for the user's order.
func (s *Store) AddChargeback(ctx context.Context, userID, orderID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO fraud_chargebacks (user_id, order_id) VALUES ($1, $2)`, userID, orderID)
	return pgutil.Classify("add chargeback", err)
}

const decisionColumns = `order_id, score, risk_level, approved, review_required, escalated, reason, created_at`

func (s *Store) Decision(ctx context.Context, orderID string) (fraud.Decision, bool, error) {
	var row decisionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+decisionColumns+` FROM fraud_decisions WHERE order_id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return fraud.Decision{}, false, nil
	}
	if err != nil {
		return fraud.Decision{}, false, pgutil.Classify("get decision", err)
	}
	return row.decision(), true, nil
}

func (s *Store) SaveDecision(ctx context.Context, d fraud.Decision) (fraud.Decision, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_decisions (`+decisionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (order_id) DO NOTHING`,
		d.OrderID, d.Score, string(d.RiskLevel), d.Approved, d.ReviewRequired, d.Escalated, d.Reason, d.CreatedAt,
	)
	if err != nil {
		return fraud.Decision{}, pgutil.Classify("save decision", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fraud.Decision{}, err
	}
	if affected == 1 {
		return d, nil
	}
	prior, ok, err := s.Decision(ctx, d.OrderID)
	if err != nil {
		return fraud.Decision{}, err
	}
	if !ok {
		return d, nil
	}
	return prior, nil
}

var _ fraud.Store = (*Store)(nil)
