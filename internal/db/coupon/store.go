// Package coupondb stores coupons and redemptions in Postgres.
package coupondb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"storefront/internal/coupon"
	"storefront/internal/db/pgutil"
)

// Store implements coupon.Store. Redemption changes run under SELECT ... FOR UPDATE on the coupon row.
type Store struct {
	db *sqlx.DB
}

// NewStore constructs a Store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const couponColumns = `id, code, discount_type, discount_value, max_discount, min_order_value,
	usage_limit, usage_count, max_uses_per_user, valid_from, valid_until, active, categories,
	created_at, updated_at`

const redemptionColumns = `coupon_id, code, user_id, order_id, discount_amount, status, created_at, confirmed_at`

type queryer interface {
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
}

func scanCoupon(row *sqlx.Row) (coupon.Coupon, error) {
	var (
		c              coupon.Coupon
		discountType   string
		usageLimit     sql.NullInt64
		maxUsesPerUser sql.NullInt64
		categories     string
	)
	err := row.Scan(&c.ID, &c.Code, &discountType, &c.DiscountValue, &c.MaxDiscount, &c.MinOrderValue,
		&usageLimit, &c.UsageCount, &maxUsesPerUser, &c.ValidFrom, &c.ValidUntil, &c.Active, &categories,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return coupon.Coupon{}, err
	}
	c.DiscountType = coupon.DiscountType(discountType)
	c.UsageLimit = intPtr(usageLimit)
	c.MaxUsesPerUser = intPtr(maxUsesPerUser)
	c.Categories = splitCategories(categories)
	return c, nil
}

func findCoupon(ctx context.Context, q queryer, where string, arg any, lock bool) (coupon.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE ` + where
	if lock {
		query += ` FOR UPDATE`
	}
	c, err := scanCoupon(q.QueryRowxContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return coupon.Coupon{}, fmt.Errorf("find coupon %v: %w", arg, coupon.ErrNotFound)
	}
	if err != nil {
		return coupon.Coupon{}, pgutil.Classify("find coupon", err)
	}
	return c, nil
}

func redemptionByOrder(ctx context.Context, q queryer, orderID string) (coupon.Redemption, bool, error) {
	var (
		r           coupon.Redemption
		status      string
		confirmedAt sql.NullTime
	)
	err := q.QueryRowxContext(ctx, `SELECT `+redemptionColumns+` FROM coupon_redemptions WHERE order_id = $1 ORDER BY id LIMIT 1`, orderID).
		Scan(&r.CouponID, &r.Code, &r.UserID, &r.OrderID, &r.DiscountAmount, &status, &r.CreatedAt, &confirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return coupon.Redemption{}, false, nil
	}
	if err != nil {
		return coupon.Redemption{}, false, pgutil.Classify("find redemption", err)
	}
	r.Status = coupon.RedemptionStatus(status)
	if confirmedAt.Valid {
		t := confirmedAt.Time
		r.ConfirmedAt = &t
	}
	return r, true, nil
}

func countUserRedemptions(ctx context.Context, q queryer, couponID, userID string) (int, error) {
	var n int
	err := q.QueryRowxContext(ctx, `
		SELECT COUNT(*) FROM coupon_redemptions
		WHERE coupon_id = $1 AND user_id = $2 AND status = $3`,
		couponID, userID, string(coupon.RedemptionApplied),
	).Scan(&n)
	if err != nil {
		return 0, pgutil.Classify("count redemptions", err)
	}
	return n, nil
}

func (s *Store) FindByCode(ctx context.Context, code string) (coupon.Coupon, error) {
	return findCoupon(ctx, s.db, "code = $1", code, false)
}

func (s *Store) CountUserRedemptions(ctx context.Context, couponID, userID string) (int, error) {
	return countUserRedemptions(ctx, s.db, couponID, userID)
}

func (s *Store) RedemptionByOrder(ctx context.Context, orderID string) (coupon.Redemption, bool, error) {
	return redemptionByOrder(ctx, s.db, orderID)
}

func (s *Store) Create(ctx context.Context, c coupon.Coupon) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coupons (id, code, discount_type, discount_value, max_discount, min_order_value,
			usage_limit, usage_count, max_uses_per_user, valid_from, valid_until, active, categories,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID, c.Code, string(c.DiscountType), c.DiscountValue, c.MaxDiscount, c.MinOrderValue,
		nullInt(c.UsageLimit), c.UsageCount, nullInt(c.MaxUsesPerUser), c.ValidFrom, c.ValidUntil, c.Active,
		strings.Join(c.Categories, ","), c.CreatedAt, c.UpdatedAt,
	)
	if pgutil.IsUniqueViolation(err) {
		return fmt.Errorf("create %s: %w", c.Code, coupon.ErrDuplicateCode)
	}
	return pgutil.Classify("create coupon", err)
}

func (s *Store) WithTx(ctx context.Context, fn func(coupon.Tx) error) error {
	return pgutil.Transact(ctx, s.db, func(tx *sqlx.Tx) error {
		return fn(&storeTx{tx: tx})
	})
}

type storeTx struct {
	tx *sqlx.Tx
}

func (t *storeTx) LockByCode(ctx context.Context, code string) (coupon.Coupon, error) {
	return findCoupon(ctx, t.tx, "code = $1", code, true)
}

func (t *storeTx) LockByID(ctx context.Context, couponID string) (coupon.Coupon, error) {
	return findCoupon(ctx, t.tx, "id = $1", couponID, true)
}

func (t *storeTx) RedemptionByOrder(ctx context.Context, orderID string) (coupon.Redemption, bool, error) {
	return redemptionByOrder(ctx, t.tx, orderID)
}

func (t *storeTx) CountUserRedemptions(ctx context.Context, couponID, userID string) (int, error) {
	return countUserRedemptions(ctx, t.tx, couponID, userID)
}

func (t *storeTx) InsertRedemption(ctx context.Context, r coupon.Redemption) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO coupon_redemptions (coupon_id, code, user_id, order_id, discount_amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.CouponID, r.Code, r.UserID, r.OrderID, r.DiscountAmount, string(r.Status), r.CreatedAt,
	)
	return pgutil.Classify("insert redemption", err)
}

func (t *storeTx) UpdateRedemption(ctx context.Context, r coupon.Redemption) error {
	var confirmedAt sql.NullTime
	if r.ConfirmedAt != nil {
		confirmedAt = sql.NullTime{Time: *r.ConfirmedAt, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE coupon_redemptions
		SET status = $3, confirmed_at = $4
		WHERE coupon_id = $1 AND order_id = $2`,
		r.CouponID, r.OrderID, string(r.Status), confirmedAt,
	)
	return pgutil.Classify("update redemption", err)
}

func (t *storeTx) SetUsageCount(ctx context.Context, couponID string, count int) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE coupons SET usage_count = $2, updated_at = $3 WHERE id = $1`,
		couponID, count, time.Now().UTC(),
	)
	return pgutil.Classify("update usage", err)
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func splitCategories(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
