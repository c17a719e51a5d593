// Package coupon validates discount codes and records their redemptions against usage limits.
package coupon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"storefront/internal/apperr"
	"storefront/internal/telemetry"
)

var hundred = decimal.NewFromInt(100)

// Ledger is the coupon redemption service.
type Ledger struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// NewLedger constructs a Ledger. A nil clock defaults to time.Now.
func NewLedger(store Store, now func() time.Time, logger *slog.Logger) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		store:  store,
		now:    now,
		logger: telemetry.OrDefault(logger).With("component", "coupon"),
	}
}

// Validate checks every applicability rule and computes the discount.
func (l *Ledger) Validate(ctx context.Context, req ValidateRequest) (Quote, error) {
	code := NormalizeCode(req.Code)
	if code == "" {
		return Quote{}, apperr.Validation("couponCode", "required")
	}
	if req.OrderTotal.IsNegative() {
		return Quote{}, apperr.Validation("orderTotal", "must not be negative")
	}

	c, err := l.store.FindByCode(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return Quote{}, &apperr.CouponInvalidError{Code: code, Reason: "unknown coupon"}
	}
	if err != nil {
		return Quote{}, err
	}
	if err := l.checkUsable(c); err != nil {
		return Quote{}, err
	}
	if c.MinOrderValue.Valid && req.OrderTotal.LessThan(c.MinOrderValue.Decimal) {
		return Quote{}, &apperr.CouponInvalidError{
			Code:   code,
			Reason: fmt.Sprintf("order total below minimum %s", c.MinOrderValue.Decimal.StringFixed(2)),
		}
	}
	if !c.AppliesTo(req.Categories) {
		return Quote{}, &apperr.CouponInvalidError{Code: code, Reason: "not applicable to the ordered categories"}
	}
	if req.UserID != "" && c.MaxUsesPerUser != nil {
		used, err := l.store.CountUserRedemptions(ctx, c.ID, req.UserID)
		if err != nil {
			return Quote{}, err
		}
		if used >= *c.MaxUsesPerUser {
			return Quote{}, &apperr.CouponInvalidError{Code: code, Reason: "per-user usage limit reached"}
		}
	}

	discount := Discount(c, req.OrderTotal)
	return Quote{
		CouponID:    c.ID,
		Code:        c.Code,
		Discount:    discount,
		FinalAmount: req.OrderTotal.Sub(discount),
	}, nil
}

// Discount computes the discount c grants on total: percentages round half up to
// cents, then the result is capped by MaxDiscount and by the total itself.
func Discount(c Coupon, total decimal.Decimal) decimal.Decimal {
	var d decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		d = total.Mul(c.DiscountValue).Div(hundred).Round(2)
	default:
		d = c.DiscountValue
	}
	if c.MaxDiscount.Valid && d.GreaterThan(c.MaxDiscount.Decimal) {
		d = c.MaxDiscount.Decimal
	}
	if d.GreaterThan(total) {
		d = total
	}
	if d.IsNegative() {
		d = decimal.Zero
	}
	return d
}

func (l *Ledger) checkUsable(c Coupon) error {
	now := l.now()
	switch {
	case !c.Active:
		return &apperr.CouponInvalidError{Code: c.Code, Reason: "coupon is inactive"}
	case now.Before(c.ValidFrom):
		return &apperr.CouponInvalidError{Code: c.Code, Reason: "coupon is not yet valid"}
	case now.After(c.ValidUntil):
		return &apperr.CouponInvalidError{Code: c.Code, Reason: "coupon has expired"}
	case c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit:
		return &apperr.CouponInvalidError{Code: c.Code, Reason: "usage limit reached"}
	}
	return nil
}

// Redeem records an APPLIED redemption for the order and bumps the usage counter while
// holding the coupon row lock. An order that already has a redemption gets it back unchanged.
func (l *Ledger) Redeem(ctx context.Context, req RedeemRequest) (Redemption, error) {
	code := NormalizeCode(req.Code)
	switch {
	case code == "":
		return Redemption{}, apperr.Validation("couponCode", "required")
	case req.OrderID == "":
		return Redemption{}, apperr.Validation("orderId", "required")
	case req.UserID == "":
		return Redemption{}, apperr.Validation("userId", "required")
	case req.Discount.IsNegative():
		return Redemption{}, apperr.Validation("discount", "must not be negative")
	}

	var out Redemption
	created := false
	err := l.store.WithTx(ctx, func(tx Tx) error {
		c, err := tx.LockByCode(ctx, code)
		if errors.Is(err, ErrNotFound) {
			return &apperr.CouponInvalidError{Code: code, Reason: "unknown coupon"}
		}
		if err != nil {
			return err
		}

		existing, ok, err := tx.RedemptionByOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if ok {
			out = existing
			return nil
		}

		if err := l.checkUsable(c); err != nil {
			return err
		}
		if c.MaxUsesPerUser != nil {
			used, err := tx.CountUserRedemptions(ctx, c.ID, req.UserID)
			if err != nil {
				return err
			}
			if used >= *c.MaxUsesPerUser {
				return &apperr.CouponInvalidError{Code: code, Reason: "per-user usage limit reached"}
			}
		}

		out = Redemption{
			CouponID:       c.ID,
			Code:           c.Code,
			UserID:         req.UserID,
			OrderID:        req.OrderID,
			DiscountAmount: req.Discount,
			Status:         RedemptionApplied,
			CreatedAt:      l.now().UTC(),
		}
		if err := tx.InsertRedemption(ctx, out); err != nil {
			return err
		}
		created = true
		return tx.SetUsageCount(ctx, c.ID, c.UsageCount+1)
	})
	if err != nil {
		return Redemption{}, err
	}
	if created {
		l.logger.InfoContext(ctx, "coupon redeemed", "code", out.Code, "order_id", out.OrderID, "discount", out.DiscountAmount.StringFixed(2))
	}
	return out, nil
}

// Reverse flips an APPLIED redemption to REVERSED and gives the use back.
// It is a no-op for orders without an applied redemption.
func (l *Ledger) Reverse(ctx context.Context, orderID string) (Redemption, bool, error) {
	if orderID == "" {
		return Redemption{}, false, apperr.Validation("orderId", "required")
	}
	found, ok, err := l.store.RedemptionByOrder(ctx, orderID)
	if err != nil || !ok {
		return Redemption{}, false, err
	}

	var out Redemption
	reversed := false
	err = l.store.WithTx(ctx, func(tx Tx) error {
		c, err := tx.LockByID(ctx, found.CouponID)
		if err != nil {
			return err
		}
		r, ok, err := tx.RedemptionByOrder(ctx, orderID)
		if err != nil || !ok {
			return err
		}
		out = r
		if r.Status != RedemptionApplied {
			return nil
		}
		r.Status = RedemptionReversed
		if err := tx.UpdateRedemption(ctx, r); err != nil {
			return err
		}
		count := c.UsageCount - 1
		if count < 0 {
			count = 0
		}
		if err := tx.SetUsageCount(ctx, c.ID, count); err != nil {
			return err
		}
		out = r
		reversed = true
		return nil
	})
	if err != nil {
		return Redemption{}, false, err
	}
	if reversed {
		l.logger.InfoContext(ctx, "coupon redemption reversed", "code", out.Code, "order_id", orderID)
	}
	return out, reversed, nil
}

// Confirm stamps the applied redemption of a completed order. Repeated calls keep the first stamp.
func (l *Ledger) Confirm(ctx context.Context, orderID string) error {
	found, ok, err := l.store.RedemptionByOrder(ctx, orderID)
	if err != nil || !ok {
		return err
	}
	return l.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockByID(ctx, found.CouponID); err != nil {
			return err
		}
		r, ok, err := tx.RedemptionByOrder(ctx, orderID)
		if err != nil || !ok {
			return err
		}
		if r.Status != RedemptionApplied || r.ConfirmedAt != nil {
			return nil
		}
		now := l.now().UTC()
		r.ConfirmedAt = &now
		return tx.UpdateRedemption(ctx, r)
	})
}

// Create validates and stores a new coupon, assigning an id when missing.
func (l *Ledger) Create(ctx context.Context, c Coupon) (Coupon, error) {
	c.Code = NormalizeCode(c.Code)
	switch {
	case c.Code == "":
		return Coupon{}, apperr.Validation("code", "required")
	case c.DiscountType != DiscountPercentage && c.DiscountType != DiscountFixed:
		return Coupon{}, apperr.Validation("discountType", fmt.Sprintf("unsupported %q", c.DiscountType))
	case !c.DiscountValue.IsPositive():
		return Coupon{}, apperr.Validation("discountValue", "must be positive")
	case c.DiscountType == DiscountPercentage && c.DiscountValue.GreaterThan(hundred):
		return Coupon{}, apperr.Validation("discountValue", "percentage above 100")
	case !c.ValidUntil.After(c.ValidFrom):
		return Coupon{}, apperr.Validation("validUntil", "must be after validFrom")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.UsageCount = 0
	c.Touch(l.now())
	if err := l.store.Create(ctx, c); err != nil {
		return Coupon{}, err
	}
	return c, nil
}
