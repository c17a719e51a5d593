package coupon

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"storefront/internal/audit"
)

// DiscountType selects how DiscountValue is applied.
type DiscountType string

const (
	DiscountPercentage DiscountType = "PERCENTAGE"
	DiscountFixed      DiscountType = "FIXED_AMOUNT"
)

// RedemptionStatus tracks a redemption through the saga.
type RedemptionStatus string

const (
	RedemptionPending  RedemptionStatus = "PENDING"
	RedemptionApplied  RedemptionStatus = "APPLIED"
	RedemptionReversed RedemptionStatus = "REVERSED"
)

var (
	// ErrNotFound signals an unknown coupon code.
	ErrNotFound = errors.New("coupon not found")
	// ErrDuplicateCode signals a Create for a code that already exists.
	ErrDuplicateCode = errors.New("coupon code already exists")
)

// Coupon is a discount code with its limits. Nil limits are unbounded.
type Coupon struct {
	ID             string              `json:"id"`
	Code           string              `json:"code"`
	DiscountType   DiscountType        `json:"discountType"`
	DiscountValue  decimal.Decimal     `json:"discountValue"`
	MaxDiscount    decimal.NullDecimal `json:"maxDiscount"`
	MinOrderValue  decimal.NullDecimal `json:"minOrderValue"`
	UsageLimit     *int                `json:"usageLimit,omitempty"`
	UsageCount     int                 `json:"usageCount"`
	MaxUsesPerUser *int                `json:"maxUsesPerUser,omitempty"`
	ValidFrom      time.Time           `json:"validFrom"`
	ValidUntil     time.Time           `json:"validUntil"`
	Active         bool                `json:"active"`
	Categories     []string            `json:"categories,omitempty"`
	audit.Stamp
}

// AppliesTo reports whether the coupon is usable for an order spanning categories.
// A coupon without categories applies to every order.
func (c Coupon) AppliesTo(categories []string) bool {
	if len(c.Categories) == 0 {
		return true
	}
	for _, want := range c.Categories {
		for _, have := range categories {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// Redemption is one application of a coupon to an order. Unique per (CouponID, OrderID).
type Redemption struct {
	CouponID       string           `json:"couponId"`
	Code           string           `json:"code"`
	UserID         string           `json:"userId"`
	OrderID        string           `json:"orderId"`
	DiscountAmount decimal.Decimal  `json:"discountAmount"`
	Status         RedemptionStatus `json:"status"`
	CreatedAt      time.Time        `json:"createdAt"`
	ConfirmedAt    *time.Time       `json:"confirmedAt,omitempty"`
}

// ValidateRequest asks whether a code can be applied to an order.
type ValidateRequest struct {
	Code       string          `json:"code"`
	OrderTotal decimal.Decimal `json:"orderTotal"`
	UserID     string          `json:"userId"`
	Categories []string        `json:"categories,omitempty"`
}

// Quote is the discount a valid coupon grants.
type Quote struct {
	CouponID    string          `json:"couponId"`
	Code        string          `json:"code"`
	Discount    decimal.Decimal `json:"discount"`
	FinalAmount decimal.Decimal `json:"finalAmount"`
}

// RedeemRequest applies a previously quoted discount to an order.
type RedeemRequest struct {
	Code     string          `json:"code"`
	UserID   string          `json:"userId"`
	OrderID  string          `json:"orderId"`
	Discount decimal.Decimal `json:"discount"`
}

// Store persists coupons and redemptions.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	FindByCode(ctx context.Context, code string) (Coupon, error)
	CountUserRedemptions(ctx context.Context, couponID, userID string) (int, error)
	RedemptionByOrder(ctx context.Context, orderID string) (Redemption, bool, error)
	Create(ctx context.Context, c Coupon) error
}

// Tx holds the coupon row lock for the duration of a redemption change.
type Tx interface {
	LockByCode(ctx context.Context, code string) (Coupon, error)
	LockByID(ctx context.Context, couponID string) (Coupon, error)
	RedemptionByOrder(ctx context.Context, orderID string) (Redemption, bool, error)
	CountUserRedemptions(ctx context.Context, couponID, userID string) (int, error)
	InsertRedemption(ctx context.Context, r Redemption) error
	UpdateRedemption(ctx context.Context, r Redemption) error
	SetUsageCount(ctx context.Context, couponID string, count int) error
}

// NormalizeCode canonicalizes a user-entered code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
