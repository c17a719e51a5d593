// Package apperr defines the error taxonomy shared by the checkout components.
//
// Business-rule errors (validation, stock, coupon, fraud, payment initiation) end a saga
// and are surfaced to the caller. Transient errors are retried with backoff before they
// are treated as business failures.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind names an error class. It is stable and travels over the wire.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindInsufficientStock Kind = "insufficient_stock"
	KindCouponInvalid     Kind = "coupon_invalid"
	KindFraudRejected     Kind = "fraud_rejected"
	KindPaymentInitiation Kind = "payment_initiation"
	KindTransient         Kind = "transient"
	KindUnknown           Kind = "unknown"
)

// ValidationError reports a malformed request rejected before any step runs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InsufficientStockError reports that fewer units are available than requested.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

// CouponInvalidError reports a coupon that cannot be applied to the order.
type CouponInvalidError struct {
	Code   string
	Reason string
}

func (e *CouponInvalidError) Error() string {
	return fmt.Sprintf("coupon %s invalid: %s", e.Code, e.Reason)
}

// FraudRejectedError reports a checkout blocked by the fraud gate.
type FraudRejectedError struct {
	Score     int
	RiskLevel string
	Reason    string
}

func (e *FraudRejectedError) Error() string {
	return fmt.Sprintf("fraud check rejected order (score %d, %s): %s", e.Score, e.RiskLevel, e.Reason)
}

// PaymentInitiationError reports that the provider refused to start a payment.
type PaymentInitiationError struct {
	OrderID string
	Amount  decimal.Decimal
	Err     error
}

func (e *PaymentInitiationError) Error() string {
	return fmt.Sprintf("payment initiation failed for order %s (%s): %v", e.OrderID, e.Amount.StringFixed(2), e.Err)
}

func (e *PaymentInitiationError) Unwrap() error { return e.Err }

// TransientError wraps an infrastructure failure that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused") || strings.Contains(msg, "broken pipe")
}

// IsBusiness reports whether err is a business-rule failure that must not be retried.
func IsBusiness(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindInsufficientStock, KindCouponInvalid, KindFraudRejected, KindPaymentInitiation:
		return true
	}
	return false
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		ve  *ValidationError
		se  *InsufficientStockError
		ce  *CouponInvalidError
		fe  *FraudRejectedError
		pe  *PaymentInitiationError
		tre *TransientError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &se):
		return KindInsufficientStock
	case errors.As(err, &ce):
		return KindCouponInvalid
	case errors.As(err, &fe):
		return KindFraudRejected
	case errors.As(err, &pe):
		return KindPaymentInitiation
	case errors.As(err, &tre):
		return KindTransient
	case IsTransient(err):
		return KindTransient
	}
	return KindUnknown
}
