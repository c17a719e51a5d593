// Package saga models the persisted state of one checkout.
package saga

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"storefront/internal/audit"
	"storefront/internal/fraud"
	"storefront/internal/outbox"
)

// Status is the checkout saga state.
type Status string

const (
	StatusInit              Status = "INIT"
	StatusFraudChecked      Status = "FRAUD_CHECKED"
	StatusInventoryReserved Status = "INVENTORY_RESERVED"
	StatusCouponApplied     Status = "COUPON_APPLIED"
	StatusOrderCreated      Status = "ORDER_CREATED"
	StatusPaymentInitiated  Status = "PAYMENT_INITIATED"
	StatusCompleted         Status = "COMPLETED"
	StatusCompensating      Status = "COMPENSATING"
	StatusFailed            Status = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Step names a forward action of the saga.
type Step string

const (
	StepFraudCheck       Step = "FRAUD_CHECK"
	StepReserveInventory Step = "RESERVE_INVENTORY"
	StepApplyCoupon      Step = "APPLY_COUPON"
	StepCreateOrder      Step = "CREATE_ORDER"
	StepInitiatePayment  Step = "INITIATE_PAYMENT"
)

// Steps lists the forward steps in execution order.
var Steps = []Step{StepFraudCheck, StepReserveInventory, StepApplyCoupon, StepCreateOrder, StepInitiatePayment}

// Reached is the status a saga holds once step has completed.
func (s Step) Reached() Status {
	switch s {
	case StepFraudCheck:
		return StatusFraudChecked
	case StepReserveInventory:
		return StatusInventoryReserved
	case StepApplyCoupon:
		return StatusCouponApplied
	case StepCreateOrder:
		return StatusOrderCreated
	case StepInitiatePayment:
		return StatusPaymentInitiated
	}
	return ""
}

// Step outcomes recorded in the step log.
const (
	OutcomeSucceeded   = "succeeded"
	OutcomeFailed      = "failed"
	OutcomeSkipped     = "skipped"
	OutcomeCompensated = "compensated"
)

// Line is one requested order line, priced by the catalog.
type Line struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Category  string          `json:"category,omitempty"`
}

// Request is the checkout input as submitted by the customer.
type Request struct {
	OrderID           string `json:"orderId,omitempty"`
	IdempotencyKey    string `json:"idempotencyKey,omitempty"`
	UserID            string `json:"userId"`
	Items             []Line `json:"items"`
	ShippingAddressID string `json:"shippingAddressId"`
	CouponCode        string `json:"couponCode,omitempty"`
	ShippingAddress   string `json:"shippingAddress,omitempty"`
	BillingAddress    string `json:"billingAddress,omitempty"`
	Email             string `json:"email,omitempty"`
	DeviceID          string `json:"deviceId,omitempty"`
	IPAddress         string `json:"ipAddress,omitempty"`
	Currency          string `json:"currency,omitempty"`
}

// State is the durable record of a checkout, persisted before every side effect.
type State struct {
	OrderID        string          `json:"orderId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	UserID         string          `json:"userId"`
	Status         Status          `json:"status"`
	CompletedSteps []Step          `json:"completedSteps"`
	PendingStep    Step            `json:"pendingStep,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	ErrorKind      string          `json:"errorKind,omitempty"`
	Request        Request         `json:"request"`
	RequestHash    string          `json:"requestHash"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Discount       decimal.Decimal `json:"discount"`
	Total          decimal.Decimal `json:"total"`
	Currency       string          `json:"currency"`
	Fraud          *fraud.Decision `json:"fraud,omitempty"`
	PaymentID      string          `json:"paymentId,omitempty"`
	PaymentURL     string          `json:"paymentUrl,omitempty"`
	TransactionID  string          `json:"transactionId,omitempty"`
	RefundedAt     *time.Time      `json:"refundedAt,omitempty"`
	Version        int64           `json:"version"`
	audit.Stamp
}

// Undo lists the steps whose side effects may exist, newest first. A step still pending
// may have reached its collaborator before the process stopped, so it is included.
func (s State) Undo() []Step {
	steps := append([]Step(nil), s.CompletedSteps...)
	if s.PendingStep != "" && !s.Has(s.PendingStep) {
		steps = append(steps, s.PendingStep)
	}
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return steps
}

// Has reports whether step completed.
func (s State) Has(step Step) bool {
	for _, done := range s.CompletedSteps {
		if done == step {
			return true
		}
	}
	return false
}

// StepRecord is one row of the step log.
type StepRecord struct {
	OrderID   string    `json:"orderId" db:"order_id"`
	Step      string    `json:"step" db:"step"`
	Outcome   string    `json:"outcome" db:"status"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

var (
	// ErrNotFound signals an unknown saga.
	ErrNotFound = errors.New("checkout not found")
	// ErrIdempotencyConflict signals an idempotency key reused with a different payload.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")
	// ErrVersionConflict signals a concurrent writer saved the saga first.
	ErrVersionConflict = errors.New("checkout modified concurrently")
	// ErrDuplicateEvent signals a payment event that was already applied.
	ErrDuplicateEvent = errors.New("payment event already processed")
)

// SaveOptions attaches side records to a state transition. They commit atomically with it.
type SaveOptions struct {
	// ProcessedTransaction marks a provider transaction as applied. A repeat yields
	// ErrDuplicateEvent and nothing is written.
	ProcessedTransaction string
	Events               []outbox.Event
}

// Store persists sagas.
type Store interface {
	// Create inserts s unless its idempotency key exists. The existing saga is returned
	// with created=false; a different RequestHash yields ErrIdempotencyConflict.
	Create(ctx context.Context, s State) (State, bool, error)
	Get(ctx context.Context, orderID string) (State, error)
	GetByPayment(ctx context.Context, paymentID string) (State, error)
	// Save writes s if the stored version equals s.Version and returns it with the
	// version bumped. A mismatch yields ErrVersionConflict.
	Save(ctx context.Context, s State, opts SaveOptions) (State, error)
	// ListByStatus returns sagas in any of statuses last updated before cutoff, oldest first.
	ListByStatus(ctx context.Context, statuses []Status, updatedBefore time.Time, limit int) ([]State, error)
	AddStep(ctx context.Context, rec StepRecord) error
	Steps(ctx context.Context, orderID string) ([]StepRecord, error)
}
