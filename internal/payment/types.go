package payment

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"storefront/internal/audit"
)

// Status of a payment at the provider.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"
)

// Final reports whether no further provider-side transition is expected.
func (s Status) Final() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled || s == StatusRefunded
}

var (
	// ErrNotFound signals an unknown payment.
	ErrNotFound = errors.New("payment not found")
	// ErrDeclined signals the provider refused to start the payment.
	ErrDeclined = errors.New("payment declined")
	// ErrNotCaptured signals a refund for a payment that never succeeded.
	ErrNotCaptured = errors.New("payment not captured")
	// ErrAlreadyRefunded signals a second refund.
	ErrAlreadyRefunded = errors.New("payment already refunded")
	// ErrNotCancellable signals a cancel for a payment that already settled.
	ErrNotCancellable = errors.New("payment cannot be cancelled")
)

// Payment is the local record of a provider payment. One per order.
type Payment struct {
	PaymentID      string              `json:"paymentId"`
	OrderID        string              `json:"orderId"`
	Amount         decimal.Decimal     `json:"amount"`
	Currency       string              `json:"currency"`
	Status         Status              `json:"status"`
	TransactionID  string              `json:"transactionId,omitempty"`
	RedirectURL    string              `json:"redirectUrl"`
	RefundedAmount decimal.NullDecimal `json:"refundedAmount"`
	audit.Stamp
}

// Initiation is what the customer needs to complete the payment.
type Initiation struct {
	PaymentID   string `json:"paymentId"`
	RedirectURL string `json:"redirectUrl"`
}

// Event is an asynchronous payment outcome delivered by webhook.
type Event struct {
	PaymentID     string          `json:"paymentId"`
	OrderID       string          `json:"orderId,omitempty"`
	TransactionID string          `json:"transactionId"`
	Outcome       Status          `json:"outcome"`
	Amount        decimal.Decimal `json:"amount"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// Provider is the payment boundary consumed by checkout.
type Provider interface {
	Initiate(ctx context.Context, orderID string, amount decimal.Decimal, currency string) (Initiation, error)
	Status(ctx context.Context, paymentID string) (Payment, error)
	Cancel(ctx context.Context, paymentID string) error
	Refund(ctx context.Context, paymentID string, amount decimal.Decimal) error
}

// Gateway is the external payment service provider.
type Gateway interface {
	Create(ctx context.Context, orderID string, amount decimal.Decimal, currency string) (Initiation, error)
	Lookup(ctx context.Context, paymentID string) (Status, string, error)
	// FindByOrder reports the payment the provider holds for orderID, if any.
	FindByOrder(ctx context.Context, orderID string) (Payment, bool, error)
	Cancel(ctx context.Context, paymentID string) error
	Refund(ctx context.Context, paymentID string, amount decimal.Decimal) error
}

// Store keeps the local payment ledger.
type Store interface {
	// Insert stores p unless the order already has a payment, which is returned instead.
	Insert(ctx context.Context, p Payment) (Payment, bool, error)
	Get(ctx context.Context, paymentID string) (Payment, error)
	ByOrder(ctx context.Context, orderID string) (Payment, bool, error)
	UpdateStatus(ctx context.Context, paymentID string, status Status, transactionID string) error
	MarkRefunded(ctx context.Context, paymentID string, amount decimal.Decimal) error
}
