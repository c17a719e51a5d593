// Package payment is the boundary to the external payment provider: initiation, status
// lookups, cancellation, refunds and signed webhook events.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"storefront/internal/apperr"
	"storefront/internal/telemetry"
)

// Initiator implements Provider over a Gateway and records every payment in a Store.
type Initiator struct {
	gateway Gateway
	store   Store
	now     func() time.Time
	logger  *slog.Logger
}

// NewInitiator constructs an Initiator.
func NewInitiator(gateway Gateway, store Store, logger *slog.Logger) *Initiator {
	return &Initiator{
		gateway: gateway,
		store:   store,
		now:     time.Now,
		logger:  telemetry.OrDefault(logger).With("component", "payment"),
	}
}

// Initiate starts a payment for the order. A second call for the same order returns the first payment.
func (i *Initiator) Initiate(ctx context.Context, orderID string, amount decimal.Decimal, currency string) (Initiation, error) {
	switch {
	case orderID == "":
		return Initiation{}, apperr.Validation("orderId", "required")
	case !amount.IsPositive():
		return Initiation{}, apperr.Validation("amount", "must be positive")
	case currency == "":
		return Initiation{}, apperr.Validation("currency", "required")
	}

	if existing, ok, err := i.store.ByOrder(ctx, orderID); err != nil {
		return Initiation{}, err
	} else if ok {
		return Initiation{PaymentID: existing.PaymentID, RedirectURL: existing.RedirectURL}, nil
	}

	init, err := i.gateway.Create(ctx, orderID, amount, strings.ToUpper(currency))
	if err != nil {
		if apperr.IsTransient(err) {
			return Initiation{}, err
		}
		return Initiation{}, &apperr.PaymentInitiationError{OrderID: orderID, Amount: amount, Err: err}
	}

	p := Payment{
		PaymentID:   init.PaymentID,
		OrderID:     orderID,
		Amount:      amount,
		Currency:    strings.ToUpper(currency),
		Status:      StatusPending,
		RedirectURL: init.RedirectURL,
	}
	p.Touch(i.now())
	stored, _, err := i.store.Insert(ctx, p)
	if err != nil {
		return Initiation{}, err
	}
	i.logger.InfoContext(ctx, "payment initiated", "order_id", orderID, "payment_id", stored.PaymentID, "amount", amount.StringFixed(2))
	return Initiation{PaymentID: stored.PaymentID, RedirectURL: stored.RedirectURL}, nil
}

// Status refreshes a pending payment from the gateway and returns the local record.
func (i *Initiator) Status(ctx context.Context, paymentID string) (Payment, error) {
	p, err := i.store.Get(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status != StatusPending {
		return p, nil
	}
	status, txn, err := i.gateway.Lookup(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if status == p.Status {
		return p, nil
	}
	if err := i.store.UpdateStatus(ctx, paymentID, status, txn); err != nil {
		return Payment{}, err
	}
	p.Status, p.TransactionID = status, txn
	return p, nil
}

// FindByOrder returns the payment of orderID. A payment the gateway created but the ledger
// never recorded, because the create response was lost, is recorded on the way out.
func (i *Initiator) FindByOrder(ctx context.Context, orderID string) (Payment, bool, error) {
	if p, ok, err := i.store.ByOrder(ctx, orderID); err != nil || ok {
		return p, ok, err
	}
	p, ok, err := i.gateway.FindByOrder(ctx, orderID)
	if err != nil || !ok {
		return Payment{}, false, err
	}
	p.Touch(i.now())
	stored, _, err := i.store.Insert(ctx, p)
	if err != nil {
		return Payment{}, false, err
	}
	i.logger.WarnContext(ctx, "recorded payment missing from ledger", "order_id", orderID, "payment_id", stored.PaymentID)
	return stored, true, nil
}

// Apply records a webhook outcome on the local ledger.
func (i *Initiator) Apply(ctx context.Context, ev Event) (Payment, error) {
	p, err := i.store.Get(ctx, ev.PaymentID)
	if err != nil {
		return Payment{}, err
	}
	if ev.OrderID != "" && ev.OrderID != p.OrderID {
		return Payment{}, fmt.Errorf("payment %s belongs to order %s, event names %s", p.PaymentID, p.OrderID, ev.OrderID)
	}
	if p.Status == StatusPending && ev.Outcome != StatusPending {
		if err := i.store.UpdateStatus(ctx, p.PaymentID, ev.Outcome, ev.TransactionID); err != nil {
			return Payment{}, err
		}
		p.Status, p.TransactionID = ev.Outcome, ev.TransactionID
	}
	return p, nil
}

// Cancel voids a pending payment at the provider.
func (i *Initiator) Cancel(ctx context.Context, paymentID string) error {
	p, err := i.store.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	switch p.Status {
	case StatusCancelled, StatusFailed:
		return nil
	case StatusPending:
	default:
		return fmt.Errorf("cancel %s in status %s: %w", paymentID, p.Status, ErrNotCancellable)
	}
	if err := i.gateway.Cancel(ctx, paymentID); err != nil {
		return err
	}
	return i.store.UpdateStatus(ctx, paymentID, StatusCancelled, p.TransactionID)
}

// Refund returns amount of a captured payment. A zero amount refunds in full.
func (i *Initiator) Refund(ctx context.Context, paymentID string, amount decimal.Decimal) error {
	p, err := i.store.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	switch p.Status {
	case StatusRefunded:
		return nil
	case StatusSucceeded:
	default:
		return fmt.Errorf("refund %s: %w", paymentID, ErrNotCaptured)
	}
	if amount.IsZero() {
		amount = p.Amount
	}
	if amount.IsNegative() || amount.GreaterThan(p.Amount) {
		return apperr.Validation("amount", "refund must be between 0 and the captured amount")
	}
	if err := i.gateway.Refund(ctx, paymentID, amount); err != nil {
		return err
	}
	err = i.store.MarkRefunded(ctx, paymentID, amount)
	if errors.Is(err, ErrAlreadyRefunded) {
		return nil
	}
	if err == nil {
		i.logger.InfoContext(ctx, "payment refunded", "payment_id", paymentID, "amount", amount.StringFixed(2))
	}
	return err
}

var _ Provider = (*Initiator)(nil)
