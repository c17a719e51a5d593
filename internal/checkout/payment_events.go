package checkout

import (
	"context"
	"errors"
	"fmt"

	"storefront/internal/apperr"
	"storefront/internal/checkout/saga"
	"storefront/internal/payment"
)

// HandlePaymentEvent applies a webhook outcome. Delivery is at-least-once: an event for a
// saga that is no longer awaiting payment, or whose transaction was already applied,
// yields saga.ErrDuplicateEvent and changes nothing.
func (o *Orchestrator) HandlePaymentEvent(ctx context.Context, ev payment.Event) (saga.State, error) {
	switch {
	case ev.PaymentID == "" && ev.OrderID == "":
		return saga.State{}, apperr.Validation("paymentId", "required")
	case ev.TransactionID == "":
		return saga.State{}, apperr.Validation("transactionId", "required")
	}

	st, err := o.lookupPayment(ctx, ev)
	if err != nil {
		return saga.State{}, err
	}

	unlock, err := o.locks.Lock(ctx, st.OrderID)
	if err != nil {
		return saga.State{}, err
	}
	defer unlock()

	if st, err = o.store.Get(ctx, st.OrderID); err != nil {
		return saga.State{}, err
	}
	if ev.PaymentID != "" && st.PaymentID != "" && ev.PaymentID != st.PaymentID {
		return st, apperr.Validation("paymentId", fmt.Sprintf("does not belong to order %s", st.OrderID))
	}

	if applier, ok := o.payments.(eventApplier); ok {
		if _, err := applier.Apply(ctx, ev); err != nil && !errors.Is(err, payment.ErrNotFound) {
			o.logger.WarnContext(ctx, "record payment outcome failed", "payment_id", ev.PaymentID, "error", err)
		}
	}

	if st.Status != saga.StatusPaymentInitiated {
		o.metrics.Inc("webhook.duplicate")
		return st, fmt.Errorf("order %s is %s: %w", st.OrderID, st.Status, saga.ErrDuplicateEvent)
	}

	o.logger.InfoContext(ctx, "payment event received",
		"order_id", st.OrderID, "payment_id", st.PaymentID, "transaction_id", ev.TransactionID, "outcome", string(ev.Outcome))

	switch ev.Outcome {
	case payment.StatusSucceeded:
		return o.complete(ctx, st, ev.TransactionID)
	case payment.StatusFailed, payment.StatusCancelled:
		cause := fmt.Errorf("%w: provider reported %s", ErrPaymentNotCompleted, ev.Outcome)
		st, err = o.fail(ctx, st, cause, ev.TransactionID)
		if errors.Is(err, ErrPaymentNotCompleted) {
			return st, nil
		}
		return st, err
	case payment.StatusPending:
		return st, nil
	}
	return st, apperr.Validation("outcome", fmt.Sprintf("unsupported outcome %q", ev.Outcome))
}

func (o *Orchestrator) lookupPayment(ctx context.Context, ev payment.Event) (saga.State, error) {
	if ev.PaymentID != "" {
		st, err := o.store.GetByPayment(ctx, ev.PaymentID)
		if err == nil || !errors.Is(err, saga.ErrNotFound) || ev.OrderID == "" {
			return st, err
		}
	}
	return o.store.Get(ctx, ev.OrderID)
}
