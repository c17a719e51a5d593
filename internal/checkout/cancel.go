package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"storefront/internal/checkout/saga"
	"storefront/internal/outbox"
	"storefront/internal/payment"
)

// Cancel aborts a checkout that has not created its order yet. A running saga is stopped
// through its context and compensates itself; a stored one is compensated here. Once the
// order exists the checkout cannot be cancelled, and a completed one must be refunded.
func (o *Orchestrator) Cancel(ctx context.Context, orderID string) (saga.State, error) {
	st, err := o.store.Get(ctx, orderID)
	if err != nil {
		return saga.State{}, err
	}
	if done, err := cancelOutcome(st); done || err != nil {
		return st, err
	}

	stop, stopped := o.running(orderID)
	if stopped {
		stop(ErrCheckoutCancelled)
	}

	unlock, err := o.locks.Lock(ctx, orderID)
	if err != nil {
		return st, err
	}
	defer unlock()

	if st, err = o.store.Get(ctx, orderID); err != nil {
		return saga.State{}, err
	}
	if done, err := cancelOutcome(st); done || err != nil {
		if stopped && err == nil {
			// The running saga compensated itself.
			o.metrics.Inc("saga.cancelled")
		}
		return st, err
	}

	st, err = o.fail(ctx, st, ErrCheckoutCancelled, "")
	if errors.Is(err, ErrCheckoutCancelled) {
		err = nil
	}
	o.metrics.Inc("saga.cancelled")
	return st, err
}

// cancelOutcome reports whether st needs no cancellation work, or cannot be cancelled.
func cancelOutcome(st saga.State) (bool, error) {
	switch st.Status {
	case saga.StatusFailed, saga.StatusCompensating:
		return true, nil
	case saga.StatusCompleted:
		return true, fmt.Errorf("order %s completed, refund it instead: %w", st.OrderID, ErrCancelTooLate)
	case saga.StatusOrderCreated, saga.StatusPaymentInitiated:
		return true, fmt.Errorf("order %s is %s: %w", st.OrderID, st.Status, ErrCancelTooLate)
	}
	return false, nil
}

// Refund returns the payment of a completed order and cancels the order. Repeated calls
// return the refunded saga unchanged.
func (o *Orchestrator) Refund(ctx context.Context, orderID string) (saga.State, error) {
	unlock, err := o.locks.Lock(ctx, orderID)
	if err != nil {
		return saga.State{}, err
	}
	defer unlock()

	st, err := o.store.Get(ctx, orderID)
	if err != nil {
		return saga.State{}, err
	}
	if st.Status != saga.StatusCompleted {
		return st, fmt.Errorf("order %s is %s: %w", orderID, st.Status, ErrNotRefundable)
	}
	if st.RefundedAt != nil {
		return st, nil
	}

	dctx, cancel := o.detach(ctx)
	defer cancel()

	if st.PaymentID != "" {
		err := o.cfg.Retry.Do(dctx, func() error {
			return o.payments.Refund(dctx, st.PaymentID, decimal.Zero)
		})
		if err != nil && !errors.Is(err, payment.ErrAlreadyRefunded) {
			return st, fmt.Errorf("refund payment %s: %w", st.PaymentID, err)
		}
	}
	if err := o.cfg.Retry.Do(dctx, func() error { return o.orders.Cancel(dctx, orderID) }); err != nil {
		o.escalate(dctx, orderID, "cancel refunded order failed", err)
	}

	now := o.now().UTC()
	st.RefundedAt = &now
	ev, err := o.event(st, outbox.TypeRefunded)
	if err != nil {
		return st, err
	}
	saved, err := o.store.Save(dctx, st, saga.SaveOptions{Events: []outbox.Event{ev}})
	if err != nil {
		return st, err
	}
	o.metrics.Inc("saga.refunded")
	o.logger.InfoContext(ctx, "order refunded", "order_id", orderID, "payment_id", st.PaymentID, "total", st.Total.StringFixed(2))
	return saved, nil
}
