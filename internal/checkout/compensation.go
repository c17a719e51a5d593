package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"storefront/internal/alert"
	"storefront/internal/apperr"
	"storefront/internal/checkout/saga"
	"storefront/internal/outbox"
	"storefront/internal/payment"
)

var errPaymentOutcomeUnknown = errors.New("payment initiation outcome unknown; check the provider for an orphaned payment")

// detach returns a context that survives the caller going away, bounded by the
// compensation timeout.
func (o *Orchestrator) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CompensationTimeout)
}

// fail moves st to COMPENSATING, undoes its steps newest first and finishes in FAILED.
// It returns cause so callers can surface the original error. A non-empty transactionID
// is recorded as processed with the COMPENSATING transition.
func (o *Orchestrator) fail(parent context.Context, st saga.State, cause error, transactionID string) (saga.State, error) {
	ctx, cancel := o.detach(parent)
	defer cancel()

	st.Status = saga.StatusCompensating
	st.LastError = cause.Error()
	st.ErrorKind = string(apperr.KindOf(cause))
	if errors.Is(cause, ErrCheckoutCancelled) {
		st.ErrorKind = "cancelled"
	}
	if transactionID != "" {
		st.TransactionID = transactionID
	}
	ev, err := o.event(st, outbox.TypeCompensating)
	if err != nil {
		return st, errors.Join(cause, err)
	}
	saved, err := o.store.Save(ctx, st, saga.SaveOptions{ProcessedTransaction: transactionID, Events: []outbox.Event{ev}})
	if err != nil {
		o.logger.ErrorContext(ctx, "persist compensating state failed", "order_id", st.OrderID, "error", err)
		return st, errors.Join(cause, err)
	}
	st = saved

	o.logger.WarnContext(ctx, "compensating checkout",
		"order_id", st.OrderID, "kind", st.ErrorKind, "steps", len(st.Undo()), "error", cause)
	o.compensate(ctx, st)

	st.Status = saga.StatusFailed
	st.PendingStep = ""
	ev, err = o.event(st, outbox.TypeFailed)
	if err != nil {
		return st, errors.Join(cause, err)
	}
	saved, err = o.store.Save(ctx, st, saga.SaveOptions{Events: []outbox.Event{ev}})
	if err != nil {
		o.logger.ErrorContext(ctx, "persist failed state failed", "order_id", st.OrderID, "error", err)
		return st, errors.Join(cause, err)
	}
	o.metrics.Inc("saga.failed")
	return saved, cause
}

// compensate undoes every step of st that may have taken effect. Failures are escalated
// and never stop the remaining compensations.
func (o *Orchestrator) compensate(ctx context.Context, st saga.State) {
	for _, step := range st.Undo() {
		undo := o.compensation(ctx, st, step)
		if undo == nil {
			continue
		}
		err := o.cfg.Retry.Do(ctx, undo)
		if err != nil {
			o.metrics.Inc("saga.compensation_failed")
			o.recordStep(ctx, st.OrderID, step, saga.OutcomeFailed, "compensation: "+err.Error())
			o.logger.ErrorContext(ctx, "compensation failed", "order_id", st.OrderID, "step", string(step), "error", err)
			o.alerter.Escalate(ctx, alert.Alert{
				Source:  "checkout",
				OrderID: st.OrderID,
				Message: fmt.Sprintf("compensation of %s failed; manual cleanup required", step),
				Err:     err,
			})
			continue
		}
		o.recordStep(ctx, st.OrderID, step, saga.OutcomeCompensated, "")
	}
}

// compensation returns the undo action of step, or nil when the step leaves nothing behind.
func (o *Orchestrator) compensation(ctx context.Context, st saga.State, step saga.Step) func() error {
	switch step {
	case saga.StepReserveInventory:
		return func() error {
			_, err := o.inventory.Release(ctx, st.OrderID)
			return err
		}
	case saga.StepApplyCoupon:
		if st.Request.CouponCode == "" {
			return nil
		}
		return func() error {
			_, _, err := o.coupons.Reverse(ctx, st.OrderID)
			return err
		}
	case saga.StepCreateOrder:
		return func() error {
			return o.orders.Cancel(ctx, st.OrderID)
		}
	case saga.StepInitiatePayment:
		if st.PaymentID == "" {
			if !st.Total.IsPositive() || st.PendingStep != saga.StepInitiatePayment {
				return nil
			}
			return func() error {
				return o.voidOrphanPayment(ctx, st.OrderID)
			}
		}
		return func() error {
			return o.voidPayment(ctx, st.PaymentID)
		}
	}
	return nil
}

// voidOrphanPayment settles an initiation whose outcome was never recorded. The provider
// is asked for the order's payment; none means nothing was created.
func (o *Orchestrator) voidOrphanPayment(ctx context.Context, orderID string) error {
	lookup, ok := o.payments.(paymentLookup)
	if !ok {
		return errPaymentOutcomeUnknown
	}
	p, found, err := lookup.FindByOrder(ctx, orderID)
	switch {
	case errors.Is(err, errLookupUnsupported):
		return errPaymentOutcomeUnknown
	case err != nil:
		return fmt.Errorf("look up payment of %s: %w", orderID, err)
	case !found:
		return nil
	}
	o.logger.WarnContext(ctx, "voiding payment created by a failed initiation", "order_id", orderID, "payment_id", p.PaymentID)
	return o.voidPayment(ctx, p.PaymentID)
}

// voidPayment cancels a pending payment, or refunds it if it was already captured.
func (o *Orchestrator) voidPayment(ctx context.Context, paymentID string) error {
	err := o.payments.Cancel(ctx, paymentID)
	if !errors.Is(err, payment.ErrNotCancellable) {
		return err
	}
	err = o.payments.Refund(ctx, paymentID, decimal.Zero)
	if errors.Is(err, payment.ErrAlreadyRefunded) {
		return nil
	}
	return err
}

// complete commits the reservation, confirms the redemption and the order draft, then
// moves st to COMPLETED. The transaction marker is written with the transition. On error
// the saga stays at PAYMENT_INITIATED so a later webhook or the sweep can finish it.
func (o *Orchestrator) complete(parent context.Context, st saga.State, transactionID string) (saga.State, error) {
	ctx, cancel := o.detach(parent)
	defer cancel()

	commit := func() error {
		_, err := o.inventory.Commit(ctx, st.OrderID)
		return err
	}
	if err := o.cfg.Retry.Do(ctx, commit); err != nil {
		o.escalate(ctx, st.OrderID, "commit reservation after payment failed", err)
		return st, fmt.Errorf("commit reservation %s: %w", st.OrderID, err)
	}
	if st.Has(saga.StepApplyCoupon) && st.Request.CouponCode != "" {
		if err := o.cfg.Retry.Do(ctx, func() error { return o.coupons.Confirm(ctx, st.OrderID) }); err != nil {
			o.escalate(ctx, st.OrderID, "confirm coupon redemption failed", err)
		}
	}
	if err := o.cfg.Retry.Do(ctx, func() error { return o.orders.Confirm(ctx, st.OrderID) }); err != nil {
		o.escalate(ctx, st.OrderID, "confirm order failed", err)
		return st, fmt.Errorf("confirm order %s: %w", st.OrderID, err)
	}

	st.Status = saga.StatusCompleted
	st.PendingStep = ""
	if transactionID != "" {
		st.TransactionID = transactionID
	}
	ev, err := o.event(st, outbox.TypeCompleted)
	if err != nil {
		return st, err
	}
	saved, err := o.store.Save(ctx, st, saga.SaveOptions{ProcessedTransaction: transactionID, Events: []outbox.Event{ev}})
	if err != nil {
		return st, err
	}
	o.metrics.Inc("saga.completed")
	o.logger.InfoContext(ctx, "checkout completed", "order_id", st.OrderID, "total", st.Total.StringFixed(2), "transaction_id", transactionID)
	return saved, nil
}

func (o *Orchestrator) escalate(ctx context.Context, orderID, msg string, err error) {
	o.logger.ErrorContext(ctx, msg, "order_id", orderID, "error", err)
	o.alerter.Escalate(ctx, alert.Alert{Source: "checkout", OrderID: orderID, Message: msg, Err: err})
}
