package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront/internal/checkout/saga"
	"storefront/internal/payment"
)

// ReconcileReport summarizes one sweep.
type ReconcileReport struct {
	Scanned     int `json:"scanned"`
	Completed   int `json:"completed"`
	Compensated int `json:"compensated"`
	Pending     int `json:"pending"`
	Errors      int `json:"errors"`
}

// Reconcile settles sagas parked at PAYMENT_INITIATED for longer than the reconciliation
// window by asking the provider. A payment still pending is cancelled and the saga
// compensated.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	cutoff := o.now().Add(-o.cfg.ReconcileWindow)
	stale, err := o.store.ListByStatus(ctx, []saga.Status{saga.StatusPaymentInitiated}, cutoff, o.cfg.ReconcileBatch)
	if err != nil {
		return report, fmt.Errorf("list parked checkouts: %w", err)
	}

	for _, st := range stale {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		outcome, err := o.reconcileOne(ctx, st.OrderID)
		if err != nil {
			report.Errors++
			o.logger.ErrorContext(ctx, "reconcile checkout failed", "order_id", st.OrderID, "error", err)
			continue
		}
		switch outcome {
		case saga.StatusCompleted:
			report.Completed++
		case saga.StatusFailed:
			report.Compensated++
		default:
			report.Pending++
		}
	}

	if report.Scanned > 0 {
		o.logger.InfoContext(ctx, "reconciliation sweep finished",
			"scanned", report.Scanned, "completed", report.Completed, "compensated", report.Compensated, "errors", report.Errors)
	}
	o.metrics.Add("reconcile.completed", int64(report.Completed))
	o.metrics.Add("reconcile.compensated", int64(report.Compensated))
	return report, nil
}

func (o *Orchestrator) reconcileOne(ctx context.Context, orderID string) (saga.Status, error) {
	unlock, err := o.locks.Lock(ctx, orderID)
	if err != nil {
		return "", err
	}
	defer unlock()

	st, err := o.store.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	if st.Status != saga.StatusPaymentInitiated {
		return st.Status, nil
	}
	if st.PaymentID == "" {
		st, err = o.complete(ctx, st, "")
		return st.Status, err
	}

	p, err := o.payments.Status(ctx, st.PaymentID)
	if err != nil {
		return "", fmt.Errorf("payment status %s: %w", st.PaymentID, err)
	}

	if p.Status == payment.StatusPending {
		cancelErr := o.payments.Cancel(ctx, st.PaymentID)
		switch {
		case cancelErr == nil:
			p.Status = payment.StatusCancelled
		case errors.Is(cancelErr, payment.ErrNotCancellable):
			// Settled while we were looking.
			if p, err = o.payments.Status(ctx, st.PaymentID); err != nil {
				return "", fmt.Errorf("payment status %s: %w", st.PaymentID, err)
			}
		default:
			return "", fmt.Errorf("cancel payment %s: %w", st.PaymentID, cancelErr)
		}
	}

	switch p.Status {
	case payment.StatusSucceeded:
		st, err = o.complete(ctx, st, p.TransactionID)
		return st.Status, err
	case payment.StatusFailed, payment.StatusCancelled, payment.StatusRefunded:
		cause := fmt.Errorf("%w: provider reported %s after %s", ErrPaymentNotCompleted, p.Status, o.cfg.ReconcileWindow)
		st, err = o.fail(ctx, st, cause, p.TransactionID)
		if errors.Is(err, ErrPaymentNotCompleted) {
			err = nil
		}
		return st.Status, err
	}
	return st.Status, nil
}

// Resume finishes sagas left behind by a stopped process. Sagas before PAYMENT_INITIATED
// or caught mid-compensation are compensated to FAILED; sagas awaiting payment are left to
// Reconcile. It returns how many sagas were compensated.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	statuses := []saga.Status{
		saga.StatusInit,
		saga.StatusFraudChecked,
		saga.StatusInventoryReserved,
		saga.StatusCouponApplied,
		saga.StatusOrderCreated,
		saga.StatusCompensating,
	}
	stale, err := o.store.ListByStatus(ctx, statuses, o.now().Add(-o.cfg.ResumeAfter), o.cfg.ReconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("list interrupted checkouts: %w", err)
	}

	resumed := 0
	for _, candidate := range stale {
		if _, ok := o.running(candidate.OrderID); ok {
			continue
		}
		done, err := o.resumeOne(ctx, candidate)
		if err != nil {
			o.logger.ErrorContext(ctx, "resume checkout failed", "order_id", candidate.OrderID, "error", err)
			continue
		}
		if done {
			resumed++
		}
	}
	return resumed, nil
}

func (o *Orchestrator) resumeOne(ctx context.Context, candidate saga.State) (bool, error) {
	unlock, err := o.locks.Lock(ctx, candidate.OrderID)
	if err != nil {
		return false, err
	}
	defer unlock()

	st, err := o.store.Get(ctx, candidate.OrderID)
	if err != nil {
		return false, err
	}
	if st.Version != candidate.Version {
		return false, nil
	}

	cause := ErrInterrupted
	if st.Status == saga.StatusCompensating && st.LastError != "" {
		cause = fmt.Errorf("%w: %s", ErrInterrupted, st.LastError)
	}
	o.logger.WarnContext(ctx, "compensating interrupted checkout", "order_id", st.OrderID, "status", string(st.Status), "age", o.now().Sub(st.UpdatedAt).Round(time.Second).String())
	if _, err := o.fail(ctx, st, cause, ""); !errors.Is(err, ErrInterrupted) {
		return false, err
	}
	return true, nil
}
