package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_WrappedErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", fmt.Errorf("checkout: %w", Validation("items", "empty")), KindValidation},
		{"stock", fmt.Errorf("reserve: %w", &InsufficientStockError{ProductID: "p1", Requested: 6, Available: 4}), KindInsufficientStock},
		{"coupon", &CouponInvalidError{Code: "X", Reason: "expired"}, KindCouponInvalid},
		{"fraud", &FraudRejectedError{Score: 95, RiskLevel: "CRITICAL"}, KindFraudRejected},
		{"payment", &PaymentInitiationError{OrderID: "o1", Err: errors.New("declined")}, KindPaymentInitiation},
		{"transient", Transient("lock", errors.New("timeout")), KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"reset", errors.New("read tcp: connection reset by peer"), KindTransient},
		{"unknown", errors.New("boom"), KindUnknown},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestIsBusiness(t *testing.T) {
	if !IsBusiness(&InsufficientStockError{}) {
		t.Fatalf("expected stock error to be business")
	}
	if IsBusiness(Transient("x", errors.New("y"))) {
		t.Fatalf("transient error must not be business")
	}
	if IsBusiness(nil) {
		t.Fatalf("nil is not business")
	}
}

func TestTransient_NilStaysNil(t *testing.T) {
	if Transient("op", nil) != nil {
		t.Fatalf("expected nil")
	}
}
