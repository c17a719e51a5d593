package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"storefront/internal/apperr"
	"storefront/internal/coupon"
	"storefront/internal/inventory"
)

// Trailer keys carrying the error taxonomy across the wire.
const (
	trailerKind     = "x-error-kind"
	trailerDetail   = "x-error-detail"
	trailerSentinel = "x-error-sentinel"
)

// sentinels travel by name so errors.Is keeps working on the client side.
var sentinels = map[string]error{
	"inventory.product_not_found":     inventory.ErrProductNotFound,
	"inventory.reservation_released":  inventory.ErrReservationReleased,
	"inventory.reservation_not_found": inventory.ErrReservationNotFound,
	"coupon.not_found":                coupon.ErrNotFound,
	"coupon.duplicate_code":           coupon.ErrDuplicateCode,
}

// toStatus converts a domain error into a status error and records its kind, typed
// fields and sentinel in the response trailer.
func toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && !isDomain(err) {
		return err
	}

	md := metadata.MD{}
	kind := apperr.KindOf(err)
	md.Set(trailerKind, string(kind))
	if detail := errorDetail(err); detail != nil {
		md.Set(trailerDetail, string(detail))
	}
	for name, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			md.Set(trailerSentinel, name)
			break
		}
	}
	_ = grpcpkg.SetTrailer(ctx, md)

	return status.Error(codeFor(err, kind), err.Error())
}

func isDomain(err error) bool {
	if apperr.KindOf(err) != apperr.KindUnknown {
		return true
	}
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func codeFor(err error, kind apperr.Kind) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	switch kind {
	case apperr.KindValidation:
		return codes.InvalidArgument
	case apperr.KindInsufficientStock, apperr.KindCouponInvalid, apperr.KindPaymentInitiation:
		return codes.FailedPrecondition
	case apperr.KindFraudRejected:
		return codes.PermissionDenied
	case apperr.KindTransient:
		return codes.Unavailable
	}
	for _, sentinel := range []error{inventory.ErrProductNotFound, inventory.ErrReservationNotFound, coupon.ErrNotFound} {
		if errors.Is(err, sentinel) {
			return codes.NotFound
		}
	}
	if errors.Is(err, inventory.ErrReservationReleased) || errors.Is(err, coupon.ErrDuplicateCode) {
		return codes.FailedPrecondition
	}
	return codes.Internal
}

func errorDetail(err error) []byte {
	var target any
	var (
		ve *apperr.ValidationError
		se *apperr.InsufficientStockError
		ce *apperr.CouponInvalidError
		fe *apperr.FraudRejectedError
	)
	switch {
	case errors.As(err, &ve):
		target = ve
	case errors.As(err, &se):
		target = se
	case errors.As(err, &ce):
		target = ce
	case errors.As(err, &fe):
		target = fe
	default:
		return nil
	}
	raw, err := json.Marshal(target)
	if err != nil {
		return nil
	}
	return raw
}

// fromStatus rebuilds a domain error from a call error and its trailer.
func fromStatus(method string, err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	var base error
	if name := first(trailer, trailerSentinel); name != "" {
		if sentinel, ok := sentinels[name]; ok {
			base = fmt.Errorf("%s: %w", st.Message(), sentinel)
		}
	}

	detail := []byte(first(trailer, trailerDetail))
	switch apperr.Kind(first(trailer, trailerKind)) {
	case apperr.KindValidation:
		return decodeInto(detail, &apperr.ValidationError{Reason: st.Message()})
	case apperr.KindInsufficientStock:
		return decodeInto(detail, &apperr.InsufficientStockError{})
	case apperr.KindCouponInvalid:
		return decodeInto(detail, &apperr.CouponInvalidError{Reason: st.Message()})
	case apperr.KindFraudRejected:
		return decodeInto(detail, &apperr.FraudRejectedError{Reason: st.Message()})
	case apperr.KindPaymentInitiation:
		return &apperr.PaymentInitiationError{Err: errors.New(st.Message())}
	case apperr.KindTransient:
		return apperr.Transient(method, err)
	}
	if base != nil {
		return base
	}

	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return apperr.Transient(method, err)
	case codes.Canceled:
		return fmt.Errorf("%s: %w", method, context.Canceled)
	}
	return fmt.Errorf("%s: %w", method, err)
}

// decodeInto fills target from detail when present; target keeps its defaults otherwise.
func decodeInto(detail []byte, target error) error {
	if len(detail) > 0 {
		_ = json.Unmarshal(detail, target)
	}
	return target
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
