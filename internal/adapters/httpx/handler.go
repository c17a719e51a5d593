package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"storefront/internal/apperr"
	"storefront/internal/checkout"
	"storefront/internal/checkout/saga"
	"storefront/internal/payment"
	"storefront/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// IdempotencyHeader carries the client-chosen checkout key.
const IdempotencyHeader = "Idempotency-Key"

// Checkout is the orchestrator surface the handlers need.
type Checkout interface {
	Checkout(ctx context.Context, req saga.Request) (checkout.Result, error)
	HandlePaymentEvent(ctx context.Context, ev payment.Event) (saga.State, error)
	Status(ctx context.Context, orderID string) (saga.State, error)
	Steps(ctx context.Context, orderID string) ([]saga.StepRecord, error)
	Cancel(ctx context.Context, orderID string) (saga.State, error)
	Refund(ctx context.Context, orderID string) (saga.State, error)
}

// Verifier checks webhook signatures.
type Verifier interface {
	Verify(header string, body []byte) error
}

// Handler serves the checkout API.
type Handler struct {
	checkout Checkout
	verifier Verifier
	logger   *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(c Checkout, v Verifier, logger *slog.Logger) *Handler {
	return &Handler{
		checkout: c,
		verifier: v,
		logger:   telemetry.OrDefault(logger).With("component", "http"),
	}
}

// CheckoutRequest is the body of POST /checkout.
type CheckoutRequest struct {
	UserID            string      `json:"userId"`
	Items             []LineInput `json:"items"`
	ShippingAddressID string      `json:"shippingAddressId"`
	CouponCode        string      `json:"couponCode,omitempty"`
	ShippingAddress   string      `json:"shippingAddress,omitempty"`
	BillingAddress    string      `json:"billingAddress,omitempty"`
	Email             string      `json:"email,omitempty"`
	DeviceID          string      `json:"deviceId,omitempty"`
	IPAddress         string      `json:"ipAddress,omitempty"`
	Currency          string      `json:"currency,omitempty"`
}

// LineInput is one requested product.
type LineInput struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// OrderView is the status of one checkout.
type OrderView struct {
	OrderID        string          `json:"orderId"`
	Status         saga.Status     `json:"status"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Discount       decimal.Decimal `json:"discount"`
	Total          decimal.Decimal `json:"total"`
	Currency       string          `json:"currency"`
	PaymentURL     string          `json:"paymentUrl,omitempty"`
	CompletedSteps []saga.Step     `json:"completedSteps"`
	LastError      string          `json:"lastError,omitempty"`
	ErrorKind      string          `json:"errorKind,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func viewOf(st saga.State) OrderView {
	return OrderView{
		OrderID:        st.OrderID,
		Status:         st.Status,
		Subtotal:       st.Subtotal,
		Discount:       st.Discount,
		Total:          st.Total,
		Currency:       st.Currency,
		PaymentURL:     st.PaymentURL,
		CompletedSteps: st.CompletedSteps,
		LastError:      st.LastError,
		ErrorKind:      st.ErrorKind,
		UpdatedAt:      st.UpdatedAt,
	}
}

// PlaceOrder handles POST /checkout.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var body CheckoutRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	req := saga.Request{
		IdempotencyKey:    r.Header.Get(IdempotencyHeader),
		UserID:            body.UserID,
		ShippingAddressID: body.ShippingAddressID,
		CouponCode:        body.CouponCode,
		ShippingAddress:   body.ShippingAddress,
		BillingAddress:    body.BillingAddress,
		Email:             body.Email,
		DeviceID:          body.DeviceID,
		IPAddress:         body.IPAddress,
		Currency:          body.Currency,
	}
	for _, l := range body.Items {
		req.Items = append(req.Items, saga.Line{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	if req.IPAddress == "" {
		req.IPAddress = clientIP(r)
	}

	res, err := h.checkout.Checkout(r.Context(), req)
	if err != nil {
		h.writeCheckoutError(w, r, res, err)
		return
	}

	code := http.StatusOK
	if res.Status == saga.StatusPaymentInitiated && !res.Replayed {
		code = http.StatusCreated
	}
	writeJSON(w, code, res)
}

func (h *Handler) writeCheckoutError(w http.ResponseWriter, r *http.Request, res checkout.Result, err error) {
	kind := apperr.KindOf(err)
	body := map[string]any{"error": string(kind), "message": err.Error()}
	if res.OrderID != "" {
		body["orderId"] = res.OrderID
		body["status"] = res.Status
	}

	status := http.StatusInternalServerError
	switch {
	case kind == apperr.KindValidation:
		status = http.StatusBadRequest
	case errors.Is(err, saga.ErrIdempotencyConflict):
		status = http.StatusConflict
		body["error"] = "idempotency_conflict"
	case errors.Is(err, checkout.ErrCheckoutCancelled):
		status = http.StatusConflict
		body["error"] = "checkout_cancelled"
	case apperr.IsBusiness(err):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, checkout.ErrCheckoutFailed):
		status = http.StatusUnprocessableEntity
		body["error"] = "checkout_failed"
	case kind == apperr.KindTransient:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "checkout failed", "order_id", res.OrderID, "error", err)
	}
	writeJSON(w, status, body)
}

// PaymentWebhook handles POST /webhooks/payment. Duplicates are acknowledged so the
// provider stops redelivering them.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := h.verifier.Verify(r.Header.Get(payment.SignatureHeader), raw); err != nil {
		h.logger.WarnContext(r.Context(), "rejected payment webhook", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid_signature", err.Error())
		return
	}

	var ev payment.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	st, err := h.checkout.HandlePaymentEvent(r.Context(), ev)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"orderId": st.OrderID, "status": st.Status})
	case errors.Is(err, saga.ErrDuplicateEvent):
		writeJSON(w, http.StatusOK, map[string]any{"orderId": st.OrderID, "status": st.Status, "duplicate": true})
	case errors.Is(err, saga.ErrNotFound):
		writeError(w, http.StatusNotFound, "order_not_found", err.Error())
	case apperr.KindOf(err) == apperr.KindValidation:
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "payment webhook failed", "payment_id", ev.PaymentID, "error", err)
		writeError(w, http.StatusInternalServerError, "webhook_failed", err.Error())
	}
}

// GetOrder handles GET /orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	st, err := h.checkout.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeOrderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(st))
}

// GetSteps handles GET /orders/{id}/steps.
func (h *Handler) GetSteps(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if _, err := h.checkout.Status(r.Context(), orderID); err != nil {
		h.writeOrderError(w, r, err)
		return
	}
	steps, err := h.checkout.Steps(r.Context(), orderID)
	if err != nil {
		h.writeOrderError(w, r, err)
		return
	}
	if steps == nil {
		steps = []saga.StepRecord{}
	}
	writeJSON(w, http.StatusOK, steps)
}

// CancelOrder handles POST /orders/{id}/cancel.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	st, err := h.checkout.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeOrderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(st))
}

// RefundOrder handles POST /orders/{id}/refund.
func (h *Handler) RefundOrder(w http.ResponseWriter, r *http.Request) {
	st, err := h.checkout.Refund(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeOrderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(st))
}

func (h *Handler) writeOrderError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, saga.ErrNotFound):
		writeError(w, http.StatusNotFound, "order_not_found", err.Error())
	case errors.Is(err, checkout.ErrCancelTooLate):
		writeError(w, http.StatusConflict, "cancel_too_late", err.Error())
	case errors.Is(err, checkout.ErrNotRefundable):
		writeError(w, http.StatusConflict, "not_refundable", err.Error())
	case apperr.KindOf(err) == apperr.KindTransient:
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "order request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
