// Package checkout runs the order-placement saga: fraud screening, stock reservation,
// coupon redemption, order creation and payment initiation, with reverse-order
// compensation when a step fails.
package checkout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"storefront/internal/alert"
	"storefront/internal/apperr"
	"storefront/internal/checkout/order"
	"storefront/internal/checkout/saga"
	"storefront/internal/coupon"
	"storefront/internal/fraud"
	"storefront/internal/inventory"
	"storefront/internal/observability"
	"storefront/internal/outbox"
	"storefront/internal/payment"
	"storefront/internal/telemetry"
)

var (
	// ErrCheckoutCancelled is the cause recorded when a customer cancels a running checkout.
	ErrCheckoutCancelled = errors.New("checkout cancelled")
	// ErrCancelTooLate signals a cancel once the order exists; completed orders go through Refund.
	ErrCancelTooLate = errors.New("checkout can no longer be cancelled")
	// ErrNotRefundable signals a refund for an order that did not complete.
	ErrNotRefundable = errors.New("order is not refundable")
	// ErrCheckoutFailed is returned when replaying a checkout that already failed.
	ErrCheckoutFailed = errors.New("checkout failed")
	// ErrInterrupted is the cause recorded for sagas abandoned by a stopped process.
	ErrInterrupted = errors.New("checkout interrupted")
	// ErrPaymentNotCompleted is the cause recorded when the provider reports no capture.
	ErrPaymentNotCompleted = errors.New("payment not completed")
)

// Inventory reserves stock for an order.
type Inventory interface {
	Reserve(ctx context.Context, referenceID string, items []inventory.Item) (inventory.Reservation, error)
	Release(ctx context.Context, referenceID string) ([]inventory.Item, error)
	Commit(ctx context.Context, referenceID string) ([]inventory.Item, error)
}

// Coupons applies discount codes.
type Coupons interface {
	Validate(ctx context.Context, req coupon.ValidateRequest) (coupon.Quote, error)
	Redeem(ctx context.Context, req coupon.RedeemRequest) (coupon.Redemption, error)
	Reverse(ctx context.Context, orderID string) (coupon.Redemption, bool, error)
	Confirm(ctx context.Context, orderID string) error
}

// FraudGate scores an order.
type FraudGate interface {
	Score(ctx context.Context, req fraud.Request) (fraud.Decision, error)
}

// eventApplier is implemented by providers that keep a local ledger of webhook outcomes.
type eventApplier interface {
	Apply(ctx context.Context, ev payment.Event) (payment.Payment, error)
}

// paymentLookup is implemented by providers that can tell whether an order has a payment,
// which settles the outcome of an initiation whose response was lost.
type paymentLookup interface {
	FindByOrder(ctx context.Context, orderID string) (payment.Payment, bool, error)
}

var errLookupUnsupported = errors.New("payment provider cannot look up payments by order")

// Deps are the collaborators of an Orchestrator. Alerter, Metrics, Logger, Now and NewID
// are optional.
type Deps struct {
	Store     saga.Store
	Inventory Inventory
	Coupons   Coupons
	Fraud     FraudGate
	Payments  payment.Provider
	Catalog   order.Catalog
	Orders    order.Store
	Alerter   alert.Alerter
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

// Config tunes the orchestrator.
type Config struct {
	Retry               RetryPolicy
	CompensationTimeout time.Duration
	ReconcileWindow     time.Duration
	ReconcileBatch      int
	ResumeAfter         time.Duration
	Currency            string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Retry:               DefaultReliabilityConfig().RetryPolicy(),
		CompensationTimeout: 30 * time.Second,
		ReconcileWindow:     15 * time.Minute,
		ReconcileBatch:      100,
		ResumeAfter:         time.Minute,
		Currency:            "USD",
	}
}

// Result is what a checkout caller gets back.
type Result struct {
	OrderID    string          `json:"orderId"`
	Status     saga.Status     `json:"status"`
	PaymentURL string          `json:"paymentUrl,omitempty"`
	Total      decimal.Decimal `json:"total"`
	Discount   decimal.Decimal `json:"discount"`
	Replayed   bool            `json:"replayed,omitempty"`
}

// Orchestrator drives checkout sagas.
type Orchestrator struct {
	store     saga.Store
	inventory Inventory
	coupons   Coupons
	fraud     FraudGate
	payments  payment.Provider
	catalog   order.Catalog
	orders    order.Store
	alerter   alert.Alerter
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
	cfg       Config

	locks  *keyedMutex
	runsMu sync.Mutex
	runs   map[string]context.CancelCauseFunc
}

// NewOrchestrator constructs an orchestrator. Every collaborator except the optional ones
// named on Deps is required.
func NewOrchestrator(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("checkout: saga store is required")
	case deps.Inventory == nil:
		return nil, errors.New("checkout: inventory is required")
	case deps.Coupons == nil:
		return nil, errors.New("checkout: coupons are required")
	case deps.Fraud == nil:
		return nil, errors.New("checkout: fraud gate is required")
	case deps.Payments == nil:
		return nil, errors.New("checkout: payment provider is required")
	case deps.Catalog == nil:
		return nil, errors.New("checkout: catalog is required")
	case deps.Orders == nil:
		return nil, errors.New("checkout: order store is required")
	}

	defaults := DefaultConfig()
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = defaults.CompensationTimeout
	}
	if cfg.ReconcileWindow <= 0 {
		cfg.ReconcileWindow = defaults.ReconcileWindow
	}
	if cfg.ReconcileBatch <= 0 {
		cfg.ReconcileBatch = defaults.ReconcileBatch
	}
	if cfg.ResumeAfter <= 0 {
		cfg.ResumeAfter = defaults.ResumeAfter
	}
	if cfg.Currency == "" {
		cfg.Currency = defaults.Currency
	}

	logger := telemetry.OrDefault(deps.Logger).With("component", "checkout")
	alerter := deps.Alerter
	if alerter == nil {
		alerter = alert.NewLogAlerter(logger)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	return &Orchestrator{
		store:     deps.Store,
		inventory: deps.Inventory,
		coupons:   deps.Coupons,
		fraud:     deps.Fraud,
		payments:  deps.Payments,
		catalog:   deps.Catalog,
		orders:    deps.Orders,
		alerter:   alerter,
		metrics:   deps.Metrics,
		logger:    logger,
		now:       now,
		newID:     newID,
		cfg:       cfg,
		locks:     newKeyedMutex(),
		runs:      make(map[string]context.CancelCauseFunc),
	}, nil
}

// Checkout validates and prices req, then starts its saga or resumes the one already
// registered under the same idempotency key. It returns once the saga is parked at
// PAYMENT_INITIATED, has completed, or has failed and been compensated.
func (o *Orchestrator) Checkout(ctx context.Context, req saga.Request) (Result, error) {
	req, err := normalizeRequest(req, o.cfg.Currency)
	if err != nil {
		return Result{}, err
	}
	hash := requestHash(req)
	priced, subtotal, err := o.price(ctx, req)
	if err != nil {
		return Result{}, err
	}
	req.Items = priced

	orderID := req.OrderID
	if orderID == "" {
		orderID = o.newID()
	}
	key := req.IdempotencyKey
	if key == "" {
		key = orderID
	}

	st, created, err := o.store.Create(ctx, saga.State{
		OrderID:        orderID,
		IdempotencyKey: key,
		UserID:         req.UserID,
		Status:         saga.StatusInit,
		Request:        req,
		RequestHash:    hash,
		Subtotal:       subtotal,
		Discount:       decimal.Zero,
		Total:          subtotal,
		Currency:       req.Currency,
	})
	if err != nil {
		return Result{}, err
	}

	unlock, err := o.locks.Lock(ctx, st.OrderID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	if !created {
		if st, err = o.store.Get(ctx, st.OrderID); err != nil {
			return Result{}, err
		}
		if !resumable(st.Status) {
			return replayResult(st)
		}
		o.logger.InfoContext(ctx, "resuming checkout", "order_id", st.OrderID, "status", string(st.Status))
	} else {
		o.metrics.Inc("saga.started")
		o.logger.InfoContext(ctx, "checkout started", "order_id", st.OrderID, "user_id", st.UserID, "subtotal", st.Subtotal.StringFixed(2))
	}

	st, err = o.run(ctx, st)
	res := resultOf(st)
	res.Replayed = !created
	return res, err
}

func resumable(s saga.Status) bool {
	switch s {
	case saga.StatusInit, saga.StatusFraudChecked, saga.StatusInventoryReserved, saga.StatusCouponApplied, saga.StatusOrderCreated:
		return true
	}
	return false
}

func replayResult(st saga.State) (Result, error) {
	res := resultOf(st)
	res.Replayed = true
	if st.Status == saga.StatusFailed {
		return res, fmt.Errorf("%w: %s", ErrCheckoutFailed, st.LastError)
	}
	return res, nil
}

func resultOf(st saga.State) Result {
	return Result{
		OrderID:    st.OrderID,
		Status:     st.Status,
		PaymentURL: st.PaymentURL,
		Total:      st.Total,
		Discount:   st.Discount,
	}
}

// run executes the remaining forward steps. The caller holds the order lock.
func (o *Orchestrator) run(ctx context.Context, st saga.State) (saga.State, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	o.track(st.OrderID, cancel)
	defer func() {
		o.untrack(st.OrderID)
		cancel(nil)
	}()

	for _, step := range saga.Steps {
		if st.Has(step) {
			continue
		}
		if err := runCtx.Err(); err != nil {
			return o.fail(ctx, st, causeOf(runCtx, err), "")
		}

		next, err := o.execute(runCtx, st, step)
		if err != nil {
			if errors.Is(err, saga.ErrVersionConflict) {
				return st, err
			}
			return o.fail(ctx, next, causeOf(runCtx, err), "")
		}
		st = next
	}

	if st.PaymentID == "" {
		// Fully discounted: nothing to capture.
		return o.complete(ctx, st, "")
	}
	return st, nil
}

func causeOf(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, ErrCheckoutCancelled) {
		return cause
	}
	return err
}

// execute persists the step as pending, performs it with retries and records the transition.
// The returned state carries any partial result when err is non-nil.
func (o *Orchestrator) execute(ctx context.Context, st saga.State, step saga.Step) (saga.State, error) {
	if step == saga.StepApplyCoupon && st.Request.CouponCode == "" {
		st.CompletedSteps = append(append([]saga.Step(nil), st.CompletedSteps...), step)
		st.Status = step.Reached()
		saved, err := o.save(ctx, st, nil)
		if err != nil {
			return st, err
		}
		o.recordStep(ctx, st.OrderID, step, saga.OutcomeSkipped, "no coupon code")
		return saved, nil
	}

	st.PendingStep = step
	st, err := o.save(ctx, st, nil)
	if err != nil {
		return st, err
	}

	span := o.metrics.Begin("checkout.step." + strings.ToLower(string(step)))
	work := st
	err = o.cfg.Retry.Do(ctx, func() error {
		var stepErr error
		work, stepErr = o.perform(ctx, st, step)
		return stepErr
	})
	span.End(err)
	if err != nil {
		if apperr.IsBusiness(err) {
			// Rejected outright; the collaborator left nothing behind.
			work.PendingStep = ""
		}
		o.recordStep(ctx, st.OrderID, step, saga.OutcomeFailed, err.Error())
		o.logger.WarnContext(ctx, "checkout step failed",
			"order_id", st.OrderID, "step", string(step), "kind", string(apperr.KindOf(err)), "error", err)
		return work, err
	}

	work.PendingStep = ""
	work.CompletedSteps = append(append([]saga.Step(nil), work.CompletedSteps...), step)
	work.Status = step.Reached()

	var events []outbox.Event
	if step == saga.StepInitiatePayment && work.PaymentID != "" {
		ev, err := o.event(work, outbox.TypePaymentInitiated)
		if err != nil {
			return work, err
		}
		events = append(events, ev)
	}
	saved, err := o.save(ctx, work, events)
	if err != nil {
		return work, err
	}
	o.recordStep(ctx, st.OrderID, step, saga.OutcomeSucceeded, stepDetail(saved, step))
	return saved, nil
}

func stepDetail(st saga.State, step saga.Step) string {
	switch step {
	case saga.StepFraudCheck:
		if st.Fraud != nil {
			return fmt.Sprintf("score %d (%s)", st.Fraud.Score, st.Fraud.RiskLevel)
		}
	case saga.StepApplyCoupon:
		return "discount " + st.Discount.StringFixed(2)
	case saga.StepInitiatePayment:
		if st.PaymentID == "" {
			return "nothing to pay"
		}
		return "payment " + st.PaymentID
	}
	return ""
}

// perform calls the collaborator behind step. Every call is keyed by the order id so a
// retry or a resumed saga gets the earlier result back.
func (o *Orchestrator) perform(ctx context.Context, st saga.State, step saga.Step) (saga.State, error) {
	req := st.Request
	switch step {
	case saga.StepFraudCheck:
		d, err := o.fraud.Score(ctx, fraud.Request{
			OrderID:         st.OrderID,
			UserID:          st.UserID,
			Amount:          st.Subtotal,
			ShippingAddress: req.ShippingAddress,
			BillingAddress:  req.BillingAddress,
			Email:           req.Email,
			DeviceID:        req.DeviceID,
			IPAddress:       req.IPAddress,
		})
		if err != nil {
			return st, err
		}
		st.Fraud = &d
		if !d.Approved {
			return st, &apperr.FraudRejectedError{Score: d.Score, RiskLevel: string(d.RiskLevel), Reason: d.Reason}
		}
		return st, nil

	case saga.StepReserveInventory:
		items := make([]inventory.Item, 0, len(req.Items))
		for _, line := range req.Items {
			items = append(items, inventory.Item{ProductID: line.ProductID, Quantity: line.Quantity})
		}
		_, err := o.inventory.Reserve(ctx, st.OrderID, items)
		return st, err

	case saga.StepApplyCoupon:
		quote, err := o.coupons.Validate(ctx, coupon.ValidateRequest{
			Code:       req.CouponCode,
			OrderTotal: st.Subtotal,
			UserID:     st.UserID,
			Categories: categories(req.Items),
		})
		if err != nil {
			return st, err
		}
		r, err := o.coupons.Redeem(ctx, coupon.RedeemRequest{
			Code:     req.CouponCode,
			UserID:   st.UserID,
			OrderID:  st.OrderID,
			Discount: quote.Discount,
		})
		if err != nil {
			return st, err
		}
		st.Discount = r.DiscountAmount
		st.Total = st.Subtotal.Sub(r.DiscountAmount)
		if st.Total.IsNegative() {
			st.Total = decimal.Zero
		}
		return st, nil

	case saga.StepCreateOrder:
		items := make([]order.Item, 0, len(req.Items))
		for _, line := range req.Items {
			items = append(items, order.Item{ProductID: line.ProductID, Quantity: line.Quantity, UnitPrice: line.UnitPrice})
		}
		_, err := o.orders.CreateDraft(ctx, order.Draft{
			OrderID:           st.OrderID,
			UserID:            st.UserID,
			Items:             items,
			ShippingAddressID: req.ShippingAddressID,
			Subtotal:          st.Subtotal,
			Discount:          st.Discount,
			Total:             st.Total,
			Currency:          st.Currency,
		})
		return st, err

	case saga.StepInitiatePayment:
		if !st.Total.IsPositive() {
			return st, nil
		}
		init, err := o.payments.Initiate(ctx, st.OrderID, st.Total, st.Currency)
		if err != nil {
			return st, err
		}
		st.PaymentID = init.PaymentID
		st.PaymentURL = init.RedirectURL
		return st, nil
	}
	return st, fmt.Errorf("unknown step %s", step)
}

func categories(lines []saga.Line) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range lines {
		if l.Category != "" && !seen[l.Category] {
			seen[l.Category] = true
			out = append(out, l.Category)
		}
	}
	sort.Strings(out)
	return out
}

// save persists st and returns it with the bumped version.
func (o *Orchestrator) save(ctx context.Context, st saga.State, events []outbox.Event) (saga.State, error) {
	return o.store.Save(ctx, st, saga.SaveOptions{Events: events})
}

func (o *Orchestrator) recordStep(ctx context.Context, orderID string, step saga.Step, outcome, detail string) {
	err := o.store.AddStep(ctx, saga.StepRecord{
		OrderID:   orderID,
		Step:      string(step),
		Outcome:   outcome,
		Detail:    detail,
		CreatedAt: o.now().UTC(),
	})
	if err != nil {
		o.logger.WarnContext(ctx, "record step failed", "order_id", orderID, "step", string(step), "error", err)
	}
}

type eventPayload struct {
	OrderID    string          `json:"orderId"`
	UserID     string          `json:"userId"`
	Status     saga.Status     `json:"status"`
	Total      decimal.Decimal `json:"total"`
	Discount   decimal.Decimal `json:"discount"`
	Currency   string          `json:"currency"`
	PaymentID  string          `json:"paymentId,omitempty"`
	PaymentURL string          `json:"paymentUrl,omitempty"`
	Error      string          `json:"error,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

func (o *Orchestrator) event(st saga.State, eventType string) (outbox.Event, error) {
	now := o.now()
	return outbox.New(st.OrderID, eventType, eventPayload{
		OrderID:    st.OrderID,
		UserID:     st.UserID,
		Status:     st.Status,
		Total:      st.Total,
		Discount:   st.Discount,
		Currency:   st.Currency,
		PaymentID:  st.PaymentID,
		PaymentURL: st.PaymentURL,
		Error:      st.LastError,
		OccurredAt: now.UTC(),
	}, now)
}

func (o *Orchestrator) track(orderID string, cancel context.CancelCauseFunc) {
	o.runsMu.Lock()
	o.runs[orderID] = cancel
	o.runsMu.Unlock()
}

func (o *Orchestrator) untrack(orderID string) {
	o.runsMu.Lock()
	delete(o.runs, orderID)
	o.runsMu.Unlock()
}

func (o *Orchestrator) running(orderID string) (context.CancelCauseFunc, bool) {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	cancel, ok := o.runs[orderID]
	return cancel, ok
}

// Status returns the stored saga for orderID.
func (o *Orchestrator) Status(ctx context.Context, orderID string) (saga.State, error) {
	return o.store.Get(ctx, orderID)
}

// Steps returns the step log of orderID.
func (o *Orchestrator) Steps(ctx context.Context, orderID string) ([]saga.StepRecord, error) {
	return o.store.Steps(ctx, orderID)
}

func normalizeRequest(req saga.Request, currency string) (saga.Request, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.ShippingAddressID = strings.TrimSpace(req.ShippingAddressID)
	req.CouponCode = coupon.NormalizeCode(req.CouponCode)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = currency
	}

	switch {
	case req.UserID == "":
		return req, apperr.Validation("userId", "required")
	case req.ShippingAddressID == "":
		return req, apperr.Validation("shippingAddressId", "required")
	case len(req.Items) == 0:
		return req, apperr.Validation("items", "at least one item is required")
	}

	merged := make(map[string]int, len(req.Items))
	var ids []string
	for i, line := range req.Items {
		id := strings.TrimSpace(line.ProductID)
		if id == "" {
			return req, apperr.Validation(fmt.Sprintf("items[%d].productId", i), "required")
		}
		if line.Quantity <= 0 {
			return req, apperr.Validation(fmt.Sprintf("items[%d].quantity", i), "must be positive")
		}
		if _, ok := merged[id]; !ok {
			ids = append(ids, id)
		}
		merged[id] += line.Quantity
	}
	sort.Strings(ids)
	lines := make([]saga.Line, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, saga.Line{ProductID: id, Quantity: merged[id]})
	}
	req.Items = lines
	return req, nil
}

// price fills unit prices and categories from the catalog.
func (o *Orchestrator) price(ctx context.Context, req saga.Request) ([]saga.Line, decimal.Decimal, error) {
	ids := make([]string, 0, len(req.Items))
	for _, line := range req.Items {
		ids = append(ids, line.ProductID)
	}
	products, err := o.catalog.Products(ctx, ids)
	if err != nil {
		return nil, decimal.Zero, err
	}

	subtotal := decimal.Zero
	lines := make([]saga.Line, 0, len(req.Items))
	for _, line := range req.Items {
		p, ok := products[line.ProductID]
		if !ok || !p.Active {
			return nil, decimal.Zero, apperr.Validation("items", "unknown product "+line.ProductID)
		}
		if p.Currency != "" && !strings.EqualFold(p.Currency, req.Currency) {
			return nil, decimal.Zero, apperr.Validation("currency", fmt.Sprintf("product %s is priced in %s", p.ID, p.Currency))
		}
		line.UnitPrice = p.Price
		line.Category = p.Category
		subtotal = subtotal.Add(p.Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
		lines = append(lines, line)
	}
	if !subtotal.IsPositive() {
		return nil, decimal.Zero, apperr.Validation("items", "order total must be positive")
	}
	return lines, subtotal.Round(2), nil
}

// requestHash fingerprints the normalized request so a reused idempotency key with a
// different body is detected.
func requestHash(req saga.Request) string {
	req.OrderID = ""
	req.IdempotencyKey = ""
	raw, _ := json.Marshal(req)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
