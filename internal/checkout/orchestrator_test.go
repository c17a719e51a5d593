package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	orch    *Orchestrator
	clock   *testClock
	sagas   *saga.MemoryStore
	stock   *inventory.Manager
	coupons *coupon.MemoryStore
	gateway *payment.SandboxGateway
	orders  *order.MemoryStore
	alerts  *alert.Recorder
	metrics *observability.Metrics
}

func newHarness(t *testing.T, wrap ...func(*Deps)) *harness {
	t.Helper()
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}

	h := &harness{
		clock:   clock,
		sagas:   saga.NewMemoryStore(),
		coupons: coupon.NewMemoryStore(),
		gateway: payment.NewSandboxGateway("https://pay.test"),
		orders:  order.NewMemoryStore(),
		alerts:  &alert.Recorder{},
		metrics: observability.NewMetrics(),
	}
	h.sagas.SetClock(clock.Now)

	stockStore := inventory.NewMemoryStore()
	stockStore.Put(inventory.Record{ProductID: "book-1", WarehouseID: "main", Quantity: 10})
	stockStore.Put(inventory.Record{ProductID: "game-1", WarehouseID: "main", Quantity: 5})
	h.stock = inventory.NewManager(stockStore, inventory.WithLockTimeout(time.Second), inventory.WithClock(clock.Now))

	ledger := coupon.NewLedger(h.coupons, clock.Now, nil)
	for _, c := range []coupon.Coupon{
		{Code: "SAVE10", DiscountType: coupon.DiscountPercentage, DiscountValue: decimal.NewFromInt(10)},
		{Code: "FREEBIE", DiscountType: coupon.DiscountFixed, DiscountValue: decimal.NewFromInt(100)},
	} {
		c.ValidFrom = clock.Now().Add(-24 * time.Hour)
		c.ValidUntil = clock.Now().Add(30 * 24 * time.Hour)
		c.Active = true
		_, err := ledger.Create(ctx, c)
		require.NoError(t, err)
	}

	var seq atomic.Int64
	deps := Deps{
		Store:     h.sagas,
		Inventory: h.stock,
		Coupons:   ledger,
		Fraud:     fraud.NewGate(fraud.NewMemoryStore(), h.alerts, clock.Now, nil),
		Payments:  payment.NewInitiator(h.gateway, payment.NewMemoryStore(), nil),
		Catalog: order.NewMemoryCatalog(
			order.Product{ID: "book-1", Name: "Field Guide", Category: "books", Price: decimal.RequireFromString("10.00"), Currency: "USD", Active: true},
			order.Product{ID: "game-1", Name: "Board Game", Category: "games", Price: decimal.RequireFromString("25.50"), Currency: "USD", Active: true},
			order.Product{ID: "retired-1", Name: "Old Stock", Category: "books", Price: decimal.RequireFromString("5.00"), Currency: "USD"},
		),
		Orders:  h.orders,
		Alerter: h.alerts,
		Metrics: h.metrics,
		Now:     clock.Now,
		NewID:   func() string { return fmt.Sprintf("order-%d", seq.Add(1)) },
	}
	for _, w := range wrap {
		w(&deps)
	}

	orch, err := NewOrchestrator(deps, Config{Retry: RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func line(productID string, quantity int) saga.Line {
	return saga.Line{ProductID: productID, Quantity: quantity}
}

func checkoutRequest(lines ...saga.Line) saga.Request {
	return saga.Request{
		UserID:            "user-1",
		Items:             lines,
		ShippingAddressID: "addr-1",
		Email:             "shopper@example.com",
		DeviceID:          "device-1",
		IPAddress:         "203.0.113.7",
	}
}

func (h *harness) record(t *testing.T, productID string) inventory.Record {
	t.Helper()
	rec, err := h.stock.Get(context.Background(), productID)
	require.NoError(t, err)
	return rec
}

func (h *harness) state(t *testing.T, orderID string) saga.State {
	t.Helper()
	st, err := h.orch.Status(context.Background(), orderID)
	require.NoError(t, err)
	return st
}

func (h *harness) outcomes(t *testing.T, orderID, outcome string) []saga.Step {
	t.Helper()
	records, err := h.orch.Steps(context.Background(), orderID)
	require.NoError(t, err)
	var steps []saga.Step
	for _, r := range records {
		if r.Outcome == outcome {
			steps = append(steps, saga.Step(r.Step))
		}
	}
	return steps
}

func (h *harness) eventTypes(orderID string) []string {
	var types []string
	for _, ev := range h.sagas.Events(orderID) {
		types = append(types, ev.Type)
	}
	return types
}

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got.StringFixed(2))
}

type stubGate struct{ score int }

func (g stubGate) Score(_ context.Context, req fraud.Request) (fraud.Decision, error) {
	d := fraud.Classify(g.score)
	d.OrderID = req.OrderID
	d.Reason = "stubbed"
	return d, nil
}

type failingRelease struct {
	Inventory
}

func (f failingRelease) Release(context.Context, string) ([]inventory.Item, error) {
	return nil, errors.New("inventory service offline")
}

type blockingReserve struct {
	Inventory
	entered chan struct{}
	once    sync.Once
}

func (b *blockingReserve) Reserve(ctx context.Context, _ string, _ []inventory.Item) (inventory.Reservation, error) {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return inventory.Reservation{}, ctx.Err()
}

func TestNewOrchestrator_RequiresCollaborators(t *testing.T) {
	_, err := NewOrchestrator(Deps{}, Config{})
	assert.Error(t, err)
}

func TestCheckout_ParksAtPaymentInitiated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := checkoutRequest(line("book-1", 2), line("game-1", 1))
	req.CouponCode = " save10 "
	res, err := h.orch.Checkout(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, "order-1", res.OrderID)
	assert.Equal(t, saga.StatusPaymentInitiated, res.Status)
	assert.Equal(t, "https://pay.test/payment/order-1", res.PaymentURL)
	assertMoney(t, "4.55", res.Discount)
	assertMoney(t, "40.95", res.Total)

	assert.Equal(t, 2, h.record(t, "book-1").ReservedQuantity)
	assert.Equal(t, 1, h.record(t, "game-1").ReservedQuantity)

	draft, err := h.orders.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, order.DraftPending, draft.Status)
	assertMoney(t, "40.95", draft.Total)

	st := h.state(t, "order-1")
	assert.Equal(t, saga.Steps, st.CompletedSteps)
	assert.Empty(t, st.PendingStep)
	assert.NotEmpty(t, st.PaymentID)
	assert.Equal(t, saga.Steps, h.outcomes(t, "order-1", saga.OutcomeSucceeded))
	assert.Equal(t, []string{outbox.TypePaymentInitiated}, h.eventTypes("order-1"))
}

func TestHandlePaymentEvent_SuccessCompletesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := checkoutRequest(line("book-1", 2))
	req.CouponCode = "SAVE10"
	res, err := h.orch.Checkout(ctx, req)
	require.NoError(t, err)

	ev, err := h.gateway.Settle(h.state(t, res.OrderID).PaymentID, payment.StatusSucceeded)
	require.NoError(t, err)

	st, err := h.orch.HandlePaymentEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, st.Status)
	assert.Equal(t, ev.TransactionID, st.TransactionID)

	rec := h.record(t, "book-1")
	assert.Equal(t, 8, rec.Quantity)
	assert.Equal(t, 0, rec.ReservedQuantity)

	draft, err := h.orders.Get(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.DraftConfirmed, draft.Status)

	redemptions := h.coupons.Redemptions()
	require.Len(t, redemptions, 1)
	assert.Equal(t, coupon.RedemptionApplied, redemptions[0].Status)
	assert.NotNil(t, redemptions[0].ConfirmedAt)

	_, err = h.orch.HandlePaymentEvent(ctx, ev)
	assert.ErrorIs(t, err, saga.ErrDuplicateEvent)
	assert.Equal(t, 8, h.record(t, "book-1").Quantity)

	counters := h.metrics.Snapshot().Counters
	assert.EqualValues(t, 1, counters["saga.completed"])
	assert.EqualValues(t, 1, counters["webhook.duplicate"])
	assert.Equal(t, []string{outbox.TypePaymentInitiated, outbox.TypeCompleted}, h.eventTypes(res.OrderID))
}

func TestHandlePaymentEvent_FailureCompensates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := checkoutRequest(line("book-1", 3))
	req.CouponCode = "SAVE10"
	res, err := h.orch.Checkout(ctx, req)
	require.NoError(t, err)

	ev, err := h.gateway.Settle(h.state(t, res.OrderID).PaymentID, payment.StatusFailed)
	require.NoError(t, err)

	st, err := h.orch.HandlePaymentEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusFailed, st.Status)
	assert.Contains(t, st.LastError, "payment not completed")

	rec := h.record(t, "book-1")
	assert.Equal(t, 10, rec.Quantity)
	assert.Equal(t, 0, rec.ReservedQuantity)

	redemptions := h.coupons.Redemptions()
	require.Len(t, redemptions, 1)
	assert.Equal(t, coupon.RedemptionReversed, redemptions[0].Status)

	draft, err := h.orders.Get(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.DraftCancelled, draft.Status)

	_, err = h.orch.HandlePaymentEvent(ctx, ev)
	assert.ErrorIs(t, err, saga.ErrDuplicateEvent)
}

func TestHandlePaymentEvent_RejectsIncompleteEvents(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.HandlePaymentEvent(context.Background(), payment.Event{PaymentID: "pay-1", Outcome: payment.StatusSucceeded})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = h.orch.HandlePaymentEvent(context.Background(), payment.Event{PaymentID: "pay-unknown", TransactionID: "txn-1", Outcome: payment.StatusSucceeded})
	assert.ErrorIs(t, err, saga.ErrNotFound)
}

func TestCheckout_FraudRejectionStopsBeforeInventory(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Fraud = stubGate{score: 95} })
	ctx := context.Background()

	res, err := h.orch.Checkout(ctx, checkoutRequest(line("book-1", 1)))
	var rejected *apperr.FraudRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 95, rejected.Score)
	assert.Equal(t, saga.StatusFailed, res.Status)

	st := h.state(t, res.OrderID)
	require.NotNil(t, st.Fraud)
	assert.Equal(t, fraud.RiskCritical, st.Fraud.RiskLevel)
	assert.Empty(t, st.CompletedSteps)
	assert.Equal(t, string(apperr.KindFraudRejected), st.ErrorKind)

	entries, err := h.stock.Entries(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, []saga.Step{saga.StepFraudCheck}, h.outcomes(t, res.OrderID, saga.OutcomeFailed))
}

func TestCheckout_InsufficientStockFails(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.Checkout(context.Background(), checkoutRequest(line("book-1", 11)))
	var short *apperr.InsufficientStockError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, "book-1", short.ProductID)
	assert.Equal(t, saga.StatusFailed, res.Status)

	st := h.state(t, res.OrderID)
	assert.Equal(t, []saga.Step{saga.StepFraudCheck}, st.CompletedSteps)
	assert.Empty(t, st.PendingStep)
	assert.Equal(t, 0, h.record(t, "book-1").ReservedQuantity)
	assert.Empty(t, h.outcomes(t, res.OrderID, saga.OutcomeCompensated))
	assert.Equal(t, []string{outbox.TypeCompensating, outbox.TypeFailed}, h.eventTypes(res.OrderID))
}

func TestCheckout_PaymentDeclineCompensatesInReverse(t *testing.T) {
	h := newHarness(t)
	h.gateway.DeclineAbove = decimal.NewNullDecimal(decimal.NewFromInt(1))
	ctx := context.Background()

	req := checkoutRequest(line("book-1", 2))
	req.CouponCode = "SAVE10"
	res, err := h.orch.Checkout(ctx, req)
	var declined *apperr.PaymentInitiationError
	require.ErrorAs(t, err, &declined)
	assert.ErrorIs(t, err, payment.ErrDeclined)
	assert.Equal(t, saga.StatusFailed, res.Status)

	assert.Equal(t, []saga.Step{saga.StepCreateOrder, saga.StepApplyCoupon, saga.StepReserveInventory},
		h.outcomes(t, res.OrderID, saga.OutcomeCompensated))

	assert.Equal(t, 0, h.record(t, "book-1").ReservedQuantity)
	c, err := h.coupons.FindByCode(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 0, c.UsageCount)

	draft, err := h.orders.Get(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.DraftCancelled, draft.Status)
	assert.Empty(t, h.alerts.Alerts())
	assert.EqualValues(t, 1, h.metrics.Snapshot().Counters["saga.failed"])
}

func TestCheckout_RetriesTransientStepFailures(t *testing.T) {
	h := newHarness(t)
	h.gateway.FailNext(apperr.Transient("sandbox", errors.New("connection reset")))

	res, err := h.orch.Checkout(context.Background(), checkoutRequest(line("game-1", 1)))
	require.NoError(t, err)
	assert.Equal(t, saga.StatusPaymentInitiated, res.Status)
	assert.NotEmpty(t, res.PaymentURL)
}

func TestCheckout_ExhaustedRetriesConfirmNoPaymentWasCreated(t *testing.T) {
	h := newHarness(t)
	reset := apperr.Transient("sandbox", errors.New("connection reset"))
	h.gateway.FailNext(reset, reset, reset)

	res, err := h.orch.Checkout(context.Background(), checkoutRequest(line("game-1", 2)))
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
	assert.Equal(t, saga.StatusFailed, res.Status)

	st := h.state(t, res.OrderID)
	assert.Equal(t, string(apperr.KindTransient), st.ErrorKind)
	assert.Equal(t, 0, h.record(t, "game-1").ReservedQuantity)

	// The provider holds no payment for the order, so there is nothing to chase.
	assert.Empty(t, h.alerts.Alerts())
	assert.Contains(t, h.outcomes(t, res.OrderID, saga.OutcomeCompensated), saga.StepInitiatePayment)
	_, created := h.gateway.PaymentFor(res.OrderID)
	assert.False(t, created)
}

// opaqueProvider hides every method beyond payment.Provider.
type opaqueProvider struct {
	payment.Provider
}

func TestCheckout_UnknownInitiationOutcomeEscalates(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Payments = opaqueProvider{d.Payments}
	})
	reset := apperr.Transient("sandbox", errors.New("connection reset"))
	h.gateway.FailNext(reset, reset, reset)

	res, err := h.orch.Checkout(context.Background(), checkoutRequest(line("game-1", 1)))
	require.Error(t, err)
	assert.Equal(t, saga.StatusFailed, res.Status)

	alerts := h.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, res.OrderID, alerts[0].OrderID)
	assert.ErrorIs(t, alerts[0].Err, errPaymentOutcomeUnknown)
	assert.Equal(t, 0, h.record(t, "game-1").ReservedQuantity)
}

// lostResponseGateway creates the payment and then drops the response.
type lostResponseGateway struct {
	*payment.SandboxGateway
}

func (g lostResponseGateway) Create(ctx context.Context, orderID string, amount decimal.Decimal, currency string) (payment.Initiation, error) {
	if _, err := g.SandboxGateway.Create(ctx, orderID, amount, currency); err != nil {
		return payment.Initiation{}, err
	}
	return payment.Initiation{}, apperr.Transient("sandbox", errors.New("read: connection reset"))
}

func TestCheckout_LostInitiationResponseVoidsCreatedPayment(t *testing.T) {
	var gateway *payment.SandboxGateway
	h := newHarness(t, func(d *Deps) {
		gateway = payment.NewSandboxGateway("https://pay.test")
		d.Payments = payment.NewInitiator(lostResponseGateway{gateway}, payment.NewMemoryStore(), nil)
	})
	ctx := context.Background()

	res, err := h.orch.Checkout(ctx, checkoutRequest(line("game-1", 1)))
	require.Error(t, err)
	assert.Equal(t, saga.StatusFailed, res.Status)

	paymentID, created := gateway.PaymentFor(res.OrderID)
	require.True(t, created)
	status, _, err := gateway.Lookup(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCancelled, status)
	assert.Empty(t, h.alerts.Alerts())
}

func TestCheckout_CompensationFailureStillFails(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Inventory = failingRelease{Inventory: d.Inventory} })
	h.gateway.DeclineAbove = decimal.NewNullDecimal(decimal.NewFromInt(1))

	res, err := h.orch.Checkout(context.Background(), checkoutRequest(line("book-1", 2)))
	require.Error(t, err)
	assert.Equal(t, saga.StatusFailed, res.Status)

	alerts := h.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "checkout", alerts[0].Source)
	assert.Contains(t, alerts[0].Message, string(saga.StepReserveInventory))

	assert.Equal(t, []saga.Step{saga.StepInitiatePayment, saga.StepReserveInventory}, h.outcomes(t, res.OrderID, saga.OutcomeFailed))
	assert.Equal(t, []saga.Step{saga.StepCreateOrder}, h.outcomes(t, res.OrderID, saga.OutcomeCompensated))
	assert.Equal(t, 2, h.record(t, "book-1").ReservedQuantity)
	assert.EqualValues(t, 1, h.metrics.Snapshot().Counters["saga.compensation_failed"])
}

func TestCheckout_FullyDiscountedCompletesWithoutPayment(t *testing.T) {
	h := newHarness(t)

	req := checkoutRequest(line("book-1", 1))
	req.CouponCode = "FREEBIE"
	res, err := h.orch.Checkout(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, saga.StatusCompleted, res.Status)
	assert.Empty(t, res.PaymentURL)
	assertMoney(t, "0", res.Total)
	assertMoney(t, "10", res.Discount)

	_, ok := h.gateway.PaymentFor(res.OrderID)
	assert.False(t, ok)
	assert.Equal(t, 9, h.record(t, "book-1").Quantity)
	assert.Equal(t, []string{outbox.TypeCompleted}, h.eventTypes(res.OrderID))
}

func TestCheckout_RejectsInvalidRequests(t *testing.T) {
	h := newHarness(t)

	noUser := checkoutRequest(line("book-1", 1))
	noUser.UserID = " "
	noAddress := checkoutRequest(line("book-1", 1))
	noAddress.ShippingAddressID = ""

	cases := map[string]saga.Request{
		"missing user":     noUser,
		"missing address":  noAddress,
		"no items":         checkoutRequest(),
		"zero quantity":    checkoutRequest(line("book-1", 0)),
		"unknown product":  checkoutRequest(line("nope", 1)),
		"inactive product": checkoutRequest(line("retired-1", 1)),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.orch.Checkout(context.Background(), req)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}

	_, err := h.orch.Status(context.Background(), "order-1")
	assert.ErrorIs(t, err, saga.ErrNotFound)
}

func TestCheckout_MergesDuplicateLines(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.Checkout(context.Background(), checkoutRequest(line("book-1", 1), line("book-1", 2)))
	require.NoError(t, err)
	assertMoney(t, "30", res.Total)
	assert.Equal(t, 3, h.record(t, "book-1").ReservedQuantity)

	st := h.state(t, res.OrderID)
	require.Len(t, st.Request.Items, 1)
	assert.Equal(t, "books", st.Request.Items[0].Category)
}

func TestCheckout_ReplaysByIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := checkoutRequest(line("book-1", 1))
	req.IdempotencyKey = "key-1"
	first, err := h.orch.Checkout(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := h.orch.Checkout(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.OrderID, again.OrderID)
	assert.Equal(t, first.PaymentURL, again.PaymentURL)
	assert.Equal(t, 1, h.record(t, "book-1").ReservedQuantity)

	changed := checkoutRequest(line("book-1", 2))
	changed.IdempotencyKey = "key-1"
	_, err = h.orch.Checkout(ctx, changed)
	assert.ErrorIs(t, err, saga.ErrIdempotencyConflict)
}

func TestCheckout_ReplayOfFailedCheckout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := checkoutRequest(line("game-1", 6))
	req.IdempotencyKey = "key-2"
	_, err := h.orch.Checkout(ctx, req)
	require.Error(t, err)

	res, err := h.orch.Checkout(ctx, req)
	assert.ErrorIs(t, err, ErrCheckoutFailed)
	assert.True(t, res.Replayed)
	assert.Equal(t, saga.StatusFailed, res.Status)
}

func TestCheckout_ConcurrentOrdersNeverOversell(t *testing.T) {
	h := newHarness(t)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.orch.Checkout(context.Background(), checkoutRequest(line("book-1", 6)))
		}(i)
	}
	wg.Wait()

	succeeded, short := 0, 0
	for _, err := range errs {
		var stock *apperr.InsufficientStockError
		switch {
		case err == nil:
			succeeded++
		case errors.As(err, &stock):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, short)
	assert.Equal(t, 6, h.record(t, "book-1").ReservedQuantity)
}

func TestCancel_StopsRunningCheckout(t *testing.T) {
	blocker := &blockingReserve{entered: make(chan struct{})}
	h := newHarness(t, func(d *Deps) {
		blocker.Inventory = d.Inventory
		d.Inventory = blocker
	})
	ctx := context.Background()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.orch.Checkout(ctx, checkoutRequest(line("book-1", 1)))
		done <- outcome{res, err}
	}()

	select {
	case <-blocker.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("reserve was never reached")
	}

	st, err := h.orch.Cancel(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusFailed, st.Status)
	assert.Equal(t, "cancelled", st.ErrorKind)

	got := <-done
	assert.ErrorIs(t, got.err, ErrCheckoutCancelled)
	assert.Equal(t, saga.StatusFailed, got.res.Status)
	assert.EqualValues(t, 1, h.metrics.Snapshot().Counters["saga.cancelled"])

	again, err := h.orch.Cancel(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusFailed, again.Status)
}

func TestCancel_CompensatesStoredCheckout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.stock.Reserve(ctx, "order-stored", []inventory.Item{{ProductID: "book-1", Quantity: 4}})
	require.NoError(t, err)
	_, _, err = h.sagas.Create(ctx, saga.State{
		OrderID:        "order-stored",
		IdempotencyKey: "order-stored",
		UserID:         "user-1",
		Status:         saga.StatusInventoryReserved,
		CompletedSteps: []saga.Step{saga.StepFraudCheck, saga.StepReserveInventory},
		Currency:       "USD",
	})
	require.NoError(t, err)

	st, err := h.orch.Cancel(ctx, "order-stored")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusFailed, st.Status)
	assert.Equal(t, 0, h.record(t, "book-1").ReservedQuantity)
}

func TestCancel_TooLateOnceOrderExists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.orch.Checkout(ctx, checkoutRequest(line("book-1", 1)))
	require.NoError(t, err)

	_, err = h.orch.Cancel(ctx, res.OrderID)
	assert.ErrorIs(t, err, ErrCancelTooLate)
	assert.Equal(t, saga.StatusPaymentInitiated, h.state(t, res.OrderID).Status)

	_, err = h.orch.Cancel(ctx, "order-missing")
	assert.ErrorIs(t, err, saga.ErrNotFound)
}

func TestRefund_CompletedOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.orch.Checkout(ctx, checkoutRequest(line("game-1", 1)))
	require.NoError(t, err)
	_, err = h.orch.Refund(ctx, res.OrderID)
	assert.ErrorIs(t, err, ErrNotRefundable)

	paymentID := h.state(t, res.OrderID).PaymentID
	ev, err := h.gateway.Settle(paymentID, payment.StatusSucceeded)
	require.NoError(t, err)
	_, err = h.orch.HandlePaymentEvent(ctx, ev)
	require.NoError(t, err)

	st, err := h.orch.Refund(ctx, res.OrderID)
	require.NoError(t, err)
	require.NotNil(t, st.RefundedAt)
	assert.Equal(t, saga.StatusCompleted, st.Status)
	assert.True(t, h.gateway.WasRefunded(paymentID))

	draft, err := h.orders.Get(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.DraftCancelled, draft.Status)

	again, err := h.orch.Refund(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, st.RefundedAt, again.RefundedAt)
	assert.EqualValues(t, 1, h.metrics.Snapshot().Counters["saga.refunded"])
	assert.Contains(t, h.eventTypes(res.OrderID), outbox.TypeRefunded)
}

func TestReconcile_SettlesParkedCheckouts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	paid, err := h.orch.Checkout(ctx, checkoutRequest(line("book-1", 2)))
	require.NoError(t, err)
	abandoned, err := h.orch.Checkout(ctx, checkoutRequest(line("game-1", 1)))
	require.NoError(t, err)

	_, err = h.gateway.Settle(h.state(t, paid.OrderID).PaymentID, payment.StatusSucceeded)
	require.NoError(t, err)

	report, err := h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)

	h.clock.Advance(16 * time.Minute)
	fresh, err := h.orch.Checkout(ctx, checkoutRequest(line("book-1", 1)))
	require.NoError(t, err)

	report, err = h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Scanned: 2, Completed: 1, Compensated: 1}, report)

	assert.Equal(t, saga.StatusCompleted, h.state(t, paid.OrderID).Status)
	assert.NotEmpty(t, h.state(t, paid.OrderID).TransactionID)
	assert.Equal(t, saga.StatusFailed, h.state(t, abandoned.OrderID).Status)
	assert.Equal(t, saga.StatusPaymentInitiated, h.state(t, fresh.OrderID).Status)

	status, _, err := h.gateway.Lookup(ctx, h.state(t, abandoned.OrderID).PaymentID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCancelled, status)

	assert.Equal(t, 8, h.record(t, "book-1").Quantity)
	assert.Equal(t, 1, h.record(t, "book-1").ReservedQuantity)
	assert.Equal(t, 0, h.record(t, "game-1").ReservedQuantity)
}

func TestResume_CompensatesInterruptedCheckouts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.stock.Reserve(ctx, "order-crashed", []inventory.Item{{ProductID: "book-1", Quantity: 3}})
	require.NoError(t, err)
	_, _, err = h.sagas.Create(ctx, saga.State{
		OrderID:        "order-crashed",
		IdempotencyKey: "order-crashed",
		UserID:         "user-1",
		Status:         saga.StatusInventoryReserved,
		CompletedSteps: []saga.Step{saga.StepFraudCheck, saga.StepReserveInventory},
		PendingStep:    saga.StepApplyCoupon,
		Request:        saga.Request{CouponCode: "SAVE10"},
		Subtotal:       decimal.NewFromInt(30),
		Total:          decimal.NewFromInt(30),
		Currency:       "USD",
	})
	require.NoError(t, err)
	_, _, err = h.sagas.Create(ctx, saga.State{
		OrderID:        "order-orphan",
		IdempotencyKey: "order-orphan",
		UserID:         "user-2",
		Status:         saga.StatusOrderCreated,
		CompletedSteps: []saga.Step{saga.StepFraudCheck, saga.StepReserveInventory, saga.StepApplyCoupon, saga.StepCreateOrder},
		PendingStep:    saga.StepInitiatePayment,
		Subtotal:       decimal.NewFromInt(12),
		Total:          decimal.NewFromInt(12),
		Currency:       "USD",
	})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	_, _, err = h.sagas.Create(ctx, saga.State{OrderID: "order-fresh", IdempotencyKey: "order-fresh", Status: saga.StatusInit})
	require.NoError(t, err)

	resumed, err := h.orch.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, resumed)

	crashed := h.state(t, "order-crashed")
	assert.Equal(t, saga.StatusFailed, crashed.Status)
	assert.Contains(t, crashed.LastError, ErrInterrupted.Error())
	assert.Equal(t, 0, h.record(t, "book-1").ReservedQuantity)

	assert.Equal(t, saga.StatusFailed, h.state(t, "order-orphan").Status)
	assert.Empty(t, h.alerts.Alerts())

	assert.Equal(t, saga.StatusInit, h.state(t, "order-fresh").Status)
}

func TestResume_LaterPassPicksUpRecentlyInterruptedCheckout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.stock.Reserve(ctx, "order-recent", []inventory.Item{{ProductID: "book-1", Quantity: 3}})
	require.NoError(t, err)
	_, _, err = h.sagas.Create(ctx, saga.State{
		OrderID:        "order-recent",
		IdempotencyKey: "order-recent",
		UserID:         "user-1",
		Status:         saga.StatusInventoryReserved,
		CompletedSteps: []saga.Step{saga.StepFraudCheck, saga.StepReserveInventory},
		PendingStep:    saga.StepApplyCoupon,
		Subtotal:       decimal.NewFromInt(30),
		Total:          decimal.NewFromInt(30),
		Currency:       "USD",
	})
	require.NoError(t, err)

	// Interrupted moments before the restart: still inside the cutoff.
	h.clock.Advance(20 * time.Second)
	resumed, err := h.orch.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, resumed)
	assert.Equal(t, saga.StatusInventoryReserved, h.state(t, "order-recent").Status)
	assert.Equal(t, 3, h.record(t, "book-1").ReservedQuantity)

	h.clock.Advance(time.Minute)
	resumed, err = h.orch.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	assert.Equal(t, saga.StatusFailed, h.state(t, "order-recent").Status)
	assert.Equal(t, 0, h.record(t, "book-1").ReservedQuantity)
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	locks := newKeyedMutex()
	ctx := context.Background()

	unlock, err := locks.Lock(ctx, "order-1")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(short, "order-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := locks.Lock(ctx, "order-2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	again, err := locks.Lock(ctx, "order-1")
	require.NoError(t, err)
	again()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Empty(t, locks.locks)
}
