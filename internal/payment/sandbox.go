package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewSandboxGateway constructs an in-memory gateway. Redirect URLs are baseURL + "/payment/" + orderID.
func NewSandboxGateway(baseURL string) *SandboxGateway {
	return &SandboxGateway{
		baseURL:  strings.TrimRight(baseURL, "/"),
		payments: make(map[string]*sandboxPayment),
		byOrder:  make(map[string]string),
		now:      time.Now,
	}
}

// SandboxGateway simulates a payment provider. Payments stay PENDING until Settle is called.
type SandboxGateway struct {
	mu       sync.Mutex
	baseURL  string
	payments map[string]*sandboxPayment
	byOrder  map[string]string
	now      func() time.Time

	// DeclineAbove makes Create decline amounts strictly greater than it when set.
	DeclineAbove decimal.NullDecimal
	failNext     []error
	creates      int
}

type sandboxPayment struct {
	orderID  string
	amount   decimal.Decimal
	currency string
	status   Status
	txn      string
	refunded decimal.Decimal
}

// FailNext makes the next gateway calls return errs in order.
func (g *SandboxGateway) FailNext(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = append(g.failNext, errs...)
}

func (g *SandboxGateway) injected() error {
	if len(g.failNext) == 0 {
		return nil
	}
	err := g.failNext[0]
	g.failNext = g.failNext[1:]
	return err
}

func (g *SandboxGateway) Create(_ context.Context, orderID string, amount decimal.Decimal, currency string) (Initiation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates++
	if err := g.injected(); err != nil {
		return Initiation{}, err
	}
	if g.DeclineAbove.Valid && amount.GreaterThan(g.DeclineAbove.Decimal) {
		return Initiation{}, fmt.Errorf("amount %s over sandbox limit: %w", amount.StringFixed(2), ErrDeclined)
	}
	if id, ok := g.byOrder[orderID]; ok {
		return Initiation{PaymentID: id, RedirectURL: g.redirect(orderID)}, nil
	}
	id := "pay_" + uuid.NewString()
	g.payments[id] = &sandboxPayment{orderID: orderID, amount: amount, currency: currency, status: StatusPending}
	g.byOrder[orderID] = id
	return Initiation{PaymentID: id, RedirectURL: g.redirect(orderID)}, nil
}

func (g *SandboxGateway) redirect(orderID string) string {
	return g.baseURL + "/payment/" + orderID
}

func (g *SandboxGateway) Lookup(_ context.Context, paymentID string) (Status, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected(); err != nil {
		return "", "", err
	}
	p, ok := g.payments[paymentID]
	if !ok {
		return "", "", fmt.Errorf("lookup %s: %w", paymentID, ErrNotFound)
	}
	return p.status, p.txn, nil
}

func (g *SandboxGateway) FindByOrder(_ context.Context, orderID string) (Payment, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byOrder[orderID]
	if !ok {
		return Payment{}, false, nil
	}
	p := g.payments[id]
	return Payment{
		PaymentID:     id,
		OrderID:       orderID,
		Amount:        p.amount,
		Currency:      p.currency,
		Status:        p.status,
		TransactionID: p.txn,
		RedirectURL:   g.redirect(orderID),
	}, true, nil
}

func (g *SandboxGateway) Cancel(_ context.Context, paymentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected(); err != nil {
		return err
	}
	p, ok := g.payments[paymentID]
	if !ok {
		return fmt.Errorf("cancel %s: %w", paymentID, ErrNotFound)
	}
	if p.status != StatusPending && p.status != StatusCancelled {
		return fmt.Errorf("cancel %s in status %s: %w", paymentID, p.status, ErrNotCancellable)
	}
	p.status = StatusCancelled
	return nil
}

func (g *SandboxGateway) Refund(_ context.Context, paymentID string, amount decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected(); err != nil {
		return err
	}
	p, ok := g.payments[paymentID]
	if !ok {
		return fmt.Errorf("refund %s: %w", paymentID, ErrNotFound)
	}
	if p.status != StatusSucceeded {
		return fmt.Errorf("refund %s: %w", paymentID, ErrNotCaptured)
	}
	p.status = StatusRefunded
	p.refunded = amount
	return nil
}

// Settle moves a pending payment to outcome and returns the webhook event the provider would send.
func (g *SandboxGateway) Settle(paymentID string, outcome Status) (Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.payments[paymentID]
	if !ok {
		return Event{}, fmt.Errorf("settle %s: %w", paymentID, ErrNotFound)
	}
	if p.status == StatusPending {
		p.status = outcome
		p.txn = "txn_" + uuid.NewString()
	}
	return Event{
		PaymentID:     paymentID,
		OrderID:       p.orderID,
		TransactionID: p.txn,
		Outcome:       p.status,
		Amount:        p.amount,
		OccurredAt:    g.now().UTC(),
	}, nil
}

// PaymentFor returns the sandbox payment id of an order.
func (g *SandboxGateway) PaymentFor(orderID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byOrder[orderID]
	return id, ok
}

// Creates is the number of Create calls the gateway received, failed ones included.
func (g *SandboxGateway) Creates() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates
}

// WasRefunded reports whether a payment was refunded (for testing/inspection).
func (g *SandboxGateway) WasRefunded(paymentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.payments[paymentID]
	return ok && p.status == StatusRefunded
}

var _ Gateway = (*SandboxGateway)(nil)
