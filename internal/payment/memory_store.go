package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// NewMemoryStore constructs an in-memory payment ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]Payment),
		byOrder:  make(map[string]string),
	}
}

// MemoryStore tracks payments in memory.
type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]Payment
	byOrder  map[string]string
}

func (s *MemoryStore) Insert(_ context.Context, p Payment) (Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byOrder[p.OrderID]; ok {
		return s.payments[id], false, nil
	}
	s.payments[p.PaymentID] = p
	s.byOrder[p.OrderID] = p.PaymentID
	return p, true, nil
}

func (s *MemoryStore) Get(_ context.Context, paymentID string) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return Payment{}, fmt.Errorf("get %s: %w", paymentID, ErrNotFound)
	}
	return p, nil
}

func (s *MemoryStore) ByOrder(_ context.Context, orderID string) (Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byOrder[orderID]
	if !ok {
		return Payment{}, false, nil
	}
	return s.payments[id], true, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, paymentID string, status Status, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return fmt.Errorf("update %s: %w", paymentID, ErrNotFound)
	}
	p.Status = status
	if transactionID != "" {
		p.TransactionID = transactionID
	}
	p.Touch(time.Now())
	s.payments[paymentID] = p
	return nil
}

func (s *MemoryStore) MarkRefunded(_ context.Context, paymentID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return fmt.Errorf("refund %s: %w", paymentID, ErrNotFound)
	}
	if p.Status == StatusRefunded {
		return ErrAlreadyRefunded
	}
	if p.Status != StatusSucceeded {
		return ErrNotCaptured
	}
	p.Status = StatusRefunded
	p.RefundedAmount = decimal.NewNullDecimal(amount)
	p.Touch(time.Now())
	s.payments[paymentID] = p
	return nil
}

var _ Store = (*MemoryStore)(nil)
