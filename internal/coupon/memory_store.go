package coupon

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps coupons in process. A transaction holds the store lock for its whole
// duration, which serializes redemptions the same way the coupon row lock does.
type MemoryStore struct {
	txMu        sync.Mutex
	mu          sync.Mutex
	byID        map[string]Coupon
	idByCode    map[string]string
	redemptions []Redemption
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]Coupon),
		idByCode: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, c Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idByCode[c.Code]; ok {
		return fmt.Errorf("create %s: %w", c.Code, ErrDuplicateCode)
	}
	s.byID[c.ID] = c
	s.idByCode[c.Code] = c.ID
	return nil
}

func (s *MemoryStore) FindByCode(_ context.Context, code string) (Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findByCodeLocked(code)
}

func (s *MemoryStore) findByCodeLocked(code string) (Coupon, error) {
	id, ok := s.idByCode[code]
	if !ok {
		return Coupon{}, fmt.Errorf("find %s: %w", code, ErrNotFound)
	}
	return s.byID[id], nil
}

func (s *MemoryStore) CountUserRedemptions(_ context.Context, couponID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(couponID, userID), nil
}

func (s *MemoryStore) countLocked(couponID, userID string) int {
	n := 0
	for _, r := range s.redemptions {
		if r.CouponID == couponID && r.UserID == userID && r.Status == RedemptionApplied {
			n++
		}
	}
	return n
}

func (s *MemoryStore) RedemptionByOrder(_ context.Context, orderID string) (Redemption, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byOrderLocked(orderID)
	return r, ok, nil
}

func (s *MemoryStore) byOrderLocked(orderID string) (Redemption, bool) {
	for _, r := range s.redemptions {
		if r.OrderID == orderID {
			return r, true
		}
	}
	return Redemption{}, false
}

// Redemptions returns a copy of every redemption.
func (s *MemoryStore) Redemptions() []Redemption {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Redemption(nil), s.redemptions...)
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memoryTx{store: s, usage: make(map[string]int)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, n := range tx.usage {
		c := s.byID[id]
		c.UsageCount = n
		s.byID[id] = c
	}
	for _, r := range tx.updated {
		for i := range s.redemptions {
			if s.redemptions[i].CouponID == r.CouponID && s.redemptions[i].OrderID == r.OrderID {
				s.redemptions[i] = r
			}
		}
	}
	s.redemptions = append(s.redemptions, tx.inserted...)
	return nil
}

type memoryTx struct {
	store    *MemoryStore
	usage    map[string]int
	inserted []Redemption
	updated  []Redemption
}

func (t *memoryTx) LockByCode(_ context.Context, code string) (Coupon, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.findByCodeLocked(code)
}

func (t *memoryTx) LockByID(_ context.Context, couponID string) (Coupon, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	c, ok := t.store.byID[couponID]
	if !ok {
		return Coupon{}, fmt.Errorf("lock %s: %w", couponID, ErrNotFound)
	}
	return c, nil
}

func (t *memoryTx) RedemptionByOrder(_ context.Context, orderID string) (Redemption, bool, error) {
	for _, r := range t.inserted {
		if r.OrderID == orderID {
			return r, true, nil
		}
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, ok := t.store.byOrderLocked(orderID)
	return r, ok, nil
}

func (t *memoryTx) CountUserRedemptions(_ context.Context, couponID, userID string) (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.countLocked(couponID, userID), nil
}

func (t *memoryTx) InsertRedemption(_ context.Context, r Redemption) error {
	t.inserted = append(t.inserted, r)
	return nil
}

func (t *memoryTx) UpdateRedemption(_ context.Context, r Redemption) error {
	t.updated = append(t.updated, r)
	return nil
}

func (t *memoryTx) SetUsageCount(_ context.Context, couponID string, count int) error {
	t.usage[couponID] = count
	return nil
}
