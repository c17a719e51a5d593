package order

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps drafts in memory.
type MemoryStore struct {
	mu     sync.Mutex
	drafts map[string]Draft
}

// NewMemoryStore constructs an empty draft store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drafts: make(map[string]Draft)}
}

func (s *MemoryStore) CreateDraft(_ context.Context, d Draft) (Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.drafts[d.OrderID]; ok {
		return existing, nil
	}
	d.Status = DraftPending
	d.Touch(time.Now())
	s.drafts[d.OrderID] = d
	return d, nil
}

func (s *MemoryStore) Confirm(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[orderID]
	if !ok {
		return fmt.Errorf("confirm %s: %w", orderID, ErrNotFound)
	}
	switch d.Status {
	case DraftConfirmed:
		return nil
	case DraftCancelled:
		return fmt.Errorf("confirm %s: %w", orderID, ErrCancelled)
	}
	d.Status = DraftConfirmed
	d.Touch(time.Now())
	s.drafts[orderID] = d
	return nil
}

func (s *MemoryStore) Cancel(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[orderID]
	if !ok || d.Status == DraftCancelled {
		return nil
	}
	d.Status = DraftCancelled
	d.Touch(time.Now())
	s.drafts[orderID] = d
	return nil
}

func (s *MemoryStore) Get(_ context.Context, orderID string) (Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[orderID]
	if !ok {
		return Draft{}, fmt.Errorf("get %s: %w", orderID, ErrNotFound)
	}
	return d, nil
}

// MemoryCatalog is a fixed product list.
type MemoryCatalog struct {
	mu       sync.RWMutex
	products map[string]Product
}

// NewMemoryCatalog constructs a catalog holding products.
func NewMemoryCatalog(products ...Product) *MemoryCatalog {
	c := &MemoryCatalog{products: make(map[string]Product, len(products))}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

// Put adds or replaces a product.
func (c *MemoryCatalog) Put(p Product) {
	c.mu.Lock()
	c.products[p.ID] = p
	c.mu.Unlock()
}

func (c *MemoryCatalog) Products(_ context.Context, ids []string) (map[string]Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Product, len(ids))
	for _, id := range ids {
		if p, ok := c.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Catalog = (*MemoryCatalog)(nil)
)
