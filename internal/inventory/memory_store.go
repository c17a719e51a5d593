package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"storefront/internal/apperr"
)

// MemoryStore keeps stock in process. Each product has a one-slot lock that a
// transaction holds until it finishes; writes are staged and applied on success.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	entries []LedgerEntry
	locks   map[string]chan struct{}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		locks:   make(map[string]chan struct{}),
	}
}

// Put seeds or overwrites a stock record.
func (s *MemoryStore) Put(record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ProductID] = record
}

func (s *MemoryStore) Get(_ context.Context, productID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[productID]
	if !ok {
		return Record{}, fmt.Errorf("get %s: %w", productID, ErrProductNotFound)
	}
	return rec, nil
}

func (s *MemoryStore) Entries(_ context.Context, referenceID string) ([]LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entriesLocked(referenceID), nil
}

func (s *MemoryStore) entriesLocked(referenceID string) []LedgerEntry {
	var out []LedgerEntry
	for _, e := range s.entries {
		if e.ReferenceID == referenceID {
			out = append(out, e)
		}
	}
	return out
}

// WithTx runs fn with exclusive access to the products it locks.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx := &memoryTx{
		store:  s,
		held:   make(map[string]chan struct{}),
		staged: make(map[string]Record),
	}
	defer tx.unlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range tx.staged {
		s.records[id] = rec
	}
	s.entries = append(s.entries, tx.appended...)
	return nil
}

func (s *MemoryStore) lockFor(productID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[productID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[productID] = ch
	}
	return ch
}

type memoryTx struct {
	store    *MemoryStore
	held     map[string]chan struct{}
	staged   map[string]Record
	appended []LedgerEntry
}

var errLockTimeout = errors.New("lock wait timed out")

func (t *memoryTx) LockProducts(ctx context.Context, productIDs []string, wait time.Duration) (map[string]Record, error) {
	ids := append([]string(nil), productIDs...)
	sort.Strings(ids)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for _, id := range ids {
		if _, ok := t.held[id]; ok {
			continue
		}
		ch := t.store.lockFor(id)
		select {
		case ch <- struct{}{}:
			t.held[id] = ch
		case <-timer.C:
			return nil, apperr.Transient("lock "+id, errLockTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := make(map[string]Record, len(ids))
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, id := range ids {
		if rec, ok := t.staged[id]; ok {
			out[id] = rec
			continue
		}
		if rec, ok := t.store.records[id]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

func (t *memoryTx) LockOrCreate(ctx context.Context, productID, warehouseID string, wait time.Duration) (Record, error) {
	records, err := t.LockProducts(ctx, []string{productID}, wait)
	if err != nil {
		return Record{}, err
	}
	rec, ok := records[productID]
	if !ok {
		rec = Record{ProductID: productID, WarehouseID: warehouseID}
	}
	return rec, nil
}

func (t *memoryTx) Entries(_ context.Context, referenceID string) ([]LedgerEntry, error) {
	t.store.mu.Lock()
	out := t.store.entriesLocked(referenceID)
	t.store.mu.Unlock()
	for _, e := range t.appended {
		if e.ReferenceID == referenceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memoryTx) SaveRecord(_ context.Context, record Record) error {
	if _, ok := t.held[record.ProductID]; !ok {
		return fmt.Errorf("save %s: row not locked", record.ProductID)
	}
	t.staged[record.ProductID] = record
	return nil
}

func (t *memoryTx) AppendEntry(_ context.Context, entry LedgerEntry) error {
	t.appended = append(t.appended, entry)
	return nil
}

func (t *memoryTx) unlock() {
	for id, ch := range t.held {
		<-ch
		delete(t.held, id)
	}
}
