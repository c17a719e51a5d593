package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"storefront/internal/outbox"
)

// MemoryStore keeps sagas in memory. Outbox events are appended under the same lock as
// the state they describe.
type MemoryStore struct {
	*outbox.MemoryStore

	mu        sync.Mutex
	now       func() time.Time
	sagas     map[string]State
	byKey     map[string]string
	byPayment map[string]string
	processed map[string]string
	steps     map[string][]StepRecord
}

// NewMemoryStore constructs an empty saga store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		MemoryStore: outbox.NewMemoryStore(),
		now:         time.Now,
		sagas:       make(map[string]State),
		byKey:       make(map[string]string),
		byPayment:   make(map[string]string),
		processed:   make(map[string]string),
		steps:       make(map[string][]StepRecord),
	}
}

// SetClock overrides the clock used for timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Create(_ context.Context, st State) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if orderID, ok := s.byKey[st.IdempotencyKey]; ok {
		existing := s.sagas[orderID]
		if existing.RequestHash != st.RequestHash {
			return State{}, false, ErrIdempotencyConflict
		}
		return existing, false, nil
	}
	if _, ok := s.sagas[st.OrderID]; ok {
		return State{}, false, fmt.Errorf("create %s: %w", st.OrderID, ErrIdempotencyConflict)
	}

	st.Version = 1
	st.Touch(s.now())
	s.sagas[st.OrderID] = st
	s.byKey[st.IdempotencyKey] = st.OrderID
	return st, true, nil
}

func (s *MemoryStore) Get(_ context.Context, orderID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sagas[orderID]
	if !ok {
		return State{}, fmt.Errorf("get %s: %w", orderID, ErrNotFound)
	}
	return st, nil
}

func (s *MemoryStore) GetByPayment(_ context.Context, paymentID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orderID, ok := s.byPayment[paymentID]
	if !ok {
		return State{}, fmt.Errorf("payment %s: %w", paymentID, ErrNotFound)
	}
	return s.sagas[orderID], nil
}

func (s *MemoryStore) Save(_ context.Context, st State, opts SaveOptions) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sagas[st.OrderID]
	if !ok {
		return State{}, fmt.Errorf("save %s: %w", st.OrderID, ErrNotFound)
	}
	if stored.Version != st.Version {
		return State{}, fmt.Errorf("save %s at version %d (stored %d): %w", st.OrderID, st.Version, stored.Version, ErrVersionConflict)
	}
	if txn := opts.ProcessedTransaction; txn != "" {
		if _, seen := s.processed[txn]; seen {
			return State{}, fmt.Errorf("transaction %s: %w", txn, ErrDuplicateEvent)
		}
		s.processed[txn] = st.OrderID
	}

	st.Version++
	st.Touch(s.now())
	s.sagas[st.OrderID] = st
	if st.PaymentID != "" {
		s.byPayment[st.PaymentID] = st.OrderID
	}
	s.MemoryStore.Append(opts.Events...)
	return st, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, statuses []Status, updatedBefore time.Time, limit int) ([]State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []State
	for _, st := range s.sagas {
		if want[st.Status] && st.UpdatedAt.Before(updatedBefore) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AddStep(_ context.Context, rec StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	s.steps[rec.OrderID] = append(s.steps[rec.OrderID], rec)
	return nil
}

func (s *MemoryStore) Steps(_ context.Context, orderID string) ([]StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StepRecord(nil), s.steps[orderID]...), nil
}

var _ Store = (*MemoryStore)(nil)
