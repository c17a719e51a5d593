// Package inventory reserves, releases and commits stock under per-product row locks.
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"storefront/internal/apperr"
	"storefront/internal/telemetry"
)

// DefaultLockTimeout bounds how long an operation waits for its product locks.
const DefaultLockTimeout = 5 * time.Second

// Manager applies reservation operations to a Store.
type Manager struct {
	store       Store
	lockTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLockTimeout sets the bounded wait for row locks.
func WithLockTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lockTimeout = d
		}
	}
}

// WithClock overrides the clock used for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager constructs a Manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = telemetry.OrDefault(m.logger).With("component", "inventory")
	return m
}

// ReserveOne reserves quantity units of a single product under referenceID.
func (m *Manager) ReserveOne(ctx context.Context, productID string, quantity int, referenceID string) (Reservation, error) {
	return m.Reserve(ctx, referenceID, []Item{{ProductID: productID, Quantity: quantity}})
}

// Reserve holds stock for every item. Either every line is reserved or none is.
// Lines already reserved under referenceID keep their original quantity.
func (m *Manager) Reserve(ctx context.Context, referenceID string, items []Item) (Reservation, error) {
	if referenceID == "" {
		return Reservation{}, apperr.Validation("referenceId", "required")
	}
	merged, err := mergeItems(items)
	if err != nil {
		return Reservation{}, err
	}

	var result Reservation
	err = m.store.WithTx(ctx, func(tx Tx) error {
		records, err := tx.LockProducts(ctx, productIDs(merged), m.lockTimeout)
		if err != nil {
			return err
		}
		entries, err := tx.Entries(ctx, referenceID)
		if err != nil {
			return err
		}
		states := summarize(entries)

		result = Reservation{ReferenceID: referenceID, Replayed: true}
		var pending []Item
		for _, item := range merged {
			st := states[item.ProductID]
			switch {
			case st.released:
				return fmt.Errorf("reserve %s for %s: %w", item.ProductID, referenceID, ErrReservationReleased)
			case st.reserved > 0:
				result.Items = append(result.Items, Item{ProductID: item.ProductID, Quantity: st.reserved})
			default:
				pending = append(pending, item)
			}
		}
		if len(pending) > 0 {
			result.Replayed = false
		}

		for _, item := range pending {
			rec, ok := records[item.ProductID]
			if !ok {
				return fmt.Errorf("reserve %s: %w", item.ProductID, ErrProductNotFound)
			}
			if rec.Available() < item.Quantity {
				return &apperr.InsufficientStockError{
					ProductID: item.ProductID,
					Requested: item.Quantity,
					Available: rec.Available(),
				}
			}
		}

		now := m.now().UTC()
		for _, item := range pending {
			rec := records[item.ProductID]
			rec.ReservedQuantity += item.Quantity
			rec.Version++
			rec.Touch(now)
			if err := tx.SaveRecord(ctx, rec); err != nil {
				return err
			}
			if err := tx.AppendEntry(ctx, LedgerEntry{
				ReferenceID: referenceID,
				ProductID:   item.ProductID,
				Type:        MovementReserve,
				Delta:       item.Quantity,
				CreatedAt:   now,
			}); err != nil {
				return err
			}
			result.Items = append(result.Items, item)
		}
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}

	sortItems(result.Items)
	if !result.Replayed {
		m.logger.InfoContext(ctx, "stock reserved", "reference_id", referenceID, "items", len(result.Items))
	}
	return result, nil
}

// Release returns every open reservation of referenceID to available stock.
// It is a no-op when nothing is reserved, or the reservation was already released or committed.
func (m *Manager) Release(ctx context.Context, referenceID string) ([]Item, error) {
	return m.settle(ctx, referenceID, MovementRelease)
}

// Commit turns the reservation of referenceID into a permanent deduction.
// Committing twice is a no-op; committing a released reservation fails.
func (m *Manager) Commit(ctx context.Context, referenceID string) ([]Item, error) {
	return m.settle(ctx, referenceID, MovementCommit)
}

func (m *Manager) settle(ctx context.Context, referenceID string, movement MovementType) ([]Item, error) {
	if referenceID == "" {
		return nil, apperr.Validation("referenceId", "required")
	}

	var settled []Item
	err := m.store.WithTx(ctx, func(tx Tx) error {
		// Entries of a reference only change under the product locks, so the
		// first read is only used to learn which rows to lock.
		entries, err := tx.Entries(ctx, referenceID)
		if err != nil {
			return err
		}
		ids := make([]string, 0)
		for id := range summarize(entries) {
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			if movement == MovementCommit {
				return fmt.Errorf("commit %s: %w", referenceID, ErrReservationNotFound)
			}
			return nil
		}

		records, err := tx.LockProducts(ctx, ids, m.lockTimeout)
		if err != nil {
			return err
		}
		entries, err = tx.Entries(ctx, referenceID)
		if err != nil {
			return err
		}
		states := summarize(entries)
		sort.Strings(ids)

		if movement == MovementCommit {
			for _, id := range ids {
				if states[id].released {
					return fmt.Errorf("commit %s for %s: %w", id, referenceID, ErrReservationReleased)
				}
			}
		}

		now := m.now().UTC()
		for _, id := range ids {
			st := states[id]
			if st.reserved == 0 || st.released || st.committed {
				continue
			}
			rec, ok := records[id]
			if !ok {
				return fmt.Errorf("%s %s: %w", movement, id, ErrProductNotFound)
			}
			rec.ReservedQuantity -= st.reserved
			if movement == MovementCommit {
				rec.Quantity -= st.reserved
			}
			if rec.ReservedQuantity < 0 || rec.ReservedQuantity > rec.Quantity {
				return fmt.Errorf("%s %s: stock record out of balance (quantity %d, reserved %d)", movement, id, rec.Quantity, rec.ReservedQuantity)
			}
			rec.Version++
			rec.Touch(now)
			if err := tx.SaveRecord(ctx, rec); err != nil {
				return err
			}
			if err := tx.AppendEntry(ctx, LedgerEntry{
				ReferenceID: referenceID,
				ProductID:   id,
				Type:        movement,
				Delta:       -st.reserved,
				CreatedAt:   now,
			}); err != nil {
				return err
			}
			settled = append(settled, Item{ProductID: id, Quantity: st.reserved})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(settled) > 0 {
		m.logger.InfoContext(ctx, "reservation settled", "reference_id", referenceID, "movement", string(movement), "items", len(settled))
	}
	return settled, nil
}

// Adjust restocks (delta > 0) or shrinks (delta < 0) a product. The first call for a
// (referenceID, productID) pair wins; replays return the current record unchanged.
func (m *Manager) Adjust(ctx context.Context, productID string, delta int, referenceID string) (Record, error) {
	if productID == "" {
		return Record{}, apperr.Validation("productId", "required")
	}
	if referenceID == "" {
		return Record{}, apperr.Validation("referenceId", "required")
	}
	if delta == 0 {
		return Record{}, apperr.Validation("delta", "must not be zero")
	}

	var out Record
	err := m.store.WithTx(ctx, func(tx Tx) error {
		rec, err := tx.LockOrCreate(ctx, productID, DefaultWarehouse, m.lockTimeout)
		if err != nil {
			return err
		}

		entries, err := tx.Entries(ctx, referenceID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.ProductID == productID && e.Type == MovementAdjust {
				out = rec
				return nil
			}
		}

		if rec.Quantity+delta < rec.ReservedQuantity {
			return apperr.Validation("delta", fmt.Sprintf("would drop quantity of %s below reserved %d", productID, rec.ReservedQuantity))
		}
		now := m.now().UTC()
		rec.Quantity += delta
		rec.Version++
		rec.Touch(now)
		if err := tx.SaveRecord(ctx, rec); err != nil {
			return err
		}
		out = rec
		return tx.AppendEntry(ctx, LedgerEntry{
			ReferenceID: referenceID,
			ProductID:   productID,
			Type:        MovementAdjust,
			Delta:       delta,
			CreatedAt:   now,
		})
	})
	return out, err
}

// Get returns the stock record of productID.
func (m *Manager) Get(ctx context.Context, productID string) (Record, error) {
	return m.store.Get(ctx, productID)
}

// Entries lists the ledger entries of referenceID in append order.
func (m *Manager) Entries(ctx context.Context, referenceID string) ([]LedgerEntry, error) {
	return m.store.Entries(ctx, referenceID)
}

// DefaultWarehouse is assigned to records created by Adjust.
const DefaultWarehouse = "main"

type lineState struct {
	reserved  int
	released  bool
	committed bool
}

func summarize(entries []LedgerEntry) map[string]lineState {
	states := make(map[string]lineState)
	for _, e := range entries {
		st := states[e.ProductID]
		switch e.Type {
		case MovementReserve:
			st.reserved = e.Delta
		case MovementRelease:
			st.released = true
		case MovementCommit:
			st.committed = true
		default:
			continue
		}
		states[e.ProductID] = st
	}
	return states
}

func mergeItems(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, apperr.Validation("items", "at least one item is required")
	}
	totals := make(map[string]int, len(items))
	for _, item := range items {
		if item.ProductID == "" {
			return nil, apperr.Validation("productId", "required")
		}
		if item.Quantity <= 0 {
			return nil, apperr.Validation("quantity", fmt.Sprintf("must be positive for %s", item.ProductID))
		}
		totals[item.ProductID] += item.Quantity
	}
	merged := make([]Item, 0, len(totals))
	for id, qty := range totals {
		merged = append(merged, Item{ProductID: id, Quantity: qty})
	}
	sortItems(merged)
	return merged, nil
}

func productIDs(items []Item) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ProductID
	}
	return ids
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
}
