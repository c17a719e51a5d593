// Package inventorydb stores stock records and the stock ledger in Postgres.
package inventorydb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"storefront/internal/db/pgutil"
	"storefront/internal/inventory"
)

// Store implements inventory.Store with row locks taken by SELECT ... FOR UPDATE.
type Store struct {
	db *sqlx.DB
}

// NewStore constructs a Store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const selectRecordColumns = `product_id, warehouse_id, quantity, reserved_quantity, version, created_at, updated_at`

const getRecordQuery = `SELECT ` + selectRecordColumns + ` FROM inventory WHERE product_id = $1`

const lockRecordQuery = `SELECT ` + selectRecordColumns + ` FROM inventory WHERE product_id = $1 FOR UPDATE`

const insertEmptyRecordQuery = `
	INSERT INTO inventory (product_id, warehouse_id, quantity, reserved_quantity, version, updated_at)
	VALUES ($1, $2, 0, 0, 0, NOW())
	ON CONFLICT (product_id) DO NOTHING`

const entriesQuery = `
	SELECT reference_id, product_id, type, delta, created_at
	FROM stock_ledger
	WHERE reference_id = $1
	ORDER BY id`

func (s *Store) Get(ctx context.Context, productID string) (inventory.Record, error) {
	var rec inventory.Record
	if err := s.db.GetContext(ctx, &rec, getRecordQuery, productID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return inventory.Record{}, fmt.Errorf("get %s: %w", productID, inventory.ErrProductNotFound)
		}
		return inventory.Record{}, pgutil.Classify("get inventory", err)
	}
	return rec, nil
}

func (s *Store) Entries(ctx context.Context, referenceID string) ([]inventory.LedgerEntry, error) {
	var entries []inventory.LedgerEntry
	if err := s.db.SelectContext(ctx, &entries, entriesQuery, referenceID); err != nil {
		return nil, pgutil.Classify("list ledger", err)
	}
	return entries, nil
}

// WithTx runs fn in a database transaction. Row locks are released on commit or rollback.
func (s *Store) WithTx(ctx context.Context, fn func(inventory.Tx) error) error {
	return pgutil.Transact(ctx, s.db, func(tx *sqlx.Tx) error {
		return fn(&storeTx{tx: tx})
	})
}

type storeTx struct {
	tx *sqlx.Tx
}

func (t *storeTx) LockProducts(ctx context.Context, productIDs []string, wait time.Duration) (map[string]inventory.Record, error) {
	ids := append([]string(nil), productIDs...)
	sort.Strings(ids)

	if _, err := t.tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, pgutil.LockTimeoutSetting(wait.Milliseconds())); err != nil {
		return nil, pgutil.Classify("set lock timeout", err)
	}

	out := make(map[string]inventory.Record, len(ids))
	for _, id := range ids {
		var rec inventory.Record
		err := t.tx.GetContext(ctx, &rec, lockRecordQuery, id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, pgutil.Classify("lock inventory "+id, err)
		}
		out[id] = rec
	}
	return out, nil
}

func (t *storeTx) LockOrCreate(ctx context.Context, productID, warehouseID string, wait time.Duration) (inventory.Record, error) {
	if _, err := t.tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, pgutil.LockTimeoutSetting(wait.Milliseconds())); err != nil {
		return inventory.Record{}, pgutil.Classify("set lock timeout", err)
	}
	// A concurrent insert of the same product blocks here until its transaction ends.
	if _, err := t.tx.ExecContext(ctx, insertEmptyRecordQuery, productID, warehouseID); err != nil {
		return inventory.Record{}, pgutil.Classify("create inventory "+productID, err)
	}
	var rec inventory.Record
	if err := t.tx.GetContext(ctx, &rec, lockRecordQuery, productID); err != nil {
		return inventory.Record{}, pgutil.Classify("lock inventory "+productID, err)
	}
	return rec, nil
}

func (t *storeTx) Entries(ctx context.Context, referenceID string) ([]inventory.LedgerEntry, error) {
	var entries []inventory.LedgerEntry
	if err := t.tx.SelectContext(ctx, &entries, entriesQuery, referenceID); err != nil {
		return nil, pgutil.Classify("list ledger", err)
	}
	return entries, nil
}

func (t *storeTx) SaveRecord(ctx context.Context, rec inventory.Record) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory (product_id, warehouse_id, quantity, reserved_quantity, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (product_id) DO UPDATE
		SET quantity = EXCLUDED.quantity,
			reserved_quantity = EXCLUDED.reserved_quantity,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`,
		rec.ProductID, rec.WarehouseID, rec.Quantity, rec.ReservedQuantity, rec.Version, rec.UpdatedAt,
	)
	return pgutil.Classify("save inventory", err)
}

func (t *storeTx) AppendEntry(ctx context.Context, e inventory.LedgerEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_ledger (reference_id, product_id, type, delta, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (reference_id, product_id, type) DO NOTHING`,
		e.ReferenceID, e.ProductID, string(e.Type), e.Delta, e.CreatedAt,
	)
	return pgutil.Classify("append ledger", err)
}
