package inventory

import (
	"context"
	"errors"
	"time"

	"storefront/internal/audit"
)

// MovementType classifies a stock ledger entry.
type MovementType string

const (
	MovementReserve MovementType = "RESERVE"
	MovementRelease MovementType = "RELEASE"
	MovementCommit  MovementType = "COMMIT"
	MovementAdjust  MovementType = "ADJUST"
)

var (
	// ErrProductNotFound signals a product without a stock record.
	ErrProductNotFound = errors.New("product not found")
	// ErrReservationReleased signals an attempt to commit or re-reserve a released reservation.
	ErrReservationReleased = errors.New("reservation already released")
	// ErrReservationNotFound signals a commit for a reference that holds no reservation.
	ErrReservationNotFound = errors.New("reservation not found")
)

// Record is the stock row for one product. 0 <= ReservedQuantity <= Quantity always holds.
type Record struct {
	ProductID        string `json:"productId" db:"product_id"`
	WarehouseID      string `json:"warehouseId" db:"warehouse_id"`
	Quantity         int    `json:"quantity" db:"quantity"`
	ReservedQuantity int    `json:"reservedQuantity" db:"reserved_quantity"`
	Version          int64  `json:"version" db:"version"`
	audit.Stamp
}

// Available is the quantity that can still be reserved.
func (r Record) Available() int {
	return r.Quantity - r.ReservedQuantity
}

// LedgerEntry is an append-only stock movement.
type LedgerEntry struct {
	ReferenceID string       `json:"referenceId" db:"reference_id"`
	ProductID   string       `json:"productId" db:"product_id"`
	Type        MovementType `json:"type" db:"type"`
	Delta       int          `json:"delta" db:"delta"`
	CreatedAt   time.Time    `json:"createdAt" db:"created_at"`
}

// Item is one product line of a reservation.
type Item struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// Reservation is the outcome of Reserve.
type Reservation struct {
	ReferenceID string `json:"referenceId"`
	Items       []Item `json:"items"`
	// Replayed is set when every line had already been reserved under the reference.
	Replayed bool `json:"replayed"`
}

// Store persists stock records and the ledger.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	Get(ctx context.Context, productID string) (Record, error)
	Entries(ctx context.Context, referenceID string) ([]LedgerEntry, error)
}

// Tx is the unit of work a Manager operation runs in.
type Tx interface {
	// LockProducts locks the rows exclusively in ascending product id order, waiting at
	// most wait in total. Products without a row are absent from the result.
	LockProducts(ctx context.Context, productIDs []string, wait time.Duration) (map[string]Record, error)
	// LockOrCreate locks the row of productID, first inserting an empty one in warehouseID
	// when the product is unknown, so concurrent writers of a new product serialize on it.
	LockOrCreate(ctx context.Context, productID, warehouseID string, wait time.Duration) (Record, error)
	Entries(ctx context.Context, referenceID string) ([]LedgerEntry, error)
	SaveRecord(ctx context.Context, record Record) error
	AppendEntry(ctx context.Context, entry LedgerEntry) error
}
