// Package order holds the order draft written by checkout and the catalog it prices from.
package order

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"storefront/internal/audit"
)

// DraftStatus is the lifecycle of an order draft.
type DraftStatus string

const (
	DraftPending   DraftStatus = "DRAFT"
	DraftConfirmed DraftStatus = "CONFIRMED"
	DraftCancelled DraftStatus = "CANCELLED"
)

var (
	// ErrNotFound signals an unknown order draft.
	ErrNotFound = errors.New("order not found")
	// ErrCancelled signals a confirm on a cancelled draft.
	ErrCancelled = errors.New("order cancelled")
)

// Item is one priced line of a draft.
type Item struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// Draft is the order persisted by checkout before payment starts.
type Draft struct {
	OrderID           string          `json:"orderId"`
	UserID            string          `json:"userId"`
	Items             []Item          `json:"items"`
	ShippingAddressID string          `json:"shippingAddressId"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	Discount          decimal.Decimal `json:"discount"`
	Total             decimal.Decimal `json:"total"`
	Currency          string          `json:"currency"`
	Status            DraftStatus     `json:"status"`
	audit.Stamp
}

// Store persists drafts. CreateDraft is idempotent on OrderID, Cancel on a missing draft
// is a no-op.
type Store interface {
	CreateDraft(ctx context.Context, d Draft) (Draft, error)
	Confirm(ctx context.Context, orderID string) error
	Cancel(ctx context.Context, orderID string) error
	Get(ctx context.Context, orderID string) (Draft, error)
}

// Product is the catalog view checkout needs to price a line.
type Product struct {
	ID       string          `json:"productId" db:"product_id"`
	Name     string          `json:"name" db:"name"`
	Category string          `json:"category" db:"category"`
	Price    decimal.Decimal `json:"price" db:"price"`
	Currency string          `json:"currency" db:"currency"`
	Active   bool            `json:"active" db:"active"`
}

// Catalog looks up products by id. Unknown ids are absent from the result.
type Catalog interface {
	Products(ctx context.Context, ids []string) (map[string]Product, error)
}
