package checkoutdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"storefront/internal/checkout/order"
	"storefront/internal/db/pgutil"
)

// OrderStore implements order.Store on the order_drafts table.
type OrderStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewOrderStore constructs an OrderStore.
func NewOrderStore(db *sqlx.DB) *OrderStore {
	return &OrderStore{db: db, now: time.Now}
}

const draftColumns = `order_id, user_id, shipping_address_id, items, subtotal, discount, total, currency, status, created_at, updated_at`

type draftRow struct {
	OrderID           string          `db:"order_id"`
	UserID            string          `db:"user_id"`
	ShippingAddressID string          `db:"shipping_address_id"`
	Items             []byte          `db:"items"`
	Subtotal          decimal.Decimal `db:"subtotal"`
	Discount          decimal.Decimal `db:"discount"`
	Total             decimal.Decimal `db:"total"`
	Currency          string          `db:"currency"`
	Status            string          `db:"status"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

func (r draftRow) draft() (order.Draft, error) {
	d := order.Draft{
		OrderID:           r.OrderID,
		UserID:            r.UserID,
		ShippingAddressID: r.ShippingAddressID,
		Subtotal:          r.Subtotal,
		Discount:          r.Discount,
		Total:             r.Total,
		Currency:          r.Currency,
		Status:            order.DraftStatus(r.Status),
	}
	if err := json.Unmarshal(r.Items, &d.Items); err != nil {
		return order.Draft{}, fmt.Errorf("decode items of %s: %w", r.OrderID, err)
	}
	d.CreatedAt = r.CreatedAt.UTC()
	d.UpdatedAt = r.UpdatedAt.UTC()
	return d, nil
}

func (s *OrderStore) CreateDraft(ctx context.Context, d order.Draft) (order.Draft, error) {
	items, err := json.Marshal(d.Items)
	if err != nil {
		return order.Draft{}, fmt.Errorf("encode items: %w", err)
	}
	d.Status = order.DraftPending
	d.Touch(s.now())

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO order_drafts (order_id, user_id, shipping_address_id, items, subtotal, discount, total, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (order_id) DO NOTHING`,
		d.OrderID, d.UserID, d.ShippingAddressID, items, d.Subtotal, d.Discount, d.Total, d.Currency, string(d.Status), d.UpdatedAt,
	)
	if err != nil {
		return order.Draft{}, pgutil.Classify("insert order draft", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return order.Draft{}, err
	}
	if affected == 1 {
		return d, nil
	}
	return s.Get(ctx, d.OrderID)
}

func (s *OrderStore) Confirm(ctx context.Context, orderID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE order_drafts SET status = $2, updated_at = $3
		WHERE order_id = $1 AND status = $4`,
		orderID, string(order.DraftConfirmed), s.now().UTC(), string(order.DraftPending),
	)
	if err != nil {
		return pgutil.Classify("confirm order draft", err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}

	d, err := s.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if d.Status == order.DraftCancelled {
		return fmt.Errorf("confirm %s: %w", orderID, order.ErrCancelled)
	}
	return nil
}

func (s *OrderStore) Cancel(ctx context.Context, orderID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE order_drafts SET status = $2, updated_at = $3
		WHERE order_id = $1 AND status <> $2`,
		orderID, string(order.DraftCancelled), s.now().UTC(),
	)
	if err != nil {
		return pgutil.Classify("cancel order draft", err)
	}
	return nil
}

func (s *OrderStore) Get(ctx context.Context, orderID string) (order.Draft, error) {
	var row draftRow
	err := s.db.GetContext(ctx, &row, `SELECT `+draftColumns+` FROM order_drafts WHERE order_id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return order.Draft{}, fmt.Errorf("get %s: %w", orderID, order.ErrNotFound)
	}
	if err != nil {
		return order.Draft{}, pgutil.Classify("get order draft", err)
	}
	return row.draft()
}

// Catalog implements order.Catalog on the products table.
type Catalog struct {
	db *sqlx.DB
}

// NewCatalog constructs a Catalog.
func NewCatalog(db *sqlx.DB) *Catalog {
	return &Catalog{db: db}
}

func (c *Catalog) Products(ctx context.Context, ids []string) (map[string]order.Product, error) {
	out := make(map[string]order.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
		SELECT product_id, name, category, price, currency, active
		FROM products
		WHERE product_id IN (?)`, ids)
	if err != nil {
		return nil, err
	}

	var products []order.Product
	if err := c.db.SelectContext(ctx, &products, c.db.Rebind(query), args...); err != nil {
		return nil, pgutil.Classify("list products", err)
	}
	for _, p := range products {
		out[p.ID] = p
	}
	return out, nil
}

var (
	_ order.Store   = (*OrderStore)(nil)
	_ order.Catalog = (*Catalog)(nil)
)
