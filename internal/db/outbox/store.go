// Package outboxdb reads and acknowledges outbox rows in Postgres.
package outboxdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"storefront/internal/db/pgutil"
	"storefront/internal/outbox"
)

// Store implements outbox.Store on the outbox_events table.
type Store struct {
	db *sqlx.DB
}

// NewStore constructs a Store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

type eventRow struct {
	ID          string       `db:"id"`
	AggregateID string       `db:"aggregate_id"`
	Type        string       `db:"type"`
	Payload     []byte       `db:"payload"`
	Attempts    int          `db:"attempts"`
	CreatedAt   time.Time    `db:"created_at"`
	PublishedAt sql.NullTime `db:"published_at"`
}

func (s *Store) Pending(ctx context.Context, limit int) ([]outbox.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, aggregate_id, type, payload, attempts, created_at, published_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, pgutil.Classify("list outbox", err)
	}

	out := make([]outbox.Event, 0, len(rows))
	for _, row := range rows {
		ev := outbox.Event{
			ID:          row.ID,
			AggregateID: row.AggregateID,
			Type:        row.Type,
			Payload:     append([]byte(nil), row.Payload...),
			Attempts:    row.Attempts,
			CreatedAt:   row.CreatedAt.UTC(),
		}
		if row.PublishedAt.Valid {
			at := row.PublishedAt.Time.UTC()
			ev.PublishedAt = &at
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE outbox_events SET published_at = ?
		WHERE id IN (?) AND published_at IS NULL`, at.UTC(), ids)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return pgutil.Classify("mark outbox published", err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox_events SET attempts = attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return pgutil.Classify("mark outbox failed", err)
	}
	return nil
}

var _ outbox.Store = (*Store)(nil)
