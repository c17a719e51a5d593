// Package outbox carries domain events from the transaction that produced them to
// downstream sinks with at-least-once delivery.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by checkout.
const (
	TypePaymentInitiated = "checkout.payment_initiated"
	TypeCompleted        = "checkout.completed"
	TypeCompensating     = "checkout.compensating"
	TypeFailed           = "checkout.failed"
	TypeRefunded         = "checkout.refunded"
)

// Event is one pending or published outbox row.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregateId" db:"aggregate_id"`
	Type        string          `json:"type" db:"type"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	Attempts    int             `json:"attempts" db:"attempts"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
	PublishedAt *time.Time      `json:"publishedAt,omitempty" db:"published_at"`
}

// New builds an event with a fresh id and a JSON payload.
func New(aggregateID, eventType string, payload any, now time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:          uuid.NewString(),
		AggregateID: aggregateID,
		Type:        eventType,
		Payload:     raw,
		CreatedAt:   now.UTC(),
	}, nil
}

// Store reads and acknowledges outbox rows. Rows are written by the domain store in the
// same transaction as the state change they describe.
type Store interface {
	Pending(ctx context.Context, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, ids []string, at time.Time) error
	MarkFailed(ctx context.Context, id string) error
}

// Sink delivers an event downstream. Implementations must tolerate redelivery.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}
