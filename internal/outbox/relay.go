package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"storefront/internal/observability"
	"storefront/internal/telemetry"
)

// Relay drains pending outbox rows to every sink. A row is acknowledged only once all
// sinks accepted it, so a sink may see the same event more than once.
type Relay struct {
	store    Store
	sinks    []Sink
	batch    int
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// RelayOption customizes a Relay.
type RelayOption func(*Relay)

// WithBatchSize caps the rows read per flush.
func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithInterval sets the poll interval used by Run.
func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithRelayLogger sets the logger.
func WithRelayLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) { r.logger = l }
}

// WithRelayMetrics records publish counters.
func WithRelayMetrics(m *observability.Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

// NewRelay constructs a relay over store.
func NewRelay(store Store, sinks []Sink, opts ...RelayOption) *Relay {
	r := &Relay{
		store:    store,
		sinks:    sinks,
		batch:    100,
		interval: time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = telemetry.OrDefault(r.logger).With("component", "outbox_relay")
	return r
}

// Flush publishes one batch and returns how many rows were acknowledged.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := r.store.Pending(ctx, r.batch)
	if err != nil {
		return 0, fmt.Errorf("read outbox: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	published := make([]string, 0, len(events))
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := r.publish(ctx, ev); err != nil {
			r.logger.WarnContext(ctx, "outbox publish failed",
				"event_id", ev.ID, "type", ev.Type, "order_id", ev.AggregateID, "attempts", ev.Attempts+1, "error", err)
			r.metrics.Inc("outbox.failed")
			if markErr := r.store.MarkFailed(ctx, ev.ID); markErr != nil {
				return 0, fmt.Errorf("mark outbox failure: %w", markErr)
			}
			continue
		}
		published = append(published, ev.ID)
	}

	if len(published) == 0 {
		return 0, nil
	}
	if err := r.store.MarkPublished(ctx, published, r.now()); err != nil {
		return 0, fmt.Errorf("ack outbox: %w", err)
	}
	r.metrics.Add("outbox.published", int64(len(published)))
	return len(published), nil
}

func (r *Relay) publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, sink := range r.sinks {
		if err := sink.Publish(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Run flushes on every tick until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "outbox flush failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
