// Package alert escalates conditions that need an operator.
package alert

import (
	"context"
	"log/slog"
	"sync"

	"storefront/internal/telemetry"
)

// Alert describes something that went wrong and could not be handled automatically.
type Alert struct {
	Source  string
	OrderID string
	Message string
	Err     error
}

// Alerter escalates alerts.
type Alerter interface {
	Escalate(ctx context.Context, a Alert)
}

// LogAlerter writes alerts as error-level log records.
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter constructs a LogAlerter.
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: telemetry.OrDefault(logger).With("component", "alert")}
}

func (a *LogAlerter) Escalate(ctx context.Context, al Alert) {
	attrs := []any{"source", al.Source, "order_id", al.OrderID}
	if al.Err != nil {
		attrs = append(attrs, "error", al.Err.Error())
	}
	a.logger.ErrorContext(ctx, "ALERT: "+al.Message, attrs...)
}

// Recorder keeps alerts in memory.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Escalate(_ context.Context, a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// Multi fans an alert out to several alerters.
type Multi []Alerter

func (m Multi) Escalate(ctx context.Context, a Alert) {
	for _, al := range m {
		if al != nil {
			al.Escalate(ctx, a)
		}
	}
}
