package outbox

import (
	"context"
	"encoding/json"
)

// Broadcaster pushes messages to clients following an order. An empty order id reaches
// every client.
type Broadcaster interface {
	Broadcast(orderID string, msg []byte)
}

// BroadcastSink forwards events to live subscribers. Delivery is best effort.
type BroadcastSink struct {
	broadcaster Broadcaster
}

// NewBroadcastSink constructs a sink over b.
func NewBroadcastSink(b Broadcaster) *BroadcastSink {
	return &BroadcastSink{broadcaster: b}
}

func (s *BroadcastSink) Name() string { return "broadcast" }

func (s *BroadcastSink) Publish(_ context.Context, ev Event) error {
	msg := struct {
		Type    string          `json:"type"`
		OrderID string          `json:"order_id"`
		Payload json.RawMessage `json:"payload"`
	}{Type: ev.Type, OrderID: ev.AggregateID, Payload: ev.Payload}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.broadcaster.Broadcast(ev.AggregateID, data)
	return nil
}
