package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/Shopify/sarama/mocks"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"
)

func TestRedisStreamSink_AppendsStreamAndHash(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sink := NewRedisStreamSink(client, "", time.Minute, 100)
	ev := mustEvent(t, "order-1", TypeCompleted)
	if err := sink.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx := context.Background()
	n, err := client.XLen(ctx, "checkout_events").Result()
	if err != nil || n != 1 {
		t.Fatalf("expected one stream entry, got %d (%v)", n, err)
	}
	typ, err := client.HGet(ctx, "checkout:order-1", "type").Result()
	if err != nil || typ != TypeCompleted {
		t.Fatalf("expected hash type %s, got %q (%v)", TypeCompleted, typ, err)
	}
	if ttl := mr.TTL("checkout:order-1"); ttl != time.Minute {
		t.Fatalf("expected ttl 1m, got %v", ttl)
	}
}

func TestKafkaSink_SendsPayload(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var payload map[string]string
		if err := json.Unmarshal(val, &payload); err != nil {
			return err
		}
		if payload["orderId"] != "order-1" {
			return fmt.Errorf("unexpected payload %s", val)
		}
		return nil
	})

	sink := NewKafkaSink(producer, "checkout")
	if err := sink.Publish(context.Background(), mustEvent(t, "order-1", TypeCompleted)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := producer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

type stubChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func (c *stubChannel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.exchange, c.key, c.msg = exchange, key, msg
	return nil
}

func TestAMQPSink_RoutesByType(t *testing.T) {
	ch := &stubChannel{}
	ev := mustEvent(t, "order-9", TypeRefunded)
	if err := NewAMQPSink(ch, "storefront").Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ch.exchange != "storefront" || ch.key != TypeRefunded {
		t.Fatalf("unexpected routing %s/%s", ch.exchange, ch.key)
	}
	if ch.msg.MessageId != ev.ID || ch.msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("unexpected publishing: %+v", ch.msg)
	}
	if ch.msg.Headers["order_id"] != "order-9" {
		t.Fatalf("missing order header: %+v", ch.msg.Headers)
	}
}

type captureBroadcaster struct {
	orderID string
	msg     []byte
}

func (b *captureBroadcaster) Broadcast(orderID string, msg []byte) {
	b.orderID, b.msg = orderID, msg
}

func TestBroadcastSink_WrapsPayload(t *testing.T) {
	b := &captureBroadcaster{}
	if err := NewBroadcastSink(b).Publish(context.Background(), mustEvent(t, "order-3", TypeFailed)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var got struct {
		Type    string            `json:"type"`
		OrderID string            `json:"order_id"`
		Payload map[string]string `json:"payload"`
	}
	if err := json.Unmarshal(b.msg, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if b.orderID != "order-3" || got.Type != TypeFailed || got.Payload["orderId"] != "order-3" {
		t.Fatalf("unexpected broadcast: %s", b.msg)
	}
}
