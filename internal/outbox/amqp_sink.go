package outbox

import (
	"context"
	"fmt"

	"github.com/streadway/amqp"
)

// AMQPChannel is the subset of *amqp.Channel used by AMQPSink.
type AMQPChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes events to a topic exchange with routing key equal to the event type.
type AMQPSink struct {
	channel  AMQPChannel
	exchange string
}

// NewAMQPSink constructs a sink on an open channel.
func NewAMQPSink(channel AMQPChannel, exchange string) *AMQPSink {
	return &AMQPSink{channel: channel, exchange: exchange}
}

// DialAMQP connects, declares a durable topic exchange and returns a sink plus a close func.
func DialAMQP(url, exchange string) (*AMQPSink, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	closeFn := func() error {
		ch.Close()
		return conn.Close()
	}
	return NewAMQPSink(ch, exchange), closeFn, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.channel.Publish(s.exchange, ev.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         ev.Payload,
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.CreatedAt,
		Type:         ev.Type,
		Headers: amqp.Table{
			"order_id": ev.AggregateID,
		},
	})
}
