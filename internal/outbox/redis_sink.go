package outbox

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPipelineClient is the minimal client surface used by RedisStreamSink.
type RedisPipelineClient interface {
	Pipeline() redis.Pipeliner
}

// RedisStreamSink appends events to a Redis stream and keeps the latest event per order
// in a hash for quick status lookups.
type RedisStreamSink struct {
	client    RedisPipelineClient
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
}

// NewRedisStreamSink constructs a Redis-backed sink.
func NewRedisStreamSink(client RedisPipelineClient, stream string, ttl time.Duration, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = "checkout_events"
	}
	return &RedisStreamSink{
		client:    client,
		stream:    stream,
		keyPrefix: "checkout:",
		ttl:       ttl,
		maxLen:    maxLen,
	}
}

func (s *RedisStreamSink) Name() string { return "redis" }

func (s *RedisStreamSink) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fields := map[string]any{
		"event_id":   ev.ID,
		"order_id":   ev.AggregateID,
		"type":       ev.Type,
		"payload":    string(ev.Payload),
		"created_at": ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	key := s.keyPrefix + ev.AggregateID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}

	args := &redis.XAddArgs{Stream: s.stream, Values: fields}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)

	_, err := pipe.Exec(ctx)
	return err
}
