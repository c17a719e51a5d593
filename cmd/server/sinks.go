package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"storefront/cmd/server/config"
	"storefront/internal/outbox"
)

// buildSinks assembles the outbox fan-out. The broadcaster is always attached and every
// other sink joins when configured. A configured sink that cannot connect fails startup.
func buildSinks(ctx context.Context, hub outbox.Broadcaster, logger *slog.Logger) ([]outbox.Sink, func(), error) {
	sinks := []outbox.Sink{outbox.NewBroadcastSink(hub)}
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close outbox sink", "error", err)
			}
		}
	}

	brokers := config.LoadBrokers()
	if brokers.JournalPath != "" {
		journal, err := outbox.OpenJournal(brokers.JournalPath)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, journal.Close)
		sinks = append(sinks, journal)
	}

	redisCfg, err := config.LoadRedis()
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	if redisCfg.URL != "" {
		client, err := newRedisClient(ctx, redisCfg)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		closers = append(closers, client.Close)
		sinks = append(sinks, outbox.NewRedisStreamSink(client, redisCfg.Stream, redisCfg.EventTTL, redisCfg.StreamMaxLen))
	}

	if brokers.AMQPURL != "" {
		sink, closeFn, err := outbox.DialAMQP(brokers.AMQPURL, brokers.AMQPExchange)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		closers = append(closers, closeFn)
		sinks = append(sinks, sink)
	}
	if len(brokers.KafkaBrokers) > 0 {
		producer, err := outbox.NewKafkaSyncProducer(brokers.KafkaBrokers)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		closers = append(closers, producer.Close)
		sinks = append(sinks, outbox.NewKafkaSink(producer, brokers.KafkaTopic))
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	logger.InfoContext(ctx, "outbox sinks ready", "sinks", names)
	return sinks, cleanup, nil
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
