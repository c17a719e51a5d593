package main

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"

	"storefront/internal/observability"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

type rateLimitedServerStream struct {
	grpc.ServerStream
	limiter rateLimiter
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(s.Context()); err != nil {
			return err
		}
	}
	return s.ServerStream.RecvMsg(m)
}

// waitFor blocks on the limiter and records any time spent queued.
func waitFor(ctx context.Context, limiter rateLimiter, metrics *observability.Metrics) error {
	if limiter == nil {
		return nil
	}
	start := time.Now()
	err := limiter.Wait(ctx)
	metrics.ObserveThrottle(time.Since(start))
	return err
}

func unaryInterceptor(limiter rateLimiter, metrics *observability.Metrics, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		tracked := shouldTrackMethod(info.FullMethod)
		var span observability.Span
		if tracked {
			span = metrics.Begin(info.FullMethod)
		}
		start := time.Now()
		if err := waitFor(ctx, limiter, metrics); err != nil {
			span.End(err)
			return nil, err
		}
		resp, err := handler(ctx, req)
		span.End(err)
		if err != nil && tracked && logger != nil {
			logger.WarnContext(ctx, "grpc call failed", "method", info.FullMethod, "elapsed", time.Since(start), "error", err)
		}
		return resp, err
	}
}

func streamInterceptor(limiter rateLimiter, metrics *observability.Metrics, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		tracked := shouldTrackMethod(info.FullMethod)
		var span observability.Span
		if tracked {
			span = metrics.Begin(info.FullMethod)
		}
		start := time.Now()
		if limiter != nil {
			stream = &rateLimitedServerStream{ServerStream: stream, limiter: limiter}
		}
		err := handler(srv, stream)
		span.End(err)
		if err != nil && tracked && logger != nil {
			logger.WarnContext(stream.Context(), "grpc stream failed", "method", info.FullMethod, "elapsed", time.Since(start), "error", err)
		}
		return err
	}
}

func shouldTrackMethod(method string) bool {
	return method != "" &&
		!strings.HasPrefix(method, "/grpc.reflection.") &&
		!strings.HasPrefix(method, "/grpc.health.")
}
