package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"storefront/cmd/server/config"
	grpcadapter "storefront/internal/adapters/grpc"
	"storefront/internal/adapters/httpx"
	"storefront/internal/checkout"
	"storefront/internal/observability"
	"storefront/internal/outbox"
	"storefront/internal/payment"
	"storefront/internal/realtime"
)

const shutdownTimeout = 5 * time.Second

func runServe(ctx context.Context, logger *slog.Logger) error {
	app, err := config.LoadApp()
	if err != nil {
		return err
	}
	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	obsCfg := config.LoadObservability()
	rel, err := checkout.LoadReliabilityConfigFromEnv()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	rt, cleanup, err := checkout.Build(ctx, checkout.BuildConfig{
		DatabaseURL:    app.DatabaseURL,
		PaymentBaseURL: app.PaymentBaseURL,
		LockTimeout:    app.LockTimeout,
		Reliability:    rel,
	}, logger, metrics)
	if err != nil {
		return err
	}
	defer cleanup()

	hub := realtime.NewHub(logger)
	sinks, closeSinks, err := buildSinks(ctx, hub, logger)
	if err != nil {
		return err
	}
	defer closeSinks()
	relay := outbox.NewRelay(rt.Outbox, sinks,
		outbox.WithBatchSize(app.OutboxBatchSize),
		outbox.WithInterval(app.OutboxInterval),
		outbox.WithRelayLogger(logger),
		outbox.WithRelayMetrics(metrics),
	)

	signer := payment.NewSigner(app.WebhookSecret, app.WebhookTolerance)
	httpSrv := &http.Server{
		Addr:              app.HTTPAddr,
		Handler:           httpx.NewRouter(httpx.NewHandler(rt.Orchestrator, signer, logger), hub),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var limiter rateLimiter
	if grpcCfg.RateLimitInterval > 0 && grpcCfg.RateLimitBurst > 0 {
		limiter = checkout.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst)
	}
	grpcSrv, healthSrv := grpcadapter.NewServer(
		grpcadapter.Services{Inventory: rt.Inventory, Coupons: rt.Coupons, Fraud: rt.Fraud},
		grpcpkg.ChainUnaryInterceptor(unaryInterceptor(limiter, metrics, logger)),
		grpcpkg.ChainStreamInterceptor(streamInterceptor(limiter, metrics, logger)),
	)
	if app.Env != "production" {
		reflection.Register(grpcSrv)
		logger.InfoContext(ctx, "gRPC reflection enabled", "env", app.Env)
	}
	lis, err := net.Listen("tcp", app.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", app.GRPCAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))
	obsSrv := &http.Server{Addr: obsCfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger.InfoContext(ctx, "checkout service starting",
		"http_addr", app.HTTPAddr, "grpc_addr", app.GRPCAddr, "metrics_addr", obsCfg.Addr, "postgres", rt.DB != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listenAndServe(httpSrv) })
	g.Go(func() error { return listenAndServe(obsSrv) })
	g.Go(func() error { return grpcSrv.Serve(lis) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })
	if app.Sweeper {
		g.Go(func() error { return sweep(gctx, rt.Orchestrator, app.ReconcileInterval, logger) })
	} else {
		logger.InfoContext(ctx, "checkout sweeper disabled on this replica")
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "in_flight", metrics.InFlight())
		healthSrv.Shutdown()
		grpcSrv.GracefulStop()
		metrics.MarkShutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(httpSrv.Shutdown(shutdownCtx), obsSrv.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func listenAndServe(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", srv.Addr, err)
	}
	return nil
}

type sweeper interface {
	Resume(ctx context.Context) (int, error)
	Reconcile(ctx context.Context) (checkout.ReconcileReport, error)
}

// sweep compensates interrupted checkouts and reconciles parked payments, once at start
// and then on every tick. Resume only picks up sagas idle past their cutoff, so a saga
// interrupted shortly before a restart is caught by a later tick.
func sweep(ctx context.Context, o sweeper, interval time.Duration, logger *slog.Logger) error {
	pass := func() {
		if n, err := o.Resume(ctx); err != nil && ctx.Err() == nil {
			logger.ErrorContext(ctx, "resume interrupted checkouts failed", "error", err)
		} else if n > 0 {
			logger.InfoContext(ctx, "resumed interrupted checkouts", "count", n)
		}
		if _, err := o.Reconcile(ctx); err != nil && ctx.Err() == nil {
			logger.ErrorContext(ctx, "reconciliation sweep failed", "error", err)
		}
	}

	pass()
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pass()
		}
	}
}
