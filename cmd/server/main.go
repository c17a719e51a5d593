package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"storefront/cmd/server/config"
	"storefront/internal/checkout"
	"storefront/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "server",
		Short:         "storefront checkout service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			telemetry.InitLogger(os.Getenv("LOG_LEVEL"))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file")
	root.AddCommand(
		serveCommand(),
		migrateCommand(),
		reconcileCommand(),
	)
	return root
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP, gRPC and metrics servers with the background workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), slog.Default())
		},
	}
}

func reconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "resume interrupted checkouts and settle stale payments once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := config.LoadApp()
			if err != nil {
				return err
			}
			if app.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required to reconcile")
			}
			rel, err := checkout.LoadReliabilityConfigFromEnv()
			if err != nil {
				return err
			}
			rt, cleanup, err := checkout.Build(ctx, checkout.BuildConfig{
				DatabaseURL:    app.DatabaseURL,
				PaymentBaseURL: app.PaymentBaseURL,
				LockTimeout:    app.LockTimeout,
				Reliability:    rel,
			}, slog.Default(), nil)
			if err != nil {
				return err
			}
			defer cleanup()
			if rt.DB == nil {
				return errors.New("postgres unavailable")
			}

			resumed, err := rt.Orchestrator.Resume(ctx)
			if err != nil {
				return fmt.Errorf("resume: %w", err)
			}
			report, err := rt.Orchestrator.Reconcile(ctx)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Resumed int `json:"resumed"`
				checkout.ReconcileReport
			}{resumed, report})
		},
	}
}
