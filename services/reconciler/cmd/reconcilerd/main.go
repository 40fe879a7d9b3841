package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"hostwatch/pkg/bus"
	"hostwatch/pkg/db"
	"hostwatch/pkg/telemetry"
	"hostwatch/services/reconciler"
)

const serviceName = "reconcilerd"

func main() {
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "reconcilerd",
		Short:         "Host inventory usage reconciliation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newFlushOutboxCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume host events and serve the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := reconciler.LoadConfig()
			if err != nil {
				return err
			}
			ctx := signalContext(cmd)
			pool, err := db.Open(ctx, cfg.DatabaseDSN)
			if err != nil {
				return err
			}
			defer pool.Close()
			return db.Migrate(ctx, pool)
		},
	}
}

func newFlushOutboxCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flush-outbox",
		Short: "Drain the event outbox once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := reconciler.LoadConfig()
			if err != nil {
				return err
			}
			ctx := signalContext(cmd)

			pool, err := db.Open(ctx, cfg.DatabaseDSN)
			if err != nil {
				return err
			}
			defer pool.Close()

			var b *bus.Bus
			if cfg.EmitEnabled {
				if b, err = bus.New(cfg.NATSURL); err != nil {
					return fmt.Errorf("connect bus: %w", err)
				}
				defer b.Close()
			}

			drainer, err := reconciler.NewDrainer(pool, b, drainConfig(cfg), nil)
			if err != nil {
				return err
			}
			flushed, err := drainer.Flush(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "flushed %d events\n", flushed)
			return nil
		},
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := reconciler.LoadConfig()
	if err != nil {
		return err
	}

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	pool, err := db.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	b, err := bus.New(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer b.Close()

	clock := reconciler.SystemClock()
	recon, err := reconciler.NewReconciler(
		clock,
		reconciler.NewFactNormalizer(clock, cfg.HostLastSyncThreshold, logger),
		reconciler.NewMeasurementNormalizer(cfg.UseCPUSystemFacts, logger),
		logger,
	)
	if err != nil {
		return err
	}

	stores, err := reconciler.NewStoreProvider(pool)
	if err != nil {
		return err
	}

	handler, err := reconciler.NewEventHandler(stores, recon, clock, cfg.CullingOffset, logger)
	if err != nil {
		return err
	}

	consumer, err := reconciler.NewConsumer(b, cfg.InboundSubject, handler, logger)
	if err != nil {
		return err
	}
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumer.Close()

	drainer, err := reconciler.NewDrainer(pool, b, drainConfig(cfg), logger)
	if err != nil {
		return err
	}
	go drainer.Run(ctx)

	admin, err := reconciler.NewAdminServer(drainer, pool, cfg.SyncFlushEnabled, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: admin.Router(middleware),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO listening on %s", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("ERROR server failed: %v", err)
		return err
	}

	return nil
}

func drainConfig(cfg reconciler.Config) reconciler.DrainConfig {
	return reconciler.DrainConfig{
		SubjectPrefix: cfg.OutboundSubjectPrefix,
		Interval:      cfg.DrainInterval,
		MaxBackoff:    cfg.DrainMaxBackoff,
		BatchSize:     cfg.FlushBatchSize,
		EmitEnabled:   cfg.EmitEnabled,
	}
}

func signalContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
