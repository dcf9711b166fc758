/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the dispense engine server. Handles configuration,
  dependency injection, background loops and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Build the logger and, when OTEL_ENDPOINT is set, the tracer provider
  3. Open and migrate the SQL store
  4. Build the event bus (with the Kafka sink when KAFKA_BROKER is set)
  5. Wire ledger, limit evaluator, coordinator and inventory service
  6. Start the outbox dispatcher and the low-stock scheduler
  7. Start the HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides HTTP_PORT)
  -db      Database DSN (overrides DATABASE_DSN)
           Use ":memory:" with sqlite3 for a throwaway database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, then the dispatcher, then flush what is left
  4. Close the Kafka writer, tracer provider and database

EXAMPLES:
  # Run with a file database
  ./server -db="./data/pharmacy.db"

  # Run against PostgreSQL
  DB_DRIVER=postgres ./server -db="postgres://pharmacy@localhost/pharmacy?sslmode=disable"

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/warp/dispense-engine/api"
	"github.com/warp/dispense-engine/config"
	"github.com/warp/dispense-engine/events"
	"github.com/warp/dispense-engine/fulfillment"
	"github.com/warp/dispense-engine/limits"
	"github.com/warp/dispense-engine/observability"
	"github.com/warp/dispense-engine/outbox"
	"github.com/warp/dispense-engine/reconcile"
	"github.com/warp/dispense-engine/stock"
	"github.com/warp/dispense-engine/store/sqlstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.String("port", cfg.HTTPPort, "HTTP server port")
	dsn := flag.String("db", cfg.DatabaseDSN, "database DSN")
	flag.Parse()
	cfg.HTTPPort = *port
	cfg.DatabaseDSN = *dsn

	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	// Initialize store
	if cfg.DBDriver == sqlstore.DriverSQLite && cfg.DatabaseDSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabaseDSN), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlstore.Open(cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	// Events
	var sink events.Sink
	if cfg.KafkaBroker != "" {
		kafka := events.NewKafkaSink(cfg.KafkaBroker, cfg.KafkaTopic)
		defer kafka.Close()
		sink = kafka
		logger.Info("publishing events to kafka",
			zap.String("broker", cfg.KafkaBroker), zap.String("topic", cfg.KafkaTopic))
	}
	bus := events.NewBus(logger, sink)
	dispatcher := outbox.NewDispatcher(store, bus, logger)

	// Domain
	ledger := stock.NewLedger(cfg.LowStockThreshold)
	coord := fulfillment.NewCoordinator(fulfillment.Config{
		Store:           store,
		Ledger:          ledger,
		Limits:          limits.NewEvaluator(cfg.LimitTimezone),
		Outbox:          dispatcher,
		Logger:          logger,
		Tracer:          otel.Tracer("github.com/warp/dispense-engine/fulfillment"),
		DefaultLocation: stock.Location(cfg.DispenseLocation),
	})
	svc := stock.NewService(store, ledger, dispatcher, logger)

	sweeper := reconcile.NewSweeper(store, dispatcher, logger)
	scheduler := reconcile.NewScheduler(sweeper, cfg.LowStockThreshold, logger)
	scheduler.Interval = cfg.SweepInterval

	// Background loops
	dispatcher.Start(cfg.OutboxInterval)
	scheduler.Start()
	defer func() {
		scheduler.Stop()
		dispatcher.Stop()
		if n, err := dispatcher.Flush(context.Background()); err != nil {
			logger.Warn("final outbox flush failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("final outbox flush", zap.Int("published", n))
		}
	}()

	handler := api.NewHandler(coord, svc, scheduler, logger)
	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("db_driver", cfg.DBDriver),
			zap.String("location", cfg.DispenseLocation))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
