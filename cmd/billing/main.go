package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"docflow/internal/billing"
	billingapi "docflow/internal/billing/api"
	"docflow/internal/common/database"
	"docflow/internal/common/middleware"
	"docflow/internal/common/nats"
	"docflow/internal/providers/ewallet"
	"docflow/internal/providers/sandbox"
	"docflow/migrations"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"BILLING_PORT" default:"8086"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Gateway selects the payment provider: "ewallet" or "sandbox".
	Gateway string `envconfig:"BILLING_GATEWAY" default:"sandbox"`

	Database database.Config
	NATS     nats.Config
	Billing  billing.Config
	EWallet  ewallet.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Run schema migrations
	if err := database.Migrate(cfg.Database.URL, migrations.FS, ".", logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Connect to database
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to NATS for the audit trail. The workflow runs without it;
	// transitions are never blocked on the sink.
	var publisher billing.Publisher
	natsClient, err := nats.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Warn("NATS unavailable, audit events disabled", "error", err)
	} else {
		defer natsClient.Close()
		if _, err := natsClient.EnsureStream(ctx, nats.AuditStreamConfig()); err != nil {
			logger.Warn("audit stream not ensured", "error", err)
		}
		publisher = nats.NewPublisher(natsClient, logger)
	}

	// Select the payment gateway
	var gateway billing.Gateway
	switch cfg.Gateway {
	case "ewallet":
		gateway = ewallet.NewAdapter(cfg.EWallet, logger)
	case "sandbox":
		gateway = sandbox.NewAdapter()
	default:
		logger.Error("unknown gateway", "gateway", cfg.Gateway)
		os.Exit(1)
	}

	// Create services
	store := billing.NewPostgresStore(db)
	billingService := billing.NewService(cfg.Billing, store, gateway, publisher, logger)

	// Create handlers
	billingHandler := billingapi.NewHandler(billingService)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.TenantExtractor)
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// API routes
	r.Route("/api/v1/billing", func(r chi.Router) {
		r.Mount("/", billingHandler.Routes())
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting billing service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"gateway", cfg.Gateway,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
