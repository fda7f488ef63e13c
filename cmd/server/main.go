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

	"github.com/qdeck/warden/internal/config"
	"github.com/qdeck/warden/internal/dispatch"
	"github.com/qdeck/warden/internal/gateway"
	"github.com/qdeck/warden/internal/handler"
	"github.com/qdeck/warden/internal/model"
	"github.com/qdeck/warden/internal/runner"
	"github.com/qdeck/warden/internal/service"
	"github.com/qdeck/warden/internal/store"
	"github.com/qdeck/warden/internal/store/memory"
	"github.com/qdeck/warden/internal/store/mongo"
	"github.com/qdeck/warden/internal/store/postgres"
	"github.com/qdeck/warden/internal/store/sqlite"
	"github.com/qdeck/warden/pkg/middleware"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	config.InitLogger(cfg)

	slog.Info("Starting Warden Maintenance Scheduler", "version", version, "store_driver", cfg.StoreDriver)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the schedule store
	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	// Register the shell runner for every maintenance action
	registry := runner.NewRegistry()
	shell := runner.NewShell(cfg.ScriptsDir, cfg.GatewayAPIURL, cfg.TaskTimeout)
	for _, taskType := range model.TaskTypes() {
		registry.Register(taskType, shell)
	}

	// Initialize dispatcher
	dispatcher := dispatch.New(dispatch.Config{
		TickInterval: cfg.DispatcherTickInterval,
		ClaimLimit:   cfg.DispatcherClaimLimit,
		Concurrency:  cfg.DispatcherConcurrency,
		RetryLimit:   cfg.DispatcherRetryLimit,
		RetryDelay:   cfg.DispatcherRetryDelay,
		ClaimTTL:     cfg.DispatcherClaimTTL,
	}, st, registry)

	// Initialize services
	scheduleService := service.NewScheduleService(st, dispatcher)

	// Re-derive next firings before the dispatch loop starts, so schedules
	// whose occurrences passed while the process was down fire at the next
	// valid time instead of immediately.
	if cfg.RecalculateOnBoot {
		n, err := scheduleService.RecalculateAll(ctx)
		if err != nil {
			slog.Error("Failed to recalculate schedules on boot", "error", err)
			os.Exit(1)
		}
		slog.Info("Recalculated schedules on boot", "count", n)
	}

	if cfg.DispatcherEnabled {
		dispatcher.Start(ctx)
	} else {
		slog.Warn("Dispatcher disabled, schedules will not execute on this node")
	}

	// Initialize janitor
	janitor := service.NewJanitor(service.JanitorConfig{
		Spec:              cfg.JanitorSpec,
		RecalculateSpec:   cfg.JanitorRecalculateSpec,
		RunRetention:      cfg.JanitorRunRetention,
		DispatchRetention: cfg.JanitorDispatchRetention,
	}, st, scheduleService.RecalculateAll)
	if err := janitor.Start(ctx); err != nil {
		slog.Error("Failed to start janitor", "error", err)
		os.Exit(1)
	}

	// Initialize gateway state directory access
	gw := gateway.New(cfg.GatewayDir, registry)

	// Initialize handlers
	scheduleHandler := handler.NewScheduleHandler(scheduleService)
	runHandler := handler.NewRunHandler(scheduleService)
	gatewayHandler := handler.NewGatewayHandler(gw)
	healthHandler := handler.NewHealthHandler(st, version)

	// Create CORS config
	corsConfig := middleware.CORSConfig{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   cfg.CORSAllowedMethods,
		AllowedHeaders:   cfg.CORSAllowedHeaders,
		AllowCredentials: cfg.CORSAllowCredentials,
		MaxAge:           cfg.CORSMaxAge,
	}

	// Create router
	router := handler.NewRouter(
		scheduleHandler,
		runHandler,
		gatewayHandler,
		healthHandler,
		corsConfig,
	)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Handler(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}

	// Start server in goroutine
	go func() {
		slog.Info("Starting HTTP server", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("Received shutdown signal, initiating graceful shutdown")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop background machinery first; in-flight actions get to finish, and
	// trigger requests arriving after this point are refused.
	slog.Info("Stopping janitor...")
	janitor.Stop(shutdownCtx)

	slog.Info("Stopping dispatcher...")
	dispatcher.Stop(shutdownCtx)

	// Shutdown HTTP server
	slog.Info("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Warden Maintenance Scheduler stopped")
}

// openStore connects the configured storage backend and prepares its
// schema or indexes.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		return memory.New(), nil
	case "postgres":
		st, err := postgres.New(ctx, cfg.PostgresURL, int32(cfg.PostgresMaxConns))
		if err != nil {
			return nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			_ = st.Close(ctx)
			return nil, err
		}
		return st, nil
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath, cfg.SQLiteBusyTimeout)
	case "mongo":
		st, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoTimeout)
		if err != nil {
			return nil, err
		}
		if err := st.EnsureIndexes(ctx); err != nil {
			_ = st.Close(ctx)
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
