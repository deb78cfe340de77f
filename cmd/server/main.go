package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/bulkload/internal/config"
	"github.com/JonMunkholm/bulkload/internal/core"
	"github.com/JonMunkholm/bulkload/internal/events"
	"github.com/JonMunkholm/bulkload/internal/logging"
	"github.com/JonMunkholm/bulkload/internal/repository"
	"github.com/JonMunkholm/bulkload/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"load_max_concurrent", cfg.Load.MaxConcurrent,
		"load_concurrency", cfg.Load.Concurrency,
		"rate_limit_enabled", cfg.Rate.Enabled,
		"events_enabled", cfg.Events.Enabled(),
	)

	ctx := context.Background()

	pool, err := repository.Connect(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("connected to database", "name", repository.DatabaseName(cfg.Database.URL))

	if cfg.Database.AutoMigrate {
		if err := repository.EnsureSchema(ctx, pool); err != nil {
			slog.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}
	}

	store := repository.NewStore(pool)

	// A nil *Publisher must not reach the service as a non-nil Notifier.
	var notifier core.Notifier
	if cfg.Events.Enabled() {
		pub, err := events.Connect(cfg.Events, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer pub.Close()
		notifier = pub
	}

	service := core.NewService(store, store, notifier, cfg.Load.ServiceConfig(), slog.Default())
	server := web.NewServer(service, store, cfg)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if status := service.LimiterStatus(); status.Active > 0 {
			slog.Info("waiting for loads to complete", "active", status.Active)
			if err := service.WaitForLoads(shutdownCtx); err != nil {
				slog.Warn("loads did not complete in time", "error", err)
			} else {
				slog.Info("all loads completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
