package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/querydesk/querydesk/internal/api"
	"github.com/querydesk/querydesk/internal/auth"
	"github.com/querydesk/querydesk/internal/config"
	"github.com/querydesk/querydesk/internal/dbpool"
	"github.com/querydesk/querydesk/internal/executor"
	"github.com/querydesk/querydesk/internal/history"
	"github.com/querydesk/querydesk/internal/introspect"
	"github.com/querydesk/querydesk/internal/nl2sql"
	"github.com/querydesk/querydesk/internal/observability"
	"github.com/querydesk/querydesk/internal/service"
)

func main() {
	cfg, err := config.LoadFromEnv("querydesk-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	manager := dbpool.NewManager(dbpool.Config{
		MaxConnsPerTenant: cfg.Pool.MaxConnsPerTenant,
		AcquireTimeout:    cfg.Pool.AcquireTimeout,
		ConnMaxIdleTime:   cfg.Pool.ConnMaxIdleTime,
		ConnMaxLifetime:   cfg.Pool.ConnMaxLifetime,
	}, logger)

	runner := executor.New(manager, executor.Config{
		MaxRows:          cfg.Executor.MaxRows,
		StatementTimeout: cfg.Executor.StatementTimeout,
	}, logger)
	introspector := introspect.New(runner)

	translator, err := nl2sql.NewOpenAITranslator(nl2sql.OpenAIConfig{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		Timeout:     cfg.AI.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize query translator", slog.Any("error", err))
		os.Exit(1)
	}

	svc := service.New(introspector, runner, translator, history.NewLogRecorder(logger), logger)

	deps := api.Dependencies{
		Logger:            logger,
		Service:           svc,
		Pools:             manager,
		Readiness:         api.CheckAIConfig(cfg),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
	}
	// Tenant pools must be torn down before exit; skipping this leaks open
	// database connections on the tenant side.
	if err := manager.CloseAll(); err != nil {
		logger.Error("closing tenant pools failed", slog.Any("error", err))
		os.Exit(1)
	}
}
