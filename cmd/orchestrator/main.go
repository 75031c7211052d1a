// Package main is the entry point for the orchestrator service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/api"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/auth"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/config"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/validator"
)

func main() {
	cfg := config.Load()

	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting orchestrator",
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx := context.Background()

	tracer, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "mentatlab-orchestrator",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing, continuing without it", "error", err)
		tracer = nil
	}

	// Initialize RunStore based on configuration
	var store runstore.RunStore
	switch cfg.RunStoreType {
	case "redis":
		redisCfg := &runstore.RedisConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   "runs",
			TTL:      cfg.RunStoreTTL,
		}
		redisStore, err := runstore.NewRedisStore(redisCfg)
		if err != nil {
			logger.Error("failed to connect to Redis, falling back to memory store", "error", err)
			storeCfg := &runstore.Config{
				EventMaxLen: cfg.EventMaxLen,
				TTLSeconds:  int64(cfg.RunStoreTTL.Seconds()),
			}
			store = runstore.NewMemoryStore(storeCfg)
		} else {
			store = redisStore
			logger.Info("using Redis runstore", slog.String("url", cfg.RedisURL))
		}
	default:
		storeCfg := &runstore.Config{
			EventMaxLen: cfg.EventMaxLen,
			TTLSeconds:  int64(cfg.RunStoreTTL.Seconds()),
		}
		store = runstore.NewMemoryStore(storeCfg)
		logger.Info("using in-memory runstore")
	}
	defer store.Close()

	// Initialize driver: local subprocesses, one per node attempt.
	emitter := driver.NewRunStoreEmitter(store)
	var execDriver driver.Driver = driver.NewLocalSubprocessDriver(emitter, &driver.SubprocessConfig{
		EnvPassthrough: map[string]string{
			"ORCHESTRATOR_URL": "http://localhost:" + cfg.Port,
		},
	})
	logger.Info("using local subprocess driver")

	schedCfg := &scheduler.Config{
		MaxParallelism:     cfg.MaxParallelism,
		DefaultMaxRetries:  cfg.DefaultMaxRetries,
		DefaultBackoffSecs: cfg.DefaultBackoffSecs,
	}
	sched := scheduler.New(store, execDriver, scheduler.ResolveCommand, schedCfg)

	logger.Info("scheduler initialized",
		slog.Int("max_parallelism", cfg.MaxParallelism),
		slog.Int("default_retries", cfg.DefaultMaxRetries),
	)

	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create validator", "error", err)
		v = nil
	}

	agentRegistry := registry.NewMemoryRegistry()

	dataflowSvc, err := dataflow.New(&dataflow.Config{
		Type:       cfg.DataflowBackend,
		PathPrefix: "artifacts",
	})
	if err != nil {
		logger.Error("failed to create dataflow service, artifact endpoints disabled", "error", err)
		dataflowSvc = nil
	}

	var authMiddleware *auth.Middleware
	if cfg.OIDCIssuer != "" {
		provider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:   cfg.OIDCIssuer,
			ClientID: cfg.OIDCClientID,
		})
		if err != nil {
			logger.Error("failed to create OIDC provider, auth disabled", "error", err)
		} else {
			authMiddleware = auth.NewMiddleware(provider, &auth.MiddlewareConfig{Enabled: true})
			logger.Info("OIDC auth enabled", slog.String("issuer", cfg.OIDCIssuer))
		}
	}

	var rateLimiter *auth.PerIPRateLimiter
	if cfg.RateLimitRPS > 0 {
		rateLimiter = auth.NewPerIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting enabled", slog.Float64("rps", cfg.RateLimitRPS), slog.Int("burst", cfg.RateLimitBurst))
	}

	handlerOpts := &api.HandlerOptions{
		Registry:    agentRegistry,
		DataflowSvc: dataflowSvc,
	}
	handlers := api.NewHandlers(store, sched, v, cfg, logger, handlerOpts)
	server := api.NewServer(handlers, &api.ServerOptions{
		AuthMiddleware: authMiddleware,
		RateLimiter:    rateLimiter,
		Tracing:        api.NewTracingMiddleware(cfg.OTLPEndpoint != ""),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", "error", err)
		}
	}

	logger.Info("server stopped")
}
