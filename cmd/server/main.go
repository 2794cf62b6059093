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

	"github.com/gin-gonic/gin"
	"github.com/irfndi/kfold-ensemble-go/internal/api"
	"github.com/irfndi/kfold-ensemble-go/internal/api/handlers"
	"github.com/irfndi/kfold-ensemble-go/internal/cache"
	"github.com/irfndi/kfold-ensemble-go/internal/config"
	"github.com/irfndi/kfold-ensemble-go/internal/database"
	"github.com/irfndi/kfold-ensemble-go/internal/logging"
	"github.com/irfndi/kfold-ensemble-go/internal/middleware"
	"github.com/irfndi/kfold-ensemble-go/internal/services"
	"github.com/irfndi/kfold-ensemble-go/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Application failed: %v\n", err)
		os.Exit(1)
	}
}

// run starts the HTTP server, or performs a single refresh when called with "refresh".
func run(args []string) error {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, otlpLogger := newLogger(cfg)
	logging.ConfigureLogrus(cfg.LogLevel)
	defer func() {
		if otlpLogger != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otlpLogger.Shutdown(ctx)
		}
	}()

	ctx := context.Background()
	provider, err := telemetry.InitTelemetry(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("Failed to shutdown telemetry")
		}
	}()

	db, err := database.NewPostgresConnection(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	pool := database.NewTracedPool(db.Pool, otel.GetTracerProvider())
	if err := database.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("failed to prepare schema: %w", err)
	}

	var redisHealth handlers.HealthChecker
	var foldCache cache.FoldCache
	redisClient, err := database.NewRedisConnection(ctx, cfg.Redis, logger)
	if err != nil {
		logrus.WithError(err).Warn("Redis unavailable, using in-memory fold cache")
		foldCache = cache.NewInMemoryFoldCache(cfg.Cache.TTL())
	} else {
		defer redisClient.Close()
		redisHealth = redisClient
		foldCache = cache.NewRedisFoldCache(redisClient.Client, cfg.Cache.TTL(), logger)
	}

	refreshCfg, err := buildRefreshConfig(cfg)
	if err != nil {
		return err
	}
	refreshService, err := services.NewRefreshService(
		refreshCfg,
		database.NewPeriodRepository(pool),
		database.NewFoldRepository(pool),
		database.NewScoreRepository(pool),
		database.NewRunRepository(pool),
		foldCache,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create refresh service: %w", err)
	}

	if len(args) > 0 && args[0] == "refresh" {
		result, err := refreshService.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("refresh failed: %w", err)
		}
		logger.WithRunID(result.RunID.String()).Info("Refresh completed",
			"dates", len(result.Assignment.Dates),
			"recommendations", len(result.Recommendations),
		)
		return nil
	} else if len(args) > 0 {
		return fmt.Errorf("unknown command %q", args[0])
	}

	if interval := cfg.Validation.Interval(); interval > 0 {
		refreshService.Start(interval, cfg.Validation.RefreshOnStart)
		defer refreshService.Stop()
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	router.Use(middleware.RequestTelemetry(logger))

	deps := api.Dependencies{
		Service:  refreshService,
		Assigner: refreshService.Assigner(),
		Scorer:   refreshService.Scorer(),
		DB:       db,
		Redis:    redisHealth,
		AdminKey: cfg.Security.AdminAPIKey,
		Version:  cfg.Telemetry.ServiceVersion,
	}
	api.SetupRoutes(router, deps)

	srv := newHTTPServer(cfg.Server.Port, router)

	errCh := make(chan error, 1)
	go func() {
		logger.LogStartup(cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-quit:
	}
	logger.LogShutdown(cfg.Telemetry.ServiceName, "signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logrus.Info("Server exited gracefully")
	return nil
}

func newLogger(cfg *config.Config) (*logging.StandardLogger, *logging.OTLPLogger) {
	if !cfg.Telemetry.OTLPLogs {
		return logging.NewStandardLogger(cfg.LogLevel, cfg.Environment), nil
	}
	return logging.NewStandardOTLPLogger(logging.OTLPConfig{
		Enabled:        true,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Environment,
		LogLevel:       cfg.LogLevel,
	})
}

func telemetryConfig(cfg *config.Config) telemetry.TelemetryConfig {
	return telemetry.TelemetryConfig{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Environment,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
}

// buildRefreshConfig translates file configuration into service parameters.
func buildRefreshConfig(cfg *config.Config) (services.RefreshConfig, error) {
	excluded, err := cfg.Validation.ExclusionFolds()
	if err != nil {
		return services.RefreshConfig{}, fmt.Errorf("invalid excluded folds: %w", err)
	}
	return services.RefreshConfig{
		FoldCount: cfg.Validation.FoldCount,
		Policy: services.ExclusionPolicy{
			Excluded:   excluded,
			MinMembers: cfg.Validation.MinMembers,
		},
		PurgePeriods: cfg.Validation.PurgePeriods,
		Selection: services.SelectionConfig{
			TopN:                      cfg.Selection.TopN,
			MaxUnderperformPercentile: cfg.Selection.MaxUnderperformPercentile,
			MinMarketCap:              cfg.Selection.MinMarketCapDecimal(),
		},
	}, nil
}

func newHTTPServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       15 * time.Second,
	}
}
