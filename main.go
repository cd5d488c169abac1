package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/IAlready8/RealMultiLLM-sub007/application/dispatch"
	"github.com/IAlready8/RealMultiLLM-sub007/infrastructure/persistence"
	"github.com/IAlready8/RealMultiLLM-sub007/infrastructure/providers"
	"github.com/IAlready8/RealMultiLLM-sub007/infrastructure/providers/anthropic"
	"github.com/IAlready8/RealMultiLLM-sub007/infrastructure/providers/openai"
	"github.com/IAlready8/RealMultiLLM-sub007/infrastructure/ratelimit"
	"github.com/IAlready8/RealMultiLLM-sub007/infrastructure/secrets"
	httpiface "github.com/IAlready8/RealMultiLLM-sub007/interfaces/http"
	"github.com/IAlready8/RealMultiLLM-sub007/internal/config"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	configureLogging(cfg)

	logrus.WithFields(logrus.Fields{
		"port":               cfg.Server.Port,
		"host":               cfg.Server.Host,
		"concurrency":        cfg.Dispatch.Concurrency,
		"rate_limit_backend": cfg.RateLimit.Backend,
		"enable_persistence": cfg.Database.EnablePersistence,
	}).Info("Starting multi-LLM dispatch service")

	// Build provider adapters from config, resolving key references
	store := secrets.NewEnvStore()
	registry := dispatch.NewRegistry()

	breakerConfig := providers.BreakerConfig{
		Enabled:          cfg.CircuitBreaker.Enabled,
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		Timeout:          cfg.CircuitBreaker.Timeout,
		MaxRequests:      cfg.CircuitBreaker.MaxRequests,
	}

	if cfg.Providers.OpenAI.Enabled {
		apiKey, err := store.Resolve(cfg.Providers.OpenAI.APIKey)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to resolve OpenAI API key")
		}
		adapter := openai.NewProvider(openai.Config{
			APIKey:     apiKey,
			BaseURL:    cfg.Providers.OpenAI.BaseURL,
			Model:      cfg.Providers.OpenAI.Model,
			MaxRetries: cfg.Dispatch.DefaultRetries,
		})
		registry.Register(providers.WithBreaker(adapter, breakerConfig))
	}
	if cfg.Providers.Anthropic.Enabled {
		apiKey, err := store.Resolve(cfg.Providers.Anthropic.APIKey)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to resolve Anthropic API key")
		}
		adapter := anthropic.NewProvider(anthropic.Config{
			APIKey:     apiKey,
			BaseURL:    cfg.Providers.Anthropic.BaseURL,
			Model:      cfg.Providers.Anthropic.Model,
			MaxRetries: cfg.Dispatch.DefaultRetries,
		})
		registry.Register(providers.WithBreaker(adapter, breakerConfig))
	}
	if len(registry.Names()) == 0 {
		logrus.Fatal("No providers enabled, nothing to dispatch to")
	}

	scheduler, err := dispatch.NewScheduler(registry, cfg.Dispatch.Concurrency)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create scheduler")
	}

	// Admission control backend
	var limiter ratelimit.Limiter
	var memoryLimiter *ratelimit.FixedWindowLimiter
	switch cfg.RateLimit.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.RedisAddr,
			Password: cfg.RateLimit.RedisPassword,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logrus.WithError(err).Fatal("Failed to connect to Redis")
		}
		limiter = ratelimit.NewRedisLimiter(client)
		logrus.WithField("addr", cfg.RateLimit.RedisAddr).Info("Using Redis rate limiter")
	default:
		memoryLimiter = ratelimit.NewFixedWindowLimiter(cfg.Window())
		if err := memoryLimiter.Start(ctx); err != nil {
			logrus.WithError(err).Fatal("Failed to start rate limiter sweep")
		}
		limiter = memoryLimiter
		logrus.Info("Using in-memory rate limiter")
	}

	limits := dispatch.Limits{
		PerUser: ratelimit.Policy{Window: cfg.Window(), Max: cfg.RateLimit.PerUserMaxPerMinute},
		Global:  ratelimit.Policy{Window: cfg.Window(), Max: cfg.RateLimit.GlobalMaxPerMinute},
	}

	var cache *dispatch.ResponseCache
	if cfg.Dispatch.CacheSize > 0 {
		cache, err = dispatch.NewResponseCache(cfg.Dispatch.CacheSize)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to create response cache")
		}
	}

	var service *dispatch.Service
	var router *httpiface.Router
	var dbManager *persistence.DatabaseManager
	var recorder *persistence.AsyncRecorder

	if cfg.Database.EnablePersistence {
		dbManager = persistence.NewDatabaseManager()
		if err := dbManager.Connect(ctx, cfg.GetDatabaseDSN()); err != nil {
			logrus.WithError(err).Fatal("Failed to connect to database")
		}
		if err := dbManager.Migrate(); err != nil {
			logrus.WithError(err).Fatal("Failed to run database migrations")
		}

		recorder = persistence.NewAsyncRecorder(dbManager.Repository(), cfg.Database.Workers, cfg.Database.BufferSize)
		if err := recorder.Start(ctx); err != nil {
			logrus.WithError(err).Fatal("Failed to start invocation recorder")
		}

		service = dispatch.NewService(scheduler, registry, limiter, limits, recorder, cache)
		router = httpiface.NewRouterWithAnalytics(
			service,
			cfg.Server.CorsOrigins,
			cfg.Auth.JWTSecret,
			cfg.DefaultTimeout(),
			recorder,
			dbManager,
			dbManager.Repository(),
		)
		logrus.Info("Persistence layer initialized successfully")
	} else {
		service = dispatch.NewService(scheduler, registry, limiter, limits, nil, cache)
		router = httpiface.NewRouter(service, cfg.Server.CorsOrigins, cfg.Auth.JWTSecret, cfg.DefaultTimeout())
		logrus.Info("Running without persistence layer")
	}

	ginRouter := router.SetupRoutes()

	address := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              address,
		Handler:           ginRouter,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		logrus.WithField("address", address).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-c
	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	} else {
		logrus.Info("Server shutdown complete")
	}

	if memoryLimiter != nil {
		memoryLimiter.Stop()
	}

	if recorder != nil {
		if err := recorder.Stop(); err != nil {
			logrus.WithError(err).Error("Failed to stop invocation recorder")
		}
	}
	if dbManager != nil {
		if err := dbManager.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close database connection")
		}
	}

	logrus.Info("Shutdown complete")
}

func configureLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	switch cfg.Logging.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logrus.SetReportCaller(cfg.Logging.ReportCaller)
}
