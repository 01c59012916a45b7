// Package main runs the settlement and anchoring API server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/ProofMesh-Network/proof_layer/internal/app"
	"github.com/ProofMesh-Network/proof_layer/internal/app/httpapi"
	"github.com/ProofMesh-Network/proof_layer/internal/app/metrics"
	"github.com/ProofMesh-Network/proof_layer/internal/app/storage/memory"
	"github.com/ProofMesh-Network/proof_layer/internal/app/storage/postgres"
	"github.com/ProofMesh-Network/proof_layer/internal/chain"
	"github.com/ProofMesh-Network/proof_layer/internal/config"
	"github.com/ProofMesh-Network/proof_layer/internal/database"
	"github.com/ProofMesh-Network/proof_layer/internal/middleware"
	"github.com/ProofMesh-Network/proof_layer/internal/notify"
	"github.com/ProofMesh-Network/proof_layer/pkg/cache"
	"github.com/ProofMesh-Network/proof_layer/pkg/logger"
)

func main() {
	_ = godotenv.Load() // allow .env for local runs

	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("server").WithError(err).Error("invalid configuration")
		os.Exit(1)
	}

	log := logger.NewWithLevel("server", cfg.LogLevel)

	stores := app.Stores{}
	if cfg.DatabaseURL != "" {
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Error("connect to postgres")
			os.Exit(1)
		}
		defer db.Close()

		if cfg.AutoMigrate {
			if err := database.Migrate(db, cfg.MigrationsPath); err != nil {
				log.WithError(err).Error("apply migrations")
				os.Exit(1)
			}
		}

		pg := postgres.New(db)
		stores = app.Stores{Credits: pg, Pricing: pg, Anchors: pg, Usage: pg}
		log.Info("using postgres storage")
	} else {
		mem := memory.New()
		stores = app.Stores{Credits: mem, Pricing: mem, Anchors: mem, Usage: mem}
		log.Warn("DATABASE_URL not set; using in-memory storage")
	}

	var appCache cache.Cache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.WithError(err).Error("connect to redis")
			os.Exit(1)
		}
		appCache = cache.NewRedis(client, "proof_layer")
		log.Info("using redis cache")
	} else {
		appCache = cache.NewMemory()
	}

	adapters, err := chain.LoadAdapters(cfg.ChainsConfigPath, log)
	if err != nil {
		log.WithError(err).Error("load chain adapters")
		os.Exit(1)
	}

	var notifier notify.Notifier
	if cfg.NotifyWebhookURL != "" {
		notifier, err = notify.NewWebhookNotifier(nil, cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, log)
		if err != nil {
			log.WithError(err).Error("configure webhook notifier")
			os.Exit(1)
		}
		log.WithField("url", cfg.NotifyWebhookURL).Info("using webhook notifications")
	}

	application, err := app.New(stores, app.Options{
		Cache:             appCache,
		Adapters:          adapters,
		Notifier:          notifier,
		ReconcileSchedule: cfg.ReconcileSchedule,
		QueueCapacity:     cfg.UsageQueueCapacity,
	}, log)
	if err != nil {
		log.WithError(err).Error("build application")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start application")
		os.Exit(1)
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Ledger:    application.Ledger,
		Pricing:   application.Pricing,
		Anchors:   application.Anchors,
		Usage:     stores.Usage,
		Breakers:  application.Breakers,
		Auth:      middleware.NewAuth([]byte(cfg.AuthSecret), log),
		RateLimit: middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log),
		Metering:  middleware.NewMetering(application.Pipeline, log),
		Log:       log,
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      metrics.InstrumentHandler(router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Addr()).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("server error")
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application stop")
	}

	log.Info("server stopped")
}
