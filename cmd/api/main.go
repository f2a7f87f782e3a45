package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/festpay/webhook-gateway/internal/collab"
	"github.com/festpay/webhook-gateway/internal/config"
	"github.com/festpay/webhook-gateway/internal/database"
	"github.com/festpay/webhook-gateway/internal/effects"
	"github.com/festpay/webhook-gateway/internal/handlers"
	"github.com/festpay/webhook-gateway/internal/logging"
	"github.com/festpay/webhook-gateway/internal/metrics"
	"github.com/festpay/webhook-gateway/internal/outbound"
	"github.com/festpay/webhook-gateway/internal/provider"
	"github.com/festpay/webhook-gateway/internal/queue"
	"github.com/festpay/webhook-gateway/internal/reconcile"
	"github.com/festpay/webhook-gateway/internal/resolver"
	"github.com/festpay/webhook-gateway/internal/server"
	"github.com/festpay/webhook-gateway/internal/store"
	"github.com/festpay/webhook-gateway/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Payment webhook gateway starting")
	cfg.LogSafeConfig(logger)

	ctx := context.Background()

	// Initialize database
	db, err := database.NewDatabase(ctx, cfg.DatabaseURL, cfg.PoolOptions(), logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Initialize queue
	q, err := queue.NewQueue(cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("Failed to initialize queue", zap.Error(err))
	}
	defer q.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("Failed to parse redis url", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	paypalKey, err := cfg.PayPalPublicKey()
	if err != nil {
		logger.Fatal("Failed to load PayPal public key", zap.Error(err))
	}
	if paypalKey == nil {
		logger.Warn("No PayPal public key configured, PayPal webhooks will be rejected")
	}

	m := metrics.New(cfg.MetricsNamespace)
	st := store.New(db.Pool)

	providers := provider.NewRegistry(provider.Config{
		StripeTolerance:       cfg.StripeTolerance,
		BankTransferTolerance: cfg.BankTransferTolerance,
		PublicBaseURL:         cfg.PublicBaseURL,
		PayPalPublicKey:       paypalKey,
	})
	dispatcher := effects.NewDispatcher(q.Client, cfg.DispatchTimeout, cfg.EffectMaxRetry, m, logger)

	// Initialize HTTP handlers
	httpHandlers := handlers.NewHandler(handlers.Deps{
		Providers:  providers,
		Resolver:   resolver.New(st, cfg.SingleTenantFallback, logger),
		Reconciler: reconcile.New(st, m, logger),
		Dispatcher: dispatcher,
		Store:      st,
		HealthChecks: map[string]handlers.HealthCheck{
			"database": db.Health,
			"redis": func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			},
		},
		Metrics: m,
		Logger:  logger,
	})

	// Embedded worker: effects, outbound deliveries and maintenance
	festival := collab.NewClient(collab.Config{
		BaseURL:      cfg.FestivalAPIBaseURL,
		TokenURL:     cfg.FestivalTokenURL,
		ClientID:     cfg.FestivalClientID,
		ClientSecret: cfg.FestivalClientSecret,
		Timeout:      cfg.OutboundTimeout,
	}, logger)

	var mirror outbound.MessageWriter
	if len(cfg.KafkaBrokers) > 0 {
		w := outbound.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer w.Close()
		mirror = w
	}
	publisher := outbound.NewService(st, q.Client, mirror, cfg.OutboundMaxRetry, logger)

	processor := worker.NewProcessor(
		effects.NewExecutor(st, festival, festival, publisher, m, logger),
		outbound.NewSender(st, cfg.OutboundTimeout, m, logger),
		dispatcher,
		st,
		worker.Options{SweepAge: cfg.EffectSweepAge, DedupRetention: cfg.DedupRetention},
		logger,
	)
	processor.Register(q.Server)

	asynqServer := q.NewServer(cfg.WorkerConcurrency)
	if err := asynqServer.Start(q.Server); err != nil {
		logger.Fatal("Failed to start worker", zap.Error(err))
	}

	scheduler, err := q.NewScheduler(cfg.EffectSweepInterval, cfg.DedupPurgeInterval)
	if err != nil {
		logger.Fatal("Failed to create scheduler", zap.Error(err))
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// Initialize HTTP server
	httpServer := server.NewServer(cfg, httpHandlers, m, logger)

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	scheduler.Shutdown()
	asynqServer.Shutdown()

	logger.Info("Shutdown complete")
}
