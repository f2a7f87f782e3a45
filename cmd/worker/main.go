package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/festpay/webhook-gateway/internal/collab"
	"github.com/festpay/webhook-gateway/internal/config"
	"github.com/festpay/webhook-gateway/internal/database"
	"github.com/festpay/webhook-gateway/internal/effects"
	"github.com/festpay/webhook-gateway/internal/logging"
	"github.com/festpay/webhook-gateway/internal/metrics"
	"github.com/festpay/webhook-gateway/internal/outbound"
	"github.com/festpay/webhook-gateway/internal/queue"
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

	logger.Info("Payment webhook worker starting")

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

	m := metrics.New(cfg.MetricsNamespace)
	st := store.New(db.Pool)

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
		effects.NewDispatcher(q.Client, cfg.DispatchTimeout, cfg.EffectMaxRetry, m, logger),
		st,
		worker.Options{SweepAge: cfg.EffectSweepAge, DedupRetention: cfg.DedupRetention},
		logger,
	)
	processor.Register(q.Server)

	scheduler, err := q.NewScheduler(cfg.EffectSweepInterval, cfg.DedupPurgeInterval)
	if err != nil {
		logger.Fatal("Failed to create scheduler", zap.Error(err))
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	asynqServer := q.NewServer(cfg.WorkerConcurrency)

	// Handle shutdown signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("Shutting down worker")
		scheduler.Shutdown()
		asynqServer.Shutdown()
	}()

	logger.Info("Worker started, processing tasks")
	if err := asynqServer.Run(q.Server); err != nil {
		logger.Fatal("Worker failed", zap.Error(err))
	}

	logger.Info("Worker shutdown complete")
}
