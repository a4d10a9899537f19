package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/audit"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/config"
	kafkax "github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/kafka"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/logging"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/metrics"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/orders"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/payments"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/postgres"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/sweeper"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	pCancelled := kafkax.NewProducer(cfg.KafkaBrokers(), orders.TopicOrderCancelled, 256)
	pCancelled.Start(ctx)

	sw := &sweeper.Sweeper{
		Store:       &orders.Repo{DB: db},
		Payments:    payments.NewClient(cfg.PaymentProviderURL, cfg.PaymentSecretKey, logger),
		Audit:       &audit.PG{DB: db},
		Producer:    pCancelled,
		Metrics:     metrics.New("sweeper"),
		Log:         logger,
		Service:     cfg.ServiceName,
		Interval:    cfg.SweepInterval,
		Grace:       cfg.SweepGrace,
		CancelAfter: cfg.SweepCancelAfter,
		Batch:       cfg.SweepBatch,
	}

	logger.Info("sweeper started",
		zap.Duration("interval", cfg.SweepInterval),
		zap.Duration("grace", cfg.SweepGrace),
		zap.Duration("cancel_after", cfg.SweepCancelAfter))
	if err := sw.Run(ctx); err != nil {
		logger.Error("sweeper exit", zap.Error(err))
	}
	pCancelled.Close()
	pCancelled.WaitClosed()
	logger.Info("shutdown complete")
}
