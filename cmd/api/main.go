package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/audit"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/checkout"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/config"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/httpx"
	kafkax "github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/kafka"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/logging"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/metrics"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/orders"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/payments"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/postgres"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/redisx"
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

	rdb := redisx.New(cfg.RedisAddr)
	defer func() { _ = rdb.Close() }()

	brokers := cfg.KafkaBrokers()
	pCreated := kafkax.NewProducer(brokers, orders.TopicOrderCreated, 1024)
	pPaid := kafkax.NewProducer(brokers, orders.TopicOrderPaid, 1024)
	pFailed := kafkax.NewProducer(brokers, orders.TopicOrderFailed, 1024)
	pCancelled := kafkax.NewProducer(brokers, orders.TopicOrderCancelled, 1024)
	pCreated.Start(ctx)
	pPaid.Start(ctx)
	pFailed.Start(ctx)
	pCancelled.Start(ctx)

	m := metrics.New("api")
	repo := &orders.Repo{DB: db}
	sink := &audit.PG{DB: db}
	provider := payments.NewClient(cfg.PaymentProviderURL, cfg.PaymentSecretKey, logger)

	svc := &checkout.Service{
		Store:    repo,
		Payments: provider,
		Audit:    sink,
		Producer: pCreated,
		Log:      logger,
		Service:  cfg.ServiceName,
	}
	rec := &payments.Reconciler{
		Store:          repo,
		Audit:          sink,
		ProducerPaid:   pPaid,
		ProducerFailed: pFailed,
		Redis:          redisx.KV{C: rdb},
		Log:            logger,
		Service:        cfg.ServiceName,
	}

	router := httpx.NewRouter()
	router.Handle("/metrics", metrics.Handler())
	(&httpx.CheckoutHandler{
		Service: svc,
		Repo:    repo,
		Redis:   rdb,
		Metrics: m,
		Log:     logger,
		Timeout: cfg.CheckoutTimeout,
	}).Register(router)
	(&httpx.WebhookHandler{
		Reconciler: rec,
		Secret:     []byte(cfg.WebhookSecret),
		Tolerance:  cfg.WebhookTolerance,
		Metrics:    m,
		Log:        logger,
	}).Register(router)
	(&httpx.AdminHandler{
		Repo:     repo,
		Audit:    sink,
		Redis:    rdb,
		Producer: pCancelled,
		Token:    cfg.AdminToken,
		Service:  cfg.ServiceName,
		Log:      logger,
	}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exit", zap.Error(err))
	}

	pCreated.Close()
	pPaid.Close()
	pFailed.Close()
	pCancelled.Close()
	pCreated.WaitClosed()
	pPaid.WaitClosed()
	pFailed.WaitClosed()
	pCancelled.WaitClosed()
	logger.Info("shutdown complete")
}
