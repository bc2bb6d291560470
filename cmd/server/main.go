package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront-orders/config"
	"storefront-orders/internal/api"
	"storefront-orders/internal/broker"
	"storefront-orders/internal/clock"
	"storefront-orders/internal/redisclient"
	"storefront-orders/internal/service"
	"storefront-orders/internal/store"
	"storefront-orders/internal/util"
	"storefront-orders/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type runner interface {
	Start(ctx context.Context) error
	Stop() error
}

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, util.LogOptions{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting storefront order service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer("storefront-orders", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.AutoMigrate {
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := db.Migrate(migrateCtx)
		cancel()
		if err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		logger.Info("Database schema applied")
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicOrder))

	eventPublisher := broker.NewEventPublisher(producer)

	orderService := service.NewOrderService(service.Deps{
		Orders:  db,
		Catalog: db,
		Coupons: db,
		Events:  eventPublisher,
		Guard:   redisClient,
		Clock:   clock.NewRealClock(),
	}, service.Options{
		RetryAttempts:    cfg.Business.StockRetryAttempts,
		OperationTimeout: cfg.Business.OperationTimeout(),
		IdempotencyTTL:   cfg.Business.IdempotencyTTL(),
		ReturnWindow:     cfg.Business.ReturnWindow(),
	})
	gateway := service.NewMockGateway(cfg.Business.PaymentSuccessRate, 200*time.Millisecond)
	paymentService := service.NewPaymentService(db, db, gateway, eventPublisher)
	sagaOrchestrator := service.NewSagaOrchestrator(orderService, db)

	consumer := func(group string) *broker.Consumer {
		return broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, group)
	}
	workers := map[string]runner{
		"order":        worker.NewOrderWorker(consumer(cfg.Kafka.ConsumerGroup), sagaOrchestrator),
		"payment":      worker.NewPaymentWorker(consumer(cfg.Kafka.ConsumerGroup+"-payment"), paymentService),
		"notification": worker.NewNotificationWorker(consumer(cfg.Kafka.ConsumerGroup+"-notification"), service.NewLogNotifier()),
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	for name, w := range workers {
		go func(name string, w runner) {
			if err := w.Start(workerCtx); err != nil {
				logger.Error("Worker stopped with error", zap.String("worker", name), zap.Error(err))
			}
		}(name, w)
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, map[string]api.Pinger{
		"postgres": db,
		"redis":    redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	for name, w := range workers {
		if err := w.Stop(); err != nil {
			logger.Warn("Failed to stop worker", zap.String("worker", name), zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
