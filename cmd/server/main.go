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

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/dispense"
	"fulfillment-service/internal/health"
	"fulfillment-service/internal/inventory"
	"fulfillment-service/internal/platform"
	"fulfillment-service/internal/queue"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/scheduler"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service",
		zap.String("env", cfg.Server.Env),
		zap.Bool("test_mode", cfg.Server.TestMode))

	tp, err := util.InitTracer("fulfillment-service", cfg.Observ.JaegerEndpoint, cfg.Platform.LocationID)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connected", zap.String("driver", cfg.Database.Driver))

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	eventPublisher := broker.NewEventPublisher(producer)
	logger.Info("Kafka producer initialized")

	platformClient := platform.NewClient(
		cfg.Platform.BaseURL,
		cfg.Platform.AccessToken,
		cfg.Platform.LocationID,
		cfg.Platform.Timeout,
		cfg.Platform.MaxRetries,
		cfg.Platform.BackoffBase,
	)
	catalog := platform.NewCatalogCache(platformClient, redisClient, cfg.Platform.CacheTTL)

	orderQueue := queue.NewQueue(db, eventPublisher, catalog, cfg.Coordinator.MaxOrderRetries)
	inv := inventory.NewInventory(db, eventPublisher, cfg.Coordinator.LowStockThreshold)

	var dispenser dispense.Dispenser
	if cfg.Server.TestMode {
		dispenser = dispense.NewSimulator()
		logger.Warn("Running with simulated dispenser")
	} else {
		dispenser = dispense.NewBridgeClient(cfg.Dispenser.BridgeURL, cfg.Dispenser.Timeout)
	}

	coordinator := dispense.NewCoordinator(
		orderQueue,
		inv,
		platformClient,
		dispenser,
		cfg.Coordinator.Workers,
		cfg.Coordinator.IdleInterval,
		cfg.Coordinator.OrderTimeout,
	)

	aggregator := health.NewAggregator(db, redisClient, orderQueue, platformClient)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	// Stock held by reservations from a previous crash is restored, then
	// orders stuck in processing go back to pending, all before any worker
	// starts claiming.
	if released, err := inv.RecoverOrphans(startupCtx); err != nil {
		logger.Error("Orphaned reservation recovery failed", zap.Error(err))
	} else if released > 0 {
		logger.Info("Released orphaned reservations", zap.Int("count", released))
	}
	requeued, failed, err := orderQueue.RecoverStale(startupCtx, 0)
	if err != nil {
		logger.Error("Stale order recovery failed", zap.Error(err))
	} else if requeued+failed > 0 {
		logger.Info("Recovered stale orders",
			zap.Int("requeued", requeued),
			zap.Int("failed", failed))
	}
	if err := platformClient.TestConnection(startupCtx); err != nil {
		logger.Warn("Platform unreachable at startup", zap.Error(err))
	}
	if count, err := catalog.RefreshAll(startupCtx); err != nil {
		logger.Warn("Initial catalog refresh failed", zap.Error(err))
	} else {
		logger.Info("Catalog cached", zap.Int("products", count))
	}
	startupCancel()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go coordinator.Run(workerCtx)

	pickupConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPickup, cfg.Kafka.ConsumerGroup)
	pickupWorker := worker.NewPickupWorker(pickupConsumer, orderQueue, db)
	go func() {
		if err := pickupWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Pickup worker error", zap.Error(err))
		}
	}()

	sched := scheduler.NewScheduler()
	sched.Add("catalog_refresh", cfg.Platform.CacheTTL, func(ctx context.Context) error {
		_, err := catalog.RefreshAll(ctx)
		return err
	})
	sched.Add("platform_probe", cfg.Coordinator.HealthInterval, platformClient.TestConnection)
	sched.Add("health_snapshot", cfg.Coordinator.HealthInterval, func(ctx context.Context) error {
		aggregator.Snapshot(ctx)
		return nil
	})
	sched.Add("stale_sweep", cfg.Coordinator.StaleSweep, func(ctx context.Context) error {
		_, _, err := orderQueue.RecoverStale(ctx, cfg.Coordinator.OrderTimeout)
		return err
	})
	sched.Start(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderQueue, inv, catalog, aggregator)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	coordinator.Wait()
	pickupWorker.Stop()
	sched.Wait()

	logger.Info("Server exited")
}
