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

	"escrow-service/config"
	"escrow-service/internal/api"
	"escrow-service/internal/broker"
	"escrow-service/internal/identity"
	"escrow-service/internal/redisclient"
	"escrow-service/internal/service"
	"escrow-service/internal/store"
	"escrow-service/internal/util"
	"escrow-service/internal/worker"

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
	logger.Info("Starting escrow service")

	tp, err := util.InitTracer(util.TracerOptions{
		ServiceName:    "escrow-service",
		Environment:    cfg.Server.Env,
		JaegerEndpoint: cfg.Observ.JaegerEndpoint,
		SampleRatio:    cfg.Observ.TraceSampleRatio,
	})
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

	checks := map[string]api.Pinger{}

	var repo store.Repository
	if cfg.Database.Backend == config.StoreMemory {
		repo = store.NewMemoryStore()
		logger.Warn("Using in-memory store, data will not survive a restart")
	} else {
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if cfg.Database.Migrate {
			if err := db.Migrate(); err != nil {
				logger.Fatal("Failed to migrate database", zap.Error(err))
			}
		}
		repo = db
		logger.Info("Database connected")
	}
	checks["store"] = repo

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	checks["redis"] = redisClient
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicBooking)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicBooking))

	eventPublisher := broker.NewEventPublisher(producer)

	rail := service.NewTimeoutRail(
		service.NewSimulatedRail(cfg.Business.RailFailureRate, 0),
		cfg.Business.RailTimeout,
	)

	catalogService := service.NewCatalogService(repo)
	bookingService := service.NewBookingService(repo, redisClient, catalogService, rail, eventPublisher, service.BookingOptions{
		IdempotencyTTL: cfg.Business.IdempotencyTTL,
		CreateLockTTL:  cfg.Business.CreateLockTTL,
	})
	stageService := service.NewStageService(repo, eventPublisher)
	escrowAccountant := service.NewEscrowAccountant(repo, rail, eventPublisher)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var releaseWorker *worker.AutoReleaseWorker
	if cfg.Business.AutoReleaseOnApprove {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicBooking, cfg.Kafka.ConsumerGroup)
		releaseWorker = worker.NewAutoReleaseWorker(consumer, worker.NewAutoReleaser(escrowAccountant, repo))
		go func() {
			if err := releaseWorker.Start(workerCtx); err != nil {
				logger.Error("Auto-release worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(
		catalogService,
		bookingService,
		stageService,
		escrowAccountant,
		identity.NewJWTProvider(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer),
		api.Options{
			RateLimit: cfg.Server.RateLimit,
			RateBurst: cfg.Server.RateBurst,
			Checks:    checks,
		},
	)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
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

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if releaseWorker != nil {
		if err := releaseWorker.Stop(); err != nil {
			logger.Warn("Failed to stop auto-release worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
