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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/klinefleet/klinefleet/internal/agentapi"
	"github.com/klinefleet/klinefleet/internal/api"
	"github.com/klinefleet/klinefleet/internal/config"
	"github.com/klinefleet/klinefleet/internal/database"
	"github.com/klinefleet/klinefleet/internal/logging"
	"github.com/klinefleet/klinefleet/internal/models"
	"github.com/klinefleet/klinefleet/internal/services"
	"github.com/klinefleet/klinefleet/internal/store"
	"github.com/klinefleet/klinefleet/internal/symbols"
)

func main() {
	// Load .env if present; real deployments rely on the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.Environment)

	// Initialize database
	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Initialize Redis
	redis, err := database.NewRedisConnection(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	agentStore := store.NewAgentStore(db.Pool)
	klineStore := store.NewKlineStore(db.Pool)

	commandTimeout := config.Duration(cfg.Manager.CommandTimeout, 60*time.Second)
	probeTimeout := config.Duration(cfg.Manager.HealthCheckTimeout, 15*time.Second)

	clients := agentapi.ClientFactory(func(agent *models.Agent) agentapi.AgentClient {
		return agentapi.NewClient(agent.IP, agent.CommandPort, agent.LivenessPort, commandTimeout, probeTimeout)
	})

	// Seed the registry with persisted agents so restart does not forget the
	// fleet; their liveness is re-verified by the first health check pass.
	registry := services.NewRegistry()
	if known, err := agentStore.ListAll(context.Background()); err != nil {
		logger.WithError(err).Warn("Could not load persisted agents")
	} else {
		registry.Load(known)
	}

	queue := services.NewCommandQueue(registry, agentStore, clients,
		cfg.Manager.QueueSize, commandTimeout,
		config.Duration(cfg.Manager.SubmitTimeout, 90*time.Second), logger)
	queue.Start()
	defer queue.Stop()

	notifier := services.NewNotifier(cfg.Telegram, logger)

	healthChecker := services.NewHealthChecker(registry, agentStore, clients, notifier,
		services.HealthCheckerConfig{
			Interval:   config.Duration(cfg.Manager.HealthCheckInterval, 30*time.Second),
			StaleAfter: config.Duration(cfg.Manager.HeartbeatStaleAfter, 90*time.Second),
			Retries:    cfg.Manager.HealthCheckRetries,
			RetryDelay: 2 * time.Second,
		}, logger)
	healthChecker.Start()
	defer healthChecker.Stop()

	universe := symbols.NewUniverseSource(db.Pool, redis.Client, time.Minute, logger)

	reconciler := services.NewReconciler(universe, agentStore, registry, queue, clients,
		services.ReconcilerConfig{
			Interval:           config.Duration(cfg.Manager.ReconcileInterval, 5*time.Minute),
			MaxSymbolsPerAgent: cfg.Manager.MaxSymbolsPerAgent,
			BatchSize:          cfg.Manager.AssignBatchSize,
		}, logger)
	reconciler.Start()
	defer reconciler.Stop()

	cleanup := services.NewCleanupService(klineStore, cfg.Cleanup, logger)
	cleanup.Start()
	defer cleanup.Stop()

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	api.SetupRoutes(router, queue, registry, db, redis)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Manager.Port),
		Handler: router,
	}

	go func() {
		logger.WithField("port", cfg.Manager.Port).Info("Manager starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down manager")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Manager exited")
}
