package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/klinefleet/klinefleet/internal/collector"
	"github.com/klinefleet/klinefleet/internal/config"
	"github.com/klinefleet/klinefleet/internal/database"
	"github.com/klinefleet/klinefleet/internal/exchange"
	"github.com/klinefleet/klinefleet/internal/logging"
	"github.com/klinefleet/klinefleet/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.Environment)

	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	klineStore := store.NewKlineStore(db.Pool)

	transport := exchange.NewWSTransport(cfg.Exchange.WebsocketURL,
		config.Duration(cfg.Exchange.DialTimeout, 10*time.Second), logger)

	manager := collector.NewConnectionManager(transport, klineStore,
		collector.ConnectionManagerConfig{
			MaxSymbols:             cfg.Agent.MaxSymbols,
			Intervals:              cfg.Agent.Intervals,
			SubscriptionsPerSecond: cfg.Agent.SubscriptionsPerSecond,
			ConnectionMaxAge:       config.Duration(cfg.Agent.ConnectionMaxAge, 23*time.Hour),
			RotationCheckInterval:  config.Duration(cfg.Agent.RotationCheckInterval, time.Hour),
			KeepaliveInterval:      config.Duration(cfg.Agent.KeepaliveInterval, 3*time.Minute),
			SweepInterval:          config.Duration(cfg.Agent.SweepInterval, 30*time.Second),
		}, logger)
	manager.Start()
	defer manager.Stop()

	server := collector.NewServer(manager, cfg.Agent.CommandPort, cfg.Agent.LivenessPort, logger)
	if err := server.Start(); err != nil {
		log.Fatalf("Failed to start agent server: %v", err)
	}

	registrar := collector.NewRegistrar(collector.RegistrarConfig{
		ManagerURL:        cfg.Agent.ManagerURL,
		AdvertiseIP:       cfg.Agent.AdvertiseIP,
		CommandPort:       cfg.Agent.CommandPort,
		LivenessPort:      cfg.Agent.LivenessPort,
		HeartbeatInterval: config.Duration(cfg.Agent.HeartbeatInterval, 30*time.Second),
		RegisterRetries:   cfg.Agent.RegisterRetries,
	}, logger)
	if err := registrar.Start(); err != nil {
		log.Fatalf("Failed to register with manager: %v", err)
	}
	defer registrar.Stop()

	logger.WithField("command_port", cfg.Agent.CommandPort).
		WithField("liveness_port", cfg.Agent.LivenessPort).
		Info("Agent running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down agent")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	server.Stop(ctx)

	logger.Info("Agent exited")
}
