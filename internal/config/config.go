package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string         `mapstructure:"environment"`
	LogLevel    string         `mapstructure:"log_level"`
	Database    DatabaseConfig `mapstructure:"database"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Manager     ManagerConfig  `mapstructure:"manager"`
	Agent       AgentConfig    `mapstructure:"agent"`
	Exchange    ExchangeConfig `mapstructure:"exchange"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
	Cleanup     CleanupConfig  `mapstructure:"cleanup"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ManagerConfig holds tunables for the coordinator process. The health-check
// numbers are deliberately generous: an agent working through a large
// assignment batch can take tens of seconds to answer, and a false Offline
// transition costs a full reassignment cycle. Tightening them buys faster
// failure detection at the price of more false positives.
type ManagerConfig struct {
	Port                int    `mapstructure:"port"`
	MaxSymbolsPerAgent  int    `mapstructure:"max_symbols_per_agent"`
	HealthCheckInterval string `mapstructure:"health_check_interval"`
	HealthCheckTimeout  string `mapstructure:"health_check_timeout"`
	HealthCheckRetries  int    `mapstructure:"health_check_retries"`
	HeartbeatStaleAfter string `mapstructure:"heartbeat_stale_after"`
	CommandTimeout      string `mapstructure:"command_timeout"`
	SubmitTimeout       string `mapstructure:"submit_timeout"`
	ReconcileInterval   string `mapstructure:"reconcile_interval"`
	AssignBatchSize     int    `mapstructure:"assign_batch_size"`
	QueueSize           int    `mapstructure:"queue_size"`
}

type AgentConfig struct {
	CommandPort            int      `mapstructure:"command_port"`
	LivenessPort           int      `mapstructure:"liveness_port"`
	AdvertiseIP            string   `mapstructure:"advertise_ip"`
	ManagerURL             string   `mapstructure:"manager_url"`
	MaxSymbols             int      `mapstructure:"max_symbols"`
	Intervals              []string `mapstructure:"intervals"`
	SubscriptionsPerSecond int      `mapstructure:"subscriptions_per_second"`
	ConnectionMaxAge       string   `mapstructure:"connection_max_age"`
	RotationCheckInterval  string   `mapstructure:"rotation_check_interval"`
	KeepaliveInterval      string   `mapstructure:"keepalive_interval"`
	SweepInterval          string   `mapstructure:"sweep_interval"`
	HeartbeatInterval      string   `mapstructure:"heartbeat_interval"`
	RegisterRetries        int      `mapstructure:"register_retries"`
}

type ExchangeConfig struct {
	WebsocketURL string `mapstructure:"websocket_url"`
	DialTimeout  string `mapstructure:"dial_timeout"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

type CleanupConfig struct {
	KlineRetentionHours    int `mapstructure:"kline_retention_hours"`
	CleanupIntervalMinutes int `mapstructure:"cleanup_interval_minutes"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// validate rejects malformed duration strings at startup instead of letting
// individual services fall back to defaults silently.
func validate(cfg *Config) error {
	durations := map[string]string{
		"manager.health_check_interval": cfg.Manager.HealthCheckInterval,
		"manager.health_check_timeout":  cfg.Manager.HealthCheckTimeout,
		"manager.heartbeat_stale_after": cfg.Manager.HeartbeatStaleAfter,
		"manager.command_timeout":       cfg.Manager.CommandTimeout,
		"manager.submit_timeout":        cfg.Manager.SubmitTimeout,
		"manager.reconcile_interval":    cfg.Manager.ReconcileInterval,
		"agent.connection_max_age":      cfg.Agent.ConnectionMaxAge,
		"agent.rotation_check_interval": cfg.Agent.RotationCheckInterval,
		"agent.keepalive_interval":      cfg.Agent.KeepaliveInterval,
		"agent.sweep_interval":          cfg.Agent.SweepInterval,
		"agent.heartbeat_interval":      cfg.Agent.HeartbeatInterval,
		"exchange.dial_timeout":         cfg.Exchange.DialTimeout,
	}

	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
	}

	commandTimeout := Duration(cfg.Manager.CommandTimeout, 0)
	submitTimeout := Duration(cfg.Manager.SubmitTimeout, 0)
	// The caller-side submit timeout must outlive the execution timeout so a
	// slow command fails inside the queue worker, not at the submitter.
	if submitTimeout <= commandTimeout {
		return fmt.Errorf("manager.submit_timeout (%s) must be greater than manager.command_timeout (%s)",
			cfg.Manager.SubmitTimeout, cfg.Manager.CommandTimeout)
	}

	if len(cfg.Agent.Intervals) == 0 {
		return fmt.Errorf("agent.intervals must list at least one interval")
	}

	return nil
}

// Duration parses a config duration string, falling back when empty or invalid.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func setDefaults() {
	// Environment
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	// Database
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "klinefleet")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_conns", 10)
	viper.SetDefault("database.min_conns", 2)

	// Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Manager
	viper.SetDefault("manager.port", 8080)
	viper.SetDefault("manager.max_symbols_per_agent", 100)
	viper.SetDefault("manager.health_check_interval", "30s")
	viper.SetDefault("manager.health_check_timeout", "15s")
	viper.SetDefault("manager.health_check_retries", 3)
	viper.SetDefault("manager.heartbeat_stale_after", "90s")
	viper.SetDefault("manager.command_timeout", "60s")
	viper.SetDefault("manager.submit_timeout", "90s")
	viper.SetDefault("manager.reconcile_interval", "5m")
	viper.SetDefault("manager.assign_batch_size", 20)
	viper.SetDefault("manager.queue_size", 256)

	// Agent
	viper.SetDefault("agent.command_port", 9090)
	viper.SetDefault("agent.liveness_port", 9091)
	viper.SetDefault("agent.advertise_ip", "127.0.0.1")
	viper.SetDefault("agent.manager_url", "http://localhost:8080")
	viper.SetDefault("agent.max_symbols", 100)
	viper.SetDefault("agent.intervals", []string{"1m", "5m", "1h"})
	viper.SetDefault("agent.subscriptions_per_second", 10)
	viper.SetDefault("agent.connection_max_age", "23h")
	viper.SetDefault("agent.rotation_check_interval", "1h")
	viper.SetDefault("agent.keepalive_interval", "3m")
	viper.SetDefault("agent.sweep_interval", "30s")
	viper.SetDefault("agent.heartbeat_interval", "30s")
	viper.SetDefault("agent.register_retries", 5)

	// Exchange
	viper.SetDefault("exchange.websocket_url", "wss://stream.binance.com:9443/ws")
	viper.SetDefault("exchange.dial_timeout", "10s")

	// Telegram
	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.chat_id", "")

	// Cleanup
	viper.SetDefault("cleanup.kline_retention_hours", 72)
	viper.SetDefault("cleanup.cleanup_interval_minutes", 60)
}
