package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	viper.Reset()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)

	assert.Equal(t, 8080, cfg.Manager.Port)
	assert.Equal(t, 100, cfg.Manager.MaxSymbolsPerAgent)
	assert.Equal(t, "30s", cfg.Manager.HealthCheckInterval)
	assert.Equal(t, 3, cfg.Manager.HealthCheckRetries)
	assert.Equal(t, "90s", cfg.Manager.HeartbeatStaleAfter)
	assert.Equal(t, "60s", cfg.Manager.CommandTimeout)
	assert.Equal(t, "90s", cfg.Manager.SubmitTimeout)

	assert.Equal(t, 9090, cfg.Agent.CommandPort)
	assert.Equal(t, 9091, cfg.Agent.LivenessPort)
	assert.Equal(t, 100, cfg.Agent.MaxSymbols)
	assert.Equal(t, []string{"1m", "5m", "1h"}, cfg.Agent.Intervals)
	assert.Equal(t, 10, cfg.Agent.SubscriptionsPerSecond)
	assert.Equal(t, "23h", cfg.Agent.ConnectionMaxAge)

	assert.Equal(t, "wss://stream.binance.com:9443/ws", cfg.Exchange.WebsocketURL)
	assert.Equal(t, 72, cfg.Cleanup.KlineRetentionHours)
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	viper.Reset()
	t.Setenv("MANAGER_MAX_SYMBOLS_PER_AGENT", "50")
	t.Setenv("AGENT_COMMAND_PORT", "19090")
	t.Setenv("ENVIRONMENT", "PRODUCTION")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Manager.MaxSymbolsPerAgent)
	assert.Equal(t, 19090, cfg.Agent.CommandPort)
	// Environment is normalized to lower case.
	assert.Equal(t, "production", cfg.Environment)
}

func TestLoad_InvalidDuration(t *testing.T) {
	viper.Reset()
	t.Setenv("MANAGER_COMMAND_TIMEOUT", "soon")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "manager.command_timeout")
}

func TestLoad_SubmitTimeoutMustExceedCommandTimeout(t *testing.T) {
	viper.Reset()
	t.Setenv("MANAGER_SUBMIT_TIMEOUT", "30s")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "submit_timeout")
}

func TestLoad_EmptyIntervalsRejected(t *testing.T) {
	viper.Reset()
	viper.Set("agent.intervals", []string{})
	defer viper.Reset()

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent.intervals")
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 30*time.Second, Duration("30s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("garbage", time.Minute))
	assert.Equal(t, 90*time.Minute, Duration("1h30m", time.Minute))
}
