package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klinefleet/klinefleet/internal/models"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// RegistrarConfig identifies this agent to the manager.
type RegistrarConfig struct {
	ManagerURL        string
	AdvertiseIP       string
	CommandPort       int
	LivenessPort      int
	HeartbeatInterval time.Duration
	RegisterRetries   int
}

// Registrar announces this agent to the manager and keeps its heartbeat
// fresh. Registration doubles as the heartbeat: the manager treats a
// re-register as "refresh heartbeat, clear error", so a restarted agent
// regains assignment eligibility with no operator involvement.
type Registrar struct {
	config RegistrarConfig
	client *http.Client
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistrar creates the registrar.
func NewRegistrar(cfg RegistrarConfig, logger *logrus.Logger) *Registrar {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.RegisterRetries <= 0 {
		cfg.RegisterRetries = 5
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registrar{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start registers with bounded retries and exponential backoff, then runs
// the heartbeat loop. Initial registration failing after all retries is
// returned to the caller; the agent is useless if the manager cannot see it.
func (r *Registrar) Start() error {
	backoffCfg := backoff.NewExponentialBackOff()

	var lastErr error
	for attempt := 1; attempt <= r.config.RegisterRetries; attempt++ {
		if lastErr = r.register(r.ctx); lastErr == nil {
			break
		}
		r.logger.WithError(lastErr).WithField("attempt", attempt).Warn("Registration failed")

		if attempt == r.config.RegisterRetries {
			return fmt.Errorf("registration failed after %d attempts: %w", r.config.RegisterRetries, lastErr)
		}
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		case <-time.After(backoffCfg.NextBackOff()):
		}
	}

	r.done = make(chan struct{})
	go r.heartbeatLoop()
	r.logger.WithField("manager", r.config.ManagerURL).Info("Registered with manager")
	return nil
}

// Stop halts the heartbeat loop.
func (r *Registrar) Stop() {
	r.cancel()
	if r.done != nil {
		<-r.done
	}
}

func (r *Registrar) heartbeatLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.register(r.ctx); err != nil {
				// Missed heartbeats are tolerated; the manager probes
				// before declaring this agent offline.
				r.logger.WithError(err).Warn("Heartbeat failed")
			}
		}
	}
}

// register posts this agent's identity and current resource stats.
func (r *Registrar) register(ctx context.Context) error {
	req := models.RegisterRequest{
		IP:           r.config.AdvertiseIP,
		Port:         r.config.CommandPort,
		LivenessPort: r.config.LivenessPort,
		Stats:        collectResourceStats(),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal register request: %w", err)
	}

	url := strings.TrimSuffix(r.config.ManagerURL, "/") + "/register"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create register request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("register request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("manager rejected registration (%d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// collectResourceStats samples host cpu/memory. Best effort: a sampling
// failure produces nil stats, never a failed heartbeat.
func collectResourceStats() *models.ResourceStats {
	stats := &models.ResourceStats{}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = vm.UsedPercent
		stats.MemoryUsedMB = vm.Used / 1024 / 1024
	}

	return stats
}
