package services

import (
	"context"
	"fmt"
	"time"

	"github.com/klinefleet/klinefleet/internal/agentapi"
	"github.com/klinefleet/klinefleet/internal/models"
	"github.com/klinefleet/klinefleet/internal/store"
	"github.com/sirupsen/logrus"
)

// HealthCheckerConfig carries the probe policy. The defaults err on the side
// of trusting a slow agent: a probe only fires once the heartbeat has gone
// stale, and an agent gets Retries full attempts with a generous per-attempt
// timeout before it is declared dead. False Offline transitions are expensive
// (full assignment clear + reassignment), slow detection merely delays
// failover by one check interval.
type HealthCheckerConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	Retries    int
	RetryDelay time.Duration
}

// HealthChecker periodically verifies agent liveness. Offline transitions
// happen here, outside the command queue, so a backlog of assignment work can
// never delay failure detection. This interleaving is intentional: symbol
// assignments are provisional until confirmed by the next status read.
type HealthChecker struct {
	registry *Registry
	agents   *store.AgentStore
	clients  agentapi.ClientFactory
	notifier *Notifier
	logger   *logrus.Logger
	config   HealthCheckerConfig

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthChecker creates the health checker.
func NewHealthChecker(registry *Registry, agents *store.AgentStore, clients agentapi.ClientFactory,
	notifier *Notifier, cfg HealthCheckerConfig, logger *logrus.Logger) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 90 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &HealthChecker{
		registry: registry,
		agents:   agents,
		clients:  clients,
		notifier: notifier,
		logger:   logger,
		config:   cfg,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches the check loop.
func (h *HealthChecker) Start() {
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(h.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.ctx.Done():
				return
			case <-ticker.C:
				h.CheckAgents(h.ctx)
			}
		}
	}()
	h.logger.Info("Health checker started")
}

// Stop halts the check loop.
func (h *HealthChecker) Stop() {
	h.cancel()
	<-h.done
	h.logger.Info("Health checker stopped")
}

// CheckAgents runs one pass over the registry.
func (h *HealthChecker) CheckAgents(ctx context.Context) {
	for _, agent := range h.registry.Snapshot() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch agent.Status {
		case models.AgentStatusOffline:
			h.checkOfflineAgent(ctx, agent)
		default:
			h.checkOnlineAgent(ctx, agent)
		}
	}
}

// checkOnlineAgent probes only when the heartbeat has gone stale; a fresh
// heartbeat means the agent is alive and the probe would be needless chatter.
func (h *HealthChecker) checkOnlineAgent(ctx context.Context, agent *models.Agent) {
	if agent.LastHeartbeat != nil && time.Since(*agent.LastHeartbeat) < h.config.StaleAfter {
		return
	}

	if h.probe(ctx, agent) {
		h.registry.MarkOnline(agent.Address())
		return
	}

	reason := fmt.Sprintf("failed %d consecutive health probes", h.config.Retries)
	h.logger.WithFields(logrus.Fields{
		"agent":            agent.Address(),
		"assigned_symbols": len(agent.AssignedSymbols),
	}).Warn("Agent confirmed offline, clearing assignment")

	h.registry.MarkOffline(agent.Address(), reason)
	if err := h.agents.MarkOffline(ctx, agent.IP, agent.CommandPort, reason); err != nil {
		h.logger.WithError(err).WithField("agent", agent.Address()).Error("Failed to persist offline transition")
	}
	if h.notifier != nil {
		h.notifier.AgentOffline(ctx, agent, reason)
	}
}

// checkOfflineAgent gives a dead agent one probe per cycle; a success flips
// it back online and makes it eligible for assignment again. No operator
// intervention is needed for recovery.
func (h *HealthChecker) checkOfflineAgent(ctx context.Context, agent *models.Agent) {
	client := h.clients(agent)
	if err := client.Ping(ctx); err != nil {
		return
	}

	h.logger.WithField("agent", agent.Address()).Info("Offline agent recovered")
	h.registry.MarkOnline(agent.Address())

	recovered := h.registry.Get(agent.Address())
	if recovered != nil {
		if err := h.agents.Upsert(ctx, recovered); err != nil {
			h.logger.WithError(err).WithField("agent", agent.Address()).Error("Failed to persist recovery")
		}
	}
	if h.notifier != nil {
		h.notifier.AgentRecovered(ctx, agent)
	}
}

// probe attempts up to Retries pings with a short delay in between. The
// per-attempt timeout lives inside the agent client.
func (h *HealthChecker) probe(ctx context.Context, agent *models.Agent) bool {
	client := h.clients(agent)

	for attempt := 1; attempt <= h.config.Retries; attempt++ {
		if err := client.Ping(ctx); err == nil {
			return true
		} else {
			h.logger.WithError(err).WithFields(logrus.Fields{
				"agent":   agent.Address(),
				"attempt": attempt,
			}).Debug("Health probe failed")
		}

		if attempt < h.config.Retries {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(h.config.RetryDelay):
			}
		}
	}
	return false
}
