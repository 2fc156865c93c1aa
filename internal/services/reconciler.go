package services

import (
	"context"
	"time"

	"github.com/klinefleet/klinefleet/internal/agentapi"
	"github.com/klinefleet/klinefleet/internal/models"
	"github.com/klinefleet/klinefleet/internal/store"
	"github.com/klinefleet/klinefleet/internal/symbols"
	"github.com/sirupsen/logrus"
)

// ReconcilerConfig carries the assignment policy knobs.
type ReconcilerConfig struct {
	Interval           time.Duration
	MaxSymbolsPerAgent int
	BatchSize          int
}

// Reconciler periodically recomputes the full desired symbol→agent mapping
// and drives it to convergence through the command queue. Placement is
// sticky where possible: a symbol already streaming on an online agent is
// never moved, only orphaned or brand-new symbols are placed.
type Reconciler struct {
	universe symbols.Source
	agents   *store.AgentStore
	registry *Registry
	queue    *CommandQueue
	clients  agentapi.ClientFactory
	logger   *logrus.Logger
	config   ReconcilerConfig

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler creates the reconciler.
func NewReconciler(universe symbols.Source, agents *store.AgentStore, registry *Registry,
	queue *CommandQueue, clients agentapi.ClientFactory, cfg ReconcilerConfig, logger *logrus.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxSymbolsPerAgent <= 0 {
		cfg.MaxSymbolsPerAgent = 100
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		universe: universe,
		agents:   agents,
		registry: registry,
		queue:    queue,
		clients:  clients,
		logger:   logger,
		config:   cfg,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start runs one pass immediately, then repeats on the interval.
func (r *Reconciler) Start() {
	go func() {
		defer close(r.done)

		if err := r.Reconcile(r.ctx); err != nil {
			r.logger.WithError(err).Error("Initial reconciliation failed")
		}

		ticker := time.NewTicker(r.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				if err := r.Reconcile(r.ctx); err != nil {
					r.logger.WithError(err).Error("Reconciliation failed")
				}
			}
		}
	}()
	r.logger.Info("Reconciler started")
}

// Stop halts the loop.
func (r *Reconciler) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("Reconciler stopped")
}

// Reconcile runs one full pass: fetch the desired universe, keep existing
// placements, greedily place orphans on the least-loaded agents, dispatch
// bounded batches through the command queue.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	desired, err := r.universe.ActiveSymbols(ctx)
	if err != nil {
		return err
	}

	online, err := r.agents.ListOnline(ctx)
	if err != nil {
		return err
	}
	if len(online) == 0 {
		if len(desired) > 0 {
			r.logger.WithField("symbols", len(desired)).Warn("No online agents, symbol universe is unserved")
		}
		return nil
	}

	plan := ComputePlan(desired, online, r.config.MaxSymbolsPerAgent)

	if len(plan.Unassigned) > 0 {
		// Degraded but not fatal: the fleet is out of capacity. These
		// symbols stay unassigned and are retried next pass.
		r.logger.WithFields(logrus.Fields{
			"unassigned": len(plan.Unassigned),
			"agents":     len(online),
		}).Warn("Insufficient fleet capacity, symbols left unassigned")
	}

	for _, agent := range online {
		additions := plan.Additions[agent.Address()]
		if len(additions) == 0 {
			continue
		}
		r.assignToAgent(ctx, agent, additions)
	}

	return nil
}

// Plan is one pass's computed set of additions. Only its effects are
// persisted, via commands; the plan itself is ephemeral.
type Plan struct {
	// Additions maps agent address to the ordered symbols it should gain.
	Additions map[string][]string
	// Unassigned lists symbols no agent had capacity for.
	Unassigned []string
}

// ComputePlan partitions the desired universe into already-placed symbols
// (untouched) and orphans, then assigns each orphan to the least-loaded
// online agent with spare capacity. Load is assignedCount/max; ties break by
// registration order, which is the order of the agents slice.
func ComputePlan(desired []string, online []*models.Agent, maxSymbolsPerAgent int) *Plan {
	plan := &Plan{Additions: make(map[string][]string)}

	placed := make(map[string]struct{})
	loads := make([]int, len(online))
	for i, agent := range online {
		loads[i] = len(agent.AssignedSymbols)
		for _, symbol := range agent.AssignedSymbols {
			placed[symbol] = struct{}{}
		}
	}

	for _, symbol := range desired {
		if _, ok := placed[symbol]; ok {
			continue
		}

		best := -1
		var bestRatio float64
		for i := range online {
			if loads[i] >= maxSymbolsPerAgent {
				continue
			}
			ratio := float64(loads[i]) / float64(maxSymbolsPerAgent)
			if best == -1 || ratio < bestRatio {
				best = i
				bestRatio = ratio
			}
		}

		if best == -1 {
			plan.Unassigned = append(plan.Unassigned, symbol)
			continue
		}

		address := online[best].Address()
		plan.Additions[address] = append(plan.Additions[address], symbol)
		loads[best]++
		placed[symbol] = struct{}{}
	}

	return plan
}

// assignToAgent dispatches one agent's additions in bounded batches so a
// single command never monopolizes the queue. Before dispatch the additions
// are filtered against the agent's real live-connection list, not just the
// persisted record: a symbol with a genuine open stream is never
// resubscribed.
func (r *Reconciler) assignToAgent(ctx context.Context, agent *models.Agent, additions []string) {
	live := r.liveSymbols(ctx, agent)

	toDispatch := make([]string, 0, len(additions))
	alreadyLive := make([]string, 0)
	for _, symbol := range additions {
		if _, ok := live[symbol]; ok {
			alreadyLive = append(alreadyLive, symbol)
			continue
		}
		toDispatch = append(toDispatch, symbol)
	}

	// Symbols that are already streaming just need their assignment record
	// brought in line; no agent call is involved.
	if len(alreadyLive) > 0 {
		current := r.registry.Get(agent.Address())
		if current != nil {
			merged := mergeSymbols(current.AssignedSymbols, alreadyLive)
			// SetAssignment refuses if the agent went offline while we were
			// reading its live connections; the cleared record stands.
			if r.registry.SetAssignment(agent.Address(), merged, current.ConnectionCount) {
				if err := r.agents.UpdateAssignment(ctx, agent.IP, agent.CommandPort, merged, current.ConnectionCount); err != nil {
					r.logger.WithError(err).WithField("agent", agent.Address()).Warn("Failed to persist live-symbol adoption")
				}
			}
		}
	}

	assigned := 0
	for start := 0; start < len(toDispatch); start += r.config.BatchSize {
		end := start + r.config.BatchSize
		if end > len(toDispatch) {
			end = len(toDispatch)
		}
		batch := toDispatch[start:end]

		result, err := r.queue.Submit(ctx, &Command{
			Type:    CommandAssignSymbols,
			Agent:   agent.Address(),
			Symbols: batch,
		})
		if err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"agent": agent.Address(),
				"batch": len(batch),
			}).Warn("Assignment batch failed, symbols retried next pass")
			continue
		}

		for _, outcome := range result.Response.Results {
			if outcome.AddedCount > 0 || outcome.SkippedCount > 0 {
				assigned++
			}
		}
	}

	if assigned > 0 || len(alreadyLive) > 0 {
		r.logger.WithFields(logrus.Fields{
			"agent":    agent.Address(),
			"assigned": assigned,
			"adopted":  len(alreadyLive),
		}).Info("Assignment pass for agent complete")
	}
}

// liveSymbols reads the agent's actual open streams. On error it returns an
// empty set: filtering is an optimization and AddStream is idempotent
// agent-side, so over-dispatching is safe.
func (r *Reconciler) liveSymbols(ctx context.Context, agent *models.Agent) map[string]struct{} {
	client := r.clients(agent)
	status, err := client.GetStatus(ctx)
	if err != nil {
		r.logger.WithError(err).WithField("agent", agent.Address()).Debug("Could not read live connections before dispatch")
		return map[string]struct{}{}
	}

	live := make(map[string]struct{}, len(status.Symbols))
	for _, symbol := range status.Symbols {
		live[symbol] = struct{}{}
	}
	return live
}
