package services

import (
	"sort"
	"sync"
	"time"

	"github.com/klinefleet/klinefleet/internal/models"
)

// Registry is the manager's in-memory table of known agents, keyed by
// "ip:port". It is mutated only by the command queue worker and the health
// checker; HTTP handlers read copies. A plain mutex stands in for the
// single-writer discipline the design calls for: both writers are single
// long-lived goroutines, so contention is negligible, and copies returned
// from reads keep handlers from aliasing live state.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]*models.Agent),
	}
}

// Get returns a copy of the agent record, or nil if unknown.
func (r *Registry) Get(address string) *models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[address]
	if !ok {
		return nil
	}
	return copyAgent(agent)
}

// Snapshot returns copies of every known agent in registration order.
func (r *Registry) Snapshot() []*models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*models.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, copyAgent(agent))
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].RegisteredAt.Equal(agents[j].RegisteredAt) {
			return agents[i].Address() < agents[j].Address()
		}
		return agents[i].RegisteredAt.Before(agents[j].RegisteredAt)
	})
	return agents
}

// Register records a new agent or refreshes an existing one. Re-registration
// refreshes the heartbeat, flips the agent online and clears its error state;
// the historical assignment is kept so a restarted agent can be handed its
// old symbols back. Returns a copy of the stored record and whether the agent
// is new.
func (r *Registry) Register(ip string, commandPort, livenessPort int) (*models.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	address := (&models.Agent{IP: ip, CommandPort: commandPort}).Address()

	agent, exists := r.agents[address]
	if !exists {
		agent = &models.Agent{
			IP:              ip,
			CommandPort:     commandPort,
			LivenessPort:    livenessPort,
			Status:          models.AgentStatusOnline,
			AssignedSymbols: []string{},
			RegisteredAt:    now,
		}
		r.agents[address] = agent
	}

	if livenessPort > 0 {
		agent.LivenessPort = livenessPort
	}
	agent.Status = models.AgentStatusOnline
	agent.LastHeartbeat = &now
	agent.LastError = ""

	return copyAgent(agent), !exists
}

// SetAssignment replaces the agent's authoritative symbol set and observed
// connection count. It refuses unless the agent is still online: a writer
// that read the record, suspended on a network call and resumed must not
// resurrect symbols onto a record the health checker cleared in between.
// Returns whether the assignment was applied.
func (r *Registry) SetAssignment(address string, symbols []string, connectionCount int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[address]
	if !ok || agent.Status != models.AgentStatusOnline {
		return false
	}
	agent.AssignedSymbols = append([]string(nil), symbols...)
	agent.ConnectionCount = connectionCount
	return true
}

// MarkOffline transitions the agent offline, clearing its assignment so the
// reconciler can hand the symbols to someone else.
func (r *Registry) MarkOffline(address, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[address]
	if !ok {
		return
	}
	agent.Status = models.AgentStatusOffline
	agent.AssignedSymbols = []string{}
	agent.ConnectionCount = 0
	agent.LastError = reason
}

// MarkOnline flips a recovered agent back online without touching its
// (already cleared) assignment.
func (r *Registry) MarkOnline(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[address]
	if !ok {
		return
	}
	now := time.Now().UTC()
	agent.Status = models.AgentStatusOnline
	agent.LastHeartbeat = &now
	agent.LastError = ""
}

// RecordError stores the most recent failure message for the agent.
func (r *Registry) RecordError(address, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[address]
	if !ok {
		return
	}
	agent.LastError = message
}

// Load seeds the registry from persisted agent records at startup.
func (r *Registry) Load(agents []*models.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, agent := range agents {
		r.agents[agent.Address()] = copyAgent(agent)
	}
}

func copyAgent(agent *models.Agent) *models.Agent {
	clone := *agent
	clone.AssignedSymbols = append([]string(nil), agent.AssignedSymbols...)
	if agent.LastHeartbeat != nil {
		hb := *agent.LastHeartbeat
		clone.LastHeartbeat = &hb
	}
	return &clone
}
