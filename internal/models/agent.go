package models

import (
	"fmt"
	"time"
)

// AgentStatus is the manager-observed lifecycle state of a data agent.
type AgentStatus string

const (
	AgentStatusUnknown AgentStatus = "unknown"
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
)

// Agent is the manager's record of one collector process. Identity is
// (IP, CommandPort); agents are never deleted in steady state, only marked
// offline, so a restarted agent can pick its old assignment back up.
type Agent struct {
	IP              string      `json:"ip" db:"ip"`
	CommandPort     int         `json:"port" db:"port"`
	LivenessPort    int         `json:"liveness_port" db:"liveness_port"`
	Status          AgentStatus `json:"status" db:"status"`
	ConnectionCount int         `json:"connection_count" db:"connection_count"`
	AssignedSymbols []string    `json:"assigned_symbols" db:"assigned_symbols"`
	LastHeartbeat   *time.Time  `json:"last_heartbeat" db:"last_heartbeat"`
	RegisteredAt    time.Time   `json:"registered_at" db:"registered_at"`
	LastError       string      `json:"last_error" db:"error_log"`
}

// Address returns the agent's identity key ("ip:port").
func (a *Agent) Address() string {
	return fmt.Sprintf("%s:%d", a.IP, a.CommandPort)
}

// HasSymbol reports whether the given symbol is part of the agent's
// authoritative assignment.
func (a *Agent) HasSymbol(symbol string) bool {
	for _, s := range a.AssignedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// LoadRatio is the agent's assignment pressure relative to capacity, used by
// the reconciler's least-loaded placement.
func (a *Agent) LoadRatio(maxSymbols int) float64 {
	if maxSymbols <= 0 {
		return 1.0
	}
	return float64(len(a.AssignedSymbols)) / float64(maxSymbols)
}
