package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgent_Address(t *testing.T) {
	agent := &Agent{IP: "10.0.0.1", CommandPort: 9090}
	assert.Equal(t, "10.0.0.1:9090", agent.Address())
}

func TestAgent_HasSymbol(t *testing.T) {
	agent := &Agent{AssignedSymbols: []string{"BTCUSDT", "ETHUSDT"}}

	assert.True(t, agent.HasSymbol("BTCUSDT"))
	assert.False(t, agent.HasSymbol("SOLUSDT"))
	assert.False(t, (&Agent{}).HasSymbol("BTCUSDT"))
}

func TestAgent_LoadRatio(t *testing.T) {
	agent := &Agent{AssignedSymbols: []string{"BTCUSDT", "ETHUSDT"}}

	assert.InDelta(t, 0.02, agent.LoadRatio(100), 1e-9)
	assert.InDelta(t, 1.0, agent.LoadRatio(2), 1e-9)
	// Zero capacity counts as fully loaded, never a divide by zero.
	assert.InDelta(t, 1.0, agent.LoadRatio(0), 1e-9)
}
