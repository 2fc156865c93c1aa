package agentapi

import (
	"context"

	"github.com/klinefleet/klinefleet/internal/models"
)

// AgentClient is the manager's view of one agent's HTTP surfaces. Declared as
// an interface so the command queue, health checker and reconciler can be
// tested against fakes.
type AgentClient interface {
	AddSymbols(ctx context.Context, symbols []string) (*models.AddSymbolsResponse, error)
	RemoveStream(ctx context.Context, symbol, interval string) (*models.RemoveStreamResponse, error)
	GetStatus(ctx context.Context) (*models.StatusResponse, error)
	ListConnections(ctx context.Context) (*models.ListConnectionsResponse, error)
	Ping(ctx context.Context) error
}

// ClientFactory builds a client for the given agent record.
type ClientFactory func(agent *models.Agent) AgentClient

var _ AgentClient = (*Client)(nil)
