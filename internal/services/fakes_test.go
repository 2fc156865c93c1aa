package services

import (
	"context"
	"io"

	"github.com/klinefleet/klinefleet/internal/agentapi"
	"github.com/klinefleet/klinefleet/internal/models"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/sirupsen/logrus"
)

// anyArgs builds a mock argument list of n wildcards, for statements whose
// exact values (timestamps, generated error strings) are not what the test
// is asserting.
func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

// fakeAgentClient lets each test script the agent's HTTP surface with
// function fields; unset fields answer with benign defaults.
type fakeAgentClient struct {
	addSymbols   func(ctx context.Context, symbols []string) (*models.AddSymbolsResponse, error)
	removeStream func(ctx context.Context, symbol, interval string) (*models.RemoveStreamResponse, error)
	getStatus    func(ctx context.Context) (*models.StatusResponse, error)
	ping         func(ctx context.Context) error
}

func (f *fakeAgentClient) AddSymbols(ctx context.Context, symbols []string) (*models.AddSymbolsResponse, error) {
	if f.addSymbols != nil {
		return f.addSymbols(ctx, symbols)
	}
	return allAddedResponse(symbols), nil
}

func (f *fakeAgentClient) RemoveStream(ctx context.Context, symbol, interval string) (*models.RemoveStreamResponse, error) {
	if f.removeStream != nil {
		return f.removeStream(ctx, symbol, interval)
	}
	return &models.RemoveStreamResponse{Status: "ok", Removed: true}, nil
}

func (f *fakeAgentClient) GetStatus(ctx context.Context) (*models.StatusResponse, error) {
	if f.getStatus != nil {
		return f.getStatus(ctx)
	}
	return &models.StatusResponse{Status: "ok"}, nil
}

func (f *fakeAgentClient) ListConnections(ctx context.Context) (*models.ListConnectionsResponse, error) {
	return &models.ListConnectionsResponse{}, nil
}

func (f *fakeAgentClient) Ping(ctx context.Context) error {
	if f.ping != nil {
		return f.ping(ctx)
	}
	return nil
}

var _ agentapi.AgentClient = (*fakeAgentClient)(nil)

// allAddedResponse reports every requested symbol as fully subscribed.
func allAddedResponse(symbols []string) *models.AddSymbolsResponse {
	results := make([]models.SymbolResult, 0, len(symbols))
	for _, symbol := range symbols {
		results = append(results, models.SymbolResult{Symbol: symbol, AddedCount: 3})
	}
	return &models.AddSymbolsResponse{
		Status:  "ok",
		Results: results,
		CurrentStatus: models.StatusResponse{
			Status:          "ok",
			ConnectionCount: len(symbols) * 3,
			Symbols:         symbols,
		},
	}
}

// singleClientFactory routes every agent to the same fake.
func singleClientFactory(client agentapi.AgentClient) agentapi.ClientFactory {
	return func(agent *models.Agent) agentapi.AgentClient {
		return client
	}
}

// addressClientFactory routes by agent address, for multi-agent tests.
func addressClientFactory(clients map[string]agentapi.AgentClient) agentapi.ClientFactory {
	return func(agent *models.Agent) agentapi.AgentClient {
		if client, ok := clients[agent.Address()]; ok {
			return client
		}
		return &fakeAgentClient{}
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
