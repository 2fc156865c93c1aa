package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klinefleet/klinefleet/internal/agentapi"
	"github.com/klinefleet/klinefleet/internal/models"
	"github.com/klinefleet/klinefleet/internal/services"
	"github.com/klinefleet/klinefleet/internal/store"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouterFixture(t *testing.T) (*gin.Engine, *services.Registry, pgxmock.PgxPoolIface) {
	t.Helper()

	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	mockPool.MatchExpectationsInOrder(false)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registry := services.NewRegistry()
	clients := agentapi.ClientFactory(func(agent *models.Agent) agentapi.AgentClient {
		return agentapi.NewClient(agent.IP, agent.CommandPort, agent.LivenessPort, time.Second, time.Second)
	})
	queue := services.NewCommandQueue(registry, store.NewAgentStore(mockPool), clients,
		16, time.Second, 2*time.Second, logger)
	queue.Start()
	t.Cleanup(queue.Stop)

	router := gin.New()
	SetupRoutes(router, queue, registry, nil, nil)
	return router, registry, mockPool
}

// expectRegisterUpsert matches the agent upsert issued by a registration
// command; timestamps and the symbol array are wildcards.
func expectRegisterUpsert(mockPool pgxmock.PgxPoolIface) {
	mockPool.ExpectExec("INSERT INTO agents").
		WithArgs("10.0.0.1", 9090, 9091, "online", 0, 0,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

func TestRegisterAgent(t *testing.T) {
	router, registry, mockPool := newRouterFixture(t)
	expectRegisterUpsert(mockPool)

	body, _ := json.Marshal(models.RegisterRequest{IP: "10.0.0.1", Port: 9090, LivenessPort: 9091})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response models.RegisterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response.Status)

	agent := registry.Get("10.0.0.1:9090")
	require.NotNil(t, agent)
	assert.Equal(t, models.AgentStatusOnline, agent.Status)
}

func TestRegisterAgent_MissingFields(t *testing.T) {
	router, _, _ := newRouterFixture(t)

	body, _ := json.Marshal(map[string]any{"liveness_port": 9091})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterAgent_Heartbeat(t *testing.T) {
	router, registry, mockPool := newRouterFixture(t)
	expectRegisterUpsert(mockPool)
	expectRegisterUpsert(mockPool)

	body, _ := json.Marshal(models.RegisterRequest{IP: "10.0.0.1", Port: 9090, LivenessPort: 9091})
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}

	// A repeat registration is a heartbeat, not a duplicate agent.
	assert.Len(t, registry.Snapshot(), 1)
}

func TestListAgents(t *testing.T) {
	router, registry, _ := newRouterFixture(t)

	registry.Register("10.0.0.1", 9090, 9091)
	registry.Register("10.0.0.2", 9090, 9091)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agents", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var response AgentsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, 2, response.Count)
	require.Len(t, response.Agents, 2)
}
