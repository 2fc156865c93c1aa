package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klinefleet/klinefleet/internal/database"
	"github.com/klinefleet/klinefleet/internal/models"
	"github.com/klinefleet/klinefleet/internal/services"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Services  Services  `json:"services"`
}

type Services struct {
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

type AgentsResponse struct {
	Agents []*models.Agent `json:"agents"`
	Count  int             `json:"count"`
}

// SetupRoutes wires the manager's HTTP surface: agent registration and
// heartbeats, fleet introspection, and a health check.
func SetupRoutes(router *gin.Engine, queue *services.CommandQueue, registry *services.Registry,
	db *database.PostgresDB, redis *database.RedisClient) {
	router.GET("/health", healthCheck(db, redis))
	router.POST("/register", registerAgent(queue))
	router.GET("/agents", listAgents(registry))
}

// registerAgent handles both first registration and heartbeats: the call is
// idempotent, and a re-register refreshes the heartbeat and clears the
// agent's error state. It is routed through the command queue because it
// mutates the agent record.
func registerAgent(queue *services.CommandQueue) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.RegisterResponse{
				Status:  "error",
				Message: err.Error(),
			})
			return
		}

		if _, err := queue.Submit(c.Request.Context(), &services.Command{
			Type:     services.CommandRegister,
			Agent:    req.IP,
			Register: &req,
		}); err != nil {
			c.JSON(http.StatusInternalServerError, models.RegisterResponse{
				Status:  "error",
				Message: err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, models.RegisterResponse{Status: "ok"})
	}
}

func listAgents(registry *services.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		agents := registry.Snapshot()
		c.JSON(http.StatusOK, AgentsResponse{
			Agents: agents,
			Count:  len(agents),
		})
	}
}

func healthCheck(db *database.PostgresDB, redis *database.RedisClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		response := HealthResponse{
			Status:    "ok",
			Timestamp: time.Now(),
			Services: Services{
				Database: "ok",
				Redis:    "ok",
			},
		}

		if err := db.HealthCheck(c.Request.Context()); err != nil {
			response.Services.Database = "error"
			response.Status = "degraded"
		}

		if err := redis.HealthCheck(c.Request.Context()); err != nil {
			response.Services.Redis = "error"
			response.Status = "degraded"
		}

		statusCode := http.StatusOK
		if response.Status == "degraded" {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, response)
	}
}
