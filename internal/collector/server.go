package collector

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klinefleet/klinefleet/internal/models"
	"github.com/sirupsen/logrus"
)

// Server exposes the connection manager over two independent listeners: a
// command surface that may block for the duration of a subscription batch,
// and a liveness surface that must answer immediately regardless of command
// load, so a slow batch assignment never makes this agent look dead to the
// manager's health checker.
type Server struct {
	manager *ConnectionManager
	logger  *logrus.Logger

	commandPort  int
	livenessPort int

	commandSrv  *http.Server
	livenessSrv *http.Server
}

// NewServer creates the dual-listener server.
func NewServer(manager *ConnectionManager, commandPort, livenessPort int, logger *logrus.Logger) *Server {
	return &Server{
		manager:      manager,
		logger:       logger,
		commandPort:  commandPort,
		livenessPort: livenessPort,
	}
}

// Start binds both listeners. A bind failure on either is fatal for the
// agent: without both surfaces it can neither take commands nor prove
// liveness.
func (s *Server) Start() error {
	commandListener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.commandPort))
	if err != nil {
		return fmt.Errorf("failed to bind command listener on :%d: %w", s.commandPort, err)
	}
	livenessListener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.livenessPort))
	if err != nil {
		_ = commandListener.Close()
		return fmt.Errorf("failed to bind liveness listener on :%d: %w", s.livenessPort, err)
	}

	s.commandSrv = &http.Server{Handler: s.commandRouter()}
	s.livenessSrv = &http.Server{Handler: s.livenessRouter()}

	go func() {
		if err := s.commandSrv.Serve(commandListener); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Command server stopped unexpectedly")
		}
	}()
	go func() {
		if err := s.livenessSrv.Serve(livenessListener); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Liveness server stopped unexpectedly")
		}
	}()

	s.logger.WithFields(logrus.Fields{
		"command_port":  s.commandPort,
		"liveness_port": s.livenessPort,
	}).Info("Agent servers listening")
	return nil
}

// Stop shuts both listeners down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if s.commandSrv != nil {
		if err := s.commandSrv.Shutdown(ctx); err != nil {
			s.logger.WithError(err).Warn("Command server shutdown failed")
		}
	}
	if s.livenessSrv != nil {
		if err := s.livenessSrv.Shutdown(ctx); err != nil {
			s.logger.WithError(err).Warn("Liveness server shutdown failed")
		}
	}
}

func (s *Server) commandRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/symbols/add", s.handleAddSymbols)
	router.POST("/streams/remove", s.handleRemoveStream)
	router.GET("/status", s.handleStatus)
	router.GET("/connections/list", s.handleListConnections)
	router.GET("/symbols", s.handleSymbols)

	return router
}

func (s *Server) livenessRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, models.PingResponse{Status: "ok"})
	})

	return router
}

// handleAddSymbols processes one assignment batch. Partial success is
// expected: outcomes are reported per symbol, and the response always
// includes the agent's resulting connection status.
func (s *Server) handleAddSymbols(c *gin.Context) {
	var req models.AddSymbolsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start := time.Now()
	results := make([]models.SymbolResult, 0, len(req.Symbols))
	for _, symbol := range req.Symbols {
		results = append(results, s.manager.AddSymbolStreams(symbol))
	}

	s.logger.WithFields(logrus.Fields{
		"symbols":  len(req.Symbols),
		"duration": time.Since(start).String(),
	}).Info("Processed assignment batch")

	c.JSON(http.StatusOK, models.AddSymbolsResponse{
		Status:        "ok",
		Results:       results,
		CurrentStatus: s.manager.GetConnectionStatus(),
	})
}

func (s *Server) handleRemoveStream(c *gin.Context) {
	var req models.RemoveStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	removed := s.manager.RemoveStream(req.Symbol, req.Interval)
	c.JSON(http.StatusOK, models.RemoveStreamResponse{Status: "ok", Removed: removed})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.GetConnectionStatus())
}

func (s *Server) handleListConnections(c *gin.Context) {
	c.JSON(http.StatusOK, models.ListConnectionsResponse{
		Connections: s.manager.Connections(),
	})
}

func (s *Server) handleSymbols(c *gin.Context) {
	symbols := s.manager.Symbols()
	c.JSON(http.StatusOK, models.SymbolsResponse{
		Symbols: symbols,
		Count:   len(symbols),
	})
}
