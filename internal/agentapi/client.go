// Package agentapi is the manager-side HTTP client for one data agent. The
// command surface (port) and the liveness surface (liveness port) are served
// by separate listeners on the agent, so Ping stays fast even while the agent
// is grinding through a subscription batch.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klinefleet/klinefleet/internal/models"
)

// Client talks to a single agent process.
type Client struct {
	HTTPClient   *http.Client
	commandURL   string
	livenessURL  string
	probeTimeout time.Duration
}

// NewClient creates a client for the agent at ip with the given command and
// liveness ports.
func NewClient(ip string, commandPort, livenessPort int, commandTimeout, probeTimeout time.Duration) *Client {
	if commandTimeout <= 0 {
		commandTimeout = 60 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 15 * time.Second
	}
	return &Client{
		HTTPClient: &http.Client{
			Timeout: commandTimeout,
		},
		commandURL:   fmt.Sprintf("http://%s:%d", ip, commandPort),
		livenessURL:  fmt.Sprintf("http://%s:%d", ip, livenessPort),
		probeTimeout: probeTimeout,
	}
}

// AddSymbols asks the agent to open streams for the listed symbols across all
// of its configured intervals. This call can legitimately block for the
// duration of the subscription batch.
func (c *Client) AddSymbols(ctx context.Context, symbols []string) (*models.AddSymbolsResponse, error) {
	var response models.AddSymbolsResponse
	err := c.makeRequest(ctx, http.MethodPost, c.commandURL+"/symbols/add",
		&models.AddSymbolsRequest{Symbols: symbols}, &response)
	if err != nil {
		return nil, err
	}
	return &response, nil
}

// RemoveStream closes one (symbol, interval) stream on the agent.
func (c *Client) RemoveStream(ctx context.Context, symbol, interval string) (*models.RemoveStreamResponse, error) {
	var response models.RemoveStreamResponse
	err := c.makeRequest(ctx, http.MethodPost, c.commandURL+"/streams/remove",
		&models.RemoveStreamRequest{Symbol: symbol, Interval: interval}, &response)
	if err != nil {
		return nil, err
	}
	return &response, nil
}

// GetStatus reads the agent's connection summary, including its real live
// symbol list. Read-only: bypasses the command queue.
func (c *Client) GetStatus(ctx context.Context) (*models.StatusResponse, error) {
	var response models.StatusResponse
	err := c.makeRequest(ctx, http.MethodGet, c.commandURL+"/status", nil, &response)
	if err != nil {
		return nil, err
	}
	return &response, nil
}

// ListConnections enumerates the agent's stream handles.
func (c *Client) ListConnections(ctx context.Context) (*models.ListConnectionsResponse, error) {
	var response models.ListConnectionsResponse
	err := c.makeRequest(ctx, http.MethodGet, c.commandURL+"/connections/list", nil, &response)
	if err != nil {
		return nil, err
	}
	return &response, nil
}

// Ping probes the agent's liveness listener with its own short timeout,
// independent of the command timeout.
func (c *Client) Ping(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.livenessURL+"/ping", nil)
	if err != nil {
		return fmt.Errorf("failed to create ping request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping returned status %d", resp.StatusCode)
	}
	return nil
}

// makeRequest is a helper method to make HTTP requests to the agent.
func (c *Client) makeRequest(ctx context.Context, method, url string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("agent error (%d): %s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
