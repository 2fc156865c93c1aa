package models

import "time"

// RegisterRequest is sent by an agent to the manager at startup and on every
// heartbeat tick. Re-registering an already-known agent refreshes its
// heartbeat and clears its error state.
type RegisterRequest struct {
	IP           string         `json:"ip" binding:"required"`
	Port         int            `json:"port" binding:"required"`
	LivenessPort int            `json:"liveness_port"`
	Stats        *ResourceStats `json:"stats,omitempty"`
}

// ResourceStats carries host-level resource usage alongside a heartbeat.
type ResourceStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
}

// RegisterResponse acknowledges an agent registration.
type RegisterResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// AddSymbolsRequest asks an agent to open streams for the listed symbols
// across all of its configured intervals.
type AddSymbolsRequest struct {
	Symbols []string `json:"symbols" binding:"required"`
}

// SymbolResult reports the per-symbol outcome of an assignment batch. A batch
// never fails atomically: some symbols may subscribe, some may be skipped
// because a live stream already exists, some may fail outright.
type SymbolResult struct {
	Symbol       string `json:"symbol"`
	AddedCount   int    `json:"added_count"`
	FailedCount  int    `json:"failed_count"`
	SkippedCount int    `json:"skipped_count"`
	Error        string `json:"error,omitempty"`
}

// AddSymbolsResponse is the agent's reply to an assignment batch.
type AddSymbolsResponse struct {
	Status        string         `json:"status"`
	Results       []SymbolResult `json:"results"`
	CurrentStatus StatusResponse `json:"current_status"`
}

// RemoveStreamRequest closes one (symbol, interval) stream on an agent.
type RemoveStreamRequest struct {
	Symbol   string `json:"symbol" binding:"required"`
	Interval string `json:"interval" binding:"required"`
}

// RemoveStreamResponse acknowledges a stream removal.
type RemoveStreamResponse struct {
	Status  string `json:"status"`
	Removed bool   `json:"removed"`
}

// StatusResponse is the agent's connection summary.
type StatusResponse struct {
	Status          string   `json:"status"`
	ConnectionCount int      `json:"connection_count"`
	Symbols         []string `json:"symbols"`
}

// ConnectionInfo describes one live stream handle.
type ConnectionInfo struct {
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`
}

// ListConnectionsResponse enumerates an agent's stream handles.
type ListConnectionsResponse struct {
	Connections []ConnectionInfo `json:"connections"`
}

// SymbolsResponse lists the distinct symbols an agent currently holds.
type SymbolsResponse struct {
	Symbols []string `json:"symbols"`
	Count   int      `json:"count"`
}

// PingResponse is the liveness probe reply.
type PingResponse struct {
	Status string `json:"status"`
}
