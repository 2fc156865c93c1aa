package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/klinefleet/klinefleet/internal/models"
)

// DatabasePool defines the interface for database pool operations.
// This interface allows for both real pool and mock pool implementations.
type DatabasePool interface {
	// QueryRow executes a query that is expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	// Exec executes a query without returning any rows.
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	// Query executes a query that returns rows.
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	// SendBatch sends a batch of queries in a single round trip.
	SendBatch(ctx context.Context, batch *pgx.Batch) pgx.BatchResults
}

// AgentStore is the durable record of each agent's assignment and counters.
// One row per agent keyed by (ip, port). The command queue writes through it
// after every successful mutation; the reconciler reads it to recover each
// online agent's assignment.
type AgentStore struct {
	pool DatabasePool
}

// NewAgentStore creates a new agent store.
func NewAgentStore(pool DatabasePool) *AgentStore {
	return &AgentStore{pool: pool}
}

// Upsert writes the agent's full record, creating the row on first
// registration. Registration is idempotent: a re-register refreshes the
// heartbeat and clears the error log.
func (s *AgentStore) Upsert(ctx context.Context, agent *models.Agent) error {
	query := `
		INSERT INTO agents (ip, port, liveness_port, status, connection_count, assigned_symbol_count, assigned_symbols, error_log, last_heartbeat, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (ip, port)
		DO UPDATE SET
			liveness_port = EXCLUDED.liveness_port,
			status = EXCLUDED.status,
			connection_count = EXCLUDED.connection_count,
			assigned_symbol_count = EXCLUDED.assigned_symbol_count,
			assigned_symbols = EXCLUDED.assigned_symbols,
			error_log = EXCLUDED.error_log,
			last_heartbeat = EXCLUDED.last_heartbeat`

	_, err := s.pool.Exec(ctx, query,
		agent.IP, agent.CommandPort, agent.LivenessPort, string(agent.Status),
		agent.ConnectionCount, len(agent.AssignedSymbols), agent.AssignedSymbols,
		agent.LastError, agent.LastHeartbeat, agent.RegisteredAt)
	if err != nil {
		return fmt.Errorf("failed to upsert agent %s: %w", agent.Address(), err)
	}
	return nil
}

// Get loads one agent's record by identity.
func (s *AgentStore) Get(ctx context.Context, ip string, port int) (*models.Agent, error) {
	query := `
		SELECT ip, port, liveness_port, status, connection_count, assigned_symbols, error_log, last_heartbeat, registered_at
		FROM agents
		WHERE ip = $1 AND port = $2`

	agent, err := scanAgent(s.pool.QueryRow(ctx, query, ip, port))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get agent %s:%d: %w", ip, port, err)
	}
	return agent, nil
}

// ListOnline returns every agent currently marked online, in registration
// order. Registration order is the reconciler's deterministic tie-break.
func (s *AgentStore) ListOnline(ctx context.Context) ([]*models.Agent, error) {
	return s.list(ctx, `
		SELECT ip, port, liveness_port, status, connection_count, assigned_symbols, error_log, last_heartbeat, registered_at
		FROM agents
		WHERE status = 'online'
		ORDER BY registered_at, ip, port`)
}

// ListAll returns every known agent, in registration order.
func (s *AgentStore) ListAll(ctx context.Context) ([]*models.Agent, error) {
	return s.list(ctx, `
		SELECT ip, port, liveness_port, status, connection_count, assigned_symbols, error_log, last_heartbeat, registered_at
		FROM agents
		ORDER BY registered_at, ip, port`)
}

func (s *AgentStore) list(ctx context.Context, query string) ([]*models.Agent, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent row: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAssignment persists the authoritative symbol set and observed
// connection count after a successful assignment command.
func (s *AgentStore) UpdateAssignment(ctx context.Context, ip string, port int, symbols []string, connectionCount int) error {
	query := `
		UPDATE agents
		SET assigned_symbols = $3, assigned_symbol_count = $4, connection_count = $5
		WHERE ip = $1 AND port = $2`

	_, err := s.pool.Exec(ctx, query, ip, port, symbols, len(symbols), connectionCount)
	if err != nil {
		return fmt.Errorf("failed to update assignment for %s:%d: %w", ip, port, err)
	}
	return nil
}

// MarkOffline clears the agent's assignment so its symbols become eligible
// for reassignment on the next reconciliation pass.
func (s *AgentStore) MarkOffline(ctx context.Context, ip string, port int, reason string) error {
	query := `
		UPDATE agents
		SET status = 'offline', assigned_symbols = '{}', assigned_symbol_count = 0, connection_count = 0, error_log = $3
		WHERE ip = $1 AND port = $2`

	errorLog := fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), reason)
	_, err := s.pool.Exec(ctx, query, ip, port, errorLog)
	if err != nil {
		return fmt.Errorf("failed to mark agent %s:%d offline: %w", ip, port, err)
	}
	return nil
}

// RecordError stores the most recent failure against the agent without
// changing its status or assignment.
func (s *AgentStore) RecordError(ctx context.Context, ip string, port int, message string) error {
	query := `UPDATE agents SET error_log = $3 WHERE ip = $1 AND port = $2`

	errorLog := fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), message)
	_, err := s.pool.Exec(ctx, query, ip, port, errorLog)
	if err != nil {
		return fmt.Errorf("failed to record error for %s:%d: %w", ip, port, err)
	}
	return nil
}

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var agent models.Agent
	var status string
	err := row.Scan(&agent.IP, &agent.CommandPort, &agent.LivenessPort, &status,
		&agent.ConnectionCount, &agent.AssignedSymbols, &agent.LastError,
		&agent.LastHeartbeat, &agent.RegisteredAt)
	if err != nil {
		return nil, err
	}
	agent.Status = models.AgentStatus(status)
	return &agent, nil
}
