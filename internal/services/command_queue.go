package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klinefleet/klinefleet/internal/agentapi"
	"github.com/klinefleet/klinefleet/internal/models"
	"github.com/klinefleet/klinefleet/internal/store"
	"github.com/sirupsen/logrus"
)

// CommandType identifies a mutating operation routed through the queue.
// Read-only operations (status refresh, liveness probes) never enter the
// queue; they run concurrently and cannot be starved by assignment backlog.
type CommandType string

const (
	CommandAssignSymbols CommandType = "assign_symbols"
	CommandRegister      CommandType = "register"
)

// Command is one queued mutation against a single agent.
type Command struct {
	ID      uuid.UUID
	Type    CommandType
	Agent   string // registry address "ip:port"
	Symbols []string

	// Register payload, set only for CommandRegister.
	Register *models.RegisterRequest

	result chan *CommandResult
}

// CommandResult is published to the submitter only after every side effect of
// the command, including the persistent store write, has completed.
type CommandResult struct {
	Command  *Command
	Agent    *models.Agent
	Response *models.AddSymbolsResponse
	Err      error
}

// ErrSubmitTimeout is returned when the caller's submission timeout elapses
// before the queue publishes a result. The command may still execute; the
// caller must treat its effect as unknown until the next status read.
var ErrSubmitTimeout = errors.New("command submission timed out")

// CommandQueue serializes every assignment-mutating command to every agent
// through a single worker, so two commands can never race on an agent's
// assigned-symbol set. Sharding per agent would keep a per-agent ordering
// guarantee if fleet size ever demands it.
type CommandQueue struct {
	registry *Registry
	agents   *store.AgentStore
	clients  agentapi.ClientFactory
	logger   *logrus.Logger

	commands      chan *Command
	execTimeout   time.Duration
	submitTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCommandQueue creates the queue. submitTimeout must exceed execTimeout so
// a slow command fails inside the worker, where it is recorded against the
// agent, rather than at the submitter.
func NewCommandQueue(registry *Registry, agents *store.AgentStore, clients agentapi.ClientFactory,
	queueSize int, execTimeout, submitTimeout time.Duration, logger *logrus.Logger) *CommandQueue {
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		registry:      registry,
		agents:        agents,
		clients:       clients,
		logger:        logger,
		commands:      make(chan *Command, queueSize),
		execTimeout:   execTimeout,
		submitTimeout: submitTimeout,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// Start launches the single worker goroutine.
func (q *CommandQueue) Start() {
	go q.worker()
	q.logger.Info("Command queue started")
}

// Stop drains nothing: in-flight work finishes, queued work is abandoned.
func (q *CommandQueue) Stop() {
	q.cancel()
	<-q.done
	q.logger.Info("Command queue stopped")
}

// Submit enqueues a command and blocks until the worker publishes its result
// or the submission timeout fires. A timeout here never blocks the worker.
func (q *CommandQueue) Submit(ctx context.Context, cmd *Command) (*CommandResult, error) {
	cmd.ID = uuid.New()
	cmd.result = make(chan *CommandResult, 1)

	timer := time.NewTimer(q.submitTimeout)
	defer timer.Stop()

	select {
	case q.commands <- cmd:
	case <-timer.C:
		return nil, fmt.Errorf("enqueue command %s for %s: %w", cmd.Type, cmd.Agent, ErrSubmitTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.ctx.Done():
		return nil, errors.New("command queue is stopped")
	}

	select {
	case result := <-cmd.result:
		return result, result.Err
	case <-timer.C:
		return nil, fmt.Errorf("await command %s for %s: %w", cmd.Type, cmd.Agent, ErrSubmitTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// worker is the queue processor: dequeue, execute to completion (including
// the store write), publish, advance. An individual command failing or timing
// out never stalls the loop.
func (q *CommandQueue) worker() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case cmd := <-q.commands:
			result := q.execute(cmd)
			// Buffered channel: an abandoned submitter cannot block the worker.
			cmd.result <- result
		}
	}
}

func (q *CommandQueue) execute(cmd *Command) *CommandResult {
	execCtx, cancel := context.WithTimeout(q.ctx, q.execTimeout)
	defer cancel()

	start := time.Now()
	var result *CommandResult
	switch cmd.Type {
	case CommandRegister:
		result = q.executeRegister(execCtx, cmd)
	case CommandAssignSymbols:
		result = q.executeAssign(execCtx, cmd)
	default:
		result = &CommandResult{Command: cmd, Err: fmt.Errorf("unknown command type %q", cmd.Type)}
	}

	entry := q.logger.WithFields(logrus.Fields{
		"command_id": cmd.ID,
		"type":       cmd.Type,
		"agent":      cmd.Agent,
		"duration":   time.Since(start).String(),
	})
	if result.Err != nil {
		entry.WithError(result.Err).Warn("Command failed")
	} else {
		entry.Debug("Command executed")
	}
	return result
}

// executeRegister creates or refreshes the agent record and persists it.
func (q *CommandQueue) executeRegister(ctx context.Context, cmd *Command) *CommandResult {
	req := cmd.Register
	if req == nil {
		return &CommandResult{Command: cmd, Err: errors.New("register command without payload")}
	}

	agent, isNew := q.registry.Register(req.IP, req.Port, req.LivenessPort)
	if err := q.agents.Upsert(ctx, agent); err != nil {
		return &CommandResult{Command: cmd, Agent: agent, Err: err}
	}

	if isNew {
		q.logger.WithField("agent", agent.Address()).Info("Registered new agent")
	}
	return &CommandResult{Command: cmd, Agent: agent}
}

// executeAssign pushes a symbol batch to the agent and, on success, merges
// the batch into the agent's authoritative assignment in the registry and the
// store. Partial success is still success: the response reports per-symbol
// outcomes and only wholly-failed symbols are left out of the merge.
func (q *CommandQueue) executeAssign(ctx context.Context, cmd *Command) *CommandResult {
	agent := q.registry.Get(cmd.Agent)
	if agent == nil {
		return &CommandResult{Command: cmd, Err: fmt.Errorf("unknown agent %s", cmd.Agent)}
	}
	if agent.Status != models.AgentStatusOnline {
		return &CommandResult{Command: cmd, Agent: agent, Err: fmt.Errorf("agent %s is %s", cmd.Agent, agent.Status)}
	}

	client := q.clients(agent)
	response, err := client.AddSymbols(ctx, cmd.Symbols)
	if err != nil {
		message := fmt.Sprintf("assign symbols failed: %v", err)
		q.registry.RecordError(cmd.Agent, message)
		if storeErr := q.agents.RecordError(ctx, agent.IP, agent.CommandPort, message); storeErr != nil {
			q.logger.WithError(storeErr).Warn("Failed to persist agent error")
		}
		return &CommandResult{Command: cmd, Agent: agent, Err: err}
	}

	// Re-validate after the suspension: the health checker may have confirmed
	// the agent offline while AddSymbols was in flight, clearing its
	// assignment. Writing the merge through anyway would resurrect the
	// symbols onto the offline record and leave them double-assigned after
	// the next reconciliation.
	merged := mergeSymbols(agent.AssignedSymbols, successfulSymbols(cmd.Symbols, response.Results))
	if !q.registry.SetAssignment(cmd.Agent, merged, response.CurrentStatus.ConnectionCount) {
		return &CommandResult{Command: cmd, Agent: q.registry.Get(cmd.Agent), Response: response,
			Err: fmt.Errorf("agent %s went offline during assignment", cmd.Agent)}
	}
	if err := q.agents.UpdateAssignment(ctx, agent.IP, agent.CommandPort, merged, response.CurrentStatus.ConnectionCount); err != nil {
		return &CommandResult{Command: cmd, Agent: agent, Response: response, Err: err}
	}

	updated := q.registry.Get(cmd.Agent)
	return &CommandResult{Command: cmd, Agent: updated, Response: response}
}

// successfulSymbols keeps the symbols the agent actually holds now: added or
// already live (skipped). Symbols whose every interval failed stay
// unassigned and are retried on the next reconciliation pass.
func successfulSymbols(requested []string, results []models.SymbolResult) []string {
	outcomes := make(map[string]models.SymbolResult, len(results))
	for _, r := range results {
		outcomes[r.Symbol] = r
	}

	kept := make([]string, 0, len(requested))
	for _, symbol := range requested {
		outcome, ok := outcomes[symbol]
		if !ok {
			continue
		}
		if outcome.AddedCount > 0 || outcome.SkippedCount > 0 {
			kept = append(kept, symbol)
		}
	}
	return kept
}

func mergeSymbols(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(added))
	merged := make([]string, 0, len(existing)+len(added))
	for _, symbol := range existing {
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}
		merged = append(merged, symbol)
	}
	for _, symbol := range added {
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}
		merged = append(merged, symbol)
	}
	return merged
}
