// Package agents tracks the connected subset of agents and drives one
// dispatch loop per live connection. The coordinator decides who gets which
// task; this package only delivers.
package agents

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"maestro/internal/models"
)

// Errors returned by Dispatch. The coordinator keeps the task pending on
// either of them.
var (
	ErrAgentNotConnected = errors.New("agent not connected")
	ErrInboxFull         = errors.New("agent inbox full")
)

// Sender pushes a frame to a connected agent. Implemented by the gateway.
type Sender interface {
	SendToAgent(agentID string, msg models.Message) error
}

// Registry is the manager's view of the coordinator: the health actions the
// manager triggers, the pre-delivery staleness check, and the escape hatch
// for frames that never made it out.
type Registry interface {
	TaskDispatchable(taskID string) bool
	FailDelivery(taskID string)
	MarkAgentOffline(agentID string)
	SweepDeadAgents(threshold time.Duration) []string
}

// Config carries the manager's tunables. Zero values fall back to defaults.
type Config struct {
	InboxSize           int
	HealthCheckInterval time.Duration
	DeadCheckInterval   time.Duration
	InactiveThreshold   time.Duration
	DeadThreshold       time.Duration
}

const (
	defaultInboxSize           = 100
	defaultHealthCheckInterval = 30 * time.Second
	defaultDeadCheckInterval   = 60 * time.Second
	defaultInactiveThreshold   = 2 * time.Minute
	defaultDeadThreshold       = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.InboxSize <= 0 {
		c.InboxSize = defaultInboxSize
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = defaultHealthCheckInterval
	}
	if c.DeadCheckInterval <= 0 {
		c.DeadCheckInterval = defaultDeadCheckInterval
	}
	if c.InactiveThreshold <= 0 {
		c.InactiveThreshold = defaultInactiveThreshold
	}
	if c.DeadThreshold <= 0 {
		c.DeadThreshold = defaultDeadThreshold
	}
	return c
}

// Connection is the per-agent delivery state: a bounded inbox of tasks
// awaiting the wire and the liveness bookkeeping the health loop reads.
type Connection struct {
	AgentID  string
	inbox    chan *models.Task
	inFlight atomic.Int64

	mu       sync.Mutex
	lastSeen time.Time

	cancel context.CancelFunc
}

// touch refreshes the connection's last_seen.
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Connection) seen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Manager owns the per-agent inboxes and dispatch loops. It never holds its
// lock across a registry or sender call.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*Connection

	sender   Sender
	registry Registry
	logger   *slog.Logger
	cfg      Config
	wg       sync.WaitGroup
}

// NewManager creates a manager. sender and registry are wired afterwards,
// mirroring the coordinator's two-phase construction.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		connections: make(map[string]*Connection),
		logger:      logger.With("component", "agents"),
		cfg:         cfg.withDefaults(),
	}
}

// SetSender wires the gateway's outbound channel. Must be called before Attach.
func (m *Manager) SetSender(s Sender) { m.sender = s }

// SetRegistry wires the coordinator. Must be called before Run.
func (m *Manager) SetRegistry(r Registry) { m.registry = r }

// Attach starts a dispatch loop for a freshly connected agent. An existing
// connection for the same agent is replaced; its loop drains and exits.
func (m *Manager) Attach(ctx context.Context, agentID string) *Connection {
	if ctx == nil {
		ctx = context.Background()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	conn := &Connection{
		AgentID:  agentID,
		inbox:    make(chan *models.Task, m.cfg.InboxSize),
		lastSeen: time.Now(),
		cancel:   cancel,
	}

	m.mu.Lock()
	old := m.connections[agentID]
	m.connections[agentID] = conn
	m.mu.Unlock()

	if old != nil {
		old.cancel()
	}

	m.wg.Add(1)
	go m.dispatchLoop(loopCtx, conn)
	m.logger.Info("agent attached", "agent_id", agentID)
	return conn
}

// Detach stops the agent's dispatch loop and forgets the connection. Tasks
// still sitting in the inbox are reported as delivery failures.
func (m *Manager) Detach(agentID string) {
	m.mu.Lock()
	conn, ok := m.connections[agentID]
	if ok {
		delete(m.connections, agentID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	conn.cancel()
	m.logger.Info("agent detached", "agent_id", agentID)
}

// Remove is the coordinator-facing alias for Detach, invoked on unregister.
func (m *Manager) Remove(agentID string) { m.Detach(agentID) }

// Dispatch queues a task for delivery. It never blocks: a missing connection
// or a full inbox is an immediate error and the coordinator keeps the task
// pending.
func (m *Manager) Dispatch(task *models.Task) error {
	m.mu.RLock()
	conn, ok := m.connections[task.AgentID]
	m.mu.RUnlock()
	if !ok {
		return ErrAgentNotConnected
	}
	select {
	case conn.inbox <- task:
		conn.inFlight.Add(1)
		return nil
	default:
		return ErrInboxFull
	}
}

// Settle records that a dispatched task reached a terminal state.
func (m *Manager) Settle(agentID string) {
	m.mu.RLock()
	conn, ok := m.connections[agentID]
	m.mu.RUnlock()
	if ok {
		if conn.inFlight.Add(-1) < 0 {
			conn.inFlight.Store(0)
		}
	}
}

// Touch refreshes the connection's liveness, typically on heartbeat or any
// inbound frame.
func (m *Manager) Touch(agentID string) {
	m.mu.RLock()
	conn, ok := m.connections[agentID]
	m.mu.RUnlock()
	if ok {
		conn.touch()
	}
}

// InboxDepth reports the number of tasks queued for the agent, for metrics.
func (m *Manager) InboxDepth(agentID string) int {
	m.mu.RLock()
	conn, ok := m.connections[agentID]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return len(conn.inbox)
}

// Connected returns the ids of currently attached agents.
func (m *Manager) Connected() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.connections))
	for id := range m.connections {
		out = append(out, id)
	}
	return out
}

// dispatchLoop serializes task delivery for one agent. No lock is held across
// the send; completion is event-driven through the coordinator.
func (m *Manager) dispatchLoop(ctx context.Context, conn *Connection) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			m.failQueued(conn)
			return
		case task := <-conn.inbox:
			m.deliver(conn, task)
		}
	}
}

func (m *Manager) deliver(conn *Connection, task *models.Task) {
	// The task may have been cancelled or timed out while queued behind
	// slower deliveries; the coordinator already settled it, so just drop.
	if m.registry != nil && !m.registry.TaskDispatchable(task.ID) {
		m.logger.Debug("stale task dropped before delivery", "agent_id", conn.AgentID, "task_id", task.ID)
		return
	}
	msg := models.NewMessage(models.MessageTaskDispatch, map[string]any{
		"task": task,
	})
	if err := m.sender.SendToAgent(conn.AgentID, msg); err != nil {
		m.logger.Warn("task delivery failed", "agent_id", conn.AgentID, "task_id", task.ID, "error", err)
		conn.inFlight.Add(-1)
		if m.registry != nil {
			m.registry.FailDelivery(task.ID)
		}
		return
	}
	m.logger.Debug("task dispatched", "agent_id", conn.AgentID, "task_id", task.ID)
}

// failQueued drains whatever never left the inbox when the connection died.
func (m *Manager) failQueued(conn *Connection) {
	for {
		select {
		case task := <-conn.inbox:
			if m.registry != nil {
				m.registry.FailDelivery(task.ID)
			}
		default:
			return
		}
	}
}

// RunHealthLoops drives the two liveness timers: the inbox-level check that
// downgrades quiet connections to Offline, and the global sweep that fails
// tasks of agents past the dead threshold.
func (m *Manager) RunHealthLoops(ctx context.Context) {
	inactive := time.NewTicker(m.cfg.HealthCheckInterval)
	dead := time.NewTicker(m.cfg.DeadCheckInterval)
	defer inactive.Stop()
	defer dead.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-inactive.C:
			m.checkInactive()
		case <-dead.C:
			if m.registry != nil {
				m.registry.SweepDeadAgents(m.cfg.DeadThreshold)
			}
		}
	}
}

func (m *Manager) checkInactive() {
	now := time.Now()

	m.mu.RLock()
	var quiet []string
	for id, conn := range m.connections {
		if now.Sub(conn.seen()) > m.cfg.InactiveThreshold {
			quiet = append(quiet, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range quiet {
		m.logger.Warn("agent inactive past threshold", "agent_id", id, "threshold", m.cfg.InactiveThreshold)
		if m.registry != nil {
			m.registry.MarkAgentOffline(id)
		}
	}
}

// Wait blocks until every dispatch loop has exited. Used on shutdown.
func (m *Manager) Wait() { m.wg.Wait() }
