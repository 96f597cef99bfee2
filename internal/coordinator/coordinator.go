// Package coordinator is the single authoritative arbiter of agent, task,
// and workflow state. All state transitions happen here; other components
// observe them through the event bus or read-only snapshots.
package coordinator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maestro/internal/events"
	"maestro/internal/models"
	"maestro/internal/workflow"
)

// Dispatcher is the coordinator's view of the agent manager. Dispatch must
// not block: it either queues the task on the agent's inbox or reports why
// it could not.
type Dispatcher interface {
	Dispatch(task *models.Task) error
	Settle(agentID string)
	Remove(agentID string)
}

// Sender pushes a frame to a connected agent. Implemented by the gateway.
type Sender interface {
	SendToAgent(agentID string, msg models.Message) error
}

// Config carries the coordinator's tunables. Zero values fall back to the
// defaults below.
type Config struct {
	AdmissionQueueSize int
	SweepInterval      time.Duration
	DefaultTaskTimeout time.Duration
}

const (
	defaultAdmissionQueueSize = 1000
	defaultSweepInterval      = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.AdmissionQueueSize <= 0 {
		c.AdmissionQueueSize = defaultAdmissionQueueSize
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = models.DefaultTaskTimeout
	}
	return c
}

// Coordinator owns the agent, task, and workflow registries. A single
// read-write mutex guards them; the lock is never held across I/O. The
// pending-task heap belongs to the match loop goroutine exclusively and is
// fed through the admission channel.
type Coordinator struct {
	mu         sync.RWMutex
	agents     map[string]*models.Agent
	agentOrder []string
	tasks      map[string]*models.Task
	workflows  map[string]*models.Workflow

	admission chan string
	kicks     chan struct{}
	queue     *taskQueue
	pending   int // Pending tasks anywhere: admission channel or heap

	dispatcher Dispatcher
	sender     Sender
	bus        *events.Bus[models.Event]
	metrics    *Metrics
	logger     *slog.Logger
	cfg        Config
}

// New creates a coordinator. bus is required; dispatcher and sender are wired
// afterwards because the agent manager and the gateway need the coordinator
// first.
func New(cfg Config, bus *events.Bus[models.Event], metrics *Metrics, logger *slog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = defaultMetrics()
	}
	return &Coordinator{
		agents:    make(map[string]*models.Agent),
		tasks:     make(map[string]*models.Task),
		workflows: make(map[string]*models.Workflow),
		admission: make(chan string, cfg.AdmissionQueueSize),
		kicks:     make(chan struct{}, 1),
		queue:     newTaskQueue(),
		bus:       bus,
		metrics:   metrics,
		logger:    logger.With("component", "coordinator"),
		cfg:       cfg,
	}
}

// SetDispatcher wires the agent manager. Must be called before Run.
func (c *Coordinator) SetDispatcher(d Dispatcher) { c.dispatcher = d }

// SetSender wires the gateway's outbound channel. Must be called before Run.
func (c *Coordinator) SetSender(s Sender) { c.sender = s }

// --- Agents ---

// RegisterAgent stores the agent with status Idle and refreshed last_seen.
// Re-registering an existing id upserts capabilities and keeps the original
// registration order, so matching stays deterministic across reconnects.
func (c *Coordinator) RegisterAgent(agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("%w: agent id is required", ErrInvalid)
	}
	now := time.Now()

	c.mu.Lock()
	existing, ok := c.agents[agent.ID]
	if ok {
		existing.Name = agent.Name
		existing.Type = agent.Type
		existing.Capabilities = append([]string(nil), agent.Capabilities...)
		existing.Status = models.AgentStatusIdle
		existing.LastSeen = now
		existing.UpdatedAt = now
	} else {
		stored := agent.Clone()
		stored.Status = models.AgentStatusIdle
		stored.LastSeen = now
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		stored.UpdatedAt = now
		c.agents[stored.ID] = stored
		c.agentOrder = append(c.agentOrder, stored.ID)
	}
	c.mu.Unlock()

	c.metrics.IncAgentEvent("registered")
	c.logger.Info("agent registered", "agent_id", agent.ID, "name", agent.Name, "capabilities", agent.Capabilities)
	c.publish(models.EventAgentRegistered, map[string]any{
		"agent_id": agent.ID,
		"name":     agent.Name,
	})
	c.kick()
	return nil
}

// UnregisterAgent removes the agent. Its running tasks become Failed with
// error agent_lost; there is no reassignment. Unknown ids are ignored.
func (c *Coordinator) UnregisterAgent(agentID string) {
	c.mu.Lock()
	agent, ok := c.agents[agentID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.agents, agentID)
	for i, id := range c.agentOrder {
		if id == agentID {
			c.agentOrder = append(c.agentOrder[:i], c.agentOrder[i+1:]...)
			break
		}
	}
	lost := c.failRunningTasksLocked(agentID, models.TaskErrAgentLost)
	c.mu.Unlock()

	if c.dispatcher != nil {
		c.dispatcher.Remove(agentID)
	}
	c.metrics.IncAgentEvent("unregistered")
	c.logger.Info("agent unregistered", "agent_id", agentID, "name", agent.Name, "failed_tasks", len(lost))
	c.publish(models.EventAgentUnregistered, map[string]any{"agent_id": agentID})
	c.publishTaskFailures(lost)
}

// UpdateAgentStatus applies the status and refreshes last_seen. Unknown ids
// are ignored per the contract.
func (c *Coordinator) UpdateAgentStatus(agentID string, status models.AgentStatus) {
	now := time.Now()
	c.mu.Lock()
	agent, ok := c.agents[agentID]
	if ok {
		agent.Status = status
		agent.LastSeen = now
		agent.UpdatedAt = now
	}
	c.mu.Unlock()
	if ok && status == models.AgentStatusIdle {
		c.kick()
	}
}

// TouchAgent refreshes last_seen without changing status. Used for
// heartbeats from agents that are mid-task.
func (c *Coordinator) TouchAgent(agentID string) {
	now := time.Now()
	c.mu.Lock()
	if agent, ok := c.agents[agentID]; ok {
		agent.LastSeen = now
	}
	c.mu.Unlock()
}

// HeartbeatAgent refreshes liveness on a heartbeat frame. An Offline agent
// that heartbeats again is restored to Idle so matching can resume; Busy
// agents keep their status, their running task defines it.
func (c *Coordinator) HeartbeatAgent(agentID string) {
	now := time.Now()
	c.mu.Lock()
	agent, ok := c.agents[agentID]
	restored := false
	if ok {
		agent.LastSeen = now
		if agent.Status == models.AgentStatusOffline || agent.Status == models.AgentStatusActive {
			agent.Status = models.AgentStatusIdle
			agent.UpdatedAt = now
			restored = true
		}
	}
	c.mu.Unlock()
	if restored {
		c.kick()
	}
}

// MarkAgentOffline downgrades the agent to Offline without touching its
// tasks. The physical connection stays up; the gateway owns tear-down.
func (c *Coordinator) MarkAgentOffline(agentID string) {
	c.mu.Lock()
	agent, ok := c.agents[agentID]
	changed := ok && agent.Status != models.AgentStatusOffline
	if changed {
		agent.Status = models.AgentStatusOffline
		agent.UpdatedAt = time.Now()
	}
	c.mu.Unlock()

	if changed {
		c.metrics.IncAgentEvent("offline")
		c.logger.Warn("agent marked offline", "agent_id", agentID)
		c.publish(models.EventAgentOffline, map[string]any{"agent_id": agentID})
	}
}

// SweepDeadAgents forces any agent unseen for longer than threshold to
// Offline and fails its running tasks with agent_lost. Returns the ids of
// agents that crossed the threshold.
func (c *Coordinator) SweepDeadAgents(threshold time.Duration) []string {
	now := time.Now()
	var dead []string
	var lost []*models.Task

	c.mu.Lock()
	for id, agent := range c.agents {
		if agent.Status == models.AgentStatusOffline {
			continue
		}
		if now.Sub(agent.LastSeen) > threshold {
			agent.Status = models.AgentStatusOffline
			agent.UpdatedAt = now
			dead = append(dead, id)
			lost = append(lost, c.failRunningTasksLocked(id, models.TaskErrAgentLost)...)
		}
	}
	c.mu.Unlock()

	for _, id := range dead {
		c.metrics.IncAgentEvent("offline")
		c.logger.Warn("agent passed dead threshold", "agent_id", id, "threshold", threshold)
		c.publish(models.EventAgentOffline, map[string]any{"agent_id": id, "reason": "dead_threshold"})
	}
	c.publishTaskFailures(lost)
	if len(lost) > 0 {
		c.kick()
	}
	return dead
}

// GetAgent returns a snapshot of the agent.
func (c *Coordinator) GetAgent(agentID string) (*models.Agent, error) {
	c.mu.RLock()
	agent, ok := c.agents[agentID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return agent.Clone(), nil
}

// ListAgents returns snapshots of all agents in registration order.
func (c *Coordinator) ListAgents() []*models.Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Agent, 0, len(c.agentOrder))
	for _, id := range c.agentOrder {
		if agent, ok := c.agents[id]; ok {
			out = append(out, agent.Clone())
		}
	}
	return out
}

// --- Tasks ---

// SubmitTask accepts a task for matching. The task enters the registry as
// Pending and its id is queued on the admission channel. The backpressure
// bound is the total number of Pending tasks — admitted or already drained
// into the heap — so a backlog with no agents cannot grow past
// AdmissionQueueSize; over-budget submissions return ErrQueueFull and leave
// no state behind.
func (c *Coordinator) SubmitTask(task *models.Task) error {
	if task == nil || task.Type == "" {
		return fmt.Errorf("%w: task type is required", ErrInvalid)
	}
	if task.ID == "" {
		fresh := models.NewTask(task.AgentID, task.Type, task.Priority, task.Payload)
		fresh.Timeout = task.Timeout
		fresh.WorkflowID = task.WorkflowID
		fresh.Step = task.Step
		task = fresh
	}
	stored := task.Clone()
	stored.Status = models.TaskStatusPending
	stored.CreatedAt = time.Now()
	if stored.Timeout <= 0 {
		stored.Timeout = c.cfg.DefaultTaskTimeout
	}

	c.mu.Lock()
	if _, exists := c.tasks[stored.ID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: task %s already submitted", ErrInvalid, stored.ID)
	}
	if c.pending >= c.cfg.AdmissionQueueSize {
		c.mu.Unlock()
		return ErrQueueFull
	}
	// pending bounds the channel occupancy, so this send cannot fail; the
	// default arm only guards against accounting bugs.
	select {
	case c.admission <- stored.ID:
	default:
		c.mu.Unlock()
		return ErrQueueFull
	}
	c.tasks[stored.ID] = stored
	c.pending++
	c.mu.Unlock()

	c.metrics.IncTaskSubmitted()
	c.metrics.AddTasksPending(1)
	c.logger.Info("task submitted", "task_id", stored.ID, "type", stored.Type, "priority", stored.Priority, "workflow_id", stored.WorkflowID)
	c.publish(models.EventTaskSubmitted, map[string]any{
		"task_id":     stored.ID,
		"type":        stored.Type,
		"workflow_id": stored.WorkflowID,
	})
	return nil
}

// GetTask returns a snapshot of the task.
func (c *Coordinator) GetTask(taskID string) (*models.Task, error) {
	c.mu.RLock()
	task, ok := c.tasks[taskID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task.Clone(), nil
}

// TaskFilter narrows ListTasks. Zero-valued fields match everything.
type TaskFilter struct {
	Status     models.TaskStatus
	AgentID    string
	WorkflowID string
}

// ListTasks returns snapshots of tasks matching the filter.
func (c *Coordinator) ListTasks(filter TaskFilter) []*models.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Task, 0, len(c.tasks))
	for _, task := range c.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.AgentID != "" && task.AgentID != filter.AgentID {
			continue
		}
		if filter.WorkflowID != "" && task.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, task.Clone())
	}
	return out
}

// CompleteTask transitions a running task to Completed or Failed. Duplicate
// completions of a terminal task return a StateError; the first completion
// wins. status must be completed or failed.
func (c *Coordinator) CompleteTask(taskID string, status models.TaskStatus, result map[string]any, errMsg string) error {
	if status != models.TaskStatusCompleted && status != models.TaskStatusFailed {
		return fmt.Errorf("%w: completion status must be completed or failed, got %s", ErrInvalid, status)
	}
	now := time.Now()

	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != models.TaskStatusRunning {
		current := task.Status
		c.mu.Unlock()
		return &StateError{Entity: "task", ID: taskID, Status: string(current)}
	}
	task.Status = status
	task.Result = result
	task.Error = errMsg
	task.CompletedAt = &now
	agentID := task.AgentID
	if agent, ok := c.agents[agentID]; ok {
		agent.Status = models.AgentStatusIdle
		agent.LastSeen = now
		agent.UpdatedAt = now
	}
	snapshot := task.Clone()
	c.mu.Unlock()

	if c.dispatcher != nil {
		c.dispatcher.Settle(agentID)
	}
	c.metrics.AddTasksRunning(-1)
	c.metrics.IncTaskSettled(string(status))
	c.logger.Info("task settled", "task_id", taskID, "agent_id", agentID, "status", status)

	eventType := models.EventTaskCompleted
	if status == models.TaskStatusFailed {
		eventType = models.EventTaskFailed
	}
	c.publish(eventType, map[string]any{
		"task_id":     taskID,
		"agent_id":    agentID,
		"workflow_id": snapshot.WorkflowID,
		"status":      string(status),
		"result":      snapshot.Result,
		"error":       snapshot.Error,
	})
	c.kick()
	return nil
}

// CancelTask cancels a pending or running task. Running tasks additionally
// get a best-effort task.cancel frame so the agent stops working; the
// orchestrator-side state is terminal either way. Cancelling a terminal task
// returns a StateError.
func (c *Coordinator) CancelTask(taskID string) error {
	now := time.Now()

	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status.Terminal() {
		current := task.Status
		c.mu.Unlock()
		return &StateError{Entity: "task", ID: taskID, Status: string(current)}
	}
	wasRunning := task.Status == models.TaskStatusRunning
	task.Status = models.TaskStatusCancelled
	task.CompletedAt = &now
	agentID := task.AgentID
	if wasRunning {
		if agent, ok := c.agents[agentID]; ok {
			agent.Status = models.AgentStatusIdle
			agent.UpdatedAt = now
		}
	} else {
		c.pending--
	}
	workflowID := task.WorkflowID
	c.mu.Unlock()

	if wasRunning {
		if c.dispatcher != nil {
			c.dispatcher.Settle(agentID)
		}
		c.metrics.AddTasksRunning(-1)
		c.sendCancelFrame(agentID, taskID, "cancelled")
	} else {
		// Pending: the heap entry falls out lazily on the next pass.
		c.metrics.AddTasksPending(-1)
	}
	c.metrics.IncTaskSettled(string(models.TaskStatusCancelled))
	c.logger.Info("task cancelled", "task_id", taskID, "was_running", wasRunning)
	c.publish(models.EventTaskCancelled, map[string]any{
		"task_id":     taskID,
		"agent_id":    agentID,
		"workflow_id": workflowID,
	})
	if wasRunning {
		c.kick()
	}
	return nil
}

// FailDelivery records a transport failure for a dispatched task: the task
// becomes Failed with error transport_lost and the owning agent is forced
// Offline.
func (c *Coordinator) FailDelivery(taskID string) {
	now := time.Now()

	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok || task.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	wasRunning := task.Status == models.TaskStatusRunning
	task.Status = models.TaskStatusFailed
	task.Error = models.TaskErrTransportLost
	task.CompletedAt = &now
	agentID := task.AgentID
	if agent, ok := c.agents[agentID]; ok {
		agent.Status = models.AgentStatusOffline
		agent.UpdatedAt = now
	}
	if !wasRunning {
		c.pending--
	}
	workflowID := task.WorkflowID
	c.mu.Unlock()

	if wasRunning {
		c.metrics.AddTasksRunning(-1)
	} else {
		c.metrics.AddTasksPending(-1)
	}
	c.metrics.IncTaskSettled(string(models.TaskStatusFailed))
	c.metrics.IncAgentEvent("offline")
	c.logger.Warn("task delivery failed", "task_id", taskID, "agent_id", agentID)
	c.publish(models.EventTaskFailed, map[string]any{
		"task_id":     taskID,
		"agent_id":    agentID,
		"workflow_id": workflowID,
		"error":       models.TaskErrTransportLost,
	})
	c.publish(models.EventAgentOffline, map[string]any{"agent_id": agentID, "reason": "transport"})
}

// TaskDispatchable reports whether the task is still worth putting on the
// wire. Dispatch marks a task Running atomically with the inbox handoff, so
// anything else — cancelled or timed out while queued behind slower
// deliveries — must not produce a task.dispatch frame.
func (c *Coordinator) TaskDispatchable(taskID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	task, ok := c.tasks[taskID]
	return ok && task.Status == models.TaskStatusRunning
}

// --- Workflows ---

// SubmitWorkflow validates the step graph and stores the workflow in Draft.
// A cyclic or malformed graph is rejected with no partial state.
func (c *Coordinator) SubmitWorkflow(wf *models.Workflow) error {
	if wf == nil || wf.Name == "" {
		return fmt.Errorf("%w: workflow name is required", ErrInvalid)
	}
	if err := workflow.ValidateSteps(wf.Steps); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	stored := wf.Clone()
	stored.Status = models.WorkflowStatusDraft
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	c.mu.Lock()
	if _, exists := c.workflows[stored.ID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: workflow %s already exists", ErrInvalid, stored.ID)
	}
	c.workflows[stored.ID] = stored
	c.mu.Unlock()

	c.logger.Info("workflow submitted", "workflow_id", stored.ID, "name", stored.Name, "steps", len(stored.Steps))
	return nil
}

// ExecuteWorkflow moves a Draft workflow to Active and announces the start;
// the workflow engine reacts by submitting the initial ready steps.
func (c *Coordinator) ExecuteWorkflow(workflowID string) error {
	c.mu.Lock()
	wf, ok := c.workflows[workflowID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if wf.Status != models.WorkflowStatusDraft {
		current := wf.Status
		c.mu.Unlock()
		return &StateError{Entity: "workflow", ID: workflowID, Status: string(current)}
	}
	wf.Status = models.WorkflowStatusActive
	wf.UpdatedAt = time.Now()
	c.mu.Unlock()

	c.metrics.IncWorkflowEvent("started")
	c.logger.Info("workflow started", "workflow_id", workflowID)
	c.publish(models.EventWorkflowStarted, map[string]any{"workflow_id": workflowID})
	return nil
}

// UpdateWorkflowStatus applies a terminal or paused status decided by the
// workflow engine.
func (c *Coordinator) UpdateWorkflowStatus(workflowID string, status models.WorkflowStatus) error {
	c.mu.Lock()
	wf, ok := c.workflows[workflowID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if wf.Status.Terminal() {
		current := wf.Status
		c.mu.Unlock()
		return &StateError{Entity: "workflow", ID: workflowID, Status: string(current)}
	}
	wf.Status = status
	wf.UpdatedAt = time.Now()
	c.mu.Unlock()

	switch status {
	case models.WorkflowStatusCompleted:
		c.metrics.IncWorkflowEvent("completed")
		c.publish(models.EventWorkflowCompleted, map[string]any{"workflow_id": workflowID})
	case models.WorkflowStatusFailed:
		c.metrics.IncWorkflowEvent("failed")
		c.publish(models.EventWorkflowFailed, map[string]any{"workflow_id": workflowID})
	}
	c.logger.Info("workflow status updated", "workflow_id", workflowID, "status", status)
	return nil
}

// GetWorkflow returns a snapshot of the workflow.
func (c *Coordinator) GetWorkflow(workflowID string) (*models.Workflow, error) {
	c.mu.RLock()
	wf, ok := c.workflows[workflowID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return wf.Clone(), nil
}

// ListWorkflows returns snapshots of all workflows.
func (c *Coordinator) ListWorkflows() []*models.Workflow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Workflow, 0, len(c.workflows))
	for _, wf := range c.workflows {
		out = append(out, wf.Clone())
	}
	return out
}

// --- internals ---

// failRunningTasksLocked transitions every running task of the agent to
// Failed with the given error. Caller holds the exclusive lock; returned
// snapshots are published after release.
func (c *Coordinator) failRunningTasksLocked(agentID, errMsg string) []*models.Task {
	now := time.Now()
	var failed []*models.Task
	for _, task := range c.tasks {
		if task.AgentID != agentID || task.Status != models.TaskStatusRunning {
			continue
		}
		task.Status = models.TaskStatusFailed
		task.Error = errMsg
		task.CompletedAt = &now
		failed = append(failed, task.Clone())
	}
	return failed
}

func (c *Coordinator) publishTaskFailures(failed []*models.Task) {
	for _, task := range failed {
		c.metrics.AddTasksRunning(-1)
		c.metrics.IncTaskSettled(string(models.TaskStatusFailed))
		c.publish(models.EventTaskFailed, map[string]any{
			"task_id":     task.ID,
			"agent_id":    task.AgentID,
			"workflow_id": task.WorkflowID,
			"error":       task.Error,
		})
	}
}

func (c *Coordinator) sendCancelFrame(agentID, taskID, reason string) {
	if c.sender == nil || agentID == "" {
		return
	}
	msg := models.NewMessage(models.MessageTaskCancel, map[string]any{
		"task_id": taskID,
		"reason":  reason,
	})
	if err := c.sender.SendToAgent(agentID, msg); err != nil {
		c.logger.Debug("cancel frame not delivered", "agent_id", agentID, "task_id", taskID, "error", err)
	}
}

// publish emits an event after the corresponding state change is already
// observable through the read operations.
func (c *Coordinator) publish(eventType string, data map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(models.NewEvent(eventType, data))
}

// kick nudges the match loop without blocking; coalesces when one is already
// queued.
func (c *Coordinator) kick() {
	select {
	case c.kicks <- struct{}{}:
	default:
	}
}
