package coordinator

import (
	"context"
	"time"

	"maestro/internal/models"
)

// fallbackMatchInterval bounds how long a matchable task can sit in the heap
// if every kick was coalesced away. Matching is event-driven; this tick is a
// safety net, not the mechanism.
const fallbackMatchInterval = 5 * time.Second

// RunMatchLoop drains admissions into the priority heap and runs a matching
// pass whenever something relevant changes: a new admission, an agent
// becoming idle, a task settling. The heap is owned by this goroutine only.
func (c *Coordinator) RunMatchLoop(ctx context.Context) {
	ticker := time.NewTicker(fallbackMatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case taskID := <-c.admission:
			c.enqueue(taskID)
			c.drainAdmissions()
			c.matchPass()
		case <-c.kicks:
			c.drainAdmissions()
			c.matchPass()
		case <-ticker.C:
			c.drainAdmissions()
			c.matchPass()
		}
	}
}

func (c *Coordinator) drainAdmissions() {
	for {
		select {
		case taskID := <-c.admission:
			c.enqueue(taskID)
		default:
			return
		}
	}
}

func (c *Coordinator) enqueue(taskID string) {
	c.mu.RLock()
	task, ok := c.tasks[taskID]
	var item queueItem
	if ok {
		item = queueItem{id: task.ID, priority: task.Priority, createdAt: task.CreatedAt}
	}
	c.mu.RUnlock()
	if ok {
		c.queue.push(item)
	}
}

// matchPass pops every queued task in (priority, created_at) order and tries
// to place it. Tasks with no available agent are retained and re-pushed with
// their original key, so a blocked head never starves tasks behind it while
// keeping its own position for the next pass.
func (c *Coordinator) matchPass() {
	var retained []queueItem

	for {
		item, ok := c.queue.pop()
		if !ok {
			break
		}
		switch c.tryAssign(item.id) {
		case assignDone, assignDropped:
		case assignRetry:
			retained = append(retained, item)
		}
	}

	for _, item := range retained {
		c.queue.push(item)
	}
}

type assignOutcome int

const (
	assignDone assignOutcome = iota
	assignRetry
	assignDropped
)

// tryAssign matches one pending task against the idle agents and hands it to
// the dispatcher. The inbox push is a non-blocking channel send, not I/O, so
// it runs inside the critical section and Running+Busy are set atomically
// with a successful handoff.
func (c *Coordinator) tryAssign(taskID string) assignOutcome {
	now := time.Now()

	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok || task.Status != models.TaskStatusPending {
		// Cancelled while queued; entry falls out of the heap here.
		c.mu.Unlock()
		return assignDropped
	}

	agent := c.selectAgentLocked(task)
	if agent == nil || c.dispatcher == nil {
		c.mu.Unlock()
		c.logger.Debug("no idle agent for task", "task_id", taskID, "type", task.Type, "pinned", task.AgentID)
		return assignRetry
	}

	pinned := task.AgentID != ""
	task.AgentID = agent.ID
	if err := c.dispatcher.Dispatch(task.Clone()); err != nil {
		// Inbox full or connection gone; the task stays pending.
		if !pinned {
			task.AgentID = ""
		}
		c.mu.Unlock()
		c.logger.Debug("dispatch rejected", "task_id", taskID, "agent_id", agent.ID, "error", err)
		return assignRetry
	}
	task.Status = models.TaskStatusRunning
	started := now
	task.StartedAt = &started
	agent.Status = models.AgentStatusBusy
	agent.UpdatedAt = now
	c.pending--
	workflowID := task.WorkflowID
	taskType := task.Type
	c.mu.Unlock()

	c.metrics.AddTasksPending(-1)
	c.metrics.AddTasksRunning(1)
	c.logger.Info("task assigned", "task_id", taskID, "agent_id", agent.ID, "type", taskType)
	c.publish(models.EventTaskAssigned, map[string]any{
		"task_id":     taskID,
		"agent_id":    agent.ID,
		"workflow_id": workflowID,
	})
	return assignDone
}

// selectAgentLocked implements the matching rule: a pinned agent id must be
// that exact agent and Idle; otherwise the first Idle agent in registration
// order whose capabilities contain the task type wins.
func (c *Coordinator) selectAgentLocked(task *models.Task) *models.Agent {
	if task.AgentID != "" {
		agent, ok := c.agents[task.AgentID]
		if ok && agent.Status == models.AgentStatusIdle {
			return agent
		}
		return nil
	}
	for _, id := range c.agentOrder {
		agent, ok := c.agents[id]
		if !ok || agent.Status != models.AgentStatusIdle {
			continue
		}
		if agent.HasCapability(task.Type) {
			return agent
		}
	}
	return nil
}

// RunSweeper enforces task timeouts. Each tick scans running tasks; any task
// past its deadline becomes TimedOut, its agent returns to Idle, and a
// best-effort task.cancel frame tells the agent to stop.
func (c *Coordinator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepTimeouts(time.Now())
		}
	}
}

// SweepTimeouts runs one timeout pass at the given instant. Exposed so tests
// and the sweeper share the same path.
func (c *Coordinator) SweepTimeouts(now time.Time) int {
	var expired []*models.Task

	c.mu.Lock()
	for _, task := range c.tasks {
		if task.Status != models.TaskStatusRunning || task.StartedAt == nil {
			continue
		}
		if now.Sub(*task.StartedAt) <= task.Timeout {
			continue
		}
		task.Status = models.TaskStatusTimeout
		task.Error = "task timeout after " + task.Timeout.String()
		completed := now
		task.CompletedAt = &completed
		if agent, ok := c.agents[task.AgentID]; ok {
			agent.Status = models.AgentStatusIdle
			agent.UpdatedAt = now
		}
		expired = append(expired, task.Clone())
	}
	c.mu.Unlock()

	for _, task := range expired {
		if c.dispatcher != nil {
			c.dispatcher.Settle(task.AgentID)
		}
		c.metrics.AddTasksRunning(-1)
		c.metrics.IncTaskSettled(string(models.TaskStatusTimeout))
		c.logger.Warn("task timed out", "task_id", task.ID, "agent_id", task.AgentID, "timeout", task.Timeout)
		c.sendCancelFrame(task.AgentID, task.ID, "timeout")
		c.publish(models.EventTaskTimeout, map[string]any{
			"task_id":     task.ID,
			"agent_id":    task.AgentID,
			"workflow_id": task.WorkflowID,
			"error":       task.Error,
		})
	}
	if len(expired) > 0 {
		c.kick()
	}
	return len(expired)
}
