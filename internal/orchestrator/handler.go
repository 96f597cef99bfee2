package orchestrator

import (
	"context"
	"errors"
	"time"

	"maestro/internal/coordinator"
	"maestro/internal/gateway"
	"maestro/internal/models"
	"maestro/internal/observability"
	"maestro/internal/utils/id"
)

// The orchestrator implements gateway.Handler: inbound frames land here and
// turn into coordinator operations.

// AgentRegister creates or upserts the agent described in the frame, binds
// the connection, and starts the per-agent dispatch loop.
func (o *Orchestrator) AgentRegister(client *gateway.Client, data map[string]any) {
	spec, ok := data["agent"].(map[string]any)
	if !ok {
		o.sendError(client, "agent.register frame has no agent object")
		return
	}
	name, _ := spec["name"].(string)
	agentType, _ := spec["type"].(string)
	var capabilities []string
	if raw, ok := spec["capabilities"].([]any); ok {
		for _, c := range raw {
			if tag, ok := c.(string); ok {
				capabilities = append(capabilities, tag)
			}
		}
	}

	agent := models.NewAgent(name, agentType, capabilities)
	if agentID, ok := spec["id"].(string); ok && agentID != "" {
		agent.ID = agentID
	}

	if err := o.coord.RegisterAgent(agent); err != nil {
		o.logger.Error("agent registration rejected", "client_id", client.ID, "error", err)
		o.sendError(client, "registration rejected: "+err.Error())
		return
	}

	o.hub.BindAgent(client, agent.ID)
	o.manager.Attach(o.runCtx, agent.ID)
	o.metrics.SetAgentsConnected(len(o.hub.ConnectedAgents()))

	_ = o.hub.SendToClient(client.ID, models.NewMessage(models.MessageAgentRegistered, map[string]any{
		"agent_id": agent.ID,
		"status":   "registered",
	}))
}

// AgentUnregister removes the agent bound to this connection.
func (o *Orchestrator) AgentUnregister(client *gateway.Client) {
	if client.Role != gateway.RoleAgent || client.AgentID == "" {
		o.logger.Warn("unregister frame from non-agent client", "client_id", client.ID)
		return
	}
	o.coord.UnregisterAgent(client.AgentID)
	o.metrics.DropInboxDepth(client.AgentID)
	o.metrics.SetAgentsConnected(len(o.hub.ConnectedAgents()))
}

// AgentHeartbeat refreshes liveness and acknowledges.
func (o *Orchestrator) AgentHeartbeat(client *gateway.Client) {
	if client.Role != gateway.RoleAgent || client.AgentID == "" {
		return
	}
	o.manager.Touch(client.AgentID)
	o.coord.HeartbeatAgent(client.AgentID)
	_ = o.hub.SendToClient(client.ID, models.NewMessage(models.MessageAgentHeartbeatAck, map[string]any{
		"timestamp": time.Now().Unix(),
	}))
}

// AgentTaskResult completes the task carried in the frame. A duplicate
// completion for an already-terminal task is logged and dropped; the first
// result won.
func (o *Orchestrator) AgentTaskResult(client *gateway.Client, data map[string]any) {
	if client.Role != gateway.RoleAgent || client.AgentID == "" {
		return
	}
	spec, ok := data["task"].(map[string]any)
	if !ok {
		o.logger.Warn("task_result frame has no task object", "client_id", client.ID)
		return
	}
	taskID, _ := spec["id"].(string)
	if taskID == "" {
		o.logger.Warn("task_result frame has no task id", "client_id", client.ID)
		return
	}
	result, _ := spec["result"].(map[string]any)
	errMsg, _ := spec["error"].(string)

	status := models.TaskStatusFailed
	switch raw, _ := spec["status"].(string); raw {
	case "ok", "success", "completed":
		status = models.TaskStatusCompleted
	}

	o.manager.Touch(client.AgentID)
	ctx := id.WithIDs(context.Background(), id.IDs{TaskID: taskID, AgentID: client.AgentID})
	_, span := o.tracer.StartSpan(ctx, observability.SpanTaskComplete)
	defer span.End()
	if err := o.coord.CompleteTask(taskID, status, result, errMsg); err != nil {
		if coordinator.IsStateError(err) {
			o.logger.Warn("duplicate task result dropped", "task_id", taskID, "agent_id", client.AgentID)
			return
		}
		o.logger.Error("task result rejected", "task_id", taskID, "error", err)
	}
}

// UserCommand serves the dashboard verbs.
func (o *Orchestrator) UserCommand(client *gateway.Client, data map[string]any) {
	command, _ := data["command"].(string)
	switch command {
	case models.CommandListAgents:
		_ = o.hub.SendToClient(client.ID, models.NewMessage(models.MessageUserAgents, map[string]any{
			"agents": o.coord.ListAgents(),
		}))
	case models.CommandCreateTask:
		o.userCreateTask(client, data)
	case models.CommandCreateWorkflow:
		o.userCreateWorkflow(client, data)
	case models.CommandRecentEvents:
		limit := 50
		if n, ok := data["limit"].(float64); ok && n > 0 {
			limit = int(n)
		}
		_ = o.hub.SendToClient(client.ID, models.NewMessage(models.MessageUserEvents, map[string]any{
			"events": o.history.Recent(limit),
		}))
	default:
		o.logger.Warn("unknown user command dropped", "client_id", client.ID, "command", command)
	}
}

func (o *Orchestrator) userCreateTask(client *gateway.Client, data map[string]any) {
	spec, ok := data["task"].(map[string]any)
	if !ok {
		o.sendError(client, "create_task command has no task object")
		return
	}
	task, err := taskFromSpec(spec)
	if err != nil {
		o.sendError(client, err.Error())
		return
	}
	ctx := id.WithTaskID(context.Background(), task.ID)
	_, span := o.tracer.StartSpan(ctx, observability.SpanTaskSubmit)
	defer span.End()
	if err := o.coord.SubmitTask(task); err != nil {
		o.sendError(client, "task rejected: "+err.Error())
		return
	}
	_ = o.hub.SendToClient(client.ID, models.NewMessage(models.MessageUserTaskCreated, map[string]any{
		"task_id": task.ID,
		"status":  "created",
	}))
}

func (o *Orchestrator) userCreateWorkflow(client *gateway.Client, data map[string]any) {
	spec, ok := data["workflow"].(map[string]any)
	if !ok {
		o.sendError(client, "create_workflow command has no workflow object")
		return
	}
	wf := workflowFromSpec(spec)
	if err := o.coord.SubmitWorkflow(wf); err != nil {
		o.sendError(client, "workflow rejected: "+err.Error())
		return
	}
	if execute, _ := data["execute"].(bool); execute {
		if err := o.coord.ExecuteWorkflow(wf.ID); err != nil {
			o.sendError(client, "workflow execution rejected: "+err.Error())
			return
		}
	}
	_ = o.hub.SendToClient(client.ID, models.NewMessage(models.MessageUserWorkflowCreated, map[string]any{
		"workflow_id": wf.ID,
		"status":      "created",
	}))
}

// AgentDisconnected handles a dropped connection: detach the dispatch loop
// and unregister, which fails any running work with agent_lost.
func (o *Orchestrator) AgentDisconnected(agentID string) {
	o.manager.Detach(agentID)
	o.coord.UnregisterAgent(agentID)
	o.metrics.DropInboxDepth(agentID)
	o.metrics.SetAgentsConnected(len(o.hub.ConnectedAgents()))
}

func (o *Orchestrator) sendError(client *gateway.Client, msg string) {
	_ = o.hub.SendToClient(client.ID, models.NewMessage(models.MessageError, map[string]any{
		"error": msg,
	}))
}

// taskFromSpec builds a task from a JSON-shaped map, as carried by frames
// and the REST surface.
func taskFromSpec(spec map[string]any) (*models.Task, error) {
	taskType, _ := spec["type"].(string)
	if taskType == "" {
		return nil, errors.New("task has no type")
	}
	agentID, _ := spec["agent_id"].(string)
	payload, _ := spec["payload"].(map[string]any)
	priority := 0
	switch n := spec["priority"].(type) {
	case float64:
		priority = int(n)
	case int:
		priority = n
	}
	task := models.NewTask(agentID, taskType, priority, payload)
	switch n := spec["timeout"].(type) {
	case float64:
		if n > 0 {
			task.Timeout = time.Duration(n) * time.Second
		}
	case int:
		if n > 0 {
			task.Timeout = time.Duration(n) * time.Second
		}
	}
	return task, nil
}

// workflowFromSpec builds a workflow from a JSON-shaped map.
func workflowFromSpec(spec map[string]any) *models.Workflow {
	name, _ := spec["name"].(string)
	description, _ := spec["description"].(string)
	wf := models.NewWorkflow(name, description)
	if policy, ok := spec["error_policy"].(string); ok {
		wf.Config[models.WorkflowConfigErrorPolicy] = policy
	}
	steps, _ := spec["steps"].([]any)
	for _, raw := range steps {
		stepMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		step := models.WorkflowStep{}
		step.ID, _ = stepMap["id"].(string)
		step.Type, _ = stepMap["type"].(string)
		step.Agent, _ = stepMap["agent"].(string)
		step.Payload, _ = stepMap["payload"].(map[string]any)
		step.Parallel, _ = stepMap["parallel"].(bool)
		if secs, ok := stepMap["timeout"].(float64); ok && secs > 0 {
			step.Timeout = time.Duration(secs) * time.Second
		}
		if deps, ok := stepMap["depends_on"].([]any); ok {
			for _, dep := range deps {
				if depID, ok := dep.(string); ok {
					step.DependsOn = append(step.DependsOn, depID)
				}
			}
		}
		wf.AddStep(step)
	}
	return wf
}
