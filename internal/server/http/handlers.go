package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"maestro/internal/coordinator"
	"maestro/internal/models"
	"maestro/internal/observability"
	"maestro/internal/orchestrator"
	"maestro/internal/utils/id"
)

type handlers struct {
	orch    *orchestrator.Orchestrator
	version string
}

// --- health ---

func (h *handlers) health(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{
		"status":    "ok",
		"version":   h.version,
		"uptime":    h.orch.Uptime().String(),
		"timestamp": time.Now(),
	})
}

// --- agents ---

type agentRequest struct {
	ID           string         `json:"id"`
	Name         string         `json:"name" binding:"required"`
	Type         string         `json:"type"`
	Capabilities []string       `json:"capabilities"`
	Config       map[string]any `json:"config"`
}

func (h *handlers) createAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, err)
		return
	}
	agent := models.NewAgent(req.Name, req.Type, req.Capabilities)
	if req.ID != "" {
		agent.ID = req.ID
	}
	if req.Config != nil {
		agent.Config = req.Config
	}
	if err := h.orch.Coordinator().RegisterAgent(agent); err != nil {
		fail(c, err)
		return
	}
	stored, err := h.orch.Coordinator().GetAgent(agent.ID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, stored)
}

func (h *handlers) listAgents(c *gin.Context) {
	respond(c, http.StatusOK, h.orch.Coordinator().ListAgents())
}

func (h *handlers) getAgent(c *gin.Context) {
	agent, err := h.orch.Coordinator().GetAgent(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, agent)
}

type agentUpdateRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *handlers) updateAgent(c *gin.Context) {
	var req agentUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, err)
		return
	}
	agentID := c.Param("id")
	if _, err := h.orch.Coordinator().GetAgent(agentID); err != nil {
		fail(c, err)
		return
	}
	h.orch.Coordinator().UpdateAgentStatus(agentID, models.AgentStatus(req.Status))
	agent, err := h.orch.Coordinator().GetAgent(agentID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, agent)
}

func (h *handlers) deleteAgent(c *gin.Context) {
	h.orch.Coordinator().UnregisterAgent(c.Param("id"))
	respond(c, http.StatusOK, gin.H{"status": "removed"})
}

// --- tasks ---

type taskRequest struct {
	Type     string         `json:"type" binding:"required"`
	AgentID  string         `json:"agent_id"`
	Priority int            `json:"priority"`
	Payload  map[string]any `json:"payload"`
	Timeout  int            `json:"timeout"` // seconds
}

func (h *handlers) createTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, err)
		return
	}
	task := models.NewTask(req.AgentID, req.Type, req.Priority, req.Payload)
	if req.Timeout > 0 {
		task.Timeout = time.Duration(req.Timeout) * time.Second
	}
	ctx := id.WithTaskID(c.Request.Context(), task.ID)
	_, span := h.orch.Tracer().StartSpan(ctx, observability.SpanTaskSubmit,
		attribute.String(observability.AttrTaskType, task.Type))
	defer span.End()
	if err := h.orch.Coordinator().SubmitTask(task); err != nil {
		fail(c, err)
		return
	}
	stored, err := h.orch.Coordinator().GetTask(task.ID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, stored)
}

func (h *handlers) listTasks(c *gin.Context) {
	filter := coordinator.TaskFilter{
		Status:     models.TaskStatus(c.Query("status")),
		AgentID:    c.Query("agent_id"),
		WorkflowID: c.Query("workflow_id"),
	}
	respond(c, http.StatusOK, h.orch.Coordinator().ListTasks(filter))
}

func (h *handlers) getTask(c *gin.Context) {
	task, err := h.orch.Coordinator().GetTask(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, task)
}

func (h *handlers) cancelTask(c *gin.Context) {
	if err := h.orch.Coordinator().CancelTask(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"status": "cancelled"})
}

// --- workflows ---

type workflowRequest struct {
	Name        string                `json:"name" binding:"required"`
	Description string                `json:"description"`
	Steps       []workflowStepRequest `json:"steps" binding:"required"`
	ErrorPolicy string                `json:"error_policy"`
}

type workflowStepRequest struct {
	ID        string         `json:"id"`
	Type      string         `json:"type" binding:"required"`
	Agent     string         `json:"agent"`
	Payload   map[string]any `json:"payload"`
	Parallel  bool           `json:"parallel"`
	Timeout   int            `json:"timeout"` // seconds
	DependsOn []string       `json:"depends_on"`
}

func (h *handlers) createWorkflow(c *gin.Context) {
	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, err)
		return
	}
	wf := models.NewWorkflow(req.Name, req.Description)
	if req.ErrorPolicy != "" {
		wf.Config[models.WorkflowConfigErrorPolicy] = req.ErrorPolicy
	}
	for _, s := range req.Steps {
		step := models.WorkflowStep{
			ID:        s.ID,
			Type:      s.Type,
			Agent:     s.Agent,
			Payload:   s.Payload,
			Parallel:  s.Parallel,
			DependsOn: s.DependsOn,
		}
		if s.Timeout > 0 {
			step.Timeout = time.Duration(s.Timeout) * time.Second
		}
		wf.AddStep(step)
	}
	if err := h.orch.Coordinator().SubmitWorkflow(wf); err != nil {
		fail(c, err)
		return
	}
	stored, err := h.orch.Coordinator().GetWorkflow(wf.ID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, stored)
}

func (h *handlers) listWorkflows(c *gin.Context) {
	respond(c, http.StatusOK, h.orch.Coordinator().ListWorkflows())
}

// getWorkflow returns the workflow and, while it is running, the per-step
// run state.
func (h *handlers) getWorkflow(c *gin.Context) {
	workflowID := c.Param("id")
	wf, err := h.orch.Coordinator().GetWorkflow(workflowID)
	if err != nil {
		fail(c, err)
		return
	}
	data := gin.H{"workflow": wf}
	if state := h.orch.Engine().RunState(workflowID); state != nil {
		data["run_state"] = state
	}
	respond(c, http.StatusOK, data)
}

func (h *handlers) executeWorkflow(c *gin.Context) {
	ctx := id.WithWorkflowID(c.Request.Context(), c.Param("id"))
	_, span := h.orch.Tracer().StartSpan(ctx, observability.SpanWorkflowExecute)
	defer span.End()
	if err := h.orch.Coordinator().ExecuteWorkflow(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"status": "started"})
}

// --- schedules ---

type scheduleRequest struct {
	Name     string         `json:"name" binding:"required"`
	Type     string         `json:"type" binding:"required"`
	Cron     string         `json:"cron" binding:"required"`
	Enabled  *bool          `json:"enabled"`
	TargetID string         `json:"target_id"`
	Payload  map[string]any `json:"payload"`
}

func (h *handlers) createSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, err)
		return
	}
	schedule := models.NewSchedule(req.Name, models.ScheduleType(req.Type), req.Cron, req.Payload)
	schedule.TargetID = req.TargetID
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}
	if err := h.orch.Scheduler().Create(schedule); err != nil {
		failBadRequest(c, err)
		return
	}
	stored, err := h.orch.Scheduler().Get(schedule.ID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, stored)
}

func (h *handlers) listSchedules(c *gin.Context) {
	respond(c, http.StatusOK, h.orch.Scheduler().List())
}

func (h *handlers) getSchedule(c *gin.Context) {
	schedule, err := h.orch.Scheduler().Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, schedule)
}

func (h *handlers) updateSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, err)
		return
	}
	schedule := &models.Schedule{
		ID:       c.Param("id"),
		Name:     req.Name,
		Type:     models.ScheduleType(req.Type),
		Cron:     req.Cron,
		TargetID: req.TargetID,
		Payload:  req.Payload,
		Enabled:  true,
	}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}
	if err := h.orch.Scheduler().Update(schedule); err != nil {
		fail(c, err)
		return
	}
	stored, err := h.orch.Scheduler().Get(schedule.ID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, stored)
}

func (h *handlers) deleteSchedule(c *gin.Context) {
	h.orch.Scheduler().Delete(c.Param("id"))
	respond(c, http.StatusOK, gin.H{"status": "removed"})
}

// --- events ---

func (h *handlers) listEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			failBadRequest(c, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	respond(c, http.StatusOK, h.orch.History().Recent(limit))
}
