package id

import "context"

type contextKey string

const (
	taskKey     contextKey = "maestro_task_id"
	agentKey    contextKey = "maestro_agent_id"
	workflowKey contextKey = "maestro_workflow_id"
)

// IDs captures the identifiers propagated across dispatch boundaries, mainly
// so spans and log lines agree on who did what.
type IDs struct {
	TaskID     string
	AgentID    string
	WorkflowID string
}

// WithTaskID stores the task identifier on the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskKey, taskID)
}

// WithAgentID stores the agent identifier on the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	if agentID == "" {
		return ctx
	}
	return context.WithValue(ctx, agentKey, agentID)
}

// WithWorkflowID stores the workflow identifier on the context.
func WithWorkflowID(ctx context.Context, workflowID string) context.Context {
	if workflowID == "" {
		return ctx
	}
	return context.WithValue(ctx, workflowKey, workflowID)
}

// WithIDs stores any provided identifiers on the context.
func WithIDs(ctx context.Context, ids IDs) context.Context {
	ctx = WithTaskID(ctx, ids.TaskID)
	ctx = WithAgentID(ctx, ids.AgentID)
	ctx = WithWorkflowID(ctx, ids.WorkflowID)
	return ctx
}

// TaskIDFromContext extracts the task identifier from context.
func TaskIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if taskID, ok := ctx.Value(taskKey).(string); ok {
		return taskID
	}
	return ""
}

// AgentIDFromContext extracts the agent identifier from context.
func AgentIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if agentID, ok := ctx.Value(agentKey).(string); ok {
		return agentID
	}
	return ""
}

// WorkflowIDFromContext extracts the workflow identifier from context.
func WorkflowIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if workflowID, ok := ctx.Value(workflowKey).(string); ok {
		return workflowID
	}
	return ""
}

// IDsFromContext collects all known identifiers from the context.
func IDsFromContext(ctx context.Context) IDs {
	return IDs{
		TaskID:     TaskIDFromContext(ctx),
		AgentID:    AgentIDFromContext(ctx),
		WorkflowID: WorkflowIDFromContext(ctx),
	}
}
