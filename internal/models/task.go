package models

import (
	"time"

	id "maestro/internal/utils/id"
)

// DefaultTaskTimeout applies when a submission carries no timeout.
const DefaultTaskTimeout = 30 * time.Second

// Task is a single unit of dispatchable work. Only the coordinator mutates a
// task after submission; everyone else sees clones.
type Task struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Type        string         `json:"type"`
	Priority    int            `json:"priority"`
	Status      TaskStatus     `json:"status"`
	Payload     map[string]any `json:"payload"`
	Result      map[string]any `json:"result"`
	Error       string         `json:"error"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Timeout     time.Duration  `json:"timeout"`
	WorkflowID  string         `json:"workflow_id"`
	Step        int            `json:"step"`
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusTimeout   TaskStatus = "timeout"
)

// Terminal reports whether the status is a final state. Tasks never leave a
// terminal state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimeout:
		return true
	}
	return false
}

// Distinguishing task error strings set by the coordinator.
const (
	TaskErrAgentLost     = "agent_lost"
	TaskErrTransportLost = "transport_lost"
)

// NewTask creates a pending task. agentID may be empty; a non-empty value
// pins the task to that exact agent.
func NewTask(agentID, taskType string, priority int, payload map[string]any) *Task {
	return &Task{
		ID:        id.NewTaskID(),
		AgentID:   agentID,
		Type:      taskType,
		Priority:  priority,
		Status:    TaskStatusPending,
		Payload:   payload,
		CreatedAt: time.Now(),
		Timeout:   DefaultTaskTimeout,
	}
}

// Clone returns a copy safe to hand out to readers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Payload = cloneAnyMap(t.Payload)
	cp.Result = cloneAnyMap(t.Result)
	if t.StartedAt != nil {
		started := *t.StartedAt
		cp.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		cp.CompletedAt = &completed
	}
	return &cp
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
