package models

import "time"

// Event is an internal notification emitted on every state transition. The
// workflow engine and the gateway fan-out consume events; external monitors
// receive a subset as frames.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Event types emitted by the coordinator, the workflow engine, and the
// scheduler.
const (
	EventTaskSubmitted = "task.submitted"
	EventTaskAssigned  = "task.assigned"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventTaskCancelled = "task.cancelled"
	EventTaskTimeout   = "task.timeout"

	EventAgentRegistered   = "agent.registered"
	EventAgentUnregistered = "agent.unregistered"
	EventAgentOffline      = "agent.offline"

	EventWorkflowStarted   = "workflow.started"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowFailed    = "workflow.failed"

	EventScheduleFired = "schedule.fired"
)

// NewEvent stamps an event with the current time.
func NewEvent(eventType string, data map[string]any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}
