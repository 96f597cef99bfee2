package models

import "time"

// Message is the wire frame exchanged over the gateway. Every frame carries
// a type, a timestamp, and an opaque data object.
type Message struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Inbound frame types accepted from peers.
const (
	MessageAgentRegister   = "agent.register"
	MessageAgentUnregister = "agent.unregister"
	MessageAgentHeartbeat  = "agent.heartbeat"
	MessageAgentTaskResult = "agent.task_result"
	MessageUserCommand     = "user.command"
)

// Outbound frame types pushed to peers. Settlement notifications to user and
// monitor connections are fanned out under the Event* names (task.completed,
// task.timeout, ...) rather than dedicated frame constants.
const (
	MessageWelcome             = "welcome"
	MessageTaskDispatch        = "task.dispatch"
	MessageTaskCancel          = "task.cancel"
	MessageAgentRegistered     = "agent.registered"
	MessageAgentHeartbeatAck   = "agent.heartbeat_ack"
	MessageUserAgents          = "user.agents"
	MessageUserTaskCreated     = "user.task_created"
	MessageUserWorkflowCreated = "user.workflow_created"
	MessageUserEvents          = "user.events"
	MessageError               = "error"
)

// User command names carried in user.command frames.
const (
	CommandListAgents     = "list_agents"
	CommandCreateTask     = "create_task"
	CommandCreateWorkflow = "create_workflow"
	CommandRecentEvents   = "recent_events"
)

// NewMessage stamps a frame with the current time.
func NewMessage(messageType string, data map[string]any) Message {
	return Message{
		Type:      messageType,
		Timestamp: time.Now(),
		Data:      data,
	}
}
