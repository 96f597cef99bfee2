package models

import (
	"time"

	id "maestro/internal/utils/id"
)

// Agent is a long-lived worker connected over the gateway. It advertises a
// set of capability tags and accepts dispatched tasks whose type matches one
// of them.
type Agent struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	Status       AgentStatus       `json:"status"`
	Capabilities []string          `json:"capabilities"`
	Config       map[string]any    `json:"config"`
	LastSeen     time.Time         `json:"last_seen"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Metadata     map[string]string `json:"metadata"`
}

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusIdle       AgentStatus = "idle"
	AgentStatusActive     AgentStatus = "active"
	AgentStatusBusy       AgentStatus = "busy"
	AgentStatusOffline    AgentStatus = "offline"
	AgentStatusError      AgentStatus = "error"
	AgentStatusTerminated AgentStatus = "terminated"
)

// NewAgent creates an agent in Idle state with a fresh identifier.
func NewAgent(name, agentType string, capabilities []string) *Agent {
	now := time.Now()
	return &Agent{
		ID:           id.NewAgentID(),
		Name:         name,
		Type:         agentType,
		Status:       AgentStatusIdle,
		Capabilities: capabilities,
		Config:       make(map[string]any),
		LastSeen:     now,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     make(map[string]string),
	}
}

// HasCapability reports whether the agent advertises the given tag.
func (a *Agent) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Clone returns a copy safe to hand out to readers. Nested maps are copied
// one level deep; values are treated as immutable by convention.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	cp.Config = cloneAnyMap(a.Config)
	cp.Metadata = cloneStringMap(a.Metadata)
	return &cp
}
