// Package gateway multiplexes the real-time full-duplex channel between
// external peers (agents, user dashboards, monitors) and the orchestrator
// core. Frames follow the {type, timestamp, data} schema.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"maestro/internal/models"
	id "maestro/internal/utils/id"
)

// ErrClientNotFound means no live connection exists for the target.
var ErrClientNotFound = errors.New("client not connected")

// DefaultSendBuffer is the per-connection outbound channel capacity.
const DefaultSendBuffer = 256

// Handler receives routed inbound frames. Implemented by the orchestrator.
type Handler interface {
	AgentRegister(client *Client, data map[string]any)
	AgentUnregister(client *Client)
	AgentHeartbeat(client *Client)
	AgentTaskResult(client *Client, data map[string]any)
	UserCommand(client *Client, data map[string]any)
	AgentDisconnected(agentID string)
}

// Hub owns the client registry and the agent index. Its lock guards only
// map access, never a write to a connection.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	agents  map[string]string // agent id → client id

	handler    Handler
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *slog.Logger
}

// NewHub creates a hub. sendBuffer <= 0 selects the default capacity.
func NewHub(sendBuffer int, logger *slog.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]*Client),
		agents:  make(map[string]string),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin enforcement is an upstream concern.
				return true
			},
		},
		sendBuffer: sendBuffer,
		logger:     logger.With("component", "gateway"),
	}
}

// SetHandler wires the frame handler. Must be called before ServeWS.
func (h *Hub) SetHandler(handler Handler) { h.handler = handler }

// ServeWS upgrades the request and serves the connection with a reader and a
// writer goroutine. New peers default to the user role until they register
// as an agent.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		ID:       id.NewClientID(),
		Role:     RoleUser,
		conn:     conn,
		send:     make(chan models.Message, h.sendBuffer),
		lastSeen: time.Now(),
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	client.trySend(models.NewMessage(models.MessageWelcome, map[string]any{
		"client_id": client.ID,
		"server":    "maestro",
	}))
	h.logger.Info("client connected", "client_id", client.ID)

	go h.writePump(client)
	go h.readPump(client)
}

// Unregister tears the client down: the registry entry goes away, the send
// channel closes, and a bound agent is reported as disconnected.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, clientID)
	agentID := client.AgentID
	if agentID != "" && h.agents[agentID] == clientID {
		delete(h.agents, agentID)
	}
	h.mu.Unlock()

	client.close()
	h.logger.Info("client disconnected", "client_id", clientID, "agent_id", agentID)
	if client.Role == RoleAgent && agentID != "" && h.handler != nil {
		h.handler.AgentDisconnected(agentID)
	}
}

// BindAgent marks the client as the live connection for an agent. A previous
// connection for the same agent is superseded but left open; its reads will
// fail or its heartbeats lapse on their own.
func (h *Hub) BindAgent(client *Client, agentID string) {
	h.mu.Lock()
	client.Role = RoleAgent
	client.AgentID = agentID
	h.agents[agentID] = client.ID
	h.mu.Unlock()
}

// BindRole sets a non-agent role, e.g. a dashboard declaring itself monitor.
func (h *Hub) BindRole(client *Client, role Role) {
	h.mu.Lock()
	client.Role = role
	h.mu.Unlock()
}

// SendToClient queues a frame for one client. Drops rather than blocks.
func (h *Hub) SendToClient(clientID string, msg models.Message) error {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return ErrClientNotFound
	}
	if !client.trySend(msg) {
		h.logger.Warn("frame dropped, send buffer full", "client_id", clientID, "type", msg.Type)
		return errors.New("send buffer full")
	}
	return nil
}

// SendToAgent queues a frame for the agent's live connection.
func (h *Hub) SendToAgent(agentID string, msg models.Message) error {
	h.mu.RLock()
	clientID, ok := h.agents[agentID]
	h.mu.RUnlock()
	if !ok {
		return ErrClientNotFound
	}
	return h.SendToClient(clientID, msg)
}

// Broadcast fans a frame out to every client holding one of the given roles.
// Slow receivers lose frames instead of stalling the rest.
func (h *Hub) Broadcast(msg models.Message, roles ...Role) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		for _, role := range roles {
			if client.Role == role {
				targets = append(targets, client)
				break
			}
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if !client.trySend(msg) {
			h.logger.Debug("broadcast frame dropped", "client_id", client.ID, "type", msg.Type)
		}
	}
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ConnectedAgents returns the agent ids with a live connection.
func (h *Hub) ConnectedAgents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.agents))
	for agentID := range h.agents {
		out = append(out, agentID)
	}
	return out
}

// CloseAll tears down every connection, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[string]*Client)
	h.agents = make(map[string]string)
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

// route dispatches one inbound frame. Unknown types are logged and dropped;
// the connection stays up.
func (h *Hub) route(client *Client, msg models.Message) {
	if h.handler == nil {
		return
	}
	switch msg.Type {
	case models.MessageAgentRegister:
		h.handler.AgentRegister(client, msg.Data)
	case models.MessageAgentUnregister:
		h.handler.AgentUnregister(client)
	case models.MessageAgentHeartbeat:
		h.handler.AgentHeartbeat(client)
	case models.MessageAgentTaskResult:
		h.handler.AgentTaskResult(client, msg.Data)
	case models.MessageUserCommand:
		h.handler.UserCommand(client, msg.Data)
	default:
		logRole(h.logger, client).Warn("unknown frame type dropped", "type", msg.Type)
	}
}
