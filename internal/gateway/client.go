package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"maestro/internal/models"
)

// Role classifies a connected peer.
type Role string

const (
	RoleAgent   Role = "agent"
	RoleUser    Role = "user"
	RoleMonitor Role = "monitor"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // must be less than pongWait
	maxMessageSize = 512 * 1024
)

// Client is one gateway connection. Two goroutines serve it: readPump drains
// inbound frames, writePump drains the send channel. They never share the
// connection concurrently.
type Client struct {
	ID      string
	Role    Role
	AgentID string

	conn *websocket.Conn
	send chan models.Message

	mu       sync.Mutex
	closed   bool
	lastSeen time.Time
}

// trySend queues a frame without blocking. A full channel or a closing
// client drops the frame; the caller learns via the return value.
func (c *Client) trySend(msg models.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close shuts the send channel exactly once; writePump then writes the close
// frame and tears the socket down.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// LastSeen reports when the peer last sent anything.
func (c *Client) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// readPump drains inbound frames until the connection fails or closes, then
// unregisters the client. Malformed or unknown frames are logged and
// dropped, never fatal.
func (h *Hub) readPump(client *Client) {
	defer func() {
		h.Unregister(client.ID)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.touch()
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg models.Message
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("connection read failed", "client_id", client.ID, "error", err)
			}
			return
		}
		client.touch()
		_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.route(client, msg)
	}
}

// writePump serializes outbound frames and keepalive pings on the wire. It
// exits when the send channel closes or a write fails.
func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(msg); err != nil {
				h.logger.Debug("connection write failed", "client_id", client.ID, "error", err)
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func logRole(logger *slog.Logger, client *Client) *slog.Logger {
	return logger.With("client_id", client.ID, "role", client.Role, "agent_id", client.AgentID)
}
