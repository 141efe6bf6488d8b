package realtime

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/x402flash/facilitator/internal/protocol"
)

// Role identifies what a connection is allowed to do.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleProvider Role = "provider"
	RoleObserver Role = "observer"
)

// ParseRole maps the type query parameter to a role. "dashboard" is an
// observer; anything unrecognized is treated as an agent.
func ParseRole(s string) Role {
	switch s {
	case "provider":
		return RoleProvider
	case "dashboard", "observer":
		return RoleObserver
	default:
		return RoleAgent
	}
}

// Errors
var (
	ErrClientClosed = errors.New("realtime: connection closed")
	ErrClientSlow   = errors.New("realtime: send buffer full")
)

const (
	sendBuffer = 256
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client is one WebSocket connection. Writes go through a buffered channel
// drained by writePump so slow peers never block the caller.
type Client struct {
	conn   *websocket.Conn
	role   Role
	logger *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(conn *websocket.Conn, role Role, logger *slog.Logger) *Client {
	return &Client{
		conn:   conn,
		role:   role,
		logger: logger,
		send:   make(chan []byte, sendBuffer),
	}
}

// Role returns the connection's role.
func (c *Client) Role() Role { return c.role }

// Send encodes msg as JSON and queues it.
func (c *Client) Send(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.sendRaw(data)
}

func (c *Client) sendRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrClientSlow
	}
}

// Close flushes queued messages and closes the connection. Safe to call
// more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

// readPump delivers each frame to handle until the peer goes away.
func (c *Client) readPump(handle func([]byte)) {
	c.conn.SetReadLimit(protocol.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.logger.Debug("websocket read error", "role", c.role, "error", err)
			}
			return
		}
		handle(message)
	}
}

// writePump writes queued messages and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error", "role", c.role, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("websocket ping failed", "role", c.role, "error", err)
				return
			}
		}
	}
}
