package websocket

import (
	"context"
	"encoding/json"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/rota/internal/model"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
)

// Client represents a single WebSocket connection. userID and sessionID are
// guarded by the hub's mutex.
type Client struct {
	hub       *Hub
	conn      *ws.Conn
	send      chan []byte
	userID    string
	sessionID string
}

// NewClient creates a Client tied to the given hub and connection.
func NewClient(hub *Hub, conn *ws.Conn) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

// Run registers the client, starts the write pump, and runs the read pump.
// It blocks until the connection is closed, then unregisters.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// readPump handles control messages from the client. It returns on error
// (connection close), which triggers cleanup.
func (c *Client) readPump(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.hub.logger.Debug("malformed client message", "error", err)
		return
	}

	switch msg.Type {
	case model.MessageAuth:
		if c.hub.authenticate(c, msg.Token, msg.UserID) {
			c.hub.reply(c, model.Message{Type: model.MessageAuthSuccess})
		} else {
			c.hub.reply(c, model.Message{Type: model.MessageAuthFailed})
		}
	case model.MessagePing:
		c.hub.reply(c, model.Message{Type: model.MessagePong})
	default:
		c.hub.logger.Debug("ignoring client message", "type", msg.Type)
	}
}

// writePump drains the send channel and writes messages to the WebSocket.
// It also sends periodic pings to detect stale connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				// Hub dropped the client; end the connection so readPump returns.
				c.conn.Close(ws.StatusPolicyViolation, "session ended")
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
