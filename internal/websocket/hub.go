package websocket

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"

	"github.com/dukerupert/rota/internal/auth"
	"github.com/dukerupert/rota/internal/model"
)

// TokenVerifier checks the token a client presents in its auth message.
type TokenVerifier interface {
	Verify(token string) (auth.AuthContext, error)
}

// Hub maintains the set of active WebSocket clients and delivers each event
// only to the authenticated clients of the users entitled to see it.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	verifier TokenVerifier
	logger   *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(verifier TokenVerifier, logger *slog.Logger) *Hub {
	return &Hub{
		clients:  make(map[*Client]struct{}),
		verifier: verifier,
		logger:   logger,
	}
}

// Register adds a client to the hub. It receives nothing until it
// authenticates.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// authenticate binds c to the identity behind token. A token issued to a
// different user than the one claimed is rejected.
func (h *Hub) authenticate(c *Client, token, userID string) bool {
	ac, err := h.verifier.Verify(token)
	if err != nil {
		h.logger.Debug("websocket auth rejected", "error", err)
		return false
	}
	if userID != "" && userID != ac.UserID {
		h.logger.Debug("websocket auth user mismatch", "claimed", userID, "token_user", ac.UserID)
		return false
	}

	h.mu.Lock()
	c.userID = ac.UserID
	c.sessionID = ac.SessionID
	h.mu.Unlock()
	return true
}

// Publish sends msg to every authenticated client whose user is in audience.
func (h *Hub) Publish(msg model.Message, audience ...string) {
	if len(audience) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.clients {
		if c.userID == "" || !slices.Contains(audience, c.userID) {
			continue
		}
		select {
		case c.send <- data:
			delivered++
		default:
			h.logger.Warn("client buffer full, dropping event", "type", msg.Type, "user_id", c.userID)
		}
	}
	h.logger.Debug("published", "type", msg.Type, "chore_id", msg.ChoreID, "clients", delivered)
}

// reply sends msg to a single client if it is still registered.
func (h *Hub) reply(c *Client, msg model.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal reply", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// RevokeSession disconnects every client authenticated with sessionID.
func (h *Hub) RevokeSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.sessionID == sessionID {
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// UserClientCount returns the number of authenticated clients of userID.
func (h *Hub) UserClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.userID == userID {
			n++
		}
	}
	return n
}
