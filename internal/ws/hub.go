package ws

import (
	"sync"

	"github.com/rs/zerolog"
)

// Hub manages the active WebSocket clients of this instance keyed by user ID.
type Hub struct {
	mu    sync.Mutex
	conns map[string]map[*Client]struct{}
	log   zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		conns: make(map[string]map[*Client]struct{}),
		log:   log.With().Str("component", "hub").Logger(),
	}
}

// Register adds a client for its user.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conns[c.userID] == nil {
		h.conns[c.userID] = make(map[*Client]struct{})
	}
	h.conns[c.userID][c] = struct{}{}
}

// Unregister removes a client and closes its send queue, which stops its write pump.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	conns, ok := h.conns[c.userID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.conns, c.userID)
	}
	close(c.send)
}

// Deliver queues payload on every connection of the given users. A client
// whose queue is full is dropped; it resnapshots when it reconnects.
func (h *Hub) Deliver(userIDs []string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, uid := range userIDs {
		for c := range h.conns[uid] {
			select {
			case c.send <- payload:
			default:
				h.log.Warn().Str("user_id", uid).Msg("send queue full, dropping connection")
				h.removeLocked(c)
			}
		}
	}
}

// Connections returns the number of live connections of userID.
func (h *Hub) Connections(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[userID])
}
