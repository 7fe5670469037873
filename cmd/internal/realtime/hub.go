package realtime

import (
	"log/slog"
	"sync"

	v1 "parley/shared/contracts/realtime/v1"
)

// Hub is the set of every live connection on this node, anonymous ones included.
//
// Concurrency guarantees:
// - Attach/Detach are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		conns: make(map[string]*Client),
	}
}

// Attach adds a connection. It reports false if the id is already attached.
func (h *Hub) Attach(c *Client) bool {
	if c == nil || c.ID == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c.ID]; ok {
		return false
	}
	h.conns[c.ID] = c
	return true
}

// Detach removes a connection. It reports whether it was attached.
func (h *Hub) Detach(c *Client) bool {
	if c == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	cur, ok := h.conns[c.ID]
	if !ok || cur != c {
		return false
	}
	delete(h.conns, c.ID)
	return true
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast fans an envelope out to every live connection.
// Non-blocking: if a queue is full or the client is shutting down, it is dropped.
func (h *Hub) Broadcast(env v1.Envelope) (delivered, dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.conns {
		if c.trySend(env) {
			delivered++
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		h.log.Debug("hub.broadcast.drop", "type", env.Type, "dropped", dropped)
	}
	return delivered, dropped
}
