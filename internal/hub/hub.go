// Package hub tracks live socket connections by role and connection id.
package hub

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"genesis/internal/metrics"
)

// Role groups connections that serve the same purpose.
type Role string

const (
	RoleChat     Role = "chat"
	RoleWorker   Role = "worker"
	RoleFrontend Role = "frontend"
)

// Peer receives JSON frames. *mux.Writer implements it.
type Peer interface {
	Send(v any) error
}

// Connection is a registered peer.
type Connection struct {
	ID          string
	Role        Role
	Peer        Peer
	ConnectedAt time.Time
}

// Hub is a concurrency-safe connection registry.
type Hub struct {
	mu    sync.RWMutex
	conns map[Role]map[string]Connection
}

// New constructs an empty Hub.
func New() *Hub {
	return &Hub{conns: make(map[Role]map[string]Connection)}
}

// Register stores peer under role and returns its new connection id.
func (h *Hub) Register(role Role, peer Peer) string {
	id := uuid.NewString()

	h.mu.Lock()
	byID, ok := h.conns[role]
	if !ok {
		byID = make(map[string]Connection)
		h.conns[role] = byID
	}
	byID[id] = Connection{ID: id, Role: role, Peer: peer, ConnectedAt: time.Now()}
	h.mu.Unlock()

	metrics.ActiveConnections.WithLabelValues(string(role)).Inc()
	slog.Info("connection registered", "role", role, "connection_id", id)
	return id
}

// Unregister removes a connection. It reports whether the id was registered.
func (h *Hub) Unregister(role Role, id string) bool {
	h.mu.Lock()
	_, ok := h.conns[role][id]
	if ok {
		delete(h.conns[role], id)
	}
	h.mu.Unlock()

	if ok {
		metrics.ActiveConnections.WithLabelValues(string(role)).Dec()
		slog.Info("connection unregistered", "role", role, "connection_id", id)
	}
	return ok
}

// Get returns a registered connection.
func (h *Hub) Get(role Role, id string) (Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[role][id]
	return c, ok
}

// List returns the connections registered under role, oldest first.
func (h *Hub) List(role Role) []Connection {
	h.mu.RLock()
	out := make([]Connection, 0, len(h.conns[role]))
	for _, c := range h.conns[role] {
		out = append(out, c)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Count returns the number of connections under role.
func (h *Hub) Count(role Role) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[role])
}

// Broadcast sends v to every connection under role and returns how many accepted it. Peers
// that fail are unregistered. Sends happen outside the lock.
func (h *Hub) Broadcast(role Role, v any) int {
	delivered := 0
	for _, c := range h.List(role) {
		if err := c.Peer.Send(v); err != nil {
			slog.Warn("dropping unreachable peer", "role", role, "connection_id", c.ID, "error", err)
			h.Unregister(role, c.ID)
			continue
		}
		delivered++
	}
	return delivered
}
