// Package hub is the per-process room registry: which local connections are
// members of which rooms, and delivery of frames to the current members.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/margwa-realtime/pkg/events"
	"github.com/example/margwa-realtime/pkg/otelhelper"
	"github.com/example/margwa-realtime/pkg/room"
)

// Conn is a local connection as the hub sees it. Send must not block; it is
// called while the room is locked.
type Conn interface {
	ID() string
	Send(data []byte) error
}

type members struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// Hub maps rooms to local connections. Membership changes lock the registry
// and then the room; broadcasts hold only the room's read lock while sending,
// so a Purge returns only after in-flight broadcasts to that connection are done.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[room.ID]*members
	joined map[string]map[room.ID]struct{}

	logger    *slog.Logger
	delivered metric.Int64Counter
	now       func() time.Time
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	delivered, _ := otelhelper.Meter().Int64Counter("realtime_local_deliveries_total",
		metric.WithDescription("Frames handed to local connections, by result"))
	return &Hub{
		rooms:     make(map[room.ID]*members),
		joined:    make(map[string]map[room.ID]struct{}),
		logger:    logger,
		delivered: delivered,
		now:       time.Now,
	}
}

// Join adds c to r. Joining twice is the same as joining once.
func (h *Hub) Join(c Conn, r room.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.rooms[r]
	if !ok {
		m = &members{conns: make(map[string]Conn)}
		h.rooms[r] = m
	}
	m.mu.Lock()
	m.conns[c.ID()] = c
	count := len(m.conns)
	m.mu.Unlock()

	set, ok := h.joined[c.ID()]
	if !ok {
		set = make(map[room.ID]struct{})
		h.joined[c.ID()] = set
	}
	set[r] = struct{}{}

	h.logger.Debug("Joined room", "conn", c.ID(), "room", r, "members", count)
}

// Leave removes connID from r. Leaving a room one is not in is a no-op.
func (h *Hub) Leave(connID string, r room.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removeLocked(connID, r) {
		h.logger.Debug("Left room", "conn", connID, "room", r)
	}
}

// Purge removes connID from every room it is in and returns those rooms.
func (h *Hub) Purge(connID string) []room.ID {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.joined[connID]
	left := make([]room.ID, 0, len(set))
	for r := range set {
		h.removeLocked(connID, r)
		left = append(left, r)
	}
	delete(h.joined, connID)

	if len(left) > 0 {
		h.logger.Debug("Purged connection", "conn", connID, "rooms", len(left))
	}
	return left
}

// removeLocked requires h.mu held for writing.
func (h *Hub) removeLocked(connID string, r room.ID) bool {
	m, ok := h.rooms[r]
	if !ok {
		return false
	}

	m.mu.Lock()
	_, member := m.conns[connID]
	delete(m.conns, connID)
	empty := len(m.conns) == 0
	m.mu.Unlock()

	if empty {
		delete(h.rooms, r)
	}
	if set, ok := h.joined[connID]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(h.joined, connID)
		}
	}
	return member
}

// BroadcastLocal sends event to every local member of r except exclude and
// returns how many members accepted the frame. A member whose send fails
// misses this frame only.
func (h *Hub) BroadcastLocal(r room.ID, event string, payload json.RawMessage, exclude string) int {
	h.mu.RLock()
	m, ok := h.rooms[r]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	frame, err := events.EncodeFrame(event, payload, h.now())
	if err != nil {
		h.logger.Error("Failed to encode frame", "room", r, "event", event, "error", err)
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	sent, dropped := 0, 0
	for id, c := range m.conns {
		if id == exclude {
			continue
		}
		if err := c.Send(frame); err != nil {
			dropped++
			h.logger.Debug("Dropped frame for member", "conn", id, "room", r, "event", event, "error", err)
			continue
		}
		sent++
	}

	h.record(event, "ok", sent)
	h.record(event, "dropped", dropped)
	return sent
}

func (h *Hub) record(event, result string, n int) {
	if n == 0 {
		return
	}
	h.delivered.Add(context.Background(), int64(n), metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("result", result),
	))
}

// IsMember reports whether connID is currently in r.
func (h *Hub) IsMember(connID string, r room.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.joined[connID][r]
	return ok
}

// Rooms returns the rooms connID is in.
func (h *Hub) Rooms(connID string) []room.ID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.joined[connID]
	result := make([]room.ID, 0, len(set))
	for r := range set {
		result = append(result, r)
	}
	return result
}

// Members returns the ids of r's local members.
func (h *Hub) Members(r room.ID) []string {
	h.mu.RLock()
	m, ok := h.rooms[r]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]string, 0, len(m.conns))
	for id := range m.conns {
		result = append(result, id)
	}
	return result
}

// Stats returns the number of non-empty rooms and of connections in at least one room.
func (h *Hub) Stats() (rooms, conns int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms), len(h.joined)
}
