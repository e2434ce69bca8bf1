package fanout

import (
	"context"
	"errors"
	"sync"

	"github.com/labstack/gommon/log"
	"uk.co.dudmesh.relay/internal/bus"
	"uk.co.dudmesh.relay/internal/model"
)

var ErrorConnectionNotFound = errors.New("connection not found on this instance")

// Conn is a live connection owned by this instance.
type Conn interface {
	Send(ctx context.Context, event *model.Event) error
}

// Hub tracks this instance's connections and which chat rooms they joined.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]Conn
	rooms map[model.ChatID]map[string]struct{}
	joins map[string]map[model.ChatID]struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]Conn),
		rooms: make(map[model.ChatID]map[string]struct{}),
		joins: make(map[string]map[model.ChatID]struct{}),
	}
}

func (h *Hub) Register(connID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[connID] = conn
	if h.joins[connID] == nil {
		h.joins[connID] = make(map[model.ChatID]struct{})
	}
}

// Unregister drops the connection and all of its room memberships.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.joins[connID] {
		h.leave(connID, room)
	}
	delete(h.joins, connID)
	delete(h.conns, connID)
}

// Join is a no-op for an unknown connection or a room already joined.
func (h *Hub) Join(connID string, room model.ChatID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connID]; !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]struct{})
	}
	h.rooms[room][connID] = struct{}{}
	h.joins[connID][room] = struct{}{}
}

func (h *Hub) Leave(connID string, room model.ChatID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(connID, room)
}

func (h *Hub) leave(connID string, room model.ChatID) {
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if joined, ok := h.joins[connID]; ok {
		delete(joined, room)
	}
}

func (h *Hub) InRoom(connID string, room model.ChatID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][connID]
	return ok
}

func (h *Hub) Has(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[connID]
	return ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) SendTo(ctx context.Context, connID string, event *model.Event) error {
	h.mu.RLock()
	conn, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return ErrorConnectionNotFound
	}
	return conn.Send(ctx, event)
}

// SendRoom emits to every local member of the room. Send failures are logged;
// the transport layer closes broken connections.
func (h *Hub) SendRoom(ctx context.Context, room model.ChatID, event *model.Event) int {
	h.mu.RLock()
	conns := make(map[string]Conn, len(h.rooms[room]))
	for connID := range h.rooms[room] {
		conns[connID] = h.conns[connID]
	}
	h.mu.RUnlock()
	return h.sendEach(ctx, conns, event)
}

func (h *Hub) SendAll(ctx context.Context, event *model.Event) int {
	h.mu.RLock()
	conns := make(map[string]Conn, len(h.conns))
	for connID, conn := range h.conns {
		conns[connID] = conn
	}
	h.mu.RUnlock()
	return h.sendEach(ctx, conns, event)
}

func (h *Hub) sendEach(ctx context.Context, conns map[string]Conn, event *model.Event) int {
	sent := 0
	for connID, conn := range conns {
		if err := conn.Send(ctx, event); err != nil {
			log.Warnf("hub: sending %s to %s: %+v", event.Name, connID, err)
			continue
		}
		sent++
	}
	return sent
}

// Deliver routes an envelope arriving from the bus to local connections.
func (h *Hub) Deliver(ctx context.Context, env *bus.Envelope) {
	switch {
	case env.Target != "":
		if err := h.SendTo(ctx, env.Target.Connection(), env.Event); err != nil {
			log.Warnf("hub: delivering %s to %s: %+v", env.Event.Name, env.Target, err)
		}
	case env.Room != "":
		h.SendRoom(ctx, env.Room, env.Event)
	default:
		h.SendAll(ctx, env.Event)
	}
}
