package http

import (
	"sync"

	"github.com/rs/zerolog"

	"trivia-duel-service/internal/app"
	"trivia-duel-service/internal/domain"
)

const sendBuffer = 32

// Hub fans events out to websocket connections and battle rooms.
// Sends never block: a connection whose buffer is full loses the event.
type Hub struct {
	log zerolog.Logger

	mu    sync.RWMutex
	conns map[string]chan outboundMessage[any]
	rooms map[string]map[string]struct{}
}

var _ app.Notifier = (*Hub)(nil)

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:   log.With().Str("component", "hub").Logger(),
		conns: make(map[string]chan outboundMessage[any]),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Register opens the outbound queue of a connection.
func (h *Hub) Register(connID string) <-chan outboundMessage[any] {
	ch := make(chan outboundMessage[any], sendBuffer)
	h.mu.Lock()
	h.conns[connID] = ch
	h.mu.Unlock()
	return ch
}

// Unregister drops a connection from every room and closes its queue.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.conns[connID]
	if !ok {
		return
	}
	delete(h.conns, connID)
	for room, members := range h.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	close(ch)
}

func (h *Hub) Send(connID string, ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliver(connID, ev)
}

func (h *Hub) Join(room, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connID]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	members[connID] = struct{}{}
}

func (h *Hub) Leave(room, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) Broadcast(room string, ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID := range h.rooms[room] {
		h.deliver(connID, ev)
	}
}

func (h *Hub) CloseRoom(room string) {
	h.mu.Lock()
	delete(h.rooms, room)
	h.mu.Unlock()
}

// Members counts connections in a room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// deliver must be called with mu held.
func (h *Hub) deliver(connID string, ev domain.Event) {
	ch, ok := h.conns[connID]
	if !ok {
		return
	}
	select {
	case ch <- outboundMessage[any]{Type: ev.Type, Payload: ev.Payload}:
	default:
		h.log.Warn().Str("conn", connID).Str("event", ev.Type).Msg("send buffer full, dropping event")
	}
}
