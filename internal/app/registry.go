package app

import "trivia-duel-service/internal/domain"

// SeatRef points a connection at its seat in a battle.
type SeatRef struct {
	SessionID string
	Side      domain.Side
}

// SessionRegistry maps connections to the session seat they play.
// Like MatchQueue it belongs to the orchestrator loop.
type SessionRegistry struct {
	byConn    map[string]SeatRef
	bySession map[string]map[string]struct{}
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byConn:    make(map[string]SeatRef),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Bind maps a connection to a seat, replacing any previous mapping of that connection.
func (r *SessionRegistry) Bind(connID string, ref SeatRef) {
	if connID == "" {
		return
	}
	r.Unbind(connID)
	r.byConn[connID] = ref
	conns, ok := r.bySession[ref.SessionID]
	if !ok {
		conns = make(map[string]struct{})
		r.bySession[ref.SessionID] = conns
	}
	conns[connID] = struct{}{}
}

// Rebind moves a seat from an old connection to a new one.
func (r *SessionRegistry) Rebind(oldConnID, newConnID string, ref SeatRef) {
	if oldConnID != "" {
		if cur, ok := r.byConn[oldConnID]; ok && cur == ref {
			r.Unbind(oldConnID)
		}
	}
	r.Bind(newConnID, ref)
}

// Lookup returns the seat bound to a connection.
func (r *SessionRegistry) Lookup(connID string) (SeatRef, bool) {
	ref, ok := r.byConn[connID]
	return ref, ok
}

// Unbind drops a connection mapping.
func (r *SessionRegistry) Unbind(connID string) {
	ref, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)
	if conns, ok := r.bySession[ref.SessionID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.bySession, ref.SessionID)
		}
	}
}

// RemoveSession drops every mapping pointing at the session.
func (r *SessionRegistry) RemoveSession(sessionID string) {
	for connID := range r.bySession[sessionID] {
		delete(r.byConn, connID)
	}
	delete(r.bySession, sessionID)
}

// Len returns the number of bound connections.
func (r *SessionRegistry) Len() int {
	return len(r.byConn)
}
