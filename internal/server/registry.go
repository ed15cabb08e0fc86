package server

import (
	"net"
	"sort"
	"sync"
	"time"
)

// ActiveSession is an authenticated connection.
type ActiveSession struct {
	ClientID    uint      `json:"client_id"`
	SessionID   string    `json:"sid"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`

	conn net.Conn
}

// SessionRegistry tracks authenticated connections per client.
// Only one active session per client is allowed.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[uint]*ActiveSession // clientID -> session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[uint]*ActiveSession),
	}
}

// Register records conn as the client's session.
// Returns the previous session if one existed (caller should close it).
func (r *SessionRegistry) Register(clientID uint, sessionID string, conn net.Conn) *ActiveSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.sessions[clientID]
	r.sessions[clientID] = &ActiveSession{
		ClientID:    clientID,
		SessionID:   sessionID,
		RemoteAddr:  conn.RemoteAddr().String(),
		ConnectedAt: time.Now(),
		conn:        conn,
	}
	if old != nil && old.conn == conn {
		return nil
	}
	return old
}

// Unregister removes the client's session if it still belongs to conn.
func (r *SessionRegistry) Unregister(clientID uint, conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[clientID]; ok && s.conn == conn {
		delete(r.sessions, clientID)
	}
}

// GetSession returns the active session for a client, if any.
func (r *SessionRegistry) GetSession(clientID uint) (ActiveSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[clientID]
	if !ok {
		return ActiveSession{}, false
	}
	return *s, true
}

// IsConnected checks if a client has an active session.
func (r *SessionRegistry) IsConnected(clientID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[clientID]
	return ok
}

// List returns a snapshot ordered by client ID.
func (r *SessionRegistry) List() []ActiveSession {
	r.mu.RLock()
	out := make([]ActiveSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Close closes the connection backing s.
func (s *ActiveSession) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
