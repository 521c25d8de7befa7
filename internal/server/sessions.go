package server

import (
	"sync"

	"github.com/coder/websocket"
)

// SessionRegistry tracks the open printer connections by session id.
type SessionRegistry struct {
	conns map[string]*websocket.Conn
	mu    sync.RWMutex
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		conns: make(map[string]*websocket.Conn),
	}
}

// Add registers a connection.
func (r *SessionRegistry) Add(id string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = conn
}

// Remove unregisters a connection.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Count returns the number of open connections.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ForEach calls fn for every open connection.
func (r *SessionRegistry) ForEach(fn func(id string, conn *websocket.Conn)) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, conn := range r.conns {
		fn(id, conn)
	}
}
