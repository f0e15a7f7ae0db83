// Package session tracks which device connection currently owns each
// authentication token. The registry is the control API's bridge to live
// hardware: a command can only be delivered while a session exists.
package session

import (
	"sync"
)

// Conn is the transport-side handle a session holds. The gateway's
// connection type implements it; tests substitute fakes.
type Conn interface {
	// WriteFrame queues an encoded frame for delivery to the device.
	WriteFrame(frame []byte) error

	// Close tears the underlying transport down.
	Close() error
}

// Registry maps authentication tokens to live connections.
//
// A later login with the same token supersedes the earlier session: the old
// connection is closed and the token rebinds to the new one. All methods are
// thread-safe.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Conn
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Conn)}
}

// Register binds a token to a connection. If the token already has a live
// session the old connection is closed and replaced; its eventual disconnect
// cleanup will not disturb the new binding.
func (r *Registry) Register(token string, conn Conn) {
	r.mu.Lock()
	old, ok := r.sessions[token]
	r.sessions[token] = conn
	r.mu.Unlock()

	if ok && old != conn {
		old.Close() //nolint:errcheck // superseded connection, best effort
	}
}

// Unregister removes the binding for a token, but only if it still points at
// the given connection. A superseded connection unregistering late must not
// evict its successor.
func (r *Registry) Unregister(token string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[token]; ok && current == conn {
		delete(r.sessions, token)
	}
}

// Get returns the live connection for a token, if any.
func (r *Registry) Get(token string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.sessions[token]
	return conn, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every live connection and empties the registry.
// Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]Conn)
	r.mu.Unlock()

	for _, conn := range sessions {
		conn.Close() //nolint:errcheck // shutdown, best effort
	}
}
