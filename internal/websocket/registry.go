package websocket

import (
	"log/slog"
	"sync"
)

// Registry tracks the live gateway connection of each project participant.
// ARCHITECTURAL DISCOVERY: Connection replacement pattern coordinates with cleanup
// so a user who reconnects never leaves an orphaned socket behind.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]map[string]*Connection // projectID -> userID -> Connection
	closed bool
	logger *slog.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]map[string]*Connection),
		logger: logger,
	}
}

// RegisterConnection records conn under its credentials and returns the
// connection it replaced. The replaced connection is closed asynchronously.
func (r *Registry) RegisterConnection(conn *Connection) (*Connection, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return nil, ErrConnectionNotAuthenticated
	}
	projectID, userID := conn.GetProjectID(), conn.GetUserID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}

	users, ok := r.conns[projectID]
	if !ok {
		users = make(map[string]*Connection)
		r.conns[projectID] = users
	}
	previous := users[userID]
	users[userID] = conn
	if previous == nil || previous == conn {
		return nil, nil
	}

	// FUNCTIONAL DISCOVERY: Close outside the lock to prevent deadlock with the old read loop
	go func() {
		if err := previous.Close(); err != nil {
			r.logger.Debug("closing replaced connection failed", "error", err)
		}
	}()
	return previous, nil
}

// UnregisterConnection removes conn only if it is still the registered
// connection for its user.
// RACE CONDITION FIX: a late cleanup of a replaced connection must not evict its successor
func (r *Registry) UnregisterConnection(conn *Connection) bool {
	if conn == nil {
		return false
	}
	projectID, userID := conn.GetProjectID(), conn.GetUserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.conns[projectID]
	if !ok || users[userID] != conn {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(r.conns, projectID)
	}
	return true
}

// GetConnection returns the live connection of userID in projectID.
func (r *Registry) GetConnection(projectID, userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[projectID][userID]
	return conn, ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, users := range r.conns {
		n += len(users)
	}
	return n
}

// CloseAll closes every registered connection and refuses new ones.
// Hijacked sockets are invisible to http.Server.Shutdown, so this is how
// the gateway drains on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	var all []*Connection
	for _, users := range r.conns {
		for _, conn := range users {
			all = append(all, conn)
		}
	}
	r.conns = make(map[string]map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range all {
		_ = conn.Close()
	}
}
