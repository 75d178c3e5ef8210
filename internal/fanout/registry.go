// Package fanout delivers events to every connection subscribed to a room.
package fanout

import (
	"log/slog"
	"sort"
	"sync"

	"storyboard/internal/logging"
	"storyboard/internal/metrics"
	"storyboard/pkg/interfaces"
	"storyboard/pkg/types"
)

// Result counts the outcome of one Broadcast.
type Result struct {
	Delivered int
	Failed    int
}

// Stats is a registry snapshot for monitoring.
type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

// Registry maps roomID -> userID -> connection. It holds borrowed handles
// only and never closes a connection.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]interfaces.Connection
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		rooms:   make(map[string]map[string]interfaces.Connection),
		logger:  logging.Component(logger, "fanout"),
		metrics: m,
	}
}

// Subscribe attaches conn for userID in roomID and returns the connection
// it replaced, if any.
func (r *Registry) Subscribe(roomID, userID string, conn interfaces.Connection) (interfaces.Connection, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]interfaces.Connection)
		r.rooms[roomID] = members
	}
	previous := members[userID]
	members[userID] = conn
	if previous != nil && previous.ID() == conn.ID() {
		previous = nil
	}
	return previous, nil
}

// Unsubscribe detaches userID from roomID, but only while conn is still the
// registered connection: a stale socket closing after a reconnect must not
// detach the fresh one. It reports whether anything was removed.
func (r *Registry) Unsubscribe(roomID, userID string, conn interfaces.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	current, ok := members[userID]
	if !ok {
		return false
	}
	if conn != nil && current.ID() != conn.ID() {
		return false
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
	return true
}

// Connection returns the connection registered for userID in roomID.
func (r *Registry) Connection(roomID, userID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.rooms[roomID][userID]
	return conn, ok
}

// Broadcast encodes ev once and sends it to every subscriber of roomID
// except the excluded user ids. A failed send is logged and counted and
// never stops delivery to the others; the only error is an encoding one.
func (r *Registry) Broadcast(roomID string, ev types.Event, exclude ...string) (Result, error) {
	frame, err := types.Encode(ev)
	if err != nil {
		return Result{}, err
	}

	type target struct {
		userID string
		conn   interfaces.Connection
	}
	r.mu.RLock()
	targets := make([]target, 0, len(r.rooms[roomID]))
	for userID, conn := range r.rooms[roomID] {
		if excluded(userID, exclude) {
			continue
		}
		targets = append(targets, target{userID, conn})
	}
	r.mu.RUnlock()

	var res Result
	for _, t := range targets {
		if err := t.conn.Send(frame); err != nil {
			res.Failed++
			r.metrics.Delivered(false)
			r.logger.Warn("delivery failed",
				logging.KeyEvent, ev.EventType(),
				"room_id", roomID,
				logging.KeyUser, t.userID,
				logging.KeyConn, t.conn.ID(),
				"error", err)
			continue
		}
		res.Delivered++
		r.metrics.Delivered(true)
	}
	r.metrics.Broadcast(ev.EventType())
	return res, nil
}

// SendTo delivers ev to a single connection.
func (r *Registry) SendTo(conn interfaces.Connection, ev types.Event) error {
	if conn == nil {
		return ErrNilConnection
	}
	frame, err := types.Encode(ev)
	if err != nil {
		return err
	}
	if err := conn.Send(frame); err != nil {
		r.metrics.Delivered(false)
		return err
	}
	r.metrics.Delivered(true)
	return nil
}

// Subscribers returns the sorted user ids subscribed to roomID.
func (r *Registry) Subscribers(roomID string) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.rooms[roomID]))
	for id := range r.rooms[roomID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Rooms: len(r.rooms)}
	for _, members := range r.rooms {
		s.Connections += len(members)
	}
	return s
}

func excluded(userID string, exclude []string) bool {
	for _, id := range exclude {
		if id == userID {
			return true
		}
	}
	return false
}
