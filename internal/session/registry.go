// Package session coordinates live collaboration on a project: who is
// present, who holds the edit lease, and what changed.
//
// Every project with participants has one goroutine that applies all of its
// mutations in submission order. Different projects never share one.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"storyboard/internal/cache"
	"storyboard/internal/fanout"
	"storyboard/internal/lease"
	"storyboard/internal/logging"
	"storyboard/internal/metrics"
	"storyboard/internal/room"
	"storyboard/pkg/interfaces"
	"storyboard/pkg/types"
)

// Options wires a Registry to its collaborators. Store and Notifier may be
// nil. Notifier calls are made from the session goroutine and must not block.
type Options struct {
	Rooms    *room.Registry
	Fanout   *fanout.Registry
	Cache    *cache.Cache
	Store    interfaces.ProjectStore
	Notifier interfaces.Notifier
	Roles    types.RoleTable

	LeaseDuration     time.Duration
	SnapshotTTL       time.Duration
	PersistTimeout    time.Duration
	ChangeLogCapacity int
	QueueSize         int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Stats is a registry snapshot for monitoring.
type Stats struct {
	Sessions     int `json:"sessions"`
	Participants int `json:"participants"`
}

// Registry owns every live session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	participants atomic.Int64
	hydrate      singleflight.Group

	rooms    *room.Registry
	fanout   *fanout.Registry
	cache    *cache.Cache
	store    interfaces.ProjectStore
	notifier interfaces.Notifier
	roles    types.RoleTable

	leaseDuration  time.Duration
	snapshotTTL    time.Duration
	persistTimeout time.Duration
	logCapacity    int
	queueSize      int

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		sessions:       make(map[string]*session),
		rooms:          opts.Rooms,
		fanout:         opts.Fanout,
		cache:          opts.Cache,
		store:          opts.Store,
		notifier:       opts.Notifier,
		roles:          opts.Roles,
		leaseDuration:  opts.LeaseDuration,
		snapshotTTL:    opts.SnapshotTTL,
		persistTimeout: opts.PersistTimeout,
		logCapacity:    opts.ChangeLogCapacity,
		queueSize:      opts.QueueSize,
		logger:         logging.Component(opts.Logger, "session"),
		metrics:        opts.Metrics,
		now:            time.Now,
	}
	if r.roles == nil {
		r.roles = types.DefaultRoleTable()
	}
	if r.leaseDuration <= 0 {
		r.leaseDuration = lease.DefaultDuration
	}
	if r.snapshotTTL <= 0 {
		r.snapshotTTL = 300 * time.Second
	}
	if r.persistTimeout <= 0 {
		r.persistTimeout = 2 * time.Second
	}
	if r.logCapacity <= 0 {
		r.logCapacity = 256
	}
	if r.queueSize <= 0 {
		r.queueSize = 256
	}
	if r.rooms == nil {
		r.rooms = room.NewRegistry(room.Options{GracePeriod: 5 * time.Minute, Logger: opts.Logger})
	}
	if r.fanout == nil {
		r.fanout = fanout.NewRegistry(opts.Logger, opts.Metrics)
	}
	if r.cache == nil {
		r.cache = cache.New(cache.Options{Logger: opts.Logger})
	}
	r.rooms.OnDelete(r.roomDeleted)
	return r
}

// acquire returns the session for projectID, creating it when create is
// set, and reserves a slot in its queue. The reservation keeps the session
// alive until the matching op is received.
func (r *Registry) acquire(projectID string, create bool) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	s, ok := r.sessions[projectID]
	if !ok {
		if !create {
			return nil, nil
		}
		s = newSession(r, projectID)
		r.sessions[projectID] = s
		go s.run()
		r.metrics.SessionOpened()
		r.logger.Info("session started", logging.KeyProject, projectID)
	}
	s.pending++
	return s, nil
}

// received is called by the session goroutine for every op it dequeues.
func (r *Registry) received(s *session) {
	r.mu.Lock()
	s.pending--
	r.mu.Unlock()
}

// enqueue hands o to the session goroutine. The caller must hold a
// reservation from acquire; it is given back if o cannot be delivered.
func (r *Registry) enqueue(ctx context.Context, s *session, o op) error {
	select {
	case s.ops <- o:
		return nil
	case <-s.done:
		r.received(s)
		return ErrRegistryClosed
	case <-ctx.Done():
		r.received(s)
		r.nudge(s)
		return ctx.Err()
	}
}

// nudge wakes an idle session so it re-checks whether it can retire after
// a reservation was abandoned. A full queue needs no nudge.
func (r *Registry) nudge(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.pending > 0 {
		return
	}
	select {
	case s.ops <- op{}:
		s.pending++
	default:
	}
}

// do runs fn on the session goroutine and waits for it. It reports false
// when there is no session and create is not set.
func (r *Registry) do(ctx context.Context, projectID string, create bool, fn func(*session)) (bool, error) {
	s, err := r.acquire(projectID, create)
	if err != nil || s == nil {
		return false, err
	}
	finished := make(chan struct{})
	if err := r.enqueue(ctx, s, op{run: func(s *session) {
		fn(s)
		close(finished)
	}}); err != nil {
		return false, err
	}

	select {
	case <-finished:
		return true, nil
	case <-s.done:
		select {
		case <-finished:
			return true, nil
		default:
			return false, ErrRegistryClosed
		}
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// maybeRetire removes s from the registry when it has no participants, its
// room is gone, and nobody holds a reservation on it.
func (r *Registry) maybeRetire(s *session) bool {
	if len(s.participants) > 0 {
		return false
	}
	if _, ok := r.rooms.Get(s.projectID); ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s.pending > 0 {
		return false
	}
	if r.sessions[s.projectID] == s {
		delete(r.sessions, s.projectID)
	}
	return true
}

// roomDeleted runs when the room registry drops an empty room.
func (r *Registry) roomDeleted(roomID string) {
	s, err := r.acquire(roomID, false)
	if err != nil || s == nil {
		return
	}
	_ = r.enqueue(context.Background(), s, op{})
}

// Join registers userID with conn in projectID, creating the session if
// needed, and returns the snapshot that was sent to conn.
func (r *Registry) Join(ctx context.Context, projectID, userID, role string, conn interfaces.Connection) (*types.ProjectState, error) {
	if err := types.ValidateIdentity(projectID, userID, role); err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrNilConnection
	}

	var state *types.ProjectState
	_, err := r.do(ctx, projectID, true, func(s *session) {
		state = s.join(ctx, userID, role, conn)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Leave removes userID from projectID. Unknown sessions and users are no-ops.
func (r *Registry) Leave(ctx context.Context, projectID, userID string) error {
	_, err := r.do(ctx, projectID, false, func(s *session) {
		s.leave(ctx, userID, nil)
	})
	return err
}

// Disconnect is Leave restricted to the participant's current connection.
func (r *Registry) Disconnect(ctx context.Context, projectID, userID string, conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	_, err := r.do(ctx, projectID, false, func(s *session) {
		s.leave(ctx, userID, conn)
	})
	return err
}

// Handle applies one inbound event from conn. Events for sessions or
// participants that are gone are dropped.
func (r *Registry) Handle(ctx context.Context, projectID, userID string, conn interfaces.Connection, in types.Inbound) error {
	if conn == nil {
		return ErrNilConnection
	}
	_, err := r.do(ctx, projectID, false, func(s *session) {
		s.handle(ctx, userID, conn, in)
	})
	return err
}

// RequestLease asks for the edit lease on behalf of userID.
func (r *Registry) RequestLease(ctx context.Context, projectID, userID string) (lease.Decision, error) {
	var (
		decision lease.Decision
		joined   bool
	)
	ok, err := r.do(ctx, projectID, false, func(s *session) {
		p, found := s.participants[userID]
		if !found {
			return
		}
		joined = true
		decision = s.requestLease(p)
	})
	if err != nil {
		return lease.Decision{}, err
	}
	if !ok || !joined {
		return lease.Decision{}, ErrNotParticipant
	}
	return decision, nil
}

// ReleaseLease gives up the lease if userID holds it.
func (r *Registry) ReleaseLease(ctx context.Context, projectID, userID string) (bool, error) {
	var released bool
	_, err := r.do(ctx, projectID, false, func(s *session) {
		released = s.releaseLease(userID)
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

// GetActiveParticipants lists participants sorted by id.
func (r *Registry) GetActiveParticipants(ctx context.Context, projectID string) ([]types.ParticipantInfo, error) {
	out := []types.ParticipantInfo{}
	_, err := r.do(ctx, projectID, false, func(s *session) {
		out = s.activeParticipants()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Lease returns the lease state and whether it is live now.
func (r *Registry) Lease(ctx context.Context, projectID string) (types.LeaseState, bool, error) {
	var (
		state  types.LeaseState
		active bool
	)
	_, err := r.do(ctx, projectID, false, func(s *session) {
		state = s.lease.State()
		active = s.lease.Active(r.now())
	})
	if err != nil {
		return types.LeaseState{}, false, err
	}
	return state, active, nil
}

// Changes returns up to limit of the newest change records, oldest first.
// Live sessions answer from memory; otherwise the cache and then the store
// are consulted.
func (r *Registry) Changes(ctx context.Context, projectID string, limit int) ([]types.ChangeRecord, error) {
	var (
		out     []types.ChangeRecord
		loadErr error
	)
	ok, err := r.do(ctx, projectID, false, func(s *session) {
		if _, loadErr = s.snapshot(ctx); loadErr == nil {
			out = s.changes.last(limit)
		}
	})
	switch {
	case err != nil:
		return nil, err
	case ok:
		return out, loadErr
	}
	loaded, err := r.load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(loaded.changes) > limit {
		return loaded.changes[len(loaded.changes)-limit:], nil
	}
	return loaded.changes, nil
}

// Snapshot returns the current project state without joining.
func (r *Registry) Snapshot(ctx context.Context, projectID string) (*types.ProjectState, error) {
	if !types.IsValidProjectID(projectID) {
		return nil, types.ErrInvalidProjectID
	}
	var (
		state   *types.ProjectState
		loadErr error
	)
	ok, err := r.do(ctx, projectID, false, func(s *session) {
		state, loadErr = s.snapshot(ctx)
	})
	switch {
	case err != nil:
		return nil, err
	case ok:
		return state, loadErr
	}
	loaded, err := r.load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return loaded.state, nil
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	n := len(r.sessions)
	r.mu.Unlock()
	return Stats{Sessions: n, Participants: int(r.participants.Load())}
}

// Active lists project ids with a live session, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close stops every session goroutine after flushing unsaved state.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	live := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		s.pending++
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		if err := r.enqueue(ctx, s, op{stop: true}); err != nil && err != ErrRegistryClosed {
			return err
		}
	}
	for _, s := range live {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.logger.Info("session registry closed", "sessions", len(live))
	return nil
}
