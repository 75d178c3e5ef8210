package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"storyboard/internal/cache"
	"storyboard/internal/lease"
	"storyboard/internal/logging"
	"storyboard/internal/room"
	"storyboard/pkg/interfaces"
	"storyboard/pkg/types"
)

// op is one unit of work for a session goroutine. A zero op only makes the
// session re-check whether it can retire.
type op struct {
	run  func(*session)
	stop bool
}

type participant struct {
	userID       string
	role         string
	caps         types.CapabilitySet
	conn         interfaces.Connection
	joinedAt     time.Time
	lastActivity time.Time

	// provisional is set while p holds a stand-in empty snapshot.
	provisional bool
}

// session is the state of one project. Everything below pending is owned
// by the run goroutine.
type session struct {
	reg       *Registry
	projectID string
	ops       chan op
	done      chan struct{}
	pending   int // guarded by reg.mu

	participants map[string]*participant
	lease        *lease.Lease
	changes      *changeLog
	state        *types.ProjectState
	stateDirty   bool
	unsaved      []types.ChangeRecord
	logger       *slog.Logger
}

func newSession(r *Registry, projectID string) *session {
	return &session{
		reg:          r,
		projectID:    projectID,
		ops:          make(chan op, r.queueSize),
		done:         make(chan struct{}),
		participants: make(map[string]*participant),
		lease:        lease.New(r.leaseDuration),
		changes:      newChangeLog(r.logCapacity),
		logger:       r.logger.With(logging.KeyProject, projectID),
	}
}

func (s *session) run() {
	defer close(s.done)

	for {
		o := <-s.ops
		s.reg.received(s)

		if o.stop {
			s.shutdown("registry closed")
			return
		}
		if o.run != nil {
			o.run(s)
		}
		if s.reg.maybeRetire(s) {
			s.shutdown("session empty")
			return
		}
	}
}

func (s *session) shutdown(reason string) {
	s.persist(context.Background())
	for range s.participants {
		s.reg.participants.Add(-1)
		s.reg.metrics.ParticipantLeft()
	}
	s.reg.metrics.SessionClosed()
	s.logger.Info("session stopped", "reason", reason)
}

func (s *session) join(ctx context.Context, userID, role string, conn interfaces.Connection) *types.ProjectState {
	now := s.reg.now()
	caps := s.reg.roles.Capabilities(role)

	p, rejoin := s.participants[userID]
	if rejoin {
		p.role = role
		p.caps = caps
		p.conn = conn
		p.lastActivity = now
	} else {
		p = &participant{
			userID:       userID,
			role:         role,
			caps:         caps,
			conn:         conn,
			joinedAt:     now,
			lastActivity: now,
		}
		s.participants[userID] = p
		s.reg.participants.Add(1)
		s.reg.metrics.ParticipantJoined()
	}

	if _, err := s.reg.rooms.Join(ctx, s.projectID, userID, room.Metadata{Type: room.TypeProject}); err != nil {
		s.logger.Error("room join failed", logging.KeyUser, userID, "error", err)
	}
	if _, err := s.reg.fanout.Subscribe(s.projectID, userID, conn); err != nil {
		s.logger.Error("subscribe failed", logging.KeyUser, userID, "error", err)
	}

	p.provisional = false
	state, err := s.snapshot(ctx)
	if err != nil {
		s.logger.Warn("hydration failed, sending a provisional snapshot", logging.KeyUser, userID, "error", err)
		p.provisional = true
		state = types.EmptyState(s.projectID)
	}
	s.send(conn, types.ProjectStateEvent{State: state})
	if p.provisional {
		s.reject(p, msgStateUnavailable)
	}
	if s.lease.Active(now) && s.lease.Holder() != userID {
		s.send(conn, types.EditorLocked{UserID: s.lease.Holder()})
	}
	s.broadcast(types.UserJoined{UserID: userID, Role: role, Timestamp: now}, userID)
	s.broadcastActive()

	s.logger.Info("participant joined",
		logging.KeyUser, userID, "role", role, "rejoin", rejoin, "participants", len(s.participants))
	return state
}

// leave removes userID. A non-nil conn restricts removal to that connection.
func (s *session) leave(ctx context.Context, userID string, conn interfaces.Connection) {
	p, ok := s.participants[userID]
	if !ok {
		return
	}
	if conn != nil && p.conn.ID() != conn.ID() {
		s.logger.Debug("ignoring disconnect of replaced connection",
			logging.KeyUser, userID, logging.KeyConn, conn.ID())
		return
	}

	delete(s.participants, userID)
	s.reg.participants.Add(-1)
	s.reg.metrics.ParticipantLeft()
	s.reg.fanout.Unsubscribe(s.projectID, userID, p.conn)

	now := s.reg.now()
	s.releaseLease(userID)
	s.broadcast(types.UserLeft{UserID: userID, Timestamp: now})
	s.broadcastActive()

	remaining := s.reg.rooms.Leave(ctx, s.projectID, userID)
	if remaining == 0 {
		s.persist(ctx)
	}
	s.logger.Info("participant left", logging.KeyUser, userID, "participants", len(s.participants))
}

func (s *session) handle(ctx context.Context, userID string, conn interfaces.Connection, in types.Inbound) {
	p, ok := s.participants[userID]
	if !ok || p.conn.ID() != conn.ID() {
		s.logger.Debug("dropping event from non-participant",
			logging.KeyUser, userID, logging.KeyEvent, in.InboundType())
		return
	}
	now := s.reg.now()
	p.lastActivity = now

	switch ev := in.(type) {
	case types.ProjectUpdate:
		s.update(ctx, p, ev, now)
	case types.RequestLock:
		s.requestLease(p)
	case types.ReleaseLock:
		s.releaseLease(userID)
	case types.SendChat:
		if !p.caps.Has(types.CapChat) {
			s.reject(p, msgNoChatPermission)
			return
		}
		msg := types.ChatMessage{UserID: userID, Timestamp: now, Payload: ev.Payload}
		s.broadcast(msg)
		s.notify(msg)
	case types.MoveCursor:
		s.broadcast(types.CursorMoved{UserID: userID, Position: ev.Position, Timestamp: now}, userID)
	case types.AddAnnotation:
		if !p.caps.Has(types.CapComment) {
			s.reject(p, msgNoCommentPerm)
			return
		}
		s.broadcast(types.AnnotationAdded{UserID: userID, Timestamp: now, Payload: ev.Payload})
	case types.AddComment:
		if !p.caps.Has(types.CapComment) {
			s.reject(p, msgNoCommentPerm)
			return
		}
		comment := types.CommentAdded{UserID: userID, Timestamp: now, Payload: ev.Payload}
		s.broadcast(comment)
		s.notify(comment)
	case types.AddReaction:
		s.broadcast(types.ReactionAdded{UserID: userID, Timestamp: now, Payload: ev.Payload})
	case types.Disconnect:
		s.leave(ctx, userID, conn)
	}
}

// update accepts a new project document from p when p may edit and nobody
// else holds a live lease. The record is logged and cached before anyone
// sees the broadcast.
func (s *session) update(ctx context.Context, p *participant, upd types.ProjectUpdate, now time.Time) {
	if !p.caps.Has(types.CapEdit) {
		s.reject(p, msgNoEditPermission)
		return
	}
	if !s.lease.CanEdit(p.userID, now) {
		s.reject(p, msgLockedByOther)
		return
	}

	current, err := s.snapshot(ctx)
	if err != nil {
		s.logger.Warn("update refused, project state unavailable", logging.KeyUser, p.userID, "error", err)
		s.reject(p, msgStateUnavailable)
		return
	}
	rec := types.ChangeRecord{
		ID:        uuid.NewString(),
		ProjectID: s.projectID,
		AuthorID:  p.userID,
		Kind:      types.InboundProjectUpdate,
		Payload:   upd.Raw,
		Timestamp: now,
	}
	s.changes.append(rec)
	s.unsaved = append(s.unsaved, rec)

	s.state = &types.ProjectState{
		ProjectID: s.projectID,
		Version:   s.nextVersion(ctx, current.Version),
		Data:      upd.Raw,
		UpdatedBy: p.userID,
		UpdatedAt: now,
	}
	s.stateDirty = true
	s.writeCache(ctx)

	s.broadcast(types.ProjectUpdated{UserID: p.userID, Timestamp: now, Payload: upd.Fields}, p.userID)
	s.persist(ctx)
}

// nextVersion bumps the shared counter, never going backwards from what
// this session has already seen.
func (s *session) nextVersion(ctx context.Context, current int64) int64 {
	key := versionKey(s.projectID)
	n, err := s.reg.cache.Increment(ctx, key, 1)
	if err != nil || n <= current {
		n = current + 1
		s.reg.cache.Set(ctx, key, []byte(strconv.FormatInt(n, 10)), 0)
	}
	return n
}

func (s *session) writeCache(ctx context.Context) {
	state, err := json.Marshal(s.state)
	if err != nil {
		s.logger.Error("encode snapshot", "error", err)
		return
	}
	changes, err := json.Marshal(s.changes.last(0))
	if err != nil {
		s.logger.Error("encode change log", "error", err)
		return
	}
	s.reg.cache.SetMulti(ctx, []cache.Item{
		{Key: stateKey(s.projectID), Value: state, TTL: s.reg.snapshotTTL},
		{Key: changesKey(s.projectID), Value: changes, TTL: s.reg.snapshotTTL},
	})
}

// persist writes unsaved changes and state to the store. Failures are
// retried on the next call.
func (s *session) persist(ctx context.Context) {
	store := s.reg.store
	if store == nil {
		s.unsaved = nil
		s.stateDirty = false
		return
	}
	if len(s.unsaved) == 0 && !s.stateDirty {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.reg.persistTimeout)
	defer cancel()

	if len(s.unsaved) > 0 {
		if err := store.AppendChanges(ctx, s.projectID, s.unsaved); err != nil {
			s.reg.metrics.PersistFailed()
			s.logger.Warn("append changes failed, will retry", "pending", len(s.unsaved), "error", err)
			return
		}
		s.unsaved = nil
	}
	if s.stateDirty {
		err := store.SaveProjectState(ctx, s.state)
		if errors.Is(err, interfaces.ErrStaleVersion) {
			err = s.advancePastStored(ctx)
		}
		if err != nil {
			s.reg.metrics.PersistFailed()
			s.logger.Warn("save project state failed, will retry", "version", s.state.Version, "error", err)
			return
		}
		s.stateDirty = false
	}
}

// advancePastStored handles a store that already holds a higher version,
// which happens when the version counter was lost. The live document wins:
// it is renumbered above the stored one and saved again.
func (s *session) advancePastStored(ctx context.Context) error {
	stored, err := s.reg.store.GetProjectState(ctx, s.projectID)
	if err != nil {
		return err
	}
	next := max(stored.Version, s.state.Version) + 1
	s.logger.Warn("snapshot version behind the store, renumbering",
		"version", s.state.Version, "stored", stored.Version, "next", next)

	st := *s.state
	st.Version = next
	s.state = &st
	s.reg.cache.Set(ctx, versionKey(s.projectID), []byte(strconv.FormatInt(next, 10)), 0)
	s.writeCache(ctx)
	return s.reg.store.SaveProjectState(ctx, s.state)
}

func (s *session) requestLease(p *participant) lease.Decision {
	d := s.lease.Request(p.userID, p.caps, s.reg.now())
	if !d.Granted {
		s.reg.metrics.Lease("denied")
		s.send(p.conn, types.LockDenied{CurrentEditor: d.CurrentEditor})
		s.logger.Debug("lease denied", logging.KeyUser, p.userID, "holder", d.CurrentEditor, "reason", d.Reason)
		return d
	}

	s.reg.metrics.Lease("granted")
	s.send(p.conn, types.LockGranted{Expiry: d.Expiry})
	s.broadcast(types.EditorLocked{UserID: p.userID}, p.userID)
	if d.Takeover != "" {
		s.logger.Info("expired lease reclaimed", logging.KeyUser, p.userID, "previous", d.Takeover)
	}
	return d
}

func (s *session) releaseLease(userID string) bool {
	if !s.lease.Release(userID) {
		return false
	}
	s.reg.metrics.Lease("released")
	s.broadcast(types.EditorUnlocked{})
	return true
}

// snapshot returns a copy of the current state, hydrating it on first use.
// A failed hydration leaves the session unhydrated so the next call retries.
// Participants that were given a provisional snapshot get the real one as
// soon as hydration succeeds.
func (s *session) snapshot(ctx context.Context) (*types.ProjectState, error) {
	if s.state == nil {
		loaded, err := s.reg.load(ctx, s.projectID)
		if err != nil {
			return nil, err
		}
		s.state = loaded.state
		for _, rec := range loaded.changes {
			s.changes.append(rec)
		}
		for _, p := range s.participants {
			if p.provisional {
				p.provisional = false
				cp := *s.state
				s.send(p.conn, types.ProjectStateEvent{State: &cp})
			}
		}
	}
	cp := *s.state
	return &cp, nil
}

func (s *session) activeParticipants() []types.ParticipantInfo {
	out := make([]types.ParticipantInfo, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, types.ParticipantInfo{ID: p.userID, Role: p.role, LastActivity: p.lastActivity})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *session) broadcastActive() {
	s.broadcast(types.UsersActive{Users: s.activeParticipants()})
}

func (s *session) broadcast(ev types.Event, exclude ...string) {
	if _, err := s.reg.fanout.Broadcast(s.projectID, ev, exclude...); err != nil {
		s.logger.Error("broadcast failed", logging.KeyEvent, ev.EventType(), "error", err)
	}
}

func (s *session) send(conn interfaces.Connection, ev types.Event) {
	if err := s.reg.fanout.SendTo(conn, ev); err != nil {
		s.logger.Debug("direct send failed",
			logging.KeyEvent, ev.EventType(), logging.KeyConn, conn.ID(), "error", err)
	}
}

func (s *session) reject(p *participant, message string) {
	s.send(p.conn, types.ErrorEvent{Message: message})
}

// notify hands chat messages and comments to the notifier.
func (s *session) notify(ev types.Event) {
	if s.reg.notifier == nil {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("encode notification", logging.KeyEvent, ev.EventType(), "error", err)
		return
	}
	ctx := context.Background()
	switch ev.(type) {
	case types.ChatMessage:
		err = s.reg.notifier.NotifyNewMessage(ctx, s.projectID, raw)
	case types.CommentAdded:
		err = s.reg.notifier.NotifyNewComment(ctx, s.projectID, raw)
	default:
		return
	}
	if err != nil {
		s.logger.Warn("notification failed", logging.KeyEvent, ev.EventType(), "error", err)
	}
}
