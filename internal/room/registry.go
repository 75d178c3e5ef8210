// Package room tracks presence: which members are in which room, with
// metadata, and grace-period deletion of rooms that become empty.
package room

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"storyboard/internal/cache"
	"storyboard/internal/logging"
	"storyboard/internal/metrics"
)

// TypeProject is the room type used for collaboration sessions.
const TypeProject = "project"

// Metadata describes a room. Name, Type and Extra are taken from the first
// Join; UpdateMetadata merges into Extra afterwards.
type Metadata struct {
	Name  string
	Type  string
	Extra map[string]string
}

type room struct {
	id           string
	members      map[string]struct{}
	meta         Metadata
	createdAt    time.Time
	lastActivity time.Time
}

// Info is a point-in-time copy of a room, safe to hand out and to cache.
type Info struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	Members      []string          `json:"members"`
	Extra        map[string]string `json:"extra,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastActivity time.Time         `json:"lastActivity"`
}

func (r *room) info() Info {
	members := make([]string, 0, len(r.members))
	for id := range r.members {
		members = append(members, id)
	}
	sort.Strings(members)

	var extra map[string]string
	if len(r.meta.Extra) > 0 {
		extra = make(map[string]string, len(r.meta.Extra))
		for k, v := range r.meta.Extra {
			extra[k] = v
		}
	}
	return Info{
		ID:           r.id,
		Name:         r.meta.Name,
		Type:         r.meta.Type,
		Members:      members,
		Extra:        extra,
		CreatedAt:    r.createdAt,
		LastActivity: r.lastActivity,
	}
}

// Options configures a Registry.
type Options struct {
	// GracePeriod is how long an empty room survives before deletion.
	GracePeriod time.Duration
	// Cache mirrors room info under "room:<id>" when set.
	Cache    *cache.Cache
	CacheTTL time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Registry owns every room. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	onDelete []func(roomID string)

	scheduler *Scheduler
	grace     time.Duration
	cache     *cache.Cache
	cacheTTL  time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		rooms:     make(map[string]*room),
		scheduler: NewScheduler(),
		grace:     opts.GracePeriod,
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
		logger:    logging.Component(opts.Logger, "room"),
		metrics:   opts.Metrics,
		now:       time.Now,
	}
}

// OnDelete registers fn to run after a room is removed, either by the grace
// timer or by Delete. Register hooks before the registry is shared.
func (r *Registry) OnDelete(fn func(roomID string)) {
	r.mu.Lock()
	r.onDelete = append(r.onDelete, fn)
	r.mu.Unlock()
}

// Join adds memberID to roomID, creating the room with meta if needed, and
// cancels any pending deletion of the room.
func (r *Registry) Join(ctx context.Context, roomID, memberID string, meta Metadata) (Info, error) {
	if roomID == "" {
		return Info{}, ErrInvalidRoomID
	}
	now := r.now()

	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		if meta.Name == "" {
			meta.Name = roomID
		}
		rm = &room{
			id:        roomID,
			members:   make(map[string]struct{}),
			meta:      meta,
			createdAt: now,
		}
		r.rooms[roomID] = rm
	}
	rm.members[memberID] = struct{}{}
	rm.lastActivity = now
	cancelled := r.scheduler.Cancel(roomID)
	info := rm.info()
	count := len(r.rooms)
	r.mu.Unlock()

	if cancelled {
		r.logger.Debug("cancelled pending room deletion", "room_id", roomID)
	}
	r.metrics.RoomsActive(count)
	r.metrics.PendingDeletions(r.scheduler.Pending())
	r.mirror(ctx, info)
	return info, nil
}

// Leave removes memberID and returns how many members remain. When the
// room becomes empty its deletion is scheduled after the grace period.
// Leaving an unknown room is a no-op.
func (r *Registry) Leave(ctx context.Context, roomID, memberID string) int {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	delete(rm.members, memberID)
	rm.lastActivity = r.now()
	remaining := len(rm.members)
	if remaining == 0 {
		r.scheduler.Schedule(roomID, r.grace, func() { r.expire(roomID) })
	}
	info := rm.info()
	r.mu.Unlock()

	if remaining == 0 {
		r.logger.Debug("room empty, deletion scheduled", "room_id", roomID, "grace", r.grace)
	}
	r.metrics.PendingDeletions(r.scheduler.Pending())
	r.mirror(ctx, info)
	return remaining
}

// expire deletes the room if it is still empty when the grace timer fires.
func (r *Registry) expire(roomID string) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok || len(rm.members) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, roomID)
	hooks := r.onDelete
	count := len(r.rooms)
	r.mu.Unlock()

	r.logger.Info("deleted empty room", "room_id", roomID)
	r.finishDelete(roomID, count, hooks)
}

// Delete removes a room immediately, members included.
func (r *Registry) Delete(ctx context.Context, roomID string) error {
	r.mu.Lock()
	if _, ok := r.rooms[roomID]; !ok {
		r.mu.Unlock()
		return ErrRoomNotFound
	}
	delete(r.rooms, roomID)
	r.scheduler.Cancel(roomID)
	hooks := r.onDelete
	count := len(r.rooms)
	r.mu.Unlock()

	r.finishDelete(roomID, count, hooks)
	return nil
}

func (r *Registry) finishDelete(roomID string, count int, hooks []func(string)) {
	r.metrics.RoomsActive(count)
	r.metrics.PendingDeletions(r.scheduler.Pending())
	if r.cache != nil {
		r.cache.Delete(context.Background(), cacheKey(roomID))
	}
	for _, fn := range hooks {
		fn(roomID)
	}
}

func (r *Registry) Get(roomID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return Info{}, false
	}
	return rm.info(), true
}

// Members returns the sorted member ids of a room.
func (r *Registry) Members(roomID string) []string {
	info, ok := r.Get(roomID)
	if !ok {
		return nil
	}
	return info.Members
}

func (r *Registry) IsMember(roomID, memberID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	_, member := rm.members[memberID]
	return member
}

// UpdateMetadata merges extra into the room's metadata.
func (r *Registry) UpdateMetadata(ctx context.Context, roomID string, extra map[string]string) (Info, error) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return Info{}, ErrRoomNotFound
	}
	if rm.meta.Extra == nil {
		rm.meta.Extra = make(map[string]string, len(extra))
	}
	for k, v := range extra {
		rm.meta.Extra[k] = v
	}
	rm.lastActivity = r.now()
	info := rm.info()
	r.mu.Unlock()

	r.mirror(ctx, info)
	return info, nil
}

// ListByType returns rooms of the given type, or all rooms for "".
func (r *Registry) ListByType(roomType string) []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.rooms))
	for _, rm := range r.rooms {
		if roomType == "" || rm.meta.Type == roomType {
			out = append(out, rm.info())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// TotalMembers counts memberships across all rooms.
func (r *Registry) TotalMembers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, rm := range r.rooms {
		total += len(rm.members)
	}
	return total
}

// PendingDeletions reports how many empty rooms are waiting out the grace period.
func (r *Registry) PendingDeletions() int {
	return r.scheduler.Pending()
}

// Close cancels all pending deletions.
func (r *Registry) Close() {
	r.scheduler.Stop()
}

func cacheKey(roomID string) string { return "room:" + roomID }

func (r *Registry) mirror(ctx context.Context, info Info) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SetJSON(ctx, cacheKey(info.ID), info, r.cacheTTL); err != nil {
		r.logger.Warn("room cache mirror failed", "room_id", info.ID, "error", err)
	}
}
