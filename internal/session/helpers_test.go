package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"storyboard/internal/cache"
	"storyboard/internal/fanout"
	"storyboard/internal/logging"
	"storyboard/internal/room"
	"storyboard/pkg/interfaces"
	"storyboard/pkg/types"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames []types.Envelope
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) error {
	var env types.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) received() []types.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Envelope(nil), c.frames...)
}

func (c *fakeConn) eventTypes() []string {
	var out []string
	for _, env := range c.received() {
		out = append(out, env.Type)
	}
	return out
}

// last returns the data of the newest frame of the given type.
func (c *fakeConn) last(t *testing.T, eventType string, dst any) bool {
	t.Helper()
	frames := c.received()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Type == eventType {
			require.NoError(t, json.Unmarshal(frames[i].Data, dst))
			return true
		}
	}
	return false
}

func (c *fakeConn) count(eventType string) int {
	n := 0
	for _, env := range c.received() {
		if env.Type == eventType {
			n++
		}
	}
	return n
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

type fakeStore struct {
	mu       sync.Mutex
	states   map[string]*types.ProjectState
	changes  map[string][]types.ChangeRecord
	gets     int
	failGet  int
	failSave int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states:  make(map[string]*types.ProjectState),
		changes: make(map[string][]types.ChangeRecord),
	}
}

func (f *fakeStore) GetProjectState(_ context.Context, projectID string) (*types.ProjectState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.failGet > 0 {
		f.failGet--
		return nil, errors.New("database is locked")
	}
	st, ok := f.states[projectID]
	if !ok {
		return nil, interfaces.ErrProjectNotFound
	}
	cp := *st
	return &cp, nil
}

func (f *fakeStore) SaveProjectState(_ context.Context, state *types.ProjectState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave > 0 {
		f.failSave--
		return errors.New("disk full")
	}
	if cur, ok := f.states[state.ProjectID]; ok && cur.Version > state.Version {
		return interfaces.ErrStaleVersion
	}
	cp := *state
	f.states[state.ProjectID] = &cp
	return nil
}

func (f *fakeStore) AppendChanges(_ context.Context, projectID string, records []types.ChangeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes[projectID] = append(f.changes[projectID], records...)
	return nil
}

func (f *fakeStore) ListChanges(_ context.Context, projectID string, limit int) ([]types.ChangeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.changes[projectID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]types.ChangeRecord(nil), all...), nil
}

func (f *fakeStore) HealthCheck(context.Context) error { return nil }
func (f *fakeStore) Close() error                      { return nil }

func (f *fakeStore) state(projectID string) (*types.ProjectState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[projectID]
	return st, ok
}

func (f *fakeStore) getCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []json.RawMessage
	comments []json.RawMessage
}

func (n *fakeNotifier) NotifyNewMessage(_ context.Context, _ string, message json.RawMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

func (n *fakeNotifier) NotifyNewComment(_ context.Context, _ string, comment json.RawMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.comments = append(n.comments, comment)
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	reg      *Registry
	rooms    *room.Registry
	cache    *cache.Cache
	store    *fakeStore
	notifier *fakeNotifier
	clock    *clock
}

type harnessOption func(*Options)

func withGrace(d time.Duration) harnessOption {
	return func(o *Options) {
		o.Rooms = room.NewRegistry(room.Options{GracePeriod: d, Logger: logging.Discard()})
	}
}

func withCache(c *cache.Cache) harnessOption {
	return func(o *Options) { o.Cache = c }
}

func withStore(store interfaces.ProjectStore) harnessOption {
	return func(o *Options) { o.Store = store }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		store:    newFakeStore(),
		notifier: &fakeNotifier{},
		clock:    newClock(),
	}
	o := Options{
		Rooms:             room.NewRegistry(room.Options{GracePeriod: time.Minute, Logger: logging.Discard()}),
		Fanout:            fanout.NewRegistry(logging.Discard(), nil),
		Cache:             cache.New(cache.Options{Prefix: "storyboard:", Logger: logging.Discard()}),
		Store:             h.store,
		Notifier:          h.notifier,
		LeaseDuration:     30 * time.Second,
		SnapshotTTL:       300 * time.Second,
		ChangeLogCapacity: 8,
		Logger:            logging.Discard(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	h.reg = NewRegistry(o)
	h.reg.now = h.clock.Now
	h.rooms = o.Rooms
	h.cache = o.Cache
	t.Cleanup(func() {
		_ = h.reg.Close(context.Background())
		h.rooms.Close()
	})
	return h
}

func (h *harness) join(t *testing.T, projectID, userID, role string) *fakeConn {
	t.Helper()
	conn := newFakeConn(userID + "-" + uuid.NewString())
	_, err := h.reg.Join(context.Background(), projectID, userID, role, conn)
	require.NoError(t, err)
	return conn
}

func (h *harness) send(t *testing.T, projectID, userID string, conn *fakeConn, frame string) {
	t.Helper()
	in, err := types.DecodeInbound([]byte(frame))
	require.NoError(t, err)
	require.NoError(t, h.reg.Handle(context.Background(), projectID, userID, conn, in))
}
