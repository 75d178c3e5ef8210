package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyboard/internal/cache"
	"storyboard/internal/database"
	"storyboard/internal/logging"
	dbconfig "storyboard/pkg/database"
	"storyboard/pkg/interfaces"
	"storyboard/pkg/types"
)

func TestJoin_SendsSnapshotAndPresence(t *testing.T) {
	h := newHarness(t)

	alice := h.join(t, "p1", "alice", "editor")
	assert.Equal(t, []string{types.EventProjectState, types.EventUsersActive}, alice.eventTypes())

	var st types.ProjectState
	require.True(t, alice.last(t, types.EventProjectState, &st))
	assert.Equal(t, "p1", st.ProjectID)
	assert.JSONEq(t, `{}`, string(st.Data))

	alice.reset()
	bob := h.join(t, "p1", "bob", "viewer")

	// the joiner gets its snapshot but not its own user:joined
	assert.Equal(t, []string{types.EventProjectState, types.EventUsersActive}, bob.eventTypes())
	assert.Equal(t, []string{types.EventUserJoined, types.EventUsersActive}, alice.eventTypes())

	var joined types.UserJoined
	require.True(t, alice.last(t, types.EventUserJoined, &joined))
	assert.Equal(t, "bob", joined.UserID)
	assert.Equal(t, "viewer", joined.Role)

	var active []types.ParticipantInfo
	require.True(t, alice.last(t, types.EventUsersActive, &active))
	require.Len(t, active, 2)
	assert.Equal(t, "alice", active[0].ID)
	assert.Equal(t, "bob", active[1].ID)
}

func TestJoin_RejectsMissingIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.reg.Join(ctx, "", "alice", "editor", newFakeConn("c"))
	assert.ErrorIs(t, err, types.ErrInvalidProjectID)
	_, err = h.reg.Join(ctx, "p1", "", "editor", newFakeConn("c"))
	assert.ErrorIs(t, err, types.ErrInvalidUserID)
	_, err = h.reg.Join(ctx, "p1", "alice", "", newFakeConn("c"))
	assert.ErrorIs(t, err, types.ErrInvalidRole)
	_, err = h.reg.Join(ctx, "p1", "alice", "editor", nil)
	assert.ErrorIs(t, err, ErrNilConnection)

	assert.Equal(t, Stats{}, h.reg.Stats())
}

// FUNCTIONAL VALIDATION TEST: concurrent first joins create exactly one session
func TestJoin_ConcurrentFirstJoinsShareOneSession(t *testing.T) {
	h := newHarness(t)

	const users = 40
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.reg.Join(context.Background(), "p1", fmt.Sprintf("u%02d", i), "editor", newFakeConn(fmt.Sprintf("c%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, Stats{Sessions: 1, Participants: users}, h.reg.Stats())
	participants, err := h.reg.GetActiveParticipants(context.Background(), "p1")
	require.NoError(t, err)
	assert.Len(t, participants, users)
	assert.Equal(t, 1, h.store.getCalls(), "hydration happens once per session")
}

// FUNCTIONAL VALIDATION TEST: A holds the lease, B is denied, 31s later B reclaims
func TestLease_ReclaimScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.join(t, "p1", "A", "editor")
	var st types.ProjectState
	require.True(t, a.last(t, types.EventProjectState, &st))

	start := h.clock.Now()
	d, err := h.reg.RequestLease(ctx, "p1", "A")
	require.NoError(t, err)
	require.True(t, d.Granted)
	assert.Equal(t, start.Add(30*time.Second), d.Expiry)

	var granted types.LockGranted
	require.True(t, a.last(t, types.EventLockGranted, &granted))
	assert.True(t, granted.Expiry.Equal(start.Add(30*time.Second)))

	b := h.join(t, "p1", "B", "editor")
	assert.Contains(t, b.eventTypes(), types.EventEditorLocked, "late joiner learns who holds the lease")

	d, err = h.reg.RequestLease(ctx, "p1", "B")
	require.NoError(t, err)
	assert.False(t, d.Granted)
	var denied types.LockDenied
	require.True(t, b.last(t, types.EventLockDenied, &denied))
	assert.Equal(t, "A", denied.CurrentEditor)

	h.clock.Advance(31 * time.Second)

	d, err = h.reg.RequestLease(ctx, "p1", "B")
	require.NoError(t, err)
	assert.True(t, d.Granted)

	var locked types.EditorLocked
	require.True(t, a.last(t, types.EventEditorLocked, &locked))
	assert.Equal(t, "B", locked.UserID)

	state, active, err := h.reg.Lease(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, "B", state.Holder)
}

func TestLease_ViaInboundEvents(t *testing.T) {
	h := newHarness(t)

	a := h.join(t, "p1", "A", "editor")
	b := h.join(t, "p1", "B", "editor")
	v := h.join(t, "p1", "V", "viewer")

	h.send(t, "p1", "V", v, `{"type":"editor:request-lock"}`)
	assert.Equal(t, 1, v.count(types.EventLockDenied))

	h.send(t, "p1", "A", a, `{"type":"editor:request-lock"}`)
	assert.Equal(t, 1, a.count(types.EventLockGranted))
	assert.Equal(t, 1, b.count(types.EventEditorLocked))
	assert.Equal(t, 0, a.count(types.EventEditorLocked), "holder is excluded from editor:locked")

	// a non-holder release changes nothing
	h.send(t, "p1", "B", b, `{"type":"editor:release-lock"}`)
	assert.Equal(t, 0, a.count(types.EventEditorUnlocked))

	h.send(t, "p1", "A", a, `{"type":"editor:release-lock"}`)
	for _, c := range []*fakeConn{a, b, v} {
		assert.Equal(t, 1, c.count(types.EventEditorUnlocked))
	}

	h.send(t, "p1", "B", b, `{"type":"editor:request-lock"}`)
	assert.Equal(t, 1, b.count(types.EventLockGranted))
}

// FUNCTIONAL VALIDATION TEST: leaving releases the lease without waiting for expiry
func TestLeave_ReleasesLease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.join(t, "p1", "A", "editor")
	b := h.join(t, "p1", "B", "editor")
	_, err := h.reg.RequestLease(ctx, "p1", "A")
	require.NoError(t, err)

	b.reset()
	require.NoError(t, h.reg.Leave(ctx, "p1", "A"))
	assert.Equal(t, []string{types.EventEditorUnlocked, types.EventUserLeft, types.EventUsersActive}, b.eventTypes())

	d, err := h.reg.RequestLease(ctx, "p1", "B")
	require.NoError(t, err)
	assert.True(t, d.Granted)

	_, err = h.reg.RequestLease(ctx, "p1", "A")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestLeave_UnknownIsNoop(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.reg.Leave(context.Background(), "ghost", "alice"))
	h.join(t, "p1", "alice", "editor")
	assert.NoError(t, h.reg.Leave(context.Background(), "p1", "nobody"))
}

// FUNCTIONAL VALIDATION TEST: a stale socket closing after a reconnect keeps the new one
func TestDisconnect_IgnoresReplacedConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	old := h.join(t, "p1", "alice", "editor")
	fresh := h.join(t, "p1", "alice", "editor")

	require.NoError(t, h.reg.Disconnect(ctx, "p1", "alice", old))
	participants, err := h.reg.GetActiveParticipants(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, participants, 1)

	// events from the stale connection are dropped
	fresh.reset()
	h.send(t, "p1", "alice", old, `{"type":"chat:message","data":{"text":"ghost"}}`)
	assert.Equal(t, 0, fresh.count(types.EventChatMessage))

	require.NoError(t, h.reg.Disconnect(ctx, "p1", "alice", fresh))
	participants, err = h.reg.GetActiveParticipants(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, participants)
}

func TestUpdate_AcceptedFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.join(t, "p1", "A", "editor")
	b := h.join(t, "p1", "B", "editor")
	_, err := h.reg.RequestLease(ctx, "p1", "A")
	require.NoError(t, err)

	h.send(t, "p1", "A", a, `{"type":"project:update","data":{"timeline":[1,2],"userId":"spoofed"}}`)

	assert.Equal(t, 0, a.count(types.EventProjectUpdated), "sender is excluded")
	var updated map[string]any
	require.True(t, b.last(t, types.EventProjectUpdated, &updated))
	assert.Equal(t, "A", updated["userId"], "server-owned keys win")
	assert.Equal(t, []any{1.0, 2.0}, updated["timeline"])

	changes, err := h.reg.Changes(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "A", changes[0].AuthorID)
	assert.JSONEq(t, `{"timeline":[1,2],"userId":"spoofed"}`, string(changes[0].Payload))

	var cached types.ProjectState
	require.True(t, h.cache.GetJSON(ctx, "state:p1", &cached))
	assert.Equal(t, int64(1), cached.Version)
	assert.Equal(t, "A", cached.UpdatedBy)
	assert.InDelta(t, 300, h.cache.TTL(ctx, "state:p1").Seconds(), 1)

	saved, ok := h.store.state("p1")
	require.True(t, ok)
	assert.Equal(t, int64(1), saved.Version)
	stored, _ := h.store.ListChanges(ctx, "p1", 0)
	assert.Len(t, stored, 1)

	snap, err := h.reg.Snapshot(ctx, "p1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"timeline":[1,2],"userId":"spoofed"}`, string(snap.Data))
}

func TestUpdate_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.join(t, "p1", "A", "editor")
	b := h.join(t, "p1", "B", "editor")
	v := h.join(t, "p1", "V", "viewer")

	h.send(t, "p1", "V", v, `{"type":"project:update","data":{"x":1}}`)
	var e types.ErrorEvent
	require.True(t, v.last(t, types.EventError, &e))
	assert.Equal(t, msgNoEditPermission, e.Message)

	_, err := h.reg.RequestLease(ctx, "p1", "A")
	require.NoError(t, err)
	h.send(t, "p1", "B", b, `{"type":"project:update","data":{"x":2}}`)
	require.True(t, b.last(t, types.EventError, &e))
	assert.Equal(t, msgLockedByOther, e.Message)

	assert.Equal(t, 0, a.count(types.EventProjectUpdated))
	changes, err := h.reg.Changes(ctx, "p1", 0)
	require.NoError(t, err)
	assert.Empty(t, changes)

	// once the lease lapses anyone with edit capability may update
	h.clock.Advance(31 * time.Second)
	h.send(t, "p1", "B", b, `{"type":"project:update","data":{"x":3}}`)
	assert.Equal(t, 1, a.count(types.EventProjectUpdated))
}

func TestUpdate_VersionsIncrease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.join(t, "p1", "A", "editor")

	for i := 1; i <= 3; i++ {
		h.send(t, "p1", "A", a, fmt.Sprintf(`{"type":"project:update","data":{"n":%d}}`, i))
	}
	snap, err := h.reg.Snapshot(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Version)
}

func TestUpdate_PersistFailureRetriedOnNextWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.join(t, "p1", "A", "editor")

	h.store.failSave = 1
	h.send(t, "p1", "A", a, `{"type":"project:update","data":{"n":1}}`)
	_, saved := h.store.state("p1")
	assert.False(t, saved)

	h.send(t, "p1", "A", a, `{"type":"project:update","data":{"n":2}}`)
	st, saved := h.store.state("p1")
	require.True(t, saved)
	assert.Equal(t, int64(2), st.Version)

	stored, _ := h.store.ListChanges(ctx, "p1", 0)
	assert.Len(t, stored, 2)
}

func TestChangeLog_BoundedInMemory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.join(t, "p1", "A", "editor")

	for i := 0; i < 12; i++ {
		h.send(t, "p1", "A", a, fmt.Sprintf(`{"type":"project:update","data":{"n":%d}}`, i))
	}
	changes, err := h.reg.Changes(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, changes, 8)
	assert.JSONEq(t, `{"n":4}`, string(changes[0].Payload))
	assert.JSONEq(t, `{"n":11}`, string(changes[7].Payload))

	last2, err := h.reg.Changes(ctx, "p1", 2)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":10}`, string(last2[0].Payload))

	stored, _ := h.store.ListChanges(ctx, "p1", 0)
	assert.Len(t, stored, 12, "the durable log keeps everything")
}

func TestRelayedEvents(t *testing.T) {
	h := newHarness(t)

	a := h.join(t, "p1", "A", "editor")
	b := h.join(t, "p1", "B", "viewer")
	a.reset()
	b.reset()

	h.send(t, "p1", "A", a, `{"type":"chat:message","data":{"text":"hi"}}`)
	h.send(t, "p1", "A", a, `{"type":"cursor:move","data":{"x":10,"y":20}}`)
	h.send(t, "p1", "B", b, `{"type":"annotation:add","data":{"at":12.5}}`)
	h.send(t, "p1", "B", b, `{"type":"comment:add","data":{"body":"nice cut"}}`)
	h.send(t, "p1", "B", b, `{"type":"reaction:add","data":{"emoji":"fire"}}`)

	assert.Equal(t, []string{
		types.EventChatMessage, types.EventAnnotationAdded, types.EventCommentAdded, types.EventReactionAdded,
	}, a.eventTypes())
	assert.Equal(t, []string{
		types.EventChatMessage, types.EventCursorMoved, types.EventAnnotationAdded, types.EventCommentAdded, types.EventReactionAdded,
	}, b.eventTypes())

	var cursor types.CursorMoved
	require.True(t, b.last(t, types.EventCursorMoved, &cursor))
	assert.Equal(t, "A", cursor.UserID)
	assert.JSONEq(t, `{"x":10,"y":20}`, string(cursor.Position))

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	require.Len(t, h.notifier.messages, 1)
	require.Len(t, h.notifier.comments, 1)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(h.notifier.messages[0], &msg))
	assert.Equal(t, "hi", msg["text"])
	assert.Equal(t, "A", msg["userId"])
}

func TestHandle_RespectsCapabilities(t *testing.T) {
	h := newHarness(t)
	g := h.join(t, "p1", "G", "guest") // unknown role: view only
	other := h.join(t, "p1", "A", "editor")
	other.reset()

	h.send(t, "p1", "G", g, `{"type":"chat:message","data":{"text":"hi"}}`)
	h.send(t, "p1", "G", g, `{"type":"comment:add","data":{"body":"x"}}`)
	assert.Equal(t, 2, g.count(types.EventError))
	assert.Empty(t, other.eventTypes())
}

// FUNCTIONAL VALIDATION TEST: events of one session reach every subscriber in acceptance order
func TestPerSessionFIFO(t *testing.T) {
	h := newHarness(t)
	a := h.join(t, "p1", "A", "editor")
	b := h.join(t, "p1", "B", "editor")
	b.reset()

	const n = 100
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			in, _ := types.DecodeInbound([]byte(fmt.Sprintf(`{"type":"cursor:move","data":%d}`, i)))
			assert.NoError(t, h.reg.Handle(context.Background(), "p1", "A", a, in))
		}
	}()
	wg.Wait()

	frames := b.received()
	require.Len(t, frames, n)
	for i, f := range frames {
		var cm types.CursorMoved
		require.NoError(t, json.Unmarshal(f.Data, &cm))
		assert.JSONEq(t, fmt.Sprint(i), string(cm.Position))
	}
}

// FUNCTIONAL VALIDATION TEST: an empty session is destroyed after the grace period
func TestGrace_SessionRetiresAfterEmpty(t *testing.T) {
	h := newHarness(t, withGrace(20*time.Millisecond))
	ctx := context.Background()

	h.join(t, "p1", "A", "editor")
	require.NoError(t, h.reg.Leave(ctx, "p1", "A"))
	assert.Equal(t, 1, h.reg.Stats().Sessions, "session survives during the grace period")

	assert.Eventually(t, func() bool { return h.reg.Stats().Sessions == 0 }, time.Second, 5*time.Millisecond)
	_, ok := h.rooms.Get("p1")
	assert.False(t, ok)

	// a later join starts a fresh session
	h.join(t, "p1", "B", "editor")
	assert.Equal(t, Stats{Sessions: 1, Participants: 1}, h.reg.Stats())
}

// FUNCTIONAL VALIDATION TEST: a join before the grace timer fires keeps the session
func TestGrace_RejoinCancelsDeletion(t *testing.T) {
	h := newHarness(t, withGrace(40*time.Millisecond))
	ctx := context.Background()

	a := h.join(t, "p1", "A", "editor")
	h.send(t, "p1", "A", a, `{"type":"project:update","data":{"kept":true}}`)
	require.NoError(t, h.reg.Leave(ctx, "p1", "A"))
	h.join(t, "p1", "B", "editor")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, Stats{Sessions: 1, Participants: 1}, h.reg.Stats())
	changes, err := h.reg.Changes(ctx, "p1", 0)
	require.NoError(t, err)
	assert.Len(t, changes, 1, "in-memory session state survived")
}

func TestHydrate_PrefersCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.states["p1"] = &types.ProjectState{ProjectID: "p1", Version: 1, Data: json.RawMessage(`{"from":"store"}`)}
	require.NoError(t, h.cache.SetJSON(ctx, "state:p1",
		types.ProjectState{ProjectID: "p1", Version: 7, Data: json.RawMessage(`{"from":"cache"}`)}, time.Minute))

	a := h.join(t, "p1", "A", "editor")
	var st types.ProjectState
	require.True(t, a.last(t, types.EventProjectState, &st))
	assert.Equal(t, int64(7), st.Version)
	assert.JSONEq(t, `{"from":"cache"}`, string(st.Data))
	assert.Equal(t, 0, h.store.getCalls())
}

func TestHydrate_MissFallsBackToStoreAndRepopulates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.states["p1"] = &types.ProjectState{ProjectID: "p1", Version: 4, Data: json.RawMessage(`{"scene":1}`)}

	a := h.join(t, "p1", "A", "editor")
	var st types.ProjectState
	require.True(t, a.last(t, types.EventProjectState, &st))
	assert.Equal(t, int64(4), st.Version)
	assert.Equal(t, 1, h.store.getCalls())

	var cached types.ProjectState
	require.True(t, h.cache.GetJSON(ctx, "state:p1", &cached))
	assert.Equal(t, int64(4), cached.Version)
}

// FUNCTIONAL VALIDATION TEST: a cache connection error reads as a miss, the
// store is consulted, and the snapshot is re-cached for 300s
func TestHydrate_CacheConnectionFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.New(cache.Options{
		Primary: cache.NewRedisBackend(cache.RedisOptions{Addr: mr.Addr(), DialTimeout: 200 * time.Millisecond}),
		Prefix:  "storyboard:",
		Logger:  logging.Discard(),
	})
	t.Cleanup(func() { _ = c.Close() })
	h := newHarness(t, withCache(c))
	ctx := context.Background()

	h.store.states["p1"] = &types.ProjectState{ProjectID: "p1", Version: 9, Data: json.RawMessage(`{"cut":"final"}`)}
	mr.Close()

	a := h.join(t, "p1", "A", "editor")
	var st types.ProjectState
	require.True(t, a.last(t, types.EventProjectState, &st))
	assert.Equal(t, int64(9), st.Version)
	assert.Equal(t, 1, h.store.getCalls())

	assert.True(t, c.Degraded())
	var cached types.ProjectState
	require.True(t, c.GetJSON(ctx, "state:p1", &cached))
	assert.Equal(t, int64(9), cached.Version)
	assert.InDelta(t, 300, c.TTL(ctx, "state:p1").Seconds(), 1)
}

// FUNCTIONAL VALIDATION TEST: a store hiccup during hydration is not
// remembered; the next joiner hydrates and earlier joiners get the real snapshot
func TestHydrate_TransientStoreFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.states["p1"] = &types.ProjectState{ProjectID: "p1", Version: 5, Data: json.RawMessage(`{"clips":[1,2,3]}`)}
	h.store.failGet = 1

	alice := h.join(t, "p1", "alice", "editor")
	var st types.ProjectState
	require.True(t, alice.last(t, types.EventProjectState, &st))
	assert.Equal(t, int64(0), st.Version)
	var rejection map[string]any
	require.True(t, alice.last(t, types.EventError, &rejection))
	assert.Equal(t, msgStateUnavailable, rejection["message"])
	_, cached := h.cache.Get(ctx, "state:p1")
	assert.False(t, cached, "a provisional snapshot is never cached")

	alice.reset()
	bob := h.join(t, "p1", "bob", "viewer")
	st = types.ProjectState{}
	require.True(t, bob.last(t, types.EventProjectState, &st))
	assert.Equal(t, int64(5), st.Version)
	assert.JSONEq(t, `{"clips":[1,2,3]}`, string(st.Data))
	assert.Equal(t, 1, bob.count(types.EventProjectState))

	st = types.ProjectState{}
	require.True(t, alice.last(t, types.EventProjectState, &st), "the provisional joiner is sent the real snapshot")
	assert.Equal(t, int64(5), st.Version)
	assert.Equal(t, 1, alice.count(types.EventProjectState))

	h.send(t, "p1", "alice", alice, `{"type":"project:update","data":{"clips":[9]}}`)
	saved, ok := h.store.state("p1")
	require.True(t, ok)
	assert.Equal(t, int64(6), saved.Version)
	assert.JSONEq(t, `{"clips":[9]}`, string(saved.Data))
}

func TestUpdate_RefusedWhileStateUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.states["p1"] = &types.ProjectState{ProjectID: "p1", Version: 5, Data: json.RawMessage(`{"clips":[1,2,3]}`)}
	h.store.failGet = 2

	alice := h.join(t, "p1", "alice", "editor")
	alice.reset()

	h.send(t, "p1", "alice", alice, `{"type":"project:update","data":{"clips":[]}}`)
	var rejection map[string]any
	require.True(t, alice.last(t, types.EventError, &rejection))
	assert.Equal(t, msgStateUnavailable, rejection["message"])
	saved, _ := h.store.state("p1")
	assert.Equal(t, int64(5), saved.Version, "nothing was written over the stored document")

	_, err := h.reg.Snapshot(ctx, "p1")
	require.NoError(t, err, "the store is healthy again")

	var st types.ProjectState
	require.True(t, alice.last(t, types.EventProjectState, &st))
	assert.Equal(t, int64(5), st.Version)

	h.send(t, "p1", "alice", alice, `{"type":"project:update","data":{"clips":[4]}}`)
	saved, _ = h.store.state("p1")
	assert.Equal(t, int64(6), saved.Version)
	assert.JSONEq(t, `{"clips":[4]}`, string(saved.Data))

	stored, err := h.store.ListChanges(ctx, "p1", 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestSnapshot_StoreFailureIsReported(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.states["p1"] = &types.ProjectState{ProjectID: "p1", Version: 3, Data: json.RawMessage(`{}`)}
	h.store.failGet = 1

	_, err := h.reg.Snapshot(ctx, "p1")
	assert.ErrorIs(t, err, ErrStateUnavailable)

	st, err := h.reg.Snapshot(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Version)
}

func openSQLiteStore(t *testing.T) interfaces.ProjectStore {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "store.db")
	cfg.RetryDelay = 10 * time.Millisecond
	m, err := database.NewManager(cfg, logging.Discard())
	require.NoError(t, err)
	_, err = dbconfig.NewMigrationManager(m.GetDB()).ApplyMigrations(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// FUNCTIONAL VALIDATION TEST: when the version counter is lost and the
// session numbers below the stored snapshot, the accepted update still
// reaches the store under a higher version
func TestPersist_StaleVersionRenumbersAboveStore(t *testing.T) {
	stores := []struct {
		name string
		open func(t *testing.T) interfaces.ProjectStore
	}{
		{"memory", func(*testing.T) interfaces.ProjectStore { return newFakeStore() }},
		{"sqlite", openSQLiteStore},
	}

	for _, tt := range stores {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := tt.open(t)
			require.NoError(t, store.SaveProjectState(ctx, &types.ProjectState{
				ProjectID: "p1", Version: 5, Data: json.RawMessage(`{"clips":[1,2,3]}`), UpdatedBy: "carol",
			}))

			h := newHarness(t, withStore(store))
			// An older snapshot survived in the cache, the counter did not.
			require.NoError(t, h.cache.SetJSON(ctx, "state:p1",
				types.ProjectState{ProjectID: "p1", Version: 2, Data: json.RawMessage(`{"clips":[1]}`)}, time.Minute))

			alice := h.join(t, "p1", "alice", "editor")
			h.send(t, "p1", "alice", alice, `{"type":"project:update","data":{"clips":[9]}}`)

			saved, err := store.GetProjectState(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, int64(6), saved.Version)
			assert.JSONEq(t, `{"clips":[9]}`, string(saved.Data))
			assert.Equal(t, "alice", saved.UpdatedBy)

			snap, err := h.reg.Snapshot(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, int64(6), snap.Version)
			counter, ok := h.cache.Get(ctx, "version:p1")
			require.True(t, ok)
			assert.Equal(t, "6", string(counter))

			h.send(t, "p1", "alice", alice, `{"type":"project:update","data":{"clips":[9,10]}}`)
			saved, err = store.GetProjectState(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, int64(7), saved.Version)
			assert.JSONEq(t, `{"clips":[9,10]}`, string(saved.Data))
		})
	}
}

func TestSnapshotAndChanges_WithoutSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.states["p9"] = &types.ProjectState{ProjectID: "p9", Version: 2, Data: json.RawMessage(`{}`)}
	require.NoError(t, h.store.AppendChanges(ctx, "p9", []types.ChangeRecord{
		{ID: "1", ProjectID: "p9", AuthorID: "x"},
		{ID: "2", ProjectID: "p9", AuthorID: "y"},
	}))

	st, err := h.reg.Snapshot(ctx, "p9")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Version)

	changes, err := h.reg.Changes(ctx, "p9", 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "2", changes[0].ID)

	assert.Equal(t, 0, h.reg.Stats().Sessions, "reads do not start sessions")

	_, err = h.reg.Snapshot(ctx, "bad id!")
	assert.ErrorIs(t, err, types.ErrInvalidProjectID)
}

func TestClose_FlushesAndRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.join(t, "p1", "A", "editor")

	h.store.failSave = 1
	h.send(t, "p1", "A", a, `{"type":"project:update","data":{"n":1}}`)
	_, saved := h.store.state("p1")
	require.False(t, saved)

	require.NoError(t, h.reg.Close(ctx))
	_, saved = h.store.state("p1")
	assert.True(t, saved, "close retries the unsaved state")

	_, err := h.reg.Join(ctx, "p1", "B", "editor", newFakeConn("c"))
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.NoError(t, h.reg.Close(ctx))
}
