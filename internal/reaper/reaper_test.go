package reaper

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/manpreetbhatti/codeshare/backend/internal/db"
	"github.com/manpreetbhatti/codeshare/backend/internal/permission"
	"github.com/manpreetbhatti/codeshare/backend/internal/ratelimit"
	"github.com/manpreetbhatti/codeshare/backend/internal/room"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type directExecutor struct{}

func (directExecutor) Do(_ context.Context, fn func()) error {
	fn()
	return nil
}

// recordingStore only implements what the reaper calls.
type recordingStore struct {
	db.Store
	mu       sync.Mutex
	inactive map[string]int
	fail     error
}

func (s *recordingStore) MarkInactive(_ context.Context, id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inactive == nil {
		s.inactive = make(map[string]int)
	}
	s.inactive[id]++
	return s.fail
}

func (s *recordingStore) marks(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inactive[id]
}

func seed(t *testing.T, g *room.Registry, id string, members ...string) {
	t.Helper()
	_, err := g.Create(room.CreateParams{
		RoomID:    id,
		OwnerName: "owner-" + id,
		Identity:  "id-" + id,
		ConnID:    "conn-owner-" + id,
		Settings:  permission.DefaultSettings(),
	})
	require.NoError(t, err)
	for _, m := range members {
		_, err := g.Join(id, m, "id-"+m, "conn-"+m)
		require.NoError(t, err)
	}
}

func TestReclaimIsIdempotent(t *testing.T) {
	g := room.NewRegistry()
	store := &recordingStore{}
	limiter := ratelimit.NewFixedWindow()
	s := New(g, store, limiter, DefaultConfig())
	seed(t, g, "R1", "bob")

	limiter.Allow(ratelimit.Key(ratelimit.ScopeRename, "R1"), 5, time.Hour)
	limiter.Allow(ratelimit.Key(ratelimit.ScopeChat, "conn-bob"), 5, time.Hour)

	r, ok := s.Reclaim("R1", TriggerDelete)
	require.True(t, ok)
	assert.Equal(t, 2, r.MemberCount(), "members are kept on the returned room for notification")

	_, ok = s.Reclaim("R1", TriggerEmpty)
	assert.False(t, ok)

	s.Stop()
	assert.Equal(t, 1, store.marks("R1"))
	assert.Equal(t, 0, g.Len())
	assert.Equal(t, 0, g.DocumentCount())
	assert.Equal(t, 1, limiter.Len(), "only room-keyed windows are dropped")
}

func TestEmptyRoomIsRemovedAndMarkedInactive(t *testing.T) {
	g := room.NewRegistry()
	store := &recordingStore{}
	s := New(g, store, nil, DefaultConfig())
	seed(t, g, "R1")

	_, _, empty := g.LeaveConn("conn-owner-R1")
	require.True(t, empty)
	_, ok := s.Reclaim("R1", TriggerEmpty)
	require.True(t, ok)

	_, exists := g.Get("R1")
	assert.False(t, exists)
	_, ok = g.Document("R1")
	assert.False(t, ok)

	s.Stop()
	assert.Equal(t, 1, store.marks("R1"))
}

func TestStoreFailureDoesNotAffectReclaim(t *testing.T) {
	g := room.NewRegistry()
	store := &recordingStore{fail: errors.New("mongo down")}
	s := New(g, store, nil, DefaultConfig())
	seed(t, g, "R1")

	_, ok := s.Reclaim("R1", TriggerDelete)
	assert.True(t, ok)
	s.Stop()
	assert.Equal(t, 0, g.Len())
}

func TestSweepEmpty(t *testing.T) {
	g := room.NewRegistry()
	s := New(g, nil, nil, DefaultConfig())
	seed(t, g, "busy", "bob")
	seed(t, g, "idle-1")
	seed(t, g, "idle-2")
	g.LeaveConn("conn-owner-idle-1")
	g.LeaveConn("conn-owner-idle-2")

	assert.Equal(t, 2, s.SweepEmpty())
	assert.Equal(t, []string{"busy"}, g.RoomIDs())
	assert.Equal(t, 0, s.SweepEmpty())
}

func setupStore(t *testing.T) *db.Database {
	t.Helper()
	d, err := db.New(filepath.Join(t.TempDir(), "reaper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestSweepRetention(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	g := room.NewRegistry()
	cfg := DefaultConfig()
	s := New(g, store, nil, cfg)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	for _, id := range []string{"stale", "fresh", "live"} {
		require.NoError(t, store.UpsertRoom(ctx, db.RoomRecord{ID: id, Active: true, CreatedAt: now.Add(-time.Hour)}))
	}
	require.NoError(t, store.MarkInactive(ctx, "stale", now.Add(-cfg.Retention-time.Minute)))
	require.NoError(t, store.MarkInactive(ctx, "fresh", now.Add(-time.Minute)))
	require.NoError(t, store.UpsertAccount(ctx, "alice", ""))
	require.NoError(t, store.AddJoinedRoom(ctx, "alice", "stale"))
	require.NoError(t, store.AddJoinedRoom(ctx, "alice", "fresh"))

	// A leftover empty in-memory room with the same id is reclaimed too.
	seed(t, g, "stale")
	g.LeaveConn("conn-owner-stale")

	n, err := s.SweepRetention(ctx, directExecutor{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.FindRoom(ctx, "stale")
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = store.FindRoom(ctx, "fresh")
	assert.NoError(t, err)

	acc, err := store.LookupAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, acc.JoinedRooms)
	assert.Equal(t, 0, g.Len())

	s.Stop()
}

func TestSweepRetentionKeepsLiveRoom(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	g := room.NewRegistry()
	cfg := DefaultConfig()
	s := New(g, store, nil, cfg)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	// The record went inactive after the room had been recreated.
	seed(t, g, "R1", "carol")
	require.NoError(t, store.UpsertRoom(ctx, db.RoomRecord{ID: "R1", Active: true, CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, store.MarkInactive(ctx, "R1", now.Add(-cfg.Retention-time.Minute)))
	require.NoError(t, store.UpsertAccount(ctx, "carol", ""))
	require.NoError(t, store.AddJoinedRoom(ctx, "carol", "R1"))

	n, err := s.SweepRetention(ctx, directExecutor{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	r, ok := g.Get("R1")
	require.True(t, ok)
	assert.Equal(t, 2, r.MemberCount())

	rec, err := store.FindRoom(ctx, "R1")
	require.NoError(t, err)
	assert.True(t, rec.Active)

	acc, err := store.LookupAccount(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"R1"}, acc.JoinedRooms)

	// A second sweep finds nothing to do.
	n, err = s.SweepRetention(ctx, directExecutor{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, g.Len())

	s.Stop()
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertRoom(ctx, db.RoomRecord{ID: "r1", Active: true, CreatedAt: now}))

	require.NoError(t, Reconcile(ctx, store, now))

	rec, err := store.FindRoom(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, rec.Active)
	require.NotNil(t, rec.InactiveAt)
	assert.True(t, rec.InactiveAt.Equal(now))
}

func TestStartRunsSweepAndStops(t *testing.T) {
	g := room.NewRegistry()
	cfg := DefaultConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.RetentionInterval = time.Hour
	s := New(g, nil, nil, cfg)
	seed(t, g, "idle")
	g.LeaveConn("conn-owner-idle")

	exec := &lockedExecutor{}
	s.Start(context.Background(), exec)

	require.Eventually(t, func() bool {
		var n int
		exec.Do(context.Background(), func() { n = g.Len() })
		return n == 0
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
}

// lockedExecutor serializes registry access between the test and the
// reaper goroutine.
type lockedExecutor struct {
	mu sync.Mutex
}

func (e *lockedExecutor) Do(_ context.Context, fn func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
	return nil
}
