package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) (*Database, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "codeshare-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, cleanup
}

var t0 = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func TestDatabaseCreation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestRoomOperations(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	err := db.UpsertRoom(ctx, RoomRecord{ID: "test-room", Name: "alice's Room", Active: true, CreatedAt: t0})
	if err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	room, err := db.FindRoom(ctx, "test-room")
	if err != nil {
		t.Fatalf("Failed to get room: %v", err)
	}
	if room.Name != "alice's Room" {
		t.Errorf("Expected room name \"alice's Room\", got '%s'", room.Name)
	}
	if !room.Active || room.InactiveAt != nil {
		t.Errorf("New room should be active, got %+v", room)
	}
	if !room.CreatedAt.Equal(t0) {
		t.Errorf("Expected created_at %v, got %v", t0, room.CreatedAt)
	}

	if err := db.RenameRoom(ctx, "test-room", "Pairing"); err != nil {
		t.Fatalf("Failed to rename room: %v", err)
	}
	room, _ = db.FindRoom(ctx, "test-room")
	if room.Name != "Pairing" {
		t.Errorf("Expected renamed room, got '%s'", room.Name)
	}

	_, err = db.FindRoom(ctx, "non-existent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := db.RenameRoom(ctx, "non-existent", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on rename, got %v", err)
	}

	if err := db.DeleteRoom(ctx, "test-room"); err != nil {
		t.Fatalf("Failed to delete room: %v", err)
	}
	if _, err := db.FindRoom(ctx, "test-room"); !errors.Is(err, ErrNotFound) {
		t.Error("Deleted room should not exist")
	}
}

func TestInactiveRooms(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := db.UpsertRoom(ctx, RoomRecord{ID: id, Active: true, CreatedAt: t0}); err != nil {
			t.Fatalf("Failed to create room: %v", err)
		}
	}

	if err := db.MarkInactive(ctx, "a", t0.Add(time.Minute)); err != nil {
		t.Fatalf("MarkInactive failed: %v", err)
	}
	if err := db.MarkInactive(ctx, "b", t0.Add(40*time.Minute)); err != nil {
		t.Fatalf("MarkInactive failed: %v", err)
	}
	if err := db.MarkInactive(ctx, "missing", t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	cutoff := t0.Add(40*time.Minute - 30*time.Minute)
	rooms, err := db.FindInactiveBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("FindInactiveBefore failed: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != "a" {
		t.Fatalf("Expected only room a past retention, got %+v", rooms)
	}
	if rooms[0].InactiveAt == nil || !rooms[0].InactiveAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("Unexpected inactive_at %v", rooms[0].InactiveAt)
	}

	// The cutoff is inclusive.
	rooms, _ = db.FindInactiveBefore(ctx, t0.Add(40*time.Minute))
	if len(rooms) != 2 {
		t.Errorf("Expected 2 rooms at inclusive cutoff, got %d", len(rooms))
	}
}

func TestMarkAllInactive(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	db.UpsertRoom(ctx, RoomRecord{ID: "live-1", Active: true, CreatedAt: t0})
	db.UpsertRoom(ctx, RoomRecord{ID: "live-2", Active: true, CreatedAt: t0})
	db.UpsertRoom(ctx, RoomRecord{ID: "old", Active: true, CreatedAt: t0})
	db.MarkInactive(ctx, "old", t0)

	n, err := db.MarkAllInactive(ctx, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("MarkAllInactive failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 rooms reconciled, got %d", n)
	}

	old, _ := db.FindRoom(ctx, "old")
	if !old.InactiveAt.Equal(t0) {
		t.Error("Already inactive room should keep its timestamp")
	}
}

func TestAccounts(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	acc, err := db.LookupAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("LookupAccount failed: %v", err)
	}
	if acc.Exists {
		t.Error("Unknown account should not exist")
	}

	if err := db.UpsertAccount(ctx, "alice", "alice@example.com"); err != nil {
		t.Fatalf("UpsertAccount failed: %v", err)
	}
	for _, roomID := range []string{"r1", "r2", "r1"} {
		if err := db.AddJoinedRoom(ctx, "alice", roomID); err != nil {
			t.Fatalf("AddJoinedRoom failed: %v", err)
		}
	}
	if err := db.AddJoinedRoom(ctx, "ghost", "r1"); err != nil {
		t.Fatalf("AddJoinedRoom for unknown account failed: %v", err)
	}

	acc, err = db.LookupAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("LookupAccount failed: %v", err)
	}
	if !acc.Exists || acc.Email != "alice@example.com" {
		t.Errorf("Unexpected account %+v", acc)
	}
	if len(acc.JoinedRooms) != 2 {
		t.Fatalf("Expected joined rooms to be deduplicated, got %v", acc.JoinedRooms)
	}

	n, err := db.RemoveRoomFromAccounts(ctx, "r1")
	if err != nil {
		t.Fatalf("RemoveRoomFromAccounts failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 reference removed, got %d", n)
	}
	acc, _ = db.LookupAccount(ctx, "alice")
	if len(acc.JoinedRooms) != 1 || acc.JoinedRooms[0] != "r2" {
		t.Errorf("Expected [r2], got %v", acc.JoinedRooms)
	}
}

func TestFindRooms(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i, id := range []string{"r1", "r2", "r3"} {
		db.UpsertRoom(ctx, RoomRecord{ID: id, Name: id, Active: true, CreatedAt: t0.Add(time.Duration(i) * time.Minute)})
	}

	rooms, err := db.FindRooms(ctx, []string{"r1", "r3", "gone"})
	if err != nil {
		t.Fatalf("FindRooms failed: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("Expected 2 rooms, got %d", len(rooms))
	}
	if rooms[0].ID != "r3" || rooms[1].ID != "r1" {
		t.Errorf("Expected newest first, got %s, %s", rooms[0].ID, rooms[1].ID)
	}

	rooms, err = db.FindRooms(ctx, nil)
	if err != nil || len(rooms) != 0 {
		t.Errorf("Expected no rooms for empty ids, got %v, %v", rooms, err)
	}
}

func TestStats(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := db.UpsertRoom(ctx, RoomRecord{ID: "stats-room-" + string(rune('a'+i)), Active: true, CreatedAt: t0}); err != nil {
			t.Fatalf("Failed to create room: %v", err)
		}
	}
	db.MarkInactive(ctx, "stats-room-a", t0)
	db.UpsertAccount(ctx, "alice", "")

	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}

	if stats.Rooms != 3 {
		t.Errorf("Expected 3 rooms, got %d", stats.Rooms)
	}
	if stats.ActiveRooms != 2 {
		t.Errorf("Expected 2 active rooms, got %d", stats.ActiveRooms)
	}
	if stats.Accounts != 1 {
		t.Errorf("Expected 1 account, got %d", stats.Accounts)
	}
}
