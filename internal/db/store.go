package db

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// RoomRecord is the persisted metadata of a room. The live room itself is
// never stored.
type RoomRecord struct {
	ID         string     `json:"roomId"`
	Name       string     `json:"roomName"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"createdAt"`
	InactiveAt *time.Time `json:"inactiveAt,omitempty"`
}

// Account is the result of an account lookup.
type Account struct {
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Exists      bool     `json:"exists"`
	JoinedRooms []string `json:"joinedRooms"`
}

type Stats struct {
	Rooms       int `json:"rooms"`
	ActiveRooms int `json:"activeRooms"`
	Accounts    int `json:"accounts"`
}

// Store persists room metadata and account membership. Every call may block
// on I/O, so the hub only invokes it off its event loop.
type Store interface {
	UpsertRoom(ctx context.Context, r RoomRecord) error
	RenameRoom(ctx context.Context, id, name string) error
	MarkInactive(ctx context.Context, id string, at time.Time) error
	// MarkAllInactive reconciles persisted rooms after a restart, when no
	// room is live anymore.
	MarkAllInactive(ctx context.Context, at time.Time) (int64, error)
	FindRoom(ctx context.Context, id string) (RoomRecord, error)
	FindRooms(ctx context.Context, ids []string) ([]RoomRecord, error)
	FindInactiveBefore(ctx context.Context, cutoff time.Time) ([]RoomRecord, error)
	DeleteRoom(ctx context.Context, id string) error

	LookupAccount(ctx context.Context, username string) (Account, error)
	UpsertAccount(ctx context.Context, username, email string) error
	AddJoinedRoom(ctx context.Context, username, roomID string) error
	RemoveRoomFromAccounts(ctx context.Context, roomID string) (int64, error)

	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}
