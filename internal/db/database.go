package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"
)

// Database is the sqlite Store. Timestamps are kept as unix milliseconds.
type Database struct {
	db *sql.DB
}

var _ Store = (*Database)(nil)

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("database initialized", "path", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at INTEGER NOT NULL,
		inactive_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_inactive ON rooms(active, inactive_at);

	CREATE TABLE IF NOT EXISTS accounts (
		username TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS account_rooms (
		username TEXT NOT NULL,
		room_id TEXT NOT NULL,
		joined_at INTEGER NOT NULL,
		PRIMARY KEY (username, room_id)
	);

	CREATE INDEX IF NOT EXISTS idx_account_rooms_room_id ON account_rooms(room_id);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Room operations

func (d *Database) UpsertRoom(ctx context.Context, r RoomRecord) error {
	var inactive sql.NullInt64
	if r.InactiveAt != nil {
		inactive = sql.NullInt64{Int64: millis(*r.InactiveAt), Valid: true}
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, active, created_at, inactive_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active,
			created_at = excluded.created_at,
			inactive_at = excluded.inactive_at
	`, r.ID, r.Name, r.Active, millis(r.CreatedAt), inactive)
	if err != nil {
		return fmt.Errorf("upsert room %s: %w", r.ID, err)
	}
	return nil
}

func (d *Database) RenameRoom(ctx context.Context, id, name string) error {
	res, err := d.db.ExecContext(ctx, "UPDATE rooms SET name = ? WHERE id = ?", name, id)
	if err != nil {
		return fmt.Errorf("rename room %s: %w", id, err)
	}
	return expectRow(res)
}

func (d *Database) MarkInactive(ctx context.Context, id string, at time.Time) error {
	res, err := d.db.ExecContext(ctx,
		"UPDATE rooms SET active = FALSE, inactive_at = ? WHERE id = ?",
		millis(at), id,
	)
	if err != nil {
		return fmt.Errorf("mark room %s inactive: %w", id, err)
	}
	return expectRow(res)
}

func (d *Database) MarkAllInactive(ctx context.Context, at time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		"UPDATE rooms SET active = FALSE, inactive_at = ? WHERE active = TRUE",
		millis(at),
	)
	if err != nil {
		return 0, fmt.Errorf("mark rooms inactive: %w", err)
	}
	return res.RowsAffected()
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const roomColumns = "id, name, active, created_at, inactive_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(s scanner) (RoomRecord, error) {
	var (
		r        RoomRecord
		created  int64
		inactive sql.NullInt64
	)
	if err := s.Scan(&r.ID, &r.Name, &r.Active, &created, &inactive); err != nil {
		return RoomRecord{}, err
	}
	r.CreatedAt = fromMillis(created)
	if inactive.Valid {
		t := fromMillis(inactive.Int64)
		r.InactiveAt = &t
	}
	return r, nil
}

func (d *Database) FindRoom(ctx context.Context, id string) (RoomRecord, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+roomColumns+" FROM rooms WHERE id = ?", id)
	r, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RoomRecord{}, ErrNotFound
	}
	if err != nil {
		return RoomRecord{}, fmt.Errorf("find room %s: %w", id, err)
	}
	return r, nil
}

func (d *Database) queryRooms(ctx context.Context, query string, args ...any) ([]RoomRecord, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []RoomRecord
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// FindRooms returns the records for ids that exist, newest first.
func (d *Database) FindRooms(ctx context.Context, ids []string) ([]RoomRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rooms, err := d.queryRooms(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE id IN ("+placeholders+") ORDER BY created_at DESC",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("find rooms: %w", err)
	}
	return rooms, nil
}

// FindInactiveBefore returns inactive rooms whose inactivity started at or
// before cutoff.
func (d *Database) FindInactiveBefore(ctx context.Context, cutoff time.Time) ([]RoomRecord, error) {
	rooms, err := d.queryRooms(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE active = FALSE AND inactive_at <= ? ORDER BY inactive_at ASC",
		millis(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("find inactive rooms: %w", err)
	}
	return rooms, nil
}

func (d *Database) DeleteRoom(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete room %s: %w", id, err)
	}
	return nil
}

// Account operations

func (d *Database) LookupAccount(ctx context.Context, username string) (Account, error) {
	acc := Account{Username: username}
	err := d.db.QueryRowContext(ctx,
		"SELECT email FROM accounts WHERE username = ?", username,
	).Scan(&acc.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return acc, nil
	}
	if err != nil {
		return Account{}, fmt.Errorf("lookup account %s: %w", username, err)
	}
	acc.Exists = true

	rows, err := d.db.QueryContext(ctx,
		"SELECT room_id FROM account_rooms WHERE username = ? ORDER BY joined_at ASC, room_id ASC",
		username,
	)
	if err != nil {
		return Account{}, fmt.Errorf("lookup joined rooms %s: %w", username, err)
	}
	defer rows.Close()

	acc.JoinedRooms = []string{}
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return Account{}, err
		}
		acc.JoinedRooms = append(acc.JoinedRooms, roomID)
	}
	return acc, rows.Err()
}

func (d *Database) UpsertAccount(ctx context.Context, username, email string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO accounts (username, email, created_at) VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET email = excluded.email
	`, username, email, millis(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", username, err)
	}
	return nil
}

// AddJoinedRoom records roomID on the account once. Unknown accounts are
// ignored.
func (d *Database) AddJoinedRoom(ctx context.Context, username, roomID string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO account_rooms (username, room_id, joined_at)
		SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM accounts WHERE username = ?)
	`, username, roomID, millis(time.Now()), username)
	if err != nil {
		return fmt.Errorf("add joined room %s for %s: %w", roomID, username, err)
	}
	return nil
}

func (d *Database) RemoveRoomFromAccounts(ctx context.Context, roomID string) (int64, error) {
	res, err := d.db.ExecContext(ctx, "DELETE FROM account_rooms WHERE room_id = ?", roomID)
	if err != nil {
		return 0, fmt.Errorf("remove room %s from accounts: %w", roomID, err)
	}
	return res.RowsAffected()
}

// Stats

func (d *Database) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := d.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM rooms),
			(SELECT COUNT(*) FROM rooms WHERE active = TRUE),
			(SELECT COUNT(*) FROM accounts)
	`).Scan(&s.Rooms, &s.ActiveRooms, &s.Accounts)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}
