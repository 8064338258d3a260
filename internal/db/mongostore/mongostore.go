// Package mongostore implements db.Store on MongoDB. Room documents keep the
// field names used by the rooms collection.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/manpreetbhatti/codeshare/backend/internal/db"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const DefaultDatabase = "codeshare"

type roomDoc struct {
	ID         string     `bson:"_id"`
	Name       string     `bson:"roomName"`
	Active     bool       `bson:"active"`
	CreatedAt  time.Time  `bson:"createdAt"`
	InactiveAt *time.Time `bson:"inactiveAt,omitempty"`
}

func (d roomDoc) record() db.RoomRecord {
	r := db.RoomRecord{
		ID:        d.ID,
		Name:      d.Name,
		Active:    d.Active,
		CreatedAt: d.CreatedAt.UTC(),
	}
	if d.InactiveAt != nil {
		t := d.InactiveAt.UTC()
		r.InactiveAt = &t
	}
	return r
}

type accountDoc struct {
	Username    string    `bson:"_id"`
	Email       string    `bson:"email"`
	RoomsJoined []string  `bson:"roomsJoined"`
	CreatedAt   time.Time `bson:"createdAt"`
}

// Store is a db.Store backed by the rooms and accounts collections.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ db.Store = (*Store)(nil)

// Connect dials url, verifies the connection and ensures indexes.
func Connect(ctx context.Context, url, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("mongostore: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("mongostore: ping failed: %w", err)
	}
	if database == "" {
		database = DefaultDatabase
	}

	s := &Store{client: client, db: client.Database(database)}
	if err := s.migrate(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	log.Info("mongo store connected", "database", database)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	collections := map[string][]mongo.IndexModel{
		"rooms": {
			{Keys: bson.D{{Key: "active", Value: 1}, {Key: "inactiveAt", Value: 1}}},
		},
		"accounts": {
			{Keys: bson.D{{Key: "roomsJoined", Value: 1}}},
		},
	}
	for name, indexes := range collections {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("mongostore: create indexes for %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) rooms() *mongo.Collection    { return s.db.Collection("rooms") }
func (s *Store) accounts() *mongo.Collection { return s.db.Collection("accounts") }

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// --- Rooms ---

func (s *Store) UpsertRoom(ctx context.Context, r db.RoomRecord) error {
	set := bson.M{
		"roomName":  r.Name,
		"active":    r.Active,
		"createdAt": r.CreatedAt,
	}
	update := bson.M{"$set": set}
	if r.InactiveAt != nil {
		set["inactiveAt"] = *r.InactiveAt
	} else {
		update["$unset"] = bson.M{"inactiveAt": ""}
	}
	_, err := s.rooms().UpdateOne(ctx, bson.M{"_id": r.ID}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert room %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) updateRoom(ctx context.Context, id string, set bson.M) error {
	res, err := s.rooms().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (s *Store) RenameRoom(ctx context.Context, id, name string) error {
	if err := s.updateRoom(ctx, id, bson.M{"roomName": name}); err != nil {
		return fmt.Errorf("rename room %s: %w", id, err)
	}
	return nil
}

func (s *Store) MarkInactive(ctx context.Context, id string, at time.Time) error {
	if err := s.updateRoom(ctx, id, bson.M{"active": false, "inactiveAt": at}); err != nil {
		return fmt.Errorf("mark room %s inactive: %w", id, err)
	}
	return nil
}

func (s *Store) MarkAllInactive(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.rooms().UpdateMany(ctx,
		bson.M{"active": true},
		bson.M{"$set": bson.M{"active": false, "inactiveAt": at}},
	)
	if err != nil {
		return 0, fmt.Errorf("mark rooms inactive: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *Store) FindRoom(ctx context.Context, id string) (db.RoomRecord, error) {
	var doc roomDoc
	err := s.rooms().FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return db.RoomRecord{}, db.ErrNotFound
	}
	if err != nil {
		return db.RoomRecord{}, fmt.Errorf("find room %s: %w", id, err)
	}
	return doc.record(), nil
}

func (s *Store) findRooms(ctx context.Context, filter bson.M, sort bson.D) ([]db.RoomRecord, error) {
	cur, err := s.rooms().Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, err
	}
	var docs []roomDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]db.RoomRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.record())
	}
	return out, nil
}

func (s *Store) FindRooms(ctx context.Context, ids []string) ([]db.RoomRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rooms, err := s.findRooms(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.D{{Key: "createdAt", Value: -1}},
	)
	if err != nil {
		return nil, fmt.Errorf("find rooms: %w", err)
	}
	return rooms, nil
}

func (s *Store) FindInactiveBefore(ctx context.Context, cutoff time.Time) ([]db.RoomRecord, error) {
	rooms, err := s.findRooms(ctx,
		bson.M{"active": false, "inactiveAt": bson.M{"$lte": cutoff}},
		bson.D{{Key: "inactiveAt", Value: 1}},
	)
	if err != nil {
		return nil, fmt.Errorf("find inactive rooms: %w", err)
	}
	return rooms, nil
}

func (s *Store) DeleteRoom(ctx context.Context, id string) error {
	if _, err := s.rooms().DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete room %s: %w", id, err)
	}
	return nil
}

// --- Accounts ---

func (s *Store) LookupAccount(ctx context.Context, username string) (db.Account, error) {
	var doc accountDoc
	err := s.accounts().FindOne(ctx, bson.M{"_id": username}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return db.Account{Username: username}, nil
	}
	if err != nil {
		return db.Account{}, fmt.Errorf("lookup account %s: %w", username, err)
	}
	joined := doc.RoomsJoined
	if joined == nil {
		joined = []string{}
	}
	return db.Account{
		Username:    doc.Username,
		Email:       doc.Email,
		Exists:      true,
		JoinedRooms: joined,
	}, nil
}

func (s *Store) UpsertAccount(ctx context.Context, username, email string) error {
	_, err := s.accounts().UpdateOne(ctx,
		bson.M{"_id": username},
		bson.M{
			"$set":         bson.M{"email": email},
			"$setOnInsert": bson.M{"roomsJoined": []string{}, "createdAt": time.Now().UTC()},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", username, err)
	}
	return nil
}

func (s *Store) AddJoinedRoom(ctx context.Context, username, roomID string) error {
	_, err := s.accounts().UpdateOne(ctx,
		bson.M{"_id": username},
		bson.M{"$addToSet": bson.M{"roomsJoined": roomID}},
	)
	if err != nil {
		return fmt.Errorf("add joined room %s for %s: %w", roomID, username, err)
	}
	return nil
}

func (s *Store) RemoveRoomFromAccounts(ctx context.Context, roomID string) (int64, error) {
	res, err := s.accounts().UpdateMany(ctx,
		bson.M{"roomsJoined": roomID},
		bson.M{"$pull": bson.M{"roomsJoined": roomID}},
	)
	if err != nil {
		return 0, fmt.Errorf("remove room %s from accounts: %w", roomID, err)
	}
	return res.ModifiedCount, nil
}

func (s *Store) Stats(ctx context.Context) (db.Stats, error) {
	rooms, err := s.rooms().CountDocuments(ctx, bson.M{})
	if err != nil {
		return db.Stats{}, fmt.Errorf("stats: %w", err)
	}
	active, err := s.rooms().CountDocuments(ctx, bson.M{"active": true})
	if err != nil {
		return db.Stats{}, fmt.Errorf("stats: %w", err)
	}
	accounts, err := s.accounts().CountDocuments(ctx, bson.M{})
	if err != nil {
		return db.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return db.Stats{Rooms: int(rooms), ActiveRooms: int(active), Accounts: int(accounts)}, nil
}
