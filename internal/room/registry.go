package room

import (
	"fmt"
	"sort"
	"time"

	"github.com/manpreetbhatti/codeshare/backend/internal/crdt"
	"github.com/manpreetbhatti/codeshare/backend/internal/permission"
)

// Registry is the authoritative roomID -> Room map together with each room's
// document and the connection index. It is not safe for concurrent use: the
// hub's event loop is its only caller.
type Registry struct {
	rooms map[string]*Room
	docs  *crdt.Store
	conns *ConnIndex
	now   func() time.Time
}

func NewRegistry() *Registry {
	return NewRegistryWithClock(time.Now)
}

func NewRegistryWithClock(now func() time.Time) *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
		docs:  crdt.NewStore(),
		conns: NewConnIndex(),
		now:   now,
	}
}

type CreateParams struct {
	RoomID    string
	OwnerName string
	Identity  string
	ConnID    string
	Settings  permission.Settings
}

// Create registers a new room with its creator as owner and only member.
func (g *Registry) Create(p CreateParams) (*Room, error) {
	if _, ok := g.rooms[p.RoomID]; ok {
		return nil, ErrAlreadyExists
	}

	now := g.now()
	r := newRoom(p.RoomID, Owner{
		Identity: p.Identity,
		Name:     p.OwnerName,
		ConnID:   p.ConnID,
	}, p.Settings, now)
	r.History.Add(now, fmt.Sprintf("Room created by %s", p.OwnerName))

	g.rooms[p.RoomID] = r
	g.docs.GetOrCreate(p.RoomID)
	g.conns.Bind(p.ConnID, p.RoomID)
	return r, nil
}

type JoinResult struct {
	Room         *Room
	Capabilities permission.Capabilities
	// Snapshot is the full document state the member needs before it can
	// apply incremental updates.
	Snapshot []byte
}

// Join adds name to the room. When identity is the owner's, the owner's
// connection binding moves to connID.
func (g *Registry) Join(roomID, name, identity, connID string) (JoinResult, error) {
	r, ok := g.rooms[roomID]
	if !ok {
		return JoinResult{}, ErrNotFound
	}
	if r.Locked {
		return JoinResult{}, ErrLocked
	}

	isOwner := identity != "" && identity == r.Owner.Identity
	if !r.Settings.EnableCollab && !isOwner {
		return JoinResult{}, ErrCollabDisabled
	}
	if _, taken := r.Members[name]; taken {
		return JoinResult{}, ErrNameTaken
	}

	snapshot, err := g.docs.EncodeFull(roomID)
	if err != nil {
		return JoinResult{}, fmt.Errorf("encode document %s: %w", roomID, err)
	}

	if isOwner {
		r.Owner.ConnID = connID
	}
	m := &Member{Name: name, Identity: identity, ConnID: connID}
	r.Members[name] = m
	r.History.Add(g.now(), fmt.Sprintf("%s joined", name))
	g.conns.Bind(connID, roomID)

	caps, _ := r.Capabilities(name)
	return JoinResult{Room: r, Capabilities: caps, Snapshot: snapshot}, nil
}

// Leave removes name from the room. It is a no-op when either is absent.
// The returned flag reports whether the room is now empty.
func (g *Registry) Leave(roomID, name string) (*Member, bool) {
	r, ok := g.rooms[roomID]
	if !ok {
		return nil, false
	}
	m, ok := r.remove(name)
	if !ok {
		return nil, r.Empty()
	}
	r.History.Add(g.now(), fmt.Sprintf("%s left", name))
	if rid, bound := g.conns.Lookup(m.ConnID); bound && rid == roomID {
		g.conns.Unbind(m.ConnID)
	}
	return m, r.Empty()
}

// LeaveConn resolves connID through the connection index and removes the
// member it belongs to. The index entry is dropped whether or not the room
// or member still exist.
func (g *Registry) LeaveConn(connID string) (roomID string, m *Member, empty bool) {
	roomID, ok := g.conns.Lookup(connID)
	g.conns.Unbind(connID)
	if !ok {
		return "", nil, false
	}
	r, ok := g.rooms[roomID]
	if !ok {
		return roomID, nil, false
	}
	m, ok = r.MemberByConn(connID)
	if !ok {
		return roomID, nil, r.Empty()
	}
	m, empty = g.Leave(roomID, m.Name)
	return roomID, m, empty
}

// Evict removes a member on the owner's behalf. The owner cannot be evicted.
func (g *Registry) Evict(roomID, caller, name string) (*Member, bool) {
	r, ok := g.rooms[roomID]
	if !ok || !r.IsOwnerConn(caller) {
		return nil, false
	}
	m, ok := r.Members[name]
	if !ok || r.isOwner(m) {
		return nil, false
	}
	m, _ = g.Leave(roomID, name)
	return m, m != nil
}

// Reclaim locks the room and removes it, its document and every connection
// index entry pointing at it. Only the first call for a given room instance
// has any effect.
func (g *Registry) Reclaim(roomID string) (*Room, bool) {
	r, ok := g.rooms[roomID]
	if !ok || r.Locked {
		return nil, false
	}
	r.Locked = true
	delete(g.rooms, roomID)
	g.docs.Delete(roomID)
	g.conns.UnbindRoom(roomID)
	return r, true
}

func (g *Registry) Get(roomID string) (*Room, bool) {
	r, ok := g.rooms[roomID]
	return r, ok
}

// Active re-validates a room captured before a suspension: it must still be
// registered, be the same instance and not be locked.
func (g *Registry) Active(roomID string, captured *Room) bool {
	r, ok := g.rooms[roomID]
	return ok && r == captured && !r.Locked
}

// ApplyUpdate merges a document update from the member on connID and returns
// the bytes to relay. from, when set, must name that member. Updates from
// members without edit capability are dropped.
func (g *Registry) ApplyUpdate(roomID, connID, from string, update []byte) ([]byte, *Member, error) {
	r, ok := g.rooms[roomID]
	if !ok || r.Locked {
		return nil, nil, ErrNotFound
	}
	m, ok := r.MemberByConn(connID)
	if !ok || (from != "" && from != m.Name) {
		return nil, nil, ErrPermissionDenied
	}
	if caps, _ := r.Capabilities(m.Name); !caps.CanEdit {
		return nil, nil, ErrPermissionDenied
	}

	relay, err := g.docs.Apply(roomID, update)
	if err != nil {
		return nil, nil, err
	}
	r.LastEditAt = g.now()
	return relay, m, nil
}

// Document exposes the room's replicated document.
func (g *Registry) Document(roomID string) (*crdt.Document, bool) {
	if _, ok := g.rooms[roomID]; !ok {
		return nil, false
	}
	return g.docs.GetOrCreate(roomID), true
}

// EncodeDocument snapshots the room's document.
func (g *Registry) EncodeDocument(roomID string) ([]byte, error) {
	if _, ok := g.rooms[roomID]; !ok {
		return nil, ErrNotFound
	}
	return g.docs.EncodeFull(roomID)
}

func (g *Registry) Conns() *ConnIndex {
	return g.conns
}

// RoomIDs returns the registered room ids in sorted order.
func (g *Registry) RoomIDs() []string {
	ids := make([]string, 0, len(g.rooms))
	for id := range g.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g *Registry) Len() int {
	return len(g.rooms)
}

func (g *Registry) DocumentCount() int {
	return g.docs.Len()
}

// MemberCount sums members over all rooms.
func (g *Registry) MemberCount() int {
	n := 0
	for _, r := range g.rooms {
		n += len(r.Members)
	}
	return n
}

// ActiveRooms returns member counts keyed by room id.
func (g *Registry) ActiveRooms() map[string]int {
	out := make(map[string]int, len(g.rooms))
	for id, r := range g.rooms {
		out[id] = len(r.Members)
	}
	return out
}
