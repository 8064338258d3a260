package room

import (
	"fmt"
	"time"

	"github.com/manpreetbhatti/codeshare/backend/internal/assistant"
	"github.com/manpreetbhatti/codeshare/backend/internal/history"
	"github.com/manpreetbhatti/codeshare/backend/internal/permission"
)

const DefaultLanguage = "javascript"

// Owner identifies who created the room. ConnID is rebound every time the
// owner joins again.
type Owner struct {
	Identity string
	Name     string
	ConnID   string
}

type Member struct {
	Name     string
	Identity string
	ConnID   string
	Override permission.Override
}

// MemberState is the externally visible view of a member.
type MemberState struct {
	ConnID  string `json:"connId"`
	IsAdmin bool   `json:"isAdmin"`
	CanEdit bool   `json:"canEdit"`
	CanChat bool   `json:"canChat"`
}

// A collaborative editing session. All fields are owned by the Registry's
// goroutine.
type Room struct {
	ID           string
	Name         string
	Owner        Owner
	Members      map[string]*Member
	Settings     permission.Settings
	History      *history.Ring
	Locked       bool
	LastEditAt   time.Time
	Language     string
	CreatedAt    time.Time
	Conversation *assistant.Conversation
}

func newRoom(id string, owner Owner, settings permission.Settings, now time.Time) *Room {
	r := &Room{
		ID:           id,
		Name:         fmt.Sprintf("%s's Room", owner.Name),
		Owner:        owner,
		Members:      make(map[string]*Member),
		Settings:     settings,
		History:      history.NewRing(history.DefaultCapacity),
		LastEditAt:   now,
		Language:     DefaultLanguage,
		CreatedAt:    now,
		Conversation: assistant.NewConversation(),
	}
	r.Members[owner.Name] = &Member{
		Name:     owner.Name,
		Identity: owner.Identity,
		ConnID:   owner.ConnID,
	}
	return r
}

func (r *Room) isOwner(m *Member) bool {
	return m.Identity != "" && m.Identity == r.Owner.Identity
}

// IsOwnerConn reports whether connID is the owner's current connection and
// the owner is still a member.
func (r *Room) IsOwnerConn(connID string) bool {
	if connID == "" || connID != r.Owner.ConnID {
		return false
	}
	m, ok := r.MemberByConn(connID)
	return ok && r.isOwner(m)
}

func (r *Room) Member(name string) (*Member, bool) {
	m, ok := r.Members[name]
	return m, ok
}

func (r *Room) MemberByConn(connID string) (*Member, bool) {
	for _, m := range r.Members {
		if m.ConnID == connID {
			return m, true
		}
	}
	return nil, false
}

// Capabilities derives what the named member may do right now.
func (r *Room) Capabilities(name string) (permission.Capabilities, bool) {
	m, ok := r.Members[name]
	if !ok {
		return permission.Capabilities{}, false
	}
	return permission.Derive(r.Settings, r.isOwner(m), m.Override), true
}

// Snapshot returns every member's current state keyed by name.
func (r *Room) Snapshot() map[string]MemberState {
	out := make(map[string]MemberState, len(r.Members))
	for name, m := range r.Members {
		out[name] = r.state(m)
	}
	return out
}

func (r *Room) state(m *Member) MemberState {
	caps := permission.Derive(r.Settings, r.isOwner(m), m.Override)
	return MemberState{
		ConnID:  m.ConnID,
		IsAdmin: caps.IsAdmin,
		CanEdit: caps.CanEdit,
		CanChat: caps.CanChat,
	}
}

// StateOf returns one member's view.
func (r *Room) StateOf(name string) (MemberState, bool) {
	m, ok := r.Members[name]
	if !ok {
		return MemberState{}, false
	}
	return r.state(m), true
}

func (r *Room) MemberCount() int {
	return len(r.Members)
}

func (r *Room) Empty() bool {
	return len(r.Members) == 0
}

// ConnIDs lists the connections of every member.
func (r *Room) ConnIDs() []string {
	ids := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		if m.ConnID != "" {
			ids = append(ids, m.ConnID)
		}
	}
	return ids
}

// Owner-only mutations below return false, without changing anything, when
// caller is not the owner's current connection.

// ToggleEditing sets the room default and drops every non-owner edit override.
func (r *Room) ToggleEditing(caller string, enabled bool) bool {
	if !r.IsOwnerConn(caller) {
		return false
	}
	r.Settings.EnableEditing = enabled
	for _, m := range r.Members {
		if !r.isOwner(m) {
			m.Override.Edit = nil
		}
	}
	return true
}

// ToggleChat sets the room default and drops every non-owner chat override.
func (r *Room) ToggleChat(caller string, enabled bool) bool {
	if !r.IsOwnerConn(caller) {
		return false
	}
	r.Settings.EnableChat = enabled
	for _, m := range r.Members {
		if !r.isOwner(m) {
			m.Override.Chat = nil
		}
	}
	return true
}

func (r *Room) ToggleCollab(caller string, enabled bool) bool {
	if !r.IsOwnerConn(caller) {
		return false
	}
	r.Settings.EnableCollab = enabled
	return true
}

// ToggleMemberEdit pins one member's edit flag. The owner cannot be targeted.
func (r *Room) ToggleMemberEdit(caller, name string, canEdit bool) (*Member, bool) {
	m, ok := r.overridable(caller, name)
	if !ok {
		return nil, false
	}
	m.Override = m.Override.WithEdit(canEdit)
	return m, true
}

// ToggleMemberChat pins one member's chat flag. The owner cannot be targeted.
func (r *Room) ToggleMemberChat(caller, name string, canChat bool) (*Member, bool) {
	m, ok := r.overridable(caller, name)
	if !ok {
		return nil, false
	}
	m.Override = m.Override.WithChat(canChat)
	return m, true
}

func (r *Room) overridable(caller, name string) (*Member, bool) {
	if !r.IsOwnerConn(caller) {
		return nil, false
	}
	m, ok := r.Members[name]
	if !ok || r.isOwner(m) {
		return nil, false
	}
	return m, true
}

func (r *Room) SetLanguage(caller, language string) bool {
	if !r.IsOwnerConn(caller) {
		return false
	}
	r.Language = language
	return true
}

func (r *Room) Rename(caller, name string) bool {
	if !r.IsOwnerConn(caller) || name == "" {
		return false
	}
	r.Name = name
	return true
}

func (r *Room) remove(name string) (*Member, bool) {
	m, ok := r.Members[name]
	if !ok {
		return nil, false
	}
	delete(r.Members, name)
	return m, true
}
