// Package permission derives member capabilities from room settings.
//
// Capabilities are never stored; they are recomputed from the room settings,
// ownership and any explicit per-member override each time they are needed.
package permission

// Settings are the owner-mutable room switches.
type Settings struct {
	EnableChat    bool `json:"enableChat"`
	EnableCollab  bool `json:"enableCollab"`
	EnableEditing bool `json:"enableEditing"`
}

func DefaultSettings() Settings {
	return Settings{
		EnableChat:    true,
		EnableCollab:  true,
		EnableEditing: true,
	}
}

// Override holds explicit per-member flags set by the owner. A nil field
// means "follow the room setting".
type Override struct {
	Edit *bool
	Chat *bool
}

// WithEdit returns a copy of o with the edit flag pinned.
func (o Override) WithEdit(v bool) Override {
	o.Edit = &v
	return o
}

// WithChat returns a copy of o with the chat flag pinned.
func (o Override) WithChat(v bool) Override {
	o.Chat = &v
	return o
}

type Capabilities struct {
	CanEdit bool `json:"canEdit"`
	CanChat bool `json:"canChat"`
	IsAdmin bool `json:"isAdmin"`
}

// Derive computes a member's capabilities. The owner always keeps every
// capability; for anyone else an explicit override wins over the setting.
func Derive(s Settings, isOwner bool, o Override) Capabilities {
	if isOwner {
		return Capabilities{CanEdit: true, CanChat: true, IsAdmin: true}
	}

	c := Capabilities{
		CanEdit: s.EnableEditing,
		CanChat: s.EnableChat,
	}
	if o.Edit != nil {
		c.CanEdit = *o.Edit
	}
	if o.Chat != nil {
		c.CanChat = *o.Chat
	}
	return c
}
