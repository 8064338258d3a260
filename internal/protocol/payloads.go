package protocol

import (
	"github.com/manpreetbhatti/codeshare/backend/internal/permission"
	"github.com/manpreetbhatti/codeshare/backend/internal/room"
)

// Inbound payloads.

type CreateRoomPayload struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

type JoinRoomPayload struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

// DocumentUpdatePayload carries an opaque CRDT update. From, when set, must
// name the sending member.
type DocumentUpdatePayload struct {
	Update []byte `json:"update"`
	From   string `json:"from,omitempty"`
}

type LanguagePayload struct {
	Language string `json:"language"`
}

type ChatPayload struct {
	From string `json:"from,omitempty"`
	Text string `json:"text"`
	// Time is unix milliseconds, stamped by the server.
	Time int64 `json:"time,omitempty"`
}

type TogglePayload struct {
	Enabled bool `json:"enabled"`
}

type MemberTogglePayload struct {
	Member  string `json:"member"`
	Enabled bool   `json:"enabled"`
}

type MemberPayload struct {
	Member string `json:"member"`
}

type AssistantMessagePayload struct {
	Message  string `json:"message"`
	Code     string `json:"code"`
	Language string `json:"language"`
}

type RenameRoomPayload struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

type TokenPayload struct {
	Token string `json:"token"`
}

// Outbound payloads.

// AckPayload answers createRoom and joinRoom, and reports rejections of
// other requests.
type AckPayload struct {
	Success      bool                        `json:"success"`
	Message      string                      `json:"message,omitempty"`
	RoomName     string                      `json:"roomName,omitempty"`
	Members      map[string]room.MemberState `json:"users,omitempty"`
	Capabilities *permission.Capabilities    `json:"capabilities,omitempty"`
	Settings     *permission.Settings        `json:"settings,omitempty"`
	Language     string                      `json:"language,omitempty"`
}

type MembersPayload struct {
	Members map[string]room.MemberState `json:"users"`
}

type MemberStatePayload struct {
	Member string           `json:"member"`
	State  room.MemberState `json:"state"`
}

type AssistantReplyPayload struct {
	From         string `json:"from"`
	Text         string `json:"text"`
	Code         string `json:"code"`
	Instructions string `json:"instructions,omitempty"`
}

type RoomRenamedPayload struct {
	Name string `json:"name"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
