// Package protocol defines the JSON events exchanged over the websocket.
//
// Every frame is an Envelope. Binary document updates travel as []byte and
// are therefore base64 in JSON.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrEmptyMessage = errors.New("empty message")
	ErrUnknownType  = errors.New("unknown event type")
	ErrMissingRoom  = errors.New("missing roomId")
)

// EventType names an event.
type EventType string

// Inbound events.
const (
	CreateRoom       EventType = "createRoom"
	JoinRoom         EventType = "joinRoom"
	DocumentUpdate   EventType = "documentUpdate"
	ChangeLanguage   EventType = "changeLanguage"
	SendMessage      EventType = "sendMessage"
	ToggleEditing    EventType = "toggleEditing"
	ToggleChat       EventType = "toggleChat"
	ToggleCollab     EventType = "toggleCollab"
	ToggleMemberEdit EventType = "toggleMemberEdit"
	ToggleMemberChat EventType = "toggleMemberChat"
	RemoveMember     EventType = "removeMember"
	AssistantMessage EventType = "assistantMessage"
	RenameRoom       EventType = "renameRoom"
	DeleteRoom       EventType = "deleteRoom"
	LeaveRoom        EventType = "leaveRoom"
)

// Outbound events. DocumentUpdate is used in both directions.
const (
	Ack             EventType = "ack"
	RoomCreated     EventType = "roomCreated"
	DocumentSync    EventType = "documentSync"
	DocumentInit    EventType = "documentInit"
	LanguageChanged EventType = "languageChanged"
	MessageReceived EventType = "messageReceived"
	EditToggled     EventType = "editToggled"
	ChatToggled     EventType = "chatToggled"
	CollabToggled   EventType = "collabToggled"
	MembersUpdated  EventType = "membersUpdated"
	MemberUpdated   EventType = "memberUpdated"
	MemberJoined    EventType = "memberJoined"
	MemberLeft      EventType = "memberLeft"
	AssistantReply  EventType = "assistantReply"
	RoomRenamed     EventType = "roomRenamed"
	Leave           EventType = "leave"
	Error           EventType = "error"
)

var inbound = map[EventType]bool{
	CreateRoom:       true,
	JoinRoom:         true,
	DocumentUpdate:   true,
	ChangeLanguage:   true,
	SendMessage:      true,
	ToggleEditing:    true,
	ToggleChat:       true,
	ToggleCollab:     true,
	ToggleMemberEdit: true,
	ToggleMemberChat: true,
	RemoveMember:     true,
	AssistantMessage: true,
	RenameRoom:       true,
	DeleteRoom:       true,
	LeaveRoom:        true,
}

// IsInbound reports whether clients may send t.
func IsInbound(t EventType) bool {
	return inbound[t]
}

type Envelope struct {
	Type    EventType       `json:"type"`
	RoomID  string          `json:"roomId,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Parse decodes and validates an inbound frame.
func Parse(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, ErrEmptyMessage
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !IsInbound(env.Type) {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if env.RoomID == "" {
		return Envelope{}, fmt.Errorf("%w: %s", ErrMissingRoom, env.Type)
	}
	return env, nil
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// New builds an envelope around payload.
func New(t EventType, roomID, ref string, payload any) (Envelope, error) {
	env := Envelope{Type: t, RoomID: roomID, Ref: ref}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Encode builds and serializes an envelope in one step.
func Encode(t EventType, roomID, ref string, payload any) ([]byte, error) {
	env, err := New(t, roomID, ref, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
