package ws

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/manpreetbhatti/codeshare/backend/internal/assistant"
	"github.com/manpreetbhatti/codeshare/backend/internal/auth"
	"github.com/manpreetbhatti/codeshare/backend/internal/crdt"
	"github.com/manpreetbhatti/codeshare/backend/internal/db"
	"github.com/manpreetbhatti/codeshare/backend/internal/metrics"
	"github.com/manpreetbhatti/codeshare/backend/internal/permission"
	"github.com/manpreetbhatti/codeshare/backend/internal/protocol"
	"github.com/manpreetbhatti/codeshare/backend/internal/ratelimit"
	"github.com/manpreetbhatti/codeshare/backend/internal/reaper"
	"github.com/manpreetbhatti/codeshare/backend/internal/room"
)

// User-facing messages.
const (
	msgInvalidRequest   = "Invalid request"
	msgUnauthorized     = "Unauthorised request please re-Login"
	msgUserNotFound     = "User not found"
	msgRoomExists       = "Room exists"
	msgRoomNotFound     = "Room not found"
	msgCollabDisabled   = "Collab disabled"
	msgNameTaken        = "User already in room"
	msgCreateFailed     = "Error creating the room"
	msgJoinFailed       = "Join failed"
	msgCreateLimit      = "Room creation limit reached. Try again later."
	msgChatLimit        = "You are sending messages too quickly"
	msgAssistantLimit   = "Too many assistant requests. Try again later."
	msgRenameLimit      = "Rename limit reached. Try again later."
	msgAssistantOff     = "Assistant is not available"
	msgAssistantFailed  = "Error sending message to agent"
	msgAssistantInvalid = "Invalid AI response"
)

var errUnknownAccount = errors.New("account not found")

func (h *Hub) dispatch(c Conn, env protocol.Envelope) {
	if !h.connected(c) {
		return
	}
	metrics.EventsTotal.WithLabelValues(string(env.Type)).Inc()

	switch env.Type {
	case protocol.CreateRoom:
		h.handleCreateRoom(c, env)
	case protocol.JoinRoom:
		h.handleJoinRoom(c, env)
	case protocol.DocumentUpdate:
		h.handleDocumentUpdate(c, env)
	case protocol.ChangeLanguage:
		h.handleChangeLanguage(c, env)
	case protocol.SendMessage:
		h.handleSendMessage(c, env)
	case protocol.ToggleEditing, protocol.ToggleChat, protocol.ToggleCollab:
		h.handleToggle(c, env)
	case protocol.ToggleMemberEdit, protocol.ToggleMemberChat:
		h.handleMemberToggle(c, env)
	case protocol.RemoveMember:
		h.handleRemoveMember(c, env)
	case protocol.AssistantMessage:
		h.handleAssistantMessage(c, env)
	case protocol.RenameRoom:
		h.handleRenameRoom(c, env)
	case protocol.DeleteRoom:
		h.handleDeleteRoom(c, env)
	case protocol.LeaveRoom:
		h.handleLeaveRoom(c, env)
	default:
		log.Warn("unhandled event", "type", env.Type, "conn", c.ID())
	}
}

// authenticate verifies token and resolves the account behind it. It runs
// off the loop.
func (h *Hub) authenticate(ctx context.Context, token string) (auth.Claims, error) {
	claims, err := h.verifier.Verify(ctx, token)
	if err != nil {
		return auth.Claims{}, err
	}
	if h.store == nil {
		return claims, nil
	}

	acc, err := h.store.LookupAccount(ctx, claims.Username)
	if err != nil {
		return auth.Claims{}, err
	}
	if acc.Exists {
		return claims, nil
	}
	if !h.config.AutoRegister {
		return auth.Claims{}, errUnknownAccount
	}
	if err := h.store.UpsertAccount(ctx, claims.Username, claims.Email); err != nil {
		return auth.Claims{}, err
	}
	return claims, nil
}

func identityOf(c auth.Claims) string {
	if c.ID != "" {
		return c.ID
	}
	return c.Username
}

func (h *Hub) handleCreateRoom(c Conn, env protocol.Envelope) {
	var p protocol.CreateRoomPayload
	if err := env.Decode(&p); err != nil || strings.TrimSpace(p.Name) == "" {
		h.fail(c, env, msgInvalidRequest)
		return
	}
	if _, exists := h.registry.Get(env.RoomID); exists {
		h.fail(c, env, msgRoomExists)
		return
	}

	type result struct {
		claims  auth.Claims
		allowed bool
	}
	await(h, "create_room", h.config.UpstreamTimeout, func(ctx context.Context) (result, error) {
		claims, err := h.authenticate(ctx, p.Token)
		if err != nil {
			return result{}, err
		}
		allowed, err := h.keyed.Allow(ctx,
			ratelimit.Key(ratelimit.ScopeCreateRoom, p.Name),
			h.config.CreateRoomLimit, h.config.CreateRoomWindow)
		return result{claims: claims, allowed: allowed}, err
	}, func(res result, err error) {
		if !h.connected(c) {
			return
		}
		if err != nil {
			h.failUpstream(c, env, err, msgCreateFailed)
			return
		}
		if !res.allowed {
			h.rateLimited(c, env, ratelimit.ScopeCreateRoom, msgCreateLimit)
			return
		}

		prev, moving := h.registry.Conns().Lookup(c.ID())
		r, err := h.registry.Create(room.CreateParams{
			RoomID:    env.RoomID,
			OwnerName: p.Name,
			Identity:  identityOf(res.claims),
			ConnID:    c.ID(),
			Settings:  permission.DefaultSettings(),
		})
		if err != nil {
			h.fail(c, env, msgRoomExists)
			return
		}
		if moving {
			h.leavePrevious(c, prev)
		}
		metrics.RoomsActive.Set(float64(h.registry.Len()))
		log.Info("room created", "room", r.ID, "owner", p.Name)

		h.emitConn(c.ID(), protocol.RoomCreated, r.ID, "", protocol.MembersPayload{Members: r.Snapshot()})
		h.ack(c, env, roomAck(r, p.Name))

		if h.store != nil {
			rec := db.RoomRecord{ID: r.ID, Name: r.Name, Active: true, CreatedAt: r.CreatedAt}
			username := res.claims.Username
			h.background("persist_room", func(ctx context.Context) error {
				if err := h.store.UpsertRoom(ctx, rec); err != nil {
					return err
				}
				return h.store.AddJoinedRoom(ctx, username, rec.ID)
			})
		}
	})
}

func (h *Hub) handleJoinRoom(c Conn, env protocol.Envelope) {
	var p protocol.JoinRoomPayload
	if err := env.Decode(&p); err != nil || strings.TrimSpace(p.Name) == "" {
		h.fail(c, env, msgInvalidRequest)
		return
	}

	await(h, "join_room", h.config.UpstreamTimeout, func(ctx context.Context) (auth.Claims, error) {
		return h.authenticate(ctx, p.Token)
	}, func(claims auth.Claims, err error) {
		if !h.connected(c) {
			return
		}
		if err != nil {
			h.failUpstream(c, env, err, msgJoinFailed)
			return
		}
		if _, ok := h.registry.Get(env.RoomID); !ok {
			h.reject(c, env, msgRoomNotFound)
			return
		}

		// A connection is in at most one room. Joining the same room again
		// changes nothing.
		prev, moving := h.registry.Conns().Lookup(c.ID())
		if moving && prev == env.RoomID {
			h.reject(c, env, msgNameTaken)
			return
		}

		res, err := h.registry.Join(env.RoomID, p.Name, identityOf(claims), c.ID())
		switch {
		case errors.Is(err, room.ErrNotFound), errors.Is(err, room.ErrLocked):
			h.reject(c, env, msgRoomNotFound)
			return
		case errors.Is(err, room.ErrCollabDisabled):
			h.reject(c, env, msgCollabDisabled)
			return
		case errors.Is(err, room.ErrNameTaken):
			h.reject(c, env, msgNameTaken)
			return
		case err != nil:
			log.Error("join failed", "room", env.RoomID, "member", p.Name, "err", err)
			h.fail(c, env, msgJoinFailed)
			return
		}

		if moving {
			h.leavePrevious(c, prev)
		}

		r := res.Room
		// The snapshot goes out before the ack so the member is in sync
		// before it sees incremental updates.
		h.emitConn(c.ID(), protocol.DocumentSync, r.ID, "", protocol.DocumentUpdatePayload{Update: res.Snapshot})
		h.emitConn(c.ID(), protocol.LanguageChanged, r.ID, "", protocol.LanguagePayload{Language: r.Language})
		h.emitRoom(r.ID, protocol.MemberJoined, protocol.MembersPayload{Members: r.Snapshot()}, "")
		h.ack(c, env, roomAck(r, p.Name))
		log.Info("member joined", "room", r.ID, "member", p.Name, "admin", res.Capabilities.IsAdmin)

		connID := c.ID()
		h.after(h.config.SnapshotResendDelay, func() { h.resendSnapshot(r, connID) })

		if h.store != nil {
			username := claims.Username
			h.background("persist_join", func(ctx context.Context) error {
				return h.store.AddJoinedRoom(ctx, username, r.ID)
			})
		}
	})
}

// resendSnapshot repeats the full document for a member that may have
// attached its listener after the first snapshot arrived.
func (h *Hub) resendSnapshot(r *room.Room, connID string) {
	if !h.registry.Active(r.ID, r) {
		return
	}
	if _, ok := r.MemberByConn(connID); !ok {
		return
	}
	snapshot, err := h.registry.EncodeDocument(r.ID)
	if err != nil {
		log.Error("encode snapshot failed", "room", r.ID, "err", err)
		return
	}
	h.emitConn(connID, protocol.DocumentInit, r.ID, "", protocol.DocumentUpdatePayload{Update: snapshot})
}

func (h *Hub) handleDocumentUpdate(c Conn, env protocol.Envelope) {
	var p protocol.DocumentUpdatePayload
	if err := env.Decode(&p); err != nil {
		log.Warn("invalid document update", "conn", c.ID(), "err", err)
		return
	}

	relay, m, err := h.registry.ApplyUpdate(env.RoomID, c.ID(), p.From, p.Update)
	switch {
	case errors.Is(err, crdt.ErrMalformedUpdate):
		log.Warn("malformed document update", "room", env.RoomID, "conn", c.ID(), "err", err)
		return
	case err != nil:
		return
	}
	h.emitRoom(env.RoomID, protocol.DocumentUpdate,
		protocol.DocumentUpdatePayload{Update: relay, From: m.Name}, c.ID())
}

func (h *Hub) handleChangeLanguage(c Conn, env protocol.Envelope) {
	var p protocol.LanguagePayload
	if err := env.Decode(&p); err != nil || p.Language == "" {
		return
	}
	r, ok := h.registry.Get(env.RoomID)
	if !ok || !r.SetLanguage(c.ID(), p.Language) {
		return
	}
	h.emitRoom(r.ID, protocol.LanguageChanged, p, "")
}

// sender resolves the member behind c in roomID together with what it may do.
func (h *Hub) sender(c Conn, roomID string) (*room.Room, *room.Member, bool) {
	r, ok := h.registry.Get(roomID)
	if !ok {
		return nil, nil, false
	}
	m, ok := r.MemberByConn(c.ID())
	if !ok {
		return nil, nil, false
	}
	return r, m, true
}

func (h *Hub) handleSendMessage(c Conn, env protocol.Envelope) {
	var p protocol.ChatPayload
	if err := env.Decode(&p); err != nil || p.Text == "" {
		return
	}
	r, m, ok := h.sender(c, env.RoomID)
	if !ok {
		return
	}
	if caps, _ := r.Capabilities(m.Name); !caps.CanChat {
		return
	}
	if !h.windows.Allow(ratelimit.Key(ratelimit.ScopeChat, c.ID()), h.config.ChatLimit, h.config.ChatWindow) {
		h.rateLimited(c, env, ratelimit.ScopeChat, msgChatLimit)
		return
	}

	h.emitRoom(r.ID, protocol.MessageReceived, protocol.ChatPayload{
		From: m.Name,
		Text: p.Text,
		Time: h.now().UnixMilli(),
	}, "")
}

func (h *Hub) handleToggle(c Conn, env protocol.Envelope) {
	var p protocol.TogglePayload
	if err := env.Decode(&p); err != nil {
		return
	}
	r, ok := h.registry.Get(env.RoomID)
	if !ok {
		return
	}

	switch env.Type {
	case protocol.ToggleEditing:
		if !r.ToggleEditing(c.ID(), p.Enabled) {
			return
		}
		h.emitRoom(r.ID, protocol.EditToggled, p, "")
		h.emitRoom(r.ID, protocol.MembersUpdated, protocol.MembersPayload{Members: r.Snapshot()}, "")
	case protocol.ToggleChat:
		if !r.ToggleChat(c.ID(), p.Enabled) {
			return
		}
		h.emitRoom(r.ID, protocol.ChatToggled, p, "")
		h.emitRoom(r.ID, protocol.MembersUpdated, protocol.MembersPayload{Members: r.Snapshot()}, "")
	case protocol.ToggleCollab:
		if !r.ToggleCollab(c.ID(), p.Enabled) {
			return
		}
		h.emitRoom(r.ID, protocol.CollabToggled, p, "")
	}
	log.Info("room setting changed", "room", r.ID, "event", env.Type, "enabled", p.Enabled)
}

func (h *Hub) handleMemberToggle(c Conn, env protocol.Envelope) {
	var p protocol.MemberTogglePayload
	if err := env.Decode(&p); err != nil {
		return
	}
	r, ok := h.registry.Get(env.RoomID)
	if !ok {
		return
	}

	var (
		m   *room.Member
		evt protocol.EventType
	)
	if env.Type == protocol.ToggleMemberEdit {
		m, ok = r.ToggleMemberEdit(c.ID(), p.Member, p.Enabled)
		evt = protocol.EditToggled
	} else {
		m, ok = r.ToggleMemberChat(c.ID(), p.Member, p.Enabled)
		evt = protocol.ChatToggled
	}
	if !ok {
		return
	}

	state, _ := r.StateOf(m.Name)
	h.emitConn(m.ConnID, evt, r.ID, "", protocol.TogglePayload{Enabled: p.Enabled})
	h.emitRoom(r.ID, protocol.MemberUpdated, protocol.MemberStatePayload{Member: m.Name, State: state}, "")
}

func (h *Hub) handleRemoveMember(c Conn, env protocol.Envelope) {
	var p protocol.MemberPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	m, ok := h.registry.Evict(env.RoomID, c.ID(), p.Member)
	if !ok {
		return
	}
	log.Info("member removed", "room", env.RoomID, "member", m.Name)

	h.emitConn(m.ConnID, protocol.Leave, env.RoomID, "", nil)
	if r, ok := h.registry.Get(env.RoomID); ok {
		h.emitRoom(r.ID, protocol.MembersUpdated, protocol.MembersPayload{Members: r.Snapshot()}, "")
	}
}

func (h *Hub) handleAssistantMessage(c Conn, env protocol.Envelope) {
	var p protocol.AssistantMessagePayload
	if err := env.Decode(&p); err != nil {
		return
	}
	r, m, ok := h.sender(c, env.RoomID)
	if !ok {
		return
	}
	caps, _ := r.Capabilities(m.Name)
	if !caps.CanChat {
		return
	}
	if !h.bridge.Enabled() {
		h.emitConn(c.ID(), protocol.Error, r.ID, env.Ref, protocol.ErrorPayload{Message: msgAssistantOff})
		return
	}
	if !h.bridge.Gate(caps, c.ID()) {
		h.rateLimited(c, env, ratelimit.ScopeAssistant, msgAssistantLimit)
		return
	}

	turn := assistant.Turn{Message: p.Message, Code: p.Code, Language: p.Language}
	if turn.Code == "" {
		if doc, ok := h.registry.Document(r.ID); ok {
			turn.Code = doc.Text()
		}
	}
	if turn.Language == "" {
		turn.Language = r.Language
	}
	conv := r.Conversation

	await(h, "assistant", 0, func(ctx context.Context) (assistant.Reply, error) {
		return h.bridge.Forward(ctx, conv, turn)
	}, func(reply assistant.Reply, err error) {
		if !h.registry.Active(env.RoomID, r) {
			return
		}
		if err != nil {
			log.Warn("assistant request failed", "room", r.ID, "err", err)
			msg := msgAssistantFailed
			if errors.Is(err, assistant.ErrMalformedReply) || errors.Is(err, assistant.ErrNoReply) {
				msg = msgAssistantInvalid
			}
			h.emitRoom(r.ID, protocol.Error, protocol.ErrorPayload{Message: msg}, "")
			return
		}
		h.emitRoom(r.ID, protocol.AssistantReply, protocol.AssistantReplyPayload{
			From:         "ai",
			Text:         reply.Text,
			Code:         reply.Code,
			Instructions: reply.Instructions,
		}, "")
	})
}

func (h *Hub) handleRenameRoom(c Conn, env protocol.Envelope) {
	var p protocol.RenameRoomPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	name := strings.TrimSpace(p.Name)
	r, ok := h.registry.Get(env.RoomID)
	if !ok || name == "" || !r.IsOwnerConn(c.ID()) {
		return
	}
	if !h.windows.Allow(ratelimit.Key(ratelimit.ScopeRename, r.ID), h.config.RenameLimit, h.config.RenameWindow) {
		h.rateLimited(c, env, ratelimit.ScopeRename, msgRenameLimit)
		return
	}

	await(h, "verify", h.config.UpstreamTimeout, func(ctx context.Context) (auth.Claims, error) {
		return h.verifier.Verify(ctx, p.Token)
	}, func(_ auth.Claims, err error) {
		if err != nil {
			if h.connected(c) {
				h.fail(c, env, msgUnauthorized)
			}
			return
		}
		if !h.registry.Active(env.RoomID, r) || !r.Rename(c.ID(), name) {
			return
		}
		log.Info("room renamed", "room", r.ID, "name", name)
		h.emitRoom(r.ID, protocol.RoomRenamed, protocol.RoomRenamedPayload{Name: name}, "")

		if h.store != nil {
			h.background("rename_room", func(ctx context.Context) error {
				return h.store.RenameRoom(ctx, r.ID, name)
			})
		}
	})
}

func (h *Hub) handleDeleteRoom(c Conn, env protocol.Envelope) {
	var p protocol.TokenPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	r, ok := h.registry.Get(env.RoomID)
	if !ok || !r.IsOwnerConn(c.ID()) {
		return
	}

	await(h, "verify", h.config.UpstreamTimeout, func(ctx context.Context) (auth.Claims, error) {
		return h.verifier.Verify(ctx, p.Token)
	}, func(_ auth.Claims, err error) {
		if err != nil {
			if h.connected(c) {
				h.fail(c, env, msgUnauthorized)
			}
			return
		}
		// A second delete, or one racing an emptied room, ends here.
		if !h.registry.Active(env.RoomID, r) || !r.IsOwnerConn(c.ID()) {
			return
		}
		removed, ok := h.reaper.Reclaim(env.RoomID, reaper.TriggerDelete)
		if !ok {
			return
		}
		data, err := protocol.Encode(protocol.Leave, env.RoomID, "", nil)
		if err != nil {
			return
		}
		h.publishConns(removed.ConnIDs(), data, "")
	})
}

func (h *Hub) handleLeaveRoom(c Conn, env protocol.Envelope) {
	_, m, ok := h.sender(c, env.RoomID)
	if !ok {
		return
	}
	m, empty := h.registry.Leave(env.RoomID, m.Name)
	if m == nil {
		return
	}
	log.Info("member left", "room", env.RoomID, "member", m.Name, "reason", "leave")
	h.afterLeave(env.RoomID, empty)
}

// leavePrevious removes c's member from roomID after c has been bound to
// another room.
func (h *Hub) leavePrevious(c Conn, roomID string) {
	r, ok := h.registry.Get(roomID)
	if !ok {
		return
	}
	m, ok := r.MemberByConn(c.ID())
	if !ok {
		return
	}
	_, empty := h.registry.Leave(roomID, m.Name)
	log.Info("member left", "room", roomID, "member", m.Name, "reason", "moved")
	h.afterLeave(roomID, empty)
}

func (h *Hub) connected(c Conn) bool {
	cur, ok := h.conns[c.ID()]
	return ok && cur == c
}

// Emitting helpers. They must run on the loop.

func (h *Hub) emitConn(connID string, t protocol.EventType, roomID, ref string, payload any) {
	data, err := protocol.Encode(t, roomID, ref, payload)
	if err != nil {
		log.Error("encode event failed", "type", t, "err", err)
		return
	}
	h.PublishConn(connID, data)
}

func (h *Hub) emitRoom(roomID string, t protocol.EventType, payload any, except string) {
	data, err := protocol.Encode(t, roomID, "", payload)
	if err != nil {
		log.Error("encode event failed", "type", t, "err", err)
		return
	}
	h.PublishRoom(roomID, data, except)
}

func (h *Hub) ack(c Conn, env protocol.Envelope, p protocol.AckPayload) {
	h.emitConn(c.ID(), protocol.Ack, env.RoomID, env.Ref, p)
}

func (h *Hub) fail(c Conn, env protocol.Envelope, msg string) {
	h.ack(c, env, protocol.AckPayload{Success: false, Message: msg})
}

// reject reports a room-level refusal both as an error notice and as the
// failed ack.
func (h *Hub) reject(c Conn, env protocol.Envelope, msg string) {
	h.emitConn(c.ID(), protocol.Error, env.RoomID, env.Ref, protocol.ErrorPayload{Message: msg})
	h.fail(c, env, msg)
}

func (h *Hub) rateLimited(c Conn, env protocol.Envelope, scope, msg string) {
	metrics.RateLimitedTotal.WithLabelValues(scope).Inc()
	h.fail(c, env, msg)
}

func (h *Hub) failUpstream(c Conn, env protocol.Envelope, err error, fallback string) {
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		h.fail(c, env, msgUnauthorized)
	case errors.Is(err, errUnknownAccount):
		h.fail(c, env, msgUserNotFound)
	default:
		log.Error("upstream call failed", "event", env.Type, "room", env.RoomID, "err", err)
		h.fail(c, env, fallback)
	}
}

func roomAck(r *room.Room, name string) protocol.AckPayload {
	caps, _ := r.Capabilities(name)
	settings := r.Settings
	return protocol.AckPayload{
		Success:      true,
		RoomName:     r.Name,
		Members:      r.Snapshot(),
		Capabilities: &caps,
		Settings:     &settings,
		Language:     r.Language,
	}
}
