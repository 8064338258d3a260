package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/manpreetbhatti/codeshare/backend/internal/assistant"
	"github.com/manpreetbhatti/codeshare/backend/internal/auth"
	"github.com/manpreetbhatti/codeshare/backend/internal/db"
	"github.com/manpreetbhatti/codeshare/backend/internal/metrics"
	"github.com/manpreetbhatti/codeshare/backend/internal/protocol"
	"github.com/manpreetbhatti/codeshare/backend/internal/ratelimit"
	"github.com/manpreetbhatti/codeshare/backend/internal/reaper"
	"github.com/manpreetbhatti/codeshare/backend/internal/room"
)

var ErrHubClosed = errors.New("hub is not running")

// Conn is one client connection as the hub sees it.
type Conn interface {
	ID() string
	// Send queues data without blocking and reports whether it was queued.
	Send(data []byte) bool
	Close()
}

// Publisher fans events out to connections. Delivery is fire-and-forget.
type Publisher interface {
	PublishRoom(roomID string, data []byte, except string)
	PublishConn(connID string, data []byte)
}

type Config struct {
	CreateRoomLimit     int
	CreateRoomWindow    time.Duration
	ChatLimit           int
	ChatWindow          time.Duration
	RenameLimit         int
	RenameWindow        time.Duration
	SnapshotResendDelay time.Duration
	UpstreamTimeout     time.Duration
	// AutoRegister creates accounts for verified identities that have none.
	AutoRegister bool
}

func DefaultConfig() Config {
	return Config{
		CreateRoomLimit:     10,
		CreateRoomWindow:    time.Hour,
		ChatLimit:           30,
		ChatWindow:          10 * time.Second,
		RenameLimit:         5,
		RenameWindow:        time.Hour,
		SnapshotResendDelay: 500 * time.Millisecond,
		UpstreamTimeout:     10 * time.Second,
	}
}

// Deps are the collaborators of the hub. Store and Bridge may be nil.
type Deps struct {
	Registry *room.Registry
	Reaper   *reaper.Service
	Verifier auth.Verifier
	Store    db.Store
	// Keyed budgets room creation; it may live in redis.
	Keyed ratelimit.Keyed
	// Windows budgets chat and rename in memory.
	Windows *ratelimit.FixedWindow
	Bridge  *assistant.Bridge
}

type inboundEvent struct {
	conn Conn
	env  protocol.Envelope
}

// Hub is the single event-processing goroutine. Everything reachable from the
// registry, and the connection map, is touched only inside Run.
type Hub struct {
	registry *room.Registry
	reaper   *reaper.Service
	verifier auth.Verifier
	store    db.Store
	keyed    ratelimit.Keyed
	windows  *ratelimit.FixedWindow
	bridge   *assistant.Bridge
	config   Config
	now      func() time.Time

	conns map[string]Conn

	register   chan Conn
	unregister chan Conn
	inbound    chan inboundEvent
	calls      chan func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewHub(deps Deps, config Config) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry:   deps.Registry,
		reaper:     deps.Reaper,
		verifier:   deps.Verifier,
		store:      deps.Store,
		keyed:      deps.Keyed,
		windows:    deps.Windows,
		bridge:     deps.Bridge,
		config:     config,
		now:        time.Now,
		conns:      make(map[string]Conn),
		register:   make(chan Conn),
		unregister: make(chan Conn),
		inbound:    make(chan inboundEvent, 256),
		calls:      make(chan func(), 64),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if h.registry == nil {
		h.registry = room.NewRegistry()
	}
	if h.windows == nil {
		h.windows = ratelimit.NewFixedWindow()
	}
	if h.reaper == nil {
		h.reaper = reaper.New(h.registry, h.store, h.windows, reaper.DefaultConfig())
	}
	if h.keyed == nil {
		h.keyed = h.windows.Keyed()
	}
	if h.verifier == nil {
		h.verifier = auth.Anonymous{}
	}
	return h
}

// Run processes events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer h.cancel()

	for {
		select {
		case <-ctx.Done():
			for id, c := range h.conns {
				c.Close()
				delete(h.conns, id)
			}
			metrics.Connections.Set(0)
			return

		case c := <-h.register:
			h.conns[c.ID()] = c
			metrics.Connections.Set(float64(len(h.conns)))
			log.Debug("client connected", "conn", c.ID(), "total", len(h.conns))

		case c := <-h.unregister:
			h.disconnect(c)

		case in := <-h.inbound:
			h.dispatch(in.conn, in.env)

		case fn := <-h.calls:
			fn()
		}
	}
}

// Wait blocks until background work started by the hub has finished.
func (h *Hub) Wait() {
	h.wg.Wait()
}

// Register adds a connection. It returns false once the hub has stopped.
func (h *Hub) Register(c Conn) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c Conn) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Deliver hands a parsed event from c to the loop. Events from one
// connection are processed in the order they are delivered.
func (h *Hub) Deliver(c Conn, env protocol.Envelope) {
	select {
	case h.inbound <- inboundEvent{conn: c, env: env}:
	case <-h.done:
	}
}

// Do runs fn on the loop and waits for it to finish.
func (h *Hub) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case h.calls <- func() { fn(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubClosed
	}
}

// post queues fn on the loop without waiting.
func (h *Hub) post(fn func()) {
	select {
	case h.calls <- fn:
	case <-h.done:
	}
}

// await runs work off the loop and then resumes on the loop with its result.
// Anything may have happened to the room in between, so resume must
// re-validate before touching shared state.
// A zero timeout leaves the deadline to work itself.
func await[T any](h *Hub, op string, timeout time.Duration, work func(ctx context.Context) (T, error), resume func(T, error)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		var (
			ctx    context.Context
			cancel context.CancelFunc
		)
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(h.ctx, timeout)
		} else {
			ctx, cancel = context.WithCancel(h.ctx)
		}
		defer cancel()

		start := time.Now()
		v, err := work(ctx)
		metrics.ObserveSince(op, start)

		h.post(func() { resume(v, err) })
	}()
}

// background runs best-effort work whose result nobody waits for.
func (h *Hub) background(op string, fn func(ctx context.Context) error) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(h.ctx, h.config.UpstreamTimeout)
		defer cancel()

		start := time.Now()
		err := fn(ctx)
		metrics.ObserveSince(op, start)
		if err != nil {
			log.Warn("background operation failed", "op", op, "err", err)
		}
	}()
}

// after runs fn on the loop once d has elapsed.
func (h *Hub) after(d time.Duration, fn func()) {
	time.AfterFunc(d, func() { h.post(fn) })
}

func (h *Hub) PublishRoom(roomID string, data []byte, except string) {
	r, ok := h.registry.Get(roomID)
	if !ok {
		return
	}
	h.publishConns(r.ConnIDs(), data, except)
}

func (h *Hub) PublishConn(connID string, data []byte) {
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	if !c.Send(data) {
		log.Debug("send buffer full, event dropped", "conn", connID)
	}
}

func (h *Hub) publishConns(connIDs []string, data []byte, except string) {
	for _, id := range connIDs {
		if id != except {
			h.PublishConn(id, data)
		}
	}
}

func (h *Hub) disconnect(c Conn) {
	id := c.ID()
	if _, ok := h.conns[id]; !ok {
		return
	}
	delete(h.conns, id)
	c.Close()
	metrics.Connections.Set(float64(len(h.conns)))
	h.windows.Forget(ratelimit.Key(ratelimit.ScopeChat, id))
	h.windows.Forget(ratelimit.Key(ratelimit.ScopeAssistant, id))

	roomID, m, empty := h.registry.LeaveConn(id)
	if m != nil {
		log.Info("member left", "room", roomID, "member", m.Name, "reason", "disconnect")
		h.afterLeave(roomID, empty)
	}
	log.Debug("client disconnected", "conn", id, "total", len(h.conns))
}

// afterLeave announces the new membership or reclaims the room when the
// last member is gone.
func (h *Hub) afterLeave(roomID string, empty bool) {
	if empty {
		h.reaper.Reclaim(roomID, reaper.TriggerEmpty)
		return
	}
	r, ok := h.registry.Get(roomID)
	if !ok {
		return
	}
	h.emitRoom(roomID, protocol.MemberLeft, protocol.MembersPayload{Members: r.Snapshot()}, "")
}

// Stats for the HTTP API. They must be called through Do.

func (h *Hub) RoomCount() int {
	return h.registry.Len()
}

func (h *Hub) ClientCount() int {
	return len(h.conns)
}

func (h *Hub) Registry() *room.Registry {
	return h.registry
}
