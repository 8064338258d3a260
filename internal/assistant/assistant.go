// Package assistant relays room chat turns to an external code assistant.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/manpreetbhatti/codeshare/backend/internal/permission"
	"github.com/manpreetbhatti/codeshare/backend/internal/ratelimit"
)

var (
	ErrNoReply        = errors.New("assistant returned no reply")
	ErrMalformedReply = errors.New("assistant reply is malformed")
)

const (
	// MaxHistory is the number of stored messages above which the history
	// is trimmed before the next send.
	MaxHistory = 15
	// KeepHistory is how many of the most recent messages survive a trim.
	KeepHistory = 10
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turn is what a member sends to the assistant.
type Turn struct {
	Message  string `json:"message"`
	Code     string `json:"code"`
	Language string `json:"language"`
}

// Reply is the structured answer expected back.
type Reply struct {
	Text         string `json:"text"`
	Code         string `json:"code"`
	Instructions string `json:"instructions"`
}

// Client talks to the external assistant.
type Client interface {
	Send(ctx context.Context, history []Message, turn Turn) (Reply, error)
}

// Conversation is the per-room assistant context. Sends on one conversation
// are serialized.
type Conversation struct {
	mu      sync.Mutex
	history []Message
}

func NewConversation() *Conversation {
	return &Conversation{}
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// History returns a copy of the stored messages.
func (c *Conversation) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.history...)
}

// trim must be called with mu held.
func (c *Conversation) trim() {
	if len(c.history) > MaxHistory {
		c.history = append([]Message(nil), c.history[len(c.history)-KeepHistory:]...)
	}
}

type Bridge struct {
	client  Client
	limiter *ratelimit.FixedWindow
	limit   int
	window  time.Duration
	timeout time.Duration
}

type Config struct {
	Limit   int
	Window  time.Duration
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Limit:   5,
		Window:  time.Minute,
		Timeout: 60 * time.Second,
	}
}

func NewBridge(client Client, limiter *ratelimit.FixedWindow, cfg Config) *Bridge {
	return &Bridge{
		client:  client,
		limiter: limiter,
		limit:   cfg.Limit,
		window:  cfg.Window,
		timeout: cfg.Timeout,
	}
}

// Enabled reports whether an upstream client is configured.
func (b *Bridge) Enabled() bool {
	return b != nil && b.client != nil
}

// Gate admits a turn when the member may chat and the connection is within
// its assistant budget. The limiter is only consulted for members that may
// chat.
func (b *Bridge) Gate(caps permission.Capabilities, key string) bool {
	if !caps.CanChat {
		return false
	}
	return b.limiter.Allow(ratelimit.Key(ratelimit.ScopeAssistant, key), b.limit, b.window)
}

// Forward sends turn with the conversation's bounded history and records the
// exchange on success.
func (b *Bridge) Forward(ctx context.Context, conv *Conversation, turn Turn) (Reply, error) {
	if !b.Enabled() {
		return Reply{}, fmt.Errorf("%w: assistant is not configured", ErrNoReply)
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()

	conv.trim()
	history := append([]Message(nil), conv.history...)

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	reply, err := b.client.Send(ctx, history, turn)
	if err != nil {
		return Reply{}, err
	}
	if reply.Text == "" && reply.Code == "" {
		return Reply{}, ErrNoReply
	}

	userContent, err := json.Marshal(turn)
	if err != nil {
		return Reply{}, fmt.Errorf("encode turn: %w", err)
	}
	replyContent, err := json.Marshal(reply)
	if err != nil {
		return Reply{}, fmt.Errorf("encode reply: %w", err)
	}
	conv.history = append(conv.history,
		Message{Role: RoleUser, Content: string(userContent)},
		Message{Role: RoleAssistant, Content: string(replyContent)},
	)
	return reply, nil
}
