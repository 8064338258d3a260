package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/manpreetbhatti/codeshare/backend/internal/permission"
	"github.com/manpreetbhatti/codeshare/backend/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingClient struct {
	sent  [][]Message
	reply Reply
	err   error
}

func (c *recordingClient) Send(_ context.Context, history []Message, _ Turn) (Reply, error) {
	c.sent = append(c.sent, history)
	return c.reply, c.err
}

func newTestBridge(client Client) *Bridge {
	return NewBridge(client, ratelimit.NewFixedWindow(), Config{Limit: 5, Window: time.Minute})
}

func TestGate(t *testing.T) {
	b := newTestBridge(&recordingClient{})

	assert.False(t, b.Gate(permission.Capabilities{CanChat: false}, "conn-1"))

	caps := permission.Capabilities{CanChat: true}
	for i := 0; i < 5; i++ {
		assert.True(t, b.Gate(caps, "conn-1"), "turn %d", i+1)
	}
	assert.False(t, b.Gate(caps, "conn-1"), "6th turn within a minute is rate limited")
	assert.True(t, b.Gate(caps, "conn-2"), "other connections have their own budget")
}

func TestForwardRecordsExchange(t *testing.T) {
	client := &recordingClient{reply: Reply{Text: "use a map", Code: "m := map[string]int{}"}}
	b := newTestBridge(client)
	conv := NewConversation()

	reply, err := b.Forward(context.Background(), conv, Turn{Message: "help", Language: "go"})
	require.NoError(t, err)
	assert.Equal(t, "use a map", reply.Text)
	assert.Equal(t, 2, conv.Len())

	history := conv.History()
	assert.Equal(t, RoleUser, history[0].Role)
	assert.Equal(t, RoleAssistant, history[1].Role)

	var turn Turn
	require.NoError(t, json.Unmarshal([]byte(history[0].Content), &turn))
	assert.Equal(t, "go", turn.Language)
}

func TestForwardTrimsHistoryBeforeSending(t *testing.T) {
	client := &recordingClient{reply: Reply{Text: "ok"}}
	b := newTestBridge(client)
	conv := NewConversation()
	for i := 0; i < 16; i++ {
		conv.history = append(conv.history, Message{Role: RoleUser, Content: fmt.Sprintf("turn-%d", i)})
	}

	_, err := b.Forward(context.Background(), conv, Turn{Message: "next"})
	require.NoError(t, err)

	require.Len(t, client.sent, 1)
	sent := client.sent[0]
	require.Len(t, sent, KeepHistory)
	assert.Equal(t, "turn-6", sent[0].Content)
	assert.Equal(t, "turn-15", sent[9].Content)
	assert.Equal(t, KeepHistory+2, conv.Len())
}

func TestForwardDoesNotTrimAtFifteen(t *testing.T) {
	client := &recordingClient{reply: Reply{Text: "ok"}}
	b := newTestBridge(client)
	conv := NewConversation()
	for i := 0; i < MaxHistory; i++ {
		conv.history = append(conv.history, Message{Role: RoleUser, Content: "x"})
	}

	_, err := b.Forward(context.Background(), conv, Turn{Message: "next"})
	require.NoError(t, err)
	assert.Len(t, client.sent[0], MaxHistory)
}

func TestForwardFailures(t *testing.T) {
	upstream := errors.New("boom")

	tests := []struct {
		name   string
		client *recordingClient
		want   error
	}{
		{name: "upstream error", client: &recordingClient{err: upstream}, want: upstream},
		{name: "empty reply", client: &recordingClient{}, want: ErrNoReply},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := NewConversation()
			_, err := newTestBridge(tt.client).Forward(context.Background(), conv, Turn{Message: "hi"})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, conv.Len(), "failed exchanges are not recorded")
		})
	}
}

func TestForwardWithoutClient(t *testing.T) {
	b := NewBridge(nil, ratelimit.NewFixedWindow(), DefaultConfig())
	assert.False(t, b.Enabled())
	_, err := b.Forward(context.Background(), NewConversation(), Turn{})
	assert.ErrorIs(t, err, ErrNoReply)
}

func TestParseReply(t *testing.T) {
	reply, err := ParseReply("```json\n{\"text\":\"hi\",\"code\":\"\",\"instructions\":\"\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "hi", reply.Text)

	_, err = ParseReply("not json")
	assert.ErrorIs(t, err, ErrMalformedReply)
}

func TestHTTPClientSend(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"{\"text\":\"fixed\",\"code\":\"x := 1\",\"instructions\":\"run it\"}"}}]}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "secret", "test-model")
	history := []Message{{Role: RoleUser, Content: "earlier"}}
	reply, err := c.Send(context.Background(), history, Turn{Message: "fix", Code: "x = 1", Language: "go"})
	require.NoError(t, err)

	assert.Equal(t, Reply{Text: "fixed", Code: "x := 1", Instructions: "run it"}, reply)
	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, RoleSystem, got.Messages[0].Role)
	assert.Equal(t, "earlier", got.Messages[1].Content)
}

func TestHTTPClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, want: ErrNoReply},
		{name: "content not json", status: http.StatusOK, body: `{"choices":[{"message":{"content":"sure!"}}]}`, want: ErrMalformedReply},
		{name: "body not json", status: http.StatusOK, body: `<html>`, want: ErrMalformedReply},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewHTTPClient(srv.URL, "", "m").Send(context.Background(), nil, Turn{})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	_, err := NewHTTPClient(srv.URL, "", "m").Send(context.Background(), nil, Turn{})
	assert.Error(t, err)
}
