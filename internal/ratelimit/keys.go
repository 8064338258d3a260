package ratelimit

// Scopes name what a window budgets. They prefix keys and label the
// rate-limited counter.
const (
	ScopeCreateRoom = "createRoom"
	ScopeChat       = "chat"
	ScopeAssistant  = "assistant"
	ScopeRename     = "rename"
)

// RoomScopes are the scopes keyed by room id. Their windows are dropped when
// the room is reclaimed.
var RoomScopes = []string{ScopeRename}

// Key builds the window key for subject under scope.
func Key(scope, subject string) string {
	return scope + ":" + subject
}
