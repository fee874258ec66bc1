package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound means the session does not exist for the given key.
	ErrNotFound = errors.New("session not found")
	// ErrStorageUnavailable wraps backend failures. Callers should treat it
	// as retryable with bounded backoff, never as "no session".
	ErrStorageUnavailable = errors.New("session storage unavailable")
)

// Key identifies one session within an app scope.
type Key struct {
	AppScope  string
	ClientID  string
	SessionID string
}

// Event types appended by the runtime.
const (
	EventUserMessage  = "user_message"
	EventAgentMessage = "agent_message"
	EventToolCall     = "tool_call"
	EventHandoff      = "handoff"
	EventTurnAborted  = "turn_aborted"
	EventTurnError    = "turn_error"
)

// Event is one entry in a session's append-only log. Seq is assigned by the
// store and strictly increases per session, even across retention truncation.
type Event struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// State holds conversation context split into three scopes. The split is
// structural: App survives session deletion, Conversation lives with the
// session, Transient is never persisted.
type State struct {
	App          map[string]any `json:"app,omitempty"`
	Conversation map[string]any `json:"conversation,omitempty"`
	Transient    map[string]any `json:"-"`
}

func NewState() *State {
	return &State{
		App:          make(map[string]any),
		Conversation: make(map[string]any),
		Transient:    make(map[string]any),
	}
}

func (s *State) Clone() *State {
	if s == nil {
		return NewState()
	}
	c := NewState()
	for k, v := range s.App {
		c.App[k] = v
	}
	for k, v := range s.Conversation {
		c.Conversation[k] = v
	}
	for k, v := range s.Transient {
		c.Transient[k] = v
	}
	return c
}

// HandoffRecord is one link in a session's agent hand-off chain.
type HandoffRecord struct {
	Agent  string    `json:"agent"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Session is the durable, resumable unit of conversation.
type Session struct {
	SessionID    string          `json:"session_id"`
	ClientID     string          `json:"client_id"`
	AppScope     string          `json:"app_scope"`
	State        *State          `json:"state"`
	CurrentAgent string          `json:"current_agent,omitempty"`
	HandoffChain []HandoffRecord `json:"handoff_chain,omitempty"`
	LastActivity time.Time       `json:"last_activity"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (s *Session) Key() Key {
	return Key{AppScope: s.AppScope, ClientID: s.ClientID, SessionID: s.SessionID}
}

// Store persists sessions and their ordered event logs.
type Store interface {
	// CreateOrGet is idempotent: a second call with the same key returns the
	// existing session unchanged, whatever initial state it carries.
	CreateOrGet(ctx context.Context, key Key, initial *State) (*Session, error)

	Get(ctx context.Context, key Key) (*Session, error)

	// AppendEvent assigns the next sequence number and appends. Appends for
	// one session are serialized by the store; events are never reordered,
	// mutated or dropped.
	AppendEvent(ctx context.Context, key Key, event Event) (int64, error)

	// UpdateState applies a read-modify-write to the session under exclusive
	// per-session access, guarding against lost updates.
	UpdateState(ctx context.Context, key Key, mutate func(*Session) error) error

	// ListEvents returns events with Seq > sinceSeq in order.
	ListEvents(ctx context.Context, key Key, sinceSeq int64) ([]Event, error)

	// PurgeExpired deletes sessions whose last activity predates the cutoff.
	PurgeExpired(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}
