// Package engine is the boundary to the external agent-orchestration
// runtime. The runtime is a black box that, for one turn, emits a typed
// event stream; the events may include a hand-off request naming the next
// authoritative agent.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// EventType identifies one entry of the engine's turn stream.
type EventType string

const (
	EventDelta     EventType = "delta"
	EventToolCall  EventType = "tool_call"
	EventHandoff   EventType = "handoff"
	EventEndOfTurn EventType = "end_of_turn"
	EventError     EventType = "error"
)

// Event is one typed entry in the stream for an in-flight turn.
type Event struct {
	Type EventType `json:"type"`

	// Agent is the agent that produced the event.
	Agent string `json:"agent,omitempty"`
	// Text carries incremental content for delta events.
	Text string `json:"text,omitempty"`

	ToolName  string `json:"tool_name,omitempty"`
	ToolInput string `json:"tool_input,omitempty"`

	// NextAgent and Reason describe a hand-off request.
	NextAgent string `json:"next_agent,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// Err carries the failure detail for error events; ErrType is the
	// engine's machine-readable failure kind (e.g. "rate_limited").
	Err     string `json:"error,omitempty"`
	ErrType string `json:"error_type,omitempty"`
}

// TurnRequest asks the engine to run one agent against one user message.
type TurnRequest struct {
	ClientID  string   `json:"client_id"`
	SessionID string   `json:"session_id"`
	TurnID    string   `json:"turn_id"`
	Agent     string   `json:"agent"`
	InputText string   `json:"input_text"`
	Context   []string `json:"context,omitempty"`
}

// Adapter streams one turn's events from the reasoning engine. The channel
// is closed when the engine finishes or the context is cancelled; the caller
// invokes StreamTurn at most once per in-flight turn per session.
type Adapter interface {
	StreamTurn(ctx context.Context, req TurnRequest) (<-chan Event, error)
}

// Config controls adapter construction.
type Config struct {
	Mode    string
	HTTPURL string
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewHTTPAdapter(cfg.HTTPURL), nil
		}
		return NewMockAdapter(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("engine HTTP url is required for http mode")
		}
		return NewHTTPAdapter(cfg.HTTPURL), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported engine adapter mode %q", cfg.Mode)
	}
}
