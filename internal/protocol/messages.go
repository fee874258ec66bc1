package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType identifies websocket payload variants.
type FrameType string

const (
	TypeClientMessage FrameType = "message"
	TypeClientClose   FrameType = "close"
	TypePartial       FrameType = "partial"
	TypeTurnComplete  FrameType = "turn_complete"
	TypeAgentChanged  FrameType = "agent_changed"
	TypeError         FrameType = "error"
)

var ErrUnsupportedType = errors.New("unsupported frame type")

// Frame is the common interface for outbound server frames.
type Frame interface {
	FrameType() FrameType
}

type Envelope struct {
	Type FrameType `json:"type"`
}

// ClientMessage carries one user utterance for the current conversation.
type ClientMessage struct {
	Type FrameType `json:"type"`
	Text string    `json:"text"`
}

// ClientClose asks the server to close the channel cleanly.
type ClientClose struct {
	Type FrameType `json:"type"`
}

// Partial streams incremental assistant content.
type Partial struct {
	Type  FrameType `json:"type"`
	Text  string    `json:"text"`
	Agent string    `json:"agent,omitempty"`
}

// TurnComplete marks the true end of a turn. Exactly one is sent per turn.
type TurnComplete struct {
	Type   FrameType `json:"type"`
	TurnID string    `json:"turn_id,omitempty"`
}

// AgentChanged tells the client which agent became authoritative mid-turn.
// Informational only; it never implies the turn ended.
type AgentChanged struct {
	Type   FrameType `json:"type"`
	Agent  string    `json:"agent"`
	Reason string    `json:"reason,omitempty"`
}

// ErrorFrame surfaces a single descriptive error to the client.
type ErrorFrame struct {
	Type    FrameType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

func (f Partial) FrameType() FrameType      { return f.Type }
func (f TurnComplete) FrameType() FrameType { return f.Type }
func (f AgentChanged) FrameType() FrameType { return f.Type }
func (f ErrorFrame) FrameType() FrameType   { return f.Type }

func NewPartial(text, agent string) Partial {
	return Partial{Type: TypePartial, Text: text, Agent: agent}
}

func NewTurnComplete(turnID string) TurnComplete {
	return TurnComplete{Type: TypeTurnComplete, TurnID: turnID}
}

func NewAgentChanged(agent, reason string) AgentChanged {
	return AgentChanged{Type: TypeAgentChanged, Agent: agent, Reason: reason}
}

func NewError(code, message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: code, Message: message}
}

// ParseClientFrame decodes and validates one inbound client frame.
func ParseClientFrame(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientMessage:
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Text == "" {
			return nil, errors.New("invalid message: empty text")
		}
		return msg, nil
	case TypeClientClose:
		return ClientClose{Type: TypeClientClose}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
