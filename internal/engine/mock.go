package engine

import (
	"context"
	"fmt"
	"strings"
)

// MockAdapter produces deterministic event streams when no real engine is
// configured. Messages mentioning scheduling trigger a hand-off to the
// "scheduler" agent so multi-agent flows can be exercised locally.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) StreamTurn(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	agent := req.Agent
	if agent == "" {
		agent = "concierge"
	}

	var script []Event
	switch {
	case agent != "scheduler" && strings.Contains(strings.ToLower(req.InputText), "schedule"):
		script = []Event{
			{Type: EventDelta, Agent: agent, Text: "Let me pull in the scheduler for that."},
			{Type: EventHandoff, Agent: agent, NextAgent: "scheduler", Reason: "scheduling request"},
		}
	case agent == "scheduler":
		script = []Event{
			{Type: EventToolCall, Agent: agent, ToolName: "calendar_lookup", ToolInput: req.InputText},
			{Type: EventDelta, Agent: agent, Text: "I found a free slot tomorrow at 10:00."},
			{Type: EventDelta, Agent: agent, Text: " Want me to book it?"},
			{Type: EventEndOfTurn, Agent: agent},
		}
	default:
		script = []Event{
			{Type: EventDelta, Agent: agent, Text: fmt.Sprintf("I heard you: %s", strings.TrimSpace(req.InputText))},
			{Type: EventEndOfTurn, Agent: agent},
		}
	}

	events := make(chan Event, len(script))
	go func() {
		defer close(events)
		for _, evt := range script {
			select {
			case events <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// ScriptedAdapter replays a fixed per-agent script. Tests use it to drive
// exact hand-off and failure sequences.
type ScriptedAdapter struct {
	Scripts map[string][]Event
	Calls   []TurnRequest
}

func NewScriptedAdapter(scripts map[string][]Event) *ScriptedAdapter {
	return &ScriptedAdapter{Scripts: scripts}
}

func (a *ScriptedAdapter) StreamTurn(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	a.Calls = append(a.Calls, req)
	script, ok := a.Scripts[req.Agent]
	if !ok {
		return nil, fmt.Errorf("no script for agent %q", req.Agent)
	}
	events := make(chan Event, len(script))
	go func() {
		defer close(events)
		for _, evt := range script {
			select {
			case events <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
