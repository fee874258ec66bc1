package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/forgeplan/relay/internal/engine"
	"github.com/forgeplan/relay/internal/observability"
	"github.com/forgeplan/relay/internal/protocol"
	"github.com/forgeplan/relay/internal/registry"
	"github.com/forgeplan/relay/internal/session"
)

type stubGate struct{}

func (stubGate) Validate(string) (string, error) { return "u1", nil }

type adapterFunc func(ctx context.Context, req engine.TurnRequest) (<-chan engine.Event, error)

func (f adapterFunc) StreamTurn(ctx context.Context, req engine.TurnRequest) (<-chan engine.Event, error) {
	return f(ctx, req)
}

type harness struct {
	store *session.InMemoryStore
	reg   *registry.Registry
	coord *Coordinator
	send  chan protocol.Frame
	conn  string
	key   session.Key
}

func newHarness(t *testing.T, adapter engine.Adapter) *harness {
	t.Helper()
	metrics := observability.NewMetrics(fmt.Sprintf("relay_test_coord_%d", time.Now().UnixNano()))
	store := session.NewInMemoryStore(100)
	reg := registry.New(stubGate{}, metrics)
	coord := New(store, adapter, reg, metrics, Options{
		DefaultAgent: "concierge",
		EventTimeout: 2 * time.Second,
	})

	send := make(chan protocol.Frame, 64)
	conn := reg.Admit(send)
	if _, err := reg.Authenticate(conn, "token"); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if err := reg.Bind(conn, "conv-1"); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	key := session.Key{AppScope: "forgeplan", ClientID: "u1", SessionID: "s1"}
	if _, err := store.CreateOrGet(context.Background(), key, nil); err != nil {
		t.Fatalf("CreateOrGet() error = %v", err)
	}
	return &harness{store: store, reg: reg, coord: coord, send: send, conn: conn, key: key}
}

func (h *harness) frames() []protocol.Frame {
	var out []protocol.Frame
	for {
		select {
		case f := <-h.send:
			out = append(out, f)
		default:
			return out
		}
	}
}

func frameTypes(frames []protocol.Frame) []protocol.FrameType {
	out := make([]protocol.FrameType, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.FrameType())
	}
	return out
}

func (h *harness) eventTypes(t *testing.T) []string {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), h.key, 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	out := make([]string, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Type)
	}
	return out
}

// A hand-off followed by more streamed content must never produce an
// intervening turn_complete; only the true end-of-turn marker does.
func TestHandoffDoesNotEmitTurnComplete(t *testing.T) {
	adapter := engine.NewScriptedAdapter(map[string][]engine.Event{
		"concierge": {
			{Type: engine.EventDelta, Agent: "concierge", Text: "One moment."},
			{Type: engine.EventHandoff, Agent: "concierge", NextAgent: "scheduler", Reason: "scheduling request"},
		},
		"scheduler": {
			{Type: engine.EventDelta, Agent: "scheduler", Text: "Tomorrow at 10 works."},
			{Type: engine.EventEndOfTurn, Agent: "scheduler"},
		},
	})
	h := newHarness(t, adapter)

	if err := h.coord.SubmitMessage(context.Background(), h.conn, "conv-1", h.key, "schedule a meeting"); err != nil {
		t.Fatalf("SubmitMessage() error = %v", err)
	}

	frames := h.frames()
	completes := 0
	sawHandoffNotice := false
	for i, f := range frames {
		switch f.FrameType() {
		case protocol.TypeTurnComplete:
			completes++
			if i != len(frames)-1 {
				t.Fatalf("turn_complete at position %d is not last: %v", i, frameTypes(frames))
			}
			if !sawHandoffNotice {
				t.Fatalf("turn_complete before the hand-off finished: %v", frameTypes(frames))
			}
		case protocol.TypeAgentChanged:
			sawHandoffNotice = true
		}
	}
	if completes != 1 {
		t.Fatalf("turn_complete count = %d, want exactly 1 (frames: %v)", completes, frameTypes(frames))
	}

	// Both agents were actually invoked, in order.
	if len(adapter.Calls) != 2 || adapter.Calls[0].Agent != "concierge" || adapter.Calls[1].Agent != "scheduler" {
		t.Fatalf("unexpected engine invocations: %+v", adapter.Calls)
	}

	// The hand-off switched the authoritative agent durably.
	sess, err := h.store.Get(context.Background(), h.key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.CurrentAgent != "scheduler" {
		t.Fatalf("CurrentAgent = %q, want %q", sess.CurrentAgent, "scheduler")
	}
	if len(sess.HandoffChain) != 1 || sess.HandoffChain[0].Agent != "scheduler" {
		t.Fatalf("unexpected handoff chain: %+v", sess.HandoffChain)
	}
}

func TestScheduleMeetingScenario(t *testing.T) {
	h := newHarness(t, engine.NewMockAdapter())

	if err := h.coord.SubmitMessage(context.Background(), h.conn, "conv-1", h.key, "schedule a meeting"); err != nil {
		t.Fatalf("SubmitMessage() error = %v", err)
	}

	frames := h.frames()
	if len(frames) == 0 {
		t.Fatalf("no frames delivered")
	}
	if frames[len(frames)-1].FrameType() != protocol.TypeTurnComplete {
		t.Fatalf("last frame = %q, want turn_complete (frames: %v)", frames[len(frames)-1].FrameType(), frameTypes(frames))
	}
	partials := 0
	completes := 0
	for _, f := range frames {
		switch f.FrameType() {
		case protocol.TypePartial:
			partials++
		case protocol.TypeTurnComplete:
			completes++
		}
	}
	if partials == 0 {
		t.Fatalf("expected streamed content before turn_complete: %v", frameTypes(frames))
	}
	if completes != 1 {
		t.Fatalf("turn_complete count = %d, want 1", completes)
	}

	got := h.eventTypes(t)
	wantPresent := map[string]bool{
		session.EventUserMessage:  false,
		session.EventHandoff:      false,
		session.EventAgentMessage: false,
		session.EventToolCall:     false,
	}
	for _, typ := range got {
		if _, ok := wantPresent[typ]; ok {
			wantPresent[typ] = true
		}
	}
	for typ, seen := range wantPresent {
		if !seen {
			t.Fatalf("persisted events missing %q: %v", typ, got)
		}
	}
}

func TestEngineErrorForcesSingleErrorFrame(t *testing.T) {
	adapter := engine.NewScriptedAdapter(map[string][]engine.Event{
		"concierge": {
			{Type: engine.EventDelta, Agent: "concierge", Text: "Let me check"},
			{Type: engine.EventError, Agent: "concierge", Err: "upstream exploded"},
		},
	})
	h := newHarness(t, adapter)

	if err := h.coord.SubmitMessage(context.Background(), h.conn, "conv-1", h.key, "hello"); err != nil {
		t.Fatalf("SubmitMessage() error = %v", err)
	}

	frames := h.frames()
	errFrames := 0
	for _, f := range frames {
		switch f.FrameType() {
		case protocol.TypeError:
			errFrames++
		case protocol.TypeTurnComplete:
			t.Fatalf("turn_complete after engine error: %v", frameTypes(frames))
		}
	}
	if errFrames != 1 {
		t.Fatalf("error frame count = %d, want 1", errFrames)
	}

	got := h.eventTypes(t)
	if got[len(got)-1] != session.EventTurnError {
		t.Fatalf("last persisted event = %q, want turn_error (%v)", got[len(got)-1], got)
	}
}

func TestConcurrentTurnRejected(t *testing.T) {
	release := make(chan struct{})
	adapter := adapterFunc(func(ctx context.Context, req engine.TurnRequest) (<-chan engine.Event, error) {
		events := make(chan engine.Event, 1)
		go func() {
			defer close(events)
			<-release
			events <- engine.Event{Type: engine.EventEndOfTurn, Agent: req.Agent}
		}()
		return events, nil
	})
	h := newHarness(t, adapter)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- h.coord.SubmitMessage(context.Background(), h.conn, "conv-1", h.key, "first")
	}()

	deadline := time.Now().Add(time.Second)
	for !h.coord.InFlight(h.key) {
		if time.Now().After(deadline) {
			t.Fatalf("first turn never became in-flight")
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := h.coord.SubmitMessage(context.Background(), h.conn, "conv-1", h.key, "second")
	if !errors.Is(err, ErrConcurrentTurn) {
		t.Fatalf("second SubmitMessage() error = %v, want ErrConcurrentTurn", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first SubmitMessage() error = %v", err)
	}

	// The slot is released; a new turn may start.
	if h.coord.InFlight(h.key) {
		t.Fatalf("in-flight slot not released after turn completion")
	}
}

func TestEngineTimeoutAbortsTurn(t *testing.T) {
	adapter := adapterFunc(func(ctx context.Context, req engine.TurnRequest) (<-chan engine.Event, error) {
		return make(chan engine.Event), nil
	})
	h := newHarness(t, adapter)
	h.coord.opts.EventTimeout = 50 * time.Millisecond

	if err := h.coord.SubmitMessage(context.Background(), h.conn, "conv-1", h.key, "hello"); err != nil {
		t.Fatalf("SubmitMessage() error = %v", err)
	}

	frames := h.frames()
	for _, f := range frames {
		if f.FrameType() == protocol.TypeTurnComplete {
			t.Fatalf("turn_complete after timeout: %v", frameTypes(frames))
		}
	}
	if len(frames) == 0 || frames[len(frames)-1].FrameType() != protocol.TypeError {
		t.Fatalf("want trailing error frame, got %v", frameTypes(frames))
	}

	got := h.eventTypes(t)
	if got[len(got)-1] != session.EventTurnAborted {
		t.Fatalf("last persisted event = %q, want turn_aborted (%v)", got[len(got)-1], got)
	}
}

func TestCancellationKeepsDurableHistory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	adapter := adapterFunc(func(_ context.Context, req engine.TurnRequest) (<-chan engine.Event, error) {
		events := make(chan engine.Event, 2)
		events <- engine.Event{Type: engine.EventDelta, Agent: req.Agent, Text: "partial work"}
		go func() {
			// Cancel once the delta is out; never send a terminal marker.
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		return events, nil
	})
	h := newHarness(t, adapter)
	h.coord.opts.EventTimeout = 5 * time.Second

	if err := h.coord.SubmitMessage(ctx, h.conn, "conv-1", h.key, "hello"); err != nil {
		t.Fatalf("SubmitMessage() error = %v", err)
	}

	got := h.eventTypes(t)
	if got[0] != session.EventUserMessage {
		t.Fatalf("first persisted event = %q, want user_message (%v)", got[0], got)
	}
	if got[len(got)-1] != session.EventTurnAborted {
		t.Fatalf("last persisted event = %q, want turn_aborted (%v)", got[len(got)-1], got)
	}

	// The abort must be reported as a turn outcome.
	if n := testutil.ToFloat64(h.coord.metrics.Turns.WithLabelValues("aborted")); n != 1 {
		t.Fatalf("turns_total{outcome=aborted} = %v, want 1", n)
	}
}

func TestHandoffChainDepthGuard(t *testing.T) {
	// Two agents that forever hand off to each other.
	adapter := adapterFunc(func(_ context.Context, req engine.TurnRequest) (<-chan engine.Event, error) {
		next := "a"
		if req.Agent == "a" {
			next = "b"
		}
		events := make(chan engine.Event, 1)
		events <- engine.Event{Type: engine.EventHandoff, Agent: req.Agent, NextAgent: next, Reason: "ping-pong"}
		close(events)
		return events, nil
	})
	h := newHarness(t, adapter)
	h.coord.opts.MaxHandoffs = 3

	if err := h.coord.SubmitMessage(context.Background(), h.conn, "conv-1", h.key, "loop"); err != nil {
		t.Fatalf("SubmitMessage() error = %v", err)
	}

	frames := h.frames()
	if len(frames) == 0 || frames[len(frames)-1].FrameType() != protocol.TypeError {
		t.Fatalf("want trailing error frame on handoff loop, got %v", frameTypes(frames))
	}
	for _, f := range frames {
		if f.FrameType() == protocol.TypeTurnComplete {
			t.Fatalf("turn_complete during handoff loop: %v", frameTypes(frames))
		}
	}
}

func TestTransientEngineFailureRetried(t *testing.T) {
	attempts := 0
	adapter := adapterFunc(func(_ context.Context, req engine.TurnRequest) (<-chan engine.Event, error) {
		attempts++
		events := make(chan engine.Event, 2)
		if attempts == 1 {
			events <- engine.Event{Type: engine.EventError, ErrType: "rate_limited", Err: "slow down"}
		} else {
			events <- engine.Event{Type: engine.EventDelta, Agent: req.Agent, Text: "recovered"}
			events <- engine.Event{Type: engine.EventEndOfTurn, Agent: req.Agent}
		}
		close(events)
		return events, nil
	})
	h := newHarness(t, adapter)

	if err := h.coord.SubmitMessage(context.Background(), h.conn, "conv-1", h.key, "hello"); err != nil {
		t.Fatalf("SubmitMessage() error = %v", err)
	}
	if attempts != 2 {
		t.Fatalf("engine attempts = %d, want 2", attempts)
	}

	frames := h.frames()
	for _, f := range frames {
		if f.FrameType() == protocol.TypeError {
			t.Fatalf("error frame surfaced for a recovered turn: %v", frameTypes(frames))
		}
	}
	if frames[len(frames)-1].FrameType() != protocol.TypeTurnComplete {
		t.Fatalf("last frame = %q, want turn_complete", frames[len(frames)-1].FrameType())
	}
}

func TestEngineRetriesExhausted(t *testing.T) {
	attempts := 0
	adapter := adapterFunc(func(_ context.Context, _ engine.TurnRequest) (<-chan engine.Event, error) {
		attempts++
		events := make(chan engine.Event, 1)
		events <- engine.Event{Type: engine.EventError, ErrType: "queue_overflow", Err: "backed up"}
		close(events)
		return events, nil
	})
	h := newHarness(t, adapter)

	if err := h.coord.SubmitMessage(context.Background(), h.conn, "conv-1", h.key, "hello"); err != nil {
		t.Fatalf("SubmitMessage() error = %v", err)
	}
	if attempts != maxEngineRetries+1 {
		t.Fatalf("engine attempts = %d, want %d", attempts, maxEngineRetries+1)
	}

	frames := h.frames()
	if len(frames) == 0 || frames[len(frames)-1].FrameType() != protocol.TypeError {
		t.Fatalf("want trailing error frame, got %v", frameTypes(frames))
	}
	got := h.eventTypes(t)
	if got[len(got)-1] != session.EventTurnError {
		t.Fatalf("last persisted event = %q, want turn_error (%v)", got[len(got)-1], got)
	}
}

func TestUserMessagePayloadPersisted(t *testing.T) {
	h := newHarness(t, engine.NewMockAdapter())

	if err := h.coord.SubmitMessage(context.Background(), h.conn, "conv-1", h.key, "what changed today"); err != nil {
		t.Fatalf("SubmitMessage() error = %v", err)
	}

	events, err := h.store.ListEvents(context.Background(), h.key, 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	var body map[string]string
	if err := json.Unmarshal(events[0].Payload, &body); err != nil {
		t.Fatalf("Unmarshal payload error = %v", err)
	}
	if body["text"] != "what changed today" {
		t.Fatalf("persisted text = %q, want original message", body["text"])
	}
}
