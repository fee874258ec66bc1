// Package coordinator runs turns against the reasoning engine and decides,
// event by event, what reaches the client and what is persisted. Its load-
// bearing rule: an agent hand-off re-enters streaming against the next agent
// and never emits turn_complete; only a true end-of-turn marker does.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeplan/relay/internal/engine"
	"github.com/forgeplan/relay/internal/observability"
	"github.com/forgeplan/relay/internal/protocol"
	"github.com/forgeplan/relay/internal/reliability"
	"github.com/forgeplan/relay/internal/registry"
	"github.com/forgeplan/relay/internal/session"
)

// ErrConcurrentTurn rejects a second message for a session whose turn is
// still in flight. The engine is invoked at most once per in-flight turn.
var ErrConcurrentTurn = errors.New("turn already in flight for session")

const (
	retryBackoffBase = 100 * time.Millisecond
	retryBackoffCap  = 2 * time.Second

	// Transient engine failures (rate limits, queue overflow) restart the
	// stream for the same agent this many times before the turn fails.
	maxEngineRetries = 2
)

type streamOutcome int

const (
	outcomeDone streamOutcome = iota
	outcomeHandoff
	outcomeRetry
)

type Options struct {
	DefaultAgent      string
	EventTimeout      time.Duration
	StoreWriteTimeout time.Duration
	StoreRetryMax     int
	MaxHandoffs       int
}

type Coordinator struct {
	store    session.Store
	adapter  engine.Adapter
	registry *registry.Registry
	metrics  *observability.Metrics
	opts     Options

	mu       sync.Mutex
	inflight map[session.Key]struct{}
}

func New(store session.Store, adapter engine.Adapter, reg *registry.Registry, metrics *observability.Metrics, opts Options) *Coordinator {
	if opts.DefaultAgent == "" {
		opts.DefaultAgent = "concierge"
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = 30 * time.Second
	}
	if opts.StoreWriteTimeout <= 0 {
		opts.StoreWriteTimeout = 5 * time.Second
	}
	if opts.MaxHandoffs <= 0 {
		opts.MaxHandoffs = 8
	}
	return &Coordinator{
		store:    store,
		adapter:  adapter,
		registry: reg,
		metrics:  metrics,
		opts:     opts,
		inflight: make(map[session.Key]struct{}),
	}
}

// SubmitMessage runs one turn for the session. Partial content goes to the
// submitting connection; the single turn_complete is broadcast to every
// connection bound to the conversation.
func (c *Coordinator) SubmitMessage(ctx context.Context, connID, conversationID string, key session.Key, text string) error {
	c.mu.Lock()
	if _, busy := c.inflight[key]; busy {
		c.mu.Unlock()
		return ErrConcurrentTurn
	}
	c.inflight[key] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
	}()

	turnID := uuid.NewString()
	started := time.Now()

	payload, _ := json.Marshal(map[string]string{"text": text, "turn_id": turnID})
	if err := c.appendWithRetry(ctx, key, session.Event{Type: session.EventUserMessage, Payload: payload}); err != nil {
		c.sendError(connID, "storage_unavailable", "could not persist your message, please retry")
		c.finishTurn("storage_error", started)
		return err
	}

	sess, err := c.store.Get(ctx, key)
	if err != nil {
		c.sendError(connID, "storage_unavailable", "session lookup failed")
		c.finishTurn("storage_error", started)
		return err
	}
	agent := sess.CurrentAgent
	if agent == "" {
		agent = c.opts.DefaultAgent
	}

	handoffs := 0
	engineRetries := 0
	firstEventSeen := false
	for {
		events, err := c.adapter.StreamTurn(ctx, engine.TurnRequest{
			ClientID:  key.ClientID,
			SessionID: key.SessionID,
			TurnID:    turnID,
			Agent:     agent,
			InputText: text,
		})
		if err != nil {
			c.recordTurnError(key, turnID, agent, err.Error())
			c.sendError(connID, "engine_error", "the assistant is unavailable right now")
			c.finishTurn("engine_error", started)
			return nil
		}

		next, outcome := c.consumeStream(ctx, events, streamState{
			connID:         connID,
			conversationID: conversationID,
			key:            key,
			turnID:         turnID,
			agent:          agent,
			started:        started,
			firstEventSeen: &firstEventSeen,
		})
		switch outcome {
		case outcomeDone:
			return nil

		case outcomeRetry:
			engineRetries++
			if engineRetries > maxEngineRetries {
				c.recordTurnError(key, turnID, agent, "engine retries exhausted")
				c.sendError(connID, "engine_error", "the assistant is unavailable right now")
				c.finishTurn("engine_error", started)
				return nil
			}
			c.metrics.IncIndicator("engine_retry")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(reliability.ExponentialBackoff(engineRetries-1, retryBackoffBase, retryBackoffCap)):
			}

		case outcomeHandoff:
			// Re-enter streaming against the new agent. No turn_complete
			// has been sent on this path.
			handoffs++
			if handoffs > c.opts.MaxHandoffs {
				c.recordTurnError(key, turnID, agent, fmt.Sprintf("handoff chain exceeded %d", c.opts.MaxHandoffs))
				c.sendError(connID, "handoff_loop", "the assistant could not settle on an agent")
				c.finishTurn("handoff_loop", started)
				return nil
			}
			agent = next
		}
	}
}

// InFlight reports whether a turn is currently running for the session.
func (c *Coordinator) InFlight(key session.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, busy := c.inflight[key]
	return busy
}

type streamState struct {
	connID         string
	conversationID string
	key            session.Key
	turnID         string
	agent          string
	started        time.Time
	firstEventSeen *bool
}

// consumeStream drains one agent's event stream. The outcome tells the
// caller whether to re-enter for a hand-off, restart after a transient
// engine failure, or stop: the turn completed, errored or aborted.
func (c *Coordinator) consumeStream(ctx context.Context, events <-chan engine.Event, st streamState) (string, streamOutcome) {
	var acc strings.Builder
	timer := time.NewTimer(c.opts.EventTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.opts.EventTimeout)

		select {
		case <-ctx.Done():
			c.abortTurn(st, "connection closed mid-turn")
			c.finishTurn("aborted", st.started)
			return "", outcomeDone

		case <-timer.C:
			c.abortTurn(st, "engine event timeout")
			c.sendError(st.connID, "engine_timeout", "the assistant took too long to respond")
			c.finishTurn("timeout", st.started)
			return "", outcomeDone

		case evt, ok := <-events:
			if !ok {
				// Stream closed without a terminal marker.
				c.abortTurn(st, "engine stream truncated")
				c.sendError(st.connID, "engine_error", "the assistant stream ended unexpectedly")
				c.finishTurn("engine_error", st.started)
				return "", outcomeDone
			}
			if !*st.firstEventSeen {
				*st.firstEventSeen = true
				c.metrics.ObserveTurnStage("engine_first_event", time.Since(st.started))
			}

			switch evt.Type {
			case engine.EventDelta:
				acc.WriteString(evt.Text)
				if err := c.registry.SendTo(st.connID, protocol.NewPartial(evt.Text, st.agent)); err != nil {
					log.Printf("coordinator: partial for vanished connection %s: %v", st.connID, err)
				}

			case engine.EventToolCall:
				payload, _ := json.Marshal(map[string]string{
					"turn_id": st.turnID, "agent": st.agent,
					"tool": evt.ToolName, "input": evt.ToolInput,
				})
				c.persistBestEffort(st.key, session.Event{Type: session.EventToolCall, Payload: payload})

			case engine.EventHandoff:
				if c.handleHandoff(st, evt, acc.String()) {
					return evt.NextAgent, outcomeHandoff
				}
				c.sendError(st.connID, "storage_unavailable", "could not record the agent switch")
				c.finishTurn("storage_error", st.started)
				return "", outcomeDone

			case engine.EventEndOfTurn:
				c.completeTurn(st, acc.String())
				return "", outcomeDone

			case engine.EventError:
				if reliability.IsRetryableEngineEventType(evt.ErrType) {
					log.Printf("coordinator: transient engine failure for turn %s (%s): %s", st.turnID, evt.ErrType, evt.Err)
					return "", outcomeRetry
				}
				c.recordTurnError(st.key, st.turnID, st.agent, evt.Err)
				c.sendError(st.connID, "engine_error", "the assistant hit an error")
				c.finishTurn("engine_error", st.started)
				return "", outcomeDone
			}
		}
	}
}

// handleHandoff persists the hand-off event and switches the authoritative
// agent. Returns false only when persistence failed beyond retry.
func (c *Coordinator) handleHandoff(st streamState, evt engine.Event, accumulated string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.StoreWriteTimeout)
	defer cancel()

	if strings.TrimSpace(accumulated) != "" {
		payload, _ := json.Marshal(map[string]string{
			"turn_id": st.turnID, "agent": st.agent, "text": accumulated,
		})
		c.persistBestEffort(st.key, session.Event{Type: session.EventAgentMessage, Payload: payload})
	}

	payload, _ := json.Marshal(map[string]string{
		"turn_id": st.turnID, "from": st.agent,
		"to": evt.NextAgent, "reason": evt.Reason,
	})
	if err := c.appendWithRetry(ctx, st.key, session.Event{Type: session.EventHandoff, Payload: payload}); err != nil {
		return false
	}

	err := c.store.UpdateState(ctx, st.key, func(sess *session.Session) error {
		sess.CurrentAgent = evt.NextAgent
		sess.HandoffChain = append(sess.HandoffChain, session.HandoffRecord{
			Agent:  evt.NextAgent,
			Reason: evt.Reason,
			At:     time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return false
	}

	c.metrics.Handoffs.WithLabelValues(evt.NextAgent).Inc()
	c.metrics.IncIndicator("handoff")
	if err := c.registry.SendTo(st.connID, protocol.NewAgentChanged(evt.NextAgent, evt.Reason)); err != nil {
		log.Printf("coordinator: agent_changed for vanished connection %s: %v", st.connID, err)
	}
	return true
}

func (c *Coordinator) completeTurn(st streamState, accumulated string) {
	payload, _ := json.Marshal(map[string]string{
		"turn_id": st.turnID, "agent": st.agent, "text": accumulated,
	})
	c.persistBestEffort(st.key, session.Event{Type: session.EventAgentMessage, Payload: payload})

	frame := protocol.NewTurnComplete(st.turnID)
	if st.conversationID != "" {
		c.registry.BroadcastToConversation(st.conversationID, frame, "")
	} else if err := c.registry.SendTo(st.connID, frame); err != nil {
		log.Printf("coordinator: turn_complete for vanished connection %s: %v", st.connID, err)
	}
	c.finishTurn("complete", st.started)
}

// abortTurn records that the turn ended without completing. Events already
// persisted stay persisted; there is no rollback of durable history. The
// caller reports the turn outcome via finishTurn.
func (c *Coordinator) abortTurn(st streamState, reason string) {
	payload, _ := json.Marshal(map[string]string{
		"turn_id": st.turnID, "agent": st.agent, "reason": reason,
	})
	c.persistBestEffort(st.key, session.Event{Type: session.EventTurnAborted, Payload: payload})
	log.Printf("coordinator: turn %s aborted for session %s: %s", st.turnID, st.key.SessionID, reason)
}

func (c *Coordinator) recordTurnError(key session.Key, turnID, agent, detail string) {
	payload, _ := json.Marshal(map[string]string{
		"turn_id": turnID, "agent": agent, "error": detail,
	})
	c.persistBestEffort(key, session.Event{Type: session.EventTurnError, Payload: payload})
}

// persistBestEffort appends with retry off the request context so terminal
// events survive connection cancellation.
func (c *Coordinator) persistBestEffort(key session.Key, evt session.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.StoreWriteTimeout)
	defer cancel()
	if err := c.appendWithRetry(ctx, key, evt); err != nil {
		log.Printf("coordinator: dropping %s event for session %s: %v", evt.Type, key.SessionID, err)
	}
}

func (c *Coordinator) appendWithRetry(ctx context.Context, key session.Key, evt session.Event) error {
	var err error
	for attempt := 0; ; attempt++ {
		start := time.Now()
		_, err = c.store.AppendEvent(ctx, key, evt)
		if err == nil {
			c.metrics.ObserveTurnStage("store_append", time.Since(start))
			return nil
		}
		if !errors.Is(err, session.ErrStorageUnavailable) || attempt >= c.opts.StoreRetryMax {
			return err
		}
		c.metrics.StoreRetries.Inc()
		select {
		case <-ctx.Done():
			return err
		case <-time.After(reliability.ExponentialBackoff(attempt, retryBackoffBase, retryBackoffCap)):
		}
	}
}

func (c *Coordinator) sendError(connID, code, message string) {
	if err := c.registry.SendTo(connID, protocol.NewError(code, message)); err != nil {
		log.Printf("coordinator: error frame for vanished connection %s: %v", connID, err)
	}
}

func (c *Coordinator) finishTurn(outcome string, started time.Time) {
	c.metrics.Turns.WithLabelValues(outcome).Inc()
	c.metrics.ObserveTurnLatency(time.Since(started))
}
