package registry

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeplan/relay/internal/observability"
	"github.com/forgeplan/relay/internal/protocol"
)

// ConnState is the lifecycle state of one admitted connection.
type ConnState string

const (
	StatePending       ConnState = "pending"
	StateAuthenticated ConnState = "authenticated"
	StateActive        ConnState = "active"
	StateClosing       ConnState = "closing"
	StateClosed        ConnState = "closed"
)

var ErrNotFound = errors.New("connection not found")

// Authenticator resolves a credential to a client id.
type Authenticator interface {
	Validate(credential string) (string, error)
}

type conn struct {
	id             string
	clientID       string
	conversationID string
	state          ConnState
	lastActivityAt time.Time
	send           chan protocol.Frame
	closed         bool
}

// ConnInfo is a read-only snapshot of one connection.
type ConnInfo struct {
	ID             string    `json:"connection_id"`
	ClientID       string    `json:"client_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	State          ConnState `json:"state"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Total               int `json:"total"`
	Authenticated       int `json:"authenticated"`
	UniqueClients       int `json:"unique_clients"`
	ActiveConversations int `json:"active_conversations"`
}

const shardCount = 16

type shard struct {
	mu    sync.Mutex
	conns map[string]*conn
}

// Registry is the single source of truth for live connections. Connections
// are spread over fnv-hashed shards so unrelated connections never contend;
// the two secondary indexes hold only id sets and carry their own lock.
// idxMu is acquired either alone or nested inside a shard lock, never the
// other way around, so index mutations stay atomic with the shard entry.
type Registry struct {
	gate    Authenticator
	metrics *observability.Metrics

	shards [shardCount]shard

	idxMu          sync.Mutex
	byClient       map[string]map[string]struct{}
	byConversation map[string]map[string]struct{}

	sweeping sync.Mutex // see reaper.go
}

func New(gate Authenticator, metrics *observability.Metrics) *Registry {
	r := &Registry{
		gate:           gate,
		metrics:        metrics,
		byClient:       make(map[string]map[string]struct{}),
		byConversation: make(map[string]map[string]struct{}),
	}
	for i := range r.shards {
		r.shards[i].conns = make(map[string]*conn)
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &r.shards[h.Sum32()%shardCount]
}

// Admit registers a new pending connection and returns its id. The send
// channel is drained by the caller's websocket writer; the registry closes
// it on Remove.
func (r *Registry) Admit(send chan protocol.Frame) string {
	id := uuid.NewString()
	c := &conn{
		id:             id,
		state:          StatePending,
		lastActivityAt: time.Now().UTC(),
		send:           send,
	}

	s := r.shardFor(id)
	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	r.metrics.ConnectionEvents.WithLabelValues("admitted").Inc()
	r.metrics.ActiveConnections.Set(float64(r.Stats().Total))
	return id
}

// Authenticate validates the credential and binds the client identity.
func (r *Registry) Authenticate(id, credential string) (string, error) {
	clientID, err := r.gate.Validate(credential)
	if err != nil {
		r.metrics.ConnectionEvents.WithLabelValues("auth_failed").Inc()
		return "", err
	}

	// The index entry is added while the shard lock is still held so a
	// concurrent Remove can never observe the entry without the connection.
	// Lock order is always shard then idxMu.
	s := r.shardFor(id)
	s.mu.Lock()
	c, ok := s.conns[id]
	if !ok {
		s.mu.Unlock()
		return "", ErrNotFound
	}
	c.clientID = clientID
	c.state = StateAuthenticated
	c.lastActivityAt = time.Now().UTC()
	r.idxMu.Lock()
	addToIndex(r.byClient, clientID, id)
	r.idxMu.Unlock()
	s.mu.Unlock()

	r.metrics.ConnectionEvents.WithLabelValues("authenticated").Inc()
	return clientID, nil
}

// Bind associates the connection with a conversation and marks it active.
func (r *Registry) Bind(id, conversationID string) error {
	s := r.shardFor(id)
	s.mu.Lock()
	c, ok := s.conns[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	prev := c.conversationID
	c.conversationID = conversationID
	c.state = StateActive
	c.lastActivityAt = time.Now().UTC()
	r.idxMu.Lock()
	if prev != "" && prev != conversationID {
		dropFromIndex(r.byConversation, prev, id)
	}
	addToIndex(r.byConversation, conversationID, id)
	r.idxMu.Unlock()
	s.mu.Unlock()
	return nil
}

// Touch bumps the connection's activity timestamp.
func (r *Registry) Touch(id string) {
	s := r.shardFor(id)
	s.mu.Lock()
	if c, ok := s.conns[id]; ok {
		c.lastActivityAt = time.Now().UTC()
	}
	s.mu.Unlock()
}

// SendTo queues one frame for exactly one connection. A saturated outbound
// queue drops the frame rather than blocking the caller.
func (r *Registry) SendTo(id string, frame protocol.Frame) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[id]
	if !ok || c.closed {
		return ErrNotFound
	}
	c.lastActivityAt = time.Now().UTC()
	select {
	case c.send <- frame:
		r.metrics.WSMessages.WithLabelValues("outbound", string(frame.FrameType())).Inc()
	default:
		r.metrics.ConnectionEvents.WithLabelValues("outbound_drop_full").Inc()
	}
	return nil
}

// BroadcastToClient fans a frame out to every connection of one client.
func (r *Registry) BroadcastToClient(clientID string, frame protocol.Frame, excludeID string) int {
	return r.broadcast(r.byClient, clientID, frame, excludeID)
}

// BroadcastToConversation fans a frame out to every connection bound to one
// conversation.
func (r *Registry) BroadcastToConversation(conversationID string, frame protocol.Frame, excludeID string) int {
	return r.broadcast(r.byConversation, conversationID, frame, excludeID)
}

func (r *Registry) broadcast(index map[string]map[string]struct{}, key string, frame protocol.Frame, excludeID string) int {
	r.idxMu.Lock()
	ids := make([]string, 0, len(index[key]))
	for id := range index[key] {
		if id != excludeID {
			ids = append(ids, id)
		}
	}
	r.idxMu.Unlock()

	delivered := 0
	for _, id := range ids {
		if err := r.SendTo(id, frame); err == nil {
			delivered++
		}
	}
	return delivered
}

// Remove drops the connection from every index and closes its send channel.
// Idempotent; a SendTo racing with Remove reports NotFound. The shard lock
// is held across the index cleanup so an interleaved Authenticate or Bind
// can never resurrect an index entry for a deleted connection.
func (r *Registry) Remove(id string) {
	s := r.shardFor(id)

	s.mu.Lock()
	c, ok := s.conns[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	c.state = StateClosing

	r.idxMu.Lock()
	if c.clientID != "" {
		dropFromIndex(r.byClient, c.clientID, id)
	}
	if c.conversationID != "" {
		dropFromIndex(r.byConversation, c.conversationID, id)
	}
	r.idxMu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.state = StateClosed
	delete(s.conns, id)
	s.mu.Unlock()

	r.metrics.ConnectionEvents.WithLabelValues("removed").Inc()
	r.metrics.ActiveConnections.Set(float64(r.Stats().Total))
}

// Stats returns a snapshot of registry occupancy.
func (r *Registry) Stats() Stats {
	var st Stats
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		st.Total += len(s.conns)
		for _, c := range s.conns {
			if c.state == StateAuthenticated || c.state == StateActive {
				st.Authenticated++
			}
		}
		s.mu.Unlock()
	}

	r.idxMu.Lock()
	st.UniqueClients = len(r.byClient)
	st.ActiveConversations = len(r.byConversation)
	r.idxMu.Unlock()
	return st
}

// ConnectionsForClient lists snapshots of one client's connections.
func (r *Registry) ConnectionsForClient(clientID string) []ConnInfo {
	r.idxMu.Lock()
	ids := make([]string, 0, len(r.byClient[clientID]))
	for id := range r.byClient[clientID] {
		ids = append(ids, id)
	}
	r.idxMu.Unlock()

	out := make([]ConnInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := r.snapshot(id); ok {
			out = append(out, info)
		}
	}
	return out
}

func (r *Registry) snapshot(id string) (ConnInfo, bool) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return ConnInfo{}, false
	}
	return ConnInfo{
		ID:             c.id,
		ClientID:       c.clientID,
		ConversationID: c.conversationID,
		State:          c.state,
		LastActivityAt: c.lastActivityAt,
	}, true
}

func addToIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func dropFromIndex(index map[string]map[string]struct{}, key, id string) {
	if set, ok := index[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}
