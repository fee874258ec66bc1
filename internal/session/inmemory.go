package session

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is an in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[Key]*memSession
	maxEvents int
}

type memSession struct {
	mu      sync.Mutex
	session Session
	events  []Event
	nextSeq int64
}

func NewInMemoryStore(maxEvents int) *InMemoryStore {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &InMemoryStore{
		sessions:  make(map[Key]*memSession),
		maxEvents: maxEvents,
	}
}

func (s *InMemoryStore) CreateOrGet(_ context.Context, key Key, initial *State) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.sessions[key]; ok {
		return entry.snapshot(), nil
	}

	now := time.Now().UTC()
	entry := &memSession{
		session: Session{
			SessionID:    key.SessionID,
			ClientID:     key.ClientID,
			AppScope:     key.AppScope,
			State:        initial.Clone(),
			LastActivity: now,
			CreatedAt:    now,
		},
		nextSeq: 1,
	}
	s.sessions[key] = entry
	return entry.snapshot(), nil
}

func (s *InMemoryStore) Get(_ context.Context, key Key) (*Session, error) {
	s.mu.RLock()
	entry, ok := s.sessions[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return entry.snapshot(), nil
}

func (s *InMemoryStore) AppendEvent(_ context.Context, key Key, event Event) (int64, error) {
	s.mu.RLock()
	entry, ok := s.sessions[key]
	s.mu.RUnlock()
	if !ok {
		return 0, ErrNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	event.Seq = entry.nextSeq
	entry.nextSeq++
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	entry.events = append(entry.events, event)
	if len(entry.events) > s.maxEvents {
		// Retention cap: drop the oldest tail. Seq keeps rising so readers
		// can detect the gap.
		entry.events = entry.events[len(entry.events)-s.maxEvents:]
	}
	entry.session.LastActivity = time.Now().UTC()
	return event.Seq, nil
}

func (s *InMemoryStore) UpdateState(_ context.Context, key Key, mutate func(*Session) error) error {
	s.mu.RLock()
	entry, ok := s.sessions[key]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	working := entry.session
	working.State = entry.session.State.Clone()
	working.HandoffChain = append([]HandoffRecord(nil), entry.session.HandoffChain...)
	if err := mutate(&working); err != nil {
		return err
	}
	working.LastActivity = time.Now().UTC()
	entry.session = working
	return nil
}

func (s *InMemoryStore) ListEvents(_ context.Context, key Key, sinceSeq int64) ([]Event, error) {
	s.mu.RLock()
	entry, ok := s.sessions[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	out := make([]Event, 0, len(entry.events))
	for _, evt := range entry.events {
		if evt.Seq > sinceSeq {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (s *InMemoryStore) PurgeExpired(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, entry := range s.sessions {
		entry.mu.Lock()
		stale := entry.session.LastActivity.Before(olderThan)
		entry.mu.Unlock()
		if stale {
			delete(s.sessions, key)
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) Close() error { return nil }

func (e *memSession) snapshot() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.session
	c.State = e.session.State.Clone()
	c.HandoffChain = append([]HandoffRecord(nil), e.session.HandoffChain...)
	return &c
}
