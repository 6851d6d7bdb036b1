package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/NissanOhana/dev-agent-day2day/internal/event"
)

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Record
	events   map[string][]event.Event
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Record),
		events:   make(map[string][]event.Event),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, rec Record) error {
	if err := validateSessionID(rec.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}

	if _, ok := s.sessions[rec.ID]; ok {
		return fmt.Errorf("session %s already exists", rec.ID)
	}
	s.sessions[rec.ID] = rec
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (Record, error) {
	if err := validateSessionID(id); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, fmt.Errorf("memory store is closed")
	}

	rec, ok := s.sessions[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}

	out := make([]Summary, 0, len(s.sessions))
	for id, rec := range s.sessions {
		out = append(out, Summary{Record: rec, EventCount: int64(len(s.events[id]))})
	}
	sortSummaries(out)
	return out, nil
}

func (s *MemoryStore) SaveSession(_ context.Context, rec Record) error {
	if err := validateSessionID(rec.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}

	if _, ok := s.sessions[rec.ID]; !ok {
		return ErrNotFound
	}
	s.sessions[rec.ID] = rec
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	if err := validateSessionID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}

	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	delete(s.events, id)
	return nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, e event.Event) error {
	if err := validateSessionID(e.SessionID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}

	s.events[e.SessionID] = append(s.events[e.SessionID], e)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, sessionID string, q EventQuery) ([]event.Event, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	q = normalizeQuery(q)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}

	log := s.events[sessionID]
	matched := make([]event.Event, 0, len(log))
	// Walk insertion order backwards: newest first.
	for i := len(log) - 1; i >= 0; i-- {
		if q.Type != "" && log[i].Type != q.Type {
			continue
		}
		matched = append(matched, log[i])
	}

	if q.Offset >= len(matched) {
		return []event.Event{}, nil
	}
	matched = matched[q.Offset:]
	if q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	out := make([]event.Event, len(matched))
	copy(out, matched)
	return out, nil
}

func (s *MemoryStore) ReplayEvents(_ context.Context, sessionID string) ([]event.Event, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}

	log := s.events[sessionID]
	out := make([]event.Event, len(log))
	copy(out, log)
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sortSummaries(summaries []Summary) {
	// Newest session first, matching the GORM store's created_at ordering.
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].ID < summaries[j].ID
		}
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
}
