package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps outbox rows in memory. Domain stores embed it and call Append while
// holding their own lock so the event lands with the state change.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]Event
	order  []string
}

// NewMemoryStore constructs an empty outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]Event)}
}

// Append adds events; ids already present are ignored.
func (s *MemoryStore) Append(events ...Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if _, ok := s.events[ev.ID]; ok {
			continue
		}
		s.events[ev.ID] = ev
		s.order = append(s.order, ev.ID)
	}
}

func (s *MemoryStore) Pending(_ context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, id := range s.order {
		ev := s.events[id]
		if ev.PublishedAt != nil {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkPublished(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		ev, ok := s.events[id]
		if !ok || ev.PublishedAt != nil {
			continue
		}
		ts := at.UTC()
		ev.PublishedAt = &ts
		s.events[id] = ev
	}
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.events[id]; ok {
		ev.Attempts++
		s.events[id] = ev
	}
	return nil
}

// Events returns every row for aggregateID in append order, or all rows when empty.
func (s *MemoryStore) Events(aggregateID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, id := range s.order {
		ev := s.events[id]
		if aggregateID == "" || ev.AggregateID == aggregateID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

var _ Store = (*MemoryStore)(nil)
