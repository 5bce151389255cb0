package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/turnstile-solver/internal/store"
)

// EventStore keeps task lifecycle events in memory.
type EventStore struct {
	mu     sync.RWMutex
	events map[string][]store.TaskEvent
}

// NewEventStore constructs an EventStore.
func NewEventStore() *EventStore {
	return &EventStore{events: make(map[string][]store.TaskEvent)}
}

// AppendEvents records the batch in order.
func (s *EventStore) AppendEvents(_ context.Context, events []store.TaskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range events {
		s.events[evt.TaskID] = append(s.events[evt.TaskID], evt)
	}
	return nil
}

// ListEvents returns a copy of the task's events, oldest first.
func (s *EventStore) ListEvents(_ context.Context, taskID string, limit, offset int) ([]store.TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events, ok := s.events[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if offset >= len(events) {
		return []store.TaskEvent{}, nil
	}
	end := len(events)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]store.TaskEvent, end-offset)
	copy(out, events[offset:end])
	return out, nil
}
