// Package memory provides in-memory implementations of storage ports.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/geometer/domain/usage"
	"github.com/artpar/geometer/ports"
)

// EventStore is an in-memory implementation of ports.EventStore.
// Events are held in arrival order; list operations sort on the way out.
type EventStore struct {
	mu     sync.RWMutex
	events []usage.Event
	seen   map[string]struct{}
}

// NewEventStore creates a new in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{
		events: make([]usage.Event, 0),
		seen:   make(map[string]struct{}),
	}
}

// Append stores a usage event, deduplicating by request ID.
func (s *EventStore) Append(ctx context.Context, e usage.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[e.RequestID]; ok {
		return false, nil
	}
	s.seen[e.RequestID] = struct{}{}
	s.events = append(s.events, e)
	return true, nil
}

// ListSince returns events with timestamp >= since, oldest first.
func (s *EventStore) ListSince(ctx context.Context, since time.Time) ([]usage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matching []usage.Event
	for _, e := range s.events {
		if !e.Timestamp.Before(since) {
			matching = append(matching, e)
		}
	}
	sortByTimestamp(matching)
	return matching, nil
}

// ListRange returns events within [start, end), oldest first.
func (s *EventStore) ListRange(ctx context.Context, start, end time.Time) ([]usage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matching []usage.Event
	for _, e := range s.events {
		if !e.Timestamp.Before(start) && e.Timestamp.Before(end) {
			matching = append(matching, e)
		}
	}
	sortByTimestamp(matching)
	return matching, nil
}

// ListByUser returns a user's events within [start, end), oldest first.
func (s *EventStore) ListByUser(ctx context.Context, userID string, start, end time.Time) ([]usage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matching []usage.Event
	for _, e := range s.events {
		if e.UserID == userID && !e.Timestamp.Before(start) && e.Timestamp.Before(end) {
			matching = append(matching, e)
		}
	}
	sortByTimestamp(matching)
	return matching, nil
}

// CountSince returns the number of events with timestamp >= since.
func (s *EventStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, e := range s.events {
		if !e.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

// DeleteBefore removes events older than cutoff.
func (s *EventStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var deleted int64
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			delete(s.seen, e.RequestID)
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return deleted, nil
}

// Len returns the number of stored events (for testing).
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Clear removes all events (for testing).
func (s *EventStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make([]usage.Event, 0)
	s.seen = make(map[string]struct{})
}

func sortByTimestamp(events []usage.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}

// Ensure interface compliance.
var _ ports.EventStore = (*EventStore)(nil)
