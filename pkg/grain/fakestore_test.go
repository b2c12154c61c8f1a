package grain

import (
	"context"
	"fmt"
	"sync"
)

// fakeStore is a minimal EventStore used to exercise ProcessCommand without
// pulling in pkg/eventstore (which imports pkg/grain, so doing otherwise
// would be a cycle).
type fakeStore struct {
	mu             sync.Mutex
	events         []Event
	nextID         int
	failAppend     error
	appendIfCalled bool
}

func (s *fakeStore) Append(ctx context.Context, events []InputEvent) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend != nil {
		return nil, s.failAppend
	}
	ids := make([]string, 0, len(events))
	for _, e := range events {
		s.nextID++
		id := fmt.Sprintf("%020d", s.nextID)
		s.events = append(s.events, Event{ID: id, Type: e.Type, Body: e.Body, Tags: e.Tags})
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeStore) AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) ([]string, error) {
	s.mu.Lock()
	s.appendIfCalled = true
	if len(condition.FailIfEventsMatch.Items) > 0 {
		for _, e := range s.events {
			if condition.After != "" && e.ID <= condition.After {
				continue
			}
			if condition.FailIfEventsMatch.Matches(e) {
				s.mu.Unlock()
				return nil, Conflict("Append", "append condition violated: events matching query already exist")
			}
		}
	}
	s.mu.Unlock()
	return s.Append(ctx, events)
}

func (s *fakeStore) Read(ctx context.Context, query Query) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if query.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) CurrentPosition(ctx context.Context, query Query) (string, error) {
	events, _ := s.Read(ctx, query)
	if len(events) == 0 {
		return "", nil
	}
	return events[len(events)-1].ID, nil
}

func (s *fakeStore) Close() error { return nil }
