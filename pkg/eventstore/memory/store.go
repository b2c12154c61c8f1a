// Package memory provides an in-process EventStore backed by an ordered
// slice and a tag-based secondary index. A single sync.Mutex critical
// section covers the whole append path, so the append-condition check and
// the insert happen atomically with respect to every other append and read.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grainhq/grain/internal/metrics"
	"github.com/grainhq/grain/pkg/grain"
)

// Store is an in-memory grain.EventStore. Zero value is not usable; use New.
type Store struct {
	mu     sync.Mutex
	events []grain.Event
	// tagIndex maps "kind\x00value" to the indices (into events) of events
	// carrying that tag, in append order. It is maintained on every append;
	// Read and CurrentPosition do not consult it and scan the whole log.
	tagIndex map[string][]int

	bus grain.Bus // optional; if set, published under the same lock as append
}

// New builds an empty in-memory Store. If bus is non-nil, every appended
// batch (including its trailing grain/tx marker) is published to it before
// Append returns, under the same critical section — so a subscriber that
// has observed the event can rely on it already being durably stored.
func New(bus grain.Bus) *Store {
	return &Store{
		tagIndex: make(map[string][]int),
		bus:      bus,
	}
}

func tagKey(t grain.Tag) string {
	return t.Kind + "\x00" + t.Value
}

func (s *Store) Append(ctx context.Context, events []grain.InputEvent) ([]string, error) {
	return s.AppendIf(ctx, events, grain.AppendCondition{})
}

func (s *Store) AppendIf(ctx context.Context, events []grain.InputEvent, condition grain.AppendCondition) ([]string, error) {
	start := time.Now()
	defer func() { metrics.AppendDuration.Observe(time.Since(start).Seconds()) }()

	if len(events) == 0 {
		return nil, grain.Incorrect("Append", "events must not be empty", nil)
	}
	for i, e := range events {
		if e.Type == "" {
			return nil, grain.Incorrect("Append", fmt.Sprintf("event at index %d has empty type", i), nil)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(condition.FailIfEventsMatch.Items) > 0 {
		if s.hasMatchLocked(condition.FailIfEventsMatch, condition.After) {
			return nil, grain.Conflict("Append", "append condition violated: events matching query already exist")
		}
	}

	now := time.Now().UTC()
	ids := make([]string, 0, len(events))
	appended := make([]grain.Event, 0, len(events)+1)
	for _, in := range events {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, grain.Fault("Append", "failed to assign event id", err)
		}
		ev := grain.Event{
			ID:        id.String(),
			Type:      in.Type,
			Timestamp: now,
			Body:      in.Body,
			Tags:      in.Tags,
		}
		appended = append(appended, ev)
		ids = append(ids, ev.ID)
	}

	marker, err := uuid.NewV7()
	if err != nil {
		return nil, grain.Fault("Append", "failed to assign transaction marker id", err)
	}
	appended = append(appended, grain.Event{ID: marker.String(), Type: grain.TxMarkerType, Timestamp: now})

	for _, ev := range appended {
		idx := len(s.events)
		s.events = append(s.events, ev)
		for _, tag := range ev.Tags {
			key := tagKey(tag)
			s.tagIndex[key] = append(s.tagIndex[key], idx)
		}
	}
	for _, in := range events {
		metrics.EventsAppendedTotal.WithLabelValues(in.Type).Inc()
	}

	if s.bus != nil {
		for _, ev := range appended {
			if err := s.bus.Publish(ctx, ev); err != nil {
				return nil, grain.Fault("Append", "failed to publish appended event", err)
			}
		}
	}

	return ids, nil
}

func (s *Store) hasMatchLocked(query grain.Query, after string) bool {
	for _, ev := range s.events {
		if after != "" && ev.ID <= after {
			continue
		}
		if query.Matches(ev) {
			return true
		}
	}
	return false
}

// Read returns events matching query in ascending id order. An empty query
// matches every event, including grain/tx markers; callers that want only
// domain events filter markers out themselves.
func (s *Store) Read(ctx context.Context, query grain.Query) ([]grain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []grain.Event
	for _, ev := range s.events {
		if query.After != "" && ev.ID <= query.After {
			continue
		}
		if query.Before != "" && ev.ID > query.Before {
			continue
		}
		if !query.Matches(ev) {
			continue
		}
		out = append(out, ev)
		if query.Limit > 0 && len(out) >= query.Limit {
			break
		}
	}
	return out, nil
}

// CurrentPosition returns the identifier of the last event matching query,
// used to seed append conditions against a specific decision model.
func (s *Store) CurrentPosition(ctx context.Context, query grain.Query) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last string
	for _, ev := range s.events {
		if !query.Matches(ev) {
			continue
		}
		last = ev.ID
	}
	return last, nil
}

func (s *Store) Close() error { return nil }
