// Package pubsub provides the C2 in-process event bus: topic-keyed fan-out
// over bounded per-subscriber channels with blocking backpressure.
//
// Publish blocks until every matching subscriber has room on its channel,
// rather than dropping the event, so a slow Todo Processor applies
// backpressure to Append instead of silently missing events.
package pubsub

import (
	"context"
	"sync"

	"github.com/grainhq/grain/pkg/grain"
)

// DefaultBufferSize is the per-subscriber channel capacity used when a
// caller does not specify one.
const DefaultBufferSize = 1024

// TopicFunc computes the topic a published event routes to. The default
// groups by event type.
type TopicFunc func(grain.Event) string

// DefaultTopicFunc routes events by their Type.
func DefaultTopicFunc(e grain.Event) string { return e.Type }

// Bus is a topic-keyed, blocking-backpressure implementation of grain.Bus.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]map[*subscription]struct{}
	topicFunc  TopicFunc
	bufferSize int
	closed     bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber channel capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) { b.bufferSize = n }
}

// WithTopicFunc overrides how a published event's topic is computed.
func WithTopicFunc(f TopicFunc) Option {
	return func(b *Bus) { b.topicFunc = f }
}

// New builds an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[string]map[*subscription]struct{}),
		topicFunc:  DefaultTopicFunc,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish blocks until every subscription on this event's topic has
// accepted it, or ctx is done. Safe for concurrent use and for concurrent
// use with Subscribe/Unsubscribe.
func (b *Bus) Publish(ctx context.Context, e grain.Event) error {
	topic := b.topicFunc(e)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return grain.Fault("Publish", "bus is closed", nil)
	}
	targets := make([]*subscription, 0, len(b.subs[topic]))
	for s := range b.subs[topic] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- e:
		case <-s.done:
			// subscriber unsubscribed while we were blocked on it; move on.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe returns a Subscription backed by a bounded channel for topic.
func (b *Bus) Subscribe(topic string) grain.Subscription {
	s := &subscription{
		topic: topic,
		ch:    make(chan grain.Event, b.bufferSize),
		done:  make(chan struct{}),
		bus:   b,
	}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscription]struct{})
	}
	b.subs[topic][s] = struct{}{}
	b.mu.Unlock()

	return s
}

// Close unsubscribes and closes every outstanding subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			s.closeLocked()
		}
	}
	b.subs = make(map[string]map[*subscription]struct{})
	return nil
}

type subscription struct {
	topic    string
	ch       chan grain.Event
	done     chan struct{}
	bus      *Bus
	closeOne sync.Once
}

func (s *subscription) Topic() string            { return s.topic }
func (s *subscription) C() <-chan grain.Event     { return s.ch }

func (s *subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if set, ok := s.bus.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.topic)
		}
	}
	s.closeLocked()
}

// closeLocked closes the done and data channels. Caller must hold bus.mu.
func (s *subscription) closeLocked() {
	s.closeOne.Do(func() {
		close(s.done)
		close(s.ch)
	})
}
