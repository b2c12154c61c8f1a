package grain

import "context"

// EventStore is the C1 contract: an ordered, typed, tag-indexed append-only
// log with a publication hook. Concrete backends live in sibling packages
// (pkg/eventstore/memory, pkg/eventstore/postgres) and are constructed
// independently of this interface to avoid import cycles with the Bus they
// publish to.
type EventStore interface {
	// Append validates, assigns identifiers to, and atomically persists a
	// batch of events, followed by one grain/tx marker. Either every event
	// in the batch becomes visible and is published, or none are. Returns
	// the assigned identifiers in the same order as events.
	Append(ctx context.Context, events []InputEvent) ([]string, error)

	// AppendIf is Append guarded by an AppendCondition: the whole batch is
	// rejected with a CategoryConflict anomaly if condition.FailIfEventsMatch
	// has any match after condition.After.
	AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) ([]string, error)

	// Read returns events matching query in ascending identifier order.
	Read(ctx context.Context, query Query) ([]Event, error)

	// CurrentPosition returns the identifier of the last event matching
	// query, or "" if none match. A convenience method building on top of
	// Read.
	CurrentPosition(ctx context.Context, query Query) (string, error)

	// Close releases the backend's own resources. It does not close the Bus
	// the store publishes to; subscriptions stay open until that Bus is
	// closed.
	Close() error
}

// Bus is the C2 contract: topic-keyed fan-out with per-subscriber bounded
// buffering and blocking (no-drop) backpressure.
type Bus interface {
	// Publish computes this message's topic via the bus's topic function and
	// blocks until every matching subscription has accepted it.
	Publish(ctx context.Context, event Event) error

	// Subscribe returns a Subscription backed by a bounded queue for the
	// given topic.
	Subscribe(topic string) Subscription

	// Close unsubscribes and closes every outstanding subscription.
	Close() error
}

// Subscription is a Pub/Sub primitive holding a bounded queue for one topic.
// It is owned by whichever subscriber created it.
type Subscription interface {
	// Topic returns the topic this subscription was created for.
	Topic() string

	// C returns the channel events are delivered on. It is closed when the
	// subscription is unsubscribed or the bus is closed.
	C() <-chan Event

	// Unsubscribe closes the subscription's queue. It does not discard
	// events already buffered; they can still be received from C() before
	// it reports closed. Safe to call more than once.
	Unsubscribe()
}

// KVStore is the C8 contract: a byte-keyed, byte-valued store with no
// cross-key atomicity requirement.
type KVStore interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key []byte, value []byte) error
	Close() error
}
