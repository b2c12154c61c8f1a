package grain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createCounterHandler(ctx *Context, cmd Command) (CommandResult, error) {
	return CommandResult{
		EmittedEvents: []InputEvent{
			NewInputEvent("example/counter-created", []Tag{NewTag("counter_id", "abc")}, []byte(`{"name":"n"}`)),
		},
		Result: map[string]any{"counter_id": "abc"},
	}, nil
}

func newTestCommandContext(store EventStore) *Context {
	registry := NewRegistry[CommandHandlerFunc]()
	registry.Register(Entry[CommandHandlerFunc]{Name: "example/create-counter", Handler: createCounterHandler})
	return &Context{
		EventStore:      store,
		CommandRegistry: registry,
	}
}

func TestProcessCommandHappyPath(t *testing.T) {
	store := &fakeStore{}
	ctx := newTestCommandContext(store)
	ctx.Command = &Command{Name: "example/create-counter", ID: "id-1", Timestamp: time.Now().UTC().Format(time.RFC3339), Payload: []byte(`{"name":"n"}`)}

	result, err := ProcessCommand(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", result.Result.(map[string]any)["counter_id"])

	events, _ := store.Read(nil, Query{})
	require.Len(t, events, 1)
	assert.Equal(t, "example/counter-created", events[0].Type)
}

func TestProcessCommandMissingField(t *testing.T) {
	store := &fakeStore{}
	ctx := newTestCommandContext(store)
	ctx.Command = &Command{Name: "example/create-counter", Timestamp: time.Now().UTC().Format(time.RFC3339)}

	_, err := ProcessCommand(ctx)
	require.Error(t, err)
	a, ok := AsAnomaly(err)
	require.True(t, ok)
	assert.Equal(t, CategoryIncorrect, a.Category)
}

func TestProcessCommandUnknownCommand(t *testing.T) {
	ctx := newTestCommandContext(&fakeStore{})
	ctx.Command = &Command{Name: "unknown/x", ID: "id", Timestamp: time.Now().UTC().Format(time.RFC3339)}

	_, err := ProcessCommand(ctx)
	require.Error(t, err)
	a, ok := AsAnomaly(err)
	require.True(t, ok)
	assert.Equal(t, CategoryNotFound, a.Category)
	assert.Equal(t, "Unknown Command", a.Message)
}

func TestProcessCommandSkipEventStorageIsIdempotentForTheStore(t *testing.T) {
	store := &fakeStore{}
	ctx := newTestCommandContext(store)
	ctx.SkipEventStorage = true
	ctx.Command = &Command{Name: "example/create-counter", ID: "id-1", Timestamp: time.Now().UTC().Format(time.RFC3339)}

	result, err := ProcessCommand(ctx)
	require.NoError(t, err)
	assert.Len(t, result.EmittedEvents, 1, "events are still returned to the caller")

	events, _ := store.Read(nil, Query{})
	assert.Empty(t, events, "but never appended when SkipEventStorage is set")
}

func TestProcessCommandHandlerPanicBecomesFault(t *testing.T) {
	registry := NewRegistry[CommandHandlerFunc]()
	registry.Register(Entry[CommandHandlerFunc]{Name: "boom", Handler: func(ctx *Context, cmd Command) (CommandResult, error) {
		panic("kaboom")
	}})
	ctx := &Context{EventStore: &fakeStore{}, CommandRegistry: registry}
	ctx.Command = &Command{Name: "boom", ID: "id", Timestamp: time.Now().UTC().Format(time.RFC3339)}

	_, err := ProcessCommand(ctx)
	require.Error(t, err)
	a, ok := AsAnomaly(err)
	require.True(t, ok)
	assert.Equal(t, CategoryFault, a.Category)
}

func TestProcessCommandNilHandlerResultIsFault(t *testing.T) {
	registry := NewRegistry[CommandHandlerFunc]()
	registry.Register(Entry[CommandHandlerFunc]{Name: "empty", Handler: func(ctx *Context, cmd Command) (CommandResult, error) {
		return CommandResult{}, nil
	}})
	ctx := &Context{EventStore: &fakeStore{}, CommandRegistry: registry}
	ctx.Command = &Command{Name: "empty", ID: "id", Timestamp: time.Now().UTC().Format(time.RFC3339)}

	_, err := ProcessCommand(ctx)
	require.Error(t, err)
	a, _ := AsAnomaly(err)
	assert.Equal(t, CategoryFault, a.Category)
	assert.Contains(t, a.Message, "nil")
}

func TestProcessCommandStoreFailureBecomesFault(t *testing.T) {
	store := &fakeStore{failAppend: NewAnomaly("append", CategoryFault, "disk full")}
	ctx := newTestCommandContext(store)
	ctx.Command = &Command{Name: "example/create-counter", ID: "id", Timestamp: time.Now().UTC().Format(time.RFC3339)}

	_, err := ProcessCommand(ctx)
	require.Error(t, err)
	a, _ := AsAnomaly(err)
	assert.Equal(t, CategoryFault, a.Category)
}

func TestProcessCommandUsesAppendIfWhenHandlerRequestsACondition(t *testing.T) {
	registry := NewRegistry[CommandHandlerFunc]()
	registry.Register(Entry[CommandHandlerFunc]{Name: "guarded", Handler: func(ctx *Context, cmd Command) (CommandResult, error) {
		return CommandResult{
			EmittedEvents: []InputEvent{NewInputEvent("Guarded", nil, nil)},
			AppendCondition: &AppendCondition{
				FailIfEventsMatch: NewQuery(QueryItem{EventTypes: []string{"Guarded"}}),
			},
		}, nil
	}})
	store := &fakeStore{}
	ctx := &Context{EventStore: store, CommandRegistry: registry}
	ctx.Command = &Command{Name: "guarded", ID: "id-1", Timestamp: time.Now().UTC().Format(time.RFC3339)}

	_, err := ProcessCommand(ctx)
	require.NoError(t, err)
	assert.True(t, store.appendIfCalled, "ProcessCommand should call AppendIf when the handler sets an AppendCondition")

	ctx.Command = &Command{Name: "guarded", ID: "id-2", Timestamp: time.Now().UTC().Format(time.RFC3339)}
	_, err = ProcessCommand(ctx)
	require.Error(t, err, "a second guarded append matching the same condition should be rejected as a conflict")
	a, ok := AsAnomaly(err)
	require.True(t, ok)
	assert.Equal(t, CategoryConflict, a.Category)
}

func TestProcessCommandHandlerReturnedAnomalyIsForwarded(t *testing.T) {
	registry := NewRegistry[CommandHandlerFunc]()
	registry.Register(Entry[CommandHandlerFunc]{Name: "conflicting", Handler: func(ctx *Context, cmd Command) (CommandResult, error) {
		return CommandResult{}, Conflict("handler", "counter already exists")
	}})
	ctx := &Context{EventStore: &fakeStore{}, CommandRegistry: registry}
	ctx.Command = &Command{Name: "conflicting", ID: "id", Timestamp: time.Now().UTC().Format(time.RFC3339)}

	_, err := ProcessCommand(ctx)
	require.Error(t, err)
	a, _ := AsAnomaly(err)
	assert.Equal(t, CategoryConflict, a.Category)
}
