package grain

import "context"

// Command is a transient intent to change state: {name, id, timestamp,
// payload}. Commands are never persisted.
type Command struct {
	Name      string
	ID        string
	Timestamp string
	Payload   []byte
}

// Query is a transient request for data, shaped identically to Command.
// Named QueryRequest to avoid colliding with the event-filtering Query type
// in event.go.
type QueryRequest struct {
	Name      string
	ID        string
	Timestamp string
	Payload   []byte
}

// CommandResult is what a command handler returns: optional emitted events
// and an optional result value.
type CommandResult struct {
	EmittedEvents []InputEvent
	Result        any

	// AppendCondition, when set, tells ProcessCommand to persist
	// EmittedEvents via AppendIf instead of Append — a compare-and-swap
	// guard the handler requests rather than an unconditional append.
	AppendCondition *AppendCondition
}

// QueryResult is what a query handler returns.
type QueryResult struct {
	Result any
}

// CommandHandlerFunc handles a validated command and returns a CommandResult
// or an error (ordinarily an *Anomaly).
type CommandHandlerFunc func(ctx *Context, cmd Command) (CommandResult, error)

// QueryHandlerFunc handles a validated query and returns a QueryResult or an
// error.
type QueryHandlerFunc func(ctx *Context, q QueryRequest) (QueryResult, error)

// Context is the structured value threaded through the command, query, and
// reactor pipelines: typed well-known fields plus one open bag for
// application extensions.
type Context struct {
	// Ctx is the standard cancellation/deadline context for the in-flight
	// operation's blocking calls (Append, Read, Publish). Defaults to
	// context.Background() when nil.
	Ctx context.Context

	// Command holds the in-flight command, set by ProcessCommand.
	Command *Command
	// Query holds the in-flight query, set by ProcessQuery.
	Query *QueryRequest
	// Event holds the in-flight event, set by the todo processor before
	// invoking a reactor handler.
	Event *Event

	// EventStore and Bus are the core collaborators every handler needs.
	EventStore EventStore
	Bus        Bus

	// CommandRegistry and QueryRegistry allow per-call override of the
	// process-wide default registries.
	CommandRegistry *Registry[CommandHandlerFunc]
	QueryRegistry   *Registry[QueryHandlerFunc]

	// SkipEventStorage, when true, tells ProcessCommand to return emitted
	// events without appending them — used by a parent handler composing a
	// child command's events into its own atomic append.
	SkipEventStorage bool

	// Locks, when non-empty, tells ProcessCommand to serialize execution
	// against any other command holding an overlapping lock key before
	// invoking the handler.
	Locks []string

	// Locker provides the striped-mutex implementation for Locks. Defaults
	// to a package-wide LockManager when nil.
	Locker *LockManager

	// Additional carries transport-layer or application-specific extras
	// (e.g. an authenticated identity) that don't warrant a dedicated field.
	Additional map[string]any
}

// stdContext returns c.Ctx, defaulting to context.Background().
func (c *Context) stdContext() context.Context {
	if c.Ctx != nil {
		return c.Ctx
	}
	return context.Background()
}

// WithAdditional returns a shallow copy of ctx with key set in Additional.
func (c *Context) WithAdditional(key string, value any) *Context {
	cp := *c
	cp.Additional = make(map[string]any, len(c.Additional)+1)
	for k, v := range c.Additional {
		cp.Additional[k] = v
	}
	cp.Additional[key] = value
	return &cp
}
