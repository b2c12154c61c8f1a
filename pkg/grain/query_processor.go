package grain

import "fmt"

// ProcessQuery implements C4: look up the query's handler, validate the
// envelope and payload, and invoke the handler inside an error boundary.
// Mirrors ProcessCommand's first three steps; there is no event-emission
// step, and query handlers are expected to be pure with respect to the
// event store.
func ProcessQuery(gctx *Context) (QueryResult, error) {
	if gctx == nil || gctx.Query == nil {
		return QueryResult{}, NewAnomaly("ProcessQuery", CategoryIncorrect, "query is required")
	}
	q := *gctx.Query

	registry := gctx.QueryRegistry
	if registry == nil {
		registry = DefaultQueryRegistry
	}

	entry, ok := registry.Lookup(q.Name)
	if !ok {
		return QueryResult{}, NotFound("ProcessQuery", "Unknown Query")
	}

	if err := validateEnvelope(q.Name, q.ID, q.Timestamp); err != nil {
		return QueryResult{}, err
	}
	if entry.Validate != nil {
		if err := entry.Validate(q.Payload); err != nil {
			return QueryResult{}, Incorrect("ProcessQuery", "Invalid Query", map[string]any{"error": err.Error()})
		}
	}

	return invokeQueryHandler(gctx, entry.Handler, q)
}

func invokeQueryHandler(gctx *Context, handler QueryHandlerFunc, q QueryRequest) (result QueryResult, err error) {
	if handler == nil {
		return QueryResult{}, Fault("ProcessQuery", "Query handler returned nil", nil)
	}
	defer func() {
		if r := recover(); r != nil {
			err = Fault("ProcessQuery", fmt.Sprintf("Error executing query handler: %v", r), nil)
		}
	}()

	result, handlerErr := handler(gctx, q)
	if handlerErr != nil {
		if a, ok := AsAnomaly(handlerErr); ok {
			return QueryResult{}, a
		}
		return QueryResult{}, Fault("ProcessQuery", fmt.Sprintf("Error executing query handler: %v", handlerErr), handlerErr)
	}
	return result, nil
}
