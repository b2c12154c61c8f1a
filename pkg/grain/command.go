package grain

import (
	"fmt"
)

// ProcessCommand implements C3: look up the command's handler, validate the
// envelope and payload, invoke the handler inside an error boundary, and
// append any emitted events — unless the caller asked to skip storage so a
// parent command can aggregate a child's events into its own atomic append.
// Validation always runs before the handler, and the handler always runs
// before any append, so a rejected command never produces a partial result.
func ProcessCommand(gctx *Context) (CommandResult, error) {
	if gctx == nil || gctx.Command == nil {
		return CommandResult{}, NewAnomaly("ProcessCommand", CategoryIncorrect, "command is required")
	}
	cmd := *gctx.Command

	registry := gctx.CommandRegistry
	if registry == nil {
		registry = DefaultCommandRegistry
	}

	// 1. Lookup.
	entry, ok := registry.Lookup(cmd.Name)
	if !ok {
		return CommandResult{}, NotFound("ProcessCommand", "Unknown Command")
	}

	// 2. Validate envelope, then the registered schema (if any).
	if err := validateEnvelope(cmd.Name, cmd.ID, cmd.Timestamp); err != nil {
		return CommandResult{}, err
	}
	if entry.Validate != nil {
		if err := entry.Validate(cmd.Payload); err != nil {
			return CommandResult{}, Incorrect("ProcessCommand", "Invalid Command", map[string]any{"error": err.Error()})
		}
	}

	// Optional aggregate-level serialization.
	if len(gctx.Locks) > 0 {
		locker := gctx.Locker
		if locker == nil {
			locker = DefaultLockManager
		}
		release := locker.Acquire(gctx.Locks)
		defer release()
	}

	// 3. Invoke the handler inside an error boundary.
	result, err := invokeCommandHandler(gctx, entry.Handler, cmd)
	if err != nil {
		return CommandResult{}, err
	}

	// 4. Persist emitted events unless the caller asked to skip storage. A
	// handler that set result.AppendCondition gets a compare-and-swap guard
	// on its own append instead of the unconditional Append.
	if len(result.EmittedEvents) > 0 && !gctx.SkipEventStorage {
		if gctx.EventStore == nil {
			return CommandResult{}, Fault("ProcessCommand", "Error storing events", fmt.Errorf("no event store configured"))
		}
		var ids []string
		var appendErr error
		if result.AppendCondition != nil {
			ids, appendErr = gctx.EventStore.AppendIf(gctx.stdContext(), result.EmittedEvents, *result.AppendCondition)
		} else {
			ids, appendErr = gctx.EventStore.Append(gctx.stdContext(), result.EmittedEvents)
		}
		if appendErr != nil {
			if a, ok := AsAnomaly(appendErr); ok {
				return CommandResult{}, a
			}
			return CommandResult{}, Fault("ProcessCommand", "Error storing events", appendErr)
		}
		result.Result = mergeAssignedIDs(result.Result, ids)
	}

	// 5. Return the handler's result.
	return result, nil
}

func invokeCommandHandler(gctx *Context, handler CommandHandlerFunc, cmd Command) (result CommandResult, err error) {
	if handler == nil {
		return CommandResult{}, Fault("ProcessCommand", "Command handler returned nil", nil)
	}
	defer func() {
		if r := recover(); r != nil {
			err = Fault("ProcessCommand", fmt.Sprintf("Error executing command handler: %v", r), nil)
		}
	}()

	result, handlerErr := handler(gctx, cmd)
	if handlerErr != nil {
		if a, ok := AsAnomaly(handlerErr); ok {
			return CommandResult{}, a
		}
		return CommandResult{}, Fault("ProcessCommand", fmt.Sprintf("Error executing command handler: %v", handlerErr), handlerErr)
	}
	if len(result.EmittedEvents) == 0 && result.Result == nil {
		return CommandResult{}, Fault("ProcessCommand", "Command handler returned nil", nil)
	}
	return result, nil
}

// validateEnvelope checks the generic command/query envelope fields: name,
// id, and timestamp must be present.
func validateEnvelope(name, id, timestamp string) error {
	missing := map[string]string{}
	if name == "" {
		missing["name"] = "required"
	}
	if id == "" {
		missing["id"] = "required"
	}
	if timestamp == "" {
		missing["timestamp"] = "required"
	}
	if len(missing) > 0 {
		return Incorrect("ProcessCommand", "Invalid Command", missing)
	}
	return nil
}

// mergeAssignedIDs folds the store-assigned event identifiers into the
// handler's result value without clobbering a non-nil result the handler
// already returned.
func mergeAssignedIDs(result any, ids []string) any {
	if result != nil {
		if m, ok := result.(map[string]any); ok {
			m["event_ids"] = ids
			return m
		}
		return result
	}
	return map[string]any{"event_ids": ids}
}
