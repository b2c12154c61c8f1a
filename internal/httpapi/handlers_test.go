package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grainhq/grain/pkg/eventstore/memory"
	"github.com/grainhq/grain/pkg/grain"
)

func newTestServer() (*Server, *memory.Store) {
	store := memory.New(nil)
	commands := grain.NewRegistry[grain.CommandHandlerFunc]()
	commands.Register(grain.Entry[grain.CommandHandlerFunc]{
		Name: "example/create-counter",
		Handler: func(ctx *grain.Context, cmd grain.Command) (grain.CommandResult, error) {
			var payload struct {
				CounterName string `json:"counter_name"`
			}
			_ = json.Unmarshal(cmd.Payload, &payload)
			if payload.CounterName == "" {
				return grain.CommandResult{}, grain.Incorrect("create-counter", "counter_name is required", map[string]any{"missing": "counter_name"})
			}
			return grain.CommandResult{
				EmittedEvents: []grain.InputEvent{grain.NewInputEvent("example/counter-created", nil, cmd.Payload)},
				Result:        map[string]any{"counter_name": payload.CounterName},
			}, nil
		},
	})
	queries := grain.NewRegistry[grain.QueryHandlerFunc]()

	gctx := &grain.Context{EventStore: store, CommandRegistry: commands, QueryRegistry: queries}
	return NewServer(gctx), store
}

func TestHandleCommandHappyPath(t *testing.T) {
	server, store := newTestServer()
	body, _ := json.Marshal(map[string]any{"command": map[string]any{"name": "example/create-counter", "counter_name": "n"}})

	req := httptest.NewRequest("POST", "/command", bytes.NewReader(body))
	w := httptest.NewRecorder()
	server.handleCommand(w, req)

	require.Equal(t, 200, w.Code)

	events, err := store.Read(req.Context(), grain.NewQuery(grain.QueryItem{EventTypes: []string{"example/counter-created"}}))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "example/counter-created", events[0].Type)
}

func TestHandleCommandMissingFieldMapsTo400(t *testing.T) {
	server, _ := newTestServer()
	body, _ := json.Marshal(map[string]any{"command": map[string]any{"name": "example/create-counter"}})

	req := httptest.NewRequest("POST", "/command", bytes.NewReader(body))
	w := httptest.NewRecorder()
	server.handleCommand(w, req)

	assert.Equal(t, 400, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp, "explain")
}

func TestHandleCommandUnknownCommandMapsTo404(t *testing.T) {
	server, _ := newTestServer()
	body, _ := json.Marshal(map[string]any{"command": map[string]any{"name": "unknown/x"}})

	req := httptest.NewRequest("POST", "/command", bytes.NewReader(body))
	w := httptest.NewRecorder()
	server.handleCommand(w, req)

	assert.Equal(t, 404, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Unknown Command", resp["message"])
}

func TestHandleCommandMissingEnvelopeIs400(t *testing.T) {
	server, _ := newTestServer()
	body, _ := json.Marshal(map[string]any{})

	req := httptest.NewRequest("POST", "/command", bytes.NewReader(body))
	w := httptest.NewRecorder()
	server.handleCommand(w, req)

	assert.Equal(t, 400, w.Code)
}
