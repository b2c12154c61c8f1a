// Package httpapi implements the Request Handlers (C7): the HTTP-boundary
// adapter that decodes a wire envelope, stamps an identifier and timestamp,
// dispatches to the Command or Query Processor, and maps the Anomaly
// taxonomy to HTTP status.
//
// The wire format is JSON: a plain {"command": {...}} or {"query": {...}}
// envelope that maps directly onto grain's Go types without an intermediate
// schema layer.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/grainhq/grain/internal/grainlog"
	"github.com/grainhq/grain/internal/metrics"
	"github.com/grainhq/grain/pkg/grain"
)

// Server adapts HTTP requests onto the Command/Query Processor.
type Server struct {
	GrainContext *grain.Context // template context; Command or Query is set on a per-request copy
	log          zerolog.Logger
}

// NewServer builds a Server sharing the given template context's registries,
// event store, and bus across every request.
func NewServer(gctx *grain.Context) *Server {
	return &Server{GrainContext: gctx, log: grainlog.WithComponent("httpapi")}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/command", s.handleCommand)
	mux.HandleFunc("/query", s.handleQuery)
	return mux
}

type envelope struct {
	Command           map[string]any `json:"command"`
	Query             map[string]any `json:"query"`
	AdditionalContext map[string]any `json:"additional_context,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var env envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeAnomaly(w, grain.Incorrect("httpapi.command", "invalid request body", map[string]any{"error": err.Error()}))
		return
	}
	if env.Command == nil {
		writeAnomaly(w, grain.Incorrect("httpapi.command", "missing command envelope", nil))
		return
	}

	name, _ := env.Command["name"].(string)
	payload, err := json.Marshal(env.Command)
	if err != nil {
		writeAnomaly(w, grain.Fault("httpapi.command", "failed to encode command payload", err))
		return
	}

	cmd := grain.Command{
		Name:      name,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	gctx := s.childContext(env.AdditionalContext)
	gctx.Command = &cmd

	result, err := grain.ProcessCommand(gctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.CommandsProcessedTotal.WithLabelValues(name, outcome).Inc()

	if err != nil {
		writeAnomaly(w, err)
		return
	}
	writeSuccess(w, result.Result)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var env envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeAnomaly(w, grain.Incorrect("httpapi.query", "invalid request body", map[string]any{"error": err.Error()}))
		return
	}
	if env.Query == nil {
		writeAnomaly(w, grain.Incorrect("httpapi.query", "missing query envelope", nil))
		return
	}

	name, _ := env.Query["name"].(string)
	payload, err := json.Marshal(env.Query)
	if err != nil {
		writeAnomaly(w, grain.Fault("httpapi.query", "failed to encode query payload", err))
		return
	}

	q := grain.QueryRequest{
		Name:      name,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	gctx := s.childContext(env.AdditionalContext)
	gctx.Query = &q

	result, err := grain.ProcessQuery(gctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.QueriesProcessedTotal.WithLabelValues(name, outcome).Inc()

	if err != nil {
		writeAnomaly(w, err)
		return
	}
	writeSuccess(w, result.Result)
}

// childContext copies the shared template context and merges request-scoped
// additional context (e.g. auth identity) into it.
func (s *Server) childContext(additional map[string]any) *grain.Context {
	base := *s.GrainContext
	if additional != nil {
		merged := make(map[string]any, len(base.Additional)+len(additional))
		for k, v := range base.Additional {
			merged[k] = v
		}
		for k, v := range additional {
			merged[k] = v
		}
		base.Additional = merged
	}
	return &base
}

func writeSuccess(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if result == nil {
		json.NewEncoder(w).Encode("OK")
		return
	}
	json.NewEncoder(w).Encode(result)
}

func writeAnomaly(w http.ResponseWriter, err error) {
	a, ok := grain.AsAnomaly(err)
	if !ok {
		a = grain.Fault("httpapi", err.Error(), err)
	}

	status := statusForCategory(a.Category)
	body := map[string]any{"message": a.Message}
	if a.Category == grain.CategoryIncorrect && a.Explain != nil {
		body["explain"] = a.Explain
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func statusForCategory(c grain.Category) int {
	switch c {
	case grain.CategoryIncorrect:
		return http.StatusBadRequest
	case grain.CategoryForbidden:
		return http.StatusForbidden
	case grain.CategoryNotFound:
		return http.StatusNotFound
	case grain.CategoryConflict:
		return http.StatusConflict
	case grain.CategoryUnavailable, grain.CategoryBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
