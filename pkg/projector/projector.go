// Package projector implements the Read Model Projector (C6): folding
// events into state with a watermark-driven snapshot cache.
package projector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/grainhq/grain/internal/metrics"
	"github.com/grainhq/grain/pkg/grain"
)

// FoldFunc accumulates one event into state and returns the next state.
// state is json.RawMessage so it can be cached across process restarts
// without requiring the caller to register a codec.
type FoldFunc func(state json.RawMessage, event grain.Event) (json.RawMessage, error)

// Options describes one projection: its fold function, the query it folds
// over, and a (name, version) pair identifying its cache slot.
type Options struct {
	Name    string
	Version int
	Query   grain.Query
	FoldFn  FoldFunc
	// InitialState seeds the fold on a full cache miss. Defaults to a JSON
	// null if unset.
	InitialState json.RawMessage
}

type snapshot struct {
	State     json.RawMessage `json:"state"`
	Watermark string          `json:"watermark"`
}

func cacheKey(name string, version int) []byte {
	return []byte(fmt.Sprintf("projection/%s/v%d", name, version))
}

// Project runs the 6-step projection algorithm: load the cached snapshot
// if any, read events newer than its watermark, fold them in, and write
// the result back according to the amortising policy (always on a cache
// miss, only when at least 10 events were folded on a cache hit).
func Project(ctx context.Context, store grain.EventStore, cache grain.KVStore, opts Options) (json.RawMessage, error) {
	if opts.FoldFn == nil {
		return nil, grain.Incorrect("Project", "fold function is required", nil)
	}

	key := cacheKey(opts.Name, opts.Version)

	state := opts.InitialState
	if state == nil {
		state = json.RawMessage("null")
	}
	watermark := ""
	cacheHit := false

	if cache != nil {
		raw, err := cache.Get(ctx, key)
		if err != nil {
			return nil, grain.Fault("Project", "failed to read snapshot cache", err)
		}
		if raw != nil {
			var snap snapshot
			if err := json.Unmarshal(raw, &snap); err != nil {
				return nil, grain.Fault("Project", "failed to decode cached snapshot", err)
			}
			state = snap.State
			watermark = snap.Watermark
			cacheHit = true
		}
	}

	query := opts.Query
	query.After = watermark

	events, err := store.Read(ctx, query)
	if err != nil {
		return nil, grain.Fault("Project", "failed to read events for projection", err)
	}

	newWatermark := watermark
	for _, e := range events {
		state, err = opts.FoldFn(state, e)
		if err != nil {
			return nil, grain.Fault("Project", fmt.Sprintf("fold failed on event %s", e.ID), err)
		}
		newWatermark = e.ID
	}
	eventCount := len(events)

	if cacheHit {
		metrics.ProjectionCacheHitsTotal.WithLabelValues(opts.Name).Inc()
	} else {
		metrics.ProjectionCacheMissesTotal.WithLabelValues(opts.Name).Inc()
	}

	shouldWriteBack := (!cacheHit) || eventCount >= 10
	if cache != nil && shouldWriteBack {
		raw, err := json.Marshal(snapshot{State: state, Watermark: newWatermark})
		if err != nil {
			return nil, grain.Fault("Project", "failed to encode snapshot", err)
		}
		if err := cache.Put(ctx, key, raw); err != nil {
			return nil, grain.Fault("Project", "failed to write snapshot cache", err)
		}
	}

	return state, nil
}

// ProjectBatch runs Project for each entry of many in turn and returns the
// resulting states keyed by Name. Each projection does its own read of the
// event store, so the states do not come from one shared scan or one
// consistent view of the log.
func ProjectBatch(ctx context.Context, store grain.EventStore, cache grain.KVStore, many []Options) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(many))
	for _, opts := range many {
		state, err := Project(ctx, store, cache, opts)
		if err != nil {
			return nil, err
		}
		out[opts.Name] = state
	}
	return out, nil
}
