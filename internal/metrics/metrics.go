// Package metrics registers the Prometheus collectors grain exposes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grain_events_appended_total",
			Help: "Total number of events appended to the event store, by type",
		},
		[]string{"type"},
	)

	AppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "grain_append_duration_seconds",
			Help:    "Time taken to append a batch of events",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommandsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grain_commands_processed_total",
			Help: "Total number of commands processed, by command name and outcome",
		},
		[]string{"command", "outcome"},
	)

	QueriesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grain_queries_processed_total",
			Help: "Total number of queries processed, by query name and outcome",
		},
		[]string{"query", "outcome"},
	)

	// ReactorEventsHandledTotal tracks per-processor throughput.
	ReactorEventsHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grain_reactor_events_handled_total",
			Help: "Total number of events handled by a Todo Processor, by processor name and outcome",
		},
		[]string{"processor", "outcome"},
	)

	ReactorHandleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grain_reactor_handle_duration_seconds",
			Help:    "Time taken by a Todo Processor to handle one event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"processor"},
	)

	ReactorQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grain_reactor_queue_depth",
			Help: "Number of events currently buffered in a Todo Processor's subscription",
		},
		[]string{"processor"},
	)

	ProjectionCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grain_projection_cache_hits_total",
			Help: "Total number of read-model projections served with a cached snapshot, by projection name",
		},
		[]string{"projection"},
	)

	ProjectionCacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grain_projection_cache_misses_total",
			Help: "Total number of read-model projections with no usable cached snapshot, by projection name",
		},
		[]string{"projection"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsAppendedTotal,
		AppendDuration,
		CommandsProcessedTotal,
		QueriesProcessedTotal,
		ReactorEventsHandledTotal,
		ReactorHandleDuration,
		ReactorQueueDepth,
		ProjectionCacheHitsTotal,
		ProjectionCacheMissesTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
