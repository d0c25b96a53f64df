package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DedupLookupsTotal counts dedup cache lookups by result ("hit", "miss").
	DedupLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pump_dedup_lookups_total",
			Help: "Total number of dedup cache lookups",
		},
		[]string{"result"},
	)

	// FetchRequestsTotal counts pump endpoint requests by kind and status.
	FetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pump_fetch_requests_total",
			Help: "Total number of requests sent to the pump endpoint",
		},
		[]string{"kind", "status"},
	)

	// FetchRetriesTotal counts retried fetch attempts.
	FetchRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pump_fetch_retries_total",
			Help: "Total number of retried pump endpoint requests",
		},
	)

	// FetchDurationSeconds measures pump endpoint latency.
	FetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pump_fetch_duration_seconds",
			Help:    "Duration of pump endpoint requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// CyclesTotal counts refetch cycles by outcome ("updated", "unchanged").
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pump_cycles_total",
			Help: "Total number of live refetch cycles",
		},
		[]string{"outcome"},
	)

	// QueryOutcomesTotal counts per-query cycle results
	// ("changed", "unchanged", "skipped", "failed").
	QueryOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pump_query_outcomes_total",
			Help: "Total number of per-query refetch outcomes",
		},
		[]string{"outcome"},
	)

	// PokesTotal counts push events by disposition ("fanned_out", "ignored").
	PokesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pump_pokes_total",
			Help: "Total number of poke events received on the push channel",
		},
		[]string{"disposition"},
	)

	// MountedEngines tracks engines currently registered with the subscriber.
	MountedEngines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pump_mounted_engines",
			Help: "Number of live sync engines registered for invalidation",
		},
	)

	// ChannelConnectsTotal counts push channel connection attempts by status.
	ChannelConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pump_channel_connects_total",
			Help: "Total number of push channel connection attempts",
		},
		[]string{"status"},
	)

	// ChannelReconnectsTotal counts push channel reconnects after a dropped
	// connection.
	ChannelReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pump_channel_reconnects_total",
			Help: "Total number of push channel reconnects",
		},
	)

	// RenderFailuresTotal counts failed render callbacks by mode.
	RenderFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pump_render_failures_total",
			Help: "Total number of render callback failures",
		},
		[]string{"mode"},
	)
)
