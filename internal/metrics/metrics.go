// Package metrics registers the Prometheus metrics of the prefetch worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts requests handled by the cache engine, labelled by
	// outcome ("hit", "coalesced", "stored", "miss", "bypass", "uncached",
	// "retry", "error", "recovered").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefetch_requests_total",
			Help: "Total number of requests processed by the cache engine.",
		},
		[]string{"outcome"},
	)

	// UpstreamFetches counts fetches the engine sent upstream.
	UpstreamFetches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prefetch_upstream_fetches_total",
			Help: "Total number of upstream fetches issued by the cache engine.",
		},
	)

	// CacheEntries reports the current size of the cache table.
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prefetch_cache_entries",
			Help: "Number of entries in the cache table.",
		},
	)

	// Sweeps counts size triggered sweeps of expired entries.
	Sweeps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prefetch_sweeps_total",
			Help: "Total number of sweeps of expired cache entries.",
		},
	)

	// SweptEntries counts entries removed by sweeps.
	SweptEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prefetch_swept_entries_total",
			Help: "Total number of expired cache entries removed by sweeps.",
		},
	)

	// Handshakes counts configuration handshakes by result
	// ("success", "already", "error", "timeout").
	Handshakes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefetch_handshakes_total",
			Help: "Total number of configuration handshakes by result.",
		},
		[]string{"result"},
	)
)
