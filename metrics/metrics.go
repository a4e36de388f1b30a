// Package metrics registers the Prometheus collectors of the map engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MarkerRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bedriftsgrafen_marker_requests_total",
		Help: "Marker fetches that passed the enabling condition",
	})
	MarkerSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bedriftsgrafen_marker_skipped_total",
		Help: "Marker fetches skipped by the enabling condition",
	})
	MarkerCacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bedriftsgrafen_marker_cache_hits_total",
		Help: "Marker cache hits by tier",
	}, []string{"tier"})
	MarkerCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bedriftsgrafen_marker_cache_misses_total",
		Help: "Marker cache misses",
	})
	MarkerUpstreamTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bedriftsgrafen_marker_upstream_total",
		Help: "Marker upstream calls by outcome",
	}, []string{"outcome"})
	MarkerUpstreamDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bedriftsgrafen_marker_upstream_duration_ms",
		Help:    "Marker upstream call duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})
	MarkerTruncatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bedriftsgrafen_marker_truncated_total",
		Help: "Marker responses capped by the upstream",
	})
	StaleResponsesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bedriftsgrafen_stale_responses_total",
		Help: "Responses discarded because a newer request superseded them",
	})
	IndexBuildDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bedriftsgrafen_index_build_duration_ms",
		Help:    "Cluster index build duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})
	IndexesLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bedriftsgrafen_indexes_loaded",
		Help: "Cluster indexes held in memory",
	})
	StatsRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bedriftsgrafen_stats_requests_total",
		Help: "Geography statistics calls by endpoint and outcome",
	}, []string{"endpoint", "outcome"})
	MapSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bedriftsgrafen_map_sessions",
		Help: "Open websocket map sessions",
	})
)

func init() {
	prometheus.MustRegister(MarkerRequestsTotal)
	prometheus.MustRegister(MarkerSkippedTotal)
	prometheus.MustRegister(MarkerCacheHitsTotal)
	prometheus.MustRegister(MarkerCacheMissesTotal)
	prometheus.MustRegister(MarkerUpstreamTotal)
	prometheus.MustRegister(MarkerUpstreamDurationMs)
	prometheus.MustRegister(MarkerTruncatedTotal)
	prometheus.MustRegister(StaleResponsesTotal)
	prometheus.MustRegister(IndexBuildDurationMs)
	prometheus.MustRegister(IndexesLoaded)
	prometheus.MustRegister(StatsRequestsTotal)
	prometheus.MustRegister(MapSessions)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler { return promhttp.Handler() }
