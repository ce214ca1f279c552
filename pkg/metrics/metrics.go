package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "densitymap_fetch_total",
		Help: "Point-set fetch sessions by domain, phase and outcome",
	}, []string{"domain", "phase", "outcome"})
	FetchDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "densitymap_fetch_duration_ms",
		Help:    "Point-set fetch duration in milliseconds",
		Buckets: []float64{5, 20, 50, 100, 200, 500, 1000, 2000, 5000},
	}, []string{"domain", "phase"})
	StaleSuppressedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "densitymap_stale_callbacks_suppressed_total",
		Help: "Callbacks dropped because their run was superseded",
	}, []string{"domain"})
	ViewportSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "densitymap_viewport_skipped_total",
		Help: "Viewport refetches skipped because the subject extent was already covered",
	}, []string{"domain"})
	DeferredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "densitymap_deferred_total",
		Help: "Heatmap runs deferred while a sibling estimate was in flight",
	}, []string{"domain"})
	EstimateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "densitymap_estimate_total",
		Help: "Scalar estimate requests by outcome",
	}, []string{"outcome"})
	PointsServedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "densitymap_points_served_total",
		Help: "Points written by the /points handler",
	}, []string{"domain"})
	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "densitymap_cache_hits_total",
		Help: "Response cache hits by tier",
	}, []string{"tier"})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "densitymap_cache_misses_total",
		Help: "Response cache misses",
	})
)

func init() {
	prometheus.MustRegister(FetchTotal)
	prometheus.MustRegister(FetchDurationMs)
	prometheus.MustRegister(StaleSuppressedTotal)
	prometheus.MustRegister(ViewportSkippedTotal)
	prometheus.MustRegister(DeferredTotal)
	prometheus.MustRegister(EstimateTotal)
	prometheus.MustRegister(PointsServedTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
}

// Handler exposes the registered collectors for scraping at /metrics.
func Handler() http.Handler { return promhttp.Handler() }
