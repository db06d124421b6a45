package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Redirects counts every redirect served, by tier (edge, origin) and outcome
	// (cache_hit, resolved, auto_assigned, flagged, org_fallback, global_fallback,
	// proxied, diagnostic).
	Redirects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bandtap_redirects_total",
			Help: "Total number of band redirects served",
		},
		[]string{"tier", "outcome"},
	)

	RedirectDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bandtap_redirect_duration_seconds",
			Help:    "Time to resolve a band redirect",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"tier"},
	)

	RouteCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bandtap_route_cache_lookups_total",
			Help: "Route cache lookups by tier and result (hit, miss, error)",
		},
		[]string{"tier", "result"},
	)

	BandsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bandtap_bands_created_total",
			Help: "Bands created on first scan, by create-or-fetch outcome",
		},
		[]string{"outcome"},
	)

	// Recorder
	RecorderSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bandtap_recorder_taps_total",
			Help: "Taps handed to the recorder, by path (queued, inline) and result",
		},
		[]string{"path", "result"},
	)

	RecorderBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bandtap_recorder_backlog",
			Help: "Taps waiting in the in-process recorder buffer",
		},
	)

	// Queue and flush
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bandtap_tap_queue_depth",
			Help: "Pending items in the tap queue at the last flush",
		},
	)

	QueueHighWater = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bandtap_tap_queue_high_water_total",
			Help: "Flush runs that found the queue above its high-water mark",
		},
	)

	FlushItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bandtap_flush_items_total",
			Help: "Queue items processed by the flush worker, by result (flushed, dropped, malformed, requeued)",
		},
		[]string{"result"},
	)

	FlushBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bandtap_flush_batches_total",
			Help: "Flush batches by result (ok, failed)",
		},
		[]string{"result"},
	)

	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bandtap_flush_duration_seconds",
			Help:    "Wall-clock duration of one flush run",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		},
	)

	// Edge proxy
	ProxyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bandtap_edge_proxy_failures_total",
			Help: "Edge to origin proxy failures by reason (network, upstream_5xx, breaker_open)",
		},
		[]string{"reason"},
	)

	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bandtap_edge_breaker_state",
			Help: "Edge to origin circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)
