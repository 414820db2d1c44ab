package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hastypaste_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hastypaste_paste_retrieved_total",
			Help: "no. of paste reads served, by form",
		},
		[]string{"form"},
	)
	PasteRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hastypaste_paste_removed_total",
			Help: "no. of pastes removed from durable storage",
		},
		[]string{"reason"},
	)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hastypaste_cache_hits_total",
			Help: "no. of cache hits per level and field",
		},
		[]string{"level", "field"},
	)
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hastypaste_cache_misses_total",
			Help: "no. of cache misses per level and field",
		},
		[]string{"level", "field"},
	)
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hastypaste_cache_errors_total",
			Help: "no. of failed cache operations, recovered as miss or skipped write",
		},
		[]string{"level", "op"},
	)
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hastypaste_store_errors_total",
			Help: "no. of durable store failures",
		},
		[]string{"backend", "op"},
	)
	RenderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hastypaste_render_duration_seconds",
			Help:    "time spent highlighting paste content",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"lexer"},
	)
	BackgroundTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hastypaste_background_tasks_total",
			Help: "background tasks by outcome",
		},
		[]string{"outcome"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hastypaste_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hastypaste_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hastypaste_prune_cycles_total",
		Help: "no. of cleanup worker cycles",
	})
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hastypaste_circuit_state",
			Help: "circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hastypaste_recent_error_rate_percent",
		Help: "server error rate over the last 5 minutes",
	})
)
