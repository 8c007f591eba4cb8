package metrics
import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)
var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastel_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastel_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	PasteUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastel_paste_updated_total",
		Help: "no. of pastes updated",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastel_paste_deleted_total",
		Help: "no. of pastes deleted",
	})
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastel_cache_hits_total",
			Help: "no. of cache hits",
		},
		[]string{"cache"},
	)
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastel_cache_misses_total",
			Help: "no. of cache misses",
		},
		[]string{"cache"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastel_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastel_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	StoreQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastel_store_queue_depth",
		Help: "pending commands waiting for the store loop",
	})
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastel_store_operation_duration_seconds",
			Help:    "time spent executing a store command",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	Searches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastel_searches_total",
			Help: "no. of searches by outcome",
		},
		[]string{"outcome"},
	)
	SearchResults = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pastel_search_results",
		Help:    "no. of results returned per search",
		Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
	})
	EmbeddingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pastel_embedding_duration_seconds",
		Help:    "embedding provider latency",
		Buckets: prometheus.DefBuckets,
	})
	ReindexOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastel_reindex_operations_total",
			Help: "no. of re-index jobs by result",
		},
		[]string{"result"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastel_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
func Init() {
}
