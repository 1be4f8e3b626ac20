package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinnokio_cache_hits_total",
		Help: "Cache reads served from Redis, by family.",
	}, []string{"family"})

	misses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinnokio_cache_misses_total",
		Help: "Cache reads that fell through to the backend, by family.",
	}, []string{"family"})

	emptyRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinnokio_cache_empty_rejected_total",
		Help: "Cached entries rejected and deleted because they held empty data.",
	}, []string{"family"})

	transportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinnokio_cache_errors_total",
		Help: "Redis transport errors swallowed by the cache layer, by operation.",
	}, []string{"op"})

	invalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinnokio_cache_invalidations_total",
		Help: "Keys removed by write-through invalidation, by family.",
	}, []string{"family"})
)
