package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus counters for the code cache.
type Metrics struct {
	hits    prometheus.Counter
	misses  prometheus.Counter
	partial prometheus.Counter
	writes  prometheus.Counter
}

// NewMetrics creates the cache counters and registers them with reg when it
// is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codeflow",
			Subsystem: "code_cache",
			Name:      "hits_total",
			Help:      "Lookups served from the cache.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codeflow",
			Subsystem: "code_cache",
			Name:      "misses_total",
			Help:      "Lookups that required full preparation.",
		}),
		partial: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codeflow",
			Subsystem: "code_cache",
			Name:      "partial_total",
			Help:      "Lookups that found an incomplete artifact set.",
		}),
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codeflow",
			Subsystem: "code_cache",
			Name:      "writes_total",
			Help:      "Artifact sets written to the cache.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.partial, m.writes)
	}
	return m
}
