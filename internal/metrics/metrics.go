// Package metrics centralizes the prometheus collectors shared across
// components.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the collectors every component registers against at
// construction time, so a single *prometheus.Registry can be exposed on one
// /metrics endpoint regardless of which components are wired into a given
// binary.
type Registry struct {
	reg *prometheus.Registry

	StrategyAttempts    *prometheus.CounterVec
	StrategyLatency     *prometheus.HistogramVec
	BreakerState        *prometheus.GaugeVec
	CacheHits           *prometheus.CounterVec
	CacheMisses         *prometheus.CounterVec
	ExtractionTierWins  *prometheus.CounterVec
	ExtractionFailures  prometheus.Counter
	SyncLagSeconds       prometheus.Gauge
	SyncEventsApplied    *prometheus.CounterVec
	QueryRouted          *prometheus.CounterVec
	QueryDegraded        prometheus.Counter
}

// New constructs and registers the shared collector set on a fresh
// registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		StrategyAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archivecore", Subsystem: "router", Name: "strategy_attempts_total",
			Help: "Attempts per archive provider strategy by outcome.",
		}, []string{"strategy", "outcome"}),
		StrategyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "archivecore", Subsystem: "router", Name: "strategy_latency_seconds",
			Help: "Strategy query latency.", Buckets: prometheus.DefBuckets,
		}, []string{"strategy"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "archivecore", Subsystem: "breaker", Name: "state",
			Help: "Breaker state (0=closed,1=half_open,2=open).",
		}, []string{"name"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archivecore", Subsystem: "cache", Name: "hits_total",
			Help: "Cache hits by cache and tier.",
		}, []string{"cache", "tier"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archivecore", Subsystem: "cache", Name: "misses_total",
			Help: "Cache misses by cache.",
		}, []string{"cache"}),
		ExtractionTierWins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archivecore", Subsystem: "extract", Name: "tier_wins_total",
			Help: "Extraction wins by tier.",
		}, []string{"tier"}),
		ExtractionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "archivecore", Subsystem: "extract", Name: "failures_total",
			Help: "Documents where every tier failed the minimum text length.",
		}),
		SyncLagSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "archivecore", Subsystem: "sync", Name: "staleness_seconds",
			Help: "Observed OLAP staleness relative to the newest acknowledged seq.",
		}),
		SyncEventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archivecore", Subsystem: "sync", Name: "events_applied_total",
			Help: "Change events applied by op.",
		}, []string{"op"}),
		QueryRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archivecore", Subsystem: "queryrouter", Name: "routed_total",
			Help: "Queries routed by target engine.",
		}, []string{"target"}),
		QueryDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "archivecore", Subsystem: "queryrouter", Name: "degraded_total",
			Help: "Queries that executed in degraded mode.",
		}),
	}
	reg.MustRegister(
		r.StrategyAttempts, r.StrategyLatency, r.BreakerState,
		r.CacheHits, r.CacheMisses, r.ExtractionTierWins, r.ExtractionFailures,
		r.SyncLagSeconds, r.SyncEventsApplied, r.QueryRouted, r.QueryDegraded,
	)
	return r
}

func (r *Registry) Registry() *prometheus.Registry { return r.reg }
