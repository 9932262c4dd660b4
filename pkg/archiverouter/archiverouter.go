// Package archiverouter implements the Archive Router: it owns
// the ordered list of provider strategies, drives fallback across them,
// enforces an overall deadline budget, and applies the capture filter
// pipeline to whatever it recovers.
package archiverouter

import (
	"context"
	"time"

	"github.com/archivecore/webarchive/internal/apperrors"
	"github.com/archivecore/webarchive/internal/metrics"
	"github.com/archivecore/webarchive/pkg/capture"
	"github.com/archivecore/webarchive/pkg/capture/filter"
	"github.com/archivecore/webarchive/pkg/strategy"
)

// Preference selects which ordered strategy list QueryUnified uses.
type Preference string

const (
	PreferenceWayback     Preference = "WAYBACK"
	PreferenceCommonCrawl Preference = "COMMON_CRAWL"
	PreferenceHybrid      Preference = "HYBRID"
)

// order maps a preference onto its ordered strategy.Kind fallback sequence.
var order = map[Preference][]strategy.Kind{
	PreferenceWayback:     {strategy.KindPrimaryCDX, strategy.KindSecondary},
	PreferenceCommonCrawl: {strategy.KindPrimaryColumnar, strategy.KindProxiedColumnar, strategy.KindDirectIndex, strategy.KindPrimaryCDX, strategy.KindSecondary},
	PreferenceHybrid:      {strategy.KindPrimaryCDX, strategy.KindPrimaryColumnar, strategy.KindProxiedColumnar, strategy.KindDirectIndex, strategy.KindSecondary},
}

// StrategyOutcome records what happened when the router tried one strategy.
type StrategyOutcome struct {
	Strategy strategy.Kind
	Attempts int
	RowCount int
	Kind     apperrors.Kind // "" on success
	Err      error
}

// Stats is QueryUnified's second return value.
type Stats struct {
	SuccessfulStrategy strategy.Kind
	HadSuccess         bool
	PerStrategyOutcome []StrategyOutcome
}

// AllSourcesFailed is returned when every strategy in the ordered list
// failed.
type AllSourcesFailed struct {
	Outcomes []StrategyOutcome
}

func (e *AllSourcesFailed) Error() string {
	return "all archive sources failed"
}

// Router owns the strategy list and drives fallback across it.
type Router struct {
	strategies map[strategy.Kind]strategy.QueryStrategy
	pipeline   filter.Pipeline
	metrics    *metrics.Registry

	fallbackDisabled bool
	maxAttempts      int
}

// SetFallbackPolicy applies the archive.fallback_enabled /
// archive.max_fallback_attempts configuration: with fallback disabled only
// the first strategy in preference order is tried; maxAttempts > 0 bounds
// how many strategies one query may attempt.
func (r *Router) SetFallbackPolicy(enabled bool, maxAttempts int) {
	r.fallbackDisabled = !enabled
	r.maxAttempts = maxAttempts
}

// New builds a Router from the given strategies (keyed by Kind) and the
// shared filter pipeline applied to every result.
func New(strategies []strategy.QueryStrategy, pipeline filter.Pipeline, reg *metrics.Registry) *Router {
	m := make(map[strategy.Kind]strategy.QueryStrategy, len(strategies))
	for _, s := range strategies {
		m[s.Kind()] = s
	}
	return &Router{strategies: m, pipeline: pipeline, metrics: reg}
}

// QueryUnified drives fallback across the ordered strategy list for
// preference, applying the capture filter pipeline before returning. The
// overall deadline, if ctx carries one, is split evenly across the strategies
// still to try so one slow strategy cannot starve the rest of the fallback
// chain.
func (r *Router) QueryUnified(ctx context.Context, domain string, from, to time.Time, preference Preference) ([]*capture.Capture, Stats, error) {
	kinds, ok := order[preference]
	if !ok {
		kinds = order[PreferenceHybrid]
	}

	stats := Stats{}
	for i, kind := range kinds {
		if len(stats.PerStrategyOutcome) > 0 && r.fallbackDisabled {
			break
		}
		if r.maxAttempts > 0 && len(stats.PerStrategyOutcome) >= r.maxAttempts {
			break
		}
		s, ok := r.strategies[kind]
		if !ok {
			continue
		}

		attemptCtx, cancel := r.budgetedContext(ctx, len(kinds)-i)
		captures, qstats, err := s.Query(attemptCtx, domain, from, to, strategy.Options{})
		cancel()

		if r.metrics != nil {
			r.metrics.BreakerState.WithLabelValues(kind.String()).Set(s.Health().BreakerState.MetricValue())
		}

		outcome := StrategyOutcome{Strategy: kind, Attempts: qstats.Attempts, RowCount: qstats.RowCount}
		if err != nil {
			outcome.Kind = apperrors.GetKind(err)
			outcome.Err = err
			stats.PerStrategyOutcome = append(stats.PerStrategyOutcome, outcome)
			if r.metrics != nil {
				r.metrics.StrategyAttempts.WithLabelValues(kind.String(), "failure").Inc()
			}
			// CLIENT_ERROR ends this strategy's single call immediately
			// but still falls through to the next strategy in the list: a
			// domain absent from one archive may exist in another. Only
			// breaker state distinguishes it from
			// TRANSIENT/UPSTREAM_UNAVAILABLE.
			continue
		}

		stats.PerStrategyOutcome = append(stats.PerStrategyOutcome, outcome)
		stats.SuccessfulStrategy = kind
		stats.HadSuccess = true
		if r.metrics != nil {
			r.metrics.StrategyAttempts.WithLabelValues(kind.String(), "success").Inc()
			r.metrics.StrategyLatency.WithLabelValues(kind.String()).Observe(qstats.Latency.Seconds())
		}

		results := r.pipeline.Apply(captures)
		return filter.KeptOnly(results), stats, nil
	}

	return nil, stats, &AllSourcesFailed{Outcomes: stats.PerStrategyOutcome}
}

// budgetedContext splits ctx's remaining deadline (if any) evenly across
// remaining strategies so the router's overall deadline is respected across
// the whole fallback chain rather than letting every strategy use the full
// remaining time.
func (r *Router) budgetedContext(ctx context.Context, remaining int) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok || remaining <= 0 {
		return context.WithCancel(ctx)
	}
	share := time.Until(deadline) / time.Duration(remaining)
	if share <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, share)
}
