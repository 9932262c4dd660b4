// Package queryrouter implements the Hybrid Query Router: it
// classifies incoming SQL through pkg/queryclassifier, serves cacheable
// results from a two-level cache, admits work under per-priority quotas,
// executes against breaker-guarded OLTP/OLAP pools, runs HYBRID plans as a
// two-stage OLTP-then-OLAP execution, and degrades OLAP outages to OLTP for
// the plan types that permit it.
package queryrouter

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/archivecore/webarchive/internal/apperrors"
	"github.com/archivecore/webarchive/internal/metrics"
	"github.com/archivecore/webarchive/pkg/breaker"
	"github.com/archivecore/webarchive/pkg/queryclassifier"
)

// Config wires a Router.
type Config struct {
	Quotas QuotaConfig

	// Pool breaker policy.
	PoolFailureThreshold uint32
	PoolRecoveryTimeout  time.Duration

	// DegradeTimeSeries allows TIME_SERIES plans to fall back to OLTP when
	// the OLAP breaker is open. Defaults false: a degraded time series is
	// silently wrong rather than visibly unavailable, so opting in is a
	// deliberate choice.
	DegradeTimeSeries bool

	// HybridPKColumns / HybridCorrColumns override the pk and correlation
	// column naming conventions used by two-stage execution.
	HybridPKColumns   map[string]string
	HybridCorrColumns map[string]string
}

// Options carries the per-call routing options.
type Options struct {
	Priority Priority
	UseCache bool
	Context  queryclassifier.Context
}

// Router is the analytics-surface entry point.
type Router struct {
	cfg        Config
	classifier *queryclassifier.Classifier
	oltp       *Pool
	olap       *Pool
	oltpBrk    *breaker.PoolBreaker
	olapBrk    *breaker.PoolBreaker
	admission  *Admission
	cache      *ResultCache
	metrics    *metrics.Registry
	log        logr.Logger
}

// New builds a Router over the two pools. cache may be nil to disable
// result caching entirely.
func New(cfg Config, classifier *queryclassifier.Classifier, oltp, olap *Pool, cache *ResultCache, reg *metrics.Registry, log logr.Logger) *Router {
	if cfg.PoolFailureThreshold == 0 {
		cfg.PoolFailureThreshold = 5
	}
	if cfg.PoolRecoveryTimeout == 0 {
		cfg.PoolRecoveryTimeout = 30 * time.Second
	}
	return &Router{
		cfg:        cfg,
		classifier: classifier,
		oltp:       oltp,
		olap:       olap,
		oltpBrk:    breaker.NewPoolBreaker("oltp", cfg.PoolFailureThreshold, cfg.PoolRecoveryTimeout),
		olapBrk:    breaker.NewPoolBreaker("olap", cfg.PoolFailureThreshold, cfg.PoolRecoveryTimeout),
		admission:  NewAdmission(cfg.Quotas),
		cache:      cache,
		metrics:    reg,
		log:        log,
	}
}

// ErrServiceDegraded is returned when OLAP is unavailable and the plan's
// type permits no safe degradation.
var ErrServiceDegraded = apperrors.New(apperrors.KindServiceDegraded, "analytical engine unavailable and no safe degradation exists")

// Route classifies and executes sql. The
// suspension points are admission, pool checkout, the upstream call, and
// cache I/O; cancellation at any of them unwinds without leaking a slot or
// checkout.
func (r *Router) Route(ctx context.Context, sql string, opts Options) (*ResultStream, error) {
	plan := r.classifier.Analyze(sql, opts.Context)

	useCache := opts.UseCache && plan.CacheAllowed && r.cache != nil
	key := cacheKey(plan.Canonical, string(plan.Target), opts.Context.Key)
	if useCache {
		if rows, level, ok := r.cache.Get(ctx, key); ok {
			if r.metrics != nil {
				r.metrics.CacheHits.WithLabelValues("result", level).Inc()
			}
			s := newResultStream(rows, string(plan.Target))
			s.Cached = true
			return s, nil
		}
		if r.metrics != nil {
			r.metrics.CacheMisses.WithLabelValues("result").Inc()
		}
	}

	release, err := r.admission.Acquire(ctx, opts.Priority)
	if err != nil {
		return nil, err
	}
	defer release()

	started := time.Now()
	stream, err := r.execute(ctx, plan)
	if err != nil {
		return nil, err
	}

	r.classifier.Stats().Record(plan.Tables, int64(stream.Len()), time.Since(started))
	if r.metrics != nil {
		r.metrics.QueryRouted.WithLabelValues(stream.Target).Inc()
		if stream.Degraded {
			r.metrics.QueryDegraded.Inc()
		}
	}

	if plan.Mutating && r.cache != nil {
		r.cache.Invalidate(ctx, plan.Tables)
	}
	if useCache && !stream.Degraded {
		r.cache.Put(ctx, key, stream.rows, plan.Tables)
	}
	return stream, nil
}

func (r *Router) execute(ctx context.Context, plan *queryclassifier.Plan) (*ResultStream, error) {
	switch plan.Target {
	case queryclassifier.TargetOLTP:
		if plan.Mutating {
			return r.executeMutation(ctx, plan)
		}
		rows, err := r.queryPool(ctx, r.oltp, r.oltpBrk, plan.Canonical, nil)
		if err != nil {
			return nil, err
		}
		return newResultStream(rows, string(queryclassifier.TargetOLTP)), nil

	case queryclassifier.TargetOLAP:
		rows, err := r.queryPool(ctx, r.olap, r.olapBrk, plan.Canonical, nil)
		if err == nil {
			return newResultStream(rows, string(queryclassifier.TargetOLAP)), nil
		}
		if apperrors.GetKind(err) == apperrors.KindCircuitOpen {
			return r.degrade(ctx, plan)
		}
		return nil, err

	case queryclassifier.TargetHybrid:
		return r.executeHybrid(ctx, plan)

	default:
		rows, err := r.queryPool(ctx, r.oltp, r.oltpBrk, plan.Canonical, nil)
		if err != nil {
			return nil, err
		}
		return newResultStream(rows, string(queryclassifier.TargetOLTP)), nil
	}
}

func (r *Router) executeMutation(ctx context.Context, plan *queryclassifier.Plan) (*ResultStream, error) {
	engine, releasePool, err := r.oltp.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer releasePool()

	res, err := r.oltpBrk.Execute(func() (any, error) {
		return engine.Exec(ctx, plan.Canonical)
	})
	if err != nil {
		return nil, classifyPoolErr(err, "oltp mutation failed")
	}
	s := newResultStream(nil, string(queryclassifier.TargetOLTP))
	s.RowsAffected = res.(int64)
	return s, nil
}

// executeHybrid runs stage 1 on OLTP to materialize correlation keys, then
// rewrites stage 2 as a parameterized IN-list on OLAP and streams the union.
func (r *Router) executeHybrid(ctx context.Context, plan *queryclassifier.Plan) (*ResultStream, error) {
	stages, err := splitHybrid(plan, r.cfg.HybridPKColumns, r.cfg.HybridCorrColumns)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindClientError, "hybrid plan not executable")
	}

	keyRows, err := r.queryPool(ctx, r.oltp, r.oltpBrk, stages.stage1SQL, nil)
	if err != nil {
		return nil, err
	}
	if len(keyRows) == 0 {
		return newResultStream(nil, string(queryclassifier.TargetHybrid)), nil
	}

	args := make([]any, 0, len(keyRows))
	for _, row := range keyRows {
		for _, v := range row {
			args = append(args, v)
			break // stage 1 projects exactly the pk column
		}
	}

	stage2 := fmt.Sprintf(stages.stage2SQL, inListPlaceholders(len(args)))
	rows, err := r.queryPool(ctx, r.olap, r.olapBrk, stage2, args)
	if err != nil {
		return nil, err
	}
	return newResultStream(rows, string(queryclassifier.TargetHybrid)), nil
}

// degrade reroutes an OLAP-targeted plan to OLTP when the plan type permits
// it.
func (r *Router) degrade(ctx context.Context, plan *queryclassifier.Plan) (*ResultStream, error) {
	switch plan.QueryType {
	case queryclassifier.TypeReporting, queryclassifier.TypeBulkRead:
	case queryclassifier.TypeTimeSeries:
		if !r.cfg.DegradeTimeSeries {
			return nil, ErrServiceDegraded
		}
	default:
		return nil, ErrServiceDegraded
	}

	r.log.Info("degrading analytical query to transactional engine",
		"query_type", string(plan.QueryType))
	rows, err := r.queryPool(ctx, r.oltp, r.oltpBrk, plan.Canonical, nil)
	if err != nil {
		return nil, err
	}
	s := newResultStream(rows, string(queryclassifier.TargetOLTP))
	s.Degraded = true
	return s, nil
}

func (r *Router) queryPool(ctx context.Context, pool *Pool, brk *breaker.PoolBreaker, sql string, args []any) ([]Row, error) {
	engine, releasePool, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer releasePool()

	res, err := brk.Execute(func() (any, error) {
		return engine.Query(ctx, sql, args...)
	})
	if err != nil {
		return nil, classifyPoolErr(err, "engine query failed")
	}
	return res.([]Row), nil
}

// classifyPoolErr maps gobreaker's open-state error onto the module's error
// taxonomy and wraps everything else TRANSIENT.
func classifyPoolErr(err error, msg string) error {
	if _, ok := err.(*apperrors.AppError); ok {
		return err
	}
	if breaker.IsPoolOpenErr(err) {
		return apperrors.Wrap(err, apperrors.KindCircuitOpen, msg)
	}
	return apperrors.Wrap(err, apperrors.KindTransient, msg)
}
