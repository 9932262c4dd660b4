// Package extract implements the four-tier extractor cascade:
// each tier is tried in order behind its own breaker, the first tier whose
// extracted text clears a configurable minimum length wins, and a global
// rate limiter fronts the archive reach-through tier.
package extract

import (
	"context"
	"time"

	"github.com/archivecore/webarchive/internal/apperrors"
	"github.com/archivecore/webarchive/internal/metrics"
	"github.com/archivecore/webarchive/internal/ratelimit"
	"github.com/archivecore/webarchive/pkg/breaker"
	"github.com/archivecore/webarchive/pkg/capture"
	"github.com/archivecore/webarchive/pkg/fetchcache"
)

// Tier identifies one of the four extraction stages.
type Tier string

const (
	TierStructureAware Tier = "T1"
	TierNewsStyle      Tier = "T2"
	TierGenericHTML    Tier = "T3"
	TierReachThrough   Tier = "T4"
)

// ContentFunc runs one tier's extraction logic over already-fetched bytes.
type ContentFunc func(ctx context.Context, raw []byte, mimeType string) (string, error)

// ReachThroughFunc re-fetches a document through a historical-archive URL
// when the originally fetched bytes failed every other tier.
type ReachThroughFunc func(ctx context.Context, archiveURL string) (raw []byte, mimeType string, err error)

// FetchFunc retrieves the raw bytes for a capture the first time (a cache
// miss). Tiers T1-T3 run against its result; T4 ignores it and re-fetches
// via ReachThroughFunc instead.
type FetchFunc func(ctx context.Context) (raw []byte, mimeType string, err error)

type contentTier struct {
	tier    Tier
	brk     *breaker.Breaker
	extract ContentFunc
}

// TierConfig configures one content tier's breaker thresholds.
type TierConfig struct {
	FailureThreshold  int
	RecoveryTimeout   time.Duration
	HalfOpenMaxProbes int
}

func newBreaker(cfg TierConfig) *breaker.Breaker {
	if cfg.HalfOpenMaxProbes == 0 {
		cfg.HalfOpenMaxProbes = 1
	}
	return breaker.New(breaker.Config{
		FailureThreshold:  cfg.FailureThreshold,
		RecoveryTimeout:   cfg.RecoveryTimeout,
		HalfOpenMaxProbes: cfg.HalfOpenMaxProbes,
	})
}

// Cascade drives the four tiers over one fetched document and caches the
// outcome through C4.
type Cascade struct {
	tiers       []contentTier
	reachBrk    *breaker.Breaker
	reachThrough ReachThroughFunc
	limiter     *ratelimit.Limiter
	minLength   int
	cache       *fetchcache.Cache
	metrics     *metrics.Registry
	version     string
}

// Config wires the four tiers' breakers, the T4 reach-through rate limiter
// and the fetch cache into one Cascade.
type Config struct {
	T1, T2, T3, T4 TierConfig
	MinLength      int
	// RatePerMinute / MinInterval configure T4's global limiter.
	RatePerMinute int
	MinInterval   time.Duration
	ExtractorVersion string
}

// New builds a Cascade. t1, t2 and t3 are the T1-T3 ContentFuncs in tier
// order; reach is T4's reach-through fetcher.
func New(cfg Config, t1, t2, t3 ContentFunc, reach ReachThroughFunc, cache *fetchcache.Cache, reg *metrics.Registry) *Cascade {
	if cfg.RatePerMinute == 0 {
		cfg.RatePerMinute = 15
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = 4 * time.Second
	}
	return &Cascade{
		tiers: []contentTier{
			{TierStructureAware, newBreaker(cfg.T1), t1},
			{TierNewsStyle, newBreaker(cfg.T2), t2},
			{TierGenericHTML, newBreaker(cfg.T3), t3},
		},
		reachBrk:     newBreaker(cfg.T4),
		reachThrough: reach,
		limiter:      ratelimit.New(cfg.RatePerMinute, cfg.MinInterval),
		minLength:    cfg.MinLength,
		cache:        cache,
		metrics:      reg,
		version:      cfg.ExtractorVersion,
	}
}

// Result is one cascade run's outcome.
type Result struct {
	Text     string
	TierUsed Tier
	MimeType string
	Status   int
}

// ErrExtractionFailed is returned (wrapped as apperrors.KindExtractionFailed)
// when every tier, including reach-through, fails to clear the minimum
// length.
var ErrExtractionFailed = apperrors.New(apperrors.KindExtractionFailed, "no tier produced text above the minimum length")

// Extract runs the cascade for one capture, consulting and populating the
// fetch cache so repeat calls for the same (url, timestamp, source) short
// circuit without retrying any tier.
func (c *Cascade) Extract(ctx context.Context, cap *capture.Capture, fetch FetchFunc) (fetchcache.Entry, bool, error) {
	key := fetchcache.Key(cap.OriginalURL, cap.NormalizedTimestamp(), string(cap.Source), c.version)
	entry, cached, err := c.cache.GetOrBuild(ctx, key, func(ctx context.Context) (fetchcache.Entry, error) {
		var result Result
		var ok bool

		raw, mime, fetchErr := fetch(ctx)
		if fetchErr == nil {
			result, ok = c.runContentTiers(ctx, raw, mime)
		}
		// A failed initial fetch or every content tier falling short both
		// reach the same fallback: re-fetch through the archive's own URL
		// form.
		if !ok {
			result, ok = c.runReachThrough(ctx, cap)
		}
		if !ok {
			if c.metrics != nil {
				c.metrics.ExtractionFailures.Inc()
			}
			return fetchcache.Entry{}, ErrExtractionFailed
		}
		if c.metrics != nil {
			c.metrics.ExtractionTierWins.WithLabelValues(string(result.TierUsed)).Inc()
		}
		return fetchcache.Entry{
			Status:      result.Status,
			Mime:        result.MimeType,
			Text:        result.Text,
			ExtractedAt: time.Now(),
			TierUsed:    string(result.TierUsed),
		}, nil
	})
	if err == nil && c.metrics != nil {
		if cached {
			c.metrics.CacheHits.WithLabelValues("fetch", entry.TierUsed).Inc()
		} else {
			c.metrics.CacheMisses.WithLabelValues("fetch").Inc()
		}
	}
	return entry, cached, err
}

func (c *Cascade) runContentTiers(ctx context.Context, raw []byte, mime string) (Result, bool) {
	for _, t := range c.tiers {
		if !t.brk.Allow() {
			continue
		}
		text, err := t.extract(ctx, raw, mime)
		if err != nil {
			t.brk.RecordFailure(apperrors.GetKind(err))
			continue
		}
		if len(text) < c.minLength {
			// below-minimum is not a breaker failure: the extractor worked, the content
			// was just thin.
			continue
		}
		t.brk.RecordSuccess()
		return Result{Text: text, TierUsed: t.tier, MimeType: mime}, true
	}
	return Result{}, false
}

func (c *Cascade) runReachThrough(ctx context.Context, cap *capture.Capture) (Result, bool) {
	if !c.reachBrk.Allow() {
		return Result{}, false
	}
	if err := c.limiter.Wait(ctx); err != nil {
		c.reachBrk.RecordFailure(apperrors.KindDeadlineExceeded)
		return Result{}, false
	}
	raw, mime, err := c.reachThrough(ctx, cap.ArchiveURL())
	if err != nil {
		c.reachBrk.RecordFailure(apperrors.GetKind(err))
		return Result{}, false
	}
	// Reuse the generic HTML tier's extraction logic over the re-fetched
	// bytes; reach-through's job is getting bytes, not re-deriving a parser.
	for _, t := range c.tiers {
		if t.tier != TierGenericHTML {
			continue
		}
		text, err := t.extract(ctx, raw, mime)
		if err != nil || len(text) < c.minLength {
			c.reachBrk.RecordFailure(apperrors.KindExtractionFailed)
			return Result{}, false
		}
		c.reachBrk.RecordSuccess()
		return Result{Text: text, TierUsed: TierReachThrough, MimeType: mime}, true
	}
	return Result{}, false
}
