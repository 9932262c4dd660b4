// Package strategy implements the QueryStrategy contract: one
// named path to obtain Captures from some archive, each wrapped in its own
// circuit breaker, never retrying silently more than once per call.
package strategy

import (
	"context"
	"time"

	"github.com/archivecore/webarchive/internal/apperrors"
	"github.com/archivecore/webarchive/pkg/breaker"
	"github.com/archivecore/webarchive/pkg/capture"
)

// Kind identifies a strategy.
type Kind int

const (
	KindPrimaryCDX Kind = iota
	KindPrimaryColumnar
	KindProxiedColumnar
	KindDirectIndex
	KindSecondary
)

func (k Kind) String() string {
	switch k {
	case KindPrimaryCDX:
		return "PRIMARY_CDX"
	case KindPrimaryColumnar:
		return "PRIMARY_COLUMNAR"
	case KindProxiedColumnar:
		return "PROXIED_COLUMNAR"
	case KindDirectIndex:
		return "DIRECT_INDEX"
	case KindSecondary:
		return "SECONDARY"
	default:
		return "UNKNOWN"
	}
}

// Options carries the per-call query options.
type Options struct {
	ResumeKey string
	Limit     int
}

// Stats summarizes the outcome of one Query call.
type Stats struct {
	Attempts  int
	Latency   time.Duration
	RowCount  int
}

// Health reports a strategy's current health.
type Health struct {
	Healthy      bool
	BreakerState breaker.State
	AvgLatencyMs float64
}

// QueryStrategy is the uniform contract every provider access path
// implements.
type QueryStrategy interface {
	Kind() Kind
	Query(ctx context.Context, domain string, from, to time.Time, opts Options) ([]*capture.Capture, Stats, error)
	Health() Health
}

// base bundles the fields every strategy embeds: its breaker and a running
// latency average, so each concrete strategy only implements Query.
type base struct {
	kind Kind
	brk  *breaker.Breaker
	lat  latencyTracker
}

func newBase(kind Kind, brk *breaker.Breaker) base {
	b := base{kind: kind, brk: brk}
	b.lat.guard = make(chan struct{}, 1)
	b.lat.guard <- struct{}{}
	return b
}

func (b *base) Kind() Kind { return b.kind }

func (b *base) Health() Health {
	return Health{
		Healthy:      b.brk.State() != breaker.Open,
		BreakerState: b.brk.State(),
		AvgLatencyMs: b.lat.average(),
	}
}

func (b *base) recordLatency(d time.Duration) {
	b.lat.record(d)
}

// latencyTracker keeps a simple exponential moving average, internally
// synchronized since Health() may be called concurrently with Query(). The
// guard channel is created by newBase so first use never races.
type latencyTracker struct {
	avgMs  float64
	inited bool
	guard  chan struct{}
}

func (t *latencyTracker) record(d time.Duration) {
	<-t.guard
	ms := float64(d.Milliseconds())
	if !t.inited {
		t.avgMs = ms
		t.inited = true
	} else {
		t.avgMs = t.avgMs*0.8 + ms*0.2
	}
	t.guard <- struct{}{}
}

func (t *latencyTracker) average() float64 {
	<-t.guard
	v := t.avgMs
	t.guard <- struct{}{}
	return v
}

// classifyHTTPStatus maps an HTTP status code to an error Kind.
func classifyHTTPStatus(status int) apperrors.Kind {
	switch {
	case status == 429:
		return apperrors.KindUpstreamUnavailable
	case status == 404 || (status >= 400 && status < 500):
		return apperrors.KindClientError
	case status >= 500:
		return apperrors.KindTransient
	default:
		return apperrors.KindTransient
	}
}
