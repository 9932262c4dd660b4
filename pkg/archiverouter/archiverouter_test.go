package archiverouter

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/archivecore/webarchive/internal/apperrors"
	"github.com/archivecore/webarchive/pkg/breaker"
	"github.com/archivecore/webarchive/pkg/capture"
	"github.com/archivecore/webarchive/pkg/capture/filter"
	"github.com/archivecore/webarchive/pkg/strategy"
)

// stubStrategy is a scripted strategy.QueryStrategy for exercising fallback
// without a network call.
type stubStrategy struct {
	kind    strategy.Kind
	calls   int
	results []*capture.Capture
	err     error
	brk     *breaker.Breaker
}

func newStub(kind strategy.Kind) *stubStrategy {
	return &stubStrategy{kind: kind, brk: breaker.New(breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Hour, HalfOpenMaxProbes: 1})}
}

func (s *stubStrategy) Kind() strategy.Kind { return s.kind }

func (s *stubStrategy) Query(ctx context.Context, domain string, from, to time.Time, opts strategy.Options) ([]*capture.Capture, strategy.Stats, error) {
	s.calls++
	if !s.brk.Allow() {
		return nil, strategy.Stats{}, apperrors.New(apperrors.KindCircuitOpen, "stub breaker open")
	}
	if s.err != nil {
		s.brk.RecordFailure(apperrors.GetKind(s.err))
		return nil, strategy.Stats{Attempts: 1}, s.err
	}
	s.brk.RecordSuccess()
	return s.results, strategy.Stats{Attempts: 1, RowCount: len(s.results)}, nil
}

func (s *stubStrategy) Health() strategy.Health {
	return strategy.Health{Healthy: s.brk.State() != breaker.Open, BreakerState: s.brk.State()}
}

var _ = Describe("Router.QueryUnified", func() {
	mk := func(url string) *capture.Capture {
		return &capture.Capture{OriginalURL: url, RawTimestamp: "20210101000000", Source: capture.SourceWayback}
	}

	It("short-circuits on the first strategy to succeed in preference order", func() {
		primary := newStub(strategy.KindPrimaryCDX)
		primary.results = []*capture.Capture{mk("https://example.com/a")}
		secondary := newStub(strategy.KindSecondary)
		secondary.results = []*capture.Capture{mk("https://example.com/b")}

		r := New([]strategy.QueryStrategy{primary, secondary}, filter.NewPipeline(0), nil)
		captures, stats, err := r.QueryUnified(context.Background(), "example.com", time.Now(), time.Now(), PreferenceWayback)
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.SuccessfulStrategy).To(Equal(strategy.KindPrimaryCDX))
		Expect(captures).To(HaveLen(1))
		Expect(secondary.calls).To(Equal(0))
	})

	It("falls through CLIENT_ERROR to the next strategy and reports AllSourcesFailed when every strategy misses", func() {
		primary := newStub(strategy.KindPrimaryCDX)
		primary.err = apperrors.New(apperrors.KindClientError, "no archives for domain")
		secondary := newStub(strategy.KindSecondary)
		secondary.err = apperrors.New(apperrors.KindClientError, "no archives for domain")

		r := New([]strategy.QueryStrategy{primary, secondary}, filter.NewPipeline(0), nil)
		_, stats, err := r.QueryUnified(context.Background(), "example-nodata.test", time.Now(), time.Now(), PreferenceWayback)

		var allFailed *AllSourcesFailed
		Expect(err).To(BeAssignableToTypeOf(allFailed))
		Expect(primary.calls).To(Equal(1))
		Expect(secondary.calls).To(Equal(1))
		Expect(stats.PerStrategyOutcome).To(HaveLen(2))
		Expect(primary.brk.State()).To(Equal(breaker.Closed))
	})

	It("falls through a TRANSIENT failure to the next strategy and opens that strategy's breaker", func() {
		primary := newStub(strategy.KindPrimaryCDX)
		primary.err = apperrors.New(apperrors.KindTransient, "timeout")
		primary.brk = breaker.New(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, HalfOpenMaxProbes: 1})
		proxied := newStub(strategy.KindProxiedColumnar)
		proxied.results = []*capture.Capture{mk("https://example.com/a")}

		r := New([]strategy.QueryStrategy{primary, proxied}, filter.NewPipeline(0), nil)
		_, stats, err := r.QueryUnified(context.Background(), "example.com", time.Now(), time.Now(), PreferenceHybrid)
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.SuccessfulStrategy).To(Equal(strategy.KindProxiedColumnar))
		Expect(primary.brk.State()).To(Equal(breaker.Open))
	})

	It("applies the filter pipeline before returning", func() {
		primary := newStub(strategy.KindPrimaryCDX)
		primary.results = []*capture.Capture{
			{OriginalURL: "https://example.com/a.jpg", RawTimestamp: "20210101000000"},
			{OriginalURL: "https://example.com/page.html", RawTimestamp: "20210101000000"},
		}
		r := New([]strategy.QueryStrategy{primary}, filter.NewPipeline(0), nil)
		captures, _, err := r.QueryUnified(context.Background(), "example.com", time.Now(), time.Now(), PreferenceWayback)
		Expect(err).ToNot(HaveOccurred())
		Expect(captures).To(HaveLen(1))
		Expect(captures[0].OriginalURL).To(Equal("https://example.com/page.html"))
	})
})
