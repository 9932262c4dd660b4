package extract

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/archivecore/webarchive/pkg/capture"
	"github.com/archivecore/webarchive/pkg/fetchcache"
)

func shortText(ctx context.Context, raw []byte, mime string) (string, error) {
	return "short", nil
}

func failingTier(ctx context.Context, raw []byte, mime string) (string, error) {
	return "", errors.New("boom")
}

func longText(ctx context.Context, raw []byte, mime string) (string, error) {
	return "this is a long enough piece of extracted text to pass the minimum", nil
}

func newCascade(t1, t2, t3 ContentFunc, reach ReachThroughFunc) *Cascade {
	cache, _ := fetchcache.New(100, time.Minute)
	cfg := Config{
		T1: TierConfig{FailureThreshold: 10, RecoveryTimeout: 30 * time.Second},
		T2: TierConfig{FailureThreshold: 8, RecoveryTimeout: 45 * time.Second},
		T3: TierConfig{FailureThreshold: 3, RecoveryTimeout: 20 * time.Second},
		T4: TierConfig{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second},
		MinLength: 20, RatePerMinute: 6000, MinInterval: 0,
	}
	return New(cfg, t1, t2, t3, reach, cache, nil)
}

var _ = Describe("Cascade.Extract", func() {
	cap := &capture.Capture{OriginalURL: "https://example.com/a", RawTimestamp: "20210101000000", Source: capture.SourceWayback}

	It("uses the first tier whose text clears the minimum length", func() {
		c := newCascade(shortText, longText, longText, nil)
		entry, cached, err := c.Extract(context.Background(), cap, func(ctx context.Context) ([]byte, string, error) {
			return []byte("doc"), "text/html", nil
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(cached).To(BeFalse())
		Expect(entry.TierUsed).To(Equal(string(TierNewsStyle)))
	})

	It("does not penalize a tier for returning below-minimum text", func() {
		c := newCascade(shortText, shortText, longText, nil)
		_, _, err := c.Extract(context.Background(), cap, func(ctx context.Context) ([]byte, string, error) {
			return []byte("doc"), "text/html", nil
		})
		Expect(err).ToNot(HaveOccurred())
		// T1/T2 returned below-minimum text; the cascade moves on to the next
		// tier without recording anything against their breakers.
		Expect(c.tiers[0].brk.State().String()).To(Equal("CLOSED"))
		Expect(c.tiers[1].brk.State().String()).To(Equal("CLOSED"))
	})

	It("falls through to reach-through when every content tier fails", func() {
		reached := false
		reach := func(ctx context.Context, archiveURL string) ([]byte, string, error) {
			reached = true
			return []byte("archived doc"), "text/html", nil
		}
		c := newCascade(failingTier, failingTier, func(ctx context.Context, raw []byte, mime string) (string, error) {
			return string(raw) + " padded out to clear the minimum length threshold", nil
		}, reach)

		entry, _, err := c.Extract(context.Background(), cap, func(ctx context.Context) ([]byte, string, error) {
			return nil, "", errors.New("fetch failed")
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(reached).To(BeTrue())
		Expect(entry.TierUsed).To(Equal(string(TierReachThrough)))
	})

	It("returns ErrExtractionFailed when every tier including reach-through fails", func() {
		reach := func(ctx context.Context, archiveURL string) ([]byte, string, error) {
			return nil, "", errors.New("reach-through failed too")
		}
		c := newCascade(failingTier, failingTier, failingTier, reach)
		_, _, err := c.Extract(context.Background(), cap, func(ctx context.Context) ([]byte, string, error) {
			return []byte("doc"), "text/html", nil
		})
		Expect(err).To(MatchError(ErrExtractionFailed))
	})

	It("short-circuits entirely on a fetch-cache hit, never calling fetch or any tier again", func() {
		calls := 0
		fetch := func(ctx context.Context) ([]byte, string, error) {
			calls++
			return []byte("doc"), "text/html", nil
		}
		c := newCascade(longText, longText, longText, nil)
		_, _, err := c.Extract(context.Background(), cap, fetch)
		Expect(err).ToNot(HaveOccurred())
		_, cached, err := c.Extract(context.Background(), cap, fetch)
		Expect(err).ToNot(HaveOccurred())
		Expect(cached).To(BeTrue())
		Expect(calls).To(Equal(1))
	})
})
