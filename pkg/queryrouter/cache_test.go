package queryrouter

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/archivecore/webarchive/internal/logging"
)

var _ = Describe("ResultCache", func() {
	var c *ResultCache

	BeforeEach(func() {
		var err error
		c, err = NewResultCache(16, time.Minute, time.Minute, nil, logging.Noop())
		Expect(err).ToNot(HaveOccurred())
	})

	It("round-trips rows through L1", func() {
		ctx := context.Background()
		key := cacheKey("select 1", "OLTP", "tenant-a")
		c.Put(ctx, key, []Row{{"n": 1}}, []string{"projects"})

		rows, level, ok := c.Get(ctx, key)
		Expect(ok).To(BeTrue())
		Expect(rows).To(HaveLen(1))
		Expect(level).To(Equal("l1"))
	})

	It("keys entries by context so tenants never share results", func() {
		ctx := context.Background()
		c.Put(ctx, cacheKey("select 1", "OLTP", "tenant-a"), []Row{{"n": 1}}, nil)

		_, _, ok := c.Get(ctx, cacheKey("select 1", "OLTP", "tenant-b"))
		Expect(ok).To(BeFalse())
	})

	It("expires L1 entries after the TTL", func() {
		short, err := NewResultCache(16, 10*time.Millisecond, time.Minute, nil, logging.Noop())
		Expect(err).ToNot(HaveOccurred())
		ctx := context.Background()
		key := cacheKey("select 1", "OLTP", "")
		short.Put(ctx, key, []Row{{"n": 1}}, nil)

		Eventually(func() bool {
			_, _, ok := short.Get(ctx, key)
			return ok
		}, time.Second, 5*time.Millisecond).Should(BeFalse())
	})

	It("invalidates only the entries depending on the written table", func() {
		ctx := context.Background()
		projKey := cacheKey("select * from projects", "OLTP", "")
		pageKey := cacheKey("select * from pages", "OLTP", "")
		c.Put(ctx, projKey, []Row{{"n": 1}}, []string{"projects"})
		c.Put(ctx, pageKey, []Row{{"n": 2}}, []string{"pages"})

		c.Invalidate(ctx, []string{"projects"})

		_, _, ok := c.Get(ctx, projKey)
		Expect(ok).To(BeFalse())
		_, _, ok = c.Get(ctx, pageKey)
		Expect(ok).To(BeTrue())
	})
})
