package strategy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/archivecore/webarchive/pkg/breaker"
)

var _ = Describe("PrimaryColumnarStrategy", func() {
	It("decodes NDJSON CDX objects and skips malformed rows", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(
				`{"timestamp":"20210101000000","url":"https://example.com/","filename":"a.warc.gz","offset":10,"length":200,"status":"200","mime":"text/html","digest":"X"}` + "\n" +
					`{not-json}` + "\n",
			))
		}))
		defer srv.Close()

		brk := breaker.New(breaker.Config{FailureThreshold: 3, RecoveryTimeout: time.Second, HalfOpenMaxProbes: 1})
		s := NewPrimaryColumnarStrategy(nil, brk, srv.URL)

		captures, stats, err := s.Query(context.Background(), "example.com", time.Now(), time.Now(), Options{})
		Expect(err).ToNot(HaveOccurred())
		Expect(captures).To(HaveLen(1))
		Expect(captures[0].Locator).ToNot(BeNil())
		Expect(captures[0].Locator.Filename).To(Equal("a.warc.gz"))
		Expect(stats.RowCount).To(Equal(1))
	})
})
