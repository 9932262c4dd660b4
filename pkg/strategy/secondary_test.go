package strategy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/archivecore/webarchive/pkg/breaker"
	"github.com/archivecore/webarchive/pkg/capture"
)

var _ = Describe("SecondaryArchiveStrategy", func() {
	It("tags returned captures with the SECONDARY source", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("20210101000000 https://example.com/ text/html 200 ABC123 1024\n"))
		}))
		defer srv.Close()

		brk := breaker.New(breaker.Config{FailureThreshold: 3, RecoveryTimeout: time.Second, HalfOpenMaxProbes: 1})
		s := NewSecondaryArchiveStrategy(nil, brk, srv.URL)

		captures, _, err := s.Query(context.Background(), "example.com", time.Now(), time.Now(), Options{})
		Expect(err).ToNot(HaveOccurred())
		Expect(captures).To(HaveLen(1))
		Expect(captures[0].Source).To(Equal(capture.SourceSecondary))
	})
})
