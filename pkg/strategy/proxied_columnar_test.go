package strategy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/archivecore/webarchive/pkg/breaker"
)

var _ = Describe("ProxiedColumnarStrategy", func() {
	var tokenSrv, indexSrv *httptest.Server

	AfterEach(func() {
		tokenSrv.Close()
		indexSrv.Close()
	})

	newTokenServer := func() *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"bearer","expires_in":3600}`))
		}))
	}

	It("succeeds through the proxy pool", func() {
		tokenSrv = newTokenServer()
		var hits int32
		indexSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			_, _ = w.Write([]byte(`{"timestamp":"20210101000000","url":"https://example.com/","status":"200","mime":"text/html","digest":"D"}` + "\n"))
		}))

		pool := NewProxyPool([]clientcredentials.Config{
			{ClientID: "a", ClientSecret: "s", TokenURL: tokenSrv.URL},
			{ClientID: "b", ClientSecret: "s", TokenURL: tokenSrv.URL},
		})
		brk := breaker.New(breaker.Config{FailureThreshold: 3, RecoveryTimeout: time.Second, HalfOpenMaxProbes: 1})
		s := NewProxiedColumnarStrategy(brk, pool, indexSrv.URL)

		captures, stats, err := s.Query(context.Background(), "example.com", time.Now(), time.Now(), Options{})
		Expect(err).ToNot(HaveOccurred())
		Expect(captures).To(HaveLen(1))
		Expect(stats.Attempts).To(Equal(1))
		Expect(atomic.LoadInt32(&hits)).To(Equal(int32(1)))
	})

	It("makes exactly one upstream attempt per call, leaving retries to the router", func() {
		tokenSrv = newTokenServer()
		var hits int32
		indexSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))

		pool := NewProxyPool([]clientcredentials.Config{{ClientID: "a", ClientSecret: "s", TokenURL: tokenSrv.URL}})
		brk := breaker.New(breaker.Config{FailureThreshold: 10, RecoveryTimeout: time.Second, HalfOpenMaxProbes: 1})
		s := NewProxiedColumnarStrategy(brk, pool, indexSrv.URL)

		_, stats, err := s.Query(context.Background(), "example.com", time.Now(), time.Now(), Options{})
		Expect(err).To(HaveOccurred())
		Expect(stats.Attempts).To(Equal(1))
		Expect(atomic.LoadInt32(&hits)).To(Equal(int32(1)))
	})

	It("does not retry a client error", func() {
		tokenSrv = newTokenServer()
		var hits int32
		indexSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(http.StatusNotFound)
		}))

		pool := NewProxyPool([]clientcredentials.Config{{ClientID: "a", ClientSecret: "s", TokenURL: tokenSrv.URL}})
		brk := breaker.New(breaker.Config{FailureThreshold: 10, RecoveryTimeout: time.Second, HalfOpenMaxProbes: 1})
		s := NewProxiedColumnarStrategy(brk, pool, indexSrv.URL)

		_, stats, err := s.Query(context.Background(), "example.com", time.Now(), time.Now(), Options{})
		Expect(err).To(HaveOccurred())
		Expect(stats.Attempts).To(Equal(1))
		Expect(atomic.LoadInt32(&hits)).To(Equal(int32(1)))
	})
})

var _ = Describe("ProxyPool", func() {
	configs := func(n int) []clientcredentials.Config {
		out := make([]clientcredentials.Config, n)
		for i := range out {
			out[i].ClientID = string(rune('a' + i))
		}
		return out
	}

	It("assigns uniformly at random across the pool by default", func() {
		pool := NewProxyPool(configs(2))
		seen := map[int]int{}
		for i := 0; i < 200; i++ {
			seen[pool.pick()]++
		}
		// Both proxies must be exercised; a deterministic rotation would
		// also pass this, but a stuck selector would not.
		Expect(seen[0]).To(BeNumerically(">", 0))
		Expect(seen[1]).To(BeNumerically(">", 0))
	})

	It("cycles deterministically under ROUND_ROBIN", func() {
		pool := NewProxyPool(configs(3))
		pool.SetRotationPolicy(RotationRoundRobin)
		Expect([]int{pool.pick(), pool.pick(), pool.pick(), pool.pick()}).
			To(Equal([]int{0, 1, 2, 0}))
	})

	It("steers selection away from a proxy in backoff", func() {
		pool := NewProxyPool(configs(2))
		pool.MarkFailure(0)
		for i := 0; i < 50; i++ {
			Expect(pool.pick()).To(Equal(1))
		}
	})

	It("doubles the backoff window on consecutive failures and resets on success", func() {
		pool := NewProxyPool(configs(1))
		pool.MarkFailure(0)
		first := pool.state[0].backoffUntil
		pool.MarkFailure(0)
		Expect(pool.state[0].backoffUntil.After(first)).To(BeTrue())

		pool.MarkSuccess(0)
		Expect(pool.state[0].failures).To(Equal(0))
		Expect(pool.pick()).To(Equal(0))
	})

	It("still serves requests when every proxy is backing off", func() {
		pool := NewProxyPool(configs(2))
		pool.MarkFailure(0)
		pool.MarkFailure(1)
		idx := pool.pick()
		Expect(idx).To(SatisfyAny(Equal(0), Equal(1)))
	})
})
