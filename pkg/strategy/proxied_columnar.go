package strategy

import (
	"bufio"
	"context"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/archivecore/webarchive/internal/apperrors"
	"github.com/archivecore/webarchive/pkg/breaker"
	"github.com/archivecore/webarchive/pkg/capture"
)

// RotationPolicy selects how the proxy pool assigns a proxy to a request.
type RotationPolicy string

const (
	RotationRandom     RotationPolicy = "RANDOM"
	RotationRoundRobin RotationPolicy = "ROUND_ROBIN"
)

type proxyState struct {
	failures     int
	backoffUntil time.Time
}

// ProxyPool assigns one of a fixed set of oauth2-authenticated proxy
// credentials to each request: uniformly at random by default, round-robin
// when configured. Proxy-level errors put the failing proxy into an
// exponentially growing backoff so selection steers around it until it
// recovers.
type ProxyPool struct {
	configs     []clientcredentials.Config
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu     sync.Mutex
	policy RotationPolicy
	next   int
	state  []proxyState
}

// NewProxyPool builds a pool from a list of client-credential configs, one
// per proxy endpoint, assigning uniformly at random per request.
func NewProxyPool(configs []clientcredentials.Config) *ProxyPool {
	return &ProxyPool{
		configs:     configs,
		baseBackoff: 500 * time.Millisecond,
		maxBackoff:  time.Minute,
		policy:      RotationRandom,
		state:       make([]proxyState, len(configs)),
	}
}

// SetRotationPolicy switches the pool's assignment policy; an empty or
// unknown policy keeps the random default.
func (p *ProxyPool) SetRotationPolicy(policy RotationPolicy) {
	if policy != RotationRoundRobin && policy != RotationRandom {
		return
	}
	p.mu.Lock()
	p.policy = policy
	p.mu.Unlock()
}

// pick selects a proxy index, preferring proxies not currently backing off.
// When every proxy is backing off the policy runs over the full set, since
// a throttled proxy still beats refusing the request outright.
func (p *ProxyPool) pick() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	eligible := make([]int, 0, len(p.configs))
	for i := range p.configs {
		if now.After(p.state[i].backoffUntil) {
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		for i := range p.configs {
			eligible = append(eligible, i)
		}
	}

	if p.policy == RotationRoundRobin {
		idx := eligible[p.next%len(eligible)]
		p.next++
		return idx
	}
	return eligible[rand.IntN(len(eligible))]
}

func (p *ProxyPool) tokenSource(ctx context.Context) (oauth2.TokenSource, int) {
	idx := p.pick()
	return p.configs[idx].TokenSource(ctx), idx
}

// MarkFailure records a proxy-level error against idx, doubling its backoff
// window on each consecutive failure up to the cap.
func (p *ProxyPool) MarkFailure(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.state) {
		return
	}
	p.state[idx].failures++
	backoff := p.baseBackoff << (p.state[idx].failures - 1)
	if backoff > p.maxBackoff || backoff <= 0 {
		backoff = p.maxBackoff
	}
	p.state[idx].backoffUntil = time.Now().Add(backoff)
}

// MarkSuccess clears idx's backoff state.
func (p *ProxyPool) MarkSuccess(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.state) {
		return
	}
	p.state[idx] = proxyState{}
}

// ProxiedColumnarStrategy queries the Common Crawl index through the proxy
// pool. One Query call makes exactly one upstream attempt; retrying across
// attempts is the archive router's job, and the pool's per-proxy backoff
// makes the next attempt land on a different proxy.
type ProxiedColumnarStrategy struct {
	base
	pool    *ProxyPool
	baseURL string
}

func NewProxiedColumnarStrategy(brk *breaker.Breaker, pool *ProxyPool, baseURL string) *ProxiedColumnarStrategy {
	return &ProxiedColumnarStrategy{
		base:    newBase(KindProxiedColumnar, brk),
		pool:    pool,
		baseURL: baseURL,
	}
}

func (s *ProxiedColumnarStrategy) Query(ctx context.Context, domain string, from, to time.Time, opts Options) ([]*capture.Capture, Stats, error) {
	start := time.Now()
	stats := Stats{Attempts: 1}

	if !s.brk.Allow() {
		return nil, stats, apperrors.New(apperrors.KindCircuitOpen, "proxied columnar breaker open")
	}

	ts, idx := s.pool.tokenSource(ctx)
	captures, err := s.attempt(ctx, ts, idx, domain, opts)
	if err != nil {
		kind := apperrors.GetKind(err)
		s.brk.RecordFailure(kind)
		if kind == apperrors.KindTransient || kind == apperrors.KindUpstreamUnavailable {
			// proxy-level error: back this proxy off so the router's next
			// fallback attempt rotates onto a different one
			s.pool.MarkFailure(idx)
		}
		return nil, stats, err
	}

	s.pool.MarkSuccess(idx)
	s.brk.RecordSuccess()
	s.recordLatency(time.Since(start))
	stats.Latency = time.Since(start)
	stats.RowCount = len(captures)
	return captures, stats, nil
}

func (s *ProxiedColumnarStrategy) attempt(ctx context.Context, ts oauth2.TokenSource, idx int, domain string, opts Options) ([]*capture.Capture, error) {
	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = 20 * time.Second

	q := url.Values{}
	q.Set("url", domain)
	q.Set("matchType", "domain")
	q.Set("output", "json")
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindClientError, "build proxied request")
	}
	req.Header.Set("X-Proxy-Index", strconv.Itoa(idx))

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindTransient, "proxied request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Newf(classifyHTTPStatus(resp.StatusCode), "proxied index returned %d", resp.StatusCode)
	}

	var captures []*capture.Capture
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		obj, err := capture.DecodeCommonCrawlObject(line)
		if err != nil {
			continue
		}
		captures = append(captures, capture.FromCommonCrawl(obj, capture.SourceProxiedCommonCrawl))
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindTransient, "read proxied response")
	}
	return captures, nil
}
