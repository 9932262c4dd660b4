package strategy

import (
	"bufio"
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/archivecore/webarchive/internal/apperrors"
	"github.com/archivecore/webarchive/internal/ratelimit"
	"github.com/archivecore/webarchive/pkg/breaker"
	"github.com/archivecore/webarchive/pkg/capture"
)

// PrimaryCDXStrategy queries the Wayback Machine's CDX server directly, rate-
// limited to stay under the public API's informal per-IP throttle.
type PrimaryCDXStrategy struct {
	base
	client  *http.Client
	limiter *ratelimit.Limiter
	baseURL string
}

// NewPrimaryCDXStrategy wires a breaker and a leaky-bucket limiter in front
// of the CDX endpoint. baseURL defaults to web.archive.org's CDX server
// when empty, so tests can point it at an httptest server.
func NewPrimaryCDXStrategy(client *http.Client, brk *breaker.Breaker, limiter *ratelimit.Limiter, baseURL string) *PrimaryCDXStrategy {
	if baseURL == "" {
		baseURL = "https://web.archive.org/cdx/search/cdx"
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &PrimaryCDXStrategy{base: newBase(KindPrimaryCDX, brk), client: client, limiter: limiter, baseURL: baseURL}
}

func (s *PrimaryCDXStrategy) Query(ctx context.Context, domain string, from, to time.Time, opts Options) ([]*capture.Capture, Stats, error) {
	start := time.Now()
	stats := Stats{Attempts: 1}

	if !s.brk.Allow() {
		return nil, stats, apperrors.New(apperrors.KindCircuitOpen, "primary CDX breaker open")
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, stats, apperrors.Wrap(err, apperrors.KindDeadlineExceeded, "rate limit wait")
		}
	}

	q := url.Values{}
	q.Set("url", domain)
	q.Set("matchType", "domain")
	q.Set("from", from.UTC().Format("20060102"))
	q.Set("to", to.UTC().Format("20060102"))
	q.Set("output", "text")
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.ResumeKey != "" {
		q.Set("resumeKey", opts.ResumeKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, stats, apperrors.Wrap(err, apperrors.KindClientError, "build CDX request")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.brk.RecordFailure(apperrors.KindTransient)
		return nil, stats, apperrors.Wrap(err, apperrors.KindTransient, "CDX request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := classifyHTTPStatus(resp.StatusCode)
		s.brk.RecordFailure(kind)
		return nil, stats, apperrors.Newf(kind, "CDX server returned %d", resp.StatusCode)
	}

	var captures []*capture.Capture
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		row, ok := capture.ParseWaybackRow(scanner.Text())
		if !ok {
			continue
		}
		captures = append(captures, capture.FromWayback(row))
	}
	if err := scanner.Err(); err != nil {
		s.brk.RecordFailure(apperrors.KindTransient)
		return nil, stats, apperrors.Wrap(err, apperrors.KindTransient, "read CDX response body")
	}

	s.brk.RecordSuccess()
	s.recordLatency(time.Since(start))
	stats.Latency = time.Since(start)
	stats.RowCount = len(captures)
	return captures, stats, nil
}
