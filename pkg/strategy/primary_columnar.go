package strategy

import (
	"bufio"
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/archivecore/webarchive/internal/apperrors"
	"github.com/archivecore/webarchive/pkg/breaker"
	"github.com/archivecore/webarchive/pkg/capture"
)

// PrimaryColumnarStrategy queries the Common Crawl index API directly, which
// returns newline-delimited JSON CDX objects.
type PrimaryColumnarStrategy struct {
	base
	client  *http.Client
	baseURL string // e.g. https://index.commoncrawl.org/CC-MAIN-2024-10-index
}

func NewPrimaryColumnarStrategy(client *http.Client, brk *breaker.Breaker, baseURL string) *PrimaryColumnarStrategy {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &PrimaryColumnarStrategy{base: newBase(KindPrimaryColumnar, brk), client: client, baseURL: baseURL}
}

func (s *PrimaryColumnarStrategy) Query(ctx context.Context, domain string, from, to time.Time, opts Options) ([]*capture.Capture, Stats, error) {
	start := time.Now()
	stats := Stats{Attempts: 1}

	if !s.brk.Allow() {
		return nil, stats, apperrors.New(apperrors.KindCircuitOpen, "primary columnar breaker open")
	}

	q := url.Values{}
	q.Set("url", domain)
	q.Set("matchType", "domain")
	q.Set("output", "json")
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, stats, apperrors.Wrap(err, apperrors.KindClientError, "build columnar index request")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.brk.RecordFailure(apperrors.KindTransient)
		return nil, stats, apperrors.Wrap(err, apperrors.KindTransient, "columnar index request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := classifyHTTPStatus(resp.StatusCode)
		s.brk.RecordFailure(kind)
		return nil, stats, apperrors.Newf(kind, "columnar index returned %d", resp.StatusCode)
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
			// one malformed row must not fail the whole page
			continue
		}
		captures = append(captures, capture.FromCommonCrawl(obj, ""))
	}
	if err := scanner.Err(); err != nil {
		s.brk.RecordFailure(apperrors.KindTransient)
		return nil, stats, apperrors.Wrap(err, apperrors.KindTransient, "read columnar index response")
	}

	s.brk.RecordSuccess()
	s.recordLatency(time.Since(start))
	stats.Latency = time.Since(start)
	stats.RowCount = len(captures)
	return captures, stats, nil
}
