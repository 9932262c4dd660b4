package strategy

import (
	"bufio"
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/archivecore/webarchive/internal/apperrors"
	"github.com/archivecore/webarchive/pkg/breaker"
	"github.com/archivecore/webarchive/pkg/capture"
)

// SecondaryArchiveStrategy is the last-resort fallback path: a smaller, lower-
// throughput archive queried in the same Wayback CDX text shape, tried only
// after the primary sources in a query's strategy order.
type SecondaryArchiveStrategy struct {
	base
	client  *http.Client
	baseURL string
}

func NewSecondaryArchiveStrategy(client *http.Client, brk *breaker.Breaker, baseURL string) *SecondaryArchiveStrategy {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &SecondaryArchiveStrategy{base: newBase(KindSecondary, brk), client: client, baseURL: baseURL}
}

func (s *SecondaryArchiveStrategy) Query(ctx context.Context, domain string, from, to time.Time, opts Options) ([]*capture.Capture, Stats, error) {
	start := time.Now()
	stats := Stats{Attempts: 1}

	if !s.brk.Allow() {
		return nil, stats, apperrors.New(apperrors.KindCircuitOpen, "secondary archive breaker open")
	}

	q := url.Values{}
	q.Set("url", domain)
	q.Set("matchType", "domain")
	q.Set("from", from.UTC().Format("20060102"))
	q.Set("to", to.UTC().Format("20060102"))
	q.Set("output", "text")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, stats, apperrors.Wrap(err, apperrors.KindClientError, "build secondary archive request")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.brk.RecordFailure(apperrors.KindTransient)
		return nil, stats, apperrors.Wrap(err, apperrors.KindTransient, "secondary archive request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := classifyHTTPStatus(resp.StatusCode)
		s.brk.RecordFailure(kind)
		return nil, stats, apperrors.Newf(kind, "secondary archive returned %d", resp.StatusCode)
	}

	var captures []*capture.Capture
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		row, ok := capture.ParseWaybackRow(scanner.Text())
		if !ok {
			continue
		}
		c := capture.FromWayback(row)
		c.Source = capture.SourceSecondary
		captures = append(captures, c)
		if opts.Limit > 0 && len(captures) >= opts.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		s.brk.RecordFailure(apperrors.KindTransient)
		return nil, stats, apperrors.Wrap(err, apperrors.KindTransient, "read secondary archive response")
	}

	s.brk.RecordSuccess()
	s.recordLatency(time.Since(start))
	stats.Latency = time.Since(start)
	stats.RowCount = len(captures)
	return captures, stats, nil
}
