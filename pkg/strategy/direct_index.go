package strategy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/archivecore/webarchive/internal/apperrors"
	"github.com/archivecore/webarchive/pkg/breaker"
	"github.com/archivecore/webarchive/pkg/capture"
)

// DirectIndexStrategy reads a range of a pre-sharded NDJSON index file
// directly via HTTP Range requests. Index rows vary
// field names across providers that publish direct indexes (some use "url",
// others "original_url"; some use "mime", others "mime-detected"), so a
// compiled jq program projects whichever fields are present onto the
// canonical capture.CommonCrawlObject shape before further decoding.
// and gwarc's record model for range semantics.
type DirectIndexStrategy struct {
	base
	client    *http.Client
	indexURL  string
	projector *gojq.Code
}

// defaultProjection maps either {url|original_url}, {mime|mime-detected},
// {status|status_code} onto the canonical field names go-faster/jx decodes
// in capture.DecodeCommonCrawlObject.
const defaultProjection = `{
	timestamp: (.timestamp // .ts // ""),
	url: (.url // .original_url // ""),
	filename: (.filename // .warc_filename // ""),
	offset: (.offset // .warc_offset // 0),
	length: (.length // .warc_length // 0),
	status: (.status // .status_code // ""),
	mime: (.mime // .["mime-detected"] // ""),
	digest: (.digest // .content_digest // "")
}`

// NewDirectIndexStrategy compiles the field-projection program once at
// construction time so Query never pays parse cost per row.
func NewDirectIndexStrategy(client *http.Client, brk *breaker.Breaker, indexURL string) (*DirectIndexStrategy, error) {
	query, err := gojq.Parse(defaultProjection)
	if err != nil {
		return nil, fmt.Errorf("compile direct-index projection: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile direct-index projection: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &DirectIndexStrategy{base: newBase(KindDirectIndex, brk), client: client, indexURL: indexURL, projector: code}, nil
}

func (s *DirectIndexStrategy) Query(ctx context.Context, domain string, from, to time.Time, opts Options) ([]*capture.Capture, Stats, error) {
	start := time.Now()
	stats := Stats{Attempts: 1}

	if !s.brk.Allow() {
		return nil, stats, apperrors.New(apperrors.KindCircuitOpen, "direct index breaker open")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.indexURL, nil)
	if err != nil {
		return nil, stats, apperrors.Wrap(err, apperrors.KindClientError, "build direct-index request")
	}
	// Range semantics: consumers that only need a resumable slice of the
	// index set ResumeKey to a byte offset; we pass it straight through.
	if opts.ResumeKey != "" {
		req.Header.Set("Range", "bytes="+opts.ResumeKey+"-")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.brk.RecordFailure(apperrors.KindTransient)
		return nil, stats, apperrors.Wrap(err, apperrors.KindTransient, "direct-index request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		kind := classifyHTTPStatus(resp.StatusCode)
		s.brk.RecordFailure(kind)
		return nil, stats, apperrors.Newf(kind, "direct index returned %d", resp.StatusCode)
	}

	captures, err := s.projectRows(resp.Body, domain, opts)
	if err != nil {
		s.brk.RecordFailure(apperrors.KindTransient)
		return nil, stats, err
	}

	s.brk.RecordSuccess()
	s.recordLatency(time.Since(start))
	stats.Latency = time.Since(start)
	stats.RowCount = len(captures)
	return captures, stats, nil
}

// projectRows runs every NDJSON row through the compiled jq program to
// normalize field names, then hands the projected object to the same
// decoder the columnar strategies use so all three share one canonical
// parsing path.
func (s *DirectIndexStrategy) projectRows(r io.Reader, domain string, opts Options) ([]*capture.Capture, error) {
	var captures []*capture.Capture
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var native any
		if err := json.Unmarshal(line, &native); err != nil {
			continue
		}

		iter := s.projector.Run(native)
		v, ok := iter.Next()
		if !ok {
			continue
		}
		if _, isErr := v.(error); isErr {
			continue
		}

		projected, err := json.Marshal(v)
		if err != nil {
			continue
		}
		obj, err := capture.DecodeCommonCrawlObject(projected)
		if err != nil {
			continue
		}
		if domain != "" && !strings.Contains(obj.URL, domain) {
			continue
		}

		if opts.Limit > 0 && len(captures) >= opts.Limit {
			break
		}
		captures = append(captures, capture.FromCommonCrawl(obj, capture.SourceDirectIndex))
	}
	return captures, scanner.Err()
}
