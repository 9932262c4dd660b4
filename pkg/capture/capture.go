// Package capture implements the provider-agnostic Capture record: one
// archived snapshot of one URL at one instant, built by factory adapters per
// provider so the rest of the pipeline never branches on provider type again
// after construction.
package capture

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Source identifies which archive produced a Capture.
type Source string

const (
	SourceWayback             Source = "WAYBACK"
	SourceCommonCrawl         Source = "COMMON_CRAWL"
	SourceSecondary           Source = "SECONDARY"
	SourceProxiedCommonCrawl  Source = "PROXIED_COMMON_CRAWL"
	SourceDirectIndex         Source = "DIRECT_INDEX"
)

// waybackTimestampLayout is the packed-digit form CDX rows use.
const waybackTimestampLayout = "20060102150405"

// WARCLocator is the optional ranged-read address for archives delivered as
// WARC blobs (Common Crawl and its proxied/direct-index variants).
type WARCLocator struct {
	Filename string
	Offset   int64
	Length   int64
}

// Capture is the provider-agnostic representation of one archived capture.
type Capture struct {
	RawTimestamp string // original string as reported by the provider
	Timestamp    time.Time

	OriginalURL string
	MimeType    string
	StatusCode  int
	Digest      string
	Length      int64

	Source Source
	Locator *WARCLocator

	// Diagnostic set when ArchiveURL() could not derive a real location.
	Diagnostic string
}

// Identity returns the dedup key used within a single query:
// (original_url, timestamp, source). Digests are not unique across
// providers, so they cannot serve as identity.
func (c *Capture) Identity() string {
	return c.OriginalURL + "|" + c.RawTimestamp + "|" + string(c.Source)
}

// NormalizedTimestamp returns the packed-digit form regardless of how the
// timestamp was originally reported, for use as a duplicate-filter fallback
// key.
func (c *Capture) NormalizedTimestamp() string {
	if c.Timestamp.IsZero() {
		return c.RawTimestamp
	}
	return c.Timestamp.UTC().Format(waybackTimestampLayout)
}

// ArchiveURL derives where to fetch bytes from. When no real archive
// location can be derived the original URL is returned and Diagnostic is
// set, so callers can tell a live-web fallback from an archive read.
func (c *Capture) ArchiveURL() string {
	switch c.Source {
	case SourceCommonCrawl, SourceProxiedCommonCrawl, SourceDirectIndex:
		if c.Locator != nil && c.Locator.Filename != "" {
			return fmt.Sprintf("https://data.commoncrawl.org/%s?offset=%d&length=%d",
				c.Locator.Filename, c.Locator.Offset, c.Locator.Length)
		}
		c.Diagnostic = "no WARC locator, falling back to original url"
		return c.OriginalURL
	case SourceSecondary:
		c.Diagnostic = "secondary archive has no locator form, using original url"
		return c.OriginalURL
	default: // WAYBACK and unset (backward compatibility: behaves as Wayback)
		return fmt.Sprintf("https://web.archive.org/web/%s/%s", c.packedTimestamp(), c.OriginalURL)
	}
}

func (c *Capture) packedTimestamp() string {
	if c.RawTimestamp != "" && isAllDigits(c.RawTimestamp) {
		return c.RawTimestamp
	}
	if !c.Timestamp.IsZero() {
		return c.Timestamp.UTC().Format(waybackTimestampLayout)
	}
	return c.RawTimestamp
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// parseTimestamp accepts either packed-digit (YYYYMMDDHHMMSS) or ISO-8601
// form. Malformed timestamps default to the epoch with ok=false rather than
// erroring; FromWayback and FromCommonCrawl record that as a Diagnostic on
// the Capture. Nothing is logged.
func parseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if isAllDigits(raw) && len(raw) == 14 {
		if t, err := time.Parse(waybackTimestampLayout, raw); err == nil {
			return t.UTC(), true
		}
	}
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05Z"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Unix(0, 0).UTC(), false
}

// FromWayback builds a Capture from a parsed Wayback CDX row
// (space-delimited: timestamp original_url mime status digest length).
// Never fails for well-formed input; malformed fields fall back to zero
// values rather than raising.
func FromWayback(row WaybackRow) *Capture {
	ts, ok := parseTimestamp(row.Timestamp)
	c := &Capture{
		RawTimestamp: row.Timestamp,
		Timestamp:    ts,
		OriginalURL:  row.OriginalURL,
		MimeType:     row.MimeType,
		StatusCode:   atoiSafe(row.StatusCode),
		Digest:       row.Digest,
		Length:       atoi64Safe(row.Length),
		Source:       SourceWayback,
	}
	if !ok {
		c.Diagnostic = "malformed timestamp defaulted to epoch"
	}
	return c
}

// WaybackRow is the parsed form of one space-delimited Wayback CDX line.
type WaybackRow struct {
	Timestamp   string
	OriginalURL string
	MimeType    string
	StatusCode  string
	Digest      string
	Length      string
}

// ParseWaybackRow splits one raw CDX line into its fields.
func ParseWaybackRow(line string) (WaybackRow, bool) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return WaybackRow{}, false
	}
	return WaybackRow{
		Timestamp:   fields[0],
		OriginalURL: fields[1],
		MimeType:    fields[2],
		StatusCode:  fields[3],
		Digest:      fields[4],
		Length:      fields[5],
	}, true
}

// ToWaybackRow is the inverse of FromWayback, used to round-trip a Capture
// whose Source is WAYBACK, so FromWayback(ToWaybackRow(c)) round-trips.
func (c *Capture) ToWaybackRow() WaybackRow {
	return WaybackRow{
		Timestamp:   c.RawTimestamp,
		OriginalURL: c.OriginalURL,
		MimeType:    c.MimeType,
		StatusCode:  strconv.Itoa(c.StatusCode),
		Digest:      c.Digest,
		Length:      strconv.FormatInt(c.Length, 10),
	}
}

// CommonCrawlObject is the decoded JSON object Common-Crawl-style CDX
// objects arrive as: {timestamp,url,filename,offset,length,
// status,mime,digest}.
type CommonCrawlObject struct {
	Timestamp string `json:"timestamp"`
	URL       string `json:"url"`
	Filename  string `json:"filename"`
	Offset    int64  `json:"offset"`
	Length    int64  `json:"length"`
	Status    string `json:"status"`
	Mime      string `json:"mime"`
	Digest    string `json:"digest"`
}

// FromCommonCrawl builds a Capture from a decoded Common Crawl CDX object.
// source lets callers tag PROXIED_COMMON_CRAWL / DIRECT_INDEX captures
// through the same constructor, since the wire shape is identical across
// all three access paths.
func FromCommonCrawl(obj CommonCrawlObject, source Source) *Capture {
	if source == "" {
		source = SourceCommonCrawl
	}
	ts, ok := parseTimestamp(obj.Timestamp)
	c := &Capture{
		RawTimestamp: obj.Timestamp,
		Timestamp:    ts,
		OriginalURL:  obj.URL,
		MimeType:     obj.Mime,
		StatusCode:   atoiSafe(obj.Status),
		Digest:       obj.Digest,
		Length:       obj.Length,
		Source:       source,
	}
	if obj.Filename != "" {
		c.Locator = &WARCLocator{Filename: obj.Filename, Offset: obj.Offset, Length: obj.Length}
	}
	if !ok {
		c.Diagnostic = "malformed timestamp defaulted to epoch"
	}
	return c
}

func atoiSafe(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func atoi64Safe(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ValidURL reports whether original is a parseable absolute URL, used by
// callers validating provider input before construction.
func ValidURL(original string) bool {
	u, err := url.Parse(original)
	return err == nil && u.Scheme != "" && u.Host != ""
}
