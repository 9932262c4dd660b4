// Package filter implements the static-asset, list-page, size/type, and
// duplicate filters applied uniformly over Captures regardless of source.
// Every filter is a pure predicate; filtering never mutates a Capture, it
// produces a parallel Decision.
package filter

import (
	"path"
	"strconv"
	"strings"

	"github.com/archivecore/webarchive/pkg/capture"
)

// Category names the kind of filter that produced a Decision.
type Category string

const (
	CategoryStaticAsset Category = "STATIC_ASSET"
	CategoryListPage    Category = "LIST_PAGE"
	CategorySizeType    Category = "SIZE_TYPE"
	CategoryDuplicate   Category = "DUPLICATE"
)

// Decision is the parallel record a filter produces for one Capture; it
// never mutates the Capture itself.
type Decision struct {
	Kept                   bool
	Category               Category
	Reason                 string
	Details                string
	CanBeManuallyOverridden bool
	PriorityHint           int // 1..10
}

func kept() Decision { return Decision{Kept: true} }

func filtered(cat Category, reason, details string, overridable bool, priority int) Decision {
	return Decision{
		Kept: false, Category: cat, Reason: reason, Details: details,
		CanBeManuallyOverridden: overridable, PriorityHint: priority,
	}
}

// Filter is a pure predicate over one Capture. Duplicate needs sibling
// visibility so it is run batch-wise by Pipeline instead of implementing
// this interface directly.
type Filter interface {
	Apply(c *capture.Capture) Decision
}

// staticAssetExtensions are file extensions that are never page content.
var staticAssetExtensions = map[string]bool{
	".css": true, ".js": true, ".png": true, ".jpg": true, ".jpeg": true,
	".gif": true, ".svg": true, ".ico": true, ".woff": true, ".woff2": true,
	".ttf": true, ".eot": true, ".mp4": true, ".mp3": true, ".webm": true,
	".pdf": true, ".zip": true, ".gz": true, ".map": true, ".json": true,
	".xml": true, ".webp": true, ".avif": true,
}

// StaticAssetFilter rejects captures whose URL path or MIME type identifies
// non-prose static assets.
type StaticAssetFilter struct{}

func (StaticAssetFilter) Apply(c *capture.Capture) Decision {
	ext := strings.ToLower(path.Ext(trimQuery(c.OriginalURL)))
	if staticAssetExtensions[ext] {
		return filtered(CategoryStaticAsset, "static asset extension", ext, true, 2)
	}
	if strings.HasPrefix(c.MimeType, "image/") || strings.HasPrefix(c.MimeType, "video/") ||
		strings.HasPrefix(c.MimeType, "audio/") || strings.HasPrefix(c.MimeType, "font/") ||
		c.MimeType == "text/css" || c.MimeType == "application/javascript" {
		return filtered(CategoryStaticAsset, "static asset mime type", c.MimeType, true, 2)
	}
	return kept()
}

func trimQuery(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}

// listPagePatterns holds the URL-pattern rules for index-like pages:
// path components, extensions, and query fragments that identify listing,
// pagination, search, and index pages rather than article/content pages.
var listPagePatterns = []string{
	"/page/", "/tag/", "/tags/", "/category/", "/categories/", "/author/",
	"/search", "/search/", "?s=", "&s=", "/feed", "/feed/", "/rss", "/rss/",
	"/archive/", "/archives/", "/sitemap", "/index.php", "/index.html",
	"page=", "paged=", "offset=", "/amp/", "/print/", "?print=", "/wp-json/",
	"/wp-admin/", "/wp-login", "/login", "/logout", "/signin", "/signup",
	"/cart", "/checkout", "/account", "/profile", "/comments/feed",
	"/trackback/", "/xmlrpc.php", "/robots.txt", "/favicon.ico",
	"/wp-content/uploads/", "?replytocom=", "/comment-page-", "/category/feed",
	"/tag/feed", "/author/feed", "/page-data/", "/_next/data/", "?orderby=",
	"?sort=", "&sort=", "/list/", "/listing/", "/browse/", "/filter",
}

// ListPageFilter rejects captures whose URL matches a listing/pagination/
// search pattern rather than a content page.
type ListPageFilter struct {
	Patterns []string
}

// NewListPageFilter returns a filter using the default ≥47 rule set.
func NewListPageFilter() ListPageFilter {
	return ListPageFilter{Patterns: listPagePatterns}
}

func (f ListPageFilter) Apply(c *capture.Capture) Decision {
	lower := strings.ToLower(c.OriginalURL)
	for _, p := range f.Patterns {
		if strings.Contains(lower, p) {
			return filtered(CategoryListPage, "matches list-page pattern", p, true, 4)
		}
	}
	return kept()
}

// SizeTypeFilter rejects captures below a minimum byte size (likely
// redirects or empty responses) or whose status code is not retrievable
// content.
type SizeTypeFilter struct {
	MinLength int64
}

func (f SizeTypeFilter) Apply(c *capture.Capture) Decision {
	if c.StatusCode != 0 && (c.StatusCode < 200 || c.StatusCode >= 400) {
		return filtered(CategorySizeType, "non-content status code", strconv.Itoa(c.StatusCode), false, 8)
	}
	if f.MinLength > 0 && c.Length > 0 && c.Length < f.MinLength {
		return filtered(CategorySizeType, "below minimum length", strconv.FormatInt(c.Length, 10), true, 5)
	}
	return kept()
}

// DuplicateFilter keys on digest when available, otherwise on
// (original_url, normalized_timestamp). It must observe
// siblings, so it is applied batch-wise by Pipeline rather than per-item.
type DuplicateFilter struct{}

// ApplyBatch marks every capture after the first with a matching key as a
// duplicate. Input order is assumed to already reflect source preference
// order (tie-break prefers earlier sources), so it is the caller's
// responsibility to pass captures in that order.
func (DuplicateFilter) ApplyBatch(captures []*capture.Capture) []Decision {
	seen := make(map[string]bool, len(captures))
	decisions := make([]Decision, len(captures))
	for i, c := range captures {
		key := dedupKey(c)
		if seen[key] {
			decisions[i] = filtered(CategoryDuplicate, "duplicate within query", key, false, 1)
			continue
		}
		seen[key] = true
		decisions[i] = kept()
	}
	return decisions
}

func dedupKey(c *capture.Capture) string {
	if c.Digest != "" {
		return "digest:" + c.Digest
	}
	return "urlts:" + c.OriginalURL + "|" + c.NormalizedTimestamp()
}

// Pipeline runs the four filters in fixed order:
// static-asset -> list-page -> size/type -> duplicate. When a capture
// matches multiple filters the first match wins, preserving explanation
// stability.
type Pipeline struct {
	StaticAsset StaticAssetFilter
	ListPage    ListPageFilter
	SizeType    SizeTypeFilter
	Duplicate   DuplicateFilter
}

// NewPipeline builds a Pipeline with the default list-page rule set and the
// given minimum content length.
func NewPipeline(minLength int64) Pipeline {
	return Pipeline{
		StaticAsset: StaticAssetFilter{},
		ListPage:    NewListPageFilter(),
		SizeType:    SizeTypeFilter{MinLength: minLength},
		Duplicate:   DuplicateFilter{},
	}
}

// Result pairs a Capture with the Decision that kept or filtered it.
type Result struct {
	Capture  *capture.Capture
	Decision Decision
}

// Apply runs every filter over captures batch-wise (so the duplicate filter
// observes siblings) and returns one Decision per input capture, in input
// order.
func (p Pipeline) Apply(captures []*capture.Capture) []Result {
	results := make([]Result, len(captures))
	remaining := make([]*capture.Capture, 0, len(captures))
	remainingIdx := make([]int, 0, len(captures))

	for i, c := range captures {
		if d := p.StaticAsset.Apply(c); !d.Kept {
			results[i] = Result{c, d}
			continue
		}
		if d := p.ListPage.Apply(c); !d.Kept {
			results[i] = Result{c, d}
			continue
		}
		if d := p.SizeType.Apply(c); !d.Kept {
			results[i] = Result{c, d}
			continue
		}
		remaining = append(remaining, c)
		remainingIdx = append(remainingIdx, i)
	}

	dupDecisions := p.Duplicate.ApplyBatch(remaining)
	for j, idx := range remainingIdx {
		results[idx] = Result{remaining[j], dupDecisions[j]}
	}
	return results
}

// KeptOnly filters results down to the captures every filter kept.
func KeptOnly(results []Result) []*capture.Capture {
	out := make([]*capture.Capture, 0, len(results))
	for _, r := range results {
		if r.Decision.Kept {
			out = append(out, r.Capture)
		}
	}
	return out
}
