package extract

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/archivecore/webarchive/internal/apperrors"
)

// Default tier implementations. The extraction heuristics follow the
// content/asset splitting style of the cc site extractor in the example
// corpus: regex-level HTML handling, no DOM construction.

var (
	reScriptStyle = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	reTag         = regexp.MustCompile(`(?s)<[^>]*>`)
	reBlock       = regexp.MustCompile(`(?is)<(p|article|section|li|h[1-6]|blockquote)[^>]*>(.*?)</`)
	reHeadline    = regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`)
	reByline      = regexp.MustCompile(`(?is)<[^>]*(?:class|rel)="[^"]*(?:byline|author)[^"]*"[^>]*>(.*?)</`)
	reParagraph   = regexp.MustCompile(`(?is)<p[^>]*>(.*?)</p>`)
	reTitle       = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	reEntities    = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ")
	reSpace       = regexp.MustCompile(`\s+`)
)

func plainText(fragment string) string {
	s := reTag.ReplaceAllString(fragment, " ")
	s = reEntities.Replace(s)
	return strings.TrimSpace(reSpace.ReplaceAllString(s, " "))
}

// StructureAware is the T1 default: collects block-level prose elements so
// navigation chrome and inline noise drop out.
func StructureAware(_ context.Context, raw []byte, _ string) (string, error) {
	doc := reScriptStyle.ReplaceAllString(string(raw), " ")
	blocks := reBlock.FindAllStringSubmatch(doc, -1)
	var parts []string
	for _, b := range blocks {
		if text := plainText(b[2]); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// NewsStyle is the T2 default: headline, byline, then paragraph bodies, the
// shape news pages keep even when their templates differ.
func NewsStyle(_ context.Context, raw []byte, _ string) (string, error) {
	doc := reScriptStyle.ReplaceAllString(string(raw), " ")
	var parts []string
	if m := reHeadline.FindStringSubmatch(doc); m != nil {
		parts = append(parts, plainText(m[1]))
	} else if m := reTitle.FindStringSubmatch(doc); m != nil {
		parts = append(parts, plainText(m[1]))
	}
	if m := reByline.FindStringSubmatch(doc); m != nil {
		parts = append(parts, plainText(m[1]))
	}
	for _, b := range reParagraph.FindAllStringSubmatch(doc, -1) {
		if text := plainText(b[1]); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// GenericHTML is the T3 default: strip every tag and keep whatever text is
// left.
func GenericHTML(_ context.Context, raw []byte, _ string) (string, error) {
	doc := reScriptStyle.ReplaceAllString(string(raw), " ")
	return plainText(doc), nil
}

// NewHTTPReachThrough returns a ReachThroughFunc fetching the archive URL
// form over the given client.
func NewHTTPReachThrough(client *http.Client) ReachThroughFunc {
	return func(ctx context.Context, archiveURL string) ([]byte, string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
		if err != nil {
			return nil, "", apperrors.Wrap(err, apperrors.KindClientError, "building reach-through request")
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, "", apperrors.Wrap(err, apperrors.KindUpstreamUnavailable, "reach-through fetch")
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, "", apperrors.Newf(apperrors.KindTransient, "reach-through status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return nil, "", apperrors.Newf(apperrors.KindClientError, "reach-through status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, "", apperrors.Wrap(err, apperrors.KindTransient, "reading reach-through body")
		}
		return body, resp.Header.Get("Content-Type"), nil
	}
}
