package extract

import (
	"context"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const newsPage = `<html><head><title>Fallback Title</title>
<style>body { color: red }</style></head><body>
<nav><a href="/">home</a></nav>
<h1>Archive Ingestion Ships</h1>
<span class="byline">By A. Writer</span>
<article><p>First paragraph of the story, with enough words to matter.</p>
<p>Second paragraph continues the prose &amp; cites a source.</p></article>
<script>track()</script>
</body></html>`

var _ = Describe("default tiers", func() {
	ctx := context.Background()

	It("StructureAware collects block-level prose and drops chrome", func() {
		text, err := StructureAware(ctx, []byte(newsPage), "text/html")
		Expect(err).ToNot(HaveOccurred())
		Expect(text).To(ContainSubstring("First paragraph of the story"))
		Expect(text).To(ContainSubstring("Archive Ingestion Ships"))
		Expect(text).ToNot(ContainSubstring("track()"))
		Expect(text).ToNot(ContainSubstring("color: red"))
	})

	It("NewsStyle leads with headline and byline", func() {
		text, err := NewsStyle(ctx, []byte(newsPage), "text/html")
		Expect(err).ToNot(HaveOccurred())
		lines := []string{"Archive Ingestion Ships", "By A. Writer", "First paragraph"}
		last := -1
		for _, want := range lines {
			idx := strings.Index(text, want)
			Expect(idx).To(BeNumerically(">", last), "expected %q in order", want)
			last = idx
		}
	})

	It("GenericHTML strips every tag and decodes entities", func() {
		text, err := GenericHTML(ctx, []byte(newsPage), "text/html")
		Expect(err).ToNot(HaveOccurred())
		Expect(text).To(ContainSubstring("prose & cites"))
		Expect(text).ToNot(ContainSubstring("<"))
	})
})
