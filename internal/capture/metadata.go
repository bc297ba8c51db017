package capture

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// pageMetadata is the SPEC_FULL.md supplement over the distilled result
// shape: outbound links, the meta description, and media counts, extracted
// with goquery the same way internal/bypass.ParsePage pulls title and body
// text out of the final document.
type pageMetadata struct {
	Links           []string
	MetaDescription string
	ImageCount      int
	VideoCount      int
}

func extractMetadata(html, pageURL string) pageMetadata {
	meta := pageMetadata{}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return meta
	}

	meta.MetaDescription, _ = doc.Find(`meta[name="description"]`).First().Attr("content")

	base, baseErr := url.Parse(pageURL)

	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		resolved := href
		if baseErr == nil {
			if u, err := base.Parse(href); err == nil {
				resolved = u.String()
			}
		}
		if !seen[resolved] {
			seen[resolved] = true
			meta.Links = append(meta.Links, resolved)
		}
	})

	meta.ImageCount = doc.Find("img").Length()
	meta.VideoCount = doc.Find("video").Length() + doc.Find("iframe[src*='youtube']").Length() + doc.Find("iframe[src*='vimeo']").Length()

	return meta
}
