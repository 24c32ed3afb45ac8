package detect

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// venueSelectors are tried in order; the first non-empty text wins
var venueSelectors = []string{
	"[itemprop='location'] [itemprop='name']",
	"[itemprop='location']",
	".venue-name",
	".venue",
	"[data-venue]",
}

// ExtractVenueText returns a best-effort venue name from common listing markup.
// Falls back to the og:site_name meta tag; returns "" when nothing is found.
func ExtractVenueText(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	for _, sel := range venueSelectors {
		s := doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		if v, ok := s.Attr("data-venue"); ok && strings.TrimSpace(v) != "" {
			return collapse(v)
		}
		if text := collapse(s.Text()); text != "" {
			return text
		}
	}
	if v, ok := doc.Find("meta[property='og:site_name']").Attr("content"); ok {
		return collapse(v)
	}
	return ""
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
