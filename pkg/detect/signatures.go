package detect

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/kingsroom/tourney-scraper/pkg/models"
)

// StateSignature defines detection patterns for one terminal page state
type StateSignature struct {
	State     models.PageState
	Selectors []string         // CSS selectors whose presence signals the state
	Phrases   []string         // Lower-case substrings of the page title or visible text
	Patterns  []*regexp.Regexp // Extra patterns from configuration, applied to the same text
}

// Matches returns true if the document matches this signature.
// text must be the lower-cased title and visible body text of doc.
func (sig *StateSignature) Matches(doc *goquery.Document, text string) bool {
	for _, sel := range sig.Selectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	for _, phrase := range sig.Phrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	for _, re := range sig.Patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// defaultSignatures are ordered by priority: the first match wins
var defaultSignatures = []StateSignature{
	{
		State: models.PageStateNotFound,
		Selectors: []string{
			"[data-page-state='not-found']",
			"body.error404",
			"body.error-404",
			".tournament-not-found",
			"#tournament-not-found",
		},
		Phrases: []string{
			"tournament not found",
			"event not found",
			"page not found",
			"404 not found",
			"this tournament does not exist",
			"no tournament exists with this id",
			"the requested tournament could not be found",
		},
	},
	{
		State: models.PageStateNotPublished,
		Selectors: []string{
			"[data-page-state='not-published']",
			".tournament-unpublished",
			".status-draft",
		},
		Phrases: []string{
			"not yet published",
			"has not been published",
			"is not published",
			"details will be published",
			"structure to be announced",
			"awaiting publication",
		},
	},
	{
		State: models.PageStateNotInUse,
		Selectors: []string{
			"[data-page-state='not-in-use']",
			".listing-inactive",
			".tournament-retired",
		},
		Phrases: []string{
			"no longer in use",
			"this page is not in use",
			"tournament id not in use",
			"this listing is inactive",
			"this listing has been retired",
			"this id has been retired",
		},
	},
}
