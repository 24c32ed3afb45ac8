package detect

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/kingsroom/tourney-scraper/pkg/config"
	"github.com/kingsroom/tourney-scraper/pkg/models"
	"github.com/kingsroom/tourney-scraper/pkg/utils"
)

// Classifier detects terminal page states in fetched content.
// States are checked in fixed priority order: not-found, not-published, not-in-use.
type Classifier struct {
	signatures []StateSignature
	log        *logrus.Entry
}

// NewClassifier builds a classifier from the built-in signatures plus configured patterns
func NewClassifier(cfg config.PageStateConfig, log *logrus.Entry) (*Classifier, error) {
	extra := map[models.PageState][]string{
		models.PageStateNotFound:     cfg.NotFoundPatterns,
		models.PageStateNotPublished: cfg.NotPublishedPatterns,
		models.PageStateNotInUse:     cfg.NotInUsePatterns,
	}

	sigs := make([]StateSignature, len(defaultSignatures))
	copy(sigs, defaultSignatures)
	for i := range sigs {
		compiled, err := utils.CompileRegexPatterns(extra[sigs[i].State], true)
		if err != nil {
			return nil, err
		}
		sigs[i].Patterns = compiled
	}
	return &Classifier{signatures: sigs, log: log}, nil
}

// Classify reports the page state of body. Unparseable content is classified normal.
func (c *Classifier) Classify(body []byte) models.PageState {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		c.log.Debugf("Page-state classification skipped, HTML parse failed: %v", err)
		return models.PageStateNormal
	}
	return c.ClassifyDocument(doc)
}

// ClassifyDocument reports the page state of a parsed document
func (c *Classifier) ClassifyDocument(doc *goquery.Document) models.PageState {
	text := pageText(doc)
	for i := range c.signatures {
		if c.signatures[i].Matches(doc, text) {
			return c.signatures[i].State
		}
	}
	return models.PageStateNormal
}

// pageText returns the lower-cased title and body text with whitespace collapsed
func pageText(doc *goquery.Document) string {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript").Remove()
	raw := doc.Find("title").First().Text() + " " + body.Text()
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}
