// Package match maps free-text venue names onto a reference list of known venues.
//
// Matching runs in three passes, stopping at the first that produces a result:
//
//  1. exact: a candidate's name or alias appears in the input on word boundaries (score 1.0, auto-assigned)
//  2. fuzzy: filler-stripped input scored against every name and alias
//  3. pattern: a fixed table of well-known fragments, suggestion only
package match

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/adrg/strutil"
	strmetrics "github.com/adrg/strutil/metrics"
	"github.com/sirupsen/logrus"

	"github.com/kingsroom/tourney-scraper/pkg/config"
	"github.com/kingsroom/tourney-scraper/pkg/metrics"
	"github.com/kingsroom/tourney-scraper/pkg/models"
	"github.com/kingsroom/tourney-scraper/pkg/storage"
	"github.com/kingsroom/tourney-scraper/pkg/utils"
)

const (
	exactScore   = 1.0
	patternScore = 0.5
)

// fillerPatterns match tournament jargon that never identifies a venue
var fillerPatterns = utils.MustCompileRegexPatterns([]string{
	`\b\d+(st|nd|rd|th)\b`,
	`\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)s?\b`,
	`\b(mon|tue|tues|wed|thu|thur|thurs|fri|sat|sun)\b`,
	`\bday\s*\d+[a-z]?\b`,
	`\bflight\s*[a-z0-9]?\b`,
	`\bevent\s*#?\s*\d+\b`,
	`#\s*\d+`,
	`\b\d+k?\s*(gtd|guaranteed)\b`,
	`\b(night|nights|weekly|monthly|finale?|satellite|freezeout|bounty|turbo|deepstack|main event|series)\b`,
	`\b(nlhe|nlh|plo|plo5|plo8|holdem|hold em|omaha|no limit|pot limit|mixed games)\b`,
	`\bat\b`,
}, true)

// fallbackPattern maps a well-known name fragment to a venue absent from most reference lists
type fallbackPattern struct {
	re   *regexp.Regexp
	name string
}

var fallbackPatterns = []fallbackPattern{
	{regexp.MustCompile(`\bstar\s*city\b`), "The Star"},
	{regexp.MustCompile(`\bcrown\b`), "Crown Melbourne"},
	{regexp.MustCompile(`\btreasury\b`), "Treasury Brisbane"},
	{regexp.MustCompile(`\b(west\s*hq|rooty\s*hill)\b`), "West HQ"},
	{regexp.MustCompile(`\bbankstown\b`), "Bankstown Sports Club"},
	{regexp.MustCompile(`\bsky\s*city\b`), "SkyCity Adelaide"},
}

// Matcher scores venue names. It is safe for concurrent use.
type Matcher struct {
	cfg     config.MatcherConfig
	metric  strutil.StringMetric
	series  []*regexp.Regexp
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// NewMatcher creates a Matcher from validated configuration
func NewMatcher(cfg config.MatcherConfig, m *metrics.Metrics, log *logrus.Entry) (*Matcher, error) {
	metric, err := newMetric(cfg.Metric)
	if err != nil {
		return nil, err
	}
	if cfg.MaxSuggestions <= 0 || cfg.MaxSuggestions > 3 {
		cfg.MaxSuggestions = 3
	}
	return &Matcher{
		cfg:     cfg,
		metric:  metric,
		series:  seriesPatterns(cfg.SeriesTitles),
		metrics: m,
		log:     log,
	}, nil
}

func newMetric(name string) (strutil.StringMetric, error) {
	switch strings.ToLower(name) {
	case "", "levenshtein":
		return strmetrics.NewLevenshtein(), nil
	case "jaro-winkler":
		return strmetrics.NewJaroWinkler(), nil
	case "sorensen-dice":
		return strmetrics.NewSorensenDice(), nil
	default:
		return nil, fmt.Errorf("%w: unknown similarity metric %q", utils.ErrConfigValidation, name)
	}
}

func seriesPatterns(titles []string) []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, title := range titles {
		norm := normalize(title)
		if norm == "" {
			continue
		}
		out = append(out, regexp.MustCompile(`\b`+regexp.QuoteMeta(norm)+`\b`))
	}
	return out
}

// MatchForEntity loads the reference list of entityID and matches name against it
func (m *Matcher) MatchForEntity(ctx context.Context, venues storage.VenueStore, entityID, name string, seriesTitles ...string) (models.VenueMatchResult, error) {
	refs, err := venues.ListVenues(ctx, entityID)
	if err != nil {
		return models.VenueMatchResult{ExtractedName: strings.TrimSpace(name), MatchingFailed: true, Suggestions: []models.VenueSuggestion{}},
			fmt.Errorf("%w: load venues for entity %s: %w", utils.ErrDatabase, entityID, err)
	}
	return m.Match(name, refs, seriesTitles...), nil
}

// Match scores name against venues. seriesTitles are stripped from the input
// in addition to the configured ones.
func (m *Matcher) Match(name string, venues []models.Venue, seriesTitles ...string) models.VenueMatchResult {
	result := models.VenueMatchResult{
		ExtractedName: strings.TrimSpace(name),
		Suggestions:   []models.VenueSuggestion{},
	}
	input := normalize(name)
	if input == "" || len(venues) == 0 {
		result.MatchingFailed = true
		m.metrics.ObserveVenueMatch("failed")
		return result
	}
	matchLog := m.log.WithField("name", result.ExtractedName)

	if s, ok := exactMatch(input, venues, m.cfg.SubstringExact); ok {
		result.AutoAssigned = &s
		result.Suggestions = append(result.Suggestions, s)
		m.metrics.ObserveVenueMatch("exact")
		matchLog.WithField("venue", s.Name).Debug("Exact venue match")
		return result
	}

	cleaned := m.stripFiller(input, seriesPatterns(seriesTitles))
	if cleaned != "" {
		result.Suggestions = m.fuzzyMatch(cleaned, venues)
	}
	if len(result.Suggestions) > 0 {
		if top := result.Suggestions[0]; top.Score >= m.cfg.AutoAssignThreshold {
			result.AutoAssigned = &top
			m.metrics.ObserveVenueMatch("auto")
			matchLog.WithFields(logrus.Fields{"venue": top.Name, "score": top.Score}).Debug("Fuzzy venue match auto-assigned")
		} else {
			m.metrics.ObserveVenueMatch("suggested")
		}
		return result
	}

	if !m.cfg.DisablePatterns {
		result.Suggestions = m.patternMatch(input)
		if len(result.Suggestions) > 0 {
			m.metrics.ObserveVenueMatch("pattern")
			return result
		}
	}

	result.MatchingFailed = true
	m.metrics.ObserveVenueMatch("failed")
	matchLog.Debug("No venue match")
	return result
}

// exactMatch walks venues in source order so repeated calls agree.
// A name or alias counts as contained only when it sits on word boundaries
// of the normalized input, so "Star" does not claim "Starlight Freezeout".
// With substring set it falls back to a plain substring test.
func exactMatch(input string, venues []models.Venue, substring bool) (models.VenueSuggestion, bool) {
	padded := " " + input + " "
	for _, v := range venues {
		for _, candidate := range candidates(v) {
			norm := normalize(candidate)
			if norm == "" {
				continue
			}
			if (substring && strings.Contains(input, norm)) || strings.Contains(padded, " "+norm+" ") {
				return models.VenueSuggestion{
					VenueID:   v.ID,
					Name:      v.Name,
					MatchedOn: candidate,
					Score:     exactScore,
					Source:    models.MatchSourceExact,
				}, true
			}
		}
	}
	return models.VenueSuggestion{}, false
}

func (m *Matcher) fuzzyMatch(cleaned string, venues []models.Venue) []models.VenueSuggestion {
	scored := make([]models.VenueSuggestion, 0, len(venues))
	for _, v := range venues {
		best := models.VenueSuggestion{VenueID: v.ID, Name: v.Name, Source: models.MatchSourceFuzzy, Score: -1}
		for _, candidate := range candidates(v) {
			norm := normalize(candidate)
			if norm == "" {
				continue
			}
			if score := strutil.Similarity(cleaned, norm, m.metric); score > best.Score {
				best.Score = score
				best.MatchedOn = candidate
			}
		}
		if best.Score >= m.cfg.SuggestionThreshold {
			scored = append(scored, best)
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > m.cfg.MaxSuggestions {
		scored = scored[:m.cfg.MaxSuggestions]
	}
	return scored
}

func (m *Matcher) patternMatch(input string) []models.VenueSuggestion {
	out := []models.VenueSuggestion{}
	for _, p := range fallbackPatterns {
		if len(out) == m.cfg.MaxSuggestions {
			break
		}
		if loc := p.re.FindStringIndex(input); loc != nil {
			out = append(out, models.VenueSuggestion{
				Name:      p.name,
				MatchedOn: input[loc[0]:loc[1]],
				Score:     patternScore,
				Source:    models.MatchSourcePattern,
			})
		}
	}
	return out
}

func (m *Matcher) stripFiller(input string, extra []*regexp.Regexp) string {
	out := input
	for _, re := range m.series {
		out = re.ReplaceAllString(out, " ")
	}
	for _, re := range extra {
		out = re.ReplaceAllString(out, " ")
	}
	for _, re := range fillerPatterns {
		out = re.ReplaceAllString(out, " ")
	}
	return strings.Join(strings.Fields(out), " ")
}

func candidates(v models.Venue) []string {
	return append([]string{v.Name}, v.Aliases...)
}

// normalize lower-cases s, turns punctuation other than '#' into spaces and collapses whitespace
func normalize(s string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '#':
			return unicode.ToLower(r)
		case r == '\'' || r == '’':
			return -1
		default:
			return ' '
		}
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}
