package match

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingsroom/tourney-scraper/pkg/config"
	"github.com/kingsroom/tourney-scraper/pkg/models"
	"github.com/kingsroom/tourney-scraper/pkg/storage"
	"github.com/kingsroom/tourney-scraper/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func defaultConfig() config.MatcherConfig {
	return config.MatcherConfig{
		AutoAssignThreshold: 0.85,
		SuggestionThreshold: 0.6,
		MaxSuggestions:      3,
		Metric:              "levenshtein",
	}
}

func newTestMatcher(t *testing.T, cfg config.MatcherConfig) *Matcher {
	t.Helper()
	m, err := NewMatcher(cfg, nil, testLogger())
	require.NoError(t, err)
	return m
}

func TestMatch_ExactSubstring(t *testing.T) {
	m := newTestMatcher(t, defaultConfig())
	venues := []models.Venue{{ID: "v1", Name: "The Star"}}

	result := m.Match("Tuesday Night NLHE at The Star", venues)
	require.NotNil(t, result.AutoAssigned)
	assert.Equal(t, "The Star", result.AutoAssigned.Name)
	assert.Equal(t, "v1", result.AutoAssigned.VenueID)
	assert.Equal(t, 1.0, result.AutoAssigned.Score)
	assert.Equal(t, models.MatchSourceExact, result.AutoAssigned.Source)
	assert.Equal(t, "Tuesday Night NLHE at The Star", result.ExtractedName)
	assert.False(t, result.MatchingFailed)
	assert.Len(t, result.Suggestions, 1)
}

func TestMatch_ExactUsesSourceOrder(t *testing.T) {
	m := newTestMatcher(t, defaultConfig())
	venues := []models.Venue{
		{ID: "v1", Name: "Crown Melbourne", Aliases: []string{"Crown"}},
		{ID: "v2", Name: "Crown Perth", Aliases: []string{"Crown"}},
	}

	for i := 0; i < 5; i++ {
		result := m.Match("Crown Sunday Deepstack", venues)
		require.NotNil(t, result.AutoAssigned)
		assert.Equal(t, "v1", result.AutoAssigned.VenueID)
		assert.Equal(t, "Crown", result.AutoAssigned.MatchedOn)
	}
}

func TestMatch_ExactRequiresWordBoundary(t *testing.T) {
	m := newTestMatcher(t, defaultConfig())
	venues := []models.Venue{{ID: "v1", Name: "Star"}}

	result := m.Match("Starlight Freezeout", venues)
	if result.AutoAssigned != nil {
		assert.NotEqual(t, models.MatchSourceExact, result.AutoAssigned.Source)
	}
}

func TestMatch_SubstringExact(t *testing.T) {
	cfg := defaultConfig()
	cfg.SubstringExact = true
	m := newTestMatcher(t, cfg)
	venues := []models.Venue{{ID: "v1", Name: "Star"}}

	result := m.Match("Starlight Freezeout", venues)
	require.NotNil(t, result.AutoAssigned)
	assert.Equal(t, "v1", result.AutoAssigned.VenueID)
	assert.Equal(t, models.MatchSourceExact, result.AutoAssigned.Source)
}

func TestMatch_FuzzyAutoAssign(t *testing.T) {
	m := newTestMatcher(t, defaultConfig())
	venues := []models.Venue{
		{ID: "v1", Name: "The Star"},
		{ID: "v2", Name: "Sydney Cup"},
	}

	result := m.Match("Sydny Cup Finale", venues)
	require.NotNil(t, result.AutoAssigned)
	assert.Equal(t, "Sydney Cup", result.AutoAssigned.Name)
	assert.Equal(t, models.MatchSourceFuzzy, result.AutoAssigned.Source)
	assert.InDelta(t, 0.9, result.AutoAssigned.Score, 1e-9)
	assert.False(t, result.MatchingFailed)
}

func TestMatch_SuggestionBelowAutoAssign(t *testing.T) {
	m := newTestMatcher(t, defaultConfig())
	venues := []models.Venue{
		{ID: "v1", Name: "The Star"},
		{ID: "v2", Name: "Bankstown Sports Club"},
	}

	result := m.Match("Bankstown Sports", venues)
	assert.Nil(t, result.AutoAssigned)
	require.Len(t, result.Suggestions, 1)
	assert.Equal(t, "v2", result.Suggestions[0].VenueID)
	assert.InDelta(t, 1-5.0/21.0, result.Suggestions[0].Score, 1e-9)
	assert.False(t, result.MatchingFailed)
}

func TestMatch_BestAliasPerVenue(t *testing.T) {
	m := newTestMatcher(t, defaultConfig())
	venues := []models.Venue{{ID: "v1", Name: "Crown Melbourne", Aliases: []string{"Crown Casino"}}}

	result := m.Match("Crwn Casino Weekly", venues)
	require.NotNil(t, result.AutoAssigned)
	assert.Equal(t, "Crown Melbourne", result.AutoAssigned.Name)
	assert.Equal(t, "Crown Casino", result.AutoAssigned.MatchedOn)
	assert.Len(t, result.Suggestions, 1, "one suggestion per venue")
}

func TestMatch_SuggestionsSortedAndCapped(t *testing.T) {
	m := newTestMatcher(t, defaultConfig())
	venues := []models.Venue{
		{ID: "club", Name: "Sydney Club"},
		{ID: "cap", Name: "Sydney Cap"},
		{ID: "sidney", Name: "Sidney Cup"},
		{ID: "cups", Name: "Sydney Cups"},
	}

	result := m.Match("Sydney Cupp", venues)
	require.Len(t, result.Suggestions, 3)
	for i := 1; i < len(result.Suggestions); i++ {
		assert.GreaterOrEqual(t, result.Suggestions[i-1].Score, result.Suggestions[i].Score)
	}
	assert.Equal(t, "cups", result.Suggestions[0].VenueID)
	assert.Equal(t, "cap", result.Suggestions[1].VenueID, "ties keep source order")
	assert.Equal(t, "sidney", result.Suggestions[2].VenueID)
	require.NotNil(t, result.AutoAssigned)
	assert.Equal(t, "cups", result.AutoAssigned.VenueID)
}

func TestMatch_SeriesTitlesStripped(t *testing.T) {
	venues := []models.Venue{{ID: "v1", Name: "Sydney Cup"}}

	m := newTestMatcher(t, defaultConfig())
	without := m.Match("Aussie Millions Sydny Cup", venues)
	assert.Nil(t, without.AutoAssigned)

	with := m.Match("Aussie Millions Sydny Cup", venues, "Aussie Millions")
	require.NotNil(t, with.AutoAssigned)
	assert.Equal(t, "Sydney Cup", with.AutoAssigned.Name)

	cfg := defaultConfig()
	cfg.SeriesTitles = []string{"Aussie Millions"}
	configured := newTestMatcher(t, cfg).Match("Aussie Millions Sydny Cup", venues)
	require.NotNil(t, configured.AutoAssigned)
}

func TestMatch_PatternFallback(t *testing.T) {
	m := newTestMatcher(t, defaultConfig())
	venues := []models.Venue{{ID: "v1", Name: "Wests Ashfield"}}

	result := m.Match("Friday Star City Shootout", venues)
	assert.Nil(t, result.AutoAssigned, "pattern suggestions are never auto-assigned")
	require.Len(t, result.Suggestions, 1)
	assert.Equal(t, "The Star", result.Suggestions[0].Name)
	assert.Equal(t, models.MatchSourcePattern, result.Suggestions[0].Source)
	assert.Equal(t, 0.5, result.Suggestions[0].Score)
	assert.Empty(t, result.Suggestions[0].VenueID)
	assert.False(t, result.MatchingFailed)

	cfg := defaultConfig()
	cfg.DisablePatterns = true
	disabled := newTestMatcher(t, cfg).Match("Friday Star City Shootout", venues)
	assert.True(t, disabled.MatchingFailed)
	assert.Empty(t, disabled.Suggestions)
}

func TestMatch_EmptyInputs(t *testing.T) {
	m := newTestMatcher(t, defaultConfig())

	result := m.Match("   ", []models.Venue{{ID: "v1", Name: "The Star"}})
	assert.True(t, result.MatchingFailed)
	assert.Nil(t, result.AutoAssigned)
	assert.Empty(t, result.Suggestions)

	result = m.Match("Star City Weekly", nil)
	assert.True(t, result.MatchingFailed, "empty reference list fails before the pattern table")
	assert.Empty(t, result.Suggestions)
	assert.Equal(t, "Star City Weekly", result.ExtractedName)
}

func TestMatch_FillerOnlyInput(t *testing.T) {
	m := newTestMatcher(t, defaultConfig())
	result := m.Match("Tuesday Night NLHE Event #12", []models.Venue{{ID: "v1", Name: "The Star"}})
	assert.True(t, result.MatchingFailed)
}

func TestNewMatcher_Metrics(t *testing.T) {
	for _, name := range []string{"", "levenshtein", "jaro-winkler", "sorensen-dice", "Jaro-Winkler"} {
		cfg := defaultConfig()
		cfg.Metric = name
		m, err := NewMatcher(cfg, nil, testLogger())
		require.NoError(t, err, name)

		result := m.Match("Sydny Cup Finale", []models.Venue{{ID: "v1", Name: "Sydney Cup"}})
		require.NotEmpty(t, result.Suggestions, name)
		assert.Equal(t, "v1", result.Suggestions[0].VenueID, name)
	}

	cfg := defaultConfig()
	cfg.Metric = "cosine"
	_, err := NewMatcher(cfg, nil, testLogger())
	assert.ErrorIs(t, err, utils.ErrConfigValidation)
}

func TestStripFiller(t *testing.T) {
	m := newTestMatcher(t, defaultConfig())
	tests := map[string]string{
		"tuesday night nlhe at the star": "the star",
		"sydny cup finale":               "sydny cup",
		"event #12 day 1a crown":         "crown",
		"3rd weekly plo bounty treasury": "treasury",
		"flight b 20k gtd west hq":       "west hq",
	}
	for input, want := range tests {
		assert.Equal(t, want, m.stripFiller(input, nil), input)
	}
}

func TestMatchForEntity(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewBadgerStore(storage.BadgerOptions{InMemory: true}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.PutVenue(ctx, models.Venue{ID: "v2", EntityID: "nsw", Name: "Sydney Cup", SortOrder: 2}))
	require.NoError(t, store.PutVenue(ctx, models.Venue{ID: "v1", EntityID: "nsw", Name: "The Star", SortOrder: 1}))
	require.NoError(t, store.PutVenue(ctx, models.Venue{ID: "v9", EntityID: "vic", Name: "Crown Melbourne"}))

	m := newTestMatcher(t, defaultConfig())
	result, err := m.MatchForEntity(ctx, store, "nsw", "Sydny Cup Finale")
	require.NoError(t, err)
	require.NotNil(t, result.AutoAssigned)
	assert.Equal(t, "v2", result.AutoAssigned.VenueID)

	result, err = m.MatchForEntity(ctx, store, "qld", "Sydny Cup Finale")
	require.NoError(t, err)
	assert.True(t, result.MatchingFailed)
}
