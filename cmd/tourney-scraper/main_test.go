package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingsroom/tourney-scraper/pkg/models"
	"github.com/kingsroom/tourney-scraper/pkg/orchestrate"
)

var listingPage = `<html><body><h1>Monday Deepstack</h1><div class="venue-name">Crown Melbourne</div>` +
	strings.Repeat("<p>Late registration until the end of level 6.</p>", 15) + `</body></html>`

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/missing") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("ETag", `"listing-1"`)
		_, _ = io.WriteString(w, listingPage)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeConfig writes a config backed by an on-disk Badger store in a temp dir,
// so state survives across commands in one test.
func writeConfig(t *testing.T, extra string) *commonFlags {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
live_fetch:
  max_attempts: 2
  initial_retry_delay: 1ms
  max_retry_delay: 5ms
storage:
  state_dir: %q
%s`, filepath.Join(dir, "state"), extra)
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))
	return &commonFlags{configPath: cfgPath, logLevel: "error", logFormat: "text"}
}

func TestPrintUsageTo(t *testing.T) {
	var buf bytes.Buffer
	printUsageTo(&buf)
	for _, cmd := range []string{"fetch", "batch", "match", "suppress", "seed-venues", "mcp-server"} {
		assert.Contains(t, buf.String(), cmd)
	}
}

func TestDoValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		cf := writeConfig(t, "")
		var stdout, stderr bytes.Buffer
		code := doValidate(cf.configPath, &stdout, &stderr)
		assert.Equal(t, 0, code, stderr.String())
		assert.Contains(t, stdout.String(), "OK: upstream (direct)")
		assert.Contains(t, stdout.String(), "metric=levenshtein")
		assert.Contains(t, stdout.String(), "Configuration valid")
	})

	t.Run("unknown metric", func(t *testing.T) {
		cf := writeConfig(t, "matcher:\n  metric: cosine\n")
		var stdout, stderr bytes.Buffer
		code := doValidate(cf.configPath, &stdout, &stderr)
		assert.Equal(t, 1, code)
		assert.Contains(t, stderr.String(), "unknown matcher.metric")
	})

	t.Run("missing file", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := doValidate("/nonexistent/config.yaml", &stdout, &stderr)
		assert.Equal(t, 1, code)
		assert.Contains(t, stderr.String(), "read config")
	})
}

func TestDoFetch(t *testing.T) {
	upstream := newUpstream(t)
	cf := writeConfig(t, "")

	var stdout, stderr bytes.Buffer
	code := doFetch(cf, "t-1", upstream.URL+"/t/1", orchestrate.FetchOptions{}, false, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var first models.FetchResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &first))
	assert.True(t, first.Success)
	assert.Equal(t, models.TierLive, first.Source)
	assert.Empty(t, first.Content)

	stdout.Reset()
	code = doFetch(cf, "t-1", upstream.URL+"/t/1", orchestrate.FetchOptions{}, true, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	var second models.FetchResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &second))
	assert.Equal(t, models.TierCachedContent, second.Source)
	assert.Equal(t, listingPage, second.Content)

	stdout.Reset()
	code = doStats(cf, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	var stats models.CachingStats
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalRecords)
	assert.Equal(t, 1, stats.CacheHits)
}

func TestDoFetch_Failures(t *testing.T) {
	upstream := newUpstream(t)
	cf := writeConfig(t, "")

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, doFetch(cf, "", upstream.URL, orchestrate.FetchOptions{}, false, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "-id and -url are required")

	stdout.Reset()
	code := doFetch(cf, "gone", upstream.URL+"/missing", orchestrate.FetchOptions{}, false, &stdout, &stderr)
	assert.Equal(t, 1, code)
	var result models.FetchResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
	assert.Equal(t, "HTTP_404", result.ErrorCategory)
}

func TestDoBatch(t *testing.T) {
	upstream := newUpstream(t)
	cf := writeConfig(t, "")

	input := strings.Join([]string{
		"# weekly schedule",
		"a," + upstream.URL + "/t/a",
		"b," + upstream.URL + "/missing",
		"",
		"c," + upstream.URL + "/t/c",
	}, "\n")

	var stdout, stderr bytes.Buffer
	code := doBatch(cf, strings.NewReader(input), orchestrate.FetchOptions{}, "", &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "1 of 3 fetches failed")

	var ids []string
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		var r models.FetchResult
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		ids = append(ids, r.ID)
		assert.Empty(t, r.Content)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids, "results keep input order")

	stderr.Reset()
	code = doBatch(cf, strings.NewReader("no comma here"), orchestrate.FetchOptions{}, "", io.Discard, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "line 1")
}

func TestSeedVenuesAndMatch(t *testing.T) {
	upstream := newUpstream(t)
	cf := writeConfig(t, "")

	venuesPath := filepath.Join(t.TempDir(), "venues.yaml")
	require.NoError(t, os.WriteFile(venuesPath, []byte(`
- id: crown
  entity_id: vic
  name: Crown Melbourne
  aliases: ["Crown Casino"]
- id: pokerhouse
  entity_id: vic
  name: Melbourne Poker House
`), 0644))

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, doSeedVenues(cf, venuesPath, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "Seeded 2 venues")

	t.Run("by name", func(t *testing.T) {
		stdout.Reset()
		code := doMatch(cf, "vic", "Crwn Casino Weekly", "", nil, &stdout, &stderr)
		require.Equal(t, 0, code, stderr.String())
		var result models.VenueMatchResult
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
		require.NotNil(t, result.AutoAssigned)
		assert.Equal(t, "crown", result.AutoAssigned.VenueID)
	})

	t.Run("from stored page", func(t *testing.T) {
		require.Equal(t, 0, doFetch(cf, "t-9", upstream.URL+"/t/9", orchestrate.FetchOptions{}, false, io.Discard, &stderr))
		stdout.Reset()
		code := doMatch(cf, "vic", "", "t-9", nil, &stdout, &stderr)
		require.Equal(t, 0, code, stderr.String())
		var result models.VenueMatchResult
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
		assert.Equal(t, "Crown Melbourne", result.ExtractedName)
		require.NotNil(t, result.AutoAssigned)
		assert.Equal(t, models.MatchSourceExact, result.AutoAssigned.Source)
	})

	t.Run("requires entity and input", func(t *testing.T) {
		assert.Equal(t, 1, doMatch(cf, "", "Crown", "", nil, io.Discard, io.Discard))
		assert.Equal(t, 1, doMatch(cf, "vic", "", "", nil, io.Discard, io.Discard))
	})
}

func TestSeedVenues_ListOrderDecidesExactMatch(t *testing.T) {
	cf := writeConfig(t, "")

	// IDs sort opposite to list order
	venuesPath := filepath.Join(t.TempDir(), "venues.yaml")
	require.NoError(t, os.WriteFile(venuesPath, []byte(`
- id: zstar
  entity_id: nsw
  name: The Star
- id: astar
  entity_id: nsw
  name: Star City
`), 0644))
	require.Equal(t, 0, doSeedVenues(cf, venuesPath, io.Discard, io.Discard))

	var stdout, stderr bytes.Buffer
	code := doMatch(cf, "nsw", "Friday at The Star City", "", nil, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	var result models.VenueMatchResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
	require.NotNil(t, result.AutoAssigned)
	assert.Equal(t, "zstar", result.AutoAssigned.VenueID)
	assert.Equal(t, models.MatchSourceExact, result.AutoAssigned.Source)
}

func TestSuppressLifecycle(t *testing.T) {
	cf := writeConfig(t, "")

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, doState(cf, "t-3", &stdout, &stderr))
	assert.Contains(t, stderr.String(), "No state recorded")

	assert.Equal(t, 1, doSuppress(cf, "t-3", "", "", false, io.Discard, io.Discard), "clearing an unknown id fails")

	stdout.Reset()
	require.Equal(t, 0, doSuppress(cf, "t-3", "https://example.com/t/3", "duplicate listing", true, &stdout, &stderr))
	var rec models.URLRecord
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &rec))
	assert.True(t, rec.Suppressed)
	assert.Equal(t, models.URLStatusSuppressed, rec.Status)

	stdout.Reset()
	require.Equal(t, 0, doState(cf, "t-3", &stdout, &stderr))
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &rec))
	assert.Equal(t, "duplicate listing", rec.SuppressionReason)
	assert.Equal(t, "https://example.com/t/3", rec.URL)

	stdout.Reset()
	require.Equal(t, 0, doSuppress(cf, "t-3", "", "", false, &stdout, &stderr))
	rec = models.URLRecord{}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &rec))
	assert.False(t, rec.Suppressed)
	assert.Equal(t, models.URLStatusActive, rec.Status)
}

func TestDoMcpServer_UnknownTransport(t *testing.T) {
	cf := writeConfig(t, "")
	var stderr bytes.Buffer
	assert.Equal(t, 1, doMcpServer(cf, "carrier-pigeon", 0, "", &stderr))
	assert.Contains(t, stderr.String(), "Unknown transport")
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"Aussie Millions", "APT"}, splitCSV("Aussie Millions, APT,"))
	assert.Nil(t, splitCSV(""))
}
