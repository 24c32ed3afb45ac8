package config

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kingsroom/tourney-scraper/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and a fatal error only for settings that cannot be defaulted.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	if err := c.validateUpstream(); err != nil {
		return warnings, err
	}
	warnings = append(warnings, c.validateLiveFetch()...)
	c.validateConditional()
	c.validateCache()
	if err := c.validatePageState(); err != nil {
		return warnings, err
	}
	matcherWarnings, err := c.validateMatcher()
	warnings = append(warnings, matcherWarnings...)
	if err != nil {
		return warnings, err
	}
	storageWarnings, err := c.validateStorage()
	warnings = append(warnings, storageWarnings...)
	if err != nil {
		return warnings, err
	}

	if c.Batch.Concurrency <= 0 {
		warnings = append(warnings, "batch.concurrency should be > 0, defaulting to 8")
		c.Batch.Concurrency = 8
	}

	c.validateHTTPClientSettings()
	return warnings, nil
}

func (c *AppConfig) validateUpstream() error {
	u := &c.Upstream
	if u.Endpoint != "" {
		parsed, err := url.Parse(u.Endpoint)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%w: upstream.endpoint %q is not an absolute URL", utils.ErrConfigValidation, u.Endpoint)
		}
	}
	if u.URLParam == "" {
		u.URLParam = "url"
	}
	if u.KeyParam == "" {
		u.KeyParam = "api_key"
	}
	if u.KeyHeader == "" {
		u.KeyHeader = "X-Api-Key"
	}
	if u.UserAgent == "" {
		u.UserAgent = "tourney-scraper/1.0"
	}
	return nil
}

func (c *AppConfig) validateLiveFetch() (warnings []string) {
	l := &c.LiveFetch
	if l.MaxAttempts <= 0 {
		l.MaxAttempts = 3
	}
	if l.InitialRetryDelay <= 0 {
		l.InitialRetryDelay = 1 * time.Second
	}
	if l.MaxRetryDelay <= 0 {
		l.MaxRetryDelay = 30 * time.Second
	}
	if l.InitialRetryDelay > l.MaxRetryDelay {
		warnings = append(warnings, fmt.Sprintf(
			"live_fetch.initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			l.InitialRetryDelay, l.MaxRetryDelay))
		l.InitialRetryDelay = l.MaxRetryDelay
	}
	if n := cappedRetries(l.MaxAttempts, l.InitialRetryDelay, l.MaxRetryDelay); n > 1 {
		warnings = append(warnings, fmt.Sprintf(
			"live_fetch.max_attempts (%d) with initial_retry_delay (%v) reaches max_retry_delay (%v) early, the last %d retries wait the same delay",
			l.MaxAttempts, l.InitialRetryDelay, l.MaxRetryDelay, n))
	}
	if l.AttemptTimeout <= 0 {
		l.AttemptTimeout = 30 * time.Second
	}
	if l.RequestsPerSecond < 0 {
		warnings = append(warnings, "live_fetch.requests_per_second cannot be negative, disabling quota limit")
		l.RequestsPerSecond = 0
	}
	if l.Burst <= 0 {
		l.Burst = 1
	}
	if l.QuotaWaitTimeout <= 0 {
		l.QuotaWaitTimeout = 60 * time.Second
	}
	if l.MaxBodyBytes <= 0 {
		l.MaxBodyBytes = 20 << 20
	}
	return warnings
}

// cappedRetries counts the retries whose doubled delay is held at maxDelay
func cappedRetries(maxAttempts int, initial, maxDelay time.Duration) int {
	capped := 0
	delay := initial
	for attempt := 2; attempt <= maxAttempts; attempt++ {
		if delay >= maxDelay {
			capped++
			continue
		}
		delay *= 2
	}
	return capped
}

func (c *AppConfig) validateConditional() {
	if c.Conditional.Timeout <= 0 {
		c.Conditional.Timeout = 5 * time.Second
	}
	switch strings.ToUpper(c.Conditional.Method) {
	case http.MethodGet:
		c.Conditional.Method = http.MethodGet
	default:
		c.Conditional.Method = http.MethodHead
	}
}

func (c *AppConfig) validateCache() {
	if c.Cache.MinContentLength <= 0 {
		c.Cache.MinContentLength = 500
	}
	if len(c.Cache.RequiredMarkers) == 0 {
		c.Cache.RequiredMarkers = []string{"<html", "<body"}
	}
}

func (c *AppConfig) validatePageState() error {
	p := c.PageState
	for _, set := range [][]string{p.NotFoundPatterns, p.NotPublishedPatterns, p.NotInUsePatterns} {
		if _, err := utils.CompileRegexPatterns(set, true); err != nil {
			return fmt.Errorf("page_state: %w", err)
		}
	}
	return nil
}

func (c *AppConfig) validateMatcher() (warnings []string, err error) {
	m := &c.Matcher
	if m.AutoAssignThreshold <= 0 {
		m.AutoAssignThreshold = 0.85
	}
	if m.SuggestionThreshold <= 0 {
		m.SuggestionThreshold = 0.6
	}
	if m.AutoAssignThreshold > 1 || m.SuggestionThreshold > 1 {
		return nil, fmt.Errorf("%w: matcher thresholds must be within (0, 1]", utils.ErrConfigValidation)
	}
	if m.SuggestionThreshold > m.AutoAssignThreshold {
		warnings = append(warnings, fmt.Sprintf(
			"matcher.suggestion_threshold (%.2f) > auto_assign_threshold (%.2f), lowering suggestion threshold",
			m.SuggestionThreshold, m.AutoAssignThreshold))
		m.SuggestionThreshold = m.AutoAssignThreshold
	}
	if m.MaxSuggestions <= 0 || m.MaxSuggestions > 3 {
		if m.MaxSuggestions > 3 {
			warnings = append(warnings, "matcher.max_suggestions is capped at 3")
		}
		m.MaxSuggestions = 3
	}
	switch m.Metric {
	case "":
		m.Metric = "levenshtein"
	case "levenshtein", "jaro-winkler", "sorensen-dice":
	default:
		return warnings, fmt.Errorf("%w: unknown matcher.metric %q", utils.ErrConfigValidation, m.Metric)
	}
	return warnings, nil
}

func (c *AppConfig) validateStorage() (warnings []string, err error) {
	s := &c.Storage
	if s.RecordBackend == "" {
		s.RecordBackend = BackendBadger
	}
	if s.BlobBackend == "" {
		s.BlobBackend = BackendBadger
	}
	switch s.RecordBackend {
	case BackendBadger:
	case BackendPostgres:
		if s.PostgresDSN == "" {
			return warnings, fmt.Errorf("%w: storage.record_backend is postgres but no postgres_dsn (or %s) is set",
				utils.ErrConfigValidation, EnvPostgresDSN)
		}
	default:
		return warnings, fmt.Errorf("%w: unknown storage.record_backend %q", utils.ErrConfigValidation, s.RecordBackend)
	}
	switch s.BlobBackend {
	case BackendBadger:
	case BackendRedis:
		if s.RedisAddr == "" {
			return warnings, fmt.Errorf("%w: storage.blob_backend is redis but no redis_addr is set", utils.ErrConfigValidation)
		}
	default:
		return warnings, fmt.Errorf("%w: unknown storage.blob_backend %q", utils.ErrConfigValidation, s.BlobBackend)
	}
	needsBadger := s.RecordBackend == BackendBadger || s.BlobBackend == BackendBadger
	if needsBadger && s.StateDir == "" && !s.InMemory {
		warnings = append(warnings, "storage.state_dir is empty, defaulting to './tourney_state'")
		s.StateDir = "./tourney_state"
	}
	if s.BlobTTL < 0 {
		warnings = append(warnings, "storage.blob_ttl cannot be negative, keeping blobs forever")
		s.BlobTTL = 0
	}
	if s.GCInterval <= 0 {
		s.GCInterval = 10 * time.Minute
	}
	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 10
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}
