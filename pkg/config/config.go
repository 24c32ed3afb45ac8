package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingsroom/tourney-scraper/pkg/models"
)

// Environment variables that override secrets kept out of config files
const (
	EnvUpstreamAPIKey = "TOURNEY_UPSTREAM_API_KEY"
	EnvPostgresDSN    = "TOURNEY_POSTGRES_DSN"
	EnvRedisPassword  = "TOURNEY_REDIS_PASSWORD"
)

// Storage backend names
const (
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// AppConfig holds the global application configuration
type AppConfig struct {
	Upstream           UpstreamConfig    `yaml:"upstream"`
	LiveFetch          LiveFetchConfig   `yaml:"live_fetch"`
	Conditional        ConditionalConfig `yaml:"conditional"`
	Cache              CacheConfig       `yaml:"cache"`
	PageState          PageStateConfig   `yaml:"page_state,omitempty"`
	Matcher            MatcherConfig     `yaml:"matcher"`
	Storage            StorageConfig     `yaml:"storage"`
	Batch              BatchConfig       `yaml:"batch"`
	HTTPClientSettings HTTPClientConfig  `yaml:"http_client_settings,omitempty"`
}

// UpstreamConfig describes how requests reach the paid upstream source.
// With Endpoint set, target URLs are passed through it as a query parameter;
// otherwise targets are requested directly.
type UpstreamConfig struct {
	Endpoint      string `yaml:"endpoint,omitempty"`   // e.g. https://proxy.example.com/v1/
	URLParam      string `yaml:"url_param,omitempty"`  // Query parameter carrying the target URL
	KeyParam      string `yaml:"key_param,omitempty"`  // Query parameter carrying the credential (endpoint mode)
	KeyHeader     string `yaml:"key_header,omitempty"` // Header carrying the credential (direct mode)
	DefaultAPIKey string `yaml:"default_api_key,omitempty"`
	UserAgent     string `yaml:"user_agent,omitempty"`
}

// LiveFetchConfig bounds the retry loop of the live fetcher
type LiveFetchConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialRetryDelay time.Duration `yaml:"initial_retry_delay"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay"`
	AttemptTimeout    time.Duration `yaml:"attempt_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // Upstream quota (0 = unlimited)
	Burst             int           `yaml:"burst"`
	QuotaWaitTimeout  time.Duration `yaml:"quota_wait_timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
}

// ConditionalConfig holds settings for the freshness check
type ConditionalConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Method  string        `yaml:"method,omitempty"` // HEAD unless the upstream only supports GET
}

// CacheConfig controls reuse of stored content
type CacheConfig struct {
	Enabled             *bool    `yaml:"enabled,omitempty"` // nil = enabled
	MinContentLength    int      `yaml:"min_content_length"`
	RequiredMarkers     []string `yaml:"required_markers,omitempty"`
	DisabledIdentifiers []string `yaml:"disabled_identifiers,omitempty"`
	SuppressOnTerminal  bool     `yaml:"suppress_on_terminal,omitempty"`
}

// PageStateConfig adds regex patterns to the built-in page-state signatures
type PageStateConfig struct {
	NotFoundPatterns     []string `yaml:"not_found_patterns,omitempty"`
	NotPublishedPatterns []string `yaml:"not_published_patterns,omitempty"`
	NotInUsePatterns     []string `yaml:"not_in_use_patterns,omitempty"`
}

// MatcherConfig holds venue matching thresholds
type MatcherConfig struct {
	AutoAssignThreshold float64  `yaml:"auto_assign_threshold"`
	SuggestionThreshold float64  `yaml:"suggestion_threshold"`
	MaxSuggestions      int      `yaml:"max_suggestions"`
	Metric              string   `yaml:"metric"` // levenshtein | jaro-winkler | sorensen-dice
	SeriesTitles        []string `yaml:"series_titles,omitempty"`
	DisablePatterns     bool     `yaml:"disable_patterns,omitempty"`
	SubstringExact      bool     `yaml:"substring_exact,omitempty"` // exact pass ignores word boundaries
}

// StorageConfig selects record and blob backends
type StorageConfig struct {
	RecordBackend string        `yaml:"record_backend"`
	BlobBackend   string        `yaml:"blob_backend"`
	StateDir      string        `yaml:"state_dir"`
	InMemory      bool          `yaml:"in_memory,omitempty"`
	PostgresDSN   string        `yaml:"postgres_dsn,omitempty"`
	RedisAddr     string        `yaml:"redis_addr,omitempty"`
	RedisPassword string        `yaml:"redis_password,omitempty"`
	RedisDB       int           `yaml:"redis_db,omitempty"`
	BlobTTL       time.Duration `yaml:"blob_ttl,omitempty"` // 0 = keep forever
	GCInterval    time.Duration `yaml:"gc_interval,omitempty"`
}

// BatchConfig bounds batch fan-out
type BatchConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// CacheEnabledFor reports whether stored content may be reused for id
func (c CacheConfig) CacheEnabledFor(id string) bool {
	if c.Enabled != nil && !*c.Enabled {
		return false
	}
	for _, disabled := range c.DisabledIdentifiers {
		if disabled == id {
			return false
		}
	}
	return true
}

// LoadConfig reads and parses a YAML config file, then applies environment overrides.
// Defaults are not applied; call Validate on the result.
func LoadConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// ParseConfig decodes YAML bytes into an AppConfig
func ParseConfig(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides secrets from the environment. lookup is usually os.LookupEnv.
func (c *AppConfig) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvUpstreamAPIKey); ok && v != "" {
		c.Upstream.DefaultAPIKey = v
	}
	if v, ok := lookup(EnvPostgresDSN); ok && v != "" {
		c.Storage.PostgresDSN = v
	}
	if v, ok := lookup(EnvRedisPassword); ok && v != "" {
		c.Storage.RedisPassword = v
	}
}

// LoadVenues reads a YAML list of venues used to seed the reference store.
// Venues without a sort_order take their position in the list.
func LoadVenues(path string) ([]models.Venue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read venues: %w", err)
	}
	var venues []models.Venue
	if err := yaml.Unmarshal(data, &venues); err != nil {
		return nil, fmt.Errorf("parse venues: %w", err)
	}
	for i := range venues {
		if venues[i].SortOrder == 0 {
			venues[i].SortOrder = i
		}
	}
	return venues, nil
}
