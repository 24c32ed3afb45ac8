package models

import "time"

// ValidationTokens are the freshness markers returned by the upstream on a live fetch
type ValidationTokens struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// IsEmpty reports whether neither token is present
func (t ValidationTokens) IsEmpty() bool {
	return t.ETag == "" && t.LastModified == ""
}

// URLRecord is the persisted fetch state of one tracked identifier
type URLRecord struct {
	ID                string           `json:"id"`
	URL               string           `json:"url"`
	Status            URLStatus        `json:"status"`
	Suppressed        bool             `json:"suppressed"`
	SuppressionReason string           `json:"suppression_reason,omitempty"`
	Tokens            ValidationTokens `json:"tokens"`
	BlobKey           string           `json:"blob_key,omitempty"`       // Storage key of the last stored body
	Fingerprint       string           `json:"fingerprint,omitempty"`    // SHA-256 of the last successful body
	PageState         PageState        `json:"page_state,omitempty"`     // Last classification of live content
	TimesAttempted    int              `json:"times_attempted"`          // Live fetches started
	TimesSucceeded    int              `json:"times_succeeded"`          // Live fetches that returned content
	TimesFailed       int              `json:"times_failed"`             // Live fetches that failed
	ConsecutiveFails  int              `json:"consecutive_failures"`     // Reset to 0 on any success
	CacheHits         int              `json:"cache_hits"`               // Served from stored content
	ConditionalHits   int              `json:"conditional_hits"`         // Served after a not-modified revalidation
	LastSuccessAt     time.Time        `json:"last_success_at,omitempty"`
	LastCacheHitAt    time.Time        `json:"last_cache_hit_at,omitempty"`
	LastConditionalAt time.Time        `json:"last_conditional_at,omitempty"`
	LastErrorAt       time.Time        `json:"last_error_at,omitempty"`
	LastError         string           `json:"last_error,omitempty"`
	LastErrorCategory string           `json:"last_error_category,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// MarkActive sets the status to active unless the record is suppressed
func (r *URLRecord) MarkActive() {
	if r.Suppressed {
		r.Status = URLStatusSuppressed
		return
	}
	r.Status = URLStatusActive
}

// TierStats describes which cache tiers were consulted for a fetch
type TierStats struct {
	CacheChecked       bool `json:"cache_checked"`
	CacheHit           bool `json:"cache_hit"`
	ConditionalChecked bool `json:"conditional_checked"`
	NotModified        bool `json:"not_modified"`
}

// FetchResult is the uniform envelope returned for every fetch request
type FetchResult struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Success       bool              `json:"success"`
	Source        SourceTier        `json:"source,omitempty"`
	Content       string            `json:"content,omitempty"`
	Fingerprint   string            `json:"fingerprint,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	StatusCode    int               `json:"status_code,omitempty"`
	Attempts      int               `json:"attempts,omitempty"`
	NotModified   bool              `json:"not_modified"`
	PageState     PageState         `json:"page_state,omitempty"`
	Error         string            `json:"error,omitempty"`
	ErrorCategory string            `json:"error_category,omitempty"`
	Elapsed       time.Duration     `json:"elapsed"`
	Stats         TierStats         `json:"stats"`

	Err error `json:"-"` // Underlying error for in-process callers
}

// Venue is one entry of the reference list a venue name is matched against
type Venue struct {
	ID        string   `json:"id" yaml:"id"`
	EntityID  string   `json:"entity_id" yaml:"entity_id"`
	Name      string   `json:"name" yaml:"name"`
	Aliases   []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	SortOrder int      `json:"sort_order" yaml:"sort_order"`
}

// VenueSuggestion is a scored candidate venue
type VenueSuggestion struct {
	VenueID   string      `json:"venue_id,omitempty"` // Empty for pattern fallback suggestions
	Name      string      `json:"name"`
	MatchedOn string      `json:"matched_on"` // The name or alias that produced the score
	Score     float64     `json:"score"`
	Source    MatchSource `json:"source"`
}

// VenueMatchResult is the outcome of matching a free-text name against the reference list
type VenueMatchResult struct {
	AutoAssigned   *VenueSuggestion  `json:"auto_assigned_venue"`
	Suggestions    []VenueSuggestion `json:"suggestions"`
	ExtractedName  string            `json:"extracted_name"`
	MatchingFailed bool              `json:"matching_failed"`
}

// CachingStats aggregates URL state records for operational reporting
type CachingStats struct {
	TotalRecords    int               `json:"total_records"`
	ByStatus        map[URLStatus]int `json:"by_status"`
	Suppressed      int               `json:"suppressed"`
	WithStoredBody  int               `json:"with_stored_body"`
	WithTokens      int               `json:"with_tokens"`
	CacheHits       int               `json:"cache_hits"`
	ConditionalHits int               `json:"conditional_hits"`
	LiveAttempts    int               `json:"live_attempts"`
	LiveSuccesses   int               `json:"live_successes"`
	LiveFailures    int               `json:"live_failures"`
	TerminalByState map[PageState]int `json:"terminal_by_state"`
	CacheHitRatio   float64           `json:"cache_hit_ratio"` // (cache + conditional hits) / all served
	GeneratedAt     time.Time         `json:"generated_at"`
}
