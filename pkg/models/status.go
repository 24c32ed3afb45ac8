package models

// URLStatus represents the lifecycle status of a tracked identifier
type URLStatus string

const (
	URLStatusUnset      URLStatus = ""           // Zero value = record never touched
	URLStatusActive     URLStatus = "active"     // Last interaction succeeded (hit, revalidation or live fetch)
	URLStatusSuppressed URLStatus = "suppressed" // Live fetches blocked until explicitly cleared
	URLStatusErrored    URLStatus = "errored"    // Last live fetch failed
)

// String implements fmt.Stringer for logging
func (s URLStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s URLStatus) IsValid() bool {
	switch s {
	case URLStatusActive, URLStatusSuppressed, URLStatusErrored:
		return true
	}
	return false
}

// SourceTier identifies which tier served a FetchResult
type SourceTier string

const (
	TierNone          SourceTier = ""
	TierCachedContent SourceTier = "cached-content"
	TierConditional   SourceTier = "conditionally-validated"
	TierLive          SourceTier = "live"
)

// String implements fmt.Stringer for logging
func (t SourceTier) String() string {
	if t == "" {
		return "none"
	}
	return string(t)
}

// PageState is the classification of fetched content
type PageState string

const (
	PageStateNormal       PageState = "normal"
	PageStateNotFound     PageState = "not-found"
	PageStateNotPublished PageState = "not-published"
	PageStateNotInUse     PageState = "not-in-use"
)

// String implements fmt.Stringer for logging
func (p PageState) String() string {
	if p == "" {
		return "unclassified"
	}
	return string(p)
}

// IsTerminal reports whether the state should stop further processing of the page
func (p PageState) IsTerminal() bool {
	switch p {
	case PageStateNotFound, PageStateNotPublished, PageStateNotInUse:
		return true
	}
	return false
}

// MatchSource records which matcher pass produced a venue suggestion
type MatchSource string

const (
	MatchSourceExact   MatchSource = "exact"
	MatchSourceFuzzy   MatchSource = "fuzzy"
	MatchSourcePattern MatchSource = "pattern"
)
