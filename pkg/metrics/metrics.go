package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kingsroom/tourney-scraper/pkg/models"
)

// Metrics holds the fetch pipeline collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	FetchesTotal      *prometheus.CounterVec
	LiveAttemptsTotal *prometheus.CounterVec
	ConditionalTotal  *prometheus.CounterVec
	PageStatesTotal   *prometheus.CounterVec
	VenueMatchesTotal *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec
	PersistFailures   prometheus.Counter
	registry          *prometheus.Registry
}

// New registers the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		FetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tourney_fetches_total",
				Help: "Fetch requests by serving tier and outcome.",
			},
			[]string{"tier", "outcome"}, // tier: cached-content, conditionally-validated, live, none
		),
		LiveAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tourney_live_attempts_total",
				Help: "Upstream live fetch attempts by result class.",
			},
			[]string{"result"}, // 2xx, 4xx, 5xx, network, other
		),
		ConditionalTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tourney_conditional_checks_total",
				Help: "Conditional freshness checks by outcome.",
			},
			[]string{"outcome"}, // not_modified, modified, inconclusive
		),
		PageStatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tourney_page_states_total",
				Help: "Classified page states of live content.",
			},
			[]string{"state"},
		),
		VenueMatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tourney_venue_matches_total",
				Help: "Venue match outcomes.",
			},
			[]string{"outcome"}, // exact, auto, suggested, pattern, failed
		),
		FetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tourney_fetch_duration_seconds",
				Help:    "End-to-end fetch duration.",
				Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 15, 30, 60, 120},
			},
			[]string{"tier"},
		),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "tourney_persist_failures_total",
			Help: "Successful live fetches whose blob or record write failed.",
		}),
	}
}

// Handler exposes the registry for scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveFetch records the final outcome of one orchestrated fetch
func (m *Metrics) ObserveFetch(tier models.SourceTier, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.FetchesTotal.WithLabelValues(tier.String(), outcome).Inc()
	m.FetchDuration.WithLabelValues(tier.String()).Observe(elapsed.Seconds())
}

// ObserveLiveAttempt records one upstream attempt. statusCode 0 means a transport failure.
func (m *Metrics) ObserveLiveAttempt(statusCode int) {
	if m == nil {
		return
	}
	m.LiveAttemptsTotal.WithLabelValues(statusClass(statusCode)).Inc()
}

// ObserveConditional records a freshness check outcome
func (m *Metrics) ObserveConditional(outcome string) {
	if m == nil {
		return
	}
	m.ConditionalTotal.WithLabelValues(outcome).Inc()
}

// ObservePageState records a classification of live content
func (m *Metrics) ObservePageState(state models.PageState) {
	if m == nil {
		return
	}
	m.PageStatesTotal.WithLabelValues(state.String()).Inc()
}

// ObserveVenueMatch records a match outcome
func (m *Metrics) ObserveVenueMatch(outcome string) {
	if m == nil {
		return
	}
	m.VenueMatchesTotal.WithLabelValues(outcome).Inc()
}

// ObservePersistFailure records a storage failure after a paid fetch
func (m *Metrics) ObservePersistFailure() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

func statusClass(code int) string {
	switch {
	case code == 0:
		return "network"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "other"
	}
}
