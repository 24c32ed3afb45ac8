package orchestrate

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kingsroom/tourney-scraper/pkg/cache"
	"github.com/kingsroom/tourney-scraper/pkg/config"
	"github.com/kingsroom/tourney-scraper/pkg/detect"
	"github.com/kingsroom/tourney-scraper/pkg/fetch"
	applog "github.com/kingsroom/tourney-scraper/pkg/log"
	"github.com/kingsroom/tourney-scraper/pkg/match"
	"github.com/kingsroom/tourney-scraper/pkg/metrics"
	"github.com/kingsroom/tourney-scraper/pkg/storage"
	"github.com/kingsroom/tourney-scraper/pkg/tracker"
)

// Pipeline bundles the components an entry point needs
type Pipeline struct {
	Orchestrator *Orchestrator
	Tracker      *tracker.Tracker
	Matcher      *match.Matcher
	Venues       storage.VenueStore
	Blobs        storage.BlobStore
	Metrics      *metrics.Metrics
}

// Assemble builds every component from a validated config and opened stores.
// The HTTP client is shared by the live fetcher and the conditional validator.
// A nil log discards output; a nil m gets a fresh registry.
func Assemble(appCfg *config.AppConfig, stores *storage.Stores, m *metrics.Metrics, log *logrus.Entry) (*Pipeline, error) {
	if log == nil {
		log = applog.Discard()
	}
	if m == nil {
		m = metrics.New()
	}
	upstream, err := fetch.NewUpstream(appCfg.Upstream)
	if err != nil {
		return nil, err
	}
	httpClient := fetch.NewClient(appCfg.HTTPClientSettings, log.WithField("component", "http"))

	quota := fetch.NewQuotaLimiter(appCfg.LiveFetch.RequestsPerSecond, appCfg.LiveFetch.Burst, appCfg.LiveFetch.QuotaWaitTimeout)
	live := fetch.NewLiveFetcher(httpClient, upstream, appCfg.LiveFetch, quota, m, log.WithField("component", "fetcher"))
	validator := fetch.NewValidator(httpClient, upstream, appCfg.Conditional, m, log.WithField("component", "validator"))

	classifier, err := detect.NewClassifier(appCfg.PageState, log.WithField("component", "classifier"))
	if err != nil {
		return nil, fmt.Errorf("build page-state classifier: %w", err)
	}
	matcher, err := match.NewMatcher(appCfg.Matcher, m, log.WithField("component", "matcher"))
	if err != nil {
		return nil, fmt.Errorf("build venue matcher: %w", err)
	}

	t := tracker.New(stores.Records, log.WithField("component", "tracker"))
	coordinator := cache.NewCoordinator(stores.Blobs, validator, t, appCfg.Cache, log.WithField("component", "cache"))
	orch := NewOrchestrator(t, coordinator, live, classifier, stores.Blobs, Options{
		SuppressOnTerminal: appCfg.Cache.SuppressOnTerminal,
		Concurrency:        appCfg.Batch.Concurrency,
	}, m, log.WithField("component", "orchestrator"))

	return &Pipeline{
		Orchestrator: orch,
		Tracker:      t,
		Matcher:      matcher,
		Venues:       stores.Venues,
		Blobs:        stores.Blobs,
		Metrics:      m,
	}, nil
}

// StoredVenueText extracts venue text from the last stored body of id
func (p *Pipeline) StoredVenueText(ctx context.Context, id string) (string, error) {
	rec, err := p.Tracker.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.BlobKey == "" {
		return "", storage.ErrBlobNotFound
	}
	body, err := p.Blobs.GetBlob(ctx, rec.BlobKey)
	if err != nil {
		return "", err
	}
	return detect.ExtractVenueText(body), nil
}
