package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/kingsroom/tourney-scraper/pkg/cache"
	"github.com/kingsroom/tourney-scraper/pkg/detect"
	"github.com/kingsroom/tourney-scraper/pkg/fetch"
	"github.com/kingsroom/tourney-scraper/pkg/metrics"
	"github.com/kingsroom/tourney-scraper/pkg/models"
	"github.com/kingsroom/tourney-scraper/pkg/storage"
	"github.com/kingsroom/tourney-scraper/pkg/tracker"
	"github.com/kingsroom/tourney-scraper/pkg/utils"
)

// ErrTerminalPage marks live content classified as not-found, not-published or not-in-use
var ErrTerminalPage = errors.New("terminal page state")

// forwardedHeaders are the response headers copied into a FetchResult
var forwardedHeaders = []string{"Content-Type", "ETag", "Last-Modified", "Date", "Cache-Control"}

// LiveFetcher performs a quota-consuming retrieval
type LiveFetcher interface {
	Fetch(ctx context.Context, target, apiKey string) (*fetch.LiveResponse, error)
}

// FetchOptions are per-request switches
type FetchOptions struct {
	ForceRefresh bool   // Skip cache tiers and terminal-state aborts; suppression still applies
	APIKey       string // Overrides the default upstream credential
}

// FetchRequest identifies one page of a batch
type FetchRequest struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Options configures an Orchestrator
type Options struct {
	SuppressOnTerminal bool // Suppress identifiers whose page is not-found or not-in-use
	Concurrency        int  // FetchBatch parallelism
}

// Orchestrator composes the cache tiers, live fetcher, classifier and state tracker
// into one request/response cycle per identifier
type Orchestrator struct {
	tracker    *tracker.Tracker
	cache      *cache.Coordinator
	live       LiveFetcher
	classifier *detect.Classifier
	blobs      storage.BlobStore
	opts       Options
	metrics    *metrics.Metrics
	log        *logrus.Entry
	now        func() time.Time
}

// NewOrchestrator wires already constructed components together
func NewOrchestrator(t *tracker.Tracker, c *cache.Coordinator, live LiveFetcher, classifier *detect.Classifier,
	blobs storage.BlobStore, opts Options, m *metrics.Metrics, log *logrus.Entry) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Orchestrator{
		tracker:    t,
		cache:      c,
		live:       live,
		classifier: classifier,
		blobs:      blobs,
		opts:       opts,
		metrics:    m,
		log:        log,
		now:        time.Now,
	}
}

// Fetch returns content for id, reusing stored content when possible.
// Failures are reported in the result; Fetch never returns a transport error directly.
func (o *Orchestrator) Fetch(ctx context.Context, id, url string, opts FetchOptions) models.FetchResult {
	start := o.now()
	id, url = strings.TrimSpace(id), strings.TrimSpace(url)
	result := models.FetchResult{ID: id, URL: url}
	reqLog := o.log.WithFields(logrus.Fields{"id": id, "url": url})

	finish := func() models.FetchResult {
		result.Elapsed = o.now().Sub(start)
		o.metrics.ObserveFetch(result.Source, result.Success, result.Elapsed)
		return result
	}
	fail := func(err error, category string) models.FetchResult {
		result.Success = false
		result.Source = models.TierNone
		result.Content = ""
		result.Err = err
		result.Error = err.Error()
		result.ErrorCategory = category
		if category == "" {
			result.ErrorCategory = utils.CategorizeError(err)
		}
		return finish()
	}

	if id == "" || url == "" {
		return fail(fmt.Errorf("%w: identifier and url are required", utils.ErrInvalidInput), "")
	}

	rec, err := o.tracker.Ensure(ctx, id, url)
	if err != nil {
		// Without a record the cache tiers are skipped, but the caller still gets content
		reqLog.Errorf("Failed to load URL record, continuing without cache: %v", err)
		o.metrics.ObservePersistFailure()
		rec = &models.URLRecord{ID: id, URL: url}
	}
	if rec.URL != url {
		rec.URL = url
	}

	cached := o.cache.Check(ctx, rec, cache.Options{ForceRefresh: opts.ForceRefresh, APIKey: opts.APIKey})
	result.Stats = cached.Stats
	if cached.Success {
		result.Success = true
		result.Source = cached.Source
		result.Content = cached.Content
		result.Fingerprint = cached.Fingerprint
		result.NotModified = cached.NotModified
		result.StatusCode = cached.StatusCode
		result.PageState = rec.PageState
		reqLog.WithField("tier", cached.Source).Info("Served from cache")
		return finish()
	}
	if cached.NotModified {
		reqLog.Warn("Content unchanged upstream but stored body is missing, fetching live")
	}

	// Suppression blocks only the live tier, even on force refresh
	if rec.Suppressed {
		reqLog.WithField("reason", rec.SuppressionReason).Debug("Skipping live fetch for suppressed identifier")
		return fail(fmt.Errorf("%w: %s", utils.ErrSuppressed, rec.SuppressionReason), "")
	}

	// Outcomes of a paid fetch are recorded even if the caller has gone away
	persistCtx := context.WithoutCancel(ctx)

	if _, err := o.tracker.RecordAttempt(persistCtx, id, url); err != nil {
		reqLog.Warnf("Failed to record live attempt: %v", err)
		o.metrics.ObservePersistFailure()
	}

	resp, err := o.live.Fetch(ctx, url, opts.APIKey)
	if err != nil {
		var fe *fetch.FetchError
		if errors.As(err, &fe) {
			result.Attempts = fe.Attempts
			result.StatusCode = fe.StatusCode
		}
		category := utils.CategorizeError(err)
		if _, rerr := o.tracker.RecordFailure(persistCtx, id, url, err.Error(), category); rerr != nil {
			reqLog.Warnf("Failed to record live fetch failure: %v", rerr)
			o.metrics.ObservePersistFailure()
		}
		reqLog.WithField("category", category).Warnf("Live fetch failed: %v", err)
		return fail(err, category)
	}
	result.Attempts = resp.Attempts
	result.StatusCode = resp.StatusCode
	result.Headers = selectHeaders(resp.Header)

	state := o.classifier.Classify(resp.Body)
	result.PageState = state
	o.metrics.ObservePageState(state)
	if state.IsTerminal() {
		if !opts.ForceRefresh {
			o.recordTerminal(persistCtx, id, url, state, reqLog)
			return fail(fmt.Errorf("%w: %s", ErrTerminalPage, state), "PageState_"+string(state))
		}
		reqLog.WithField("page_state", state).Info("Terminal page state ignored on force refresh")
	}

	result.Success = true
	result.Source = models.TierLive
	result.Content = string(resp.Body)
	result.Fingerprint = utils.CalculateStringSHA256(result.Content)
	o.persist(persistCtx, id, url, resp, result.Fingerprint, state, reqLog)

	reqLog.WithFields(logrus.Fields{
		"tier":        models.TierLive,
		"attempts":    resp.Attempts,
		"fingerprint": utils.ShortFingerprint(result.Fingerprint),
	}).Info("Fetched live content")
	return finish()
}

// recordTerminal stores the classification and suppresses permanently gone pages when configured
func (o *Orchestrator) recordTerminal(ctx context.Context, id, url string, state models.PageState, reqLog *logrus.Entry) {
	if _, err := o.tracker.RecordPageState(ctx, id, url, state); err != nil {
		reqLog.Warnf("Failed to record page state: %v", err)
		o.metrics.ObservePersistFailure()
	}
	reqLog.WithField("page_state", state).Info("Terminal page state detected")
	if !o.opts.SuppressOnTerminal || state == models.PageStateNotPublished {
		return
	}
	if _, err := o.tracker.SetSuppressed(ctx, id, url, "page-state:"+string(state)); err != nil {
		reqLog.Warnf("Failed to suppress identifier: %v", err)
		o.metrics.ObservePersistFailure()
	}
}

// persist stores the body and records success. Failures are logged; the content is still returned.
func (o *Orchestrator) persist(ctx context.Context, id, url string, resp *fetch.LiveResponse, fingerprint string, state models.PageState, reqLog *logrus.Entry) {
	blobKey := storage.NewBlobKey(id)
	if err := o.blobs.PutBlob(ctx, blobKey, resp.Body); err != nil {
		reqLog.WithField("blob_key", blobKey).Errorf("Failed to store fetched body: %v", err)
		o.metrics.ObservePersistFailure()
		blobKey = ""
	}

	success := tracker.Success{
		Tokens: models.ValidationTokens{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		},
		Fingerprint: fingerprint,
		BlobKey:     blobKey,
		PageState:   state,
	}
	if _, err := o.tracker.RecordSuccess(ctx, id, url, success); err != nil {
		reqLog.Errorf("Failed to record live fetch success: %v", err)
		o.metrics.ObservePersistFailure()
	}
}

func selectHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for _, name := range forwardedHeaders {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

// FetchBatch fetches every request concurrently, bounded by the configured concurrency.
// Results are returned in input order. progress, if non-nil, is called as each fetch completes.
func (o *Orchestrator) FetchBatch(ctx context.Context, reqs []FetchRequest, opts FetchOptions, progress func(models.FetchResult)) []models.FetchResult {
	start := o.now()
	o.log.Infof("Starting batch fetch of %d identifiers (concurrency %d)", len(reqs), o.opts.Concurrency)

	results := make([]models.FetchResult, len(reqs))
	sem := semaphore.NewWeighted(int64(o.opts.Concurrency))
	var progressMu sync.Mutex
	var wg sync.WaitGroup

	for i, req := range reqs {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled: remaining requests are reported without being started
			for j := i; j < len(reqs); j++ {
				results[j] = models.FetchResult{
					ID:            reqs[j].ID,
					URL:           reqs[j].URL,
					Err:           err,
					Error:         err.Error(),
					ErrorCategory: utils.CategorizeError(err),
				}
			}
			break
		}
		wg.Add(1)
		go func(i int, req FetchRequest) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = o.Fetch(ctx, req.ID, req.URL, opts)
			if progress != nil {
				progressMu.Lock()
				progress(results[i])
				progressMu.Unlock()
			}
		}(i, req)
	}
	wg.Wait()

	o.logSummary(results, o.now().Sub(start))
	return results
}

// logSummary logs per-tier counts of a batch
func (o *Orchestrator) logSummary(results []models.FetchResult, totalDuration time.Duration) {
	byTier := make(map[models.SourceTier]int)
	failCount := 0
	for _, r := range results {
		if !r.Success {
			failCount++
			continue
		}
		byTier[r.Source]++
	}
	o.log.WithFields(logrus.Fields{
		"total":       len(results),
		"failed":      failCount,
		"cached":      byTier[models.TierCachedContent],
		"conditional": byTier[models.TierConditional],
		"live":        byTier[models.TierLive],
	}).Infof("Batch fetch completed in %v", totalDuration)
}
