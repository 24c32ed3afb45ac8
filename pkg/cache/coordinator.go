// Package cache decides whether previously stored content can be served
// without paying for a live fetch.
package cache

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/kingsroom/tourney-scraper/pkg/config"
	"github.com/kingsroom/tourney-scraper/pkg/detect"
	"github.com/kingsroom/tourney-scraper/pkg/fetch"
	"github.com/kingsroom/tourney-scraper/pkg/models"
	"github.com/kingsroom/tourney-scraper/pkg/storage"
	"github.com/kingsroom/tourney-scraper/pkg/utils"
)

// ConditionalChecker performs a metadata-only freshness check
type ConditionalChecker interface {
	Check(ctx context.Context, target string, tokens models.ValidationTokens, apiKey string) fetch.ConditionalResult
}

// HitRecorder stores hit statistics for a served tier
type HitRecorder interface {
	RecordCacheHit(ctx context.Context, id, url string) (*models.URLRecord, error)
	RecordConditionalHit(ctx context.Context, id, url string) (*models.URLRecord, error)
}

// Options are per-request switches
type Options struct {
	ForceRefresh bool
	APIKey       string
}

// Coordinator checks the stored-content tier, then the conditional tier
type Coordinator struct {
	blobs     storage.BlobStore
	validator ConditionalChecker
	hits      HitRecorder
	cfg       config.CacheConfig
	log       *logrus.Entry
}

// NewCoordinator creates a Coordinator. validator may be nil to disable conditional checks.
func NewCoordinator(blobs storage.BlobStore, validator ConditionalChecker, hits HitRecorder, cfg config.CacheConfig, log *logrus.Entry) *Coordinator {
	return &Coordinator{
		blobs:     blobs,
		validator: validator,
		hits:      hits,
		cfg:       cfg,
		log:       log,
	}
}

// Check reports whether rec can be served from a cache tier.
// A result with Success=false and NotModified=false is a plain miss.
// A result with NotModified=true and no content means the upstream reported
// the page unchanged but the stored body is gone; the caller still has to fetch.
func (c *Coordinator) Check(ctx context.Context, rec *models.URLRecord, opts Options) models.FetchResult {
	result := models.FetchResult{ID: rec.ID, URL: rec.URL}
	if opts.ForceRefresh {
		return result
	}
	reqLog := c.log.WithFields(logrus.Fields{"id": rec.ID, "url": rec.URL})

	// Stored content tier
	var stored []byte
	storedChecked := false
	if rec.BlobKey != "" && c.cfg.CacheEnabledFor(rec.ID) {
		result.Stats.CacheChecked = true
		storedChecked = true
		body, err := c.loadBlob(ctx, rec.BlobKey, reqLog)
		if err == nil && detect.IsPlausibleContent(body, c.cfg.MinContentLength, c.cfg.RequiredMarkers) {
			result.Stats.CacheHit = true
			c.serve(&result, models.TierCachedContent, body)
			if _, err := c.hits.RecordCacheHit(ctx, rec.ID, rec.URL); err != nil {
				reqLog.Warnf("Failed to record cache hit: %v", err)
			}
			reqLog.WithField("tier", models.TierCachedContent).Debug("Served from stored content")
			return result
		}
		if err == nil {
			reqLog.WithField("bytes", len(body)).Debug("Stored content failed plausibility check")
		}
	}

	// Conditional tier
	if c.validator == nil || rec.Tokens.IsEmpty() {
		return result
	}
	result.Stats.ConditionalChecked = true
	check := c.validator.Check(ctx, rec.URL, rec.Tokens, opts.APIKey)
	if !check.NotModified {
		if check.Inconclusive {
			reqLog.Debug("Conditional check inconclusive, falling through to live fetch")
		}
		return result
	}

	result.Stats.NotModified = true
	result.NotModified = true
	result.StatusCode = http.StatusNotModified

	if !storedChecked && rec.BlobKey != "" {
		body, err := c.loadBlob(ctx, rec.BlobKey, reqLog)
		if err == nil && detect.IsPlausibleContent(body, c.cfg.MinContentLength, c.cfg.RequiredMarkers) {
			stored = body
		} else if err == nil {
			reqLog.WithField("bytes", len(body)).Debug("Stored content failed plausibility check")
		}
	}
	if stored == nil {
		reqLog.Warn("Upstream reports content unchanged but no stored body is available")
		return result
	}

	c.serve(&result, models.TierConditional, stored)
	if _, err := c.hits.RecordConditionalHit(ctx, rec.ID, rec.URL); err != nil {
		reqLog.Warnf("Failed to record conditional hit: %v", err)
	}
	reqLog.WithField("tier", models.TierConditional).Debug("Served stored content after not-modified revalidation")
	return result
}

// loadBlob treats a missing blob as a miss and logs any other storage failure
func (c *Coordinator) loadBlob(ctx context.Context, key string, reqLog *logrus.Entry) ([]byte, error) {
	body, err := c.blobs.GetBlob(ctx, key)
	switch {
	case err == nil:
		return body, nil
	case errors.Is(err, storage.ErrBlobNotFound):
		reqLog.WithField("blob_key", key).Debug("Stored body not found")
	default:
		reqLog.WithField("blob_key", key).Warnf("Stored body unavailable: %v", err)
	}
	return nil, err
}

func (c *Coordinator) serve(result *models.FetchResult, tier models.SourceTier, body []byte) {
	result.Success = true
	result.Source = tier
	result.Content = string(body)
	result.Fingerprint = utils.CalculateStringSHA256(result.Content)
}
