// Package tracker owns the per-identifier URL state record. It is the only
// component that mutates records; everything else passes intended updates here.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kingsroom/tourney-scraper/pkg/models"
	"github.com/kingsroom/tourney-scraper/pkg/storage"
	"github.com/kingsroom/tourney-scraper/pkg/utils"
)

// Tracker applies atomic updates to URL state records
type Tracker struct {
	store storage.RecordStore
	log   *logrus.Entry
	now   func() time.Time
}

// New creates a Tracker backed by store
func New(store storage.RecordStore, log *logrus.Entry) *Tracker {
	return &Tracker{store: store, log: log, now: time.Now}
}

// WithClock replaces the time source
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Get returns the record for id, or storage.ErrRecordNotFound
func (t *Tracker) Get(ctx context.Context, id string) (*models.URLRecord, error) {
	return t.store.GetRecord(ctx, id)
}

// Ensure returns the record for id, creating it if absent.
// A concurrent create that loses the race returns the winner's record.
func (t *Tracker) Ensure(ctx context.Context, id, url string) (*models.URLRecord, error) {
	rec, err := t.store.GetRecord(ctx, id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, storage.ErrRecordNotFound) {
		return nil, err
	}

	rec = t.newRecord(id, url)
	err = t.store.CreateRecord(ctx, rec)
	switch {
	case err == nil:
		t.log.WithField("id", id).Debug("Created URL record")
		return rec, nil
	case errors.Is(err, storage.ErrRecordExists):
		return t.store.GetRecord(ctx, id)
	default:
		return nil, err
	}
}

// RecordAttempt counts a live fetch that is about to start
func (t *Tracker) RecordAttempt(ctx context.Context, id, url string) (*models.URLRecord, error) {
	return t.mutate(ctx, id, url, func(r *models.URLRecord) {
		r.TimesAttempted++
	})
}

// RecordCacheHit counts content served from storage. Validation tokens are left untouched.
func (t *Tracker) RecordCacheHit(ctx context.Context, id, url string) (*models.URLRecord, error) {
	now := t.now()
	return t.mutate(ctx, id, url, func(r *models.URLRecord) {
		r.CacheHits++
		r.LastCacheHitAt = now
		r.MarkActive()
	})
}

// RecordConditionalHit counts content served after a not-modified revalidation
func (t *Tracker) RecordConditionalHit(ctx context.Context, id, url string) (*models.URLRecord, error) {
	now := t.now()
	return t.mutate(ctx, id, url, func(r *models.URLRecord) {
		r.ConditionalHits++
		r.LastConditionalAt = now
		r.MarkActive()
	})
}

// Success describes a completed live fetch
type Success struct {
	Tokens      models.ValidationTokens
	Fingerprint string
	BlobKey     string // Empty when the body could not be stored; the previous key is then kept
	PageState   models.PageState
}

// RecordSuccess resets the failure streak and stores fresh validation tokens
func (t *Tracker) RecordSuccess(ctx context.Context, id, url string, s Success) (*models.URLRecord, error) {
	now := t.now()
	return t.mutate(ctx, id, url, func(r *models.URLRecord) {
		r.TimesSucceeded++
		r.ConsecutiveFails = 0
		r.Tokens = s.Tokens
		r.Fingerprint = s.Fingerprint
		if s.BlobKey != "" {
			r.BlobKey = s.BlobKey
		}
		if s.PageState != "" {
			r.PageState = s.PageState
		}
		r.LastSuccessAt = now
		r.MarkActive()
	})
}

// RecordFailure increments the failure counters. It never suppresses.
func (t *Tracker) RecordFailure(ctx context.Context, id, url, message, category string) (*models.URLRecord, error) {
	now := t.now()
	return t.mutate(ctx, id, url, func(r *models.URLRecord) {
		r.TimesFailed++
		r.ConsecutiveFails++
		r.LastError = message
		r.LastErrorCategory = category
		r.LastErrorAt = now
		if !r.Suppressed {
			r.Status = models.URLStatusErrored
		}
	})
}

// RecordPageState stores a terminal classification of live content
func (t *Tracker) RecordPageState(ctx context.Context, id, url string, state models.PageState) (*models.URLRecord, error) {
	return t.mutate(ctx, id, url, func(r *models.URLRecord) {
		r.PageState = state
	})
}

// SetSuppressed blocks further live fetches for id. Setting the same reason again is a no-op.
func (t *Tracker) SetSuppressed(ctx context.Context, id, url, reason string) (*models.URLRecord, error) {
	if rec, err := t.store.GetRecord(ctx, id); err == nil && rec.Suppressed && rec.SuppressionReason == reason {
		return rec, nil
	}
	rec, err := t.mutate(ctx, id, url, func(r *models.URLRecord) {
		r.Suppressed = true
		r.SuppressionReason = reason
		r.Status = models.URLStatusSuppressed
	})
	if err == nil {
		t.log.WithFields(logrus.Fields{"id": id, "reason": reason}).Info("URL suppressed")
	}
	return rec, err
}

// ClearSuppressed lifts suppression for id. Clearing an unsuppressed record is a no-op.
func (t *Tracker) ClearSuppressed(ctx context.Context, id string) (*models.URLRecord, error) {
	rec, err := t.store.UpdateRecord(ctx, id, func(r *models.URLRecord) error {
		if !r.Suppressed {
			return nil
		}
		r.Suppressed = false
		r.SuppressionReason = ""
		r.Status = models.URLStatusActive
		if r.ConsecutiveFails > 0 {
			r.Status = models.URLStatusErrored
		}
		r.UpdatedAt = t.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.log.WithField("id", id).Info("URL suppression cleared")
	return rec, nil
}

// CachingStats aggregates every stored record
func (t *Tracker) CachingStats(ctx context.Context) (*models.CachingStats, error) {
	stats := &models.CachingStats{
		ByStatus:        make(map[models.URLStatus]int),
		TerminalByState: make(map[models.PageState]int),
		GeneratedAt:     t.now(),
	}
	err := t.store.ListRecords(ctx, func(r *models.URLRecord) error {
		stats.TotalRecords++
		stats.ByStatus[r.Status]++
		if r.Suppressed {
			stats.Suppressed++
		}
		if r.BlobKey != "" {
			stats.WithStoredBody++
		}
		if !r.Tokens.IsEmpty() {
			stats.WithTokens++
		}
		if r.PageState.IsTerminal() {
			stats.TerminalByState[r.PageState]++
		}
		stats.CacheHits += r.CacheHits
		stats.ConditionalHits += r.ConditionalHits
		stats.LiveAttempts += r.TimesAttempted
		stats.LiveSuccesses += r.TimesSucceeded
		stats.LiveFailures += r.TimesFailed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: aggregate caching stats: %w", utils.ErrDatabase, err)
	}
	served := stats.CacheHits + stats.ConditionalHits + stats.LiveSuccesses
	if served > 0 {
		stats.CacheHitRatio = float64(stats.CacheHits+stats.ConditionalHits) / float64(served)
	}
	return stats, nil
}

// mutate applies fn to the record for id, creating the record first when absent.
// A create that loses a race is retried once as an update of the winner's record.
func (t *Tracker) mutate(ctx context.Context, id, url string, fn func(*models.URLRecord)) (*models.URLRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty identifier", utils.ErrInvalidInput)
	}
	apply := func(r *models.URLRecord) error {
		fn(r)
		if r.URL == "" {
			r.URL = url
		}
		r.UpdatedAt = t.now()
		return nil
	}

	rec, err := t.store.UpdateRecord(ctx, id, apply)
	if !errors.Is(err, storage.ErrRecordNotFound) {
		return rec, err
	}

	rec = t.newRecord(id, url)
	_ = apply(rec)
	err = t.store.CreateRecord(ctx, rec)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, storage.ErrRecordExists) {
		return nil, err
	}
	t.log.WithField("id", id).Debug("Lost record create race, updating winner")
	return t.store.UpdateRecord(ctx, id, apply)
}

func (t *Tracker) newRecord(id, url string) *models.URLRecord {
	now := t.now()
	return &models.URLRecord{
		ID:        id,
		URL:       url,
		Status:    models.URLStatusUnset,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
