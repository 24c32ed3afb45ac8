package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kingsroom/tourney-scraper/pkg/utils"
)

// QuotaLimiter paces requests that consume upstream quota.
// A throttle signal from the upstream halves the rate and pauses requests for a cool-off period;
// the rate climbs back toward the configured ceiling after consecutive successes.
type QuotaLimiter struct {
	mu        sync.Mutex
	lim       *rate.Limiter
	ceiling   rate.Limit
	floor     rate.Limit
	okCount   int
	coolUntil time.Time
	maxWait   time.Duration
}

const (
	quotaRecoverEvery = 10 // successes before the rate is raised again
	quotaCoolOff      = 5 * time.Second
)

// NewQuotaLimiter returns a limiter for rps requests per second. rps <= 0 disables limiting.
func NewQuotaLimiter(rps float64, burst int, maxWait time.Duration) *QuotaLimiter {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &QuotaLimiter{
		lim:     rate.NewLimiter(limit, burst),
		ceiling: limit,
		floor:   limit / 8,
		maxWait: maxWait,
	}
}

// Wait blocks until a request may be sent, honoring any active cool-off
func (q *QuotaLimiter) Wait(ctx context.Context) error {
	q.mu.Lock()
	cool := q.coolUntil
	q.mu.Unlock()

	if q.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.maxWait)
		defer cancel()
	}

	if d := time.Until(cool); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %w", utils.ErrQuotaWait, ctx.Err())
		}
	}
	if err := q.lim.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", utils.ErrQuotaWait, err)
	}
	return nil
}

// OnSuccess records an accepted request
func (q *QuotaLimiter) OnSuccess() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ceiling == rate.Inf {
		return
	}
	q.okCount++
	if q.okCount < quotaRecoverEvery {
		return
	}
	q.okCount = 0
	next := q.lim.Limit() * 2
	if next > q.ceiling {
		next = q.ceiling
	}
	q.lim.SetLimit(next)
}

// OnThrottle records that the upstream rejected a request for exceeding quota
func (q *QuotaLimiter) OnThrottle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.okCount = 0
	q.coolUntil = time.Now().Add(quotaCoolOff)
	if q.ceiling == rate.Inf {
		return
	}
	next := q.lim.Limit() / 2
	if next < q.floor {
		next = q.floor
	}
	q.lim.SetLimit(next)
}

// Limit returns the current rate
func (q *QuotaLimiter) Limit() rate.Limit {
	return q.lim.Limit()
}
