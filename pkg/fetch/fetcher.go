package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kingsroom/tourney-scraper/pkg/config"
	"github.com/kingsroom/tourney-scraper/pkg/metrics"
	"github.com/kingsroom/tourney-scraper/pkg/utils"
)

// LiveResponse is a successful full retrieval
type LiveResponse struct {
	Body       []byte
	Header     http.Header
	StatusCode int
	Attempts   int
}

// FetchError is returned when a live fetch gives up
type FetchError struct {
	Attempts   int
	StatusCode int // Last observed status, 0 for transport failures
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("live fetch failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// LiveFetcher performs quota-consuming retrievals with bounded retry and exponential backoff
type LiveFetcher struct {
	client   *http.Client
	upstream *Upstream
	cfg      config.LiveFetchConfig
	quota    *QuotaLimiter // nil = unlimited
	metrics  *metrics.Metrics
	log      *logrus.Entry
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func(n int64) int64
}

// NewLiveFetcher creates a LiveFetcher. cfg is expected to be validated.
func NewLiveFetcher(client *http.Client, upstream *Upstream, cfg config.LiveFetchConfig, quota *QuotaLimiter, m *metrics.Metrics, log *logrus.Entry) *LiveFetcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &LiveFetcher{
		client:   client,
		upstream: upstream,
		cfg:      cfg,
		quota:    quota,
		metrics:  m,
		log:      log,
		sleep:    sleepCtx,
		jitter:   rand.Int63n,
	}
}

// WithSleep replaces the backoff sleep, letting tests observe delays without waiting
func (f *LiveFetcher) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *LiveFetcher {
	f.sleep = sleep
	return f
}

// Fetch retrieves target through the upstream. apiKey overrides the default credential.
// Server errors and transport failures are retried; client errors and other non-2xx statuses are not.
func (f *LiveFetcher) Fetch(ctx context.Context, target, apiKey string) (*LiveResponse, error) {
	reqLog := f.log.WithField("url", target)

	var lastErr error
	lastStatus := 0
	attempts := 0

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(attempt, f.cfg.InitialRetryDelay, f.cfg.MaxRetryDelay, f.jitter)
			reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_attempts": f.cfg.MaxAttempts, "delay": delay}).Warn("Retrying live fetch...")
			if err := f.sleep(ctx, delay); err != nil {
				return nil, &FetchError{Attempts: attempts, StatusCode: lastStatus,
					Err: fmt.Errorf("retry delay interrupted (%v) after error: %w", err, lastErr)}
			}
		}

		if f.quota != nil {
			if err := f.quota.Wait(ctx); err != nil {
				reqLog.Warnf("Gave up waiting for upstream quota: %v", err)
				if lastErr != nil {
					err = fmt.Errorf("%w (previous attempt: %v)", err, lastErr)
				}
				return nil, &FetchError{Attempts: attempts, StatusCode: lastStatus, Err: err}
			}
		}

		attempts++
		resp, status, err := f.attempt(ctx, target, apiKey)
		f.metrics.ObserveLiveAttempt(status)
		attemptLog := reqLog.WithFields(logrus.Fields{"attempt": attempt, "status_code": status})

		if err == nil {
			if f.quota != nil {
				f.quota.OnSuccess()
			}
			resp.Attempts = attempts
			attemptLog.Debugf("Live fetch succeeded (%d bytes)", len(resp.Body))
			return resp, nil
		}

		lastErr, lastStatus = err, status
		if status == http.StatusTooManyRequests && f.quota != nil {
			f.quota.OnThrottle()
		}
		if !utils.IsRetryable(err) {
			attemptLog.Warnf("Live fetch failed, not retrying: %v", err)
			return nil, &FetchError{Attempts: attempts, StatusCode: status, Err: err}
		}
		if ctx.Err() != nil {
			return nil, &FetchError{Attempts: attempts, StatusCode: status, Err: err}
		}
		attemptLog.Warnf("Live fetch attempt failed: %v", err)
	}

	reqLog.Errorf("All %d live fetch attempts failed. Last error: %v", attempts, lastErr)
	return nil, &FetchError{Attempts: attempts, StatusCode: lastStatus, Err: fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)}
}

// attempt performs one bounded request and classifies the outcome
func (f *LiveFetcher) attempt(ctx context.Context, target, apiKey string) (*LiveResponse, int, error) {
	attemptCtx := ctx
	if f.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, f.cfg.AttemptTimeout)
		defer cancel()
	}

	req, err := f.upstream.NewRequest(attemptCtx, http.MethodGet, target, apiKey)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		body, err := readLimited(resp.Body, f.cfg.MaxBodyBytes)
		if err != nil {
			return nil, status, err
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return nil, status, fmt.Errorf("%w: status %d", utils.ErrEmptyContent, status)
		}
		return &LiveResponse{Body: body, Header: resp.Header.Clone(), StatusCode: status}, status, nil
	case status >= 500:
		drain(resp.Body)
		return nil, status, fmt.Errorf("%w: status %d %s", utils.ErrServerHTTPError, status, http.StatusText(status))
	case status >= 400:
		drain(resp.Body)
		return nil, status, fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, status, http.StatusText(status))
	default:
		drain(resp.Body)
		return nil, status, fmt.Errorf("%w: status %d %s", utils.ErrOtherHTTPError, status, http.StatusText(status))
	}
}

// backoffDelay returns the wait before attempt n (n >= 2): initial * 2^(n-2), capped at max, +/-10% jitter
func backoffDelay(attempt int, initial, maxDelay time.Duration, jitter func(int64) int64) time.Duration {
	delay := time.Duration(float64(initial) * math.Pow(2, float64(attempt-2)))
	if delay <= 0 || (maxDelay > 0 && delay > maxDelay) {
		delay = maxDelay
	}
	if span := int64(delay) / 5; span > 0 { // 20% wide window centered on delay
		delay += time.Duration(jitter(span)) - delay/10
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = 20 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", utils.ErrResponseTooLarge, limit)
	}
	return body, nil
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 64<<10))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
