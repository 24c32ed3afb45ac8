package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingsroom/tourney-scraper/pkg/config"
	"github.com/kingsroom/tourney-scraper/pkg/metrics"
	"github.com/kingsroom/tourney-scraper/pkg/utils"
)

const testPage = "<html><body><h1>Tuesday Night NLHE</h1></body></html>"

// testLogger returns a logger that discards output
func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testLiveConfig(maxAttempts int) config.LiveFetchConfig {
	return config.LiveFetchConfig{
		MaxAttempts:       maxAttempts,
		InitialRetryDelay: 100 * time.Millisecond,
		MaxRetryDelay:     10 * time.Second,
		AttemptTimeout:    2 * time.Second,
		MaxBodyBytes:      1 << 20,
	}
}

func directUpstream(t *testing.T) *Upstream {
	t.Helper()
	u, err := NewUpstream(config.UpstreamConfig{KeyHeader: "X-Api-Key", UserAgent: "test-agent", DefaultAPIKey: "default-key"})
	require.NoError(t, err)
	return u
}

// recordingSleep captures backoff delays instead of sleeping
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

// mockServer creates an httptest.Server that returns status codes in sequence.
// Returns the server and an atomic counter tracking request attempts.
func mockServer(t *testing.T, statusCodes []int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	attemptCount := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := int(attemptCount.Add(1)) - 1
		if idx >= len(statusCodes) {
			idx = len(statusCodes) - 1 // repeat last status
		}
		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(statusCodes[idx])
		if statusCodes[idx] == http.StatusOK {
			io.WriteString(w, testPage)
		}
	}))
	t.Cleanup(server.Close)
	return server, attemptCount
}

func newTestFetcher(t *testing.T, maxAttempts int, m *metrics.Metrics) (*LiveFetcher, *recordingSleep) {
	t.Helper()
	rec := &recordingSleep{}
	f := NewLiveFetcher(http.DefaultClient, directUpstream(t), testLiveConfig(maxAttempts), nil, m, testLogger()).
		WithSleep(rec.sleep)
	return f, rec
}

func TestLiveFetcher_Success(t *testing.T) {
	server, attempts := mockServer(t, []int{http.StatusOK})
	f, sleeps := newTestFetcher(t, 3, nil)

	resp, err := f.Fetch(context.Background(), server.URL+"/t/1001", "")
	require.NoError(t, err)
	assert.Equal(t, testPage, string(resp.Body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, `"v1"`, resp.Header.Get("ETag"))
	assert.Equal(t, int32(1), attempts.Load())
	assert.Empty(t, sleeps.delays)
}

func TestLiveFetcher_RetryBound(t *testing.T) {
	server, attempts := mockServer(t, []int{http.StatusInternalServerError})
	m := metrics.New()
	f, sleeps := newTestFetcher(t, 4, m)

	_, err := f.Fetch(context.Background(), server.URL, "")
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 4, fe.Attempts)
	assert.Equal(t, http.StatusInternalServerError, fe.StatusCode)
	assert.ErrorIs(t, err, utils.ErrRetryFailed)
	assert.ErrorIs(t, err, utils.ErrServerHTTPError)
	assert.Equal(t, int32(4), attempts.Load())
	assert.Equal(t, 4.0, testutil.ToFloat64(m.LiveAttemptsTotal.WithLabelValues("5xx")))

	require.Len(t, sleeps.delays, 3, "one delay between each pair of attempts")
	for i := 1; i < len(sleeps.delays); i++ {
		assert.Greater(t, sleeps.delays[i], sleeps.delays[i-1], "delays must strictly increase")
	}
}

func TestLiveFetcher_RecoversAfterServerError(t *testing.T) {
	server, attempts := mockServer(t, []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusOK})
	f, _ := newTestFetcher(t, 3, nil)

	resp, err := f.Fetch(context.Background(), server.URL, "")
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestLiveFetcher_ClientErrorsNotRetried(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusForbidden, http.StatusTooManyRequests} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			server, attempts := mockServer(t, []int{code})
			f, sleeps := newTestFetcher(t, 3, nil)

			_, err := f.Fetch(context.Background(), server.URL, "")
			require.Error(t, err)
			assert.ErrorIs(t, err, utils.ErrClientHTTPError)
			assert.NotErrorIs(t, err, utils.ErrRetryFailed)

			var fe *FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, 1, fe.Attempts)
			assert.Equal(t, code, fe.StatusCode)
			assert.Equal(t, int32(1), attempts.Load())
			assert.Empty(t, sleeps.delays)
		})
	}
}

func TestLiveFetcher_OtherStatusNotRetried(t *testing.T) {
	server, attempts := mockServer(t, []int{http.StatusNotModified})
	f, _ := newTestFetcher(t, 3, nil)

	_, err := f.Fetch(context.Background(), server.URL, "")
	assert.ErrorIs(t, err, utils.ErrOtherHTTPError)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestLiveFetcher_NetworkErrorRetried(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	target := server.URL
	server.Close() // connection refused from now on

	f, sleeps := newTestFetcher(t, 3, nil)
	_, err := f.Fetch(context.Background(), target, "")
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 3, fe.Attempts)
	assert.Equal(t, 0, fe.StatusCode)
	assert.Len(t, sleeps.delays, 2)
}

func TestLiveFetcher_InvalidTarget(t *testing.T) {
	f, _ := newTestFetcher(t, 3, nil)
	_, err := f.Fetch(context.Background(), "not a url", "")
	assert.ErrorIs(t, err, utils.ErrInvalidInput)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Attempts)
}

func TestLiveFetcher_BodyTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 2048))
	}))
	defer server.Close()

	cfg := testLiveConfig(3)
	cfg.MaxBodyBytes = 1024
	f := NewLiveFetcher(http.DefaultClient, directUpstream(t), cfg, nil, nil, testLogger())

	_, err := f.Fetch(context.Background(), server.URL, "")
	assert.ErrorIs(t, err, utils.ErrResponseTooLarge)
}

func TestLiveFetcher_AttemptTimeoutRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		io.WriteString(w, testPage)
	}))
	defer server.Close()

	cfg := testLiveConfig(2)
	cfg.AttemptTimeout = 100 * time.Millisecond
	rec := &recordingSleep{}
	f := NewLiveFetcher(http.DefaultClient, directUpstream(t), cfg, nil, nil, testLogger()).WithSleep(rec.sleep)

	resp, err := f.Fetch(context.Background(), server.URL, "")
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
}

func TestLiveFetcher_CredentialOverride(t *testing.T) {
	var gotKey atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("X-Api-Key"))
		io.WriteString(w, testPage)
	}))
	defer server.Close()

	f, _ := newTestFetcher(t, 1, nil)

	_, err := f.Fetch(context.Background(), server.URL, "")
	require.NoError(t, err)
	assert.Equal(t, "default-key", gotKey.Load())

	_, err = f.Fetch(context.Background(), server.URL, "caller-key")
	require.NoError(t, err)
	assert.Equal(t, "caller-key", gotKey.Load())
}

func TestLiveFetcher_CancelledDuringBackoff(t *testing.T) {
	server, attempts := mockServer(t, []int{http.StatusInternalServerError})
	ctx, cancel := context.WithCancel(context.Background())

	f := NewLiveFetcher(http.DefaultClient, directUpstream(t), testLiveConfig(3), nil, nil, testLogger()).
		WithSleep(func(ctx context.Context, d time.Duration) error {
			cancel()
			return context.Canceled
		})

	_, err := f.Fetch(ctx, server.URL, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrServerHTTPError)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestBackoffDelay(t *testing.T) {
	noJitter := func(n int64) int64 { return n / 2 } // lands exactly on the base delay

	assert.Equal(t, time.Second, backoffDelay(2, time.Second, 30*time.Second, noJitter))
	assert.Equal(t, 2*time.Second, backoffDelay(3, time.Second, 30*time.Second, noJitter))
	assert.Equal(t, 4*time.Second, backoffDelay(4, time.Second, 30*time.Second, noJitter))
	assert.Equal(t, 30*time.Second, backoffDelay(10, time.Second, 30*time.Second, noJitter), "capped")

	low := backoffDelay(2, time.Second, time.Minute, func(int64) int64 { return 0 })
	assert.Equal(t, 900*time.Millisecond, low, "-10% jitter floor")
}

func TestFetchError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := error(&FetchError{Attempts: 2, Err: inner})
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "2 attempt(s)")
}
