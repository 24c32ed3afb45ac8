package fetch

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kingsroom/tourney-scraper/pkg/config"
	"github.com/kingsroom/tourney-scraper/pkg/metrics"
	"github.com/kingsroom/tourney-scraper/pkg/models"
)

// ConditionalResult is the outcome of a freshness check.
// Exactly one of NotModified, Inconclusive or "modified" (both false) holds.
type ConditionalResult struct {
	NotModified  bool
	Inconclusive bool
	Tokens       models.ValidationTokens // Fresh tokens when modified
	StatusCode   int
}

// Validator issues metadata-only conditional requests
type Validator struct {
	client   *http.Client
	upstream *Upstream
	timeout  time.Duration
	method   string
	metrics  *metrics.Metrics
	log      *logrus.Entry
}

// NewValidator creates a Validator. cfg is expected to be validated.
func NewValidator(client *http.Client, upstream *Upstream, cfg config.ConditionalConfig, m *metrics.Metrics, log *logrus.Entry) *Validator {
	method := cfg.Method
	if method == "" {
		method = http.MethodHead
	}
	return &Validator{
		client:   client,
		upstream: upstream,
		timeout:  cfg.Timeout,
		method:   method,
		metrics:  m,
		log:      log,
	}
}

// Check asks whether target changed since tokens were issued.
// Network errors, timeouts and unexpected statuses are inconclusive, never not-modified.
func (v *Validator) Check(ctx context.Context, target string, tokens models.ValidationTokens, apiKey string) ConditionalResult {
	if tokens.IsEmpty() {
		return ConditionalResult{Inconclusive: true}
	}
	reqLog := v.log.WithField("url", target)

	checkCtx := ctx
	if v.timeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	req, err := v.upstream.NewRequest(checkCtx, v.method, target, apiKey)
	if err != nil {
		reqLog.Warnf("Conditional check request not built: %v", err)
		v.metrics.ObserveConditional("inconclusive")
		return ConditionalResult{Inconclusive: true}
	}
	if tokens.ETag != "" {
		req.Header.Set("If-None-Match", tokens.ETag)
	}
	if tokens.LastModified != "" {
		req.Header.Set("If-Modified-Since", tokens.LastModified)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		reqLog.Debugf("Conditional check inconclusive: %v", err)
		v.metrics.ObserveConditional("inconclusive")
		return ConditionalResult{Inconclusive: true}
	}
	defer resp.Body.Close()
	drain(resp.Body)

	status := resp.StatusCode
	switch {
	case status == http.StatusNotModified:
		v.metrics.ObserveConditional("not_modified")
		return ConditionalResult{NotModified: true, StatusCode: status}
	case status >= 200 && status < 300:
		v.metrics.ObserveConditional("modified")
		return ConditionalResult{
			StatusCode: status,
			Tokens: models.ValidationTokens{
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			},
		}
	default:
		reqLog.WithField("status_code", status).Debug("Conditional check inconclusive")
		v.metrics.ObserveConditional("inconclusive")
		return ConditionalResult{Inconclusive: true, StatusCode: status}
	}
}
