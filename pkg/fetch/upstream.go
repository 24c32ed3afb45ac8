package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/kingsroom/tourney-scraper/pkg/config"
	"github.com/kingsroom/tourney-scraper/pkg/utils"
)

// Upstream builds requests against the paid upstream source.
// In endpoint mode the target URL and credential travel as query parameters of the endpoint;
// in direct mode the target is requested as-is with the credential in a header.
type Upstream struct {
	cfg      config.UpstreamConfig
	endpoint *url.URL // nil in direct mode
}

// NewUpstream validates the endpoint (if any) and returns an Upstream
func NewUpstream(cfg config.UpstreamConfig) (*Upstream, error) {
	if cfg.URLParam == "" {
		cfg.URLParam = "url"
	}
	if cfg.KeyParam == "" {
		cfg.KeyParam = "api_key"
	}
	if cfg.KeyHeader == "" {
		cfg.KeyHeader = "X-Api-Key"
	}
	u := &Upstream{cfg: cfg}
	if cfg.Endpoint != "" {
		ep, err := url.Parse(cfg.Endpoint)
		if err != nil || ep.Scheme == "" || ep.Host == "" {
			return nil, fmt.Errorf("%w: upstream endpoint %q", utils.ErrConfigValidation, cfg.Endpoint)
		}
		u.endpoint = ep
	}
	return u, nil
}

// APIKey returns the caller override when set, otherwise the process-wide default
func (u *Upstream) APIKey(override string) string {
	if override != "" {
		return override
	}
	return u.cfg.DefaultAPIKey
}

// NewRequest creates a request for target. apiKey overrides the configured default credential.
func (u *Upstream) NewRequest(ctx context.Context, method, target, apiKey string) (*http.Request, error) {
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: target %q is not an absolute http(s) URL", utils.ErrInvalidInput, target)
	}
	key := u.APIKey(apiKey)

	reqURL := parsed
	if u.endpoint != nil {
		ep := *u.endpoint
		q := ep.Query()
		q.Set(u.cfg.URLParam, target)
		if key != "" {
			q.Set(u.cfg.KeyParam, key)
		}
		ep.RawQuery = q.Encode()
		reqURL = &ep
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	if u.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", u.cfg.UserAgent)
	}
	if u.endpoint == nil && key != "" {
		req.Header.Set(u.cfg.KeyHeader, key)
	}
	return req, nil
}
