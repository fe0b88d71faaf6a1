package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/insights-cli/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// MaxRetries is the total number of attempts for transient failures.
	MaxRetries int
	// RequestsPerMinute paces requests per host. 0 means unlimited.
	RequestsPerMinute int
	// HostRequestsPerMinute overrides RequestsPerMinute for specific hosts.
	HostRequestsPerMinute map[string]int
	// Retry overrides the backoff policy; MaxRetries still sets the attempts.
	Retry *resilience.RetryConfig
}

// HTTPFetcher implements Fetcher using net/http with retry and per-host
// adaptive rate limiting.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*resilience.AdaptiveLimiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "insights-cli/1.0"
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: make(map[string]*resilience.AdaptiveLimiter),
	}
}

// limiterFor returns the host's limiter, creating it on first use.
func (f *HTTPFetcher) limiterFor(rawURL string) *resilience.AdaptiveLimiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = strings.ToLower(u.Host)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if lim, ok := f.limiters[host]; ok {
		return lim
	}
	rpm := f.opts.RequestsPerMinute
	if v, ok := f.opts.HostRequestsPerMinute[host]; ok {
		rpm = v
	}
	lim := resilience.NewAdaptiveLimiter(resilience.PerMinute(rpm), 1)
	f.limiters[host] = lim
	return lim
}

func (f *HTTPFetcher) retryConfig() resilience.RetryConfig {
	cfg := resilience.RetryConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
	if f.opts.Retry != nil {
		cfg = *f.opts.Retry
	}
	cfg.MaxAttempts = f.opts.MaxRetries
	cfg.OnRetry = resilience.RetryLogger("fetcher", "download")
	return cfg
}

// Download fetches the URL and returns the response body. 429 and 5xx
// responses are retried with backoff; other non-200 responses fail at once.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, string, error) {
	lim := f.limiterFor(rawURL)

	resp, err := resilience.DoVal(ctx, f.retryConfig(), func(ctx context.Context) (*http.Response, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, resilience.NewPermanentError(eris.Wrap(err, "fetcher: create request"), 0)
		}
		req.Header.Set("User-Agent", f.opts.UserAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: request")
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusTooManyRequests {
				lim.OnRateLimit()
			}
			return nil, resilience.ClassifyHTTP(
				eris.Errorf("fetcher: unexpected status %d from %s", resp.StatusCode, rawURL),
				resp.StatusCode,
				resilience.ParseRetryAfter(resp.Header),
			)
		}
		lim.OnSuccess()
		return resp, nil
	})
	if err != nil {
		return nil, "", eris.Wrap(err, "fetcher: download")
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}
