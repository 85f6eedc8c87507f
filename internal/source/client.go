package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/proxy"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/session"
)

const (
	// Rate limiting against the source site. Kept conservative: the
	// pipeline's job is to stay under the anti-bot radar.
	rateLimit = 3
	rateBurst = 6

	// Retry configuration for transient errors (5xx, resets, timeouts).
	maxRetries   = 4
	initialDelay = 1 * time.Second
	maxDelay     = 16 * time.Second

	// Authorization-failure policy: refresh the session and retry with
	// increasing backoff.
	authRetries   = 3
	authBackoffMs = 600
)

// Client performs requests against the source site with rate limiting,
// retry-with-backoff, anti-bot session injection, and optional
// per-call proxying.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	sessions    *session.Cache
	proxies     *proxy.Pool
}

// NewClient creates a source client. sessions may be nil for endpoints
// that never need a captured session (tests mostly).
func NewClient(baseURL string, sessions *session.Cache, proxies *proxy.Pool) *Client {
	return &Client{
		baseURL:     baseURL,
		sessions:    sessions,
		proxies:     proxies,
		rateLimiter: rate.NewLimiter(rate.Limit(rateLimit), rateBurst),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// BaseURL returns the configured source root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// requestOptions tunes a single call.
type requestOptions struct {
	sessionKey string        // inject the cached session for this key
	viaProxy   *proxy.Server // route through this proxy (one-off calls)
	headers    map[string]string
}

// Get fetches baseURL+path and returns the body. Transient failures
// are retried with exponential backoff; a 401/403 triggers the session
// refresh-and-retry policy when a session key is set.
func (c *Client) Get(ctx context.Context, path string, opts requestOptions) ([]byte, error) {
	return c.do(ctx, http.MethodGet, c.baseURL+path, opts)
}

// GetURL is Get for absolute URLs (CDN hosts, continuation endpoints).
func (c *Client) GetURL(ctx context.Context, fullURL string, opts requestOptions) ([]byte, error) {
	return c.do(ctx, http.MethodGet, fullURL, opts)
}

// Post issues a POST with no body, used by the source's "load more"
// continuation endpoint.
func (c *Client) Post(ctx context.Context, path string, opts requestOptions) ([]byte, error) {
	return c.do(ctx, http.MethodPost, c.baseURL+path, opts)
}

func (c *Client) do(ctx context.Context, method, fullURL string, opts requestOptions) ([]byte, error) {
	var lastErr error

	for authAttempt := 1; authAttempt <= authRetries; authAttempt++ {
		body, err := c.doWithRetry(ctx, method, fullURL, opts)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if !isAuthError(err) || opts.sessionKey == "" || c.sessions == nil {
			return nil, err
		}

		// Anti-bot rejection: refresh the session and back off before
		// the next attempt.
		log.Printf("[SourceClient] Auth failure on %s (attempt %d/%d), refreshing session",
			fullURL, authAttempt, authRetries)
		if _, rerr := c.sessions.ForceRefresh(ctx, opts.sessionKey); rerr != nil {
			return nil, fmt.Errorf("session refresh failed: %w", rerr)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(authAttempt*authBackoffMs) * time.Millisecond):
		}
	}

	return nil, fmt.Errorf("authorization failed after %d session refreshes: %w", authRetries, lastErr)
}

func (c *Client) doWithRetry(ctx context.Context, method, fullURL string, opts requestOptions) ([]byte, error) {
	var lastErr error
	delay := initialDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}

		body, status, err := c.doOnce(ctx, method, fullURL, opts)
		if err == nil && status == http.StatusOK {
			return body, nil
		}

		if err == nil {
			err = &httpError{status: status, url: fullURL}
		}
		lastErr = err

		if !shouldRetry(err) || attempt == maxRetries {
			return nil, lastErr
		}

		log.Printf("[SourceClient] %s %s failed (attempt %d/%d): %v, retrying in %v",
			method, fullURL, attempt+1, maxRetries, err, delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = minDuration(delay*2, maxDelay)
	}

	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, fullURL string, opts requestOptions) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "text/html,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	for k, v := range opts.headers {
		req.Header.Set(k, v)
	}

	var handle *session.Handle
	if opts.sessionKey != "" && c.sessions != nil {
		handle, err = c.sessions.GetOrFetch(ctx, opts.sessionKey)
		if err != nil {
			return nil, 0, fmt.Errorf("session fetch failed: %w", err)
		}
		handle.Apply(req)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	}

	client := c.httpClient
	if opts.viaProxy != nil {
		client = c.proxiedClient(opts.viaProxy)
	}

	resp, err := client.Do(req)
	if err != nil {
		if opts.viaProxy != nil && c.proxies != nil {
			c.proxies.ReportFailure(opts.viaProxy)
		}
		return nil, 0, err
	}
	defer resp.Body.Close()

	// The server re-issuing cookies mid-session replaces the cached
	// set, keeping the session warm.
	if handle != nil && c.sessions != nil {
		c.sessions.AbsorbResponse(opts.sessionKey, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// proxiedClient builds a one-shot client routed through srv. One-off
// enrichment calls do not reuse connections, so no transport caching.
func (c *Client) proxiedClient(srv *proxy.Server) *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(srv.URL()),
		},
	}
}

// httpError is a non-200 response.
type httpError struct {
	status int
	url    string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.status, e.url)
}

// isAuthError reports whether err is a 401/403-class anti-bot
// rejection.
func isAuthError(err error) bool {
	he, ok := err.(*httpError)
	return ok && (he.status == http.StatusUnauthorized || he.status == http.StatusForbidden)
}

// shouldRetry reports whether err is transient. Auth errors are not:
// they go through the session-refresh path instead.
func shouldRetry(err error) bool {
	if he, ok := err.(*httpError); ok {
		return he.status == http.StatusTooManyRequests || he.status >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Network-level failures (timeouts, resets) are worth a retry.
	return true
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
