package session

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	browser "github.com/EDDYCJY/fake-useragent"
)

// Handle is one cached anti-bot session: the cookie set captured from
// a landing fetch of the protected page plus the user agent that
// captured it. Later requests must present the same identity or the
// source invalidates the cookies.
type Handle struct {
	Key       string
	Cookies   []*http.Cookie
	UserAgent string
	FetchedAt time.Time
}

// Apply sets the session's cookies and user agent on a request.
func (h *Handle) Apply(req *http.Request) {
	if h == nil {
		return
	}
	req.Header.Set("User-Agent", h.UserAgent)
	for _, c := range h.Cookies {
		req.AddCookie(c)
	}
}

type entry struct {
	mu     sync.Mutex // guards refresh for this key only
	handle *Handle
}

// Cache caches sessions per source-item key. Refresh runs under a
// per-key critical section so concurrent callers on a cold key trigger
// exactly one landing fetch.
type Cache struct {
	landingURL func(key string) string
	client     *http.Client

	mu      sync.Mutex
	entries map[string]*entry
}

// NewCache builds a session cache. landingURL maps a key (normally the
// source slug) to the protected landing page to fetch cookies from.
func NewCache(landingURL func(key string) string) *Cache {
	jar, _ := cookiejar.New(nil)
	client := &http.Client{
		Timeout: 30 * time.Second,
		Jar:     jar,
	}
	client.Transport = cloudflarebp.AddCloudFlareByPass(client.Transport)

	return &Cache{
		landingURL: landingURL,
		client:     client,
		entries:    make(map[string]*entry),
	}
}

func (c *Cache) entryFor(key string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

// GetOrFetch returns the cached session for key, performing the
// landing fetch on a cold cache.
func (c *Cache) GetOrFetch(ctx context.Context, key string) (*Handle, error) {
	e := c.entryFor(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle != nil {
		return e.handle, nil
	}
	return c.refreshLocked(ctx, key, e)
}

// ForceRefresh discards any cached session for key and performs a
// fresh landing fetch. Called after an authorization failure.
func (c *Cache) ForceRefresh(ctx context.Context, key string) (*Handle, error) {
	e := c.entryFor(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.handle = nil
	return c.refreshLocked(ctx, key, e)
}

func (c *Cache) refreshLocked(ctx context.Context, key string, e *entry) (*Handle, error) {
	target := c.landingURL(key)
	ua := browser.Chrome()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create landing request: %w", err)
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("landing fetch for %s failed: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("landing fetch for %s: HTTP %d", key, resp.StatusCode)
	}

	u, _ := url.Parse(target)
	cookies := c.client.Jar.Cookies(u)
	if len(resp.Cookies()) > 0 {
		cookies = append(cookies, resp.Cookies()...)
	}

	e.handle = &Handle{
		Key:       key,
		Cookies:   dedupCookies(cookies),
		UserAgent: ua,
		FetchedAt: time.Now(),
	}
	log.Printf("[SessionCache] Refreshed session for %s (%d cookies)", key, len(e.handle.Cookies))
	return e.handle, nil
}

// AbsorbResponse replaces the cached cookie set when a downstream
// response issued new cookies, keeping the session warm without an
// explicit refresh.
func (c *Cache) AbsorbResponse(key string, resp *http.Response) {
	fresh := resp.Cookies()
	if len(fresh) == 0 {
		return
	}

	e := c.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == nil {
		return
	}
	merged := append(append([]*http.Cookie{}, e.handle.Cookies...), fresh...)
	e.handle = &Handle{
		Key:       key,
		Cookies:   dedupCookies(merged),
		UserAgent: e.handle.UserAgent,
		FetchedAt: e.handle.FetchedAt,
	}
}

// dedupCookies keeps the last occurrence of each cookie name, so newer
// values win over the ones captured earlier.
func dedupCookies(in []*http.Cookie) []*http.Cookie {
	idx := make(map[string]int, len(in))
	out := make([]*http.Cookie, 0, len(in))
	for _, ck := range in {
		if i, ok := idx[ck.Name]; ok {
			out[i] = ck
			continue
		}
		idx[ck.Name] = len(out)
		out = append(out, ck)
	}
	return out
}
