package download

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/proxy"
)

// Config tunes the engine. Zero values fall back to the defaults the
// pipeline was tuned with.
type Config struct {
	Workers              int           // bounded pool size
	CDNHosts             []string      // known direct-download candidate hosts
	SlowLatency          time.Duration // direct attempt slower than this is penalized
	MinThroughputMBps    float64       // below this (for large payloads) is slow
	MinSizeForThroughput int64         // throughput judged only above this size
	HostCooldown         time.Duration // exclusion window for slow/failed hosts
	MaxRetries           int           // proxied retry cap
	RetryBaseDelay       time.Duration // exponential backoff base
	RequestTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.SlowLatency <= 0 {
		c.SlowLatency = 4 * time.Second
	}
	if c.MinThroughputMBps <= 0 {
		c.MinThroughputMBps = 1.0
	}
	if c.MinSizeForThroughput <= 0 {
		c.MinSizeForThroughput = 256 * 1024
	}
	if c.HostCooldown <= 0 {
		c.HostCooldown = 120 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	return c
}

// Task is one image to download.
type Task struct {
	URL         string
	Destination string
	Referer     string
}

// Result reports one task's outcome. Source is "cached", "direct" or
// "proxy".
type Result struct {
	Task    Task
	Success bool
	Cached  bool
	Bytes   int64
	Elapsed time.Duration
	Source  string
	Err     error
}

// Summary aggregates a batch. Individual failures never fail the
// batch; they only show up in Failed.
type Summary struct {
	Total      int            `json:"total"`
	Success    int            `json:"success"`
	Failed     int            `json:"failed"`
	Cached     int            `json:"cached"`
	Bytes      int64          `json:"bytes"`
	ElapsedMs  int64          `json:"elapsed_ms"`
	ProxyUsage map[string]int `json:"proxy_usage,omitempty"`
}

// ProgressFunc receives periodic batch telemetry.
type ProgressFunc func(done, total int, message string)

// Engine downloads page images, racing a direct-CDN attempt against a
// proxied fallback. Slow or failing CDN hosts are cooled down for a
// window and skipped until it expires.
type Engine struct {
	cfg     Config
	proxies *proxy.Pool
	now     func() time.Time // injectable clock for cooldown tests

	direct *http.Client

	mu          sync.Mutex
	cooledUntil map[string]time.Time

	clientMu     sync.Mutex
	proxyClients map[string]*http.Client // worker id -> sticky proxied client
}

// NewEngine creates an engine over the given proxy pool.
func NewEngine(cfg Config, proxies *proxy.Pool) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:     cfg,
		proxies: proxies,
		now:     time.Now,
		direct: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		cooledUntil:  make(map[string]time.Time),
		proxyClients: make(map[string]*http.Client),
	}
}

// SetClock replaces the engine's clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// ============================================
// HOST COOLDOWN
// ============================================

// MarkHostSlow excludes a host from direct attempts until the cooldown
// window expires.
func (e *Engine) MarkHostSlow(host string) {
	e.mu.Lock()
	e.cooledUntil[host] = e.now().Add(e.cfg.HostCooldown)
	e.mu.Unlock()
	log.Printf("[DownloadEngine] Host %s cooled down for %v", host, e.cfg.HostCooldown)
}

// HostCooledDown reports whether a host is currently excluded.
func (e *Engine) HostCooledDown(host string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.cooledUntil[host]
	return ok && e.now().Before(until)
}

// directCandidates orders the CDN hosts to try: the URL's own host
// first, then the configured candidates, skipping cooled-down hosts.
// A URL on an unknown host gets no direct candidates at all: its path
// only exists on its own server, and a host-swapped attempt would 404
// and cool down a healthy CDN.
func (e *Engine) directCandidates(u *url.URL) []string {
	if !e.isCDNHost(u.Host) {
		return nil
	}
	hosts := make([]string, 0, len(e.cfg.CDNHosts))
	if !e.HostCooledDown(u.Host) {
		hosts = append(hosts, u.Host)
	}
	for _, h := range e.cfg.CDNHosts {
		if h == u.Host || e.HostCooledDown(h) {
			continue
		}
		hosts = append(hosts, h)
	}
	return hosts
}

func (e *Engine) isCDNHost(host string) bool {
	for _, h := range e.cfg.CDNHosts {
		if h == host {
			return true
		}
	}
	return false
}

// ============================================
// SINGLE DOWNLOAD
// ============================================

// DownloadOne downloads one image following the engine policy: cached
// skip, direct-CDN attempts, then proxied fallback with retries.
// workerID selects the sticky proxy; pass any stable id for one-off
// calls.
func (e *Engine) DownloadOne(ctx context.Context, workerID string, task Task) Result {
	start := e.now()

	// Existing destination counts as a cached success. Re-runs of a
	// build must not re-fetch what a previous run already got.
	if st, err := os.Stat(task.Destination); err == nil && st.Size() > 0 {
		return Result{Task: task, Success: true, Cached: true, Bytes: st.Size(), Source: "cached"}
	}

	u, err := url.Parse(task.URL)
	if err != nil {
		return Result{Task: task, Err: fmt.Errorf("bad url %q: %w", task.URL, err)}
	}

	for _, host := range e.directCandidates(u) {
		candidate := *u
		candidate.Host = host

		bytes, elapsed, err := e.fetch(ctx, e.direct, candidate.String(), task)
		if err != nil {
			e.MarkHostSlow(host)
			continue
		}
		if e.isSlow(bytes, elapsed) {
			// Keep the bytes (the file landed) but penalize the host
			// so the next task tries a faster candidate.
			e.MarkHostSlow(host)
		}
		return Result{Task: task, Success: true, Bytes: bytes, Elapsed: e.now().Sub(start), Source: "direct"}
	}

	// All direct candidates cooled down or failed: proxied fallback
	// through the worker's sticky proxy.
	return e.downloadProxied(ctx, workerID, task, start)
}

// isSlow applies the direct-attempt judgment: latency past the
// threshold, or poor throughput on a payload big enough to judge.
func (e *Engine) isSlow(bytes int64, elapsed time.Duration) bool {
	if elapsed >= e.cfg.SlowLatency {
		return true
	}
	if bytes >= e.cfg.MinSizeForThroughput && elapsed > 0 {
		mbps := float64(bytes) / (1024 * 1024) / elapsed.Seconds()
		return mbps < e.cfg.MinThroughputMBps
	}
	return false
}

func (e *Engine) downloadProxied(ctx context.Context, workerID string, task Task, start time.Time) Result {
	client, srv := e.stickyClient(workerID)

	var lastErr error
	delay := e.cfg.RetryBaseDelay
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		bytes, _, err := e.fetch(ctx, client, task.URL, task)
		if err == nil {
			return Result{Task: task, Success: true, Bytes: bytes, Elapsed: e.now().Sub(start), Source: "proxy"}
		}
		lastErr = err
		if srv != nil {
			e.proxies.ReportFailure(srv)
		}

		if attempt == e.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return Result{Task: task, Err: ctx.Err(), Elapsed: e.now().Sub(start), Source: "proxy"}
		case <-time.After(delay):
		}
		delay *= 2
	}

	return Result{Task: task, Err: lastErr, Elapsed: e.now().Sub(start), Source: "proxy"}
}

// stickyClient returns the worker's proxied client, building it on
// first use. Falls back to the direct client when the pool is
// disabled.
func (e *Engine) stickyClient(workerID string) (*http.Client, *proxy.Server) {
	if e.proxies == nil || !e.proxies.Enabled() {
		return e.direct, nil
	}

	e.clientMu.Lock()
	defer e.clientMu.Unlock()

	if c, ok := e.proxyClients[workerID]; ok {
		return c, e.proxies.AssignSticky(workerID)
	}

	srv := e.proxies.AssignSticky(workerID)
	c := &http.Client{
		Timeout: e.cfg.RequestTimeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyURL(srv.URL()),
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	e.proxyClients[workerID] = c
	return c, srv
}

// fetch performs one GET and writes the body to the task destination.
func (e *Engine) fetch(ctx context.Context, client *http.Client, fetchURL string, task Task) (int64, time.Duration, error) {
	start := e.now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")
	if task.Referer != "" {
		req.Header.Set("Referer", task.Referer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, e.now().Sub(start), err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, e.now().Sub(start), fmt.Errorf("HTTP %d from %s", resp.StatusCode, fetchURL)
	}

	if err := os.MkdirAll(filepath.Dir(task.Destination), 0o755); err != nil {
		return 0, e.now().Sub(start), err
	}

	f, err := os.Create(task.Destination)
	if err != nil {
		return 0, e.now().Sub(start), err
	}
	written, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(task.Destination) // no torn files left behind
		return 0, e.now().Sub(start), err
	}

	return written, e.now().Sub(start), nil
}

// ============================================
// BATCH DOWNLOAD
// ============================================

// DownloadMany runs tasks on the bounded worker pool and aggregates
// per-item results. Telemetry is emitted roughly every 10% of
// progress. Individual failures do not fail the batch.
func (e *Engine) DownloadMany(ctx context.Context, tasks []Task, progress ProgressFunc) Summary {
	start := e.now()
	summary := Summary{Total: len(tasks), ProxyUsage: make(map[string]int)}
	if len(tasks) == 0 {
		return summary
	}

	var mu sync.Mutex
	done := 0
	step := len(tasks) / 10
	if step == 0 {
		step = 1
	}

	pool := NewWorkerPool(ctx, e.cfg.Workers)
	pool.Start()

	for _, t := range tasks {
		task := t
		pool.Submit(func(ctx context.Context, workerID string) error {
			res := e.DownloadOne(ctx, workerID, task)

			mu.Lock()
			defer mu.Unlock()
			done++
			if res.Success {
				summary.Success++
				summary.Bytes += res.Bytes
				if res.Cached {
					summary.Cached++
				}
			} else {
				summary.Failed++
				log.Printf("[DownloadEngine] Failed %s: %v", task.URL, res.Err)
			}
			summary.ProxyUsage[res.Source]++

			if progress != nil && (done%step == 0 || done == len(tasks)) {
				elapsed := e.now().Sub(start)
				progress(done, len(tasks), e.telemetry(summary, done, len(tasks), elapsed))
			}
			return nil
		})
	}

	pool.Wait()
	summary.ElapsedMs = e.now().Sub(start).Milliseconds()
	return summary
}

// telemetry formats the periodic throughput/ETA line.
func (e *Engine) telemetry(s Summary, done, total int, elapsed time.Duration) string {
	mbps := 0.0
	if elapsed > 0 {
		mbps = float64(s.Bytes) / (1024 * 1024) / elapsed.Seconds()
	}
	var eta time.Duration
	if done > 0 {
		eta = time.Duration(float64(elapsed) / float64(done) * float64(total-done)).Round(time.Second)
	}
	return fmt.Sprintf("Downloaded %d/%d (%d cached, %d failed), %.2f MB/s, ETA %v, sources %v",
		done, total, s.Cached, s.Failed, mbps, eta, s.ProxyUsage)
}
