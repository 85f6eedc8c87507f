package proxy

import (
	"bufio"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Server is one upstream proxy. Credentials are optional.
type Server struct {
	Host     string
	Port     int
	Username string
	Password string
}

// URL renders the proxy as an *url.URL usable in http.Transport.Proxy.
func (s *Server) URL() *url.URL {
	u := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", s.Host, s.Port),
	}
	if s.Username != "" {
		u.User = url.UserPassword(s.Username, s.Password)
	}
	return u
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Stats holds per-proxy usage counters. Mutated concurrently via
// atomics; reads may be slightly stale, which is fine for an
// operator-facing diagnostic.
type Stats struct {
	Used   atomic.Int64
	Failed atomic.Int64
}

// StatsSnapshot is the read model returned to status queries.
type StatsSnapshot struct {
	Used        int64   `json:"used"`
	Failed      int64   `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// Pool is the process-wide proxy pool. Proxies are loaded once at
// startup and never removed from rotation: failure reporting is
// advisory, operators inspect the stats externally.
type Pool struct {
	servers []*Server
	stats   []*Stats
	rr      atomic.Uint64

	mu     sync.Mutex
	sticky map[string]*Server // worker id -> assigned proxy
}

// NewPool builds a pool over the given servers. An empty list yields a
// disabled pool: every assignment returns nil and callers fall back to
// direct connections.
func NewPool(servers []*Server) *Pool {
	p := &Pool{
		servers: servers,
		stats:   make([]*Stats, len(servers)),
		sticky:  make(map[string]*Server),
	}
	for i := range servers {
		p.stats[i] = &Stats{}
	}
	return p
}

// LoadPool reads a proxy list file (one "host:port" or
// "host:port:user:pass" per line, '#' comments allowed). A missing or
// empty file degrades to a disabled pool with a warning rather than an
// error: the pipeline still works over direct connections.
func LoadPool(path string) *Pool {
	if path == "" {
		log.Println("[ProxyPool] No proxy list configured, running in direct mode")
		return NewPool(nil)
	}

	f, err := os.Open(path)
	if err != nil {
		log.Printf("[ProxyPool] Cannot read proxy list %s: %v, running in direct mode", path, err)
		return NewPool(nil)
	}
	defer f.Close()

	var servers []*Server
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		srv, err := parseLine(line)
		if err != nil {
			log.Printf("[ProxyPool] Skipping malformed line %q: %v", line, err)
			continue
		}
		servers = append(servers, srv)
	}

	log.Printf("[ProxyPool] Loaded %d proxies from %s", len(servers), path)
	return NewPool(servers)
}

func parseLine(line string) (*Server, error) {
	parts := strings.Split(line, ":")
	if len(parts) != 2 && len(parts) != 4 {
		return nil, fmt.Errorf("expected host:port or host:port:user:pass")
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", parts[1], err)
	}
	srv := &Server{Host: parts[0], Port: port}
	if len(parts) == 4 {
		srv.Username = parts[2]
		srv.Password = parts[3]
	}
	return srv, nil
}

// Enabled reports whether the pool has any proxies at all.
func (p *Pool) Enabled() bool {
	return len(p.servers) > 0
}

// AssignSticky binds a proxy to a worker id for the worker's lifetime,
// maximizing connection reuse. Repeated calls with the same id return
// the same proxy. Returns nil when the pool is disabled.
func (p *Pool) AssignSticky(workerID string) *Server {
	if !p.Enabled() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if srv, ok := p.sticky[workerID]; ok {
		return srv
	}
	srv := p.servers[len(p.sticky)%len(p.servers)]
	p.sticky[workerID] = srv
	p.statsFor(srv).Used.Add(1)
	return srv
}

// ReleaseSticky drops a worker's assignment. Called when a worker pool
// is torn down so a later pool starts from a fresh distribution.
func (p *Pool) ReleaseSticky(workerID string) {
	p.mu.Lock()
	delete(p.sticky, workerID)
	p.mu.Unlock()
}

// Next returns the next proxy in round-robin order, for one-off calls
// such as catalog enrichment. Returns nil when the pool is disabled.
func (p *Pool) Next() *Server {
	if !p.Enabled() {
		return nil
	}
	i := p.rr.Add(1)
	srv := p.servers[int(i-1)%len(p.servers)]
	p.statsFor(srv).Used.Add(1)
	return srv
}

// ReportFailure increments the failure counter for a proxy. Advisory
// only: the proxy stays in rotation.
func (p *Pool) ReportFailure(srv *Server) {
	if srv == nil {
		return
	}
	if st := p.statsFor(srv); st != nil {
		st.Failed.Add(1)
	}
}

func (p *Pool) statsFor(srv *Server) *Stats {
	for i, s := range p.servers {
		if s == srv {
			return p.stats[i]
		}
	}
	return nil
}

// Snapshot returns per-host usage stats keyed by "host:port".
func (p *Pool) Snapshot() map[string]StatsSnapshot {
	out := make(map[string]StatsSnapshot, len(p.servers))
	for i, srv := range p.servers {
		used := p.stats[i].Used.Load()
		failed := p.stats[i].Failed.Load()
		rate := 1.0
		if used > 0 {
			rate = float64(used-failed) / float64(used)
		}
		out[srv.Addr()] = StatsSnapshot{Used: used, Failed: failed, SuccessRate: rate}
	}
	return out
}
