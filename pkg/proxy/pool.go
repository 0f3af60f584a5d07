// Package proxy keeps the upstream proxies sessions connect through and
// benches the ones that keep failing.
package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrUnknownProxy is returned when marking a proxy the pool does not hold.
var ErrUnknownProxy = errors.New("proxy: proxy not found in pool")

// Config defines settings for the Pool.
type Config struct {
	// MaxFailures in a row before a proxy is benched. Zero means 3.
	MaxFailures int
	// Cooldown is how long a benched proxy sits out. Zero means 5m.
	Cooldown time.Duration
}

type entry struct {
	url      *url.URL
	failures int
	benched  time.Time // zero while healthy
}

// Pool hands out proxies round robin, skipping benched ones. A browser
// session takes one proxy for its lifetime; the HTTP driver rotates per
// request. The zero of *Pool (nil) is an empty pool.
type Pool struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries []*entry
	byKey   map[string]*entry
	next    int
}

// NewPool returns an empty pool.
func NewPool(cfg Config) *Pool {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &Pool{cfg: cfg, now: time.Now, byKey: make(map[string]*entry)}
}

// LoadFile adds the proxies listed in path, one URL per line. Blank lines and
// lines starting with '#' are skipped.
func (p *Pool) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	defer f.Close()

	var raws []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		raws = append(raws, line)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("proxy: %s: %w", path, err)
	}
	return p.Add(raws...)
}

// Add parses and adds proxies. A bare host:port means http. Duplicates are
// ignored. Nothing is added when any entry is invalid.
func (p *Pool) Add(raws ...string) error {
	parsed := make([]*url.URL, 0, len(raws))
	for _, raw := range raws {
		u, err := parse(raw)
		if err != nil {
			return err
		}
		parsed = append(parsed, u)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range parsed {
		key := u.String()
		if _, dup := p.byKey[key]; dup {
			continue
		}
		e := &entry{url: u}
		p.entries = append(p.entries, e)
		p.byKey[key] = e
	}
	return nil
}

func parse(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return nil, fmt.Errorf("proxy: unsupported scheme %q in %s", u.Scheme, u.Redacted())
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy: missing host in %s", u.Redacted())
	}
	return u, nil
}

// Next returns the next proxy that is not benched, or nil when there is
// none.
func (p *Pool) Next() *url.URL {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for range p.entries {
		e := p.entries[p.next]
		p.next = (p.next + 1) % len(p.entries)

		if !e.benched.IsZero() && now.After(e.benched) {
			e.benched = time.Time{}
			e.failures = 0
		}
		if e.benched.IsZero() {
			return e.url
		}
	}
	return nil
}

// MarkSuccess clears the failure streak of u.
func (p *Pool) MarkSuccess(u *url.URL) error {
	return p.mark(u, func(e *entry) { e.failures = 0 })
}

// MarkFailure counts a failure of u and benches it for the cooldown once the
// streak reaches MaxFailures.
func (p *Pool) MarkFailure(u *url.URL) error {
	return p.mark(u, func(e *entry) {
		e.failures++
		if e.failures >= p.cfg.MaxFailures {
			e.benched = p.now().Add(p.cfg.Cooldown)
		}
	})
}

func (p *Pool) mark(u *url.URL, fn func(*entry)) error {
	if p == nil || u == nil {
		return ErrUnknownProxy
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byKey[u.String()]
	if !ok {
		return ErrUnknownProxy
	}
	fn(e)
	return nil
}

// Len returns the number of proxies in the pool, benched or not.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Healthy returns the number of proxies Next may hand out right now.
func (p *Pool) Healthy() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	n := 0
	for _, e := range p.entries {
		if e.benched.IsZero() || now.After(e.benched) {
			n++
		}
	}
	return n
}

// Label identifies u in logs and metrics without its credentials.
func Label(u *url.URL) string {
	if u == nil {
		return "direct"
	}
	return u.Redacted()
}
