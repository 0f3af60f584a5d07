package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

// robotsRetry is how long an unreachable robots.txt counts as allow-all
// before it is fetched again.
const robotsRetry = 10 * time.Minute

type robotsEntry struct {
	data    *robotstxt.RobotsData // nil allows everything
	expires time.Time             // zero never expires
}

// RobotsTxtAuditor answers whether a session may load a URL, per the host's
// robots.txt. Each host's file is fetched once through the session's own
// fetcher; concurrent first lookups share one request.
type RobotsTxtAuditor struct {
	fetcher *Fetcher
	logger  *slog.Logger
	now     func() time.Time
	flight  singleflight.Group

	mu    sync.RWMutex
	hosts map[string]robotsEntry
}

// NewRobotsTxtAuditor returns an auditor loading robots files through fetcher.
func NewRobotsTxtAuditor(fetcher *Fetcher, logger *slog.Logger) *RobotsTxtAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RobotsTxtAuditor{
		fetcher: fetcher,
		logger:  logger,
		now:     time.Now,
		hosts:   make(map[string]robotsEntry),
	}
}

// IsAllowed reports whether userAgent may load targetURL. A missing,
// unreachable or unparsable robots file allows everything; only a relative
// URL is an error.
func (r *RobotsTxtAuditor) IsAllowed(ctx context.Context, targetURL string, userAgent string) (bool, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return false, fmt.Errorf("scraper: invalid url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return false, fmt.Errorf("scraper: url %q is not absolute", targetURL)
	}

	data := r.rules(ctx, u.Scheme+"://"+u.Host)
	if data == nil {
		return true, nil
	}
	return data.FindGroup(userAgent).Test(u.EscapedPath()), nil
}

func (r *RobotsTxtAuditor) rules(ctx context.Context, origin string) *robotstxt.RobotsData {
	r.mu.RLock()
	e, ok := r.hosts[origin]
	r.mu.RUnlock()
	if ok && (e.expires.IsZero() || r.now().Before(e.expires)) {
		return e.data
	}

	v, _, _ := r.flight.Do(origin, func() (any, error) {
		e := r.load(ctx, origin)
		r.mu.Lock()
		r.hosts[origin] = e
		r.mu.Unlock()
		return e.data, nil
	})
	return v.(*robotstxt.RobotsData)
}

func (r *RobotsTxtAuditor) load(ctx context.Context, origin string) robotsEntry {
	retry := robotsEntry{expires: r.now().Add(robotsRetry)}

	p, err := r.fetcher.Fetch(ctx, origin+"/robots.txt")
	switch {
	case err != nil:
		r.logger.Debug("robots.txt unreachable, allowing all", "origin", origin, "err", err)
		return retry
	case p.Error != "":
		r.logger.Debug("robots.txt unreachable, allowing all", "origin", origin, "err", p.Error)
		return retry
	case p.StatusCode >= http.StatusInternalServerError:
		r.logger.Debug("robots.txt server error, allowing all", "origin", origin, "status", p.StatusCode)
		return retry
	case p.StatusCode >= http.StatusBadRequest:
		return robotsEntry{}
	}

	data, err := robotstxt.FromBytes(p.Body)
	if err != nil {
		r.logger.Warn("robots.txt unparsable, allowing all", "origin", origin, "err", err)
		return robotsEntry{}
	}
	return robotsEntry{data: data}
}
