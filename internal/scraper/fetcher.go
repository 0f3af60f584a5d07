package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/FranksOps/prospector/internal/bypass"
	"github.com/FranksOps/prospector/internal/fingerprint"
	"github.com/FranksOps/prospector/internal/metrics"
	"github.com/FranksOps/prospector/internal/page"
	"github.com/FranksOps/prospector/pkg/httpclient"
	"github.com/FranksOps/prospector/pkg/proxy"
	"github.com/FranksOps/prospector/pkg/ratelimit"
	"github.com/FranksOps/prospector/pkg/useragent"
	"github.com/google/uuid"
)

type contextKey string

const proxyKey contextKey = "proxy_url"

// maxBodyBytes bounds how much markup a single navigation may buffer.
const maxBodyBytes = 16 << 20

// FetchConfig configures the HTTP transport of a session.
type FetchConfig struct {
	Timeout      time.Duration
	MaxRedirects int
	UseCookieJar bool
	ProxyPool    *proxy.Pool
	UAPool       *useragent.Pool
	// StickyUserAgent pins one user agent for the fetcher's lifetime. An
	// authenticated session that changes browsers between pages looks stolen.
	StickyUserAgent bool
	Fingerprint     fingerprint.Profile
	Limiter         *ratelimit.Limiter
	// Detectors classifies every response. Nil means bypass.DefaultDetectors.
	Detectors []bypass.Detector
}

// Fetcher performs page loads over plain HTTP, carrying cookies, TLS
// fingerprint, user agent and proxy rotation across calls.
type Fetcher struct {
	config    FetchConfig
	client    *httpclient.Client
	transport http.RoundTripper
	ua        string
}

// NewFetcher initializes a new Fetcher with the given configuration.
// By holding a single client across requests, cookie jars (if configured) persist for the lifetime of the Fetcher.
func NewFetcher(cfg FetchConfig) (*Fetcher, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UAPool == nil {
		cfg.UAPool = useragent.NewPool(nil)
	}
	if string(cfg.Fingerprint) == "" {
		cfg.Fingerprint = fingerprint.ProfileChrome
	}
	if cfg.Detectors == nil {
		cfg.Detectors = bypass.DefaultDetectors()
	}

	// Proxies rotate per request: the chosen proxy rides on the request context
	// and the transport's Proxy func reads it back.
	proxyFunc := func(req *http.Request) (*url.URL, error) {
		if u, ok := req.Context().Value(proxyKey).(*url.URL); ok && u != nil {
			return u, nil
		}
		return http.ProxyFromEnvironment(req)
	}

	transport, err := fingerprint.Transport(cfg.Fingerprint, fingerprint.Options{Proxy: proxyFunc})
	if err != nil {
		return nil, fmt.Errorf("scraper: failed to setup transport: %w", err)
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: cfg.MaxRedirects,
		UseCookieJar: cfg.UseCookieJar,
		Transport:    transport,
	})
	if err != nil {
		return nil, fmt.Errorf("scraper: failed to create client: %w", err)
	}

	f := &Fetcher{
		config:    cfg,
		client:    client,
		transport: transport,
	}
	if cfg.StickyUserAgent {
		f.ua = cfg.UAPool.ForSession()
	}
	return f, nil
}

// UserAgent returns the user agent the next request will present.
func (f *Fetcher) UserAgent() string {
	if f.ua != "" {
		return f.ua
	}
	return f.config.UAPool.ForSession()
}

// Client exposes the underlying HTTP client, e.g. to inspect session cookies.
func (f *Fetcher) Client() *httpclient.Client {
	return f.client
}

// Fetch executes a GET request to the target URL and captures the response
// into a page.Page. Transport failures are reported in Page.Error, not as an
// error return.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string) (*page.Page, error) {
	return f.do(ctx, targetURL, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	})
}

// Submit posts form to targetURL the way a browser submits an HTML form and
// returns the page the server lands on after redirects.
func (f *Fetcher) Submit(ctx context.Context, targetURL string, form url.Values) (*page.Page, error) {
	return f.do(ctx, targetURL, func(ctx context.Context) (*http.Request, error) {
		return httpclient.NewFormRequest(ctx, targetURL, form)
	})
}

func (f *Fetcher) do(ctx context.Context, targetURL string, build func(context.Context) (*http.Request, error)) (*page.Page, error) {
	start := time.Now()
	p := &page.Page{
		ID:        uuid.New().String(),
		URL:       targetURL,
		CreatedAt: start.UTC(),
	}

	if f.config.Limiter != nil {
		if err := f.config.Limiter.Wait(ctx); err != nil {
			p.Error = fmt.Sprintf("rate limiter failed: %v", err)
			return p, nil
		}
	}

	var activeProxy *url.URL
	if f.config.ProxyPool != nil {
		activeProxy = f.config.ProxyPool.Next()
	}
	if activeProxy != nil {
		ctx = context.WithValue(ctx, proxyKey, activeProxy)
	}

	req, err := build(ctx)
	if err != nil {
		p.Error = fmt.Sprintf("failed to create request: %v", err)
		p.Duration = time.Since(start)
		return p, nil
	}

	req.Header.Set("User-Agent", f.UserAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(ctx, req)
	if err != nil {
		if activeProxy != nil {
			_ = f.config.ProxyPool.MarkFailure(activeProxy)
			metrics.ProxyFailures.WithLabelValues(proxy.Label(activeProxy)).Inc()
		}
		p.Error = fmt.Sprintf("request failed: %v", err)
		p.Duration = time.Since(start)
		return p, nil
	}
	defer resp.Body.Close()

	if activeProxy != nil {
		_ = f.config.ProxyPool.MarkSuccess(activeProxy)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		p.Error = fmt.Sprintf("failed to read body: %v", err)
	}

	p.StatusCode = resp.StatusCode
	p.Headers = resp.Header
	p.Body = body
	if resp.Request != nil && resp.Request.URL != nil {
		p.FinalURL = resp.Request.URL.String()
	}
	p.Duration = time.Since(start)

	bypass.Analyze(p, f.config.Detectors)

	return p, nil
}
