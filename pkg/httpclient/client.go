// Package httpclient is the HTTP client a browserless session rides on: one
// cookie jar for the whole login, bounded redirects and a pluggable
// transport for TLS fingerprinting.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultMaxRedirects applies when Config.MaxRedirects is zero.
const DefaultMaxRedirects = 10

// ErrTooManyRedirects is wrapped by Do when the redirect cap is hit.
var ErrTooManyRedirects = errors.New("httpclient: too many redirects")

// Config defines the setup for the HTTP Client.
type Config struct {
	// Timeout bounds a single request including redirects. Zero means 30s.
	Timeout time.Duration
	// MaxRedirects caps followed redirects. Zero means DefaultMaxRedirects,
	// negative disables following entirely.
	MaxRedirects int
	UseCookieJar bool
	Transport    http.RoundTripper
}

// Client sends requests on behalf of one session.
type Client struct {
	http *http.Client
	jar  *sessionJar
}

// New creates a client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}

	c := &Client{http: &http.Client{
		Timeout:       cfg.Timeout,
		Transport:     cfg.Transport,
		CheckRedirect: redirectPolicy(cfg.MaxRedirects),
	}}
	if cfg.UseCookieJar {
		jar, err := newSessionJar()
		if err != nil {
			return nil, err
		}
		c.jar = jar
		c.http.Jar = jar
	}
	return c, nil
}

func redirectPolicy(limit int) func(*http.Request, []*http.Request) error {
	if limit < 0 {
		return func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	}
	return func(_ *http.Request, via []*http.Request) error {
		if len(via) >= limit {
			return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, limit)
		}
		return nil
	}
}

// Do sends req bound to ctx.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if ctx == nil {
		return nil, errors.New("httpclient: context cannot be nil")
	}
	resp, err := c.http.Do(req.Clone(ctx))
	if err != nil {
		return nil, fmt.Errorf("httpclient: %w", err)
	}
	return resp, nil
}

// NewFormRequest builds a url-encoded POST, the shape of a browser submitting
// an HTML form.
func NewFormRequest(ctx context.Context, target string, form url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("httpclient: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

// Cookies returns the cookies the jar would send to u, or nil without a jar.
func (c *Client) Cookies(u *url.URL) []*http.Cookie {
	if c.jar == nil || u == nil {
		return nil
	}
	return c.jar.Cookies(u)
}

// ResetCookies drops every stored cookie, logging the session out locally.
// It is safe while requests are in flight.
func (c *Client) ResetCookies() error {
	if c.jar == nil {
		return nil
	}
	return c.jar.reset()
}

// CloseIdleConnections closes keep-alive connections of the transport.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

// sessionJar is a cookie jar that can be emptied in place, so the
// http.Client never sees its Jar field change under it.
type sessionJar struct {
	mu  sync.RWMutex
	jar *cookiejar.Jar
}

func newSessionJar() (*sessionJar, error) {
	j := &sessionJar{}
	if err := j.reset(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *sessionJar) reset() error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("httpclient: %w", err)
	}
	j.mu.Lock()
	j.jar = jar
	j.mu.Unlock()
	return nil
}

func (j *sessionJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	j.jar.SetCookies(u, cookies)
}

func (j *sessionJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.jar.Cookies(u)
}
