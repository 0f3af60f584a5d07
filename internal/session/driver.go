package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/FranksOps/prospector/internal/bypass"
	"github.com/FranksOps/prospector/internal/page"
	"github.com/FranksOps/prospector/internal/scraper"
)

var (
	// ErrAuthFailed means the single login attempt of a driver did not land
	// on an authenticated page. The driver is closed and unusable.
	ErrAuthFailed = errors.New("session: authentication failed")
	// ErrSessionExpired means a navigation bounced back to the login wall.
	ErrSessionExpired = errors.New("session: expired")
	// ErrChallenged means the target answered with a checkpoint or captcha.
	ErrChallenged = errors.New("session: challenged")
	// ErrRateLimited means the target throttled the session.
	ErrRateLimited = errors.New("session: rate limited")
	// ErrTargetUnreachable means the page could not be loaded at all.
	ErrTargetUnreachable = errors.New("session: target unreachable")
	// ErrClosed is returned by any call on a closed driver.
	ErrClosed = errors.New("session: closed")
	// ErrNotOpen is returned by Navigate before a successful Open.
	ErrNotOpen = errors.New("session: not open")
)

// Driver owns one authenticated browsing session against the target site.
type Driver interface {
	// Open establishes the session and performs exactly one login attempt.
	// Calling it again after success is a no-op; after failure it keeps
	// returning ErrAuthFailed.
	Open(ctx context.Context) error
	// Navigate loads url, waits the settle delay and returns the rendered page.
	Navigate(ctx context.Context, url string) (*page.Page, error)
	// Close releases the underlying resource. It is idempotent.
	Close() error
}

// Credentials are the operator's account on the target site.
type Credentials struct {
	Username string
	Password string
}

// Valid reports whether both parts are present.
func (c Credentials) Valid() bool {
	return c.Username != "" && c.Password != ""
}

// Classify maps a rendered page onto the session error it represents, or nil
// for a usable page.
func Classify(p *page.Page) error {
	if p == nil {
		return ErrTargetUnreachable
	}
	if p.Error != "" {
		return fmt.Errorf("%w: %s", ErrTargetUnreachable, p.Error)
	}
	switch p.Block {
	case page.BlockLoginWall:
		return ErrSessionExpired
	case page.BlockChallenge:
		return fmt.Errorf("%w by %s", ErrChallenged, p.BlockSrc)
	case page.BlockRateLimited:
		return ErrRateLimited
	}
	if p.StatusCode >= 400 {
		return fmt.Errorf("%w: status %d", ErrTargetUnreachable, p.StatusCode)
	}
	return nil
}

// siteDetectors returns detectors, or the defaults when nil, extended with the
// login wall of site.
func siteDetectors(detectors []bypass.Detector, site scraper.Site) []bypass.Detector {
	if detectors == nil {
		detectors = bypass.DefaultDetectors()
	}
	out := make([]bypass.Detector, 0, len(detectors)+1)
	out = append(out, detectors...)
	return append(out, bypass.LoginWall(site.LoginPath, site.PasswordField))
}

// lifecycle tracks the open/failed/closed state shared by every driver so the
// "one login per instance, release once" contract lives in one place.
type lifecycle struct {
	openMu  sync.Mutex // held for the whole login
	mu      sync.Mutex
	opened  bool
	openErr error
	closed  bool
}

// open runs login at most once over the lifetime of l.
func (l *lifecycle) open(login func() error) error {
	l.openMu.Lock()
	defer l.openMu.Unlock()

	l.mu.Lock()
	switch {
	case l.openErr != nil:
		err := l.openErr
		l.mu.Unlock()
		return err
	case l.closed:
		l.mu.Unlock()
		return ErrClosed
	case l.opened:
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	err := login()

	l.mu.Lock()
	l.opened = err == nil
	l.openErr = err
	l.mu.Unlock()
	return err
}

// ready reports whether Navigate may proceed.
func (l *lifecycle) ready() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.closed:
		return ErrClosed
	case l.openErr != nil:
		return l.openErr
	case !l.opened:
		return ErrNotOpen
	}
	return nil
}

// close marks the lifecycle closed and reports whether this call is the one
// that must release resources.
func (l *lifecycle) close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	return true
}
