package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/FranksOps/prospector/internal/metrics"
	"github.com/FranksOps/prospector/internal/page"
	"github.com/FranksOps/prospector/internal/scraper"
	"github.com/FranksOps/prospector/pkg/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/FranksOps/prospector/internal/session")

// Delays holds the fixed waits of a session. Zero values mean no wait.
type Delays struct {
	// Form is waited after loading the login page, before filling it in.
	Form time.Duration
	// Login is waited after submitting credentials.
	Login time.Duration
	// Settle is waited after every navigation.
	Settle time.Duration
}

// DefaultDelays are the waits the target's client-side rendering needs.
func DefaultDelays() Delays {
	return Delays{Form: 2 * time.Second, Login: 5 * time.Second, Settle: 3 * time.Second}
}

// HTTPConfig configures an HTTPDriver.
type HTTPConfig struct {
	Site        scraper.Site
	Credentials Credentials
	Fetch       scraper.FetchConfig
	Delays      Delays
	// RespectRobots refuses navigations the site's robots.txt disallows.
	RespectRobots bool
	Logger        *slog.Logger
}

// HTTPDriver is a browserless session: cookie jar, TLS fingerprint and user
// agent carried across plain HTTP requests.
type HTTPDriver struct {
	cfg     HTTPConfig
	fetcher *scraper.Fetcher
	auditor *scraper.RobotsTxtAuditor
	logger  *slog.Logger
	lc      lifecycle
}

var _ Driver = (*HTTPDriver)(nil)

// NewHTTPDriver builds the driver. No network traffic happens until Open.
func NewHTTPDriver(cfg HTTPConfig) (*HTTPDriver, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Site = cfg.Site.WithDefaults()
	cfg.Fetch.Detectors = siteDetectors(cfg.Fetch.Detectors, cfg.Site)
	cfg.Fetch.UseCookieJar = true
	cfg.Fetch.StickyUserAgent = true

	fetcher, err := scraper.NewFetcher(cfg.Fetch)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	d := &HTTPDriver{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  cfg.Logger.With("driver", "http"),
	}
	if cfg.RespectRobots {
		d.auditor = scraper.NewRobotsTxtAuditor(fetcher, d.logger)
	}
	return d, nil
}

// Open performs the single login attempt of this driver.
func (d *HTTPDriver) Open(ctx context.Context) error {
	return d.lc.open(func() error {
		ctx, span := tracer.Start(ctx, "session.Open")
		span.SetAttributes(attribute.String("driver", "http"))
		defer span.End()

		err := d.login(ctx)
		if err != nil {
			d.logger.Error("login failed, closing session", "err", err)
			metrics.SessionOpens.WithLabelValues("http", "failed").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			_ = d.release()
			return err
		}
		metrics.SessionOpens.WithLabelValues("http", "ok").Inc()
		d.logger.Info("session opened", "site", d.cfg.Site.BaseURL)
		return nil
	})
}

func (d *HTTPDriver) login(ctx context.Context) error {
	if !d.cfg.Credentials.Valid() {
		return fmt.Errorf("%w: missing site credentials", ErrAuthFailed)
	}

	loginPage, err := d.fetcher.Fetch(ctx, d.cfg.Site.LoginURL())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	metrics.RecordNavigation("http", loginPage)
	if loginPage.Error != "" {
		return fmt.Errorf("%w: %w: %s", ErrAuthFailed, ErrTargetUnreachable, loginPage.Error)
	}
	if err := ratelimit.Sleep(ctx, d.cfg.Delays.Form); err != nil {
		return err
	}

	form, err := scraper.FindLoginForm(loginPage, d.cfg.Site, d.cfg.Credentials.Username, d.cfg.Credentials.Password)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	landed, err := d.fetcher.Submit(ctx, form.Action, form.Fields)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	metrics.RecordNavigation("http", landed)
	if err := ratelimit.Sleep(ctx, d.cfg.Delays.Login); err != nil {
		return err
	}

	if err := Classify(landed); err != nil {
		return fmt.Errorf("%w: landed on %s: %w", ErrAuthFailed, landed.Location(), err)
	}
	return nil
}

// Navigate loads url within the authenticated session.
func (d *HTTPDriver) Navigate(ctx context.Context, url string) (*page.Page, error) {
	if err := d.lc.ready(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "session.Navigate")
	span.SetAttributes(attribute.String("driver", "http"), attribute.String("url", url))
	defer span.End()

	p, err := d.navigate(ctx, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return p, nil
}

func (d *HTTPDriver) navigate(ctx context.Context, url string) (*page.Page, error) {
	if d.auditor != nil {
		allowed, err := d.auditor.IsAllowed(ctx, url, d.fetcher.UserAgent())
		if err != nil {
			return nil, fmt.Errorf("session: navigate %s: %w", url, err)
		}
		if !allowed {
			return nil, fmt.Errorf("session: navigate %s: %w: disallowed by robots.txt", url, ErrTargetUnreachable)
		}
	}

	p, err := d.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("session: navigate %s: %w", url, err)
	}
	if err := ratelimit.Sleep(ctx, d.cfg.Delays.Settle); err != nil {
		return nil, err
	}
	p.Duration += d.cfg.Delays.Settle
	metrics.RecordNavigation("http", p)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := Classify(p); err != nil {
		return nil, fmt.Errorf("session: navigate %s: %w", url, err)
	}
	return p, nil
}

// Close drops the session cookies and idle connections.
func (d *HTTPDriver) Close() error {
	return d.release()
}

func (d *HTTPDriver) release() error {
	if !d.lc.close() {
		return nil
	}
	client := d.fetcher.Client()
	client.CloseIdleConnections()
	if err := client.ResetCookies(); err != nil {
		return errors.Join(ErrClosed, err)
	}
	return nil
}
