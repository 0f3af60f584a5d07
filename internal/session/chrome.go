package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/FranksOps/prospector/internal/bypass"
	"github.com/FranksOps/prospector/internal/metrics"
	"github.com/FranksOps/prospector/internal/page"
	"github.com/FranksOps/prospector/internal/scraper"
	"github.com/FranksOps/prospector/pkg/proxy"
	"github.com/FranksOps/prospector/pkg/ratelimit"
	"github.com/FranksOps/prospector/pkg/useragent"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ChromeConfig configures a ChromeDriver.
type ChromeConfig struct {
	Site        scraper.Site
	Credentials Credentials
	Delays      Delays
	// ExecPath points at the Chrome binary. Empty lets chromedp search PATH.
	ExecPath string
	// Headful shows the browser window, for debugging logins by hand.
	Headful   bool
	UAPool    *useragent.Pool
	ProxyPool *proxy.Pool
	Limiter   *ratelimit.Limiter
	// NavigationTimeout bounds a single page load. Zero means 45s.
	NavigationTimeout time.Duration
	Detectors         []bypass.Detector
	Logger            *slog.Logger
}

// ChromeDriver drives one headless Chrome process through chromedp.
type ChromeDriver struct {
	cfg    ChromeConfig
	logger *slog.Logger
	lc     lifecycle

	upstream      *url.URL
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
}

var _ Driver = (*ChromeDriver)(nil)

// NewChromeDriver validates cfg. The browser is started by Open.
func NewChromeDriver(cfg ChromeConfig) *ChromeDriver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UAPool == nil {
		cfg.UAPool = useragent.NewPool(nil)
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	cfg.Site = cfg.Site.WithDefaults()
	cfg.Detectors = siteDetectors(cfg.Detectors, cfg.Site)
	return &ChromeDriver{cfg: cfg, logger: cfg.Logger.With("driver", "chrome")}
}

func (d *ChromeDriver) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !d.cfg.Headful),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(d.cfg.UAPool.ForSession()),
	)
	if d.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.ExecPath))
	}
	// A browser keeps one upstream for its lifetime, so the proxy is picked once.
	d.upstream = d.cfg.ProxyPool.Next()
	if d.upstream != nil {
		opts = append(opts, chromedp.ProxyServer(d.upstream.String()))
	}
	return opts
}

// Open starts Chrome and performs the single login attempt.
func (d *ChromeDriver) Open(ctx context.Context) error {
	return d.lc.open(func() error {
		ctx, span := tracer.Start(ctx, "session.Open")
		span.SetAttributes(attribute.String("driver", "chrome"))
		defer span.End()

		err := d.start(ctx)
		if err == nil {
			err = d.login(ctx)
		}
		if err != nil {
			d.logger.Error("login failed, closing browser", "err", err)
			metrics.SessionOpens.WithLabelValues("chrome", "failed").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			_ = d.release()
			return err
		}
		metrics.SessionOpens.WithLabelValues("chrome", "ok").Inc()
		d.logger.Info("session opened", "site", d.cfg.Site.BaseURL)
		return nil
	})
}

func (d *ChromeDriver) start(ctx context.Context) error {
	if !d.cfg.Credentials.Valid() {
		return fmt.Errorf("%w: missing site credentials", ErrAuthFailed)
	}

	// The browser outlives the request that happened to open it.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), d.allocatorOptions()...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		d.logger.Debug(fmt.Sprintf(format, args...))
	}))
	d.browserCtx, d.cancelBrowser, d.cancelAlloc = browserCtx, cancelBrowser, cancelAlloc

	// The first Run launches the process and ties it to the context it is
	// given, so it must run on browserCtx itself rather than a derived one.
	stop := context.AfterFunc(ctx, cancelBrowser)
	defer stop()
	if err := chromedp.Run(browserCtx, chromedp.Navigate("about:blank")); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.upstream != nil {
			_ = d.cfg.ProxyPool.MarkFailure(d.upstream)
			metrics.ProxyFailures.WithLabelValues(proxy.Label(d.upstream)).Inc()
		}
		return fmt.Errorf("%w: start chrome: %w", ErrAuthFailed, err)
	}
	if d.upstream != nil {
		_ = d.cfg.ProxyPool.MarkSuccess(d.upstream)
	}
	return nil
}

func (d *ChromeDriver) login(ctx context.Context) error {
	userSel := fmt.Sprintf(`input[name=%q]`, d.cfg.Site.UsernameField)
	passSel := fmt.Sprintf(`input[name=%q]`, d.cfg.Site.PasswordField)

	err := d.run(ctx,
		chromedp.Navigate(d.cfg.Site.LoginURL()),
		chromedp.Sleep(d.cfg.Delays.Form),
		chromedp.WaitVisible(userSel, chromedp.ByQuery),
		chromedp.SetValue(userSel, d.cfg.Credentials.Username, chromedp.ByQuery),
		chromedp.SetValue(passSel, d.cfg.Credentials.Password, chromedp.ByQuery),
		chromedp.Submit(passSel, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("%w: fill login form: %w", ErrAuthFailed, err)
	}
	if err := ratelimit.Sleep(ctx, d.cfg.Delays.Login); err != nil {
		return err
	}

	landed, err := d.snapshot(ctx, "", 0, time.Now())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	if err := Classify(landed); err != nil {
		return fmt.Errorf("%w: landed on %s: %w", ErrAuthFailed, landed.Location(), err)
	}
	return nil
}

// within calls fn with a tab context bounded by both the caller's context and
// the navigation timeout.
func (d *ChromeDriver) within(ctx context.Context, fn func(tab context.Context) error) error {
	tab, cancel := context.WithTimeout(d.browserCtx, d.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := fn(tab); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (d *ChromeDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	return d.within(ctx, func(tab context.Context) error {
		return chromedp.Run(tab, actions...)
	})
}

// Navigate loads url, waits the settle delay and snapshots the DOM.
func (d *ChromeDriver) Navigate(ctx context.Context, url string) (*page.Page, error) {
	if err := d.lc.ready(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "session.Navigate")
	span.SetAttributes(attribute.String("driver", "chrome"), attribute.String("url", url))
	defer span.End()

	p, err := d.navigate(ctx, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return p, nil
}

func (d *ChromeDriver) navigate(ctx context.Context, url string) (*page.Page, error) {
	if d.cfg.Limiter != nil {
		if err := d.cfg.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	status := 0
	err := d.within(ctx, func(tab context.Context) error {
		resp, err := chromedp.RunResponse(tab, chromedp.Navigate(url))
		if err != nil {
			return err
		}
		if resp != nil {
			status = int(resp.Status)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p := &page.Page{ID: uuid.New().String(), URL: url, CreatedAt: start.UTC(), Duration: time.Since(start), Error: err.Error()}
		metrics.RecordNavigation("chrome", p)
		return nil, fmt.Errorf("session: navigate %s: %w: %w", url, ErrTargetUnreachable, err)
	}

	if err := ratelimit.Sleep(ctx, d.cfg.Delays.Settle); err != nil {
		return nil, err
	}

	p, err := d.snapshot(ctx, url, status, start)
	if err != nil {
		return nil, fmt.Errorf("session: navigate %s: %w: %w", url, ErrTargetUnreachable, err)
	}
	if err := Classify(p); err != nil {
		return nil, fmt.Errorf("session: navigate %s: %w", url, err)
	}
	return p, nil
}

// snapshot captures the current tab as a page and runs block detection on it.
func (d *ChromeDriver) snapshot(ctx context.Context, requested string, status int, start time.Time) (*page.Page, error) {
	var location, html string
	if err := d.run(ctx,
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return nil, err
	}

	if requested == "" {
		requested = location
	}
	if status == 0 {
		status = http.StatusOK
	}
	p := &page.Page{
		ID:         uuid.New().String(),
		URL:        requested,
		FinalURL:   location,
		StatusCode: status,
		Body:       []byte(html),
		Duration:   time.Since(start),
		CreatedAt:  start.UTC(),
	}
	bypass.Analyze(p, d.cfg.Detectors)
	metrics.RecordNavigation("chrome", p)
	return p, nil
}

// Close shuts down the browser process. It is safe to call more than once.
func (d *ChromeDriver) Close() error {
	return d.release()
}

func (d *ChromeDriver) release() error {
	if !d.lc.close() {
		return nil
	}
	if d.cancelBrowser != nil {
		d.cancelBrowser()
	}
	if d.cancelAlloc != nil {
		d.cancelAlloc()
	}
	d.logger.Debug("browser released")
	return nil
}
