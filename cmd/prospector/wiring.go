package main

import (
	"fmt"
	"log/slog"

	"github.com/FranksOps/prospector/internal/config"
	"github.com/FranksOps/prospector/internal/enrich"
	"github.com/FranksOps/prospector/internal/fingerprint"
	"github.com/FranksOps/prospector/internal/pipeline"
	"github.com/FranksOps/prospector/internal/scraper"
	"github.com/FranksOps/prospector/internal/session"
	"github.com/FranksOps/prospector/pkg/proxy"
	"github.com/FranksOps/prospector/pkg/ratelimit"
	"github.com/FranksOps/prospector/pkg/useragent"

	// Storage backends register themselves with storage.Open.
	_ "github.com/FranksOps/prospector/internal/storage/jsonbackend"
	_ "github.com/FranksOps/prospector/internal/storage/postgres"
	_ "github.com/FranksOps/prospector/internal/storage/sqlite"
)

// newSessions builds the session manager for the configured driver. The
// returned cleanup releases pacing resources shared by every driver.
func newSessions(cfg *config.Config, logger *slog.Logger) (*session.Manager, func(), error) {
	sc := cfg.Session
	site := cfg.Site.WithDefaults()

	var proxies *proxy.Pool
	if len(sc.Proxies) > 0 || sc.ProxyFile != "" {
		proxies = proxy.NewPool(proxy.Config{})
		if err := proxies.Add(sc.Proxies...); err != nil {
			return nil, nil, fmt.Errorf("proxies: %w", err)
		}
		if sc.ProxyFile != "" {
			if err := proxies.LoadFile(sc.ProxyFile); err != nil {
				return nil, nil, fmt.Errorf("proxies: %w", err)
			}
		}
		logger.Info("proxy pool loaded", "count", proxies.Len())
	}

	uas := useragent.NewPool(sc.UserAgents)
	limiter := ratelimit.NewLimiter(sc.RateLimit, sc.Jitter)
	creds := session.Credentials{Username: sc.Username, Password: sc.Password}
	delays := session.Delays{Form: sc.FormDelay, Login: sc.LoginDelay, Settle: sc.SettleDelay}

	var factory session.Factory
	switch sc.Driver {
	case "http":
		fp, err := fingerprint.ParseProfile(sc.Fingerprint)
		if err != nil {
			limiter.Stop()
			return nil, nil, err
		}
		factory = func() (session.Driver, error) {
			return session.NewHTTPDriver(session.HTTPConfig{
				Site:        site,
				Credentials: creds,
				Delays:      delays,
				Fetch: scraper.FetchConfig{
					Timeout:     sc.NavigationTimeout,
					ProxyPool:   proxies,
					UAPool:      uas,
					Fingerprint: fp,
					Limiter:     limiter,
				},
				RespectRobots: sc.RespectRobots,
				Logger:        logger,
			})
		}
	default:
		factory = func() (session.Driver, error) {
			return session.NewChromeDriver(session.ChromeConfig{
				Site:              site,
				Credentials:       creds,
				Delays:            delays,
				ExecPath:          sc.ChromePath,
				Headful:           sc.Headful,
				UAPool:            uas,
				ProxyPool:         proxies,
				Limiter:           limiter,
				NavigationTimeout: sc.NavigationTimeout,
				Logger:            logger,
			}), nil
		}
	}

	return session.NewManager(factory, site.ProbeURL(), logger), limiter.Stop, nil
}

// newEnricher uses the text generation service only when a key is set;
// otherwise summaries fall back to the joined skills.
func newEnricher(cfg config.EnrichConfig, logger *slog.Logger) *enrich.Enricher {
	opts := []enrich.Option{enrich.WithLogger(logger), enrich.WithTimeout(cfg.Timeout)}
	if cfg.APIKey == "" {
		logger.Info("no text generation key set, skills summaries fall back to the skill list")
		return enrich.New(nil, opts...)
	}
	client := enrich.NewTextGenClient(enrich.TextGenConfig{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
		Timeout:   cfg.Timeout,
	})
	return enrich.New(client, opts...)
}

func newPipeline(cfg *config.Config, sessions *session.Manager, store pipeline.Store, logger *slog.Logger) *pipeline.Pipeline {
	return pipeline.New(sessions, newEnricher(cfg.Enrich, logger), store, pipeline.Config{
		Site:      cfg.Site,
		Selectors: cfg.Selectors,
		Logger:    logger,
	})
}
