// Package pipeline drives one search from criteria to enriched, persisted
// profile records.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/FranksOps/prospector/internal/enrich"
	"github.com/FranksOps/prospector/internal/metrics"
	"github.com/FranksOps/prospector/internal/page"
	"github.com/FranksOps/prospector/internal/profile"
	"github.com/FranksOps/prospector/internal/report"
	"github.com/FranksOps/prospector/internal/scraper"
	"github.com/FranksOps/prospector/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/FranksOps/prospector/internal/pipeline")

// State is a step of a run.
type State int

const (
	Idle State = iota
	SessionReady
	SearchSubmitted
	LinksCollected
	Extracting
	Enriched
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SessionReady:
		return "session_ready"
	case SearchSubmitted:
		return "search_submitted"
	case LinksCollected:
		return "links_collected"
	case Extracting:
		return "extracting"
	case Enriched:
		return "enriched"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome is what a step tells the run to do next.
type Outcome int

const (
	Advance Outcome = iota
	Skip
	Abort
)

func (o Outcome) String() string {
	switch o {
	case Advance:
		return "advance"
	case Skip:
		return "skip"
	case Abort:
		return "abort"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Store persists a finished batch. It must commit all records or none.
type Store interface {
	SaveProfiles(ctx context.Context, records []*profile.Record) error
}

// Config holds the site-specific knobs of a run.
type Config struct {
	Site      scraper.Site
	Selectors scraper.Selectors
	// MaxProfiles caps the links handed to extraction. Values outside 1..10
	// mean 10.
	MaxProfiles int
	Logger      *slog.Logger
}

// Pipeline runs searches through a session manager.
type Pipeline struct {
	cfg      Config
	sessions *session.Manager
	enricher *enrich.Enricher
	store    Store
	logger   *slog.Logger
}

// New builds a pipeline. A nil enricher falls back to joined skills and a nil
// store leaves runs unpersisted.
func New(sessions *session.Manager, enricher *enrich.Enricher, store Store, cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxProfiles <= 0 || cfg.MaxProfiles > scraper.MaxProfiles {
		cfg.MaxProfiles = scraper.MaxProfiles
	}
	cfg.Site = cfg.Site.WithDefaults()
	if enricher == nil {
		enricher = enrich.New(nil, enrich.WithLogger(cfg.Logger))
	}
	return &Pipeline{
		cfg:      cfg,
		sessions: sessions,
		enricher: enricher,
		store:    store,
		logger:   cfg.Logger,
	}
}

// Result is what a run produced. Records are in link order.
type Result struct {
	Records []*profile.Record
	Summary report.Summary
}

// run carries the state of one Run call.
type run struct {
	state       State
	searchURL   string
	links       []string
	records     []*profile.Record
	pages       []*page.Page
	skipped     map[string]string
	interrupted bool
	enrichment  enrich.Stats
}

// Run executes one search. The returned Result is never nil; on failure it
// describes how far the run got. A failed run is not retried.
func (p *Pipeline) Run(ctx context.Context, criteria profile.SearchCriteria) (*Result, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Run")
	span.SetAttributes(
		attribute.StringSlice("skills", criteria.Skills()),
		attribute.String("location", criteria.Location()),
	)
	defer span.End()

	start := time.Now()
	r := &run{state: Idle, skipped: make(map[string]string)}

	err := p.execute(ctx, r, criteria)
	if err != nil {
		p.logger.Error("pipeline run failed", "state", r.state, "kind", KindOf(err), "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.state = Failed
	} else {
		r.state = Done
		p.logger.Info("pipeline run done",
			"links", len(r.links), "extracted", len(r.records), "skipped", len(r.skipped))
	}
	metrics.PipelineRuns.WithLabelValues(r.state.String()).Inc()

	res := &Result{Records: r.records, Summary: r.summary(start, err)}
	if err != nil || res.Records == nil {
		res.Records = []*profile.Record{}
	}
	return res, err
}

func (p *Pipeline) execute(ctx context.Context, r *run, criteria profile.SearchCriteria) error {
	searchURL, err := scraper.BuildSearchURL(p.cfg.Site, criteria)
	if err != nil {
		return &Error{Kind: KindUnknown, Op: "build search url", Err: err}
	}
	r.searchURL = searchURL

	err = p.sessions.Do(ctx, func(ctx context.Context, d session.Driver) error {
		r.state = SessionReady
		return p.scrape(ctx, d, r)
	})
	switch {
	case err == nil:
	case r.interrupted && ctx.Err() == nil:
		p.logger.Warn("extraction interrupted, keeping partial batch", "extracted", len(r.records), "err", err)
	case r.state == Idle:
		return wrap("open session", err)
	default:
		return wrap(r.state.String(), err)
	}

	enrichCtx, span := tracer.Start(ctx, "pipeline.Enrich")
	r.records, r.enrichment = p.enricher.Enrich(enrichCtx, r.records)
	span.End()
	r.state = Enriched

	if p.store == nil || len(r.records) == 0 {
		return nil
	}
	persistCtx, span := tracer.Start(ctx, "pipeline.Persist")
	defer span.End()
	if err := p.store.SaveProfiles(persistCtx, r.records); err != nil {
		recordError(span, err)
		return &Error{Kind: KindPersistenceError, Op: "persist", Err: err}
	}
	return nil
}

// scrape runs the session-bound steps: search, collect, extract. It returns a
// session error only when the session itself is no longer usable, so the
// manager can discard it.
func (p *Pipeline) scrape(ctx context.Context, d session.Driver, r *run) error {
	ctx, span := tracer.Start(ctx, "pipeline.Search")
	results, err := d.Navigate(ctx, r.searchURL)
	r.record(r.searchURL, results, err)
	recordError(span, err)
	span.End()
	if err != nil {
		return err
	}
	r.state = SearchSubmitted

	r.links = scraper.CollectLinks(results, p.cfg.Site.ProfilePattern, p.cfg.MaxProfiles)
	r.state = LinksCollected
	p.logger.Info("profile links collected", "count", len(r.links), "search_url", r.searchURL)

	r.state = Extracting
	r.records = make([]*profile.Record, 0, len(r.links))
	for i, link := range r.links {
		rec, outcome, err := p.extract(ctx, d, r, link)
		switch outcome {
		case Advance:
			r.records = append(r.records, rec)
			metrics.ProfilesTotal.WithLabelValues("extracted").Inc()
		case Skip:
			r.skipped[link] = err.Error()
			metrics.ProfilesTotal.WithLabelValues("skipped").Inc()
			p.logger.Warn("skipping profile", "url", link, "err", err)
		case Abort:
			for _, rest := range r.links[i:] {
				r.skipped[rest] = err.Error()
				metrics.ProfilesTotal.WithLabelValues("skipped").Inc()
			}
			r.interrupted = true
			return err
		}
	}
	return nil
}

// extract loads and parses one profile. Failures local to the profile skip
// it; a session that stopped working aborts the rest of the batch.
func (p *Pipeline) extract(ctx context.Context, d session.Driver, r *run, link string) (*profile.Record, Outcome, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Extract", trace.WithAttributes(attribute.String("url", link)))
	defer span.End()

	doc, err := d.Navigate(ctx, link)
	r.record(link, doc, err)
	if err != nil {
		recordError(span, err)
		if sessionLost(ctx, err) {
			return nil, Abort, err
		}
		return nil, Skip, err
	}

	rec, err := scraper.ExtractProfile(doc, link, p.cfg.Selectors)
	if err != nil {
		recordError(span, err)
		return nil, Skip, err
	}
	return rec, Advance, nil
}

func sessionLost(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, session.ErrSessionExpired) ||
		errors.Is(err, session.ErrChallenged) ||
		errors.Is(err, session.ErrRateLimited) ||
		errors.Is(err, session.ErrClosed)
}

// record keeps a navigation for the run summary. Failed navigations are kept
// as error pages.
func (r *run) record(url string, p *page.Page, err error) {
	if err != nil {
		r.pages = append(r.pages, &page.Page{URL: url, CreatedAt: time.Now().UTC(), Error: err.Error()})
		return
	}
	r.pages = append(r.pages, p)
}

func (r *run) summary(start time.Time, err error) report.Summary {
	s := report.GenerateSummary(r.pages)
	s.Outcome = r.state.String()
	if err != nil {
		s.Error = err.Error()
	}
	s.SearchURL = r.searchURL
	s.LinksCollected = len(r.links)
	s.Extracted = len(r.records)
	s.Skipped = r.skipped
	s.Interrupted = r.interrupted
	s.SummariesGenerated = r.enrichment.Generated
	s.SummariesFallback = r.enrichment.Fallback
	s.StartTime = start.UTC()
	s.EndTime = time.Now().UTC()
	s.Duration = s.EndTime.Sub(s.StartTime)
	return s
}

func recordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
