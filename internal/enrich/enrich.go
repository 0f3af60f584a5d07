package enrich

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/FranksOps/prospector/internal/metrics"
	"github.com/FranksOps/prospector/internal/profile"
)

// ContactExtractor derives contact details for a record.
type ContactExtractor func(r *profile.Record) map[string]string

// NoContactInfo is the placeholder extractor: always an empty, non-nil map.
func NoContactInfo(*profile.Record) map[string]string {
	return map[string]string{}
}

// Stats counts how each record's summary was produced.
type Stats struct {
	Generated int `json:"generated"`
	Fallback  int `json:"fallback"`
	Empty     int `json:"empty"`
}

// Enricher fills in the skills summary and contact info of extracted records.
type Enricher struct {
	summarizer Summarizer
	contact    ContactExtractor
	timeout    time.Duration
	logger     *slog.Logger
}

// Option customizes an Enricher.
type Option func(*Enricher)

// WithContactExtractor replaces the placeholder contact extractor.
func WithContactExtractor(fn ContactExtractor) Option {
	return func(e *Enricher) {
		if fn != nil {
			e.contact = fn
		}
	}
}

// WithTimeout bounds each summarizer call. Zero means 20s.
func WithTimeout(d time.Duration) Option {
	return func(e *Enricher) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enricher) {
		if l != nil {
			e.logger = l
		}
	}
}

// New returns an Enricher. A nil summarizer is allowed: every record then gets
// the joined-skills fallback.
func New(s Summarizer, opts ...Option) *Enricher {
	e := &Enricher{
		summarizer: s,
		contact:    NoContactInfo,
		timeout:    20 * time.Second,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Fallback is the summary used whenever generation is unavailable.
func Fallback(skills []string) string {
	return strings.Join(skills, ", ")
}

// Enrich sets SkillsSummary and ContactInfo on every record and returns the
// same slice. It never fails: service errors and timeouts degrade to the
// joined-skills fallback.
func (e *Enricher) Enrich(ctx context.Context, records []*profile.Record) ([]*profile.Record, Stats) {
	var stats Stats
	if e.summarizer == nil && len(records) > 0 {
		e.logger.Info("no text generation service configured, using joined skills")
	}

	for _, r := range records {
		if r == nil {
			continue
		}
		r.SkillsSummary = e.summarize(ctx, r, &stats)

		contact := e.contact(r)
		if contact == nil {
			contact = map[string]string{}
		}
		r.ContactInfo = contact
	}
	return records, stats
}

func (e *Enricher) summarize(ctx context.Context, r *profile.Record, stats *Stats) string {
	fallback := Fallback(r.Skills)

	if len(r.Skills) == 0 {
		stats.Empty++
		metrics.EnrichmentsTotal.WithLabelValues("empty").Inc()
		return fallback
	}
	if e.summarizer == nil {
		stats.Fallback++
		metrics.EnrichmentsTotal.WithLabelValues("fallback").Inc()
		return fallback
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	summary, err := e.summarizer.Summarize(callCtx, r.Skills)
	if err == nil {
		summary = strings.TrimSpace(summary)
	}
	if err != nil || summary == "" {
		e.logger.Warn("skills summary failed, using fallback", "profile_url", r.ProfileURL, "err", err)
		stats.Fallback++
		metrics.EnrichmentsTotal.WithLabelValues("fallback").Inc()
		return fallback
	}

	stats.Generated++
	metrics.EnrichmentsTotal.WithLabelValues("generated").Inc()
	return summary
}
