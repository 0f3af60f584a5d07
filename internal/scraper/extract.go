package scraper

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/FranksOps/prospector/internal/page"
	"github.com/FranksOps/prospector/internal/profile"
	"github.com/PuerkitoBio/goquery"
)

// ErrEmptyDocument reports a profile page that never rendered any markup.
var ErrEmptyDocument = errors.New("scraper: empty document")

// Selectors are the structural lookups used on a profile page. Empty
// Education or Experience selectors leave those fields as placeholders.
type Selectors struct {
	Name       string `mapstructure:"name"`
	Location   string `mapstructure:"location"`
	Skills     string `mapstructure:"skills"`
	Education  string `mapstructure:"education"`
	Experience string `mapstructure:"experience"`
}

// DefaultSelectors matches the profile markup the collector was built against.
func DefaultSelectors() Selectors {
	return Selectors{
		Name:     "h1",
		Location: "span.text-body-small",
		Skills:   "span.pv-skill-category-entity__name-text",
	}
}

func (s Selectors) withDefaults() Selectors {
	d := DefaultSelectors()
	if s.Name == "" {
		s.Name = d.Name
	}
	if s.Location == "" {
		s.Location = d.Location
	}
	if s.Skills == "" {
		s.Skills = d.Skills
	}
	return s
}

// Field is the result of one independent lookup. Found is false when the
// selector matched nothing usable.
type Field[T any] struct {
	Value T
	Found bool
}

func found[T any](v T) Field[T] { return Field[T]{Value: v, Found: true} }

// Or returns the value when found and def otherwise.
func (f Field[T]) Or(def T) T {
	if f.Found {
		return f.Value
	}
	return def
}

// Extraction holds every lookup made against one profile page.
type Extraction struct {
	Name       Field[string]
	Location   Field[string]
	Skills     Field[[]string]
	Education  Field[map[string]any]
	Experience Field[[]map[string]any]
}

// Extract runs each selector against the page independently. It fails only
// when the page is missing, empty, or not parseable as HTML.
func Extract(p *page.Page, sel Selectors) (Extraction, error) {
	if p.Empty() {
		return Extraction{}, ErrEmptyDocument
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.Body))
	if err != nil {
		return Extraction{}, fmt.Errorf("scraper: parse %s: %w", p.Location(), err)
	}
	sel = sel.withDefaults()

	var ex Extraction
	if s := firstText(doc, sel.Name); s != "" {
		ex.Name = found(s)
	}
	if s := firstText(doc, sel.Location); s != "" {
		ex.Location = found(s)
	}
	if skills := allText(doc, sel.Skills); len(skills) > 0 {
		ex.Skills = found(skills)
	}
	if sel.Education != "" {
		if s := firstText(doc, sel.Education); s != "" {
			ex.Education = found(map[string]any{"school": s})
		}
	}
	if sel.Experience != "" {
		var items []map[string]any
		for _, s := range allText(doc, sel.Experience) {
			items = append(items, map[string]any{"summary": s})
		}
		if len(items) > 0 {
			ex.Experience = found(items)
		}
	}
	return ex, nil
}

// Record merges the extraction with sentinel defaults: "N/A" for scalars and
// empty containers for lists and maps.
func (ex Extraction) Record(sourceURL string, scrapedAt time.Time) *profile.Record {
	r := &profile.Record{
		Name:        ex.Name.Or(profile.NotAvailable),
		ProfileURL:  sourceURL,
		Skills:      ex.Skills.Or([]string{}),
		Location:    ex.Location.Or(profile.NotAvailable),
		Education:   ex.Education.Or(map[string]any{}),
		Experience:  ex.Experience.Or([]map[string]any{}),
		ContactInfo: map[string]string{},
		ScrapedAt:   scrapedAt.UTC(),
	}
	r.Normalize()
	return r
}

// ExtractProfile parses a rendered profile page into a record. sourceURL is
// the link the page was reached through; it is stored rather than the final
// URL so records stay keyed by what the search returned.
func ExtractProfile(p *page.Page, sourceURL string, sel Selectors) (*profile.Record, error) {
	ex, err := Extract(p, sel)
	if err != nil {
		return nil, err
	}
	if sourceURL == "" {
		sourceURL = p.Location()
	}
	return ex.Record(sourceURL, time.Now()), nil
}

func firstText(doc *goquery.Document, selector string) string {
	return squash(doc.Find(selector).First().Text())
}

// squash trims and collapses internal whitespace runs to single spaces.
func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func allText(doc *goquery.Document, selector string) []string {
	var out []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if t := squash(s.Text()); t != "" {
			out = append(out, t)
		}
	})
	return out
}
