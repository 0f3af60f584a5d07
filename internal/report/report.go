// Package report summarises a pipeline run for the operator: what was
// searched, which profiles made it, which were skipped and why, and how the
// target site answered along the way.
package report

import (
	"cmp"
	"embed"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"io"
	"slices"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/FranksOps/prospector/internal/page"
)

// Summary describes one pipeline run.
type Summary struct {
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
	SearchURL string `json:"search_url,omitempty"`

	LinksCollected int               `json:"links_collected"`
	Extracted      int               `json:"extracted"`
	Skipped        map[string]string `json:"skipped"`
	Interrupted    bool              `json:"interrupted"`

	SummariesGenerated int `json:"summaries_generated"`
	SummariesFallback  int `json:"summaries_fallback"`

	TotalRequests   int            `json:"total_requests"`
	TotalErrors     int            `json:"total_errors"`
	TotalDetections int            `json:"total_detections"`
	StatusCodes     map[int]int    `json:"status_codes"`
	DetectionsBySrc map[string]int `json:"detections_by_src"`
	TotalBytes      int64          `json:"total_bytes"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
}

// GenerateSummary tallies the navigations of a run. Run-level fields are left
// for the caller to fill in.
func GenerateSummary(pages []*page.Page) Summary {
	s := Summary{
		Skipped:         make(map[string]string),
		StatusCodes:     make(map[int]int),
		DetectionsBySrc: make(map[string]int),
	}

	first := true
	for _, p := range pages {
		if p == nil {
			continue
		}
		if end := p.CreatedAt.Add(p.Duration); first {
			s.StartTime, s.EndTime, first = p.CreatedAt, end, false
		} else {
			s.StartTime = minTime(s.StartTime, p.CreatedAt)
			s.EndTime = maxTime(s.EndTime, end)
		}

		s.TotalRequests++
		s.TotalBytes += int64(len(p.Body))
		if p.Error != "" {
			s.TotalErrors++
		}
		if p.StatusCode > 0 {
			s.StatusCodes[p.StatusCode]++
		}
		if p.Block != page.BlockNone {
			s.TotalDetections++
			s.DetectionsBySrc[p.BlockSrc]++
		}
	}
	s.Duration = s.EndTime.Sub(s.StartTime)
	return s
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// Formats lists the names Write accepts.
func Formats() []string { return []string{"text", "json", "html"} }

// Write renders summary as "text", "json" or "html". Empty means text.
func Write(w io.Writer, format string, summary Summary) error {
	var err error
	switch format {
	case "", "text":
		err = textReport.Execute(w, newView(summary))
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(summary)
	case "html":
		err = htmlReport.Execute(w, newView(summary))
	default:
		return fmt.Errorf("report: unknown format %q, want one of %s", format, strings.Join(Formats(), ", "))
	}
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

//go:embed templates
var templates embed.FS

var (
	textReport = texttemplate.Must(texttemplate.ParseFS(templates, "templates/summary.txt.tmpl"))
	htmlReport = htmltemplate.Must(htmltemplate.ParseFS(templates, "templates/summary.html.tmpl"))
)

type row struct {
	Key   string
	Value string
}

// view is a Summary flattened into sorted rows, so renderings are stable.
type view struct {
	Summary
	Started, Ended string
	Elapsed        string
	SkippedRows    []row
	StatusRows     []row
	DetectionRows  []row
}

func newView(s Summary) view {
	v := view{
		Summary: s,
		Elapsed: s.Duration.Round(time.Millisecond).String(),
	}
	if !s.StartTime.IsZero() {
		v.Started = s.StartTime.Format(time.DateTime)
		v.Ended = s.EndTime.Format(time.DateTime)
	}
	for url, reason := range s.Skipped {
		v.SkippedRows = append(v.SkippedRows, row{url, reason})
	}
	for code, n := range s.StatusCodes {
		v.StatusRows = append(v.StatusRows, row{fmt.Sprint(code), fmt.Sprint(n)})
	}
	for src, n := range s.DetectionsBySrc {
		v.DetectionRows = append(v.DetectionRows, row{src, fmt.Sprint(n)})
	}
	for _, rows := range [][]row{v.SkippedRows, v.StatusRows, v.DetectionRows} {
		slices.SortFunc(rows, func(a, b row) int { return cmp.Compare(a.Key, b.Key) })
	}
	return v
}
