package csvbackend

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/FranksOps/prospector/internal/profile"
)

// headers defines the CSV column order
var headers = []string{
	"id",
	"name",
	"profile_url",
	"location",
	"skills",
	"skills_summary",
	"education_json",
	"experience_json",
	"contact_info_json",
	"scraped_at",
}

// SkillSeparator joins the skills column.
const SkillSeparator = "; "

// Writer exports profile records as CSV rows. It satisfies the pipeline's
// store so a one-off run can write straight to a file.
type Writer struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
}

// New opens filePath for appending and writes the header row when the file
// is empty.
func New(filePath string) (*Writer, error) {
	// Open file for appending, create if it doesn't exist
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("csvbackend: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("csvbackend: %w", err)
	}

	w := &Writer{w: csv.NewWriter(f), closer: f}
	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return w, nil
}

// NewWriter writes CSV, header first, to out.
func NewWriter(out io.Writer) (*Writer, error) {
	w := &Writer{w: csv.NewWriter(out)}
	if err := w.writeHeader(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader() error {
	if err := w.w.Write(headers); err != nil {
		return fmt.Errorf("csvbackend: %w", err)
	}
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		return fmt.Errorf("csvbackend: %w", err)
	}
	return nil
}

// SaveProfiles appends one row per record and flushes the batch. Records are
// normalized first.
func (w *Writer) SaveProfiles(_ context.Context, records []*profile.Record) error {
	rows := make([][]string, 0, len(records))
	for i, r := range records {
		if r == nil {
			return fmt.Errorf("csvbackend: record %d is nil", i)
		}
		r.Normalize()
		row, err := toRow(r)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.w.WriteAll(rows); err != nil {
		return fmt.Errorf("csvbackend: %w", err)
	}
	return nil
}

func toRow(r *profile.Record) ([]string, error) {
	education, err := json.Marshal(r.Education)
	if err != nil {
		return nil, fmt.Errorf("csvbackend: %w", err)
	}
	experience, err := json.Marshal(r.Experience)
	if err != nil {
		return nil, fmt.Errorf("csvbackend: %w", err)
	}
	contact, err := json.Marshal(r.ContactInfo)
	if err != nil {
		return nil, fmt.Errorf("csvbackend: %w", err)
	}

	return []string{
		r.ID,
		r.Name,
		r.ProfileURL,
		r.Location,
		strings.Join(r.Skills, SkillSeparator),
		r.SkillsSummary,
		string(education),
		string(experience),
		string(contact),
		r.ScrapedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

// Close flushes pending rows and closes the file, if New opened one.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.w.Flush()
	err := w.w.Error()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("csvbackend: %w", err)
	}
	return nil
}
