package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/FranksOps/prospector/internal/config"
	"github.com/FranksOps/prospector/internal/pipeline"
	"github.com/FranksOps/prospector/internal/profile"
	"github.com/FranksOps/prospector/internal/report"
	"github.com/FranksOps/prospector/internal/storage"
	"github.com/FranksOps/prospector/internal/storage/csvbackend"
	"github.com/spf13/cobra"
)

var scrapeFlags struct {
	skills     []string
	location   string
	experience string
	jobTitle   string
	education  string
	csvPath    string
	persist    bool
	format     string
	summary    string
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape --skills <a,b> --location <place> --experience <fresher|experienced>",
	Short: "Runs one search and writes the profiles to CSV and, optionally, the store.",
	RunE:  runScrape,
}

func init() {
	f := scrapeCmd.Flags()
	f.StringSliceVar(&scrapeFlags.skills, "skills", nil, "Skills to search for, comma separated.")
	f.StringVar(&scrapeFlags.location, "location", "", "Location filter.")
	f.StringVar(&scrapeFlags.experience, "experience", "", "Experience level: fresher or experienced.")
	f.StringVar(&scrapeFlags.jobTitle, "job-title", "", "Optional job title added to the keywords.")
	f.StringVar(&scrapeFlags.education, "education", "", "Optional school filter.")
	f.StringVar(&scrapeFlags.csvPath, "csv", "profiles.csv", "CSV file the profiles are appended to. Empty disables it.")
	f.BoolVar(&scrapeFlags.persist, "persist", false, "Also store the profiles in the configured storage backend.")
	f.StringVar(&scrapeFlags.format, "format", "text", "Run summary format: "+strings.Join(report.Formats(), ", ")+".")
	f.StringVar(&scrapeFlags.summary, "summary", "-", "Where the run summary goes. - is stdout.")
	_ = scrapeCmd.MarkFlagRequired("skills")
	_ = scrapeCmd.MarkFlagRequired("experience")
	rootCmd.AddCommand(scrapeCmd)
}

func runScrape(cmd *cobra.Command, _ []string) (err error) {
	criteria, err := profile.NewSearchCriteria(profile.CriteriaInput{
		Skills:          scrapeFlags.skills,
		Location:        scrapeFlags.location,
		ExperienceLevel: scrapeFlags.experience,
		JobTitle:        scrapeFlags.jobTitle,
		Education:       scrapeFlags.education,
	})
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig(cmd, config.ModeScrape)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	var stores fanout
	defer func() {
		for _, c := range stores.closers {
			err = errors.Join(err, c.Close())
		}
	}()
	if scrapeFlags.persist {
		b, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return err
		}
		stores.add(b, b)
	}
	if scrapeFlags.csvPath != "" {
		w, err := csvbackend.New(scrapeFlags.csvPath)
		if err != nil {
			return err
		}
		stores.add(w, w)
	}

	sessions, stopPacing, err := newSessions(cfg, logger)
	if err != nil {
		return err
	}
	defer stopPacing()
	defer func() {
		if cerr := sessions.Close(context.Background()); cerr != nil {
			logger.Warn("closing session", "err", cerr)
		}
	}()

	var store pipeline.Store
	if len(stores.stores) > 0 {
		store = stores
	}
	res, runErr := newPipeline(cfg, sessions, store, logger).Run(ctx, criteria)

	out := io.Writer(os.Stdout)
	if scrapeFlags.summary != "-" {
		f, err := os.Create(scrapeFlags.summary)
		if err != nil {
			return errors.Join(runErr, err)
		}
		defer f.Close()
		out = f
	}
	if err := report.Write(out, scrapeFlags.format, res.Summary); err != nil {
		return errors.Join(runErr, err)
	}
	if runErr != nil {
		return fmt.Errorf("scrape: %s: %w", pipeline.KindOf(runErr), runErr)
	}
	logger.Info("scrape done", "profiles", len(res.Records), "csv", scrapeFlags.csvPath, "persisted", scrapeFlags.persist)
	return nil
}

// fanout saves a batch into every store in order. The database, when
// present, comes first so a failed commit leaves the CSV untouched.
type fanout struct {
	stores  []pipeline.Store
	closers []io.Closer
}

func (f *fanout) add(s pipeline.Store, c io.Closer) {
	f.stores = append(f.stores, s)
	f.closers = append(f.closers, c)
}

func (f fanout) SaveProfiles(ctx context.Context, records []*profile.Record) error {
	for _, s := range f.stores {
		if err := s.SaveProfiles(ctx, records); err != nil {
			return err
		}
	}
	return nil
}
