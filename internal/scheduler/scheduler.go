// Package scheduler runs the periodic session keep-alive probe.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Prober checks that the live session is still logged in.
type Prober interface {
	Probe(ctx context.Context) error
}

// Scheduler wraps robfig/cron and owns the probe job.
type Scheduler struct {
	cron    *cron.Cron
	prober  Prober
	spec    string
	timeout time.Duration
	logger  *slog.Logger
}

// New returns a scheduler that probes on spec, a standard cron expression or
// an "@every" descriptor. Each probe is bounded by timeout.
func New(prober Prober, spec string, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	cl := cronLogger{logger: logger.With("component", "scheduler")}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		),
		prober:  prober,
		spec:    spec,
		timeout: timeout,
		logger:  cl.logger,
	}
}

// Start registers the probe and starts the cron loop. Jobs run until Stop or
// until ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.probe(ctx) }); err != nil {
		return fmt.Errorf("scheduler: add probe %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "spec", s.spec)
	return nil
}

// Stop halts the cron loop and waits for a running probe until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) probe(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.prober.Probe(ctx); err != nil {
		s.logger.Warn("session probe failed", "err", err)
		return
	}
	s.logger.Debug("session probe done")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
