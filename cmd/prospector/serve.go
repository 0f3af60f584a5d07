package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/FranksOps/prospector/internal/api"
	"github.com/FranksOps/prospector/internal/auth"
	"github.com/FranksOps/prospector/internal/cache"
	"github.com/FranksOps/prospector/internal/config"
	"github.com/FranksOps/prospector/internal/metrics"
	"github.com/FranksOps/prospector/internal/scheduler"
	"github.com/FranksOps/prospector/internal/storage"
	"github.com/FranksOps/prospector/internal/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serves the search API until interrupted.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) (err error) {
	cfg, logger, err := loadConfig(cmd, config.ModeServe)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	// closers run in reverse order on the way out, whether startup failed
	// halfway or the server shut down.
	var closers []func(context.Context) error
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i](sctx))
		}
		err = errors.Join(append([]error{err}, errs...)...)
	}()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: "prospector",
		Version:     version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	closers = append(closers, shutdownTracing)

	store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	closers = append(closers, func(context.Context) error { return store.Close() })

	profiles, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	closers = append(closers, func(context.Context) error { return profiles.Close() })

	sessions, stopPacing, err := newSessions(cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, sessions.Close, func(context.Context) error { stopPacing(); return nil })

	authSvc, err := auth.NewService(store, cfg.Auth.JWTSecret, auth.WithTokenLifetime(cfg.Auth.TokenLifetime()))
	if err != nil {
		return err
	}
	srv, err := api.New(authSvc, newPipeline(cfg, sessions, store, logger), store, profiles, api.Config{
		Addr:         cfg.Server.Addr,
		CORSOrigins:  cfg.Server.CORSOrigins,
		RunTimeout:   cfg.Server.RunTimeout,
		CacheBackend: cfg.Cache.Backend,
		Version:      version,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	metricsSrv, err := metrics.Start(cfg.Metrics.Addr(), logger)
	if err != nil {
		return err
	}
	closers = append(closers, metricsSrv.Stop)

	if cfg.Session.ProbeSchedule != "" {
		sched := scheduler.New(sessions, cfg.Session.ProbeSchedule, cfg.Session.NavigationTimeout+cfg.Session.SettleDelay, logger)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		closers = append(closers, sched.Stop)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", "err", err)
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
