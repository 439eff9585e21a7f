package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quintadata/transfergov/pkg/alert"
	"github.com/quintadata/transfergov/pkg/config"
	"github.com/quintadata/transfergov/pkg/health"
	"github.com/quintadata/transfergov/pkg/observability"
	"github.com/quintadata/transfergov/pkg/pipeline"
	"github.com/quintadata/transfergov/pkg/store"
	"github.com/quintadata/transfergov/pkg/store/lock"
	"github.com/quintadata/transfergov/pkg/store/runlog"
)

// staleAfter is the scheduler-miss threshold: a daily schedule that has
// not produced a successful run for this long is degraded.
const staleAfter = 25 * time.Hour

// runServe starts the scheduler and the health server and blocks until
// SIGINT or SIGTERM.
func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := bindCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	setupLogging(stderr, common)
	logger := slog.Default().With("component", "serve")

	cfg, err := config.Load(common.configPath)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.URL, liteDataDir)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = st.Close() }()
	if err := st.Init(ctx); err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	obs, err := observability.New(ctx, observability.Config{
		ServiceVersion: cfg.Lineage.PipelineVersion,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
	})
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	runs := runlog.New(st.DB())
	hs := health.New(cfg.Health.Addr, runs, st.DB())
	go func() {
		if serr := hs.ListenAndServe(); serr != nil {
			logger.Error("health server stopped", "error", serr)
		}
	}()

	alerter := newAlerter(cfg)
	p := pipeline.New(cfg, st, newAcquirer(st), alerter, obs)

	sched := newScheduler(p, runs, hs, alerter, logger)
	c := cron.New(cron.WithLocation(cfg.Location()))
	spec := fmt.Sprintf("%d %d * * *", cfg.Extraction.Minute, cfg.Extraction.Hour)
	if _, err := c.AddFunc(spec, func() { sched.tick(ctx) }); err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	c.Start()
	logger.Info("scheduler started",
		"schedule", spec,
		"timezone", cfg.Extraction.Timezone,
		"health_addr", cfg.Health.Addr,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	cronCtx := c.Stop()
	<-cronCtx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = hs.Shutdown(shutdownCtx)
	return 0
}

// scheduler wraps the per-tick behavior: freshness check, run, skip on
// contention.
type scheduler struct {
	p       *pipeline.Pipeline
	runs    *runlog.Store
	hs      *health.Server
	alerter *alert.Alerter
	logger  *slog.Logger

	staleAlerted bool
}

func newScheduler(p *pipeline.Pipeline, runs *runlog.Store, hs *health.Server, alerter *alert.Alerter, logger *slog.Logger) *scheduler {
	return &scheduler{p: p, runs: runs, hs: hs, alerter: alerter, logger: logger}
}

func (s *scheduler) tick(ctx context.Context) {
	s.checkFreshness(ctx)

	result, err := s.p.Run(ctx)
	switch {
	case errors.Is(err, lock.ErrAlreadyRunning):
		s.logger.Warn("scheduled run skipped, previous run still in flight")
		return
	case err != nil:
		s.logger.Error("scheduled run failed", "error", err)
		return
	}
	if result.Status == runlog.StatusSuccess || result.Status == runlog.StatusPartial {
		s.hs.SetDegraded("")
		s.staleAlerted = false
	}
}

// checkFreshness flags a missed schedule: more than staleAfter since the
// last successful run at tick time. The degraded state is alerted once
// and cleared by the next completed run.
func (s *scheduler) checkFreshness(ctx context.Context) {
	last, err := s.runs.Latest(ctx)
	if err != nil || last == nil {
		return
	}
	age := time.Since(last.FinishedAt)
	if age <= staleAfter {
		return
	}
	reason := fmt.Sprintf("no completed run for %s, schedule may have been missed", age.Round(time.Hour))
	s.logger.Warn("scheduler freshness degraded", "last_run", last.FinishedAt, "age", age.Round(time.Minute))
	s.hs.SetDegraded(reason)
	if !s.staleAlerted && s.alerter != nil {
		s.staleAlerted = true
		alertCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = s.alerter.Notify(alertCtx, alert.Summary{
			RunID:     "scheduler",
			Status:    "degraded",
			StartedAt: time.Now().UTC(),
			Errors:    []string{reason},
		})
	}
}
