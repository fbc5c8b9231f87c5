// Package scheduler triggers full pipeline runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/maltedev/stories-scraper/internal/runs"
)

const Trigger = "schedule"

// RunExecutor runs one pipeline execution to completion.
type RunExecutor interface {
	Run(ctx context.Context, trigger string) (*runs.Run, error)
}

type Config struct {
	// Spec is a cron spec such as "@every 24h" or "0 3 * * *".
	Spec       string
	RunOnStart bool
}

// Scheduler wraps robfig/cron and manages the scrape loop.
type Scheduler struct {
	cron     *cron.Cron
	executor RunExecutor
	cfg      Config
	logger   *slog.Logger
}

func New(executor RunExecutor, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}

	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		executor: executor,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start registers the job and starts the scheduler. With RunOnStart one run
// is started immediately in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.Spec, func() { s.runOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule %q: %w", s.cfg.Spec, err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "spec", s.cfg.Spec, "run_on_start", s.cfg.RunOnStart)

	if s.cfg.RunOnStart {
		go s.runOnce(ctx)
	}
	return nil
}

// Stop halts the schedule and waits for a running job to return or ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	run, err := s.executor.Run(ctx, Trigger)
	if errors.Is(err, runs.ErrRunInProgress) {
		s.logger.Info("skipping scheduled run, another run is in progress")
		return
	}
	if err != nil {
		s.logger.Error("scheduled run could not start", "error", err)
		return
	}

	s.logger.Info("scheduled run finished", "run_id", run.ID, "status", string(run.Status))
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
