/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	jobs     *Jobs
	logger   *slog.Logger
	schedule string
}

// NewScheduler creates a new scheduler instance. Overlapping sweeps are skipped.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		jobs:     jobs,
		logger:   logger,
		schedule: strings.TrimSpace(schedule),
	}
}

// Start registers the jobs and starts the cron scheduler. An empty schedule disables the sweep.
func (s *Scheduler) Start() error {
	if s.schedule == "" {
		s.logger.Info("stuck transfer reconciliation disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, s.jobs.ReconcileStuckTransfers); err != nil {
		s.logger.Error("failed to schedule stuck transfer reconciliation job", "error", err)
		return fmt.Errorf("invalid reconcile schedule %q: %w", s.schedule, err)
	}
	s.logger.Info("scheduled stuck transfer reconciliation job", "schedule", s.schedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
