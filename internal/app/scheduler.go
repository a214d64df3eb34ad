/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"

	"github.com/michaelodikeme/coop-nest-sub006/internal/config"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger zerolog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger zerolog.Logger, cfg config.Config) *Scheduler {
	cronLogger := logger.With().Str("component", "cron").Logger()
	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(&cronLogger))))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.StaleApprovalJobSchedule, s.jobs.ReportStaleApprovals); err != nil {
		s.logger.Error().Err(err).Str("schedule", s.config.StaleApprovalJobSchedule).Msg("failed to schedule stale approval report job")
	} else {
		s.logger.Info().Str("schedule", s.config.StaleApprovalJobSchedule).Msg("scheduled stale approval report job")
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
