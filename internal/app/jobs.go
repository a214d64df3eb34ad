/**
 * @description
 * Scheduled job implementations for the request service.
 */
package app

import (
	"context"
	"time"

	"github.com/michaelodikeme/coop-nest-sub006/internal/config"
	"github.com/michaelodikeme/coop-nest-sub006/internal/metrics"
	"github.com/michaelodikeme/coop-nest-sub006/internal/store"
	"github.com/rs/zerolog"
)

// JobsRepository defines database operations needed by the jobs.
type JobsRepository interface {
	ListStaleApprovals(ctx context.Context, untouchedSince time.Time) ([]store.StaleApprovalGroup, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo   JobsRepository
	logger zerolog.Logger
	config config.Config
	now    func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo JobsRepository, logger zerolog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		repo:   repo,
		logger: logger.With().Str("component", "jobs").Logger(),
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ReportStaleApprovals logs and exports the approval levels that have been
// waiting longer than the configured threshold. It never changes a request.
func (j *Jobs) ReportStaleApprovals() {
	j.logger.Info().Msg("starting stale approval report job")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	total, err := j.reportStaleApprovals(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("failed to list stale approvals")
		return
	}
	j.logger.Info().Int("stale_requests", total).Msg("stale approval report job finished")
}

func (j *Jobs) reportStaleApprovals(ctx context.Context) (int, error) {
	threshold := j.config.StaleApprovalAfter()
	if threshold <= 0 {
		threshold = 72 * time.Hour
	}

	groups, err := j.repo.ListStaleApprovals(ctx, j.now().Add(-threshold))
	if err != nil {
		return 0, err
	}

	metrics.ResetStaleApprovals()
	total := 0
	for _, g := range groups {
		total += g.Count
		metrics.SetStaleApprovals(string(g.Type), g.Level, g.Count)
		j.logger.Warn().
			Str("type", string(g.Type)).
			Int("level", g.Level).
			Str("approver_role", g.Role).
			Int("count", g.Count).
			Time("oldest_since", g.OldestSince).
			Msg("approvals waiting past threshold")
	}
	return total, nil
}
