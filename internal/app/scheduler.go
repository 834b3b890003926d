package app

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/centryhq/centry/internal/common"
	"github.com/centryhq/centry/internal/interfaces"
	"github.com/centryhq/centry/internal/models"
)

const refreshRunTimeout = 5 * time.Minute

// Scheduler triggers background aggregation refreshes on a cron schedule.
// Each user's last successful refresh time is recorded in the system KV
// store so operators can tell a quiet schedule from a broken one.
type Scheduler struct {
	cron    *cron.Cron
	service interfaces.AggregationService
	kv      interfaces.KeyValueStore
	logger  *common.Logger
}

// NewScheduler creates a new refresh scheduler.
func NewScheduler(service interfaces.AggregationService, kv interfaces.KeyValueStore, logger *common.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		service: service,
		kv:      kv,
		logger:  logger,
	}
}

// lastRefreshKey is the KV key holding a user's last successful scheduled
// refresh as an RFC 3339 timestamp.
func lastRefreshKey(userID string) string {
	return "scheduler/last_refresh/" + userID
}

// AddRefreshJob registers a job that re-aggregates the given users on the
// cron schedule. Standard 5-field specs and descriptors like "@hourly" or
// "@every 30m" are accepted.
func (s *Scheduler) AddRefreshJob(schedule string, userIDs []string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.refreshAll(userIDs)
	})
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("schedule", schedule).
		Int("users", len(userIDs)).
		Msg("Refresh job registered")

	return nil
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) refreshAll(userIDs []string) {
	for _, userID := range userIDs {
		ctx, cancel := context.WithTimeout(context.Background(), refreshRunTimeout)
		run, err := s.service.Trigger(ctx, userID, interfaces.TriggerOptions{})

		var inProgress *models.RunInProgressError
		switch {
		case errors.As(err, &inProgress):
			// A user-initiated run is already underway; skip this cycle.
			s.logger.Debug().Str("user", userID).Msg("Skipping scheduled refresh - run in progress")
		case err != nil:
			s.logger.Error().Err(err).Str("user", userID).Msg("Scheduled refresh failed")
		default:
			if run.Status == models.RunStatusCompleted {
				if kvErr := s.kv.Set(ctx, lastRefreshKey(userID), run.CompletedAt.Format(time.RFC3339)); kvErr != nil {
					s.logger.Warn().Err(kvErr).Str("user", userID).Msg("Failed to record refresh timestamp")
				}
			}
			s.logger.Info().
				Str("user", userID).
				Str("run", run.RunID).
				Str("status", string(run.Status)).
				Msg("Scheduled refresh completed")
		}
		cancel()
	}
}
