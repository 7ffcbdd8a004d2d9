/**
 * @description
 * Cron scheduler setup for the maintenance jobs.
 */
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Schedules holds the cron specs for each job. An empty spec disables the job.
type Schedules struct {
	PromotionSweep string
	CampaignStatus string
	LoyaltyExpiry  string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *slog.Logger
	schedules Schedules
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedules Schedules) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Register adds every configured job and returns how many were scheduled.
func (s *Scheduler) Register() int {
	registered := 0
	for _, job := range []struct {
		name string
		spec string
		fn   func()
	}{
		{name: "promotion sweep", spec: s.schedules.PromotionSweep, fn: s.jobs.SweepPromotions},
		{name: "campaign status sync", spec: s.schedules.CampaignStatus, fn: s.jobs.SyncCampaignStatuses},
		{name: "loyalty points expiry", spec: s.schedules.LoyaltyExpiry, fn: s.jobs.ExpireLoyaltyPoints},
	} {
		if job.spec == "" {
			s.logger.Info("job disabled", "job", job.name)
			continue
		}
		if _, err := s.cron.AddFunc(job.spec, job.fn); err != nil {
			s.logger.Error("failed to schedule job", "job", job.name, "schedule", job.spec, "error", err)
			continue
		}
		s.logger.Info("scheduled job", "job", job.name, "schedule", job.spec)
		registered++
	}
	return registered
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Register()
	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
