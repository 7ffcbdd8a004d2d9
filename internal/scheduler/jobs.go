/**
 * @description
 * Scheduled maintenance jobs for the sale-service: the advisory promotion sweep, campaign
 * status sync and loyalty points expiry. None of them affect correctness of a sale; the
 * commit path re-checks every limit and window itself.
 */
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// PromotionRepository defines the store operations the sweeps need.
type PromotionRepository interface {
	DeactivateSpentDiscountCodes(ctx context.Context, now time.Time) (int64, error)
	SyncCampaignStatuses(ctx context.Context, now time.Time) (activated int64, completed int64, err error)
}

// PointsExpirer expires balances of inactive customers.
type PointsExpirer interface {
	ExpireInactivePoints(ctx context.Context) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo    PromotionRepository
	expirer PointsExpirer
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo PromotionRepository, expirer PointsExpirer, logger *slog.Logger) *Jobs {
	return &Jobs{
		repo:    repo,
		expirer: expirer,
		logger:  logger,
		now:     time.Now,
		timeout: 2 * time.Minute,
	}
}

// SweepPromotions flips is_active off for expired or exhausted discount codes.
func (j *Jobs) SweepPromotions() {
	j.logger.Info("starting promotion sweep job")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	n, err := j.repo.DeactivateSpentDiscountCodes(ctx, j.now().UTC())
	if err != nil {
		j.logger.Error("failed to deactivate spent discount codes", "error", err)
		return
	}

	j.logger.Info("promotion sweep job finished", "deactivated", n)
}

// SyncCampaignStatuses opens scheduled campaigns whose window started and completes active
// campaigns whose window closed or whose usage limit is reached.
func (j *Jobs) SyncCampaignStatuses() {
	j.logger.Info("starting campaign status sync job")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	activated, completed, err := j.repo.SyncCampaignStatuses(ctx, j.now().UTC())
	if err != nil {
		j.logger.Error("failed to sync campaign statuses", "error", err)
		return
	}

	j.logger.Info("campaign status sync job finished", "activated", activated, "completed", completed)
}

// ExpireLoyaltyPoints posts EXPIRED ledger rows for inactive customers.
func (j *Jobs) ExpireLoyaltyPoints() {
	j.logger.Info("starting loyalty points expiry job")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	n, err := j.expirer.ExpireInactivePoints(ctx)
	if err != nil {
		j.logger.Error("failed to expire loyalty points", "error", err)
		return
	}

	j.logger.Info("loyalty points expiry job finished", "expired_customers", n)
}
