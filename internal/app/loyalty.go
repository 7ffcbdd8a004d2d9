package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cafepos/sale-service/internal/domain"
	"github.com/google/uuid"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	expiryBatchSize     = 500
)

// GetLoyaltySummary returns balance, tier and progress to the next tier.
func (s *Service) GetLoyaltySummary(ctx context.Context, customerID uuid.UUID) (*domain.LoyaltySummary, error) {
	customer, err := s.repo.FindCustomerByID(ctx, customerID)
	if err != nil {
		return nil, err
	}
	summary := s.ledger.Summary(*customer)
	return &summary, nil
}

// GetLoyaltyHistory returns the customer's ledger, most recent first.
func (s *Service) GetLoyaltyHistory(ctx context.Context, customerID uuid.UUID, limit int) ([]domain.LoyaltyTransaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if _, err := s.repo.FindCustomerByID(ctx, customerID); err != nil {
		return nil, err
	}
	return s.repo.ListLoyaltyTransactions(ctx, customerID, limit)
}

// AwardPoints posts a bonus credit or a signed manual adjustment under the customer row lock.
func (s *Service) AwardPoints(ctx context.Context, customerID uuid.UUID, req domain.AwardPointsRequest) (*domain.LoyaltyOutcome, error) {
	outcome, err := s.repo.PostLoyaltyOutcome(ctx, customerID, func(locked domain.Customer) (domain.LoyaltyOutcome, error) {
		return s.ledger.Award(locked, req)
	})
	if err != nil {
		return nil, normalizeStoreError(err)
	}

	log.Printf("level=info component=sale_service msg=\"loyalty points posted\" customer_id=%s type=%s points=%d balance_after=%d tier_after=%s", customerID, req.Type, req.Points, outcome.BalanceAfter, outcome.TierAfter)
	s.publish(ctx, domain.EventLoyaltyAdjusted, domain.LoyaltyEvent{
		CustomerID:   customerID,
		Type:         req.Type,
		Points:       req.Points,
		BalanceAfter: outcome.BalanceAfter,
		TierAfter:    outcome.TierAfter,
		Timestamp:    s.now().UTC(),
	})
	return outcome, nil
}

// ExpireInactivePoints posts EXPIRED rows for customers whose last visit is older than the
// configured inactivity window. It returns how many balances were expired.
func (s *Service) ExpireInactivePoints(ctx context.Context) (int, error) {
	days := s.opts.LoyaltyPointsExpiryInactiveDays
	if days <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	ids, err := s.repo.FindCustomersWithExpiringPoints(ctx, cutoff, expiryBatchSize)
	if err != nil {
		return 0, err
	}

	reason := fmt.Sprintf("Points expired after %d days without a visit", days)
	expired := 0
	for _, id := range ids {
		outcome, err := s.repo.PostLoyaltyOutcome(ctx, id, func(locked domain.Customer) (domain.LoyaltyOutcome, error) {
			if locked.LastVisit != nil && locked.LastVisit.After(cutoff) {
				return domain.LoyaltyOutcome{}, domain.Validationf("customer %s visited since the expiry scan", locked.ID)
			}
			return s.ledger.Expire(locked, reason)
		})
		if err != nil {
			if domain.KindOf(err) == domain.KindValidation {
				continue
			}
			log.Printf("level=warn component=sale_service msg=\"points expiry failed\" customer_id=%s err=%v", id, err)
			continue
		}
		expired++
		s.publish(ctx, domain.EventLoyaltyAdjusted, domain.LoyaltyEvent{
			CustomerID:   id,
			Type:         domain.LoyaltyExpired,
			Points:       -outcome.PointsRedeemed,
			BalanceAfter: outcome.BalanceAfter,
			TierAfter:    outcome.TierAfter,
			Timestamp:    s.now().UTC(),
		})
	}
	return expired, nil
}
