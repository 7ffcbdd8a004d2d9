/**
 * @description
 * The loyalty ledger computes the append-only transaction rows for a sale, a refund,
 * an administrative award or a points expiry, together with the customer's new balance and tier.
 * It is pure: the store calls it with the customer row already locked and persists the outcome.
 */

package loyalty

import (
	"fmt"
	"time"

	"github.com/cafepos/sale-service/internal/domain"
	"github.com/google/uuid"
)

// Ledger applies a Policy to customer balances.
type Ledger struct {
	policy Policy
	now    func() time.Time
}

// NewLedger creates a Ledger for policy.
func NewLedger(policy Policy) *Ledger {
	return &Ledger{policy: policy.Normalize(), now: time.Now}
}

// WithClock replaces the ledger's clock.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Policy returns the normalized policy.
func (l *Ledger) Policy() Policy { return l.policy }

// Settle posts redemption and earning for a completed sale. It fails with InsufficientPoints when
// pointsToRedeem exceeds the balance. Tier never decreases here.
func (l *Ledger) Settle(c domain.Customer, sale *domain.Sale, pointsToRedeem int64) (domain.LoyaltyOutcome, error) {
	if pointsToRedeem < 0 {
		return domain.LoyaltyOutcome{}, domain.Validationf("loyalty points to redeem cannot be negative")
	}
	if pointsToRedeem > c.LoyaltyPoints {
		return domain.LoyaltyOutcome{}, domain.NewError(domain.KindInsufficientPoints, domain.RuleInsufficientPoints)
	}

	now := l.now()
	tierBefore := normalizeTier(c.LoyaltyTier)
	earned := l.policy.PointsFor(sale.TotalAmount, tierBefore)
	saleID := sale.ID

	out := domain.LoyaltyOutcome{
		CustomerID:     c.ID,
		PointsEarned:   earned,
		PointsRedeemed: pointsToRedeem,
		BalanceBefore:  c.LoyaltyPoints,
		BalanceAfter:   c.LoyaltyPoints - pointsToRedeem + earned,
		TierBefore:     tierBefore,
		TotalSpent:     c.TotalSpent + sale.TotalAmount,
		VisitCount:     c.VisitCount + 1,
		LastVisit:      &now,
	}

	if pointsToRedeem > 0 {
		out.Entries = append(out.Entries, l.entry(c.ID, domain.LoyaltyRedeemed, -pointsToRedeem, &saleID,
			fmt.Sprintf("Redeemed on sale %s", receiptRef(sale)), now))
	}
	if earned > 0 {
		out.Entries = append(out.Entries, l.entry(c.ID, domain.LoyaltyEarned, earned, &saleID,
			fmt.Sprintf("Earned on sale %s", receiptRef(sale)), now))
	}

	out.TierAfter = maxTier(tierBefore, l.policy.TierFor(out.TotalSpent, out.VisitCount))
	return out, nil
}

// Reverse posts compensating ADJUSTED rows for a refunded sale: the earned points are taken back
// and the redeemed points are returned. Spend and visits are rolled back and the tier is recomputed,
// so it may drop.
func (l *Ledger) Reverse(c domain.Customer, sale *domain.Sale) (domain.LoyaltyOutcome, error) {
	now := l.now()
	saleID := sale.ID
	tierBefore := normalizeTier(c.LoyaltyTier)

	after := c.LoyaltyPoints - sale.LoyaltyPointsEarned + sale.LoyaltyPointsUsed
	if after < 0 {
		return domain.LoyaltyOutcome{}, domain.NewError(domain.KindInsufficientPoints, "earned loyalty points already spent")
	}

	out := domain.LoyaltyOutcome{
		CustomerID:     c.ID,
		PointsEarned:   -sale.LoyaltyPointsEarned,
		PointsRedeemed: -sale.LoyaltyPointsUsed,
		BalanceBefore:  c.LoyaltyPoints,
		BalanceAfter:   after,
		TierBefore:     tierBefore,
		TotalSpent:     c.TotalSpent - sale.TotalAmount,
		VisitCount:     c.VisitCount - 1,
		LastVisit:      c.LastVisit,
	}
	if out.TotalSpent < 0 {
		out.TotalSpent = 0
	}
	if out.VisitCount < 0 {
		out.VisitCount = 0
	}

	if sale.LoyaltyPointsEarned > 0 {
		out.Entries = append(out.Entries, l.entry(c.ID, domain.LoyaltyAdjusted, -sale.LoyaltyPointsEarned, &saleID,
			fmt.Sprintf("Reversal of points earned on refunded sale %s", receiptRef(sale)), now))
	}
	if sale.LoyaltyPointsUsed > 0 {
		out.Entries = append(out.Entries, l.entry(c.ID, domain.LoyaltyAdjusted, sale.LoyaltyPointsUsed, &saleID,
			fmt.Sprintf("Return of points redeemed on refunded sale %s", receiptRef(sale)), now))
	}

	out.TierAfter = l.policy.TierFor(out.TotalSpent, out.VisitCount)
	return out, nil
}

// Award posts an administrative credit or a signed ADJUSTED entry not tied to a sale.
func (l *Ledger) Award(c domain.Customer, req domain.AwardPointsRequest) (domain.LoyaltyOutcome, error) {
	switch {
	case req.Type.IsBonus():
		if req.Points <= 0 {
			return domain.LoyaltyOutcome{}, domain.Validationf("bonus points must be positive")
		}
	case req.Type == domain.LoyaltyAdjusted:
		if req.Points == 0 {
			return domain.LoyaltyOutcome{}, domain.Validationf("adjustment points cannot be zero")
		}
	default:
		return domain.LoyaltyOutcome{}, domain.Validationf("loyalty transaction type %q cannot be posted manually", req.Type)
	}

	after := c.LoyaltyPoints + req.Points
	if after < 0 {
		return domain.LoyaltyOutcome{}, domain.NewError(domain.KindInsufficientPoints, domain.RuleInsufficientPoints)
	}

	now := l.now()
	tierBefore := normalizeTier(c.LoyaltyTier)
	out := domain.LoyaltyOutcome{
		CustomerID:    c.ID,
		BalanceBefore: c.LoyaltyPoints,
		BalanceAfter:  after,
		TierBefore:    tierBefore,
		TierAfter:     tierBefore,
		TotalSpent:    c.TotalSpent,
		VisitCount:    c.VisitCount,
		LastVisit:     c.LastVisit,
		Entries:       []domain.LoyaltyTransaction{l.entry(c.ID, req.Type, req.Points, nil, req.Description, now)},
	}
	if req.Points > 0 {
		out.PointsEarned = req.Points
	} else {
		out.PointsRedeemed = -req.Points
	}
	if req.Type == domain.LoyaltyAdjusted {
		out.TierAfter = l.policy.TierFor(c.TotalSpent, c.VisitCount)
	}
	return out, nil
}

// Expire posts an EXPIRED row that clears the whole balance.
func (l *Ledger) Expire(c domain.Customer, reason string) (domain.LoyaltyOutcome, error) {
	if c.LoyaltyPoints <= 0 {
		return domain.LoyaltyOutcome{}, domain.Validationf("customer %s has no points to expire", c.ID)
	}
	now := l.now()
	tier := normalizeTier(c.LoyaltyTier)
	return domain.LoyaltyOutcome{
		CustomerID:     c.ID,
		PointsRedeemed: c.LoyaltyPoints,
		BalanceBefore:  c.LoyaltyPoints,
		BalanceAfter:   0,
		TierBefore:     tier,
		TierAfter:      tier,
		TotalSpent:     c.TotalSpent,
		VisitCount:     c.VisitCount,
		LastVisit:      c.LastVisit,
		Entries:        []domain.LoyaltyTransaction{l.entry(c.ID, domain.LoyaltyExpired, -c.LoyaltyPoints, nil, reason, now)},
	}, nil
}

// Summary builds the customer-facing view.
func (l *Ledger) Summary(c domain.Customer) domain.LoyaltySummary {
	c.LoyaltyTier = normalizeTier(c.LoyaltyTier)
	return domain.LoyaltySummary{
		CustomerID:    c.ID,
		LoyaltyPoints: c.LoyaltyPoints,
		LoyaltyTier:   c.LoyaltyTier,
		TotalSpent:    c.TotalSpent,
		VisitCount:    c.VisitCount,
		Next:          l.policy.Next(c),
	}
}

func (l *Ledger) entry(customerID uuid.UUID, kind domain.LoyaltyTransactionType, points int64, saleID *uuid.UUID, description string, at time.Time) domain.LoyaltyTransaction {
	return domain.LoyaltyTransaction{
		ID:          uuid.New(),
		CustomerID:  customerID,
		Type:        kind,
		Points:      points,
		SaleID:      saleID,
		Description: description,
		CreatedAt:   at,
	}
}

func receiptRef(sale *domain.Sale) string {
	if sale.ReceiptNumber != "" {
		return sale.ReceiptNumber
	}
	return sale.ID.String()
}

func normalizeTier(t domain.LoyaltyTier) domain.LoyaltyTier {
	if t.Valid() {
		return t
	}
	return domain.TierBronze
}

func maxTier(a, b domain.LoyaltyTier) domain.LoyaltyTier {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
