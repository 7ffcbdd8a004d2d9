package domain

import (
	"time"

	"github.com/google/uuid"
)

// LoyaltyTier is a customer's loyalty rank.
type LoyaltyTier string

const (
	TierBronze   LoyaltyTier = "BRONZE"
	TierSilver   LoyaltyTier = "SILVER"
	TierGold     LoyaltyTier = "GOLD"
	TierPlatinum LoyaltyTier = "PLATINUM"
)

// Tiers lists every tier in ascending rank.
var Tiers = []LoyaltyTier{TierBronze, TierSilver, TierGold, TierPlatinum}

// Rank orders tiers BRONZE < SILVER < GOLD < PLATINUM. Unknown tiers rank -1.
func (t LoyaltyTier) Rank() int {
	for i, tier := range Tiers {
		if tier == t {
			return i
		}
	}
	return -1
}

func (t LoyaltyTier) Valid() bool { return t.Rank() >= 0 }

// AtLeast reports whether t ranks at or above min.
func (t LoyaltyTier) AtLeast(min LoyaltyTier) bool {
	return t.Valid() && t.Rank() >= min.Rank()
}

// LoyaltyTransactionType tags a ledger row.
type LoyaltyTransactionType string

const (
	LoyaltyEarned        LoyaltyTransactionType = "EARNED"
	LoyaltyRedeemed      LoyaltyTransactionType = "REDEEMED"
	LoyaltyExpired       LoyaltyTransactionType = "EXPIRED"
	LoyaltyAdjusted      LoyaltyTransactionType = "ADJUSTED"
	LoyaltyBonus         LoyaltyTransactionType = "BONUS"
	LoyaltySignupBonus   LoyaltyTransactionType = "SIGNUP_BONUS"
	LoyaltyReferralBonus LoyaltyTransactionType = "REFERRAL_BONUS"
)

// IsBonus reports whether the type is one of the admin-granted bonus credits.
func (t LoyaltyTransactionType) IsBonus() bool {
	return t == LoyaltyBonus || t == LoyaltySignupBonus || t == LoyaltyReferralBonus
}

// Customer carries the loyalty projection of an externally managed customer.
type Customer struct {
	ID            uuid.UUID   `json:"id" db:"id"`
	Name          string      `json:"name" db:"name"`
	LoyaltyPoints int64       `json:"loyalty_points" db:"loyalty_points"`
	TotalSpent    int64       `json:"total_spent" db:"total_spent"` // in minor units
	VisitCount    int         `json:"visit_count" db:"visit_count"`
	LastVisit     *time.Time  `json:"last_visit,omitempty" db:"last_visit"`
	LoyaltyTier   LoyaltyTier `json:"loyalty_tier" db:"loyalty_tier"`
}

// LoyaltyTransaction is an append-only ledger row. Points are signed.
type LoyaltyTransaction struct {
	ID          uuid.UUID              `json:"id" db:"id"`
	CustomerID  uuid.UUID              `json:"customer_id" db:"customer_id"`
	Type        LoyaltyTransactionType `json:"type" db:"type"`
	Points      int64                  `json:"points" db:"points"`
	SaleID      *uuid.UUID             `json:"sale_id,omitempty" db:"sale_id"`
	Description string                 `json:"description" db:"description"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
}

// LoyaltyOutcome is the result of settling a sale or an adjustment against a customer.
type LoyaltyOutcome struct {
	CustomerID     uuid.UUID            `json:"customer_id"`
	PointsEarned   int64                `json:"points_earned"`
	PointsRedeemed int64                `json:"points_redeemed"`
	BalanceBefore  int64                `json:"balance_before"`
	BalanceAfter   int64                `json:"balance_after"`
	TierBefore     LoyaltyTier          `json:"tier_before"`
	TierAfter      LoyaltyTier          `json:"tier_after"`
	TotalSpent     int64                `json:"total_spent"`
	VisitCount     int                  `json:"visit_count"`
	LastVisit      *time.Time           `json:"last_visit,omitempty"`
	Entries        []LoyaltyTransaction `json:"entries"`
}

// Apply returns the customer as it looks after the outcome is posted.
func (o LoyaltyOutcome) Apply(c Customer) Customer {
	c.LoyaltyPoints = o.BalanceAfter
	c.LoyaltyTier = o.TierAfter
	c.TotalSpent = o.TotalSpent
	c.VisitCount = o.VisitCount
	if o.LastVisit != nil {
		c.LastVisit = o.LastVisit
	}
	return c
}

// NextTier describes the next rank a customer can reach.
type NextTier struct {
	Tier            LoyaltyTier `json:"tier"`
	SpendThreshold  int64       `json:"spend_threshold"`
	SpendRemaining  int64       `json:"spend_remaining"`
	VisitThreshold  int         `json:"visit_threshold"`
	VisitsRemaining int         `json:"visits_remaining"`
}

// LoyaltySummary is the customer-facing loyalty view.
type LoyaltySummary struct {
	CustomerID    uuid.UUID   `json:"customer_id"`
	LoyaltyPoints int64       `json:"loyalty_points"`
	LoyaltyTier   LoyaltyTier `json:"loyalty_tier"`
	TotalSpent    int64       `json:"total_spent"`
	VisitCount    int         `json:"visit_count"`
	Next          *NextTier   `json:"next_tier,omitempty"`
}

// AwardPointsRequest grants bonus points or posts a signed manual adjustment.
type AwardPointsRequest struct {
	Type        LoyaltyTransactionType `json:"type"`
	Points      int64                  `json:"points"`
	Description string                 `json:"description" validate:"required,max=500"`
}
