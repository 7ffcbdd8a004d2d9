package loyalty

import (
	"sort"

	"github.com/cafepos/sale-service/internal/domain"
	"github.com/cafepos/sale-service/internal/pricing"
	"github.com/shopspring/decimal"
)

// Threshold is the minimum spend and visit count for a tier. Both must be met.
type Threshold struct {
	Tier      domain.LoyaltyTier
	MinSpent  int64 // in minor units
	MinVisits int
}

// Policy is the single source of truth for earning and tiering.
type Policy struct {
	// EarnRate is points per major currency unit.
	EarnRate         decimal.Decimal
	CurrencyExponent int32
	Thresholds       []Threshold
	Multipliers      map[domain.LoyaltyTier]decimal.Decimal
}

// DefaultPolicy earns one point per currency unit with spend thresholds 100/500/1500.
func DefaultPolicy() Policy {
	return Policy{
		EarnRate:         decimal.NewFromInt(1),
		CurrencyExponent: 2,
		Thresholds: []Threshold{
			{Tier: domain.TierBronze},
			{Tier: domain.TierSilver, MinSpent: 100_00},
			{Tier: domain.TierGold, MinSpent: 500_00},
			{Tier: domain.TierPlatinum, MinSpent: 1500_00},
		},
		Multipliers: map[domain.LoyaltyTier]decimal.Decimal{
			domain.TierBronze:   decimal.NewFromInt(1),
			domain.TierSilver:   decimal.RequireFromString("1.25"),
			domain.TierGold:     decimal.RequireFromString("1.5"),
			domain.TierPlatinum: decimal.NewFromInt(2),
		},
	}
}

// Normalize sorts thresholds by tier rank and guarantees a BRONZE floor.
func (p Policy) Normalize() Policy {
	thresholds := make([]Threshold, 0, len(p.Thresholds)+1)
	hasBronze := false
	for _, t := range p.Thresholds {
		if !t.Tier.Valid() {
			continue
		}
		if t.Tier == domain.TierBronze {
			hasBronze = true
			t.MinSpent, t.MinVisits = 0, 0
		}
		thresholds = append(thresholds, t)
	}
	if !hasBronze {
		thresholds = append(thresholds, Threshold{Tier: domain.TierBronze})
	}
	sort.SliceStable(thresholds, func(i, j int) bool {
		return thresholds[i].Tier.Rank() < thresholds[j].Tier.Rank()
	})
	p.Thresholds = thresholds
	if p.EarnRate.Sign() < 0 {
		p.EarnRate = decimal.Zero
	}
	if p.CurrencyExponent < 0 {
		p.CurrencyExponent = 0
	}
	return p
}

// TierFor returns the highest tier whose thresholds are met.
func (p Policy) TierFor(totalSpent int64, visits int) domain.LoyaltyTier {
	tier := domain.TierBronze
	for _, t := range p.Thresholds {
		if totalSpent >= t.MinSpent && visits >= t.MinVisits && t.Tier.Rank() > tier.Rank() {
			tier = t.Tier
		}
	}
	return tier
}

// Multiplier returns the earn multiplier for a tier, 1 when unset.
func (p Policy) Multiplier(tier domain.LoyaltyTier) decimal.Decimal {
	if m, ok := p.Multipliers[tier]; ok && m.Sign() > 0 {
		return m
	}
	return decimal.NewFromInt(1)
}

// PointsFor returns floor(amount in major units * earnRate * tier multiplier).
func (p Policy) PointsFor(amount int64, tier domain.LoyaltyTier) int64 {
	if amount <= 0 {
		return 0
	}
	major := pricing.MinorToMajor(amount, p.CurrencyExponent)
	return major.Mul(p.EarnRate).Mul(p.Multiplier(tier)).Floor().IntPart()
}

// Next returns the next tier above current and what is still missing, or nil at the top.
func (p Policy) Next(c domain.Customer) *domain.NextTier {
	for _, t := range p.Thresholds {
		if t.Tier.Rank() <= c.LoyaltyTier.Rank() {
			continue
		}
		next := &domain.NextTier{
			Tier:           t.Tier,
			SpendThreshold: t.MinSpent,
			VisitThreshold: t.MinVisits,
		}
		if c.TotalSpent < t.MinSpent {
			next.SpendRemaining = t.MinSpent - c.TotalSpent
		}
		if c.VisitCount < t.MinVisits {
			next.VisitsRemaining = t.MinVisits - c.VisitCount
		}
		return next
	}
	return nil
}
