/**
 * @description
 * The campaign matcher filters live campaigns against a cart and customer and orders the
 * survivors by precedence: largest discount, then earliest start, then lowest id.
 */

package campaign

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cafepos/sale-service/internal/discount"
	"github.com/cafepos/sale-service/internal/domain"
	"github.com/cafepos/sale-service/internal/store"
	"github.com/google/uuid"
)

// Repository is the slice of the store the matcher reads.
type Repository interface {
	ListActiveCampaigns(ctx context.Context, now time.Time) ([]domain.Campaign, error)
	FindCampaignByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	FindCampaignParticipations(ctx context.Context, customerID uuid.UUID, campaignIDs []uuid.UUID) (map[uuid.UUID]int, error)
}

// Candidate is an eligible campaign with the discount it would give this cart.
type Candidate struct {
	Campaign domain.Campaign        `json:"campaign"`
	Verdict  domain.DiscountVerdict `json:"verdict"`
}

// Matcher selects campaigns for carts.
type Matcher struct {
	repo Repository
	now  func() time.Time
}

// NewMatcher creates a Matcher.
func NewMatcher(repo Repository) *Matcher {
	return &Matcher{repo: repo, now: time.Now}
}

// WithClock replaces the matcher's clock.
func (m *Matcher) WithClock(now func() time.Time) *Matcher {
	m.now = now
	return m
}

// FindApplicable returns every eligible campaign for cart in precedence order.
func (m *Matcher) FindApplicable(ctx context.Context, cart domain.CartContext) ([]Candidate, error) {
	now := m.now()
	campaigns, err := m.repo.ListActiveCampaigns(ctx, now)
	if err != nil {
		return nil, domain.WrapError(domain.KindPersistence, "campaign lookup failed", err)
	}
	if len(campaigns) == 0 {
		return nil, nil
	}

	participations, err := m.participations(ctx, cart, campaigns)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(campaigns))
	for i := range campaigns {
		c := campaigns[i]
		if err := Check(&c, cart, participations[c.ID], now); err != nil {
			continue
		}
		candidates = append(candidates, Candidate{Campaign: c, Verdict: verdictFor(&c, cart)})
	}

	Rank(candidates)
	return candidates, nil
}

// Best returns the highest-precedence campaign that yields a positive discount, or nil.
func (m *Matcher) Best(ctx context.Context, cart domain.CartContext) (*domain.DiscountVerdict, error) {
	candidates, err := m.FindApplicable(ctx, cart)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		if c.Verdict.Amount > 0 {
			v := c.Verdict
			return &v, nil
		}
	}
	return nil, nil
}

// Apply validates an explicitly selected campaign and returns its verdict.
func (m *Matcher) Apply(ctx context.Context, campaignID uuid.UUID, cart domain.CartContext) (*domain.DiscountVerdict, error) {
	c, err := m.repo.FindCampaignByID(ctx, campaignID)
	if err != nil {
		if errors.Is(err, store.ErrCampaignNotFound) {
			return nil, domain.NewError(domain.KindNotEligible, domain.RuleCampaignNotFound)
		}
		return nil, domain.WrapError(domain.KindPersistence, "campaign lookup failed", err)
	}

	participations, err := m.participations(ctx, cart, []domain.Campaign{*c})
	if err != nil {
		return nil, err
	}
	if err := Check(c, cart, participations[c.ID], m.now()); err != nil {
		return nil, err
	}
	v := verdictFor(c, cart)
	return &v, nil
}

func (m *Matcher) participations(ctx context.Context, cart domain.CartContext, campaigns []domain.Campaign) (map[uuid.UUID]int, error) {
	if cart.CustomerID == nil {
		return map[uuid.UUID]int{}, nil
	}
	ids := make([]uuid.UUID, 0, len(campaigns))
	for _, c := range campaigns {
		if c.UsageLimit != nil {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		return map[uuid.UUID]int{}, nil
	}
	counts, err := m.repo.FindCampaignParticipations(ctx, *cart.CustomerID, ids)
	if err != nil {
		return nil, domain.WrapError(domain.KindPersistence, "campaign participation lookup failed", err)
	}
	return counts, nil
}

// Check applies the eligibility rules to one campaign. customerUsage is the customer's
// participation count, ignored for walk-in carts.
func Check(c *domain.Campaign, cart domain.CartContext, customerUsage int, now time.Time) error {
	if c.Status != domain.CampaignActive || !c.IsActive {
		return domain.NewError(domain.KindNotEligible, domain.RuleCampaignNotActive)
	}
	if !c.InWindow(now) {
		return domain.NewError(domain.KindNotEligible, domain.RuleCampaignOutOfWindow)
	}
	if c.MinPurchase != nil && cart.Subtotal < *c.MinPurchase {
		return domain.NewError(domain.KindNotEligible, domain.RuleMinPurchaseNotMet)
	}
	if c.Exhausted() {
		return domain.NewError(domain.KindUsageExhausted, domain.RuleCampaignExhausted)
	}
	if c.TargetTier != nil {
		if cart.CustomerTier == nil || !cart.CustomerTier.AtLeast(*c.TargetTier) {
			return domain.NewError(domain.KindNotEligible, domain.RuleCampaignTierTooLow)
		}
	}
	if restricted(c) {
		if _, ids := eligibleLines(c, cart.Lines); len(ids) == 0 {
			return domain.NewError(domain.KindNotEligible, domain.RuleCampaignCartMismatch)
		}
	}
	if cart.CustomerID != nil && c.UsageLimit != nil && customerUsage >= *c.UsageLimit {
		return domain.NewError(domain.KindUsageExhausted, domain.RuleCampaignCustomerCap)
	}
	return nil
}

// Rank sorts candidates by discount desc, start date asc, id asc.
func Rank(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Verdict.Amount != b.Verdict.Amount {
			return a.Verdict.Amount > b.Verdict.Amount
		}
		if !a.Campaign.StartDate.Equal(b.Campaign.StartDate) {
			return a.Campaign.StartDate.Before(b.Campaign.StartDate)
		}
		return bytes.Compare(a.Campaign.ID[:], b.Campaign.ID[:]) < 0
	})
}

func restricted(c *domain.Campaign) bool {
	return c.Type == domain.CampaignProductDiscount || c.Type == domain.CampaignCategoryDiscount
}

func verdictFor(c *domain.Campaign, cart domain.CartContext) domain.DiscountVerdict {
	eligibleSubtotal := cart.Subtotal
	var eligibleIDs []uuid.UUID
	if restricted(c) {
		eligibleSubtotal, eligibleIDs = eligibleLines(c, cart.Lines)
	}
	return domain.DiscountVerdict{
		Source:             domain.SourceCampaign,
		ID:                 c.ID,
		Name:               c.Name,
		Amount:             discount.Amount(c.DiscountType, c.DiscountValue, eligibleSubtotal, c.MaxDiscount),
		EligibleSubtotal:   eligibleSubtotal,
		EligibleProductIDs: eligibleIDs,
		UsageLimit:         c.UsageLimit,
	}
}

// eligibleLines returns the subtotal and distinct product ids of the cart lines bound to c.
func eligibleLines(c *domain.Campaign, lines []domain.SaleItem) (int64, []uuid.UUID) {
	set := make(map[uuid.UUID]struct{})
	switch c.Type {
	case domain.CampaignProductDiscount:
		for _, id := range c.ProductIDs {
			set[id] = struct{}{}
		}
	case domain.CampaignCategoryDiscount:
		for _, id := range c.CategoryIDs {
			set[id] = struct{}{}
		}
	}

	var subtotal int64
	seen := make(map[uuid.UUID]struct{})
	ids := make([]uuid.UUID, 0)
	for _, line := range lines {
		key := line.ProductID
		if c.Type == domain.CampaignCategoryDiscount {
			key = line.CategoryID
		}
		if _, ok := set[key]; !ok {
			continue
		}
		subtotal += line.UnitPrice * int64(line.Quantity)
		if _, dup := seen[line.ProductID]; !dup {
			seen[line.ProductID] = struct{}{}
			ids = append(ids, line.ProductID)
		}
	}
	return subtotal, ids
}
