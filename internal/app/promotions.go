package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cafepos/sale-service/internal/campaign"
	"github.com/cafepos/sale-service/internal/discount"
	"github.com/cafepos/sale-service/internal/domain"
	"github.com/cafepos/sale-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RateLimitError is returned while an operator or code is locked out after failed lookups.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many attempts; retry after %d seconds", e.RetryAfterSeconds)
}

// ValidateDiscountCode resolves a code against a cart without redeeming it.
func (s *Service) ValidateDiscountCode(ctx context.Context, operatorID string, req domain.CartRequest) (*domain.DiscountVerdict, error) {
	if strings.TrimSpace(req.DiscountCode) == "" {
		return nil, domain.Validationf("discount code is required")
	}
	if err := s.checkDiscountAttempts(ctx, operatorID, req.DiscountCode); err != nil {
		return nil, err
	}

	cart, _, err := s.buildCart(ctx, req.Items, req.CustomerID)
	if err != nil {
		return nil, err
	}
	verdict, err := s.resolver.Resolve(ctx, req.DiscountCode, cart)
	if err != nil && failedDiscountLookup(err) {
		s.recordDiscountFailure(ctx, operatorID, req.DiscountCode)
	}
	return verdict, err
}

// FindApplicableCampaigns lists the campaigns a cart qualifies for, best first.
func (s *Service) FindApplicableCampaigns(ctx context.Context, req domain.CartRequest) ([]campaign.Candidate, error) {
	cart, _, err := s.buildCart(ctx, req.Items, req.CustomerID)
	if err != nil {
		return nil, err
	}
	candidates, err := s.matcher.FindApplicable(ctx, cart)
	if err != nil {
		return nil, err
	}
	if candidates == nil {
		candidates = []campaign.Candidate{}
	}
	return candidates, nil
}

// checkDiscountAttempts blocks once the operator or the code has used up its failure budget.
// Guard outages fail open so the till keeps working.
func (s *Service) checkDiscountAttempts(ctx context.Context, operatorID, code string) error {
	limit := s.opts.DiscountFailedAttemptsPerMinute
	if s.attemptGuard == nil || limit <= 0 {
		return nil
	}
	window, err := s.attemptGuard.DiscountFailures(ctx, operatorID, code)
	if err != nil {
		log.Printf("level=warn component=sale_service msg=\"discount attempt guard unavailable\" operator=%s err=%v", operatorID, err)
		return nil
	}
	if window.OperatorFailures >= limit || window.CodeFailures >= limit {
		retryAfter := window.RetryAfterSeconds
		if retryAfter < 1 {
			retryAfter = 1
		}
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

func (s *Service) recordDiscountFailure(ctx context.Context, operatorID, code string) {
	if s.attemptGuard == nil || s.opts.DiscountFailedAttemptsPerMinute <= 0 {
		return
	}
	window, err := s.attemptGuard.RecordDiscountFailure(ctx, operatorID, code)
	if err != nil {
		log.Printf("level=warn component=sale_service msg=\"discount failure not recorded\" operator=%s err=%v", operatorID, err)
		return
	}
	if window.OperatorFailures >= s.opts.DiscountFailedAttemptsPerMinute {
		log.Printf("level=warn component=sale_service msg=\"operator locked out of discount validation\" operator=%s failures=%d retry_after=%d", operatorID, window.OperatorFailures, window.RetryAfterSeconds)
	}
}

// failedDiscountLookup reports whether a resolution error is a rejected code, as opposed to a
// bad request or a store outage.
func failedDiscountLookup(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindNotEligible, domain.KindUsageExhausted:
		return true
	}
	return false
}

// CreateDiscountCode validates and stores a new code.
func (s *Service) CreateDiscountCode(ctx context.Context, req domain.CreateDiscountCodeRequest) (*domain.DiscountCode, error) {
	if err := discount.ValidateCreate(req); err != nil {
		return nil, err
	}
	code := discount.NewDiscountCode(req, s.now().UTC())
	if err := s.repo.CreateDiscountCode(ctx, code); err != nil {
		if errors.Is(err, store.ErrDuplicateDiscountCode) {
			return nil, err
		}
		return nil, normalizeStoreError(err)
	}
	log.Printf("level=info component=sale_service msg=\"discount code created\" code=%s type=%s", code.Code, code.Type)
	return code, nil
}

// CreateBulkDiscountCodes creates count codes sharing a template, each named PREFIX-RANDOM.
func (s *Service) CreateBulkDiscountCodes(ctx context.Context, req domain.BulkDiscountCodeRequest) ([]domain.DiscountCode, error) {
	if req.Count <= 0 {
		return nil, domain.Validationf("count must be positive")
	}
	if strings.TrimSpace(req.Prefix) == "" {
		return nil, domain.Validationf("prefix is required")
	}

	created := make([]domain.DiscountCode, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		code, err := s.createGeneratedCode(ctx, req.Prefix, req.Template)
		if err != nil {
			return created, err
		}
		created = append(created, *code)
	}
	return created, nil
}

// generatedCodeAttempts bounds redraws when a random code collides with an existing one.
const generatedCodeAttempts = 5

func (s *Service) createGeneratedCode(ctx context.Context, prefix string, tmpl domain.CreateDiscountCodeRequest) (*domain.DiscountCode, error) {
	var err error
	for attempt := 1; attempt <= generatedCodeAttempts; attempt++ {
		tmpl.Code = discount.GenerateCode(prefix)
		var code *domain.DiscountCode
		code, err = s.CreateDiscountCode(ctx, tmpl)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, store.ErrDuplicateDiscountCode) {
			return nil, err
		}
		log.Printf("level=warn component=sale_service msg=\"generated discount code collided; redrawing\" code=%s attempt=%d", tmpl.Code, attempt)
	}
	return nil, err
}

// CreatePersonalizedCodes issues a customer-restricted 10% code per customer, valid for 30 days.
func (s *Service) CreatePersonalizedCodes(ctx context.Context, req domain.PersonalizedCodesRequest) ([]domain.DiscountCode, error) {
	if strings.TrimSpace(req.BaseCode) == "" {
		return nil, domain.Validationf("base code is required")
	}
	now := s.now().UTC()
	expires := now.AddDate(0, 0, 30)
	limit := 1

	created := make([]domain.DiscountCode, 0, len(req.CustomerIDs))
	for _, customerID := range req.CustomerIDs {
		customerID := customerID
		code, err := s.CreateDiscountCode(ctx, domain.CreateDiscountCodeRequest{
			Code:        discount.PersonalizedCode(customerID, req.BaseCode),
			Description: fmt.Sprintf("Personalized code for customer %s", customerID),
			Type:        domain.DiscountPercentage,
			Value:       decimal.NewFromInt(10),
			UsageLimit:  &limit,
			CustomerID:  &customerID,
			StartsAt:    &now,
			ExpiresAt:   &expires,
		})
		if err != nil {
			return created, err
		}
		created = append(created, *code)
	}
	return created, nil
}

// GetDiscountCode looks a code up by its text.
func (s *Service) GetDiscountCode(ctx context.Context, code string) (*domain.DiscountCode, error) {
	return s.repo.FindDiscountCodeByCode(ctx, discount.NormalizeCode(code))
}

// ListDiscountCodes lists codes, optionally only active ones.
func (s *Service) ListDiscountCodes(ctx context.Context, activeOnly bool) ([]domain.DiscountCode, error) {
	return s.repo.ListDiscountCodes(ctx, activeOnly)
}

// ToggleDiscountCode flips the advisory active flag.
func (s *Service) ToggleDiscountCode(ctx context.Context, id uuid.UUID) (*domain.DiscountCode, error) {
	current, err := s.repo.FindDiscountCodeByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.repo.SetDiscountCodeActive(ctx, id, !current.IsActive)
}

// ReverseDiscountCodeUsage is the explicit admin reversal of one redemption.
func (s *Service) ReverseDiscountCodeUsage(ctx context.Context, id uuid.UUID) (*domain.DiscountCode, error) {
	code, err := s.repo.ReverseDiscountCodeUsage(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=sale_service msg=\"discount code usage reversed\" code=%s usage_count=%d", code.Code, code.UsageCount)
	return code, nil
}

// GetDiscountCodeStats aggregates code counts.
func (s *Service) GetDiscountCodeStats(ctx context.Context) (*domain.DiscountCodeStats, error) {
	return s.repo.GetDiscountCodeStats(ctx, s.now().UTC())
}

// CreateCampaign stores a new DRAFT campaign.
func (s *Service) CreateCampaign(ctx context.Context, req domain.CreateCampaignRequest) (*domain.Campaign, error) {
	if err := campaign.ValidateCreate(req); err != nil {
		return nil, err
	}
	c := campaign.NewCampaign(req, s.now().UTC())
	if err := s.repo.CreateCampaign(ctx, c); err != nil {
		return nil, normalizeStoreError(err)
	}
	log.Printf("level=info component=sale_service msg=\"campaign created\" campaign_id=%s type=%s", c.ID, c.Type)
	return c, nil
}

// GetCampaign returns a campaign.
func (s *Service) GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.repo.FindCampaignByID(ctx, id)
}

// ListCampaigns lists campaigns, optionally by status.
func (s *Service) ListCampaigns(ctx context.Context, status *domain.CampaignStatus) ([]domain.Campaign, error) {
	return s.repo.ListCampaigns(ctx, status)
}

// TransitionCampaign moves a campaign to next if the lifecycle allows it. A campaign activated
// before its window opens is parked as SCHEDULED and opened by the status sync job.
func (s *Service) TransitionCampaign(ctx context.Context, id uuid.UUID, next domain.CampaignStatus) (*domain.Campaign, error) {
	current, err := s.repo.FindCampaignByID(ctx, id)
	if err != nil {
		return nil, err
	}

	target := next
	if next == domain.CampaignActive && s.now().Before(current.StartDate) {
		target = domain.CampaignScheduled
	}
	if next == domain.CampaignActive && !s.now().Before(current.EndDate) {
		return nil, domain.Validationf("campaign window has already closed")
	}
	if !current.Status.CanTransitionTo(target) {
		return nil, domain.Validationf("campaign cannot move from %s to %s", current.Status, target)
	}

	updated, err := s.repo.UpdateCampaignStatus(ctx, id, []domain.CampaignStatus{current.Status}, target)
	if err != nil {
		if errors.Is(err, store.ErrInvalidStatusChange) {
			return nil, &domain.Error{Kind: domain.KindConcurrencyConflict, Rule: "campaign status changed concurrently", Err: err}
		}
		return nil, err
	}
	log.Printf("level=info component=sale_service msg=\"campaign status changed\" campaign_id=%s from=%s to=%s", id, current.Status, updated.Status)
	return updated, nil
}
