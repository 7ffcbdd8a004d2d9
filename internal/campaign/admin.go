package campaign

import (
	"strings"
	"time"

	"github.com/cafepos/sale-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ValidateCreate checks the admin invariants of a new campaign.
func ValidateCreate(req domain.CreateCampaignRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return domain.Validationf("campaign name is required")
	}
	if !req.Type.Valid() {
		return domain.Validationf("unknown campaign type %q", req.Type)
	}
	if !req.DiscountType.Valid() {
		return domain.Validationf("discount type must be PERCENTAGE or FIXED")
	}
	if req.DiscountValue.Sign() <= 0 {
		return domain.Validationf("discount value must be greater than zero")
	}
	if req.DiscountType == domain.DiscountPercentage && req.DiscountValue.GreaterThan(decimal.NewFromInt(100)) {
		return domain.Validationf("percentage discount cannot exceed 100")
	}
	if !req.EndDate.After(req.StartDate) {
		return domain.Validationf("end_date must be after start_date")
	}
	if req.TargetTier != nil && !req.TargetTier.Valid() {
		return domain.Validationf("unknown target tier %q", *req.TargetTier)
	}
	if req.Type == domain.CampaignProductDiscount && len(req.ProductIDs) == 0 {
		return domain.Validationf("product discount campaigns need at least one product")
	}
	if req.Type == domain.CampaignCategoryDiscount && len(req.CategoryIDs) == 0 {
		return domain.Validationf("category discount campaigns need at least one category")
	}
	return nil
}

// NewCampaign builds a DRAFT campaign from a validated request.
func NewCampaign(req domain.CreateCampaignRequest, now time.Time) *domain.Campaign {
	value := req.DiscountValue
	if req.DiscountType == domain.DiscountFixed {
		value = value.Round(0)
	}
	return &domain.Campaign{
		ID:            uuid.New(),
		Name:          strings.TrimSpace(req.Name),
		Description:   strings.TrimSpace(req.Description),
		Type:          req.Type,
		Status:        domain.CampaignDraft,
		StartDate:     req.StartDate.UTC(),
		EndDate:       req.EndDate.UTC(),
		DiscountType:  req.DiscountType,
		DiscountValue: value,
		MinPurchase:   req.MinPurchase,
		MaxDiscount:   req.MaxDiscount,
		UsageLimit:    req.UsageLimit,
		TargetTier:    req.TargetTier,
		ProductIDs:    req.ProductIDs,
		CategoryIDs:   req.CategoryIDs,
		IsActive:      false,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// StatusActiveFlag returns the isActive flag that accompanies a status.
func StatusActiveFlag(status domain.CampaignStatus) bool {
	return status == domain.CampaignActive
}
