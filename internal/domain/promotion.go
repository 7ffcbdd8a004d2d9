/**
 * @description
 * Promotion models: discount codes, campaigns and per-customer campaign participation.
 * The type enums are defined once here and shared by the resolver, matcher and store.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DiscountType is how a discount value is interpreted.
type DiscountType string

const (
	DiscountPercentage DiscountType = "PERCENTAGE" // value is a percent, 0 < v <= 100
	DiscountFixed      DiscountType = "FIXED"      // value is an amount in minor units
)

func (t DiscountType) Valid() bool {
	return t == DiscountPercentage || t == DiscountFixed
}

// CampaignType tags the marketing intent of a campaign.
type CampaignType string

const (
	CampaignLoyaltyBonus     CampaignType = "LOYALTY_BONUS"
	CampaignProductDiscount  CampaignType = "PRODUCT_DISCOUNT"
	CampaignCategoryDiscount CampaignType = "CATEGORY_DISCOUNT"
	CampaignBulkDiscount     CampaignType = "BULK_DISCOUNT"
	CampaignSeasonal         CampaignType = "SEASONAL"
	CampaignFlashSale        CampaignType = "FLASH_SALE"
	CampaignCustomerTier     CampaignType = "CUSTOMER_TIER"
	CampaignReferral         CampaignType = "REFERRAL"
	CampaignWelcome          CampaignType = "WELCOME"
)

func (t CampaignType) Valid() bool {
	switch t {
	case CampaignLoyaltyBonus, CampaignProductDiscount, CampaignCategoryDiscount, CampaignBulkDiscount,
		CampaignSeasonal, CampaignFlashSale, CampaignCustomerTier, CampaignReferral, CampaignWelcome:
		return true
	}
	return false
}

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignScheduled CampaignStatus = "SCHEDULED"
	CampaignActive    CampaignStatus = "ACTIVE"
	CampaignPaused    CampaignStatus = "PAUSED"
	CampaignCompleted CampaignStatus = "COMPLETED"
	CampaignCancelled CampaignStatus = "CANCELLED"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled, CampaignActive, CampaignCancelled},
	CampaignScheduled: {CampaignActive, CampaignPaused, CampaignCancelled},
	CampaignActive:    {CampaignPaused, CampaignCompleted, CampaignCancelled},
	CampaignPaused:    {CampaignActive, CampaignCancelled, CampaignCompleted},
}

// CanTransitionTo reports whether a campaign may move from s to next.
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	for _, allowed := range campaignTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DiscountCode is an operator-entered promotion code.
type DiscountCode struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	Code              string          `json:"code" db:"code"`
	Description       string          `json:"description,omitempty" db:"description"`
	Type              DiscountType    `json:"type" db:"type"`
	Value             decimal.Decimal `json:"value" db:"value"`
	MinPurchase       *int64          `json:"min_purchase,omitempty" db:"min_purchase"` // in minor units
	MaxDiscount       *int64          `json:"max_discount,omitempty" db:"max_discount"` // in minor units
	UsageLimit        *int            `json:"usage_limit,omitempty" db:"usage_limit"`
	UsageCount        int             `json:"usage_count" db:"usage_count"`
	CustomerID        *uuid.UUID      `json:"customer_id,omitempty" db:"customer_id"`
	StartsAt          *time.Time      `json:"starts_at,omitempty" db:"starts_at"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	IsActive          bool            `json:"is_active" db:"is_active"`
	ProductRestricted bool            `json:"product_restricted" db:"product_restricted"`
	ProductIDs        []uuid.UUID     `json:"product_ids,omitempty"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Exhausted reports whether the global usage limit has been reached.
func (d *DiscountCode) Exhausted() bool {
	return d.UsageLimit != nil && d.UsageCount >= *d.UsageLimit
}

// Expired reports whether the code's window closed before now.
func (d *DiscountCode) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && now.After(*d.ExpiresAt)
}

// Campaign is an automatically matched promotion.
type Campaign struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	Name          string          `json:"name" db:"name"`
	Description   string          `json:"description,omitempty" db:"description"`
	Type          CampaignType    `json:"type" db:"type"`
	Status        CampaignStatus  `json:"status" db:"status"`
	StartDate     time.Time       `json:"start_date" db:"start_date"`
	EndDate       time.Time       `json:"end_date" db:"end_date"`
	DiscountType  DiscountType    `json:"discount_type" db:"discount_type"`
	DiscountValue decimal.Decimal `json:"discount_value" db:"discount_value"`
	MinPurchase   *int64          `json:"min_purchase,omitempty" db:"min_purchase"` // in minor units
	MaxDiscount   *int64          `json:"max_discount,omitempty" db:"max_discount"` // in minor units
	UsageLimit    *int            `json:"usage_limit,omitempty" db:"usage_limit"`
	UsageCount    int             `json:"usage_count" db:"usage_count"`
	TargetTier    *LoyaltyTier    `json:"target_tier,omitempty" db:"target_tier"`
	ProductIDs    []uuid.UUID     `json:"product_ids,omitempty"`
	CategoryIDs   []uuid.UUID     `json:"category_ids,omitempty"`
	IsActive      bool            `json:"is_active" db:"is_active"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// InWindow reports start <= now < end.
func (c *Campaign) InWindow(now time.Time) bool {
	return !now.Before(c.StartDate) && now.Before(c.EndDate)
}

// Exhausted reports whether the campaign-wide usage limit has been reached.
func (c *Campaign) Exhausted() bool {
	return c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit
}

// CampaignParticipation counts one customer's redemptions of a campaign.
type CampaignParticipation struct {
	ID         uuid.UUID `json:"id" db:"id"`
	CampaignID uuid.UUID `json:"campaign_id" db:"campaign_id"`
	CustomerID uuid.UUID `json:"customer_id" db:"customer_id"`
	UsageCount int       `json:"usage_count" db:"usage_count"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// DiscountSource identifies where a verdict came from.
type DiscountSource string

const (
	SourceDiscountCode DiscountSource = "discount_code"
	SourceCampaign     DiscountSource = "campaign"
)

// DiscountVerdict is an approved discount for a specific cart.
type DiscountVerdict struct {
	Source DiscountSource `json:"source"`
	// ID is the discount code id or campaign id.
	ID   uuid.UUID `json:"id"`
	Code string    `json:"code,omitempty"`
	Name string    `json:"name,omitempty"`
	// Amount is already rounded and capped to EligibleSubtotal.
	Amount           int64 `json:"amount"`
	EligibleSubtotal int64 `json:"eligible_subtotal"`
	// EligibleProductIDs is empty when the whole cart is eligible.
	EligibleProductIDs []uuid.UUID `json:"eligible_product_ids,omitempty"`
	// UsageLimit is re-checked by the conditional increment at commit.
	UsageLimit *int `json:"-"`
}

// CreateDiscountCodeRequest is the admin payload for a new code.
type CreateDiscountCodeRequest struct {
	Code        string          `json:"code" validate:"omitempty,max=64"`
	Description string          `json:"description" validate:"max=500"`
	Type        DiscountType    `json:"type" validate:"required,oneof=PERCENTAGE FIXED"`
	Value       decimal.Decimal `json:"value"`
	MinPurchase *int64          `json:"min_purchase" validate:"omitempty,gte=0"`
	MaxDiscount *int64          `json:"max_discount" validate:"omitempty,gt=0"`
	UsageLimit  *int            `json:"usage_limit" validate:"omitempty,gt=0"`
	CustomerID  *uuid.UUID      `json:"customer_id"`
	StartsAt    *time.Time      `json:"starts_at"`
	ExpiresAt   *time.Time      `json:"expires_at"`
	ProductIDs  []uuid.UUID     `json:"product_ids"`
}

// BulkDiscountCodeRequest creates count codes that share one template.
type BulkDiscountCodeRequest struct {
	Prefix   string                    `json:"prefix" validate:"required,alphanum,max=16"`
	Count    int                       `json:"count" validate:"required,gt=0,lte=500"`
	Template CreateDiscountCodeRequest `json:"template"`
}

// PersonalizedCodesRequest issues a customer-restricted copy of a base code for each customer.
type PersonalizedCodesRequest struct {
	BaseCode    string      `json:"base_code" validate:"required,max=32"`
	CustomerIDs []uuid.UUID `json:"customer_ids" validate:"required,min=1,max=500"`
}

// DiscountCodeStats aggregates code counts.
type DiscountCodeStats struct {
	Total      int `json:"total"`
	Active     int `json:"active"`
	Expired    int `json:"expired"`
	TotalUsage int `json:"total_usage"`
}

// CreateCampaignRequest is the admin payload for a new campaign.
type CreateCampaignRequest struct {
	Name          string          `json:"name" validate:"required,max=200"`
	Description   string          `json:"description" validate:"max=1000"`
	Type          CampaignType    `json:"type" validate:"required"`
	StartDate     time.Time       `json:"start_date" validate:"required"`
	EndDate       time.Time       `json:"end_date" validate:"required"`
	DiscountType  DiscountType    `json:"discount_type" validate:"required,oneof=PERCENTAGE FIXED"`
	DiscountValue decimal.Decimal `json:"discount_value"`
	MinPurchase   *int64          `json:"min_purchase" validate:"omitempty,gte=0"`
	MaxDiscount   *int64          `json:"max_discount" validate:"omitempty,gt=0"`
	UsageLimit    *int            `json:"usage_limit" validate:"omitempty,gt=0"`
	TargetTier    *LoyaltyTier    `json:"target_tier"`
	ProductIDs    []uuid.UUID     `json:"product_ids"`
	CategoryIDs   []uuid.UUID     `json:"category_ids"`
}
