/**
 * @description
 * This file defines the `Repository` interface: every data access operation the sale-service
 * needs. Application code depends on the interface so the PostgreSQL implementation can be
 * replaced by hand-written stubs in tests.
 *
 * @dependencies
 * - github.com/google/uuid: identifiers.
 * - internal/domain: the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/cafepos/sale-service/internal/domain"
	"github.com/google/uuid"
)

// SettleFunc computes the loyalty outcome for a customer row that the store has locked.
type SettleFunc func(customer domain.Customer) (domain.LoyaltyOutcome, error)

// ReverseFunc computes the compensating loyalty outcome for a refunded sale.
type ReverseFunc func(customer domain.Customer, sale *domain.Sale) (domain.LoyaltyOutcome, error)

// CommitSaleParams is everything written by one sale commit.
type CommitSaleParams struct {
	// Sale is fully priced, with items, and carries at most one of DiscountCodeID and CampaignID.
	Sale *domain.Sale
	// Settle is nil for walk-in sales.
	Settle SettleFunc
}

// RefundSaleParams describes a COMPLETED -> REFUNDED transition.
type RefundSaleParams struct {
	SaleID  uuid.UUID
	Reason  string
	Reverse ReverseFunc
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Catalog and customer reads
	FindProductsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.Product, error)
	FindCustomerByID(ctx context.Context, customerID uuid.UUID) (*domain.Customer, error)

	// Discount code methods
	CreateDiscountCode(ctx context.Context, code *domain.DiscountCode) error
	FindDiscountCodeByCode(ctx context.Context, code string) (*domain.DiscountCode, error)
	FindDiscountCodeByID(ctx context.Context, id uuid.UUID) (*domain.DiscountCode, error)
	ListDiscountCodes(ctx context.Context, activeOnly bool) ([]domain.DiscountCode, error)
	SetDiscountCodeActive(ctx context.Context, id uuid.UUID, active bool) (*domain.DiscountCode, error)
	// ReverseDiscountCodeUsage is the explicit admin decrement; it never goes below zero.
	ReverseDiscountCodeUsage(ctx context.Context, id uuid.UUID) (*domain.DiscountCode, error)
	GetDiscountCodeStats(ctx context.Context, now time.Time) (*domain.DiscountCodeStats, error)
	// DeactivateSpentDiscountCodes flips is_active off for expired or exhausted codes.
	DeactivateSpentDiscountCodes(ctx context.Context, now time.Time) (int64, error)

	// Campaign methods
	CreateCampaign(ctx context.Context, campaign *domain.Campaign) error
	FindCampaignByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	ListCampaigns(ctx context.Context, status *domain.CampaignStatus) ([]domain.Campaign, error)
	ListActiveCampaigns(ctx context.Context, now time.Time) ([]domain.Campaign, error)
	// UpdateCampaignStatus moves a campaign to next only while its current status is one of from.
	UpdateCampaignStatus(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, next domain.CampaignStatus) (*domain.Campaign, error)
	FindCampaignParticipations(ctx context.Context, customerID uuid.UUID, campaignIDs []uuid.UUID) (map[uuid.UUID]int, error)
	SyncCampaignStatuses(ctx context.Context, now time.Time) (activated int64, completed int64, err error)

	// Sale methods
	// CommitSale writes the sale, its items, the guarded usage increments and the ledger rows in one transaction.
	CommitSale(ctx context.Context, params CommitSaleParams) (*domain.Sale, error)
	FindSaleByID(ctx context.Context, saleID uuid.UUID) (*domain.Sale, error)
	RefundSale(ctx context.Context, params RefundSaleParams) (*domain.Sale, *domain.LoyaltyOutcome, error)
	GetDailySummary(ctx context.Context, day time.Time) (*domain.DailySummary, error)

	// Loyalty methods
	ListLoyaltyTransactions(ctx context.Context, customerID uuid.UUID, limit int) ([]domain.LoyaltyTransaction, error)
	// PostLoyaltyOutcome locks the customer, runs settle and persists its rows and projection.
	PostLoyaltyOutcome(ctx context.Context, customerID uuid.UUID, settle SettleFunc) (*domain.LoyaltyOutcome, error)
	FindCustomersWithExpiringPoints(ctx context.Context, inactiveSince time.Time, limit int) ([]uuid.UUID, error)
}
