package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys on the events exchange.
const (
	EventSaleCompleted       = "sale.completed"
	EventSaleRefunded        = "sale.refunded"
	EventLoyaltyAdjusted     = "loyalty.adjusted"
	EventSaleRefundRequested = "sale.refund.requested"
)

// SaleEvent is published after a sale commit or refund.
type SaleEvent struct {
	SaleID              uuid.UUID  `json:"sale_id"`
	ReceiptNumber       string     `json:"receipt_number"`
	Status              SaleStatus `json:"status"`
	CustomerID          *uuid.UUID `json:"customer_id,omitempty"`
	TotalAmount         int64      `json:"total_amount"`
	DiscountAmount      int64      `json:"discount_amount"`
	TaxAmount           int64      `json:"tax_amount"`
	LoyaltyPointsEarned int64      `json:"loyalty_points_earned"`
	LoyaltyPointsUsed   int64      `json:"loyalty_points_used"`
	CampaignID          *uuid.UUID `json:"campaign_id,omitempty"`
	DiscountCodeID      *uuid.UUID `json:"discount_code_id,omitempty"`
	Timestamp           time.Time  `json:"timestamp"`
}

// LoyaltyEvent is published when a customer's balance changes outside a sale.
type LoyaltyEvent struct {
	CustomerID   uuid.UUID              `json:"customer_id"`
	Type         LoyaltyTransactionType `json:"type"`
	Points       int64                  `json:"points"`
	BalanceAfter int64                  `json:"balance_after"`
	TierAfter    LoyaltyTier            `json:"tier_after"`
	Timestamp    time.Time              `json:"timestamp"`
}

// RefundRequestedEvent is consumed from upstream payment systems.
type RefundRequestedEvent struct {
	SaleID uuid.UUID `json:"sale_id"`
	Reason string    `json:"reason"`
}

// NewSaleEvent snapshots a sale for publishing.
func NewSaleEvent(s *Sale, at time.Time) SaleEvent {
	return SaleEvent{
		SaleID:              s.ID,
		ReceiptNumber:       s.ReceiptNumber,
		Status:              s.Status,
		CustomerID:          s.CustomerID,
		TotalAmount:         s.TotalAmount,
		DiscountAmount:      s.DiscountAmount,
		TaxAmount:           s.TaxAmount,
		LoyaltyPointsEarned: s.LoyaltyPointsEarned,
		LoyaltyPointsUsed:   s.LoyaltyPointsUsed,
		CampaignID:          s.CampaignID,
		DiscountCodeID:      s.DiscountCodeID,
		Timestamp:           at,
	}
}
