/**
 * @description
 * Sale models, the sale state machine and the catalog reference types read by the pricing pipeline.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentMethod is how a sale is tendered.
type PaymentMethod string

const (
	PaymentCash    PaymentMethod = "CASH"
	PaymentCard    PaymentMethod = "CARD"
	PaymentDigital PaymentMethod = "DIGITAL"
)

// SaleStatus is the lifecycle state of a sale.
type SaleStatus string

const (
	SalePending   SaleStatus = "PENDING"
	SaleCompleted SaleStatus = "COMPLETED"
	SaleCancelled SaleStatus = "CANCELLED"
	SaleRefunded  SaleStatus = "REFUNDED"
)

// CanTransitionTo encodes PENDING -> COMPLETED|CANCELLED and COMPLETED -> REFUNDED.
func (s SaleStatus) CanTransitionTo(next SaleStatus) bool {
	switch s {
	case SalePending:
		return next == SaleCompleted || next == SaleCancelled
	case SaleCompleted:
		return next == SaleRefunded
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s SaleStatus) Terminal() bool {
	return s == SaleCancelled || s == SaleRefunded
}

// Product is the read-only catalog view used for pricing.
type Product struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Price       int64     `json:"price" db:"price"` // in minor units
	Cost        int64     `json:"cost" db:"cost"`   // in minor units
	Stock       int       `json:"stock" db:"stock"`
	CategoryID  uuid.UUID `json:"category_id" db:"category_id"`
	IsAvailable bool      `json:"is_available" db:"is_available"`
}

// Sale is a committed (or refunded) point-of-sale transaction.
type Sale struct {
	ID                  uuid.UUID     `json:"id" db:"id"`
	ReceiptNumber       string        `json:"receipt_number" db:"receipt_number"`
	CustomerID          *uuid.UUID    `json:"customer_id,omitempty" db:"customer_id"`
	Subtotal            int64         `json:"subtotal" db:"subtotal"`               // in minor units
	DiscountAmount      int64         `json:"discount_amount" db:"discount_amount"` // in minor units
	TaxAmount           int64         `json:"tax_amount" db:"tax_amount"`           // in minor units
	TotalAmount         int64         `json:"total_amount" db:"total_amount"`       // in minor units
	PaymentMethod       PaymentMethod `json:"payment_method" db:"payment_method"`
	Status              SaleStatus    `json:"status" db:"status"`
	CashReceived        *int64        `json:"cash_received,omitempty" db:"cash_received"`
	ChangeGiven         *int64        `json:"change_given,omitempty" db:"change_given"`
	LoyaltyPointsUsed   int64         `json:"loyalty_points_used" db:"loyalty_points_used"`
	LoyaltyPointsEarned int64         `json:"loyalty_points_earned" db:"loyalty_points_earned"`
	CampaignID          *uuid.UUID    `json:"campaign_id,omitempty" db:"campaign_id"`
	DiscountCodeID      *uuid.UUID    `json:"discount_code_id,omitempty" db:"discount_code_id"`
	Notes               string        `json:"notes,omitempty" db:"notes"`
	OperatorID          string        `json:"operator_id,omitempty" db:"operator_id"`
	Items               []SaleItem    `json:"items"`
	CreatedAt           time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at" db:"updated_at"`
	RefundedAt          *time.Time    `json:"refunded_at,omitempty" db:"refunded_at"`
}

// SaleItem is one priced line of a sale.
type SaleItem struct {
	ID             uuid.UUID `json:"id" db:"id"`
	SaleID         uuid.UUID `json:"sale_id" db:"sale_id"`
	ProductID      uuid.UUID `json:"product_id" db:"product_id"`
	CategoryID     uuid.UUID `json:"category_id" db:"category_id"`
	Quantity       int       `json:"quantity" db:"quantity"`
	UnitPrice      int64     `json:"unit_price" db:"unit_price"`           // in minor units
	LineSubtotal   int64     `json:"line_subtotal" db:"line_subtotal"`     // in minor units
	DiscountAmount int64     `json:"discount_amount" db:"discount_amount"` // in minor units
	TotalPrice     int64     `json:"total_price" db:"total_price"`         // line subtotal minus line discount
}

// SaleItemRequest is one cart line as entered at the terminal.
type SaleItemRequest struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Quantity  int       `json:"quantity" validate:"required,gt=0,lte=1000"`
}

// CreateSaleRequest is the cart plus payment info handed to the orchestrator.
type CreateSaleRequest struct {
	Items                 []SaleItemRequest `json:"items" validate:"required,min=1,max=200,dive"`
	CustomerID            *uuid.UUID        `json:"customer_id"`
	DiscountCode          string            `json:"discount_code" validate:"omitempty,max=64"`
	CampaignID            *uuid.UUID        `json:"campaign_id"`
	PaymentMethod         PaymentMethod     `json:"payment_method" validate:"required,oneof=CASH CARD DIGITAL"`
	CashReceived          *int64            `json:"cash_received" validate:"omitempty,gte=0"`
	LoyaltyPointsToRedeem int64             `json:"loyalty_points_to_redeem" validate:"gte=0"`
	Notes                 string            `json:"notes" validate:"max=500"`
	OperatorID            string            `json:"-"`
}

// CartRequest is a cart evaluated without completing a sale: code validation and campaign lookup.
type CartRequest struct {
	Items        []SaleItemRequest `json:"items" validate:"required,min=1,max=200,dive"`
	CustomerID   *uuid.UUID        `json:"customer_id"`
	DiscountCode string            `json:"discount_code" validate:"omitempty,max=64"`
}

// RefundSaleRequest moves a completed sale to REFUNDED.
type RefundSaleRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// PricedCart is the pricing engine output for a cart.
type PricedCart struct {
	Items          []SaleItem `json:"items"`
	Subtotal       int64      `json:"subtotal"`
	DiscountAmount int64      `json:"discount_amount"`
	TaxAmount      int64      `json:"tax_amount"`
	TotalAmount    int64      `json:"total_amount"`
}

// CartContext is what the resolver and matcher evaluate eligibility against.
type CartContext struct {
	Lines        []SaleItem
	Subtotal     int64
	CustomerID   *uuid.UUID
	CustomerTier *LoyaltyTier
}

// ProductIDs returns the distinct product ids in the cart.
func (c CartContext) ProductIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(c.Lines))
	ids := make([]uuid.UUID, 0, len(c.Lines))
	for _, line := range c.Lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}
	return ids
}

// CategoryIDs returns the distinct category ids in the cart.
func (c CartContext) CategoryIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(c.Lines))
	ids := make([]uuid.UUID, 0, len(c.Lines))
	for _, line := range c.Lines {
		if line.CategoryID == uuid.Nil {
			continue
		}
		if _, ok := seen[line.CategoryID]; ok {
			continue
		}
		seen[line.CategoryID] = struct{}{}
		ids = append(ids, line.CategoryID)
	}
	return ids
}

// DailySummary aggregates completed sales for one calendar day.
type DailySummary struct {
	Date                string `json:"date"`
	SalesCount          int    `json:"sales_count"`
	TotalRevenue        int64  `json:"total_revenue"`
	TotalDiscount       int64  `json:"total_discount"`
	TotalTax            int64  `json:"total_tax"`
	LoyaltyPointsEarned int64  `json:"loyalty_points_earned"`
	LoyaltyPointsUsed   int64  `json:"loyalty_points_used"`
}
