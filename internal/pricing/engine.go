/**
 * @description
 * The pricing engine turns catalog-priced cart lines and an optional discount verdict into
 * receipt totals: subtotal, discount, post-discount tax and total, all in minor units.
 *
 * @dependencies
 * - github.com/shopspring/decimal: exact rate arithmetic with half-up rounding.
 */

package pricing

import (
	"sort"

	"github.com/cafepos/sale-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Engine prices carts with a fixed tax rate.
type Engine struct {
	taxRate decimal.Decimal
}

// NewEngine creates an Engine. taxRate is a fraction, 0.08 for 8%.
func NewEngine(taxRate decimal.Decimal) *Engine {
	if taxRate.Sign() < 0 {
		taxRate = decimal.Zero
	}
	return &Engine{taxRate: taxRate}
}

// TaxRate returns the configured rate.
func (e *Engine) TaxRate() decimal.Decimal { return e.taxRate }

// BuildLines prices each requested line from the catalog. The unit price always comes from the
// catalog, and every product must exist, be available and have enough stock.
func BuildLines(items []domain.SaleItemRequest, products map[uuid.UUID]domain.Product) ([]domain.SaleItem, error) {
	if len(items) == 0 {
		return nil, domain.Validationf("sale must contain at least one item")
	}

	requested := make(map[uuid.UUID]int, len(items))
	lines := make([]domain.SaleItem, 0, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, domain.Validationf("quantity for product %s must be positive", item.ProductID)
		}
		product, ok := products[item.ProductID]
		if !ok {
			return nil, domain.Validationf("product %s not found", item.ProductID)
		}
		if !product.IsAvailable {
			return nil, domain.Validationf("product %s is not available", product.Name)
		}
		requested[item.ProductID] += item.Quantity
		if requested[item.ProductID] > product.Stock {
			return nil, domain.Validationf("insufficient stock for product %s", product.Name)
		}
		if product.Price < 0 {
			return nil, domain.Validationf("product %s has a negative price", product.Name)
		}

		lineSubtotal := product.Price * int64(item.Quantity)
		lines = append(lines, domain.SaleItem{
			ProductID:    product.ID,
			CategoryID:   product.CategoryID,
			Quantity:     item.Quantity,
			UnitPrice:    product.Price,
			LineSubtotal: lineSubtotal,
			TotalPrice:   lineSubtotal,
		})
	}
	return lines, nil
}

// Subtotal sums the line subtotals.
func Subtotal(lines []domain.SaleItem) int64 {
	var subtotal int64
	for _, line := range lines {
		subtotal += line.UnitPrice * int64(line.Quantity)
	}
	return subtotal
}

// Price computes the receipt totals. The discount is clamped to the eligible subtotal and the
// subtotal, tax is charged on the post-discount base, and the discount is spread over the
// eligible lines so the line discounts add up to the sale discount.
func (e *Engine) Price(lines []domain.SaleItem, verdict *domain.DiscountVerdict) domain.PricedCart {
	priced := make([]domain.SaleItem, len(lines))
	for i, line := range lines {
		line.LineSubtotal = line.UnitPrice * int64(line.Quantity)
		line.DiscountAmount = 0
		line.TotalPrice = line.LineSubtotal
		priced[i] = line
	}
	subtotal := Subtotal(priced)

	var discount int64
	if verdict != nil && verdict.Amount > 0 {
		eligible := eligibleIndexes(priced, verdict.EligibleProductIDs)
		var eligibleSubtotal int64
		for _, i := range eligible {
			eligibleSubtotal += priced[i].LineSubtotal
		}
		discount = minInt64(minInt64(verdict.Amount, eligibleSubtotal), subtotal)
		allocate(priced, eligible, discount, eligibleSubtotal)
	}

	taxableBase := subtotal - discount
	tax := ApplyRate(taxableBase, e.taxRate)

	return domain.PricedCart{
		Items:          priced,
		Subtotal:       subtotal,
		DiscountAmount: discount,
		TaxAmount:      tax,
		TotalAmount:    taxableBase + tax,
	}
}

func eligibleIndexes(lines []domain.SaleItem, productIDs []uuid.UUID) []int {
	idx := make([]int, 0, len(lines))
	if len(productIDs) == 0 {
		for i := range lines {
			idx = append(idx, i)
		}
		return idx
	}
	allowed := make(map[uuid.UUID]struct{}, len(productIDs))
	for _, id := range productIDs {
		allowed[id] = struct{}{}
	}
	for i, line := range lines {
		if _, ok := allowed[line.ProductID]; ok {
			idx = append(idx, i)
		}
	}
	return idx
}

// allocate splits amount over the lines at idx pro rata by line subtotal using the largest
// remainder method.
func allocate(lines []domain.SaleItem, idx []int, amount, base int64) {
	if amount <= 0 || base <= 0 || len(idx) == 0 {
		return
	}

	type share struct {
		pos       int
		remainder int64
	}
	// amount * line subtotal can exceed int64, so the products are taken in decimal. The
	// quotient is at most the line subtotal and the remainder is below base.
	total := decimal.NewFromInt(amount)
	divisor := decimal.NewFromInt(base)
	shares := make([]share, 0, len(idx))
	var assigned int64
	for _, i := range idx {
		part, remainder := total.Mul(decimal.NewFromInt(lines[i].LineSubtotal)).QuoRem(divisor, 0)
		lines[i].DiscountAmount = part.IntPart()
		assigned += lines[i].DiscountAmount
		shares = append(shares, share{pos: i, remainder: remainder.IntPart()})
	}

	sort.SliceStable(shares, func(a, b int) bool {
		return shares[a].remainder > shares[b].remainder
	})
	for k := 0; assigned < amount && k < len(shares); k++ {
		lines[shares[k].pos].DiscountAmount++
		assigned++
	}

	for _, i := range idx {
		lines[i].TotalPrice = lines[i].LineSubtotal - lines[i].DiscountAmount
	}
}
