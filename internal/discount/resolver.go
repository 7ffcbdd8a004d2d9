/**
 * @description
 * The discount resolver validates an operator-entered code against a cart and produces a
 * verdict. Checks run in a fixed order and the first failure is reported with its rule.
 * Resolution never touches the usage counter; the store increments it inside the sale commit.
 */

package discount

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cafepos/sale-service/internal/domain"
	"github.com/cafepos/sale-service/internal/pricing"
	"github.com/cafepos/sale-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CodeRepository is the slice of the store the resolver reads.
type CodeRepository interface {
	FindDiscountCodeByCode(ctx context.Context, code string) (*domain.DiscountCode, error)
}

// Resolver resolves discount codes against carts.
type Resolver struct {
	repo CodeRepository
	now  func() time.Time
}

// NewResolver creates a Resolver reading codes from repo.
func NewResolver(repo CodeRepository) *Resolver {
	return &Resolver{repo: repo, now: time.Now}
}

// WithClock replaces the resolver's clock.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve looks up code and evaluates it against cart.
func (r *Resolver) Resolve(ctx context.Context, code string, cart domain.CartContext) (*domain.DiscountVerdict, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return nil, domain.Validationf("discount code is empty")
	}

	dc, err := r.repo.FindDiscountCodeByCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, store.ErrDiscountCodeNotFound) {
			return nil, domain.NewError(domain.KindNotEligible, domain.RuleCodeNotFound)
		}
		return nil, domain.WrapError(domain.KindPersistence, "discount code lookup failed", err)
	}

	return Evaluate(dc, cart, r.now())
}

// Evaluate applies the ordered eligibility checks and computes the discount amount.
func Evaluate(dc *domain.DiscountCode, cart domain.CartContext, now time.Time) (*domain.DiscountVerdict, error) {
	if dc == nil {
		return nil, domain.NewError(domain.KindNotEligible, domain.RuleCodeNotFound)
	}
	if !dc.IsActive {
		return nil, domain.NewError(domain.KindNotEligible, domain.RuleCodeInactive)
	}
	if dc.StartsAt != nil && now.Before(*dc.StartsAt) {
		return nil, domain.NewError(domain.KindNotEligible, domain.RuleCodeNotStarted)
	}
	if dc.Expired(now) {
		return nil, domain.NewError(domain.KindNotEligible, domain.RuleCodeExpired)
	}
	if dc.Exhausted() {
		return nil, domain.NewError(domain.KindUsageExhausted, domain.RuleCodeExhausted)
	}
	if dc.CustomerID != nil && (cart.CustomerID == nil || *cart.CustomerID != *dc.CustomerID) {
		return nil, domain.NewError(domain.KindNotEligible, domain.RuleCodeWrongCustomer)
	}

	eligibleSubtotal := cart.Subtotal
	var eligibleIDs []uuid.UUID
	if dc.ProductRestricted {
		eligibleSubtotal, eligibleIDs = restrictedSubtotal(cart.Lines, dc.ProductIDs)
		if len(eligibleIDs) == 0 {
			return nil, domain.NewError(domain.KindNotEligible, domain.RuleNoEligibleProducts)
		}
	}

	if dc.MinPurchase != nil && cart.Subtotal < *dc.MinPurchase {
		return nil, domain.NewError(domain.KindNotEligible, domain.RuleMinPurchaseNotMet)
	}

	return &domain.DiscountVerdict{
		Source:             domain.SourceDiscountCode,
		ID:                 dc.ID,
		Code:               dc.Code,
		Amount:             Amount(dc.Type, dc.Value, eligibleSubtotal, dc.MaxDiscount),
		EligibleSubtotal:   eligibleSubtotal,
		EligibleProductIDs: eligibleIDs,
		UsageLimit:         dc.UsageLimit,
	}, nil
}

// Amount computes a discount over an eligible subtotal. PERCENTAGE rounds half-up and honours
// maxDiscount; FIXED is the lesser of value and the eligible subtotal. The result never exceeds
// the eligible subtotal.
func Amount(kind domain.DiscountType, value decimal.Decimal, eligibleSubtotal int64, maxDiscount *int64) int64 {
	if eligibleSubtotal <= 0 || value.Sign() <= 0 {
		return 0
	}

	var amount int64
	switch kind {
	case domain.DiscountPercentage:
		amount = pricing.PercentOf(eligibleSubtotal, value)
		if maxDiscount != nil && amount > *maxDiscount {
			amount = *maxDiscount
		}
	case domain.DiscountFixed:
		amount = value.Round(0).IntPart()
	default:
		return 0
	}

	if amount > eligibleSubtotal {
		amount = eligibleSubtotal
	}
	if amount < 0 {
		amount = 0
	}
	return amount
}

func restrictedSubtotal(lines []domain.SaleItem, productIDs []uuid.UUID) (int64, []uuid.UUID) {
	allowed := make(map[uuid.UUID]struct{}, len(productIDs))
	for _, id := range productIDs {
		allowed[id] = struct{}{}
	}

	var subtotal int64
	seen := make(map[uuid.UUID]struct{})
	ids := make([]uuid.UUID, 0)
	for _, line := range lines {
		if _, ok := allowed[line.ProductID]; !ok {
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

// NormalizeCode trims and upper-cases a code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// codeAlphabet drops 0/O and 1/I so codes read back correctly from a printed receipt. Its 32
// symbols divide 256, so byte % len is unbiased.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const generatedCodeLength = 8

// GenerateCode returns a random code, optionally prefixed.
func GenerateCode(prefix string) string {
	buf := make([]byte, generatedCodeLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	random := string(buf)
	prefix = NormalizeCode(prefix)
	if prefix == "" {
		return random
	}
	return fmt.Sprintf("%s-%s", prefix, random)
}

// PersonalizedCode derives the customer-specific variant of base.
func PersonalizedCode(customerID uuid.UUID, base string) string {
	id := strings.ToUpper(strings.ReplaceAll(customerID.String(), "-", ""))
	return fmt.Sprintf("CUST%s-%s", id[len(id)-6:], NormalizeCode(base))
}

// ValidateCreate checks the admin invariants of a new code.
func ValidateCreate(req domain.CreateDiscountCodeRequest) error {
	if !req.Type.Valid() {
		return domain.Validationf("discount type must be PERCENTAGE or FIXED")
	}
	if req.Value.Sign() <= 0 {
		return domain.Validationf("discount value must be greater than zero")
	}
	if req.Type == domain.DiscountPercentage && req.Value.GreaterThan(decimal.NewFromInt(100)) {
		return domain.Validationf("percentage discount cannot exceed 100")
	}
	if req.StartsAt != nil && req.ExpiresAt != nil && !req.StartsAt.Before(*req.ExpiresAt) {
		return domain.Validationf("starts_at must be before expires_at")
	}
	if req.UsageLimit != nil && *req.UsageLimit <= 0 {
		return domain.Validationf("usage_limit must be positive")
	}
	return nil
}

// NewDiscountCode builds the persisted form of a validated request.
func NewDiscountCode(req domain.CreateDiscountCodeRequest, now time.Time) *domain.DiscountCode {
	code := NormalizeCode(req.Code)
	if code == "" {
		code = GenerateCode("")
	}
	value := req.Value
	if req.Type == domain.DiscountFixed {
		value = value.Round(0)
	}
	return &domain.DiscountCode{
		ID:                uuid.New(),
		Code:              code,
		Description:       strings.TrimSpace(req.Description),
		Type:              req.Type,
		Value:             value,
		MinPurchase:       req.MinPurchase,
		MaxDiscount:       req.MaxDiscount,
		UsageLimit:        req.UsageLimit,
		CustomerID:        req.CustomerID,
		StartsAt:          req.StartsAt,
		ExpiresAt:         req.ExpiresAt,
		IsActive:          true,
		ProductRestricted: len(req.ProductIDs) > 0,
		ProductIDs:        req.ProductIDs,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
