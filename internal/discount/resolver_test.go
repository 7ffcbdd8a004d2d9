package discount

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cafepos/sale-service/internal/domain"
	"github.com/cafepos/sale-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type codeRepoStub struct {
	codes map[string]*domain.DiscountCode
	err   error
}

func (s *codeRepoStub) FindDiscountCodeByCode(ctx context.Context, code string) (*domain.DiscountCode, error) {
	if s.err != nil {
		return nil, s.err
	}
	dc, ok := s.codes[code]
	if !ok {
		return nil, store.ErrDiscountCodeNotFound
	}
	return dc, nil
}

func line(productID uuid.UUID, unitPrice int64, qty int) domain.SaleItem {
	return domain.SaleItem{ProductID: productID, UnitPrice: unitPrice, Quantity: qty, LineSubtotal: unitPrice * int64(qty)}
}

func cartOf(lines ...domain.SaleItem) domain.CartContext {
	var subtotal int64
	for _, l := range lines {
		subtotal += l.LineSubtotal
	}
	return domain.CartContext{Lines: lines, Subtotal: subtotal}
}

func ptr[T any](v T) *T { return &v }

func TestEvaluate_RuleOrder(t *testing.T) {
	customer := uuid.New()
	other := uuid.New()
	productA := uuid.New()
	productB := uuid.New()

	base := func() *domain.DiscountCode {
		return &domain.DiscountCode{
			ID: uuid.New(), Code: "SAVE", Type: domain.DiscountPercentage, Value: decimal.NewFromInt(10), IsActive: true,
		}
	}
	cart := cartOf(line(productA, 1000, 1))
	cart.CustomerID = &customer

	tests := []struct {
		name     string
		mutate   func(dc *domain.DiscountCode)
		wantKind domain.ErrorKind
		wantRule string
	}{
		{name: "inactive", mutate: func(dc *domain.DiscountCode) { dc.IsActive = false }, wantKind: domain.KindNotEligible, wantRule: domain.RuleCodeInactive},
		{name: "inactive wins over expired", mutate: func(dc *domain.DiscountCode) {
			dc.IsActive = false
			dc.ExpiresAt = ptr(now.Add(-time.Hour))
		}, wantKind: domain.KindNotEligible, wantRule: domain.RuleCodeInactive},
		{name: "not started", mutate: func(dc *domain.DiscountCode) { dc.StartsAt = ptr(now.Add(time.Hour)) }, wantKind: domain.KindNotEligible, wantRule: domain.RuleCodeNotStarted},
		{name: "expired", mutate: func(dc *domain.DiscountCode) { dc.ExpiresAt = ptr(now.Add(-time.Second)) }, wantKind: domain.KindNotEligible, wantRule: domain.RuleCodeExpired},
		{name: "expired wins over exhausted", mutate: func(dc *domain.DiscountCode) {
			dc.ExpiresAt = ptr(now.Add(-time.Second))
			dc.UsageLimit, dc.UsageCount = ptr(1), 1
		}, wantKind: domain.KindNotEligible, wantRule: domain.RuleCodeExpired},
		{name: "exhausted", mutate: func(dc *domain.DiscountCode) { dc.UsageLimit, dc.UsageCount = ptr(3), 3 }, wantKind: domain.KindUsageExhausted, wantRule: domain.RuleCodeExhausted},
		{name: "other customer", mutate: func(dc *domain.DiscountCode) { dc.CustomerID = &other }, wantKind: domain.KindNotEligible, wantRule: domain.RuleCodeWrongCustomer},
		{name: "no eligible products", mutate: func(dc *domain.DiscountCode) {
			dc.ProductRestricted = true
			dc.ProductIDs = []uuid.UUID{productB}
		}, wantKind: domain.KindNotEligible, wantRule: domain.RuleNoEligibleProducts},
		{name: "min purchase", mutate: func(dc *domain.DiscountCode) { dc.MinPurchase = ptr(int64(1001)) }, wantKind: domain.KindNotEligible, wantRule: domain.RuleMinPurchaseNotMet},
		{name: "eligible", mutate: func(dc *domain.DiscountCode) { dc.MinPurchase = ptr(int64(1000)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dc := base()
			tt.mutate(dc)
			verdict, err := Evaluate(dc, cart, now)
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				if verdict.Amount != 100 {
					t.Fatalf("expected 100 off, got %d", verdict.Amount)
				}
				return
			}
			if domain.KindOf(err) != tt.wantKind || domain.RuleOf(err) != tt.wantRule {
				t.Fatalf("expected %s/%q, got %v", tt.wantKind, tt.wantRule, err)
			}
		})
	}
}

func TestEvaluate_CustomerRestrictedWalkIn(t *testing.T) {
	owner := uuid.New()
	dc := &domain.DiscountCode{ID: uuid.New(), Code: "MINE", Type: domain.DiscountFixed, Value: decimal.NewFromInt(50), IsActive: true, CustomerID: &owner}
	_, err := Evaluate(dc, cartOf(line(uuid.New(), 500, 1)), now)
	if domain.RuleOf(err) != domain.RuleCodeWrongCustomer {
		t.Fatalf("walk-in carts cannot use customer codes, got %v", err)
	}
}

func TestEvaluate_ProductRestrictedSubtotal(t *testing.T) {
	latte := uuid.New()
	muffin := uuid.New()
	dc := &domain.DiscountCode{
		ID: uuid.New(), Code: "LATTE20", Type: domain.DiscountPercentage, Value: decimal.NewFromInt(20), IsActive: true,
		ProductRestricted: true, ProductIDs: []uuid.UUID{latte},
		// The minimum applies to the whole cart, not the eligible part.
		MinPurchase: ptr(int64(1200)),
	}
	cart := cartOf(line(latte, 450, 2), line(muffin, 350, 1), line(latte, 450, 1))

	verdict, err := Evaluate(dc, cart, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.EligibleSubtotal != 1350 {
		t.Fatalf("expected eligible subtotal 1350, got %d", verdict.EligibleSubtotal)
	}
	if verdict.Amount != 270 {
		t.Fatalf("expected 270 off, got %d", verdict.Amount)
	}
	if len(verdict.EligibleProductIDs) != 1 || verdict.EligibleProductIDs[0] != latte {
		t.Fatalf("expected only the latte to be eligible, got %v", verdict.EligibleProductIDs)
	}
}

func TestAmount(t *testing.T) {
	tests := []struct {
		name     string
		kind     domain.DiscountType
		value    string
		eligible int64
		max      *int64
		want     int64
	}{
		{name: "percentage rounds half up", kind: domain.DiscountPercentage, value: "10", eligible: 1005, want: 101},
		{name: "percentage below half rounds down", kind: domain.DiscountPercentage, value: "10", eligible: 1004, want: 100},
		{name: "percentage capped by max", kind: domain.DiscountPercentage, value: "50", eligible: 10000, max: ptr(int64(1500)), want: 1500},
		{name: "hundred percent", kind: domain.DiscountPercentage, value: "100", eligible: 799, want: 799},
		{name: "fixed under subtotal", kind: domain.DiscountFixed, value: "200", eligible: 1000, want: 200},
		{name: "fixed clamped to subtotal", kind: domain.DiscountFixed, value: "200", eligible: 150, want: 150},
		{name: "fixed ignores max discount", kind: domain.DiscountFixed, value: "500", eligible: 1000, max: ptr(int64(100)), want: 500},
		{name: "empty cart", kind: domain.DiscountFixed, value: "200", eligible: 0, want: 0},
		{name: "unknown type", kind: "BOGO", value: "1", eligible: 1000, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Amount(tt.kind, decimal.RequireFromString(tt.value), tt.eligible, tt.max)
			if got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	dc := &domain.DiscountCode{ID: uuid.New(), Code: "WELCOME", Type: domain.DiscountFixed, Value: decimal.NewFromInt(100), IsActive: true}
	repo := &codeRepoStub{codes: map[string]*domain.DiscountCode{"WELCOME": dc}}
	resolver := NewResolver(repo).WithClock(func() time.Time { return now })
	cart := cartOf(line(uuid.New(), 1000, 1))

	verdict, err := resolver.Resolve(context.Background(), "  welcome ", cart)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.ID != dc.ID || verdict.Code != "WELCOME" || verdict.Source != domain.SourceDiscountCode {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
	if dc.UsageCount != 0 {
		t.Fatal("resolving must not consume usage")
	}

	if _, err := resolver.Resolve(context.Background(), "NOPE", cart); domain.RuleOf(err) != domain.RuleCodeNotFound {
		t.Fatalf("expected not found rule, got %v", err)
	}
	if _, err := resolver.Resolve(context.Background(), "   ", cart); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for blank code, got %v", err)
	}

	repo.err = errors.New("connection refused")
	if _, err := resolver.Resolve(context.Background(), "WELCOME", cart); !domain.Retryable(err) {
		t.Fatalf("lookup failures should be retryable, got %v", err)
	}
}

func TestGenerateAndPersonalizedCode(t *testing.T) {
	code := GenerateCode("promo")
	if !strings.HasPrefix(code, "PROMO-") || len(code) != len("PROMO-")+8 {
		t.Fatalf("unexpected generated code %q", code)
	}
	if code == GenerateCode("promo") {
		t.Fatal("generated codes should differ")
	}
	for _, r := range strings.TrimPrefix(code, "PROMO-") {
		if !strings.ContainsRune(codeAlphabet, r) {
			t.Fatalf("generated code %q contains %q outside the code alphabet", code, r)
		}
	}
	if bare := GenerateCode(""); len(bare) != generatedCodeLength || strings.Contains(bare, "-") {
		t.Fatalf("expected a bare %d-symbol code, got %q", generatedCodeLength, bare)
	}

	id := uuid.MustParse("0b1c2d3e-4f50-6172-8394-a5b6c7d8e9f0")
	if got := PersonalizedCode(id, "vip"); got != "CUSTD8E9F0-VIP" {
		t.Fatalf("unexpected personalized code %q", got)
	}
}

func TestValidateCreate(t *testing.T) {
	start := now
	end := now.Add(-time.Hour)
	tests := []struct {
		name    string
		req     domain.CreateDiscountCodeRequest
		wantErr bool
	}{
		{name: "valid percentage", req: domain.CreateDiscountCodeRequest{Type: domain.DiscountPercentage, Value: decimal.NewFromInt(15)}},
		{name: "percentage over 100", req: domain.CreateDiscountCodeRequest{Type: domain.DiscountPercentage, Value: decimal.NewFromInt(120)}, wantErr: true},
		{name: "negative fixed", req: domain.CreateDiscountCodeRequest{Type: domain.DiscountFixed, Value: decimal.NewFromInt(-1)}, wantErr: true},
		{name: "window reversed", req: domain.CreateDiscountCodeRequest{Type: domain.DiscountFixed, Value: decimal.NewFromInt(1), StartsAt: &start, ExpiresAt: &end}, wantErr: true},
		{name: "zero usage limit", req: domain.CreateDiscountCodeRequest{Type: domain.DiscountFixed, Value: decimal.NewFromInt(1), UsageLimit: ptr(0)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCreate(tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}
