package loyalty

import (
	"errors"
	"testing"
	"time"

	"github.com/cafepos/sale-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestLedger() *Ledger {
	return NewLedger(DefaultPolicy()).WithClock(func() time.Time { return fixedNow })
}

func sumEntries(entries []domain.LoyaltyTransaction) int64 {
	var sum int64
	for _, e := range entries {
		sum += e.Points
	}
	return sum
}

func TestSettle_EarnAndRedeemPostSeparateRows(t *testing.T) {
	ledger := newTestLedger()
	customer := domain.Customer{ID: uuid.New(), LoyaltyPoints: 100, LoyaltyTier: domain.TierBronze}
	sale := &domain.Sale{ID: uuid.New(), ReceiptNumber: "RCP-20260314-0001", TotalAmount: 4860}

	out, err := ledger.Settle(customer, sale, 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.PointsEarned != 48 {
		t.Fatalf("expected 48 points earned, got %d", out.PointsEarned)
	}
	if len(out.Entries) != 2 {
		t.Fatalf("expected 2 ledger rows, got %d", len(out.Entries))
	}
	if out.Entries[0].Type != domain.LoyaltyRedeemed || out.Entries[0].Points != -30 {
		t.Fatalf("expected REDEEMED -30 first, got %s %d", out.Entries[0].Type, out.Entries[0].Points)
	}
	if out.Entries[1].Type != domain.LoyaltyEarned || out.Entries[1].Points != 48 {
		t.Fatalf("expected EARNED 48 second, got %s %d", out.Entries[1].Type, out.Entries[1].Points)
	}
	for _, e := range out.Entries {
		if e.SaleID == nil || *e.SaleID != sale.ID {
			t.Fatalf("expected entry linked to sale %s", sale.ID)
		}
	}
	if out.BalanceAfter != 118 {
		t.Fatalf("expected balance 118, got %d", out.BalanceAfter)
	}
	if out.BalanceAfter-out.BalanceBefore != sumEntries(out.Entries) {
		t.Fatalf("balance delta %d does not match ledger rows %d", out.BalanceAfter-out.BalanceBefore, sumEntries(out.Entries))
	}
	if out.VisitCount != 1 || out.TotalSpent != 4860 || out.LastVisit == nil {
		t.Fatalf("expected visit and spend to be recorded, got %+v", out)
	}
}

func TestSettle_InsufficientPoints(t *testing.T) {
	ledger := newTestLedger()
	customer := domain.Customer{ID: uuid.New(), LoyaltyPoints: 100, LoyaltyTier: domain.TierBronze}

	_, err := ledger.Settle(customer, &domain.Sale{ID: uuid.New(), TotalAmount: 1000}, 150)
	if !errors.Is(err, domain.ErrInsufficientPoints) {
		t.Fatalf("expected insufficient points, got %v", err)
	}
	if domain.RuleOf(err) != domain.RuleInsufficientPoints {
		t.Fatalf("expected rule %q, got %q", domain.RuleInsufficientPoints, domain.RuleOf(err))
	}
}

func TestSettle_TierMultiplierAndPromotion(t *testing.T) {
	ledger := newTestLedger()
	customer := domain.Customer{ID: uuid.New(), LoyaltyTier: domain.TierSilver, TotalSpent: 490_00, VisitCount: 12}

	out, err := ledger.Settle(customer, &domain.Sale{ID: uuid.New(), TotalAmount: 20_00}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 20 units * 1.25 silver multiplier
	if out.PointsEarned != 25 {
		t.Fatalf("expected 25 points, got %d", out.PointsEarned)
	}
	if out.TierAfter != domain.TierGold {
		t.Fatalf("expected promotion to GOLD, got %s", out.TierAfter)
	}
}

func TestSettle_TierNeverDrops(t *testing.T) {
	ledger := newTestLedger()
	customer := domain.Customer{ID: uuid.New(), LoyaltyTier: domain.TierPlatinum, TotalSpent: 10_00}

	out, err := ledger.Settle(customer, &domain.Sale{ID: uuid.New(), TotalAmount: 1_00}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.TierAfter != domain.TierPlatinum {
		t.Fatalf("expected PLATINUM to be kept, got %s", out.TierAfter)
	}
}

func TestReverse_RestoresPreSaleBalance(t *testing.T) {
	ledger := newTestLedger()
	before := domain.Customer{ID: uuid.New(), LoyaltyPoints: 100, LoyaltyTier: domain.TierBronze, TotalSpent: 50_00, VisitCount: 3}
	sale := &domain.Sale{ID: uuid.New(), TotalAmount: 75_00}

	settled, err := ledger.Settle(before, sale, 40)
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	sale.LoyaltyPointsEarned = settled.PointsEarned
	sale.LoyaltyPointsUsed = settled.PointsRedeemed
	afterSale := settled.Apply(before)

	reversed, err := ledger.Reverse(afterSale, sale)
	if err != nil {
		t.Fatalf("reverse failed: %v", err)
	}
	restored := reversed.Apply(afterSale)

	if restored.LoyaltyPoints != before.LoyaltyPoints {
		t.Fatalf("expected balance %d after refund, got %d", before.LoyaltyPoints, restored.LoyaltyPoints)
	}
	if restored.TotalSpent != before.TotalSpent || restored.VisitCount != before.VisitCount {
		t.Fatalf("expected spend/visits restored, got %d/%d", restored.TotalSpent, restored.VisitCount)
	}
	if restored.LoyaltyTier != domain.TierBronze {
		t.Fatalf("expected tier recomputed to BRONZE, got %s", restored.LoyaltyTier)
	}
	for _, e := range reversed.Entries {
		if e.Type != domain.LoyaltyAdjusted {
			t.Fatalf("expected ADJUSTED reversal rows, got %s", e.Type)
		}
	}

	history := append(append([]domain.LoyaltyTransaction{}, settled.Entries...), reversed.Entries...)
	if before.LoyaltyPoints+sumEntries(history) != restored.LoyaltyPoints {
		t.Fatalf("ledger rows do not reconcile with balance")
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 rows kept in history, got %d", len(history))
	}
}

func TestReverse_RejectsWhenEarnedPointsSpent(t *testing.T) {
	ledger := newTestLedger()
	customer := domain.Customer{ID: uuid.New(), LoyaltyPoints: 5}
	sale := &domain.Sale{ID: uuid.New(), TotalAmount: 20_00, LoyaltyPointsEarned: 20}

	_, err := ledger.Reverse(customer, sale)
	if !errors.Is(err, domain.ErrInsufficientPoints) {
		t.Fatalf("expected insufficient points, got %v", err)
	}
}

func TestAward(t *testing.T) {
	ledger := newTestLedger()
	customer := domain.Customer{ID: uuid.New(), LoyaltyPoints: 10, LoyaltyTier: domain.TierGold, TotalSpent: 5_00}

	tests := []struct {
		name     string
		req      domain.AwardPointsRequest
		wantKind domain.ErrorKind
		wantBal  int64
		wantTier domain.LoyaltyTier
	}{
		{name: "bonus", req: domain.AwardPointsRequest{Type: domain.LoyaltyBonus, Points: 50, Description: "birthday"}, wantBal: 60, wantTier: domain.TierGold},
		{name: "signup bonus", req: domain.AwardPointsRequest{Type: domain.LoyaltySignupBonus, Points: 5, Description: "welcome"}, wantBal: 15, wantTier: domain.TierGold},
		{name: "negative bonus", req: domain.AwardPointsRequest{Type: domain.LoyaltyBonus, Points: -5, Description: "x"}, wantKind: domain.KindValidation},
		{name: "adjust down recomputes tier", req: domain.AwardPointsRequest{Type: domain.LoyaltyAdjusted, Points: -10, Description: "fix"}, wantBal: 0, wantTier: domain.TierBronze},
		{name: "adjust below zero", req: domain.AwardPointsRequest{Type: domain.LoyaltyAdjusted, Points: -11, Description: "fix"}, wantKind: domain.KindInsufficientPoints},
		{name: "earned cannot be posted manually", req: domain.AwardPointsRequest{Type: domain.LoyaltyEarned, Points: 5, Description: "x"}, wantKind: domain.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ledger.Award(customer, tt.req)
			if tt.wantKind != "" {
				if domain.KindOf(err) != tt.wantKind {
					t.Fatalf("expected %s, got %v", tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out.BalanceAfter != tt.wantBal {
				t.Fatalf("expected balance %d, got %d", tt.wantBal, out.BalanceAfter)
			}
			if out.TierAfter != tt.wantTier {
				t.Fatalf("expected tier %s, got %s", tt.wantTier, out.TierAfter)
			}
			if len(out.Entries) != 1 || out.Entries[0].SaleID != nil {
				t.Fatalf("expected one row without a sale link, got %+v", out.Entries)
			}
		})
	}
}

func TestExpire(t *testing.T) {
	ledger := newTestLedger()
	customer := domain.Customer{ID: uuid.New(), LoyaltyPoints: 42, LoyaltyTier: domain.TierSilver}

	out, err := ledger.Expire(customer, "inactive")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.BalanceAfter != 0 || len(out.Entries) != 1 || out.Entries[0].Type != domain.LoyaltyExpired || out.Entries[0].Points != -42 {
		t.Fatalf("unexpected expiry outcome: %+v", out)
	}

	if _, err := ledger.Expire(domain.Customer{ID: uuid.New()}, "inactive"); err == nil {
		t.Fatal("expected error when there is nothing to expire")
	}
}

func TestPolicy_TierForAndNext(t *testing.T) {
	policy := DefaultPolicy()
	policy.Thresholds[2].MinVisits = 10 // GOLD needs 10 visits too
	policy = policy.Normalize()

	tests := []struct {
		spent  int64
		visits int
		want   domain.LoyaltyTier
	}{
		{spent: 0, visits: 0, want: domain.TierBronze},
		{spent: 100_00, visits: 0, want: domain.TierSilver},
		{spent: 600_00, visits: 2, want: domain.TierSilver},
		{spent: 600_00, visits: 10, want: domain.TierGold},
		{spent: 1500_00, visits: 0, want: domain.TierPlatinum},
	}
	for _, tt := range tests {
		if got := policy.TierFor(tt.spent, tt.visits); got != tt.want {
			t.Fatalf("spent=%d visits=%d: expected %s, got %s", tt.spent, tt.visits, tt.want, got)
		}
	}

	next := policy.Next(domain.Customer{LoyaltyTier: domain.TierSilver, TotalSpent: 450_00, VisitCount: 4})
	if next == nil || next.Tier != domain.TierGold || next.SpendRemaining != 50_00 || next.VisitsRemaining != 6 {
		t.Fatalf("unexpected next tier: %+v", next)
	}
	if policy.Next(domain.Customer{LoyaltyTier: domain.TierPlatinum}) != nil {
		t.Fatal("expected no next tier above PLATINUM")
	}
}

func TestPolicy_PointsFloor(t *testing.T) {
	policy := DefaultPolicy()
	policy.EarnRate = decimal.RequireFromString("0.5")

	if got := policy.PointsFor(199, domain.TierBronze); got != 0 {
		t.Fatalf("expected 0 points for 1.99 at 0.5/unit, got %d", got)
	}
	if got := policy.PointsFor(1999, domain.TierPlatinum); got != 19 {
		t.Fatalf("expected 19 points, got %d", got)
	}
}
