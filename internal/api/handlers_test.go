package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cafepos/sale-service/internal/app"
	"github.com/cafepos/sale-service/internal/domain"
	"github.com/cafepos/sale-service/internal/loyalty"
	"github.com/cafepos/sale-service/internal/pricing"
	"github.com/cafepos/sale-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type saleRepoStub struct {
	store.Repository
	sales     map[uuid.UUID]*domain.Sale
	customers map[uuid.UUID]*domain.Customer
	codes     []domain.DiscountCode
}

func (s *saleRepoStub) FindSaleByID(ctx context.Context, saleID uuid.UUID) (*domain.Sale, error) {
	sale, ok := s.sales[saleID]
	if !ok {
		return nil, store.ErrSaleNotFound
	}
	return sale, nil
}

func (s *saleRepoStub) FindCustomerByID(ctx context.Context, customerID uuid.UUID) (*domain.Customer, error) {
	customer, ok := s.customers[customerID]
	if !ok {
		return nil, store.ErrCustomerNotFound
	}
	return customer, nil
}

func (s *saleRepoStub) ListDiscountCodes(ctx context.Context, activeOnly bool) ([]domain.DiscountCode, error) {
	if !activeOnly {
		return s.codes, nil
	}
	active := make([]domain.DiscountCode, 0)
	for _, c := range s.codes {
		if c.IsActive {
			active = append(active, c)
		}
	}
	return active, nil
}

func withOperator(r *http.Request, operatorID string, roles ...string) *http.Request {
	ctx := context.WithValue(r.Context(), operatorIDKey, operatorID)
	ctx = context.WithValue(ctx, operatorRolesKey, roles)
	return r.WithContext(ctx)
}

// fakeAuth stands in for the JWKS middleware; the X-Test-Roles header lists the operator's roles.
func fakeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var roles []string
		if raw := r.Header.Get("X-Test-Roles"); raw != "" {
			roles = strings.Split(raw, ",")
		}
		next.ServeHTTP(w, withOperator(r, "op_test", roles...))
	})
}

func newTestRouter(repo *saleRepoStub) http.Handler {
	svc := app.NewService(repo, pricing.NewEngine(decimal.RequireFromString("0.08")), loyalty.NewLedger(loyalty.DefaultPolicy()), nil, app.Options{})
	return SaleRoutes(NewSaleHandlers(svc), fakeAuth, []string{"*"})
}

func doRequest(t *testing.T, handler http.Handler, method, path, body, roles string) (*httptest.ResponseRecorder, errorResponse) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if roles != "" {
		req.Header.Set("X-Test-Roles", roles)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var errBody errorResponse
	if rec.Code >= http.StatusBadRequest {
		if err := json.Unmarshal(rec.Body.Bytes(), &errBody); err != nil {
			t.Fatalf("expected JSON error body, got %q", rec.Body.String())
		}
	}
	return rec, errBody
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "rate limited", err: &app.RateLimitError{RetryAfterSeconds: 10}, want: http.StatusTooManyRequests},
		{name: "sale not found", err: store.ErrSaleNotFound, want: http.StatusNotFound},
		{name: "code not found", err: store.ErrDiscountCodeNotFound, want: http.StatusNotFound},
		{name: "duplicate code", err: store.ErrDuplicateDiscountCode, want: http.StatusConflict},
		{name: "bad transition", err: store.ErrInvalidStatusChange, want: http.StatusConflict},
		{name: "validation", err: domain.Validationf("cart is empty"), want: http.StatusBadRequest},
		{name: "not eligible", err: domain.NewError(domain.KindNotEligible, domain.RuleCodeExpired), want: http.StatusUnprocessableEntity},
		{name: "insufficient points", err: domain.ErrInsufficientPoints, want: http.StatusUnprocessableEntity},
		{name: "usage exhausted", err: domain.ErrUsageExhausted, want: http.StatusConflict},
		{name: "concurrency", err: domain.ErrConcurrencyConflict, want: http.StatusConflict},
		{name: "payment", err: domain.ErrInsufficientPayment, want: http.StatusPaymentRequired},
		{name: "persistence", err: domain.WrapError(domain.KindPersistence, "commit failed", errors.New("conn reset")), want: http.StatusServiceUnavailable},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusForError(tt.err); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestGetSaleHandler(t *testing.T) {
	saleID := uuid.New()
	repo := &saleRepoStub{sales: map[uuid.UUID]*domain.Sale{
		saleID: {ID: saleID, ReceiptNumber: "RCP-20261014-0001", TotalAmount: 4860, Status: domain.SaleCompleted, CreatedAt: time.Now()},
	}}
	router := newTestRouter(repo)

	t.Run("found", func(t *testing.T) {
		rec, _ := doRequest(t, router, http.MethodGet, "/sales/"+saleID.String(), "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var sale domain.Sale
		if err := json.Unmarshal(rec.Body.Bytes(), &sale); err != nil {
			t.Fatalf("decode sale: %v", err)
		}
		if sale.ReceiptNumber != "RCP-20261014-0001" || sale.TotalAmount != 4860 {
			t.Fatalf("expected the stored sale, got %+v", sale)
		}
	})

	t.Run("not found", func(t *testing.T) {
		rec, body := doRequest(t, router, http.MethodGet, "/sales/"+uuid.NewString(), "", "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
		if body.Retryable {
			t.Fatalf("expected not-found to be non-retryable")
		}
	})

	t.Run("bad id", func(t *testing.T) {
		rec, _ := doRequest(t, router, http.MethodGet, "/sales/not-a-uuid", "", "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestCompleteSaleHandler_RejectsBadBodies(t *testing.T) {
	router := newTestRouter(&saleRepoStub{})

	tests := []struct {
		name string
		body string
		kind string
	}{
		{name: "malformed json", body: `{"items":`},
		{name: "unknown field", body: `{"items":[],"payment_method":"CARD","tip":100}`},
		{name: "empty cart", body: `{"items":[],"payment_method":"CARD"}`, kind: string(domain.KindValidation)},
		{name: "bad payment method", body: `{"items":[{"product_id":"` + uuid.NewString() + `","quantity":1}],"payment_method":"IOU"}`, kind: string(domain.KindValidation)},
		{name: "negative points", body: `{"items":[{"product_id":"` + uuid.NewString() + `","quantity":1}],"payment_method":"CARD","loyalty_points_to_redeem":-5}`, kind: string(domain.KindValidation)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := doRequest(t, router, http.MethodPost, "/sales", tt.body, "")
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
			}
			if body.Kind != tt.kind {
				t.Fatalf("expected kind %q, got %q", tt.kind, body.Kind)
			}
		})
	}
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	repo := &saleRepoStub{codes: []domain.DiscountCode{
		{ID: uuid.New(), Code: "TENOFF", IsActive: true},
		{ID: uuid.New(), Code: "OLD", IsActive: false},
	}}
	router := newTestRouter(repo)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{name: "refund", method: http.MethodPost, path: "/sales/" + uuid.NewString() + "/refund", body: `{"reason":"spilled"}`},
		{name: "list codes", method: http.MethodGet, path: "/discount-codes"},
		{name: "create campaign", method: http.MethodPost, path: "/campaigns", body: `{}`},
		{name: "bonus points", method: http.MethodPost, path: "/customers/" + uuid.NewString() + "/loyalty/bonus", body: `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := doRequest(t, router, tt.method, tt.path, tt.body, "cashier")
			if rec.Code != http.StatusForbidden {
				t.Fatalf("expected 403, got %d", rec.Code)
			}
		})
	}

	t.Run("admin lists active codes", func(t *testing.T) {
		rec, _ := doRequest(t, router, http.MethodGet, "/discount-codes?active=true", "", "admin")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body struct {
			Codes []domain.DiscountCode `json:"codes"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode codes: %v", err)
		}
		if len(body.Codes) != 1 || body.Codes[0].Code != "TENOFF" {
			t.Fatalf("expected only TENOFF, got %+v", body.Codes)
		}
	})

	t.Run("admin bad active flag", func(t *testing.T) {
		rec, _ := doRequest(t, router, http.MethodGet, "/discount-codes?active=maybe", "", "admin")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestLoyaltyHandlers(t *testing.T) {
	customerID := uuid.New()
	repo := &saleRepoStub{customers: map[uuid.UUID]*domain.Customer{
		customerID: {ID: customerID, LoyaltyPoints: 120, LoyaltyTier: domain.TierBronze},
	}}
	router := newTestRouter(repo)

	t.Run("summary", func(t *testing.T) {
		rec, _ := doRequest(t, router, http.MethodGet, "/customers/"+customerID.String()+"/loyalty", "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var summary domain.LoyaltySummary
		if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
			t.Fatalf("decode summary: %v", err)
		}
		if summary.LoyaltyPoints != 120 {
			t.Fatalf("expected balance 120, got %d", summary.LoyaltyPoints)
		}
	})

	t.Run("unknown customer", func(t *testing.T) {
		rec, _ := doRequest(t, router, http.MethodGet, "/customers/"+uuid.NewString()+"/loyalty", "", "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("bad history limit", func(t *testing.T) {
		rec, _ := doRequest(t, router, http.MethodGet, "/customers/"+customerID.String()+"/loyalty/history?limit=zero", "", "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("bonus with earned type", func(t *testing.T) {
		rec, body := doRequest(t, router, http.MethodPost, "/customers/"+customerID.String()+"/loyalty/bonus",
			`{"points":50,"type":"EARNED","description":"manual"}`, "admin")
		if rec.Code != http.StatusBadRequest || body.Kind != string(domain.KindValidation) {
			t.Fatalf("expected 400 validation, got %d kind=%q", rec.Code, body.Kind)
		}
	})
}

func TestDailySummaryHandler_BadDate(t *testing.T) {
	router := newTestRouter(&saleRepoStub{})
	rec, _ := doRequest(t, router, http.MethodGet, "/sales/summary?date=14-10-2026", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	router := SaleRoutes(NewSaleHandlers(nil), func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "healthy" {
		t.Fatalf("expected 200 healthy without auth, got %d %q", rec.Code, rec.Body.String())
	}
}
