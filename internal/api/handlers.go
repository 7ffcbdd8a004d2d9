/**
 * @description
 * This file contains the HTTP handlers for the sale-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - github.com/go-playground/validator/v10: request DTO validation.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cafepos/sale-service/internal/app"
	"github.com/cafepos/sale-service/internal/domain"
	"github.com/cafepos/sale-service/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

// SaleHandlers holds the application service that handlers will use.
type SaleHandlers struct {
	service  *app.Service
	validate *validator.Validate
}

// NewSaleHandlers creates a new instance of SaleHandlers.
func NewSaleHandlers(service *app.Service) *SaleHandlers {
	return &SaleHandlers{service: service, validate: validator.New()}
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Rule      string `json:"rule,omitempty"`
	Retryable bool   `json:"retryable"`
}

// CompleteSaleHandler prices and commits a sale.
func (h *SaleHandlers) CompleteSaleHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSaleRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.OperatorID, _ = GetOperatorID(r.Context())

	sale, err := h.service.CompleteSale(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "complete_sale", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, sale)
}

// GetSaleHandler returns a sale with its items.
func (h *SaleHandlers) GetSaleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	sale, err := h.service.GetSale(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "get_sale", err)
		return
	}
	h.writeJSON(w, http.StatusOK, sale)
}

// RefundSaleHandler moves a completed sale to REFUNDED.
func (h *SaleHandlers) RefundSaleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req domain.RefundSaleRequest
	if !h.decode(w, r, &req) {
		return
	}

	sale, err := h.service.RefundSale(r.Context(), id, req.Reason)
	if err != nil {
		h.writeServiceError(w, "refund_sale", err)
		return
	}
	operatorID, _ := GetOperatorID(r.Context())
	log.Printf("level=info component=api endpoint=refund_sale outcome=success sale_id=%s operator_id=%s", id, operatorID)
	h.writeJSON(w, http.StatusOK, sale)
}

// DailySummaryHandler aggregates completed sales for ?date=YYYY-MM-DD (UTC, default today).
func (h *SaleHandlers) DailySummaryHandler(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "date must be formatted as YYYY-MM-DD")
			return
		}
		day = parsed
	}

	summary, err := h.service.GetDailySummary(r.Context(), day)
	if err != nil {
		h.writeServiceError(w, "daily_summary", err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// ValidateDiscountHandler resolves a code against a cart without redeeming it.
func (h *SaleHandlers) ValidateDiscountHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CartRequest
	if !h.decode(w, r, &req) {
		return
	}
	operatorID, _ := GetOperatorID(r.Context())

	verdict, err := h.service.ValidateDiscountCode(r.Context(), operatorID, req)
	if err != nil {
		h.writeServiceError(w, "validate_discount", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "verdict": verdict})
}

// ApplicableCampaignsHandler lists the campaigns a cart qualifies for, best first.
func (h *SaleHandlers) ApplicableCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CartRequest
	if !h.decode(w, r, &req) {
		return
	}
	candidates, err := h.service.FindApplicableCampaigns(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "applicable_campaigns", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"campaigns": candidates})
}

// LoyaltySummaryHandler returns a customer's balance, tier and next tier.
func (h *SaleHandlers) LoyaltySummaryHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	summary, err := h.service.GetLoyaltySummary(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "loyalty_summary", err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// LoyaltyHistoryHandler returns the ledger rows, most recent first.
func (h *SaleHandlers) LoyaltyHistoryHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	history, err := h.service.GetLoyaltyHistory(r.Context(), id, limit)
	if err != nil {
		h.writeServiceError(w, "loyalty_history", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": history})
}

// AwardBonusHandler credits BONUS, SIGNUP_BONUS or REFERRAL_BONUS points.
func (h *SaleHandlers) AwardBonusHandler(w http.ResponseWriter, r *http.Request) {
	h.postLoyalty(w, r, func(req *domain.AwardPointsRequest) error {
		if req.Type == "" {
			req.Type = domain.LoyaltyBonus
		}
		if !req.Type.IsBonus() {
			return domain.Validationf("type must be BONUS, SIGNUP_BONUS or REFERRAL_BONUS")
		}
		return nil
	})
}

// AdjustPointsHandler posts a signed ADJUSTED entry.
func (h *SaleHandlers) AdjustPointsHandler(w http.ResponseWriter, r *http.Request) {
	h.postLoyalty(w, r, func(req *domain.AwardPointsRequest) error {
		req.Type = domain.LoyaltyAdjusted
		return nil
	})
}

func (h *SaleHandlers) postLoyalty(w http.ResponseWriter, r *http.Request, prepare func(*domain.AwardPointsRequest) error) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req domain.AwardPointsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := prepare(&req); err != nil {
		h.writeServiceError(w, "loyalty_post", err)
		return
	}

	outcome, err := h.service.AwardPoints(r.Context(), id, req)
	if err != nil {
		h.writeServiceError(w, "loyalty_post", err)
		return
	}
	h.writeJSON(w, http.StatusOK, outcome)
}

// decode reads a JSON body into dst and runs its validate tags.
func (h *SaleHandlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeServiceError(w, "decode", domain.Validationf("%s", describeValidation(err)))
		return false
	}
	return true
}

func (h *SaleHandlers) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

// describeValidation turns validator errors into one operator-readable line.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s is %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// statusForError maps service errors to HTTP status codes.
func statusForError(err error) int {
	var rateErr *app.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrSaleNotFound), errors.Is(err, store.ErrCustomerNotFound),
		errors.Is(err, store.ErrDiscountCodeNotFound), errors.Is(err, store.ErrCampaignNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateDiscountCode), errors.Is(err, store.ErrInvalidStatusChange):
		return http.StatusConflict
	}

	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotEligible, domain.KindInsufficientPoints:
		return http.StatusUnprocessableEntity
	case domain.KindUsageExhausted, domain.KindConcurrencyConflict:
		return http.StatusConflict
	case domain.KindInsufficientPayment:
		return http.StatusPaymentRequired
	case domain.KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *SaleHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status := statusForError(err)
	body := errorResponse{
		Error:     err.Error(),
		Kind:      string(domain.KindOf(err)),
		Rule:      domain.RuleOf(err),
		Retryable: domain.Retryable(err),
	}

	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		body.Kind = "rate_limited"
		body.Retryable = true
	}

	if status >= http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=error status=%d err=%v", endpoint, status, err)
		if status == http.StatusInternalServerError {
			body.Error = "Internal server error"
		}
	} else {
		log.Printf("level=warn component=api endpoint=%s outcome=reject status=%d kind=%s rule=%q", endpoint, status, body.Kind, body.Rule)
	}
	h.writeJSON(w, status, body)
}

// writeJSON is a helper for writing JSON responses.
func (h *SaleHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *SaleHandlers) writeError(w http.ResponseWriter, status int, message string) {
	writeErrorBody(w, status, message)
}

func writeErrorBody(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message})
}
