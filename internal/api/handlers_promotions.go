package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/cafepos/sale-service/internal/domain"
	"github.com/go-chi/chi/v5"
)

// CreateDiscountCodeHandler stores a new code.
func (h *SaleHandlers) CreateDiscountCodeHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateDiscountCodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	code, err := h.service.CreateDiscountCode(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "create_discount_code", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, code)
}

// CreateBulkDiscountCodesHandler issues count codes from one template.
func (h *SaleHandlers) CreateBulkDiscountCodesHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.BulkDiscountCodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	codes, err := h.service.CreateBulkDiscountCodes(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "bulk_discount_codes", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"codes": codes, "count": len(codes)})
}

// CreatePersonalizedCodesHandler issues one customer-bound code per customer.
func (h *SaleHandlers) CreatePersonalizedCodesHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.PersonalizedCodesRequest
	if !h.decode(w, r, &req) {
		return
	}
	codes, err := h.service.CreatePersonalizedCodes(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "personalized_discount_codes", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"codes": codes, "count": len(codes)})
}

// ListDiscountCodesHandler lists codes; ?active=true keeps only active ones.
func (h *SaleHandlers) ListDiscountCodesHandler(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if raw := r.URL.Query().Get("active"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "active must be true or false")
			return
		}
		activeOnly = parsed
	}
	codes, err := h.service.ListDiscountCodes(r.Context(), activeOnly)
	if err != nil {
		h.writeServiceError(w, "list_discount_codes", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"codes": codes})
}

// GetDiscountCodeHandler looks a code up by its text.
func (h *SaleHandlers) GetDiscountCodeHandler(w http.ResponseWriter, r *http.Request) {
	code, err := h.service.GetDiscountCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeServiceError(w, "get_discount_code", err)
		return
	}
	h.writeJSON(w, http.StatusOK, code)
}

// ToggleDiscountCodeHandler flips the active flag.
func (h *SaleHandlers) ToggleDiscountCodeHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	code, err := h.service.ToggleDiscountCode(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "toggle_discount_code", err)
		return
	}
	h.writeJSON(w, http.StatusOK, code)
}

// ReverseDiscountCodeUsageHandler undoes one redemption.
func (h *SaleHandlers) ReverseDiscountCodeUsageHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	code, err := h.service.ReverseDiscountCodeUsage(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "reverse_discount_usage", err)
		return
	}
	h.writeJSON(w, http.StatusOK, code)
}

// DiscountCodeStatsHandler returns aggregate code counts.
func (h *SaleHandlers) DiscountCodeStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetDiscountCodeStats(r.Context())
	if err != nil {
		h.writeServiceError(w, "discount_code_stats", err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// CreateCampaignHandler stores a DRAFT campaign.
func (h *SaleHandlers) CreateCampaignHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCampaignRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.service.CreateCampaign(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "create_campaign", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, c)
}

// ListCampaignsHandler lists campaigns, optionally ?status=ACTIVE.
func (h *SaleHandlers) ListCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	var status *domain.CampaignStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		s := domain.CampaignStatus(strings.ToUpper(raw))
		status = &s
	}
	campaigns, err := h.service.ListCampaigns(r.Context(), status)
	if err != nil {
		h.writeServiceError(w, "list_campaigns", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"campaigns": campaigns})
}

// GetCampaignHandler returns one campaign.
func (h *SaleHandlers) GetCampaignHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	c, err := h.service.GetCampaign(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "get_campaign", err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// CampaignTransitionHandler returns a handler moving a campaign to next.
func (h *SaleHandlers) CampaignTransitionHandler(next domain.CampaignStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.uuidParam(w, r, "id")
		if !ok {
			return
		}
		c, err := h.service.TransitionCampaign(r.Context(), id, next)
		if err != nil {
			h.writeServiceError(w, "campaign_transition", err)
			return
		}
		h.writeJSON(w, http.StatusOK, c)
	}
}
