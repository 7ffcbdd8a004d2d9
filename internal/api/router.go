/**
 * @description
 * This file sets up the HTTP router for the sale-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for the terminal UI.
 */

package api

import (
	"net/http"
	"time"

	"github.com/cafepos/sale-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SaleRoutes creates and returns a new router for the sale service. auth is applied to every
// route except /health.
func SaleRoutes(h *SaleHandlers, auth func(http.Handler) http.Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth)

		r.Post("/sales", h.CompleteSaleHandler)
		r.Get("/sales/summary", h.DailySummaryHandler)
		r.Get("/sales/{id}", h.GetSaleHandler)
		r.Post("/discounts/validate", h.ValidateDiscountHandler)
		r.Post("/campaigns/applicable", h.ApplicableCampaignsHandler)
		r.Get("/customers/{id}/loyalty", h.LoyaltySummaryHandler)
		r.Get("/customers/{id}/loyalty/history", h.LoyaltyHistoryHandler)

		// Administration.
		r.Group(func(r chi.Router) {
			r.Use(RequireRole(RoleAdmin))

			r.Post("/sales/{id}/refund", h.RefundSaleHandler)
			r.Post("/customers/{id}/loyalty/bonus", h.AwardBonusHandler)
			r.Post("/customers/{id}/loyalty/adjust", h.AdjustPointsHandler)

			r.Route("/discount-codes", func(r chi.Router) {
				r.Post("/", h.CreateDiscountCodeHandler)
				r.Get("/", h.ListDiscountCodesHandler)
				r.Get("/stats", h.DiscountCodeStatsHandler)
				r.Post("/bulk", h.CreateBulkDiscountCodesHandler)
				r.Post("/personalized", h.CreatePersonalizedCodesHandler)
				r.Get("/{code}", h.GetDiscountCodeHandler)
				r.Post("/{id}/toggle", h.ToggleDiscountCodeHandler)
				r.Post("/{id}/reverse-usage", h.ReverseDiscountCodeUsageHandler)
			})

			r.Route("/campaigns", func(r chi.Router) {
				r.Post("/", h.CreateCampaignHandler)
				r.Get("/", h.ListCampaignsHandler)
				r.Get("/{id}", h.GetCampaignHandler)
				r.Post("/{id}/activate", h.CampaignTransitionHandler(domain.CampaignActive))
				r.Post("/{id}/pause", h.CampaignTransitionHandler(domain.CampaignPaused))
				r.Post("/{id}/cancel", h.CampaignTransitionHandler(domain.CampaignCancelled))
			})
		})
	})

	return r
}
