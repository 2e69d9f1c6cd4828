/**
 * @description
 * This file sets up the HTTP router for the settlement-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and applies
 * middleware for authentication, logging, and recovery. The webhook endpoint is
 * deliberately outside the authenticated group: it carries its own HMAC
 * signature check.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for the operator dashboard.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RoleSettle is the token role required to move money.
const RoleSettle = "claims:settle"

// SettlementRoutes creates and returns the router for the settlement service.
func SettlementRoutes(h *SettlementHandlers, wh *WebhookHandler, jwtSecret string, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	// Standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Processor callbacks authenticate with the signature header, not a token.
	r.Post("/webhooks/paystack", wh.HandleWebhook)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret))

		// Read endpoints.
		r.Get("/settlements/{claimID}", h.GetSettlementHandler)
		r.Get("/settlements/{claimID}/actions", h.ListSettlementActionsHandler)
		r.Get("/transfers/{transferCode}", h.GetTransferStatusHandler)
		r.Get("/payments/verify/{reference}", h.VerifyPaymentHandler)

		// Money-moving endpoints additionally require the settle role.
		r.Group(func(r chi.Router) {
			r.Use(RequireRole(RoleSettle))
			r.Post("/settlements/{claimID}/initiate", h.InitiateSettlementHandler)
			r.Post("/settlements/{claimID}/retry", h.RetrySettlementHandler)
		})
	})

	return r
}
