/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// LedgerRoutes creates and returns a new router for the ledger service.
func LedgerRoutes(h *LedgerHandlers, jwksURL, internalAPIKey string, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Provider callbacks authenticate by signature, not by JWT.
	r.Post("/providers/{provider}", h.WebhookHandler)

	// Merchant-facing routes require a platform JWT.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		r.Post("/transactions", h.CreateTransactionHandler)
		r.Get("/transactions/{reference}", h.GetTransactionHandler)
		r.Post("/transactions/{reference}/verify", h.VerifyTransactionHandler)
		r.Post("/transactions/{reference}/cancel", h.CancelTransactionHandler)

		r.Post("/wallets/transfer", h.WalletTransferHandler)
		r.Post("/wallets/withdraw", h.WalletWithdrawHandler)
		r.Get("/wallets/{businessID}", h.GetWalletHandler)

		r.Post("/refunds", h.CreateRefundHandler)
		r.Get("/refunds/{refundID}", h.GetRefundHandler)
	})

	// Internal platform routes are guarded by the shared service key.
	r.Group(func(r chi.Router) {
		r.Use(InternalOnlyMiddleware(internalAPIKey))

		r.Post("/chargebacks", h.CreateChargebackHandler)
		r.Get("/chargebacks/{chargebackID}", h.GetChargebackHandler)
		r.Post("/chargebacks/{chargebackID}/accept", h.AcceptChargebackHandler)
		r.Post("/chargebacks/{chargebackID}/decline", h.DeclineChargebackHandler)
		r.Post("/settlements/run/{periodKey}", h.RunSettlementHandler)
		r.Get("/settlements/{periodKey}", h.GetSettlementHandler)
	})

	return r
}
