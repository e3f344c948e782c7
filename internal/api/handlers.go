/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/corepay/ledger-service/internal/app"
	"github.com/corepay/ledger-service/internal/domain"
	"github.com/corepay/ledger-service/internal/provider"
	"github.com/corepay/ledger-service/internal/store"
)

// LedgerHandlers holds the application service and request guards the
// handlers use.
type LedgerHandlers struct {
	service        *app.Service
	drivers        *provider.Registry
	idempotency    app.IdempotencyStore
	idempotencyTTL time.Duration
	timestampSkew  time.Duration
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service, drivers *provider.Registry, idempotency app.IdempotencyStore, idempotencyTTL, timestampSkew time.Duration) *LedgerHandlers {
	return &LedgerHandlers{
		service:        service,
		drivers:        drivers,
		idempotency:    idempotency,
		idempotencyTTL: idempotencyTTL,
		timestampSkew:  timestampSkew,
	}
}

// guardMutation enforces the idempotency key and clock-drift rules on a
// mutating endpoint and returns the raw body plus the claimed key. fresh=false
// with ok=true means the request is a replay the caller should acknowledge
// without acting on.
func (h *LedgerHandlers) guardMutation(w http.ResponseWriter, r *http.Request) (body []byte, key string, fresh, ok bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "Unable to read request body")
		return nil, "", false, false
	}

	if ts := r.Header.Get("x-timestamp"); ts != "" {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "x-timestamp must be a unix timestamp in seconds")
			return nil, "", false, false
		}
		drift := time.Since(time.Unix(unix, 0))
		if drift < 0 {
			drift = -drift
		}
		if drift > h.timestampSkew {
			h.writeError(w, http.StatusBadRequest, "stale_timestamp", app.ErrStaleTimestamp.Error())
			return nil, "", false, false
		}
	}

	key = r.Header.Get("x-idempotent-key")
	fresh, err = app.CheckIdempotency(r.Context(), h.idempotency, key, body, h.idempotencyTTL)
	if err != nil {
		if errors.Is(err, app.ErrMissingIdempotencyKey) {
			h.writeError(w, http.StatusForbidden, "idempotency_key_required", "x-idempotent-key header is required")
			return nil, "", false, false
		}
		if errors.Is(err, app.ErrIdempotencyConflict) {
			h.writeError(w, http.StatusConflict, "idempotency_conflict", "Idempotency key was already used with a different payload")
			return nil, "", false, false
		}
		log.Printf("level=error component=api msg=\"idempotency check failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Unable to verify request idempotency")
		return nil, "", false, false
	}
	return body, key, fresh, true
}

// releaseClaim frees an idempotency key whose operation did not complete. A
// replay after a failure must be processed, not acknowledged as a duplicate.
func (h *LedgerHandlers) releaseClaim(ctx context.Context, key string) {
	if err := h.idempotency.Release(ctx, key); err != nil {
		log.Printf("level=error component=api msg=\"failed to release idempotency claim\" key=%s err=%v", key, err)
	}
}

// CreateTransactionHandler records a new payment intent. Duplicate submissions
// are caught by the reference uniqueness constraint, so the idempotency guard
// is not applied here.
func (h *LedgerHandlers) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body")
		return
	}

	txn, err := h.service.CreateTransaction(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "create_transaction", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, txn)
}

// WalletTransferHandler moves wallet funds to an external bank account.
func (h *LedgerHandlers) WalletTransferHandler(w http.ResponseWriter, r *http.Request) {
	body, key, fresh, ok := h.guardMutation(w, r)
	if !ok {
		return
	}
	if !fresh {
		h.writeJSON(w, http.StatusOK, map[string]string{"message": "Duplicate request acknowledged"})
		return
	}

	var req domain.WalletTransferRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.releaseClaim(r.Context(), key)
		h.writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body")
		return
	}

	txn, err := h.service.WalletTransfer(r.Context(), req)
	if err != nil {
		h.releaseClaim(r.Context(), key)
		h.writeServiceError(w, "wallet_transfer", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, txn)
}

// WalletWithdrawHandler moves wallet funds to the business's registered
// settlement bank account.
func (h *LedgerHandlers) WalletWithdrawHandler(w http.ResponseWriter, r *http.Request) {
	body, key, fresh, ok := h.guardMutation(w, r)
	if !ok {
		return
	}
	if !fresh {
		h.writeJSON(w, http.StatusOK, map[string]string{"message": "Duplicate request acknowledged"})
		return
	}

	var req domain.WalletWithdrawRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.releaseClaim(r.Context(), key)
		h.writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body")
		return
	}

	txn, err := h.service.WalletWithdraw(r.Context(), req)
	if err != nil {
		h.releaseClaim(r.Context(), key)
		h.writeServiceError(w, "wallet_withdraw", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, txn)
}

// GetTransactionHandler returns a transaction by reference.
func (h *LedgerHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	txn, err := h.service.GetTransaction(r.Context(), reference)
	if err != nil {
		h.writeServiceError(w, "get_transaction", err)
		return
	}
	h.writeJSON(w, http.StatusOK, txn)
}

// VerifyTransactionHandler polls the rail for the authoritative status.
func (h *LedgerHandlers) VerifyTransactionHandler(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	txn, err := h.service.VerifyTransaction(r.Context(), reference)
	if err != nil {
		h.writeServiceError(w, "verify_transaction", err)
		return
	}
	h.writeJSON(w, http.StatusOK, txn)
}

// CancelTransactionHandler aborts a non-terminal transaction.
func (h *LedgerHandlers) CancelTransactionHandler(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	txn, err := h.service.CancelTransaction(r.Context(), reference)
	if err != nil {
		h.writeServiceError(w, "cancel_transaction", err)
		return
	}
	h.writeJSON(w, http.StatusOK, txn)
}

// GetWalletHandler returns a business's wallet balance.
func (h *LedgerHandlers) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	businessID, err := uuid.Parse(chi.URLParam(r, "businessID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid business id")
		return
	}
	wallet, err := h.service.GetWallet(r.Context(), businessID)
	if err != nil {
		h.writeServiceError(w, "get_wallet", err)
		return
	}
	h.writeJSON(w, http.StatusOK, wallet)
}

// CreateRefundHandler opens a refund against a transaction.
func (h *LedgerHandlers) CreateRefundHandler(w http.ResponseWriter, r *http.Request) {
	body, key, fresh, ok := h.guardMutation(w, r)
	if !ok {
		return
	}
	if !fresh {
		h.writeJSON(w, http.StatusOK, map[string]string{"message": "Duplicate request acknowledged"})
		return
	}

	var req domain.CreateRefundRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.releaseClaim(r.Context(), key)
		h.writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body")
		return
	}

	refund, err := h.service.CreateRefund(r.Context(), req)
	if err != nil {
		h.releaseClaim(r.Context(), key)
		h.writeServiceError(w, "create_refund", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, refund)
}

// GetRefundHandler returns a refund by id.
func (h *LedgerHandlers) GetRefundHandler(w http.ResponseWriter, r *http.Request) {
	refundID, err := uuid.Parse(chi.URLParam(r, "refundID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid refund id")
		return
	}
	refund, err := h.service.GetRefund(r.Context(), refundID)
	if err != nil {
		h.writeServiceError(w, "get_refund", err)
		return
	}
	h.writeJSON(w, http.StatusOK, refund)
}

// CreateChargebackHandler opens a dispute on behalf of the issuing side.
func (h *LedgerHandlers) CreateChargebackHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateChargebackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body")
		return
	}
	cb, err := h.service.CreateChargeback(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "create_chargeback", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, cb)
}

// AcceptChargebackHandler concedes a pending dispute.
func (h *LedgerHandlers) AcceptChargebackHandler(w http.ResponseWriter, r *http.Request) {
	chargebackID, err := uuid.Parse(chi.URLParam(r, "chargebackID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid chargeback id")
		return
	}
	cb, err := h.service.AcceptChargeback(r.Context(), chargebackID)
	if err != nil {
		h.writeServiceError(w, "accept_chargeback", err)
		return
	}
	h.writeJSON(w, http.StatusOK, cb)
}

// DeclineChargebackHandler contests a pending dispute with evidence.
func (h *LedgerHandlers) DeclineChargebackHandler(w http.ResponseWriter, r *http.Request) {
	chargebackID, err := uuid.Parse(chi.URLParam(r, "chargebackID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid chargeback id")
		return
	}
	var req domain.DeclineChargebackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body")
		return
	}
	cb, err := h.service.DeclineChargeback(r.Context(), chargebackID, req)
	if err != nil {
		h.writeServiceError(w, "decline_chargeback", err)
		return
	}
	h.writeJSON(w, http.StatusOK, cb)
}

// GetChargebackHandler returns a chargeback by id.
func (h *LedgerHandlers) GetChargebackHandler(w http.ResponseWriter, r *http.Request) {
	chargebackID, err := uuid.Parse(chi.URLParam(r, "chargebackID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid chargeback id")
		return
	}
	cb, err := h.service.GetChargeback(r.Context(), chargebackID)
	if err != nil {
		h.writeServiceError(w, "get_chargeback", err)
		return
	}
	h.writeJSON(w, http.StatusOK, cb)
}

// RunSettlementHandler triggers the settlement run for the period named in
// the URL.
func (h *LedgerHandlers) RunSettlementHandler(w http.ResponseWriter, r *http.Request) {
	periodKey := chi.URLParam(r, "periodKey")
	report, err := h.service.RunSettlement(r.Context(), periodKey)
	if err != nil {
		h.writeServiceError(w, "run_settlement", err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// GetSettlementHandler returns the settlement and its groups for a period.
func (h *LedgerHandlers) GetSettlementHandler(w http.ResponseWriter, r *http.Request) {
	periodKey := chi.URLParam(r, "periodKey")
	settlement, groups, err := h.service.GetSettlement(r.Context(), periodKey)
	if err != nil {
		h.writeServiceError(w, "get_settlement", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"settlement": settlement,
		"groups":     groups,
	})
}

// WebhookHandler receives provider callbacks. The driver verifies the
// signature before any field is trusted; an unverifiable payload is rejected,
// while a verified event that matches nothing we own is acknowledged and
// logged so the vendor does not retry it forever.
func (h *LedgerHandlers) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	driver, err := h.drivers.Resolve(providerName)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "unknown_provider", "Unknown provider")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "Unable to read request body")
		return
	}

	event, err := driver.ParseWebhook(body, r.Header.Get("X-Signature"))
	if err != nil {
		if errors.Is(err, provider.ErrSignature) {
			log.Printf("level=warn component=api endpoint=webhook outcome=reject reason=bad_signature provider=%s", providerName)
			h.writeError(w, http.StatusUnauthorized, "signature_error", "Signature verification failed")
			return
		}
		h.writeError(w, http.StatusBadRequest, "bad_request", "Unable to parse webhook payload")
		return
	}

	if err := h.service.ApplyProviderEvent(r.Context(), event); err != nil {
		if errors.Is(err, app.ErrOrphanWebhook) {
			log.Printf("level=warn component=api endpoint=webhook outcome=orphan provider=%s reference=%s", providerName, event.Reference)
			h.writeJSON(w, http.StatusOK, map[string]string{"message": "Acknowledged"})
			return
		}
		if errors.Is(err, app.ErrConflict) || errors.Is(err, app.ErrReconciliation) || errors.Is(err, app.ErrInvalidState) {
			// The event is authentic but disagrees with the ledger. Acknowledge
			// so the vendor stops retrying; the disagreement is logged for
			// reconciliation.
			log.Printf("level=error component=api endpoint=webhook outcome=disagreement provider=%s reference=%s err=%v", providerName, event.Reference, err)
			h.writeJSON(w, http.StatusOK, map[string]string{"message": "Acknowledged"})
			return
		}
		log.Printf("level=error component=api endpoint=webhook outcome=error provider=%s reference=%s err=%v", providerName, event.Reference, err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Unable to process webhook")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "Processed"})
}

// writeServiceError maps service errors onto HTTP statuses and error codes.
func (h *LedgerHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	switch {
	case errors.Is(err, app.ErrValidation):
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, store.ErrInsufficientFunds):
		h.writeError(w, http.StatusUnprocessableEntity, "insufficient_funds", err.Error())
	case errors.Is(err, app.ErrInvalidState):
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_state", err.Error())
	case errors.Is(err, app.ErrAlreadyRunning):
		h.writeError(w, http.StatusConflict, "already_running", err.Error())
	case errors.Is(err, app.ErrConflict),
		errors.Is(err, app.ErrReconciliation),
		errors.Is(err, store.ErrDuplicateReference):
		h.writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, store.ErrBusinessNotFound),
		errors.Is(err, store.ErrWalletNotFound),
		errors.Is(err, store.ErrProviderNotFound),
		errors.Is(err, store.ErrTransactionNotFound),
		errors.Is(err, store.ErrRefundNotFound),
		errors.Is(err, store.ErrChargebackNotFound),
		errors.Is(err, store.ErrSettlementNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, provider.ErrUnknownProvider):
		h.writeError(w, http.StatusBadRequest, "unknown_provider", err.Error())
	case errors.Is(err, provider.ErrTimeout):
		h.writeError(w, http.StatusGatewayTimeout, "provider_timeout", err.Error())
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"unhandled service error\" err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// errorEnvelope is the structured error body every endpoint returns.
type errorEnvelope struct {
	Error   string   `json:"error"`
	Errors  []string `json:"errors"`
	Message string   `json:"message"`
	Status  int      `json:"status"`
}

// writeError writes a structured error response.
func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, errorEnvelope{
		Error:   code,
		Errors:  []string{},
		Message: message,
		Status:  status,
	})
}
