/**
 * @description
 * This file contains the HTTP handlers for the settlement-service's API
 * endpoints. Handlers parse incoming requests, call the appropriate methods on
 * the application service, and write the HTTP response. They act as the bridge
 * between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 * - pkg/paystackclient: For typed processor errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/coverly/settlement-service/internal/app"
	"github.com/coverly/settlement-service/internal/domain"
	"github.com/coverly/settlement-service/internal/store"
	"github.com/coverly/settlement-service/pkg/paystackclient"
	"github.com/google/uuid"
)

// SettlementHandlers holds the application service that handlers will use.
type SettlementHandlers struct {
	service *app.Service
}

// NewSettlementHandlers creates a new instance of SettlementHandlers.
func NewSettlementHandlers(service *app.Service) *SettlementHandlers {
	return &SettlementHandlers{service: service}
}

type initiateSettlementRequest struct {
	Amount    int64                    `json:"amount"`
	Reason    string                   `json:"reason,omitempty"`
	Reference string                   `json:"reference,omitempty"`
	Recipient *domain.RecipientDetails `json:"recipient,omitempty"`
}

type retrySettlementRequest struct {
	Reason string `json:"reason,omitempty"`
}

type transferStatusResponse struct {
	Settlement       domain.SettlementView `json:"settlement"`
	ProcessorStatus  string                `json:"processor_status"`
	ProcessorMessage string                `json:"processor_message,omitempty"`
}

// InitiateSettlementHandler handles requests to start the payout for an approved claim.
func (h *SettlementHandlers) InitiateSettlementHandler(w http.ResponseWriter, r *http.Request) {
	claimID, ok := h.claimIDParam(w, r)
	if !ok {
		return
	}

	var req initiateSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	operator, _ := GetAuthSubject(r.Context())
	log.Printf("level=info component=api op=initiate_settlement claim_id=%s operator=%s amount=%d", claimID, operator, req.Amount)

	claim, err := h.service.InitiateSettlement(r.Context(), claimID, domain.InitiateSettlementRequest{
		Amount:    req.Amount,
		Reason:    req.Reason,
		Reference: strings.TrimSpace(req.Reference),
		Recipient: req.Recipient,
	})
	if err != nil {
		h.writeServiceError(w, claimID, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, domain.ViewOf(claim))
}

// RetrySettlementHandler handles an explicit operator request to retry a failed payout.
func (h *SettlementHandlers) RetrySettlementHandler(w http.ResponseWriter, r *http.Request) {
	claimID, ok := h.claimIDParam(w, r)
	if !ok {
		return
	}

	var req retrySettlementRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	operator, _ := GetAuthSubject(r.Context())
	log.Printf("level=info component=api op=retry_settlement claim_id=%s operator=%s", claimID, operator)

	claim, err := h.service.RetrySettlement(r.Context(), claimID, req.Reason)
	if err != nil {
		h.writeServiceError(w, claimID, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, domain.ViewOf(claim))
}

// GetSettlementHandler returns the persisted settlement state for a claim.
func (h *SettlementHandlers) GetSettlementHandler(w http.ResponseWriter, r *http.Request) {
	claimID, ok := h.claimIDParam(w, r)
	if !ok {
		return
	}

	claim, err := h.service.GetSettlement(r.Context(), claimID)
	if err != nil {
		h.writeServiceError(w, claimID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, domain.ViewOf(claim))
}

// ListSettlementActionsHandler returns the append-only audit trail for a claim.
func (h *SettlementHandlers) ListSettlementActionsHandler(w http.ResponseWriter, r *http.Request) {
	claimID, ok := h.claimIDParam(w, r)
	if !ok {
		return
	}

	actions, err := h.service.ListSettlementActions(r.Context(), claimID)
	if err != nil {
		h.writeServiceError(w, claimID, err)
		return
	}
	if actions == nil {
		actions = []domain.PaymentActionLogEntry{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"claim_id": claimID,
		"actions":  actions,
	})
}

// GetTransferStatusHandler fetches the live transfer state from the processor.
func (h *SettlementHandlers) GetTransferStatusHandler(w http.ResponseWriter, r *http.Request) {
	transferCode := chi.URLParam(r, "transferCode")
	if transferCode == "" {
		h.writeError(w, http.StatusBadRequest, "Transfer code is required")
		return
	}

	claim, transfer, err := h.service.GetTransferStatus(r.Context(), transferCode)
	if err != nil {
		h.writeServiceError(w, uuid.Nil, err)
		return
	}

	h.writeJSON(w, http.StatusOK, transferStatusResponse{
		Settlement:       domain.ViewOf(claim),
		ProcessorStatus:  transfer.Data.Status,
		ProcessorMessage: transfer.Message,
	})
}

// VerifyPaymentHandler confirms an inbound charge with the processor.
func (h *SettlementHandlers) VerifyPaymentHandler(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	if reference == "" {
		h.writeError(w, http.StatusBadRequest, "Payment reference is required")
		return
	}

	verification, err := h.service.VerifyPayment(r.Context(), reference)
	if err != nil {
		h.writeServiceError(w, uuid.Nil, err)
		return
	}

	h.writeJSON(w, http.StatusOK, verification)
}

func (h *SettlementHandlers) claimIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	claimID, err := uuid.Parse(chi.URLParam(r, "claimID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid claim ID format")
		return uuid.Nil, false
	}
	return claimID, true
}

// writeServiceError maps service and store errors onto HTTP status codes.
func (h *SettlementHandlers) writeServiceError(w http.ResponseWriter, claimID uuid.UUID, err error) {
	var apiErr *paystackclient.ErrorResponse

	switch {
	case errors.Is(err, store.ErrClaimNotFound):
		h.writeError(w, http.StatusNotFound, "Claim not found")
	case errors.Is(err, store.ErrPaymentNotFound):
		h.writeError(w, http.StatusNotFound, "Payment not found")
	case errors.Is(err, store.ErrInvalidSettlementState):
		h.writeError(w, http.StatusConflict, "Settlement is not in a state that allows this operation")
	case errors.Is(err, app.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &apiErr):
		// The processor rejected the call; relay its message without retrying.
		h.writeError(w, http.StatusBadGateway, apiErr.Message)
	default:
		log.Printf("level=error component=api claim_id=%s err=%v", claimID, err)
		h.writeError(w, http.StatusInternalServerError, "An internal error occurred")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *SettlementHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *SettlementHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
