package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/festpay/webhook-gateway/internal/models"
	"github.com/festpay/webhook-gateway/internal/store"
)

// CreateIntegrationRequest represents the onboarding request
type CreateIntegrationRequest struct {
	Provider        string `json:"provider" validate:"required,oneof=stripe square komoju paypal bank_transfer"`
	AccountID       string `json:"account_id" validate:"required,max=255"`
	SigningSecret   string `json:"signing_secret" validate:"required,max=512"`
	NotificationURL string `json:"notification_url" validate:"omitempty,url"`
	FestivalID      int64  `json:"festival_id" validate:"required,gt=0"`
	UserID          int64  `json:"user_id" validate:"required,gt=0"`
}

// CreateSubscriberRequest registers an outbound webhook endpoint
type CreateSubscriberRequest struct {
	URL        string   `json:"url" validate:"required,url"`
	Secret     string   `json:"secret" validate:"required,min=16"`
	EventNames []string `json:"event_names" validate:"dive,oneof=payment.pending payment.processing payment.completed payment.failed payment.canceled payment.refunded"`
}

// CreateIntegration handles POST /internal/integrations
func (h *Handler) CreateIntegration(w http.ResponseWriter, r *http.Request) {
	var req CreateIntegrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	kind, _ := models.ParseProviderKind(req.Provider)
	integ := &models.PaymentIntegration{
		Provider:        kind,
		AccountID:       req.AccountID,
		SigningSecret:   req.SigningSecret,
		NotificationURL: req.NotificationURL,
		FestivalID:      req.FestivalID,
		UserID:          req.UserID,
	}

	if err := h.store.CreateIntegration(r.Context(), integ); err != nil {
		if errors.Is(err, store.ErrConflict) {
			respondError(w, http.StatusConflict, "An active integration already exists for this account")
			return
		}
		h.logger.Error("Failed to create integration", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to create integration")
		return
	}

	h.logger.Info("Integration created",
		zap.String("integration_id", integ.ID.String()),
		zap.String("provider", string(integ.Provider)),
		zap.String("account_id", integ.AccountID),
	)
	respondJSON(w, http.StatusCreated, integ)
}

// DeactivateIntegration handles POST /internal/integrations/{id}/deactivate
func (h *Handler) DeactivateIntegration(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid integration id")
		return
	}

	integ, err := h.store.DeactivateIntegration(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Integration not found")
			return
		}
		h.logger.Error("Failed to deactivate integration", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to deactivate integration")
		return
	}

	h.logger.Info("Integration deactivated", zap.String("integration_id", id.String()))
	respondJSON(w, http.StatusOK, integ)
}

// CreateSubscriber handles POST /internal/subscribers
func (h *Handler) CreateSubscriber(w http.ResponseWriter, r *http.Request) {
	var req CreateSubscriberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	sub := &models.Subscriber{URL: req.URL, Secret: req.Secret, EventNames: req.EventNames}
	if err := h.store.CreateSubscriber(r.Context(), sub); err != nil {
		h.logger.Error("Failed to create subscriber", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to create subscriber")
		return
	}

	respondJSON(w, http.StatusCreated, sub)
}

// GetTransaction handles GET /internal/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}

	txn, err := h.store.GetTransaction(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		h.logger.Error("Failed to load transaction", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to load transaction")
		return
	}

	respondJSON(w, http.StatusOK, txn)
}
