package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/festpay/webhook-gateway/internal/apperrors"
	"github.com/festpay/webhook-gateway/internal/models"
	"github.com/festpay/webhook-gateway/internal/provider"
	"github.com/festpay/webhook-gateway/internal/reconcile"
)

var errInvalidJSON = errors.New("body is not valid JSON")

// ProviderWebhook handles POST /webhooks/{provider}
func (h *Handler) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	kind, ok := models.ParseProviderKind(chi.URLParam(r, "provider"))
	if !ok {
		respondError(w, http.StatusNotFound, "Unknown provider")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.metrics.WebhookRequestsTotal.WithLabelValues(string(kind), "too_large").Inc()
			respondError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.logger.Error("Failed to read webhook body", zap.String("provider", string(kind)), zap.Error(err))
		respondError(w, http.StatusBadRequest, "Failed to read request")
		return
	}

	req := &provider.Request{
		Provider:   kind,
		Headers:    r.Header.Clone(),
		Body:       body,
		ReceivedAt: start.UTC(),
	}

	res, err := h.process(r.Context(), req)

	outcome := apperrors.KindOf(err).String()
	if res != nil && res.Outcome != "" {
		outcome = string(res.Outcome)
	} else if err == nil {
		outcome = string(models.OutcomeIgnored)
	}
	h.metrics.WebhookRequestsTotal.WithLabelValues(string(kind), outcome).Inc()
	h.metrics.WebhookRequestDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())

	if err != nil && !apperrors.Acknowledged(err) {
		status := apperrors.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Webhook processing failed", zap.String("provider", string(kind)), zap.Error(err))
			respondError(w, status, "Internal error")
			return
		}
		h.logger.Info("Webhook rejected",
			zap.String("provider", string(kind)),
			zap.Int("status", status),
			zap.Error(err),
		)
		respondError(w, status, apperrors.KindOf(err).String())
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// process runs verify, resolve, normalize, reconcile and dispatch for one
// delivery. Errors are classified; acknowledged kinds come back with a result.
func (h *Handler) process(ctx context.Context, req *provider.Request) (*reconcile.Result, error) {
	const op = "gateway.webhook"

	if !json.Valid(req.Body) {
		return nil, apperrors.E(apperrors.KindMalformedPayload, op, errInvalidJSON)
	}

	p, err := h.providers.Get(req.Provider)
	if err != nil {
		return nil, apperrors.E(apperrors.KindInternal, op, err)
	}

	probe, err := p.Probe(req.Body)
	if err != nil {
		return nil, err
	}

	candidates, err := h.resolver.Resolve(ctx, req.Provider, probe)
	if err != nil {
		return nil, err
	}

	integ, err := verifyAny(p, req, candidates)
	if err != nil {
		h.logger.Warn("Webhook signature rejected",
			zap.String("provider", string(req.Provider)),
			zap.String("event_id", probe.EventID),
			zap.Int("candidates", len(candidates)),
			zap.Error(err),
		)
		return nil, err
	}

	ev, err := p.Normalize(req, integ)
	if err != nil {
		return nil, err
	}

	res, err := h.reconciler.Apply(ctx, integ, ev)
	if err != nil && !apperrors.Acknowledged(err) {
		return nil, err
	}

	if res != nil && len(res.Effects) > 0 {
		h.dispatcher.Dispatch(ctx, res.Effects)
	}
	return res, err
}

// verifyAny returns the first candidate whose secret validates the request
func verifyAny(p provider.Provider, req *provider.Request, candidates []*models.PaymentIntegration) (*models.PaymentIntegration, error) {
	var lastErr error
	for _, c := range candidates {
		err := p.Verify(req, c)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = apperrors.E(apperrors.KindInvalidSignature, "gateway.verify", nil)
	}
	return nil, lastErr
}
