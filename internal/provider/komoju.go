package provider

import (
	"encoding/json"
	"time"

	"github.com/festpay/webhook-gateway/internal/models"
)

// Komoju verifies and normalizes card processor C events
type Komoju struct{}

func (p *Komoju) Kind() models.ProviderKind { return models.ProviderKomoju }

type komojuEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		ID               string            `json:"id"`
		Status           string            `json:"status"`
		Amount           int64             `json:"amount"`
		Currency         string            `json:"currency"`
		ExternalOrderNum string            `json:"external_order_num"`
		Metadata         map[string]string `json:"metadata"`
	} `json:"data"`
}

var komojuKinds = map[string]models.EventKind{
	"payment.authorized": models.EventPaymentProcessing,
	"payment.captured":   models.EventPaymentSucceeded,
	"payment.failed":     models.EventPaymentFailed,
	"payment.expired":    models.EventPaymentFailed,
	"payment.cancelled":  models.EventPaymentCanceled,
	"payment.refunded":   models.EventRefundSucceeded,
}

func (p *Komoju) Probe(body []byte) (Probe, error) {
	var ev komojuEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return Probe{}, malformed(p.Kind(), err)
	}
	return Probe{
		EventID:       ev.ID,
		EventType:     ev.Type,
		IntegrationID: ev.Data.Metadata["integration_id"],
	}, nil
}

func (p *Komoju) Verify(req *Request, integration *models.PaymentIntegration) error {
	header := req.Headers.Get("X-Komoju-Signature")
	if header == "" {
		return invalidSignature(p.Kind(), errMissingSignature)
	}
	if integration.SigningSecret == "" {
		return invalidSignature(p.Kind(), errMissingSecret)
	}
	expected := computeHMAC([]byte(integration.SigningSecret), req.Body)
	if !equalHexMAC(expected, header) {
		return invalidSignature(p.Kind(), errSignatureMismatch)
	}
	return nil
}

func (p *Komoju) Normalize(req *Request, integration *models.PaymentIntegration) (*models.NormalizedEvent, error) {
	var km komojuEvent
	if err := json.Unmarshal(req.Body, &km); err != nil {
		return nil, malformed(p.Kind(), err)
	}

	ev := &models.NormalizedEvent{
		ProviderEventID: km.ID,
		ProviderType:    km.Type,
		Kind:            models.EventNoop,
		OccurredAt:      km.CreatedAt,
	}
	if kind, ok := komojuKinds[km.Type]; ok {
		ev.Kind = kind
		ev.ExternalID = km.Data.ID
		ev.Metadata = km.Data.Metadata
		setMinorAmount(ev, km.Data.Amount, km.Data.Currency)
		if km.Data.ExternalOrderNum != "" {
			if ev.Metadata == nil {
				ev.Metadata = make(map[string]string)
			}
			ev.Metadata["external_order_num"] = km.Data.ExternalOrderNum
		}
	}
	return finish(req, ev)
}
