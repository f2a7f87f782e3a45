package provider

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/festpay/webhook-gateway/internal/models"
)

var errNoPublicKey = errors.New("paypal public key not configured")

// PayPal verifies and normalizes wallet events. Transmissions are signed with
// PayPal's private key; the integration's SigningSecret holds the webhook id.
type PayPal struct {
	publicKey *rsa.PublicKey
}

func (p *PayPal) Kind() models.ProviderKind { return models.ProviderPayPal }

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalEvent struct {
	ID           string    `json:"id"`
	EventType    string    `json:"event_type"`
	CreateTime   time.Time `json:"create_time"`
	ResourceType string    `json:"resource_type"`
	Resource     struct {
		ID        string        `json:"id"`
		Status    string        `json:"status"`
		CustomID  string        `json:"custom_id"`
		InvoiceID string        `json:"invoice_id"`
		Amount    *paypalAmount `json:"amount"`
		Payee     struct {
			MerchantID string `json:"merchant_id"`
		} `json:"payee"`
		Links []struct {
			Href string `json:"href"`
			Rel  string `json:"rel"`
		} `json:"links"`
	} `json:"resource"`
}

var paypalKinds = map[string]models.EventKind{
	"PAYMENT.CAPTURE.PENDING":             models.EventPaymentPending,
	"PAYMENT.CAPTURE.COMPLETED":           models.EventPaymentSucceeded,
	"PAYMENT.CAPTURE.DENIED":              models.EventPaymentFailed,
	"PAYMENT.CAPTURE.DECLINED":            models.EventPaymentFailed,
	"PAYMENT.CAPTURE.REFUNDED":            models.EventRefundSucceeded,
	"BILLING.SUBSCRIPTION.ACTIVATED":      models.EventSubscriptionActivated,
	"BILLING.SUBSCRIPTION.CANCELLED":      models.EventSubscriptionCanceled,
	"BILLING.SUBSCRIPTION.PAYMENT.FAILED": models.EventSubscriptionPaymentFailed,
}

func (p *PayPal) Probe(body []byte) (Probe, error) {
	var ev paypalEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return Probe{}, malformed(p.Kind(), err)
	}
	return Probe{
		EventID:       ev.ID,
		EventType:     ev.EventType,
		IntegrationID: ev.Resource.CustomID,
		AccountID:     ev.Resource.Payee.MerchantID,
	}, nil
}

// Verify checks the transmission signature over
// transmission_id|transmission_time|webhook_id|crc32(body).
func (p *PayPal) Verify(req *Request, integration *models.PaymentIntegration) error {
	if p.publicKey == nil {
		return invalidSignature(p.Kind(), errNoPublicKey)
	}
	transmissionID := req.Headers.Get("Paypal-Transmission-Id")
	transmissionTime := req.Headers.Get("Paypal-Transmission-Time")
	sig := req.Headers.Get("Paypal-Transmission-Sig")
	if transmissionID == "" || transmissionTime == "" || sig == "" {
		return invalidSignature(p.Kind(), errMissingSignature)
	}
	if integration.SigningSecret == "" {
		return invalidSignature(p.Kind(), errMissingSecret)
	}

	signature, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return invalidSignature(p.Kind(), err)
	}
	hashed := sha256.Sum256([]byte(paypalSignedMessage(transmissionID, transmissionTime, integration.SigningSecret, req.Body)))
	if err := rsa.VerifyPKCS1v15(p.publicKey, crypto.SHA256, hashed[:], signature); err != nil {
		return invalidSignature(p.Kind(), err)
	}
	return nil
}

func paypalSignedMessage(transmissionID, transmissionTime, webhookID string, body []byte) string {
	return fmt.Sprintf("%s|%s|%s|%d", transmissionID, transmissionTime, webhookID, crc32.ChecksumIEEE(body))
}

func (p *PayPal) Normalize(req *Request, integration *models.PaymentIntegration) (*models.NormalizedEvent, error) {
	var pp paypalEvent
	if err := json.Unmarshal(req.Body, &pp); err != nil {
		return nil, malformed(p.Kind(), err)
	}

	ev := &models.NormalizedEvent{
		ProviderEventID: pp.ID,
		ProviderType:    pp.EventType,
		Kind:            models.EventNoop,
		OccurredAt:      pp.CreateTime,
	}
	kind, ok := paypalKinds[pp.EventType]
	if !ok {
		return finish(req, ev)
	}
	ev.Kind = kind
	ev.ExternalID = pp.Resource.ID

	// a refund resource links back to the capture it reverses
	if kind == models.EventRefundSucceeded && pp.ResourceType == "refund" {
		ev.ExternalID = ""
		for _, l := range pp.Resource.Links {
			if l.Rel == "up" {
				ev.ExternalID = lastPathSegment(l.Href)
				break
			}
		}
	}
	if pp.Resource.InvoiceID != "" {
		ev.Metadata = map[string]string{"invoice_id": pp.Resource.InvoiceID}
	}
	if pp.Resource.Amount != nil {
		if err := setDecimalAmount(ev, pp.Resource.Amount.Value, pp.Resource.Amount.CurrencyCode); err != nil {
			return nil, unprocessable(p.Kind(), err)
		}
	}
	return finish(req, ev)
}

func lastPathSegment(href string) string {
	for i := len(href) - 1; i >= 0; i-- {
		if href[i] == '/' {
			return href[i+1:]
		}
	}
	return href
}
