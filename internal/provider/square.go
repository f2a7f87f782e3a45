package provider

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/festpay/webhook-gateway/internal/models"
)

// Square verifies and normalizes card processor B events.
// Square signs the notification URL followed by the raw body and sends no timestamp.
type Square struct {
	publicBaseURL string
}

func (p *Square) Kind() models.ProviderKind { return models.ProviderSquare }

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type squareEvent struct {
	MerchantID string    `json:"merchant_id"`
	Type       string    `json:"type"`
	EventID    string    `json:"event_id"`
	CreatedAt  time.Time `json:"created_at"`
	Data       struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object struct {
			Payment *struct {
				ID          string      `json:"id"`
				Status      string      `json:"status"`
				LocationID  string      `json:"location_id"`
				ReferenceID string      `json:"reference_id"`
				Note        string      `json:"note"`
				AmountMoney squareMoney `json:"amount_money"`
			} `json:"payment"`
			Refund *struct {
				ID          string      `json:"id"`
				Status      string      `json:"status"`
				PaymentID   string      `json:"payment_id"`
				LocationID  string      `json:"location_id"`
				AmountMoney squareMoney `json:"amount_money"`
			} `json:"refund"`
		} `json:"object"`
	} `json:"data"`
}

func (e *squareEvent) locationID() string {
	switch {
	case e.Data.Object.Payment != nil:
		return e.Data.Object.Payment.LocationID
	case e.Data.Object.Refund != nil:
		return e.Data.Object.Refund.LocationID
	}
	return ""
}

// integrationID reads an explicit integration reference; Square has no free-form
// metadata so onboarding stores it in the payment reference_id as "integration:<uuid>".
func (e *squareEvent) integrationID() string {
	if e.Data.Object.Payment == nil {
		return ""
	}
	ref := e.Data.Object.Payment.ReferenceID
	if id, ok := strings.CutPrefix(ref, "integration:"); ok {
		return id
	}
	return ""
}

func (p *Square) Probe(body []byte) (Probe, error) {
	var ev squareEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return Probe{}, malformed(p.Kind(), err)
	}
	account := ev.locationID()
	if account == "" {
		account = ev.MerchantID
	}
	return Probe{
		EventID:       ev.EventID,
		EventType:     ev.Type,
		IntegrationID: ev.integrationID(),
		AccountID:     account,
	}, nil
}

func (p *Square) notificationURL(integration *models.PaymentIntegration) string {
	if integration.NotificationURL != "" {
		return integration.NotificationURL
	}
	return strings.TrimRight(p.publicBaseURL, "/") + "/webhooks/square"
}

func (p *Square) Verify(req *Request, integration *models.PaymentIntegration) error {
	header := req.Headers.Get("X-Square-Hmacsha256-Signature")
	if header == "" {
		header = req.Headers.Get("X-Square-Signature")
	}
	if header == "" {
		return invalidSignature(p.Kind(), errMissingSignature)
	}
	if integration.SigningSecret == "" {
		return invalidSignature(p.Kind(), errMissingSecret)
	}

	provided, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return invalidSignature(p.Kind(), err)
	}
	message := append([]byte(p.notificationURL(integration)), req.Body...)
	expected := computeHMAC([]byte(integration.SigningSecret), message)
	if !hmac.Equal(expected, provided) {
		return invalidSignature(p.Kind(), errSignatureMismatch)
	}
	return nil
}

func (p *Square) Normalize(req *Request, integration *models.PaymentIntegration) (*models.NormalizedEvent, error) {
	var sq squareEvent
	if err := json.Unmarshal(req.Body, &sq); err != nil {
		return nil, malformed(p.Kind(), err)
	}

	ev := &models.NormalizedEvent{
		ProviderEventID: sq.EventID,
		ProviderType:    sq.Type,
		Kind:            models.EventNoop,
		OccurredAt:      sq.CreatedAt,
	}

	switch sq.Type {
	case "payment.created", "payment.updated":
		pay := sq.Data.Object.Payment
		if pay == nil {
			return nil, unprocessable(p.Kind(), errMissingObject("payment"))
		}
		ev.Kind = squarePaymentKind(sq.Type, pay.Status)
		ev.ExternalID = pay.ID
		setMinorAmount(ev, pay.AmountMoney.Amount, pay.AmountMoney.Currency)
		if pay.Note != "" {
			ev.Metadata = map[string]string{"note": pay.Note}
		}
	case "refund.created", "refund.updated":
		rf := sq.Data.Object.Refund
		if rf == nil {
			return nil, unprocessable(p.Kind(), errMissingObject("refund"))
		}
		switch rf.Status {
		case "COMPLETED":
			ev.Kind = models.EventRefundSucceeded
		case "FAILED", "REJECTED":
			ev.Kind = models.EventRefundFailed
		}
		ev.ExternalID = rf.PaymentID
		setMinorAmount(ev, rf.AmountMoney.Amount, rf.AmountMoney.Currency)
	}
	return finish(req, ev)
}

func squarePaymentKind(eventType, status string) models.EventKind {
	if eventType == "payment.created" && (status == "" || status == "PENDING") {
		return models.EventPaymentPending
	}
	switch status {
	case "APPROVED", "PENDING":
		return models.EventPaymentProcessing
	case "COMPLETED":
		return models.EventPaymentSucceeded
	case "FAILED":
		return models.EventPaymentFailed
	case "CANCELED":
		return models.EventPaymentCanceled
	}
	return models.EventNoop
}

type errMissingObject string

func (e errMissingObject) Error() string {
	return "event has no " + string(e) + " object"
}
