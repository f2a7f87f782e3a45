package provider

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/festpay/webhook-gateway/internal/models"
)

var errTimestampOutOfRange = errors.New("timestamp outside tolerance")

// BankTransfer verifies and normalizes bank transfer notifications.
// The signature covers "<unix timestamp>:<body>" and old timestamps are rejected.
type BankTransfer struct {
	tolerance time.Duration
	now       func() time.Time
}

func (p *BankTransfer) Kind() models.ProviderKind { return models.ProviderBankTransfer }

type bankTransferEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	AccountID  string    `json:"account_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Transfer   struct {
		Reference string            `json:"reference"`
		Amount    string            `json:"amount"`
		Currency  string            `json:"currency"`
		Metadata  map[string]string `json:"metadata"`
	} `json:"transfer"`
}

var bankTransferKinds = map[string]models.EventKind{
	"transfer.pending":  models.EventPaymentPending,
	"transfer.received": models.EventPaymentSucceeded,
	"transfer.failed":   models.EventPaymentFailed,
	"transfer.returned": models.EventRefundSucceeded,
}

func (p *BankTransfer) Probe(body []byte) (Probe, error) {
	var ev bankTransferEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return Probe{}, malformed(p.Kind(), err)
	}
	return Probe{
		EventID:       ev.ID,
		EventType:     ev.Type,
		IntegrationID: ev.Transfer.Metadata["integration_id"],
		AccountID:     ev.AccountID,
	}, nil
}

func (p *BankTransfer) Verify(req *Request, integration *models.PaymentIntegration) error {
	ts := req.Headers.Get("X-Webhook-Timestamp")
	sig := req.Headers.Get("X-Webhook-Signature")
	if ts == "" || sig == "" {
		return invalidSignature(p.Kind(), errMissingSignature)
	}
	if integration.SigningSecret == "" {
		return invalidSignature(p.Kind(), errMissingSecret)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return invalidSignature(p.Kind(), err)
	}
	now, sent := p.now(), time.Unix(unix, 0)
	if sent.Before(now.Add(-p.tolerance)) || sent.After(now.Add(p.tolerance)) {
		return invalidSignature(p.Kind(), errTimestampOutOfRange)
	}

	message := make([]byte, 0, len(ts)+1+len(req.Body))
	message = append(message, ts...)
	message = append(message, ':')
	message = append(message, req.Body...)
	if !equalHexMAC(computeHMAC([]byte(integration.SigningSecret), message), sig) {
		return invalidSignature(p.Kind(), errSignatureMismatch)
	}
	return nil
}

func (p *BankTransfer) Normalize(req *Request, integration *models.PaymentIntegration) (*models.NormalizedEvent, error) {
	var bt bankTransferEvent
	if err := json.Unmarshal(req.Body, &bt); err != nil {
		return nil, malformed(p.Kind(), err)
	}

	ev := &models.NormalizedEvent{
		ProviderEventID: bt.ID,
		ProviderType:    bt.Type,
		Kind:            models.EventNoop,
		OccurredAt:      bt.OccurredAt,
	}
	if kind, ok := bankTransferKinds[bt.Type]; ok {
		ev.Kind = kind
		ev.ExternalID = bt.Transfer.Reference
		ev.Metadata = bt.Transfer.Metadata
		if err := setDecimalAmount(ev, bt.Transfer.Amount, bt.Transfer.Currency); err != nil {
			return nil, unprocessable(p.Kind(), err)
		}
	}
	return finish(req, ev)
}
