package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/festpay/webhook-gateway/internal/models"
)

// Stripe verifies and normalizes card processor A events
type Stripe struct {
	tolerance time.Duration
}

func (p *Stripe) Kind() models.ProviderKind { return models.ProviderStripe }

type stripeProbe struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Account string `json:"account"`
	Data    struct {
		Object struct {
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

func (p *Stripe) Probe(body []byte) (Probe, error) {
	var ev stripeProbe
	if err := json.Unmarshal(body, &ev); err != nil {
		return Probe{}, malformed(p.Kind(), err)
	}
	return Probe{
		EventID:       ev.ID,
		EventType:     ev.Type,
		IntegrationID: ev.Data.Object.Metadata["integration_id"],
		AccountID:     ev.Account,
	}, nil
}

func (p *Stripe) Verify(req *Request, integration *models.PaymentIntegration) error {
	header := req.Headers.Get("Stripe-Signature")
	if header == "" {
		return invalidSignature(p.Kind(), errMissingSignature)
	}
	if integration.SigningSecret == "" {
		return invalidSignature(p.Kind(), errMissingSecret)
	}
	if err := webhook.ValidatePayloadWithTolerance(req.Body, header, integration.SigningSecret, p.tolerance); err != nil {
		return invalidSignature(p.Kind(), err)
	}
	return nil
}

func (p *Stripe) Normalize(req *Request, integration *models.PaymentIntegration) (*models.NormalizedEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return nil, malformed(p.Kind(), err)
	}
	if event.Data == nil {
		return nil, unprocessable(p.Kind(), errors.New("event has no data object"))
	}

	ev := &models.NormalizedEvent{
		ProviderEventID: event.ID,
		ProviderType:    string(event.Type),
		Kind:            models.EventNoop,
	}
	if event.Created > 0 {
		ev.OccurredAt = time.Unix(event.Created, 0).UTC()
	}

	var err error
	switch event.Type {
	case "payment_intent.created", "payment_intent.processing", "payment_intent.succeeded",
		"payment_intent.payment_failed", "payment_intent.canceled":
		err = p.paymentIntent(event, ev)
	case "charge.refunded":
		err = p.chargeRefunded(event, ev)
	case "refund.updated", "charge.refund.updated":
		err = p.refundUpdated(event, ev)
	case "customer.subscription.created", "customer.subscription.deleted":
		err = p.subscription(event, ev)
	case "invoice.payment_failed":
		err = p.invoiceFailed(event, ev)
	}
	if err != nil {
		return nil, unprocessable(p.Kind(), err)
	}
	return finish(req, ev)
}

var stripeIntentKinds = map[stripe.EventType]models.EventKind{
	"payment_intent.created":        models.EventPaymentPending,
	"payment_intent.processing":     models.EventPaymentProcessing,
	"payment_intent.succeeded":      models.EventPaymentSucceeded,
	"payment_intent.payment_failed": models.EventPaymentFailed,
	"payment_intent.canceled":       models.EventPaymentCanceled,
}

func (p *Stripe) paymentIntent(event stripe.Event, ev *models.NormalizedEvent) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return fmt.Errorf("decode payment intent: %w", err)
	}
	ev.Kind = stripeIntentKinds[event.Type]
	ev.ExternalID = pi.ID
	ev.Metadata = pi.Metadata
	setMinorAmount(ev, pi.Amount, string(pi.Currency))
	return nil
}

func (p *Stripe) chargeRefunded(event stripe.Event, ev *models.NormalizedEvent) error {
	var ch stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
		return fmt.Errorf("decode charge: %w", err)
	}
	// partial refunds leave the payment completed
	if !ch.Refunded {
		return nil
	}
	if ch.PaymentIntent == nil {
		return errors.New("charge has no payment intent")
	}
	ev.Kind = models.EventRefundSucceeded
	ev.ExternalID = ch.PaymentIntent.ID
	ev.Metadata = ch.Metadata
	setMinorAmount(ev, ch.Amount, string(ch.Currency))
	return nil
}

func (p *Stripe) refundUpdated(event stripe.Event, ev *models.NormalizedEvent) error {
	var rf stripe.Refund
	if err := json.Unmarshal(event.Data.Raw, &rf); err != nil {
		return fmt.Errorf("decode refund: %w", err)
	}
	switch rf.Status {
	case stripe.RefundStatusSucceeded:
		// an expanded charge tells us whether the refund covers the whole payment
		if rf.Charge != nil && rf.Charge.Amount > 0 && rf.Amount < rf.Charge.Amount {
			return nil
		}
		ev.Kind = models.EventRefundSucceeded
	case stripe.RefundStatusFailed:
		ev.Kind = models.EventRefundFailed
	default:
		return nil
	}
	if rf.PaymentIntent == nil {
		return errors.New("refund has no payment intent")
	}
	ev.ExternalID = rf.PaymentIntent.ID
	ev.Metadata = rf.Metadata
	setMinorAmount(ev, rf.Amount, string(rf.Currency))
	return nil
}

func (p *Stripe) subscription(event stripe.Event, ev *models.NormalizedEvent) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	if event.Type == "customer.subscription.created" {
		ev.Kind = models.EventSubscriptionActivated
	} else {
		ev.Kind = models.EventSubscriptionCanceled
	}
	ev.ExternalID = sub.ID
	ev.Metadata = sub.Metadata

	if sub.Items != nil && len(sub.Items.Data) > 0 {
		var total int64
		for _, item := range sub.Items.Data {
			if item.Price == nil {
				continue
			}
			qty := item.Quantity
			if qty == 0 {
				qty = 1
			}
			total += item.Price.UnitAmount * qty
		}
		setMinorAmount(ev, total, string(sub.Currency))
	}
	return nil
}

func (p *Stripe) invoiceFailed(event stripe.Event, ev *models.NormalizedEvent) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}
	// one-off invoices have no subscription lifecycle to move
	if inv.Subscription == nil {
		return nil
	}
	ev.Kind = models.EventSubscriptionPaymentFailed
	ev.ExternalID = inv.Subscription.ID
	ev.Metadata = inv.Metadata
	setMinorAmount(ev, inv.AmountDue, string(inv.Currency))
	return nil
}

func setMinorAmount(ev *models.NormalizedEvent, amount int64, currency string) {
	if currency == "" {
		return
	}
	ev.Currency = models.NormalizeCurrency(currency)
	ev.Amount = models.FromMinorUnits(amount, currency)
	ev.HasAmount = true
}

// setDecimalAmount parses a provider's decimal string amount
func setDecimalAmount(ev *models.NormalizedEvent, amount, currency string) error {
	if amount == "" {
		return nil
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return fmt.Errorf("parse amount %q: %w", amount, err)
	}
	ev.Amount = d
	ev.Currency = models.NormalizeCurrency(currency)
	ev.HasAmount = true
	return nil
}
