// Package effects plans, enqueues and executes the side effects of accepted transaction transitions.
package effects

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/festpay/webhook-gateway/internal/models"
)

// notifyOn lists the statuses whose arrival is reported to the integration owner
var notifyOn = map[models.TransactionStatus]bool{
	models.StatusCompleted: true,
	models.StatusFailed:    true,
	models.StatusCanceled:  true,
	models.StatusRefunded:  true,
}

// Transition describes one accepted status change
type Transition struct {
	Integration  *models.PaymentIntegration
	Transaction  *models.PaymentTransaction
	From         models.TransactionStatus
	Subscription bool
	OccurredAt   time.Time
}

// Plan derives the effects of a transition. Each effect's id doubles as the
// idempotency key handed to the collaborator that executes it.
func Plan(t Transition, now time.Time) ([]*models.Effect, error) {
	to := t.Transaction.Status
	if !models.CanReach(t.From, to) {
		return nil, fmt.Errorf("plan effects: %s is not a forward transition", models.Edge(t.From, to))
	}

	edge := models.Edge(t.From, to)
	var out []*models.Effect

	add := func(kind models.EffectKind, build func(id uuid.UUID) any) error {
		id := uuid.New()
		payload, err := json.Marshal(build(id))
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		out = append(out, &models.Effect{
			ID:            id,
			TransactionID: t.Transaction.ID,
			IntegrationID: t.Integration.ID,
			Kind:          kind,
			Edge:          edge,
			Payload:       payload,
			CreatedAt:     now,
		})
		return nil
	}

	if notifyOn[to] {
		if err := add(models.EffectNotification, func(id uuid.UUID) any {
			return notificationFor(t, id)
		}); err != nil {
			return nil, err
		}
	}

	if delta := LedgerDelta(t.From, to, t.Transaction.Amount); !delta.IsZero() {
		if err := add(models.EffectLedger, func(id uuid.UUID) any {
			return models.LedgerAdjustment{
				FestivalID:     t.Integration.FestivalID,
				Amount:         delta,
				Currency:       t.Transaction.Currency,
				TransactionID:  t.Transaction.ID,
				IdempotencyKey: id.String(),
			}
		}); err != nil {
			return nil, err
		}
	}

	if err := add(models.EffectOutbound, func(uuid.UUID) any {
		return outboundFor(t)
	}); err != nil {
		return nil, err
	}

	return out, nil
}

// LedgerDelta nets the budget movement across every status the transition passes through:
// reaching completed credits the amount and reaching refunded debits it.
func LedgerDelta(from, to models.TransactionStatus, amount decimal.Decimal) decimal.Decimal {
	delta := decimal.Zero
	for _, s := range models.TransitionPath(from, to) {
		switch s {
		case models.StatusCompleted:
			delta = delta.Add(amount)
		case models.StatusRefunded:
			delta = delta.Sub(amount)
		}
	}
	return delta
}

func notificationFor(t Transition, id uuid.UUID) models.Notification {
	txn := t.Transaction
	amount := txn.Amount.String() + " " + txn.Currency

	var title, message string
	switch txn.Status {
	case models.StatusCompleted:
		if t.Subscription {
			title, message = "Subscription activated", fmt.Sprintf("Subscription %s is now active.", txn.ExternalID)
		} else {
			title, message = "Payment received", fmt.Sprintf("Payment %s of %s was completed.", txn.ExternalID, amount)
		}
	case models.StatusFailed:
		if t.Subscription {
			title, message = "Subscription payment failed", fmt.Sprintf("A payment for subscription %s failed.", txn.ExternalID)
		} else {
			title, message = "Payment failed", fmt.Sprintf("Payment %s of %s failed.", txn.ExternalID, amount)
		}
	case models.StatusCanceled:
		if t.Subscription {
			title, message = "Subscription canceled", fmt.Sprintf("Subscription %s was canceled.", txn.ExternalID)
		} else {
			title, message = "Payment canceled", fmt.Sprintf("Payment %s was canceled.", txn.ExternalID)
		}
	case models.StatusRefunded:
		title, message = "Payment refunded", fmt.Sprintf("Payment %s of %s was refunded.", txn.ExternalID, amount)
	}

	return models.Notification{
		UserID:  t.Integration.UserID,
		Kind:    "payment_" + string(txn.Status),
		Title:   title,
		Message: message,
		RelatedEntity: models.RelatedEntity{
			Type: "payment_transaction",
			ID:   txn.ID.String(),
		},
		IdempotencyKey: id.String(),
	}
}

// outboundFor builds the canonical event; provider payloads never leave the service
func outboundFor(t Transition) models.OutboundEvent {
	txn := t.Transaction
	return models.OutboundEvent{
		Name: "payment." + string(txn.Status),
		Payload: map[string]any{
			"integration_id":  t.Integration.ID.String(),
			"transaction_id":  txn.ID.String(),
			"external_id":     txn.ExternalID,
			"provider":        string(t.Integration.Provider),
			"amount":          txn.Amount.String(),
			"currency":        txn.Currency,
			"status":          string(txn.Status),
			"previous_status": string(t.From),
			"festival_id":     t.Integration.FestivalID,
			"user_id":         t.Integration.UserID,
			"occurred_at":     t.OccurredAt.UTC().Format(time.RFC3339),
		},
	}
}
