package models

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// EventKind is the canonical, provider-independent event vocabulary
type EventKind string

const (
	EventPaymentSucceeded          EventKind = "payment_succeeded"
	EventPaymentFailed             EventKind = "payment_failed"
	EventPaymentPending            EventKind = "payment_pending"
	EventPaymentProcessing         EventKind = "payment_processing"
	EventPaymentCanceled           EventKind = "payment_canceled"
	EventRefundSucceeded           EventKind = "refund_succeeded"
	EventRefundFailed              EventKind = "refund_failed"
	EventSubscriptionActivated     EventKind = "subscription_activated"
	EventSubscriptionCanceled      EventKind = "subscription_canceled"
	EventSubscriptionPaymentFailed EventKind = "subscription_payment_failed"
	EventNoop                      EventKind = "noop"
)

var proposedStatus = map[EventKind]TransactionStatus{
	EventPaymentPending:            StatusPending,
	EventPaymentProcessing:         StatusProcessing,
	EventPaymentSucceeded:          StatusCompleted,
	EventSubscriptionActivated:     StatusCompleted,
	EventPaymentFailed:             StatusFailed,
	EventSubscriptionPaymentFailed: StatusFailed,
	EventPaymentCanceled:           StatusCanceled,
	EventSubscriptionCanceled:      StatusCanceled,
	EventRefundSucceeded:           StatusRefunded,
}

// ProposedStatus returns the status an event of this kind moves a transaction to.
// refund_failed and noop propose nothing.
func (k EventKind) ProposedStatus() (TransactionStatus, bool) {
	s, ok := proposedStatus[k]
	return s, ok
}

// IsSubscription reports whether the kind belongs to the subscription lifecycle
func (k EventKind) IsSubscription() bool {
	return strings.HasPrefix(string(k), "subscription_")
}

// NormalizedEvent is a provider event mapped onto the canonical vocabulary.
// (Provider, ProviderEventID) is the idempotency key.
type NormalizedEvent struct {
	Provider        ProviderKind      `json:"provider" validate:"required"`
	ProviderEventID string            `json:"provider_event_id" validate:"required,max=255"`
	ProviderType    string            `json:"provider_type"`
	Kind            EventKind         `json:"kind" validate:"required"`
	ExternalID      string            `json:"external_id" validate:"required,max=255"`
	Amount          decimal.Decimal   `json:"amount"`
	HasAmount       bool              `json:"has_amount"`
	Currency        string            `json:"currency" validate:"omitempty,len=3,uppercase"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	PayloadDigest   string            `json:"payload_digest" validate:"required,len=64,hexadecimal"`
	OccurredAt      time.Time         `json:"occurred_at"`
}

// Validate checks the fields a recognized event must carry
func (e *NormalizedEvent) Validate() error {
	if e.Kind == EventNoop {
		return nil
	}
	if err := validate.Struct(e); err != nil {
		return err
	}
	if e.HasAmount && e.Amount.IsNegative() {
		return errNegativeAmount
	}
	if e.HasAmount && e.Currency == "" {
		return errMissingCurrency
	}
	return nil
}
