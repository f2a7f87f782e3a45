package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outcome records what reconciliation did with one provider event
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeCreated   Outcome = "created"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
)

// EffectKind names a side effect triggered by an accepted transition
type EffectKind string

const (
	EffectNotification EffectKind = "notification"
	EffectLedger       EffectKind = "ledger"
	EffectOutbound     EffectKind = "outbound"
)

// Effect is the durable record of one side effect.
// At most one exists per (TransactionID, Edge, Kind).
type Effect struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	TransactionID uuid.UUID       `json:"transaction_id" db:"transaction_id"`
	IntegrationID uuid.UUID       `json:"integration_id" db:"integration_id"`
	Kind          EffectKind      `json:"kind" db:"kind"`
	Edge          string          `json:"edge" db:"edge"`
	Payload       json.RawMessage `json:"payload" db:"payload"` // JSONB
	Attempts      int             `json:"attempts" db:"attempts"`
	LastError     *string         `json:"last_error,omitempty" db:"last_error"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	DispatchedAt  *time.Time      `json:"dispatched_at,omitempty" db:"dispatched_at"`
}

// Notification is delivered to the notification sink
type Notification struct {
	UserID         int64         `json:"user_id"`
	Kind           string        `json:"kind"`
	Title          string        `json:"title"`
	Message        string        `json:"message"`
	RelatedEntity  RelatedEntity `json:"related_entity"`
	IdempotencyKey string        `json:"idempotency_key"`
}

// RelatedEntity points a notification back at the transaction that caused it
type RelatedEntity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// LedgerAdjustment is a signed change to a festival's running budget
type LedgerAdjustment struct {
	FestivalID     int64           `json:"festival_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	TransactionID  uuid.UUID       `json:"transaction_id"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// OutboundEvent is the canonical event fanned out to external subscribers
type OutboundEvent struct {
	Name    string         `json:"event_name"`
	Payload map[string]any `json:"payload"`
}

// Subscriber is an external endpoint registered for outbound events
type Subscriber struct {
	ID         uuid.UUID `json:"id" db:"id"`
	URL        string    `json:"url" db:"url"`
	Secret     string    `json:"-" db:"secret"`
	EventNames []string  `json:"event_names" db:"event_names"`
	Active     bool      `json:"active" db:"active"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Accepts reports whether the subscriber wants an event; an empty filter accepts everything
func (s *Subscriber) Accepts(eventName string) bool {
	if len(s.EventNames) == 0 {
		return true
	}
	for _, n := range s.EventNames {
		if n == eventName {
			return true
		}
	}
	return false
}

// Delivery is one outbound event addressed to one subscriber
type Delivery struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	EventID      uuid.UUID       `json:"event_id" db:"event_id"`
	SubscriberID uuid.UUID       `json:"subscriber_id" db:"subscriber_id"`
	EventName    string          `json:"event_name" db:"event_name"`
	Payload      json.RawMessage `json:"payload" db:"payload"` // JSONB
	Attempts     int             `json:"attempts" db:"attempts"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	DeliveredAt  *time.Time      `json:"delivered_at,omitempty" db:"delivered_at"`
}

// DeliveryAttempt records the result of one HTTP POST to a subscriber
type DeliveryAttempt struct {
	DeliveryID     uuid.UUID `db:"delivery_id"`
	AttemptNumber  int       `db:"attempt_number"`
	URL            string    `db:"webhook_url"`
	StatusCode     int       `db:"response_status_code"`
	ResponseBody   string    `db:"response_body"`
	ResponseTimeMs int64     `db:"response_time_ms"`
	Success        bool      `db:"success"`
	ErrorMessage   *string   `db:"error_message"`
}
