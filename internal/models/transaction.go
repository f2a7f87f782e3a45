package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentTransaction is the canonical record of one payment attempt
type PaymentTransaction struct {
	ID            uuid.UUID         `json:"id" db:"id"`
	IntegrationID uuid.UUID         `json:"integration_id" db:"integration_id"`
	ExternalID    string            `json:"external_id" db:"external_id"`
	Amount        decimal.Decimal   `json:"amount" db:"amount"`
	Currency      string            `json:"currency" db:"currency"`
	Status        TransactionStatus `json:"status" db:"status"`
	Metadata      map[string]string `json:"metadata" db:"metadata"` // JSONB
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}

// NewTransaction builds the record created the first time an event references an unknown external id
func NewTransaction(integrationID uuid.UUID, ev *NormalizedEvent, now time.Time) *PaymentTransaction {
	metadata := make(map[string]string, len(ev.Metadata))
	for k, v := range ev.Metadata {
		metadata[k] = v
	}

	return &PaymentTransaction{
		ID:            uuid.New(),
		IntegrationID: integrationID,
		ExternalID:    ev.ExternalID,
		Amount:        ev.Amount,
		Currency:      ev.Currency,
		Status:        StatusPending,
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// TransactionStatus represents valid transaction states
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
	StatusCanceled   TransactionStatus = "canceled"
	StatusRefunded   TransactionStatus = "refunded"
)

// Valid reports whether s is one of the canonical statuses
func (s TransactionStatus) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Terminal reports whether no transition leaves s
func (s TransactionStatus) Terminal() bool {
	return len(validTransitions[s]) == 0
}

// validTransitions holds the direct forward edges of the lifecycle.
// failed is reachable from any status until the payment settles, canceled included.
var validTransitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCanceled},
	StatusCompleted:  {StatusRefunded},
	StatusCanceled:   {StatusFailed},
	// No transitions allowed from terminal states
	StatusRefunded: {},
	StatusFailed:   {},
}

// IsValidTransition checks if a status transition is a direct edge of the lifecycle
func IsValidTransition(from, to TransactionStatus) bool {
	allowed, exists := validTransitions[from]
	if !exists {
		return false
	}

	for _, validTo := range allowed {
		if validTo == to {
			return true
		}
	}

	return false
}

// CanReach reports whether to is reachable from from by one or more forward edges.
// A status never reaches itself.
func CanReach(from, to TransactionStatus) bool {
	if _, ok := validTransitions[from]; !ok {
		return false
	}

	seen := map[TransactionStatus]bool{from: true}
	frontier := []TransactionStatus{from}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, next := range validTransitions[current] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				frontier = append(frontier, next)
			}
		}
	}

	return false
}

// TransitionPath returns the shortest chain of statuses leading from from to to,
// excluding from itself. It returns nil when to is unreachable.
func TransitionPath(from, to TransactionStatus) []TransactionStatus {
	if !CanReach(from, to) {
		return nil
	}

	prev := map[TransactionStatus]TransactionStatus{}
	frontier := []TransactionStatus{from}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, next := range validTransitions[current] {
			if _, ok := prev[next]; ok || next == from {
				continue
			}
			prev[next] = current
			if next == to {
				var path []TransactionStatus
				for s := to; s != from; s = prev[s] {
					path = append([]TransactionStatus{s}, path...)
				}
				return path
			}
			frontier = append(frontier, next)
		}
	}

	return nil
}

// Edge names a transition for effect bookkeeping, e.g. "pending->completed"
func Edge(from, to TransactionStatus) string {
	return string(from) + "->" + string(to)
}
