package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProviderKind identifies one of the supported payment processors
type ProviderKind string

const (
	ProviderStripe       ProviderKind = "stripe"        // card processor A
	ProviderSquare       ProviderKind = "square"        // card processor B
	ProviderKomoju       ProviderKind = "komoju"        // card processor C
	ProviderPayPal       ProviderKind = "paypal"        // wallet
	ProviderBankTransfer ProviderKind = "bank_transfer" // bank transfer
)

// ProviderKinds lists every supported provider in routing order
var ProviderKinds = []ProviderKind{
	ProviderStripe,
	ProviderSquare,
	ProviderKomoju,
	ProviderPayPal,
	ProviderBankTransfer,
}

// ParseProviderKind normalizes a route or config value into a ProviderKind
func ParseProviderKind(s string) (ProviderKind, bool) {
	k := ProviderKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range ProviderKinds {
		if k == known {
			return k, true
		}
	}
	return "", false
}

// PaymentIntegration is a merchant's connection to one provider.
// At most one active integration exists per (Provider, AccountID).
type PaymentIntegration struct {
	ID              uuid.UUID    `json:"id" db:"id"`
	Provider        ProviderKind `json:"provider" db:"provider"`
	AccountID       string       `json:"account_id" db:"account_id"`
	SigningSecret   string       `json:"-" db:"signing_secret"`
	NotificationURL string       `json:"notification_url,omitempty" db:"notification_url"`
	Active          bool         `json:"active" db:"active"`
	FestivalID      int64        `json:"festival_id" db:"festival_id"`
	UserID          int64        `json:"user_id" db:"user_id"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" db:"updated_at"`
	DeactivatedAt   *time.Time   `json:"deactivated_at,omitempty" db:"deactivated_at"`
}
