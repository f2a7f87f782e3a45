// Package resolver finds the merchant integration an inbound provider event belongs to.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/festpay/webhook-gateway/internal/apperrors"
	"github.com/festpay/webhook-gateway/internal/models"
	"github.com/festpay/webhook-gateway/internal/provider"
	"github.com/festpay/webhook-gateway/internal/store"
)

// IntegrationStore is the read side of the integration repository
type IntegrationStore interface {
	GetIntegration(ctx context.Context, id uuid.UUID) (*models.PaymentIntegration, error)
	FindActiveIntegration(ctx context.Context, kind models.ProviderKind, accountID string) (*models.PaymentIntegration, error)
	ListActiveIntegrations(ctx context.Context, kind models.ProviderKind) ([]*models.PaymentIntegration, error)
}

// Resolver maps a probed event onto candidate integrations
type Resolver struct {
	store        IntegrationStore
	singleTenant bool
	logger       *zap.Logger
}

// New creates a resolver. singleTenant enables the fallback to every active
// integration of a provider when the event carries no usable identifier.
func New(integrations IntegrationStore, singleTenant bool, logger *zap.Logger) *Resolver {
	return &Resolver{store: integrations, singleTenant: singleTenant, logger: logger}
}

// Resolve returns the integrations whose secret may have signed the event, in priority order:
// the explicit integration id from event metadata, then the provider account, then (when
// enabled) every active integration of the provider.
func (r *Resolver) Resolve(ctx context.Context, kind models.ProviderKind, probe provider.Probe) ([]*models.PaymentIntegration, error) {
	const op = "resolver.resolve"

	if probe.IntegrationID != "" {
		integ, err := r.byID(ctx, kind, probe.IntegrationID)
		if err != nil {
			return nil, err
		}
		if integ != nil {
			return []*models.PaymentIntegration{integ}, nil
		}
	}

	if probe.AccountID != "" {
		integ, err := r.store.FindActiveIntegration(ctx, kind, probe.AccountID)
		switch {
		case err == nil:
			return []*models.PaymentIntegration{integ}, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("find integration by account: %w", err)
		}
	}

	if r.singleTenant {
		candidates, err := r.store.ListActiveIntegrations(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("list integrations: %w", err)
		}
		if len(candidates) > 0 {
			return candidates, nil
		}
	}

	r.logger.Warn("No integration matched webhook",
		zap.String("provider", string(kind)),
		zap.String("event_id", probe.EventID),
		zap.String("integration_id", probe.IntegrationID),
		zap.String("account_id", probe.AccountID),
	)
	return nil, apperrors.E(apperrors.KindIntegrationNotFound, op, nil)
}

// byID returns nil without error when the id is unusable so resolution can continue
func (r *Resolver) byID(ctx context.Context, kind models.ProviderKind, raw string) (*models.PaymentIntegration, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, nil
	}
	integ, err := r.store.GetIntegration(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get integration: %w", err)
	}
	if !integ.Active || integ.Provider != kind {
		r.logger.Info("Ignoring explicit integration reference",
			zap.String("integration_id", raw),
			zap.String("provider", string(kind)),
			zap.Bool("active", integ.Active),
		)
		return nil, nil
	}
	return integ, nil
}
