// Package handlers implements the provider webhook gateway, the health probe
// and the internal admin API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/festpay/webhook-gateway/internal/metrics"
	"github.com/festpay/webhook-gateway/internal/models"
	"github.com/festpay/webhook-gateway/internal/provider"
	"github.com/festpay/webhook-gateway/internal/reconcile"
)

// Resolver finds the integrations that may own an event
type Resolver interface {
	Resolve(ctx context.Context, kind models.ProviderKind, probe provider.Probe) ([]*models.PaymentIntegration, error)
}

// Reconciler applies a normalized event
type Reconciler interface {
	Apply(ctx context.Context, integ *models.PaymentIntegration, ev *models.NormalizedEvent) (*reconcile.Result, error)
}

// Dispatcher enqueues committed effects
type Dispatcher interface {
	Dispatch(ctx context.Context, effs []*models.Effect) int
}

// AdminStore is the repository behind the internal API
type AdminStore interface {
	CreateIntegration(ctx context.Context, i *models.PaymentIntegration) error
	DeactivateIntegration(ctx context.Context, id uuid.UUID) (*models.PaymentIntegration, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error)
	CreateSubscriber(ctx context.Context, sub *models.Subscriber) error
}

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Deps collects the handler dependencies
type Deps struct {
	Providers    *provider.Registry
	Resolver     Resolver
	Reconciler   Reconciler
	Dispatcher   Dispatcher
	Store        AdminStore
	HealthChecks map[string]HealthCheck
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	providers    *provider.Registry
	resolver     Resolver
	reconciler   Reconciler
	dispatcher   Dispatcher
	store        AdminStore
	healthChecks map[string]HealthCheck
	metrics      *metrics.Metrics
	logger       *zap.Logger
	validator    *validator.Validate
}

// NewHandler creates a new handler instance
func NewHandler(d Deps) *Handler {
	return &Handler{
		providers:    d.Providers,
		resolver:     d.Resolver,
		reconciler:   d.Reconciler,
		dispatcher:   d.Dispatcher,
		store:        d.Store,
		healthChecks: d.HealthChecks,
		metrics:      d.Metrics,
		logger:       d.Logger,
		validator:    validator.New(),
	}
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
