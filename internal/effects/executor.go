package effects

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/festpay/webhook-gateway/internal/apperrors"
	"github.com/festpay/webhook-gateway/internal/metrics"
	"github.com/festpay/webhook-gateway/internal/models"
)

// Store is the effect bookkeeping the executor needs
type Store interface {
	GetEffect(ctx context.Context, id uuid.UUID) (*models.Effect, error)
	MarkEffectDispatched(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordEffectFailure(ctx context.Context, id uuid.UUID, reason string) error
}

// Notifier delivers notifications to the festival application's notification sink
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Ledger applies budget adjustments. Implementations must treat IdempotencyKey as
// a dedup key so a retried adjustment is applied once.
type Ledger interface {
	Adjust(ctx context.Context, a models.LedgerAdjustment) error
}

// Publisher fans a canonical event out to external subscribers
type Publisher interface {
	Publish(ctx context.Context, eventID uuid.UUID, ev models.OutboundEvent) error
}

// Executor runs one effect against its collaborator
type Executor struct {
	store     Store
	notifier  Notifier
	ledger    Ledger
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewExecutor creates an executor
func NewExecutor(st Store, n Notifier, l Ledger, p Publisher, m *metrics.Metrics, logger *zap.Logger) *Executor {
	return &Executor{store: st, notifier: n, ledger: l, publisher: p, metrics: m, logger: logger}
}

// Execute runs the effect unless it already ran. A returned error means the
// effect is still pending and the task should be retried.
func (x *Executor) Execute(ctx context.Context, id uuid.UUID) error {
	const op = "effects.execute"

	e, err := x.store.GetEffect(ctx, id)
	if err != nil {
		return fmt.Errorf("load effect %s: %w", id, err)
	}
	if e.DispatchedAt != nil {
		x.logger.Debug("Effect already dispatched", zap.String("effect_id", id.String()))
		return nil
	}

	if err := x.run(ctx, e); err != nil {
		x.metrics.EffectsDispatchedTotal.WithLabelValues(string(e.Kind), "error").Inc()
		if recErr := x.store.RecordEffectFailure(ctx, id, err.Error()); recErr != nil {
			x.logger.Error("Failed to record effect failure", zap.String("effect_id", id.String()), zap.Error(recErr))
		}
		x.logger.Error("Effect dispatch failed",
			zap.String("effect_id", id.String()),
			zap.String("kind", string(e.Kind)),
			zap.String("transaction_id", e.TransactionID.String()),
			zap.Int("attempts", e.Attempts+1),
			zap.Error(err),
		)
		return apperrors.E(apperrors.KindEffectDispatchFailure, op, err)
	}

	if err := x.store.MarkEffectDispatched(ctx, id, time.Now().UTC()); err != nil {
		// the collaborator already deduplicates on the effect id
		return fmt.Errorf("mark effect dispatched: %w", err)
	}
	x.metrics.EffectsDispatchedTotal.WithLabelValues(string(e.Kind), "ok").Inc()
	return nil
}

func (x *Executor) run(ctx context.Context, e *models.Effect) error {
	switch e.Kind {
	case models.EffectNotification:
		var n models.Notification
		if err := json.Unmarshal(e.Payload, &n); err != nil {
			return fmt.Errorf("decode notification: %w", err)
		}
		return x.notifier.Notify(ctx, n)
	case models.EffectLedger:
		var a models.LedgerAdjustment
		if err := json.Unmarshal(e.Payload, &a); err != nil {
			return fmt.Errorf("decode ledger adjustment: %w", err)
		}
		return x.ledger.Adjust(ctx, a)
	case models.EffectOutbound:
		var ev models.OutboundEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return fmt.Errorf("decode outbound event: %w", err)
		}
		return x.publisher.Publish(ctx, e.ID, ev)
	default:
		return fmt.Errorf("unknown effect kind %q", e.Kind)
	}
}
