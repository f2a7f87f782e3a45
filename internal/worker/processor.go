// Package worker holds the asynq task handlers that run effects, outbound
// deliveries and periodic maintenance.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/festpay/webhook-gateway/internal/effects"
	"github.com/festpay/webhook-gateway/internal/queue"
	"github.com/festpay/webhook-gateway/internal/store"
)

// EffectExecutor runs one stored effect
type EffectExecutor interface {
	Execute(ctx context.Context, id uuid.UUID) error
}

// DeliverySender sends one outbound delivery
type DeliverySender interface {
	Deliver(ctx context.Context, id uuid.UUID) error
}

// Sweeper re-enqueues effects that were never dispatched
type Sweeper interface {
	Sweep(ctx context.Context, st effects.SweepStore, age time.Duration, limit int) (int, error)
}

// MaintenanceStore is the storage the periodic tasks work on
type MaintenanceStore interface {
	effects.SweepStore
	PurgeProcessedEvents(ctx context.Context, olderThan time.Time) (int64, error)
}

// Options tunes the periodic tasks
type Options struct {
	SweepAge       time.Duration
	SweepLimit     int
	DedupRetention time.Duration
}

// Processor handles background job processing
type Processor struct {
	executor EffectExecutor
	sender   DeliverySender
	sweeper  Sweeper
	store    MaintenanceStore
	opts     Options
	logger   *zap.Logger
}

// NewProcessor creates a new worker processor
func NewProcessor(x EffectExecutor, s DeliverySender, sw Sweeper, st MaintenanceStore, opts Options, logger *zap.Logger) *Processor {
	if opts.SweepLimit <= 0 {
		opts.SweepLimit = 500
	}
	return &Processor{executor: x, sender: s, sweeper: sw, store: st, opts: opts, logger: logger}
}

// Register binds every task type to its handler
func (p *Processor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TypeEffectDispatch, p.ProcessEffect)
	mux.HandleFunc(queue.TypeOutboundDeliver, p.ProcessDelivery)
	mux.HandleFunc(queue.TypeSweepEffects, p.SweepEffects)
	mux.HandleFunc(queue.TypePurgeEvents, p.PurgeEvents)
}

// ProcessEffect executes one effect
func (p *Processor) ProcessEffect(ctx context.Context, t *asynq.Task) error {
	payload, err := queue.ParseEffectPayload(t)
	if err != nil {
		return err
	}

	err = p.executor.Execute(ctx, payload.EffectID)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Error("Effect task references a missing effect", zap.String("effect_id", payload.EffectID.String()))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// ProcessDelivery sends one outbound webhook
func (p *Processor) ProcessDelivery(ctx context.Context, t *asynq.Task) error {
	payload, err := queue.ParseDeliveryPayload(t)
	if err != nil {
		return err
	}

	err = p.sender.Deliver(ctx, payload.DeliveryID)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Error("Delivery task references a missing delivery", zap.String("delivery_id", payload.DeliveryID.String()))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// SweepEffects re-enqueues effects whose post-commit enqueue was lost
func (p *Processor) SweepEffects(ctx context.Context, _ *asynq.Task) error {
	n, err := p.sweeper.Sweep(ctx, p.store, p.opts.SweepAge, p.opts.SweepLimit)
	if err != nil {
		return fmt.Errorf("sweep effects: %w", err)
	}
	if n > 0 {
		p.logger.Info("Swept undispatched effects", zap.Int("enqueued", n))
	}
	return nil
}

// PurgeEvents drops dedup records older than the retention window
func (p *Processor) PurgeEvents(ctx context.Context, _ *asynq.Task) error {
	cutoff := time.Now().Add(-p.opts.DedupRetention)
	n, err := p.store.PurgeProcessedEvents(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge processed events: %w", err)
	}
	p.logger.Info("Purged processed events", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return nil
}
