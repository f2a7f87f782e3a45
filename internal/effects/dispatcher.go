package effects

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/festpay/webhook-gateway/internal/metrics"
	"github.com/festpay/webhook-gateway/internal/models"
	"github.com/festpay/webhook-gateway/internal/queue"
)

// Enqueuer is the part of asynq.Client the dispatcher needs
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher hands committed effects to the worker queue
type Dispatcher struct {
	queue    Enqueuer
	timeout  time.Duration
	maxRetry int
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. timeout bounds each Dispatch call.
func NewDispatcher(q Enqueuer, timeout time.Duration, maxRetry int, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{queue: q, timeout: timeout, maxRetry: maxRetry, metrics: m, logger: logger}
}

// Dispatch enqueues one task per effect and returns how many were enqueued.
// Failures are logged and left for the sweeper.
func (d *Dispatcher) Dispatch(ctx context.Context, effs []*models.Effect) int {
	if len(effs) == 0 {
		return 0
	}

	// The request may finish before the enqueue does
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	enqueued := 0
	for _, e := range effs {
		if err := d.enqueue(ctx, e); err != nil {
			d.metrics.EffectsEnqueueFailures.WithLabelValues(string(e.Kind)).Inc()
			d.logger.Error("Effect enqueue failed, leaving it for the sweeper",
				zap.String("effect_id", e.ID.String()),
				zap.String("kind", string(e.Kind)),
				zap.String("edge", e.Edge),
				zap.Error(err),
			)
			continue
		}
		enqueued++
	}
	return enqueued
}

func (d *Dispatcher) enqueue(ctx context.Context, e *models.Effect) error {
	task, err := queue.NewEffectTask(e.ID, d.maxRetry)
	if err != nil {
		return err
	}
	_, err = d.queue.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// already queued or retrying
		return nil
	}
	return err
}

// SweepStore lists effects that were committed but never executed
type SweepStore interface {
	ListUndispatchedEffects(ctx context.Context, cutoff time.Time, limit int) ([]*models.Effect, error)
}

// Sweep re-enqueues effects older than age that have not been dispatched
func (d *Dispatcher) Sweep(ctx context.Context, st SweepStore, age time.Duration, limit int) (int, error) {
	pending, err := st.ListUndispatchedEffects(ctx, time.Now().Add(-age), limit)
	if err != nil {
		return 0, err
	}
	if len(pending) > 0 {
		d.logger.Info("Re-enqueueing undispatched effects", zap.Int("count", len(pending)))
	}
	return d.Dispatch(ctx, pending), nil
}
