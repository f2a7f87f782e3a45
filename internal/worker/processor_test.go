package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/festpay/webhook-gateway/internal/effects"
	"github.com/festpay/webhook-gateway/internal/metrics"
	"github.com/festpay/webhook-gateway/internal/models"
	"github.com/festpay/webhook-gateway/internal/queue"
	"github.com/festpay/webhook-gateway/internal/reconcile"
	"github.com/festpay/webhook-gateway/internal/store/memory"
	"github.com/festpay/webhook-gateway/internal/worker"
)

type collaborators struct {
	notified int
	adjusted []decimal.Decimal
}

func (c *collaborators) Notify(context.Context, models.Notification) error { c.notified++; return nil }

func (c *collaborators) Adjust(_ context.Context, a models.LedgerAdjustment) error {
	c.adjusted = append(c.adjusted, a.Amount)
	return nil
}

func (c *collaborators) Publish(context.Context, uuid.UUID, models.OutboundEvent) error { return nil }

type noSender struct{}

func (noSender) Deliver(context.Context, uuid.UUID) error { return errors.New("unexpected delivery") }

type countingQueue struct{ n int }

func (q *countingQueue) EnqueueContext(context.Context, *asynq.Task, ...asynq.Option) (*asynq.TaskInfo, error) {
	q.n++
	return &asynq.TaskInfo{}, nil
}

type fixture struct {
	store     *memory.Store
	collab    *collaborators
	queue     *countingQueue
	processor *worker.Processor
}

func newFixture(opts worker.Options) *fixture {
	st := memory.New()
	c := &collaborators{}
	q := &countingQueue{}
	m := metrics.New("test")
	x := effects.NewExecutor(st, c, c, c, m, zap.NewNop())
	d := effects.NewDispatcher(q, time.Second, 3, m, zap.NewNop())
	return &fixture{
		store:     st,
		collab:    c,
		queue:     q,
		processor: worker.NewProcessor(x, noSender{}, d, st, opts, zap.NewNop()),
	}
}

func (f *fixture) reconcile(t *testing.T, integ *models.PaymentIntegration, eventID string, kind models.EventKind) *reconcile.Result {
	t.Helper()
	r := reconcile.New(f.store, metrics.New("test"), zap.NewNop())
	res, err := r.Apply(context.Background(), integ, &models.NormalizedEvent{
		Provider:        integ.Provider,
		ProviderEventID: eventID,
		Kind:            kind,
		ExternalID:      "txn_001",
		Amount:          decimal.NewFromInt(5000),
		HasAmount:       true,
		Currency:        "JPY",
		OccurredAt:      time.Now(),
	})
	require.NoError(t, err)
	return res
}

func integration(t *testing.T, st *memory.Store) *models.PaymentIntegration {
	t.Helper()
	integ := &models.PaymentIntegration{Provider: models.ProviderKomoju, AccountID: "acct", SigningSecret: "s3cr3t", FestivalID: 9, UserID: 3}
	require.NoError(t, st.CreateIntegration(context.Background(), integ))
	return integ
}

func TestProcessEffect_ExecutesOnce(t *testing.T) {
	f := newFixture(worker.Options{})
	integ := integration(t, f.store)
	res := f.reconcile(t, integ, "evt_1", models.EventPaymentSucceeded)
	require.NotEmpty(t, res.Effects)

	for _, e := range res.Effects {
		task, err := queue.NewEffectTask(e.ID, 3)
		require.NoError(t, err)
		require.NoError(t, f.processor.ProcessEffect(context.Background(), task))
		require.NoError(t, f.processor.ProcessEffect(context.Background(), task))
	}

	assert.Equal(t, 1, f.collab.notified)
	require.Len(t, f.collab.adjusted, 1)
	assert.True(t, f.collab.adjusted[0].Equal(decimal.NewFromInt(5000)))
}

func TestProcessEffect_MissingEffectSkipsRetry(t *testing.T) {
	f := newFixture(worker.Options{})
	task, err := queue.NewEffectTask(uuid.New(), 3)
	require.NoError(t, err)

	err = f.processor.ProcessEffect(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestSweepEffects_RequeuesUndispatched(t *testing.T) {
	f := newFixture(worker.Options{SweepAge: -time.Minute})
	integ := integration(t, f.store)
	res := f.reconcile(t, integ, "evt_1", models.EventPaymentSucceeded)

	require.NoError(t, f.processor.SweepEffects(context.Background(), asynq.NewTask(queue.TypeSweepEffects, nil)))
	assert.Equal(t, len(res.Effects), f.queue.n)
}

func TestPurgeEvents_DropsExpiredDedupRecords(t *testing.T) {
	// negative retention puts the cutoff in the future so every record has expired
	f := newFixture(worker.Options{DedupRetention: -time.Minute})
	integ := integration(t, f.store)
	f.reconcile(t, integ, "evt_1", models.EventPaymentSucceeded)

	_, ok := f.store.ProcessedEvent(integ.ID, "evt_1")
	require.True(t, ok)

	require.NoError(t, f.processor.PurgeEvents(context.Background(), asynq.NewTask(queue.TypePurgeEvents, nil)))
	_, ok = f.store.ProcessedEvent(integ.ID, "evt_1")
	assert.False(t, ok)
}
