package outbound_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/festpay/webhook-gateway/internal/metrics"
	"github.com/festpay/webhook-gateway/internal/models"
	"github.com/festpay/webhook-gateway/internal/outbound"
	"github.com/festpay/webhook-gateway/internal/queue"
	"github.com/festpay/webhook-gateway/internal/store/memory"
)

type taskRecorder struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (r *taskRecorder) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	p, err := queue.ParseDeliveryPayload(task)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.ids {
		if id == p.DeliveryID {
			return nil, asynq.ErrTaskIDConflict
		}
	}
	r.ids = append(r.ids, p.DeliveryID)
	return &asynq.TaskInfo{ID: p.DeliveryID.String()}, nil
}

type mirror struct {
	msgs []kafka.Message
	err  error
}

func (m *mirror) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msgs...)
	return nil
}

func subscribe(t *testing.T, st *memory.Store, url string, names ...string) *models.Subscriber {
	t.Helper()
	sub := &models.Subscriber{URL: url, Secret: "sub-secret", EventNames: names}
	require.NoError(t, st.CreateSubscriber(context.Background(), sub))
	return sub
}

func completedEvent(txnID uuid.UUID) models.OutboundEvent {
	return models.OutboundEvent{
		Name: "payment.completed",
		Payload: map[string]any{
			"transaction_id": txnID.String(),
			"status":         "completed",
			"amount":         "5000",
			"currency":       "JPY",
		},
	}
}

func TestPublish_CreatesOneDeliveryPerMatchingSubscriber(t *testing.T) {
	st := memory.New()
	all := subscribe(t, st, "http://a.test/hook")
	refundsOnly := subscribe(t, st, "http://b.test/hook", "payment.refunded")
	completed := subscribe(t, st, "http://c.test/hook", "payment.completed")

	q := &taskRecorder{}
	m := &mirror{}
	svc := outbound.NewService(st, q, m, 5, zap.NewNop())

	eventID := uuid.New()
	txnID := uuid.New()
	require.NoError(t, svc.Publish(context.Background(), eventID, completedEvent(txnID)))
	// a retried effect republishes the same event
	require.NoError(t, svc.Publish(context.Background(), eventID, completedEvent(txnID)))

	assert.ElementsMatch(t, []uuid.UUID{
		outbound.DeliveryID(eventID, all.ID),
		outbound.DeliveryID(eventID, completed.ID),
	}, q.ids)

	_, err := st.GetDelivery(context.Background(), outbound.DeliveryID(eventID, refundsOnly.ID))
	assert.Error(t, err)

	d, err := st.GetDelivery(context.Background(), outbound.DeliveryID(eventID, all.ID))
	require.NoError(t, err)
	var env outbound.Envelope
	require.NoError(t, json.Unmarshal(d.Payload, &env))
	assert.Equal(t, eventID, env.EventID)
	assert.Equal(t, "payment.completed", env.EventName)
	assert.Equal(t, "5000", env.Data["amount"])

	require.Len(t, m.msgs, 2)
	assert.Equal(t, txnID.String(), string(m.msgs[0].Key))
}

func TestPublish_MirrorFailureIsReturned(t *testing.T) {
	st := memory.New()
	svc := outbound.NewService(st, &taskRecorder{}, &mirror{err: errors.New("broker down")}, 5, zap.NewNop())

	err := svc.Publish(context.Background(), uuid.New(), completedEvent(uuid.New()))
	assert.ErrorContains(t, err, "broker down")
}

func publishOne(t *testing.T, st *memory.Store, url string) uuid.UUID {
	t.Helper()
	sub := subscribe(t, st, url)
	q := &taskRecorder{}
	svc := outbound.NewService(st, q, nil, 5, zap.NewNop())
	eventID := uuid.New()
	require.NoError(t, svc.Publish(context.Background(), eventID, completedEvent(uuid.New())))
	return outbound.DeliveryID(eventID, sub.ID)
}

func TestDeliver_SignsAndMarksDelivered(t *testing.T) {
	var hits atomic.Int32
	var gotSig, gotName, gotID string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		gotSig = r.Header.Get("X-Signature")
		gotName = r.Header.Get("X-Event-Name")
		gotID = r.Header.Get("X-Delivery-ID")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	st := memory.New()
	id := publishOne(t, st, srv.URL)
	sender := outbound.NewSender(st, time.Second, metrics.New("test"), zap.NewNop())

	require.NoError(t, sender.Deliver(context.Background(), id))
	require.NoError(t, sender.Deliver(context.Background(), id))
	assert.Equal(t, int32(1), hits.Load())

	mac := hmac.New(sha256.New, []byte("sub-secret"))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)
	assert.Equal(t, "payment.completed", gotName)
	assert.Equal(t, id.String(), gotID)

	d, err := st.GetDelivery(context.Background(), id)
	require.NoError(t, err)
	assert.NotNil(t, d.DeliveredAt)

	attempts := st.Attempts()
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Success)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
}

func TestDeliver_Non2xxIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	st := memory.New()
	id := publishOne(t, st, srv.URL)
	sender := outbound.NewSender(st, time.Second, metrics.New("test"), zap.NewNop())

	require.Error(t, sender.Deliver(context.Background(), id))
	require.Error(t, sender.Deliver(context.Background(), id))

	d, err := st.GetDelivery(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, d.DeliveredAt)
	assert.Equal(t, 2, d.Attempts)

	attempts := st.Attempts()
	require.Len(t, attempts, 2)
	assert.Equal(t, http.StatusBadGateway, attempts[1].StatusCode)
	assert.Equal(t, 2, attempts[1].AttemptNumber)
	require.NotNil(t, attempts[1].ErrorMessage)
	assert.Equal(t, "upstream down", *attempts[1].ErrorMessage)
}

func TestDeliver_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := memory.New()
	id := publishOne(t, st, srv.URL)
	sender := outbound.NewSender(st, time.Second, metrics.New("test"), zap.NewNop())

	for i := 0; i < 7; i++ {
		assert.Error(t, sender.Deliver(context.Background(), id))
	}
	assert.Equal(t, int32(5), hits.Load())
	assert.Len(t, st.Attempts(), 7)
}
