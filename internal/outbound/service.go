// Package outbound fans canonical payment events out to registered subscriber
// endpoints and, when configured, mirrors them to a Kafka topic.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/festpay/webhook-gateway/internal/models"
	"github.com/festpay/webhook-gateway/internal/queue"
)

// Store is the subscriber and delivery repository the service writes to
type Store interface {
	ListActiveSubscribers(ctx context.Context) ([]*models.Subscriber, error)
	InsertDelivery(ctx context.Context, d *models.Delivery) (bool, error)
}

// Enqueuer is the part of asynq.Client the service needs
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// MessageWriter is satisfied by *kafka.Writer
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Envelope is the body POSTed to subscribers and written to Kafka
type Envelope struct {
	EventID   uuid.UUID      `json:"event_id"`
	EventName string         `json:"event_name"`
	CreatedAt time.Time      `json:"created_at"`
	Data      map[string]any `json:"data"`
}

// Service creates deliveries for published events. It implements effects.Publisher.
type Service struct {
	store    Store
	queue    Enqueuer
	mirror   MessageWriter
	maxRetry int
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates the service. mirror may be nil.
func NewService(st Store, q Enqueuer, mirror MessageWriter, maxRetry int, logger *zap.Logger) *Service {
	return &Service{store: st, queue: q, mirror: mirror, maxRetry: maxRetry, logger: logger, now: time.Now}
}

// DeliveryID derives the delivery id so republishing an event reuses its deliveries
func DeliveryID(eventID, subscriberID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(eventID, subscriberID[:])
}

// Publish records one delivery per matching subscriber and enqueues it. It is
// safe to call again for the same eventID.
func (s *Service) Publish(ctx context.Context, eventID uuid.UUID, ev models.OutboundEvent) error {
	body, err := json.Marshal(Envelope{
		EventID:   eventID,
		EventName: ev.Name,
		CreatedAt: s.now().UTC(),
		Data:      ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	subscribers, err := s.store.ListActiveSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list subscribers: %w", err)
	}

	for _, sub := range subscribers {
		if !sub.Accepts(ev.Name) {
			continue
		}

		d := &models.Delivery{
			ID:           DeliveryID(eventID, sub.ID),
			EventID:      eventID,
			SubscriberID: sub.ID,
			EventName:    ev.Name,
			Payload:      body,
			CreatedAt:    s.now().UTC(),
		}
		if _, err := s.store.InsertDelivery(ctx, d); err != nil {
			return fmt.Errorf("failed to insert delivery: %w", err)
		}

		task, err := queue.NewDeliveryTask(d.ID, s.maxRetry)
		if err != nil {
			return err
		}
		if _, err := s.queue.EnqueueContext(ctx, task); err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
			return fmt.Errorf("failed to enqueue delivery %s: %w", d.ID, err)
		}

		s.logger.Debug("Outbound delivery queued",
			zap.String("delivery_id", d.ID.String()),
			zap.String("subscriber_id", sub.ID.String()),
			zap.String("event_name", ev.Name),
		)
	}

	if s.mirror != nil {
		key, _ := ev.Payload["transaction_id"].(string)
		// keyed by transaction so one transaction's events stay ordered within a partition
		if err := s.mirror.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: body}); err != nil {
			return fmt.Errorf("failed to mirror event to kafka: %w", err)
		}
	}

	return nil
}

// NewKafkaWriter creates a synchronous writer for the event mirror
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.ReferenceHash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		Async:                  false,
		AllowAutoTopicCreation: false,
	}
}
