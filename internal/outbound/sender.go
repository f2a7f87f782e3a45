package outbound

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/festpay/webhook-gateway/internal/metrics"
	"github.com/festpay/webhook-gateway/internal/models"
)

// SenderStore is the delivery bookkeeping the sender needs
type SenderStore interface {
	GetDelivery(ctx context.Context, id uuid.UUID) (*models.Delivery, error)
	GetSubscriber(ctx context.Context, id uuid.UUID) (*models.Subscriber, error)
	RecordDeliveryAttempt(ctx context.Context, a *models.DeliveryAttempt) error
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error
}

var errNon2xx = errors.New("subscriber responded with non-2xx status")

// attempt is the outcome of one HTTP POST
type attempt struct {
	success      bool
	statusCode   int
	responseBody string
	responseTime int64
	err          error
}

// Sender POSTs deliveries to subscribers, one circuit breaker per subscriber
type Sender struct {
	store   SenderStore
	client  *http.Client
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[uuid.UUID]*gobreaker.CircuitBreaker[attempt]
}

// NewSender creates a sender with the given per-request timeout
func NewSender(st SenderStore, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Sender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sender{
		store: st,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
		metrics:  m,
		logger:   logger,
		breakers: make(map[uuid.UUID]*gobreaker.CircuitBreaker[attempt]),
	}
}

// Deliver sends one delivery. A returned error means the task should be retried.
func (s *Sender) Deliver(ctx context.Context, deliveryID uuid.UUID) error {
	d, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("failed to load delivery: %w", err)
	}
	if d.DeliveredAt != nil {
		return nil
	}

	sub, err := s.store.GetSubscriber(ctx, d.SubscriberID)
	if err != nil {
		return fmt.Errorf("failed to load subscriber: %w", err)
	}
	if !sub.Active {
		s.logger.Info("Dropping delivery for inactive subscriber",
			zap.String("delivery_id", d.ID.String()),
			zap.String("subscriber_id", sub.ID.String()),
		)
		return nil
	}

	signature := generateSignature(d.Payload, []byte(sub.Secret))

	result, err := s.breaker(sub.ID).Execute(func() (attempt, error) {
		a := s.deliverWebhook(ctx, sub.URL, d, signature)
		if !a.success {
			if a.err != nil {
				return a, a.err
			}
			return a, errNon2xx
		}
		return a, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		result = attempt{err: err}
	}

	s.recordWebhookAttempt(ctx, d, sub.URL, result)

	if !result.success {
		s.metrics.OutboundDeliveriesTotal.WithLabelValues("error").Inc()
		s.logger.Warn("Webhook delivery failed",
			zap.String("delivery_id", d.ID.String()),
			zap.String("url", sub.URL),
			zap.Int("status", result.statusCode),
			zap.Int("attempt", d.Attempts+1),
			zap.Error(err),
		)
		return fmt.Errorf("delivery %s failed: %w", d.ID, err)
	}

	s.metrics.OutboundDeliveriesTotal.WithLabelValues("ok").Inc()
	s.logger.Info("Webhook delivered",
		zap.String("delivery_id", d.ID.String()),
		zap.String("url", sub.URL),
		zap.Int64("response_time_ms", result.responseTime),
	)
	return s.store.MarkDelivered(ctx, d.ID, time.Now().UTC())
}

// deliverWebhook performs the actual HTTP POST
func (s *Sender) deliverWebhook(ctx context.Context, url string, d *models.Delivery, signature string) attempt {
	startTime := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(d.Payload))
	if err != nil {
		return attempt{err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signature)
	req.Header.Set("X-Event-Name", d.EventName)
	req.Header.Set("X-Delivery-ID", d.ID.String())

	resp, err := s.client.Do(req)
	responseTime := time.Since(startTime).Milliseconds()
	if err != nil {
		return attempt{responseTime: responseTime, err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return attempt{
		success:      resp.StatusCode >= 200 && resp.StatusCode < 300,
		statusCode:   resp.StatusCode,
		responseBody: string(body),
		responseTime: responseTime,
	}
}

// recordWebhookAttempt logs a delivery attempt; failures to record are only logged
func (s *Sender) recordWebhookAttempt(ctx context.Context, d *models.Delivery, url string, a attempt) {
	var errMsg *string
	switch {
	case a.err != nil:
		msg := a.err.Error()
		errMsg = &msg
	case !a.success:
		msg := a.responseBody
		errMsg = &msg
	}

	err := s.store.RecordDeliveryAttempt(ctx, &models.DeliveryAttempt{
		DeliveryID:     d.ID,
		AttemptNumber:  d.Attempts + 1,
		URL:            url,
		StatusCode:     a.statusCode,
		ResponseBody:   a.responseBody,
		ResponseTimeMs: a.responseTime,
		Success:        a.success,
		ErrorMessage:   errMsg,
	})
	if err != nil {
		s.logger.Error("Failed to record webhook attempt", zap.String("delivery_id", d.ID.String()), zap.Error(err))
	}
}

func (s *Sender) breaker(subscriberID uuid.UUID) *gobreaker.CircuitBreaker[attempt] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[subscriberID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[attempt](gobreaker.Settings{
		Name:        subscriberID.String(),
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("Subscriber circuit breaker state changed",
				zap.String("subscriber_id", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	s.breakers[subscriberID] = cb
	return cb
}

// generateSignature creates HMAC-SHA256 signature
func generateSignature(payload, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
