package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/festpay/webhook-gateway/internal/models"
)

const subscriberColumns = `id, url, secret, event_names, active, created_at`

func scanSubscriber(row pgx.Row) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := row.Scan(&sub.ID, &sub.URL, &sub.Secret, &sub.EventNames, &sub.Active, &sub.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

// CreateSubscriber registers an outbound webhook endpoint
func (s *Store) CreateSubscriber(ctx context.Context, sub *models.Subscriber) error {
	insertSQL := `
		INSERT INTO webhook_subscribers (id, url, secret, event_names, active, created_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)
	`

	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.EventNames == nil {
		sub.EventNames = []string{}
	}
	sub.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, insertSQL, sub.ID, sub.URL, sub.Secret, sub.EventNames, sub.CreatedAt)
	if err != nil {
		return wrap("insert subscriber", err)
	}
	sub.Active = true
	return nil
}

// GetSubscriber loads a subscriber by id
func (s *Store) GetSubscriber(ctx context.Context, id uuid.UUID) (*models.Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM webhook_subscribers WHERE id = $1`

	sub, err := scanSubscriber(s.pool.QueryRow(ctx, query, id))
	return sub, wrap("get subscriber", err)
}

// ListActiveSubscribers returns every subscriber currently receiving events
func (s *Store) ListActiveSubscribers(ctx context.Context) ([]*models.Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM webhook_subscribers WHERE active ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, wrap("list subscribers", err)
	}
	defer rows.Close()

	var out []*models.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, wrap("scan subscriber", err)
		}
		out = append(out, sub)
	}
	return out, wrap("list subscribers", rows.Err())
}

// InsertDelivery stores a delivery unless one exists for (event, subscriber).
// It reports whether the row was new.
func (s *Store) InsertDelivery(ctx context.Context, d *models.Delivery) (bool, error) {
	insertSQL := `
		INSERT INTO webhook_deliveries (id, event_id, subscriber_id, event_name, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id, subscriber_id) DO NOTHING
	`

	tag, err := s.pool.Exec(ctx, insertSQL,
		d.ID, d.EventID, d.SubscriberID, d.EventName, []byte(d.Payload), d.CreatedAt,
	)
	if err != nil {
		return false, wrap("insert delivery", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetDelivery loads a delivery by id
func (s *Store) GetDelivery(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
	query := `
		SELECT id, event_id, subscriber_id, event_name, payload, attempts, created_at, delivered_at
		FROM webhook_deliveries WHERE id = $1`

	var d models.Delivery
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&d.ID,
		&d.EventID,
		&d.SubscriberID,
		&d.EventName,
		&d.Payload,
		&d.Attempts,
		&d.CreatedAt,
		&d.DeliveredAt,
	)
	if err != nil {
		return nil, wrap("get delivery", notFound(err))
	}
	return &d, nil
}

// RecordDeliveryAttempt logs one HTTP attempt and bumps the delivery's attempt count
func (s *Store) RecordDeliveryAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		insertSQL := `
			INSERT INTO webhook_attempts (
				delivery_id, attempt_number, webhook_url,
				response_status_code, response_body, response_time_ms,
				success, error_message
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`
		if _, err := tx.Exec(ctx, insertSQL,
			a.DeliveryID, a.AttemptNumber, a.URL,
			a.StatusCode, a.ResponseBody, a.ResponseTimeMs,
			a.Success, a.ErrorMessage,
		); err != nil {
			return wrap("insert attempt", err)
		}

		_, err := tx.Exec(ctx, `UPDATE webhook_deliveries SET attempts = attempts + 1 WHERE id = $1`, a.DeliveryID)
		return wrap("count attempt", err)
	})
}

// MarkDelivered records the first successful delivery
func (s *Store) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_deliveries SET delivered_at = $2 WHERE id = $1 AND delivered_at IS NULL`,
		id, at,
	)
	return wrap("mark delivered", err)
}
