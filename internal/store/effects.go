package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/festpay/webhook-gateway/internal/models"
)

const effectColumns = `id, transaction_id, integration_id, kind, edge, payload, attempts, last_error, created_at, dispatched_at`

func scanEffect(row pgx.Row) (*models.Effect, error) {
	var e models.Effect
	err := row.Scan(
		&e.ID,
		&e.TransactionID,
		&e.IntegrationID,
		&e.Kind,
		&e.Edge,
		&e.Payload,
		&e.Attempts,
		&e.LastError,
		&e.CreatedAt,
		&e.DispatchedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// GetEffect loads an effect by id
func (s *Store) GetEffect(ctx context.Context, id uuid.UUID) (*models.Effect, error) {
	query := `SELECT ` + effectColumns + ` FROM payment_effects WHERE id = $1`

	e, err := scanEffect(s.pool.QueryRow(ctx, query, id))
	return e, wrap("get effect", err)
}

// MarkEffectDispatched records successful execution. Only the first call wins.
func (s *Store) MarkEffectDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	updateSQL := `
		UPDATE payment_effects
		SET dispatched_at = $2, attempts = attempts + 1, last_error = NULL
		WHERE id = $1 AND dispatched_at IS NULL
	`

	_, err := s.pool.Exec(ctx, updateSQL, id, at)
	return wrap("mark effect dispatched", err)
}

// RecordEffectFailure counts a failed execution attempt
func (s *Store) RecordEffectFailure(ctx context.Context, id uuid.UUID, reason string) error {
	updateSQL := `
		UPDATE payment_effects
		SET attempts = attempts + 1, last_error = $2
		WHERE id = $1 AND dispatched_at IS NULL
	`

	_, err := s.pool.Exec(ctx, updateSQL, id, reason)
	return wrap("record effect failure", err)
}

// ListUndispatchedEffects returns effects created before cutoff that have not run yet
func (s *Store) ListUndispatchedEffects(ctx context.Context, cutoff time.Time, limit int) ([]*models.Effect, error) {
	query := `SELECT ` + effectColumns + `
		FROM payment_effects
		WHERE dispatched_at IS NULL AND created_at < $1
		ORDER BY created_at
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, wrap("list undispatched effects", err)
	}
	defer rows.Close()

	var out []*models.Effect
	for rows.Next() {
		e, err := scanEffect(rows)
		if err != nil {
			return nil, wrap("scan effect", err)
		}
		out = append(out, e)
	}
	return out, wrap("list undispatched effects", rows.Err())
}
