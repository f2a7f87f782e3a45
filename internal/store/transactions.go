package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/festpay/webhook-gateway/internal/models"
	"github.com/festpay/webhook-gateway/internal/reconcile"
)

// txRepo is the reconcile unit of work bound to one pgx transaction
type txRepo struct {
	q querier
}

var _ reconcile.TxRepository = (*txRepo)(nil)

const transactionColumns = `id, integration_id, external_id, amount, currency, status, metadata, created_at, updated_at`

func scanTransaction(row pgx.Row) (*models.PaymentTransaction, error) {
	var t models.PaymentTransaction
	err := row.Scan(
		&t.ID,
		&t.IntegrationID,
		&t.ExternalID,
		&t.Amount,
		&t.Currency,
		&t.Status,
		&t.Metadata,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *txRepo) RecordEvent(ctx context.Context, integrationID uuid.UUID, ev *models.NormalizedEvent) (bool, error) {
	// A concurrent insert of the same key blocks here until the other
	// transaction finishes, then reports the conflict.
	insertSQL := `
		INSERT INTO processed_events (integration_id, provider_event_id, provider, event_type, payload_digest)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (integration_id, provider_event_id) DO NOTHING
	`

	tag, err := r.q.Exec(ctx, insertSQL,
		integrationID, ev.ProviderEventID, string(ev.Provider), ev.ProviderType, ev.PayloadDigest,
	)
	if err != nil {
		return false, wrap("record event", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepo) SetEventOutcome(ctx context.Context, integrationID uuid.UUID, providerEventID string, outcome models.Outcome) error {
	updateSQL := `
		UPDATE processed_events SET outcome = $3
		WHERE integration_id = $1 AND provider_event_id = $2
	`

	_, err := r.q.Exec(ctx, updateSQL, integrationID, providerEventID, string(outcome))
	return wrap("set event outcome", err)
}

func (r *txRepo) LockOrCreateTransaction(ctx context.Context, candidate *models.PaymentTransaction) (*models.PaymentTransaction, bool, error) {
	insertSQL := `
		INSERT INTO payment_transactions (
			id, integration_id, external_id, amount, currency, status, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (integration_id, external_id) DO NOTHING
	`

	metadata := candidate.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	tag, err := r.q.Exec(ctx, insertSQL,
		candidate.ID, candidate.IntegrationID, candidate.ExternalID, candidate.Amount,
		candidate.Currency, string(candidate.Status), metadata, candidate.CreatedAt, candidate.UpdatedAt,
	)
	if err != nil {
		return nil, false, wrap("insert transaction", err)
	}
	created := tag.RowsAffected() == 1

	lockSQL := `SELECT ` + transactionColumns + `
		FROM payment_transactions
		WHERE integration_id = $1 AND external_id = $2
		FOR UPDATE`

	txn, err := scanTransaction(r.q.QueryRow(ctx, lockSQL, candidate.IntegrationID, candidate.ExternalID))
	if err != nil {
		return nil, false, wrap("lock transaction", err)
	}
	return txn, created, nil
}

func (r *txRepo) UpdateTransaction(ctx context.Context, txn *models.PaymentTransaction) error {
	updateSQL := `
		UPDATE payment_transactions
		SET status = $2, amount = $3, currency = $4, metadata = $5, updated_at = $6
		WHERE id = $1
	`

	_, err := r.q.Exec(ctx, updateSQL,
		txn.ID, string(txn.Status), txn.Amount, txn.Currency, txn.Metadata, txn.UpdatedAt,
	)
	return wrap("update transaction", err)
}

func (r *txRepo) InsertEffects(ctx context.Context, effs []*models.Effect) ([]*models.Effect, error) {
	insertSQL := `
		INSERT INTO payment_effects (id, transaction_id, integration_id, kind, edge, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (transaction_id, edge, kind) DO NOTHING
	`

	inserted := make([]*models.Effect, 0, len(effs))
	for _, e := range effs {
		tag, err := r.q.Exec(ctx, insertSQL,
			e.ID, e.TransactionID, e.IntegrationID, string(e.Kind), e.Edge, []byte(e.Payload), e.CreatedAt,
		)
		if err != nil {
			return nil, wrap("insert effect", err)
		}
		if tag.RowsAffected() == 1 {
			inserted = append(inserted, e)
		}
	}
	return inserted, nil
}

// GetTransaction loads a transaction by id
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE id = $1`

	txn, err := scanTransaction(s.pool.QueryRow(ctx, query, id))
	return txn, wrap("get transaction", err)
}

// PurgeProcessedEvents drops dedup records older than the retention window
func (s *Store) PurgeProcessedEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, wrap("purge processed events", err)
	}
	return tag.RowsAffected(), nil
}
