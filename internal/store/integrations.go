package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/festpay/webhook-gateway/internal/models"
)

const integrationColumns = `id, provider, account_id, signing_secret, notification_url, active,
	festival_id, user_id, created_at, updated_at, deactivated_at`

func scanIntegration(row pgx.Row) (*models.PaymentIntegration, error) {
	var i models.PaymentIntegration
	err := row.Scan(
		&i.ID,
		&i.Provider,
		&i.AccountID,
		&i.SigningSecret,
		&i.NotificationURL,
		&i.Active,
		&i.FestivalID,
		&i.UserID,
		&i.CreatedAt,
		&i.UpdatedAt,
		&i.DeactivatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &i, nil
}

// CreateIntegration onboards a merchant integration. It returns ErrConflict when an
// active integration already exists for the same provider account.
func (s *Store) CreateIntegration(ctx context.Context, i *models.PaymentIntegration) error {
	insertSQL := `
		INSERT INTO payment_integrations (
			id, provider, account_id, signing_secret, notification_url, active,
			festival_id, user_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7, $8, $8)
	`

	now := time.Now().UTC()
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, insertSQL,
		i.ID, string(i.Provider), i.AccountID, i.SigningSecret, i.NotificationURL,
		i.FestivalID, i.UserID, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return wrap("insert integration", err)
	}

	i.Active = true
	i.CreatedAt = now
	i.UpdatedAt = now
	return nil
}

// DeactivateIntegration retires an integration. Its transactions are kept.
func (s *Store) DeactivateIntegration(ctx context.Context, id uuid.UUID) (*models.PaymentIntegration, error) {
	updateSQL := `
		UPDATE payment_integrations
		SET active = FALSE, deactivated_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING ` + integrationColumns

	integ, err := scanIntegration(s.pool.QueryRow(ctx, updateSQL, id))
	return integ, wrap("deactivate integration", err)
}

// GetIntegration loads an integration by id regardless of state
func (s *Store) GetIntegration(ctx context.Context, id uuid.UUID) (*models.PaymentIntegration, error) {
	query := `SELECT ` + integrationColumns + ` FROM payment_integrations WHERE id = $1`

	integ, err := scanIntegration(s.pool.QueryRow(ctx, query, id))
	return integ, wrap("get integration", err)
}

// FindActiveIntegration looks up the active integration for a provider account
func (s *Store) FindActiveIntegration(ctx context.Context, kind models.ProviderKind, accountID string) (*models.PaymentIntegration, error) {
	query := `SELECT ` + integrationColumns + `
		FROM payment_integrations
		WHERE provider = $1 AND account_id = $2 AND active`

	integ, err := scanIntegration(s.pool.QueryRow(ctx, query, string(kind), accountID))
	return integ, wrap("find integration", err)
}

// ListActiveIntegrations returns every active integration of a provider, oldest first
func (s *Store) ListActiveIntegrations(ctx context.Context, kind models.ProviderKind) ([]*models.PaymentIntegration, error) {
	query := `SELECT ` + integrationColumns + `
		FROM payment_integrations
		WHERE provider = $1 AND active
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, string(kind))
	if err != nil {
		return nil, wrap("list integrations", err)
	}
	defer rows.Close()

	var out []*models.PaymentIntegration
	for rows.Next() {
		integ, err := scanIntegration(rows)
		if err != nil {
			return nil, wrap("scan integration", err)
		}
		out = append(out, integ)
	}
	return out, wrap("list integrations", rows.Err())
}
